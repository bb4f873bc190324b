package handler

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsbatch/scheduler/internal/transport/http/middleware"
)

const sessionTTL = 12 * time.Hour

// Auth bundles the credentials the single-operator login flow checks
// against.
type Auth struct {
	operatorToken []byte
	sessionSecret []byte
	secureCookie  bool
}

func NewAuth(operatorToken, sessionSecret string, secureCookie bool) *Auth {
	return &Auth{
		operatorToken: []byte(operatorToken),
		sessionSecret: []byte(sessionSecret),
		secureCookie:  secureCookie,
	}
}

// LoginForm renders the single-field operator token form.
func (a *Auth) LoginForm(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!doctype html><html><body>
		<form method="post" action="/login">
			operator token <input type="password" name="token">
			<button type="submit">login</button>
		</form>
	</body></html>`))
}

// Login compares the submitted token against the configured operator
// token in constant time and, on match, issues a signed session cookie.
func (a *Auth) Login(c *gin.Context) {
	token := []byte(c.PostForm("token"))
	if len(token) == 0 || subtle.ConstantTimeCompare(token, a.operatorToken) != 1 {
		c.Data(http.StatusUnauthorized, "text/html; charset=utf-8", []byte("invalid token"))
		return
	}
	if err := middleware.IssueSession(c, a.sessionSecret, sessionTTL, a.secureCookie); err != nil {
		c.String(http.StatusInternalServerError, errInternalServer)
		return
	}
	c.Redirect(http.StatusFound, "/")
}
