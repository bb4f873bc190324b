package handler

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// redirectResult is the shared query-string shape every mutating endpoint
// redirects to "/" with: ok, type, payload, cost, error, info.
type redirectResult struct {
	OK      bool
	Type    string
	Payload string
	Cost    string // elapsed time, formatted by the caller (e.g. manual run duration)
	Error   string
	Info    string
}

func redirectTo(c *gin.Context, r redirectResult) {
	v := url.Values{}
	if r.OK {
		v.Set("ok", "true")
	} else {
		v.Set("ok", "false")
	}
	if r.Type != "" {
		v.Set("type", r.Type)
	}
	if r.Payload != "" {
		v.Set("payload", r.Payload)
	}
	if r.Cost != "" {
		v.Set("cost", r.Cost)
	}
	if r.Error != "" {
		v.Set("error", r.Error)
	}
	if r.Info != "" {
		v.Set("info", r.Info)
	}
	c.Redirect(http.StatusFound, "/?"+v.Encode())
}
