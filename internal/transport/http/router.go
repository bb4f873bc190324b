// Package httptransport wires gin's router: route groups behind a shared
// middleware chain, handlers resolved by constructor injection rather
// than reaching into globals.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/opsbatch/scheduler/internal/health"
	"github.com/opsbatch/scheduler/internal/transport/http/handler"
	"github.com/opsbatch/scheduler/internal/transport/http/middleware"
)

func NewRouter(admin *handler.Admin, auth *handler.Auth, checker *health.Checker, sessionSecret []byte, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Security(), sloggin.New(logger), middleware.Metrics())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, checker.Liveness(c.Request.Context())) })
	r.GET("/readyz", func(c *gin.Context) {
		result := checker.Readiness(c.Request.Context())
		status := http.StatusOK
		if result.Status != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	})

	r.GET("/", admin.Dashboard)
	r.GET("/tasks/:id", admin.TaskDetail)
	r.GET("/login", auth.LoginForm)
	r.POST("/login", auth.Login)

	mutating := r.Group("/", middleware.RequireSession(sessionSecret))
	mutating.POST("schedules", admin.CreateSchedule)
	mutating.POST("tasks/enqueue", admin.EnqueueTask)
	mutating.POST("manual/run", admin.ManualRun)
	mutating.POST("schedule/:id/toggle", admin.ToggleSchedule)
	mutating.POST("schedule/:id/delete", admin.DeleteSchedule)
	mutating.POST("tasks/:id/cancel", admin.CancelTask)
	mutating.POST("tasks/:id/delete", admin.DeleteTask)

	return r
}
