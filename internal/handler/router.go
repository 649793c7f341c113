package handler

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/auth"
	"rollcall/internal/ratelimit"
)

// ContextKeyRequestID is the gin context key holding the request id.
const ContextKeyRequestID = "request_id"

// NewRouter wires middleware and routes. limiter may be nil.
func NewRouter(h *Handler, limiter *ratelimit.Bucket) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{SkipPaths: []string{"/healthz", "/metrics"}}))
	r.Use(requestID())
	r.Use(corsMiddleware(h.cfg.AllowedOrigins))
	r.Use(securityHeaders())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	limit := func(g *gin.RouterGroup) {
		if limiter != nil {
			g.Use(limiter.GinMiddleware(auth.Owner))
		}
	}

	accounts := v1.Group("/accounts")
	limit(accounts)
	accounts.POST("/register", h.Register)
	accounts.POST("/login", h.Login)
	accounts.POST("/refresh", h.Refresh)

	api := v1.Group("")
	api.Use(auth.Bearer(h.cfg.JWTSigningKey, h.cfg.JWTIssuer))
	limit(api)
	{
		api.POST("/scans", h.Scan)

		api.POST("/sessions", h.StartSession)
		api.GET("/sessions/active", h.ActiveSession)
		api.DELETE("/sessions/active", h.EndSession)
		api.GET("/sessions/:id/tally", h.SessionTally)
		api.GET("/sessions/:id/report.csv", h.SessionReportCSV)
		api.GET("/sessions/:id/report.xlsx", h.SessionReportXLSX)

		api.GET("/students", h.ListStudents)
		api.POST("/students", h.CreateStudent)
		api.PUT("/students/:id", h.UpdateStudent)
		api.DELETE("/students/:id", h.DeleteStudent)
		api.GET("/students/:id/badge.png", h.StudentBadge)

		api.POST("/nfc", h.RegisterTag)
		api.GET("/nfc/:id", h.LookupTag)

		api.GET("/classes", h.ListClasses)
		api.POST("/classes", h.CreateClass)
		api.PUT("/classes/:id", h.UpdateClass)
		api.DELETE("/classes/:id", h.DeleteClass)
		api.GET("/classes/:id/history", h.ClassHistory)
	}

	admin := api.Group("/admin")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	{
		admin.GET("/students", h.AdminStudents)
		admin.GET("/export", h.Export)
		admin.POST("/import", h.Import)
	}
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAge:        24 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

