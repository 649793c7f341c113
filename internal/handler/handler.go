package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/scan"
	"rollcall/internal/validator"
)

// HealthFunc reports the state of each dependency by name.
type HealthFunc func(ctx context.Context) map[string]bool

// Handler serves the JSON API.
type Handler struct {
	cfg        config.App
	accounts   *auth.Accounts
	registry   *attendance.Registry
	reconciler *attendance.Reconciler
	transfer   *attendance.Transfer
	reports    *attendance.Reports
	service    *attendance.Service
	scans      *scan.Processor
	health     HealthFunc
	log        zerolog.Logger
}

// Deps bundles what the handlers need.
type Deps struct {
	Config     config.App
	Accounts   *auth.Accounts
	Registry   *attendance.Registry
	Reconciler *attendance.Reconciler
	Transfer   *attendance.Transfer
	Reports    *attendance.Reports
	Service    *attendance.Service
	Scans      *scan.Processor
	Health     HealthFunc
	Log        zerolog.Logger
}

func New(d Deps) *Handler {
	return &Handler{
		cfg:        d.Config,
		accounts:   d.Accounts,
		registry:   d.Registry,
		reconciler: d.Reconciler,
		transfer:   d.Transfer,
		reports:    d.Reports,
		service:    d.Service,
		scans:      d.Scans,
		health:     d.Health,
		log:        d.Log.With().Str("component", "http").Logger(),
	}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	if h.health != nil {
		for name, ok := range h.health(c.Request.Context()) {
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
	}
	c.JSON(status, body)
}

// ---------- Errors ----------

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{attendance.ErrMalformedPayload, http.StatusBadRequest, "malformed_payload"},
	{attendance.ErrInvalidFormat, http.StatusBadRequest, "invalid_format"},
	{attendance.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{auth.ErrInvalidAccount, http.StatusBadRequest, "invalid_account"},
	{auth.ErrBadCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{attendance.ErrUnregisteredTag, http.StatusNotFound, "unregistered_tag"},
	{attendance.ErrNotFound, http.StatusNotFound, "not_found"},
	{attendance.ErrAlreadyBound, http.StatusConflict, "already_bound"},
	{attendance.ErrDuplicateScan, http.StatusConflict, "duplicate_scan"},
	{attendance.ErrConflict, http.StatusConflict, "conflict"},
	{auth.ErrEmailTaken, http.StatusConflict, "email_taken"},
	{attendance.ErrNoActiveSession, http.StatusConflict, "no_active_session"},
	{attendance.ErrStorageFailure, http.StatusInternalServerError, "storage_failure"},
}

func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error", "code": code})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func (h *Handler) bind(c *gin.Context, dst interface{}) bool {
	if fields := validator.Bind(c, dst); fields != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "code": "validation", "fields": fields})
		return false
	}
	return true
}

// scope is the owner a listing is limited to: the caller's own namespace, or
// everything when an admin asks for ?all=true.
func scope(c *gin.Context) string {
	claims, _ := auth.ClaimsFrom(c)
	if claims.IsAdmin() && c.Query("all") == "true" {
		return ""
	}
	return claims.Subject
}
