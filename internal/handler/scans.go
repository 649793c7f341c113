package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/scan"
)

type scanRequest struct {
	Kind    attendance.ScanKind `json:"kind" binding:"required,oneof=qr nfc"`
	Payload string              `json:"payload"`
	Source  string              `json:"source"`
}

// Scan reconciles one read for the caller. Informational outcomes
// (suppressed, duplicate, no session, unregistered tag) answer 200 with the
// outcome in the body.
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if !h.bind(c, &req) {
		return
	}
	payload := req.Payload
	if req.Kind == attendance.KindNFC && payload == "" {
		payload = attendance.FallbackTagID()
	}
	res, err := h.scans.Process(c.Request.Context(), scan.Event{
		Kind:       req.Kind,
		Owner:      auth.Owner(c),
		Payload:    payload,
		Source:     req.Source,
		ReceivedAt: time.Now(),
	})
	if err != nil && !informational(err) {
		h.fail(c, err)
		return
	}
	body := gin.H{"result": res}
	if err != nil {
		_, code := statusFor(err)
		body["code"] = code
		body["message"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func informational(err error) bool {
	return errors.Is(err, attendance.ErrDuplicateScan) ||
		errors.Is(err, attendance.ErrNoActiveSession) ||
		errors.Is(err, attendance.ErrUnregisteredTag)
}
