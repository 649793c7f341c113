package handler

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
)

type startSessionRequest struct {
	ClassID              string `json:"classId"`
	Course               string `json:"course"`
	Semester             string `json:"semester"`
	Date                 string `json:"date" binding:"omitempty,datetime=2006-01-02"`
	ClassTime            string `json:"classTime" binding:"required,hhmm"`
	LateThresholdMinutes int    `json:"lateThresholdMinutes" binding:"omitempty,min=1,max=120"`
	WithRoster           *bool  `json:"withRoster"`
}

// StartSession opens the caller's session. Class sessions seed the roster as
// Absent unless withRoster is false.
func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if !h.bind(c, &req) {
		return
	}
	withRoster := req.ClassID != ""
	if req.WithRoster != nil {
		withRoster = *req.WithRoster
	}
	sess, sum, err := h.reconciler.Start(c.Request.Context(), attendance.SessionParams{
		Owner:                auth.Owner(c),
		ClassID:              req.ClassID,
		Course:               req.Course,
		Semester:             req.Semester,
		Date:                 req.Date,
		ClassTime:            req.ClassTime,
		LateThresholdMinutes: req.LateThresholdMinutes,
		WithRoster:           withRoster,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess, "roster": sum})
}

// ActiveSession returns the caller's running session.
func (h *Handler) ActiveSession(c *gin.Context) {
	sess, ok := h.reconciler.Active(auth.Owner(c))
	if !ok {
		h.fail(c, attendance.ErrNoActiveSession)
		return
	}
	tally, err := h.reconciler.Tally(c.Request.Context(), sess.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{"session": sess, "tally": tally}
	if tag, ok := h.service.PendingTag(auth.Owner(c)); ok {
		resp["pendingTag"] = tag
	}
	c.JSON(http.StatusOK, resp)
}

// EndSession stops the caller's running session.
func (h *Handler) EndSession(c *gin.Context) {
	sess, err := h.reconciler.End(c.Request.Context(), auth.Owner(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.service.CancelPending(auth.Owner(c))
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// SessionTally recomputes a session's counts from the store.
func (h *Handler) SessionTally(c *gin.Context) {
	tally, err := h.reconciler.Tally(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tally)
}

// SessionReportCSV streams the session report as CSV.
func (h *Handler) SessionReportCSV(c *gin.Context) {
	h.sessionReport(c, "csv", "text/csv; charset=utf-8", attendance.Report.WriteCSV)
}

// SessionReportXLSX streams the session report as a spreadsheet.
func (h *Handler) SessionReportXLSX(c *gin.Context) {
	h.sessionReport(c, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", attendance.Report.WriteXLSX)
}

func (h *Handler) sessionReport(c *gin.Context, ext, contentType string, write func(attendance.Report, io.Writer) error) {
	rep, err := h.reports.SessionReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := write(rep, &buf); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="attendance_%s.%s"`, rep.SessionID, ext))
	c.Data(http.StatusOK, contentType, buf.Bytes())
}
