package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/badge"
)

// ListStudents lists the caller's students, filtered by ?q= when present.
func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.registry.SearchStudents(c.Request.Context(), scope(c), c.Query("q"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

// CreateStudent adds a student to the caller's namespace.
func (h *Handler) CreateStudent(c *gin.Context) {
	var req attendance.StudentInput
	if !h.bind(c, &req) {
		return
	}
	req.Owner = auth.Owner(c)
	st, err := h.registry.AddStudent(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// UpdateStudent edits name, program or class of a student.
func (h *Handler) UpdateStudent(c *gin.Context) {
	var req attendance.StudentUpdate
	if !h.bind(c, &req) {
		return
	}
	st, err := h.registry.UpdateStudent(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// DeleteStudent removes a student and its history.
func (h *Handler) DeleteStudent(c *gin.Context) {
	if err := h.registry.DeleteStudent(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StudentBadge renders the student's QR badge.
func (h *Handler) StudentBadge(c *gin.Context) {
	st, err := h.registry.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	png, err := badge.PNG(st.Name, st.Program, badge.DefaultSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}
