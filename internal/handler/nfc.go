package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/auth"
)

type registerTagRequest struct {
	NFCID  string `json:"nfcId"`
	Name   string `json:"name" binding:"required"`
	Course string `json:"course" binding:"required"`
}

// RegisterTag binds a tag to a student. Without nfcId the caller's pending
// tag is used.
func (h *Handler) RegisterTag(c *gin.Context) {
	var req registerTagRequest
	if !h.bind(c, &req) {
		return
	}
	owner := auth.Owner(c)
	nfcID := req.NFCID
	if nfcID == "" {
		if pending, ok := h.service.PendingTag(owner); ok {
			nfcID = pending
		}
	}
	tag, st, err := h.registry.RegisterTag(c.Request.Context(), owner, nfcID, req.Name, req.Course)
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.NFCID == "" {
		h.service.CancelPending(owner)
	}
	c.JSON(http.StatusCreated, gin.H{"tag": tag, "student": st})
}

func (h *Handler) LookupTag(c *gin.Context) {
	tag, err := h.registry.LookupTag(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tag)
}
