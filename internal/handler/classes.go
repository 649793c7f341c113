package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
)

type classRequest struct {
	Name     string                   `json:"name" binding:"required"`
	Students []attendance.RosterEntry `json:"students" binding:"dive"`
}

func (h *Handler) ListClasses(c *gin.Context) {
	classes, err := h.registry.ListClasses(c.Request.Context(), scope(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": classes})
}

func (h *Handler) CreateClass(c *gin.Context) {
	h.saveClass(c, "", http.StatusCreated)
}

func (h *Handler) UpdateClass(c *gin.Context) {
	h.saveClass(c, c.Param("id"), http.StatusOK)
}

func (h *Handler) saveClass(c *gin.Context, classID string, status int) {
	var req classRequest
	if !h.bind(c, &req) {
		return
	}
	class, sum, err := h.registry.SaveClass(c.Request.Context(), attendance.ClassInput{
		ClassID:  classID,
		Name:     req.Name,
		Owner:    auth.Owner(c),
		Students: req.Students,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(status, gin.H{"class": class, "roster": sum})
}

// DeleteClass removes the class only; members keep their history.
func (h *Handler) DeleteClass(c *gin.Context) {
	if err := h.registry.DeleteClass(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ClassHistory lists every record attributed to a class id, deleted or not.
func (h *Handler) ClassHistory(c *gin.Context) {
	entries, err := h.reports.ClassHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classId": c.Param("id"), "records": entries})
}
