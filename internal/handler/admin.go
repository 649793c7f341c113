package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxImportBytes bounds an uploaded export document.
const maxImportBytes = 32 << 20

// AdminStudents lists every student across owners, filtered by ?q=.
func (h *Handler) AdminStudents(c *gin.Context) {
	students, err := h.registry.SearchStudents(c.Request.Context(), c.Query("owner"), c.Query("q"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": students, "total": len(students)})
}

// Export downloads the whole store as an export document.
func (h *Handler) Export(c *gin.Context) {
	doc, err := h.transfer.Export(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	name := fmt.Sprintf("rollcall_export_%s.json", doc.ExportDate.Format("2006-01-02"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.JSON(http.StatusOK, doc)
}

// Import merges an uploaded export document.
func (h *Handler) Import(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body", "code": "invalid_format"})
		return
	}
	sum, err := h.transfer.Import(c.Request.Context(), data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
