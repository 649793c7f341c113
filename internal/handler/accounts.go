package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rollcall/internal/auth"
)

type credentials struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Register creates a user account. Admin accounts are created with the admin CLI.
func (h *Handler) Register(c *gin.Context) {
	var req credentials
	if !h.bind(c, &req) {
		return
	}
	u, err := h.accounts.Register(c.Request.Context(), req.Email, req.Password, auth.RoleUser)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.issue(c, http.StatusCreated, u)
}

// Login exchanges credentials for a token pair.
func (h *Handler) Login(c *gin.Context) {
	var req credentials
	if !h.bind(c, &req) {
		return
	}
	u, err := h.accounts.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.issue(c, http.StatusOK, u)
}

// Refresh trades a refresh token for a new pair.
func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}
	claims, err := auth.Parse(req.RefreshToken, h.cfg.JWTSigningKey, h.cfg.JWTIssuer, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthorized"})
		return
	}
	u, err := h.accounts.Get(c.Request.Context(), claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	if u == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "account no longer exists", "code": "unauthorized"})
		return
	}
	h.issue(c, http.StatusOK, *u)
}

func (h *Handler) issue(c *gin.Context, status int, u auth.User) {
	tokens, err := auth.Issue(u.Email, u.Role, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		h.log.Error().Err(err).Msg("token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed", "code": "internal"})
		return
	}
	c.JSON(status, gin.H{
		"email":  u.Email,
		"role":   u.Role,
		"tokens": tokens,
	})
}
