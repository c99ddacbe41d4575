package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"blingwatch/internal/token"
)

// TokenManager is the credential lifecycle surface exposed to operators.
type TokenManager interface {
	CurrentStatus() token.Status
	Refresh(ctx context.Context) bool
	CreateFromAuthCode(ctx context.Context, code, redirectURI string) error
	AuthorizationURL(state string) string
}

// TokenHandler handles administrative token operations and the OAuth
// redirect landing.
type TokenHandler struct {
	manager TokenManager
	logger  *slog.Logger
}

// NewTokenHandler creates a new token admin handler.
func NewTokenHandler(manager TokenManager, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{
		manager: manager,
		logger:  logger,
	}
}

// GetStatus returns the credential state.
// GET /v1/admin/token/status
func (h *TokenHandler) GetStatus(c *gin.Context) {
	st := h.manager.CurrentStatus()
	response := gin.H{
		"configured":           st.Configured,
		"has_refresh_token":    st.HasRefreshToken,
		"stale":                st.Stale,
		"consecutive_failures": st.ConsecutiveFailures,
		"in_error_state":       st.InErrorState,
	}
	if st.Configured {
		response["valid_until"] = st.ValidUntil
	} else {
		response["message"] = "No token configured. Visit the authorization URL to bootstrap one."
		response["authorization_url"] = h.manager.AuthorizationURL("admin")
	}
	c.JSON(http.StatusOK, response)
}

// ForceRefresh triggers an immediate renewal cycle.
// POST /v1/admin/token/refresh
func (h *TokenHandler) ForceRefresh(c *gin.Context) {
	if !h.manager.Refresh(c.Request.Context()) {
		st := h.manager.CurrentStatus()
		c.JSON(http.StatusBadGateway, gin.H{
			"error":                "Renewal failed",
			"code":                 "RENEWAL_FAILED",
			"consecutive_failures": st.ConsecutiveFailures,
		})
		return
	}

	h.logger.Info("Token renewed via admin API",
		"component", "api.token",
	)
	c.JSON(http.StatusOK, gin.H{
		"message":     "Token renewed successfully",
		"valid_until": h.manager.CurrentStatus().ValidUntil,
	})
}

// Authorize exchanges a pasted authorization code for a fresh credential.
// POST /v1/admin/token/authorize
func (h *TokenHandler) Authorize(c *gin.Context) {
	var req struct {
		Code        string `json:"code" binding:"required"`
		RedirectURI string `json:"redirect_uri"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	if err := h.manager.CreateFromAuthCode(c.Request.Context(), req.Code, req.RedirectURI); err != nil {
		h.logger.Error("Authorization code exchange failed",
			"component", "api.token",
			"error", err,
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Authorization code exchange failed",
			"code":  "EXCHANGE_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "Token created successfully",
		"valid_until": h.manager.CurrentStatus().ValidUntil,
	})
}

// Callback is the OAuth redirect landing. Bling sends the operator's browser
// here with the authorization code in the query string.
// GET /callback
func (h *TokenHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Missing authorization code",
			"code":  "MISSING_CODE",
		})
		return
	}

	if err := h.manager.CreateFromAuthCode(c.Request.Context(), code, ""); err != nil {
		h.logger.Error("Callback exchange failed",
			"component", "api.token",
			"error", err,
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Authorization code exchange failed",
			"code":  "EXCHANGE_FAILED",
		})
		return
	}

	h.logger.Info("Token bootstrapped via OAuth callback",
		"component", "api.token",
	)
	c.JSON(http.StatusOK, gin.H{
		"message": "Autorização concluída. O token foi salvo e será renovado automaticamente.",
	})
}
