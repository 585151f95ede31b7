package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"go.uber.org/zap"
)

// clientAuthenticator is satisfied by *identity.Clients.
type clientAuthenticator interface {
	Authenticate(clientID, secret string, requested []string) ([]string, error)
}

// TokenHandler issues bearer tokens for the client-credentials grant.
type TokenHandler struct {
	clients clientAuthenticator
	tokens  *identity.TokenIssuer
	logger  *zap.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(clients clientAuthenticator, tokens *identity.TokenIssuer, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{clients: clients, tokens: tokens, logger: logger}
}

// Register mounts POST /token on the given router group.
func (h *TokenHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/token", h.IssueToken)
}

// tokenRequest is an RFC 6749 §4.4 client-credentials request. Form and
// JSON bodies are both accepted; credentials may also arrive as HTTP Basic.
type tokenRequest struct {
	GrantType    string `form:"grant_type" json:"grant_type"`
	ClientID     string `form:"client_id" json:"client_id"`
	ClientSecret string `form:"client_secret" json:"client_secret"`
	Scope        string `form:"scope" json:"scope"` // space-separated
}

// IssueToken handles POST /token.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	if req.GrantType != "" && req.GrantType != "client_credentials" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
		return
	}
	if id, secret, ok := basicCredentials(c.Request); ok {
		req.ClientID, req.ClientSecret = id, secret
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "client_id and client_secret are required"})
		return
	}

	scopes, err := h.clients.Authenticate(req.ClientID, req.ClientSecret, strings.Fields(req.Scope))
	switch {
	case errors.Is(err, identity.ErrInvalidClient):
		h.logger.Warn("token request rejected", zap.String("client_id", req.ClientID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
		return
	case errors.Is(err, identity.ErrInvalidScope):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope", "error_description": err.Error()})
		return
	case err != nil:
		h.logger.Error("authenticate client", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	token, err := h.tokens.Issue(req.ClientID, scopes)
	if err != nil {
		h.logger.Error("issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokens.TTL().Seconds()),
		"scope":        strings.Join(scopes, " "),
	})
}

// basicCredentials reads HTTP Basic client credentials, which RFC 6749 §2.3.1
// form-encodes before base64.
func basicCredentials(r *http.Request) (id, secret string, ok bool) {
	rawID, rawSecret, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	id, err := url.QueryUnescape(rawID)
	if err != nil {
		return "", "", false
	}
	secret, err = url.QueryUnescape(rawSecret)
	if err != nil {
		return "", "", false
	}
	return id, secret, true
}
