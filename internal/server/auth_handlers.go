package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Auth error codes returned in rows.Error bodies.
const (
	AuthCodeUserExists          = "user_already_exists"
	AuthCodeInvalidCredentials  = "invalid_credentials"
	AuthCodeValidationFailed    = "validation_failed"
	AuthCodeUnsupportedGrant    = "unsupported_grant_type"
	AuthCodeSessionRequired     = "session_required"
	grantTypePassword           = "password"
	tokenTypeBearer             = "bearer"
	signUpUsernameMetadataField = "username"
)

type signUpRequestPayload struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Data     map[string]string `json:"data"`
}

type tokenRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionPayload is the body returned by the signup and token endpoints.
type SessionPayload struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	ExpiresIn   int64         `json:"expires_in"`
	User        auth.Identity `json:"user"`
}

func (h *httpHandler) handleSignUp(c *gin.Context) {
	var request signUpRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, rows.NewError(AuthCodeValidationFailed, "invalid sign up payload"))
		return
	}

	identity, err := h.accounts.SignUp(c.Request.Context(), request.Email, request.Password, request.Data[signUpUsernameMetadataField])
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrEmailTaken):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, rows.NewError(AuthCodeUserExists, "User already registered"))
		return
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrPasswordTooLong), errors.Is(err, auth.ErrUsernameRequired):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, rows.NewError(AuthCodeValidationFailed, "%s", err.Error()))
		return
	default:
		h.writeError(c, "auth.sign_up", err)
		return
	}

	h.issueSession(c, identity)
}

func (h *httpHandler) handleToken(c *gin.Context) {
	if grant := c.Query("grant_type"); grant != grantTypePassword {
		c.AbortWithStatusJSON(http.StatusBadRequest, rows.NewError(AuthCodeUnsupportedGrant, "unsupported grant_type %q", grant))
		return
	}
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, rows.NewError(AuthCodeValidationFailed, "invalid token payload"))
		return
	}

	identity, err := h.accounts.SignIn(c.Request.Context(), request.Email, request.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.AbortWithStatusJSON(http.StatusBadRequest, rows.NewError(AuthCodeInvalidCredentials, "Invalid login credentials"))
		return
	}
	if err != nil {
		h.writeError(c, "auth.sign_in", err)
		return
	}

	h.issueSession(c, identity)
}

func (h *httpHandler) issueSession(c *gin.Context, identity auth.Identity) {
	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("user_id", identity.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, rows.NewError("token_issue_failed", "failed to issue session token"))
		return
	}
	c.JSON(http.StatusOK, SessionPayload{
		AccessToken: token,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   expiresIn,
		User:        identity,
	})
}

func (h *httpHandler) handleUser(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, rows.NewError(AuthCodeSessionRequired, "a session token is required"))
		return
	}
	c.JSON(http.StatusOK, claims.Identity())
}

// handleLogout acknowledges a sign out. Session tokens are stateless and stay
// valid until they expire.
func (h *httpHandler) handleLogout(c *gin.Context) {
	if claims, ok := sessionClaims(c); ok {
		h.logger.Info("session signed out", zap.String("user_id", claims.UserID))
	}
	c.Status(http.StatusNoContent)
}
