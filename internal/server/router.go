package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sessionClaimsContextKey = "collab_session_claims"
	apiKeyHeader            = "apikey"
	apiKeyQueryParam        = "apikey"
)

var (
	errMissingRowsService  = errors.New("rows service dependency required")
	errMissingFeed         = errors.New("realtime feed dependency required")
	errMissingAccounts     = errors.New("account service dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
)

// AccountService registers and verifies email/password accounts.
type AccountService interface {
	SignUp(ctx context.Context, email, password, username string) (auth.Identity, error)
	SignIn(ctx context.Context, email, password string) (auth.Identity, error)
}

// SessionTokenManager issues and validates session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Rows           rows.Service
	Feed           rows.Feed
	Accounts       AccountService
	TokenManager   SessionTokenManager
	WriteLimiter   *WriteLimiter
	AnonKey        string
	AllowedOrigins []string
	// TrustedProxies lists the proxy addresses or CIDRs whose forwarding
	// headers are honored. Empty uses the connection's remote address.
	TrustedProxies []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the rest, realtime and auth surfaces.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rows == nil {
		return nil, errMissingRowsService
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		rows:     deps.Rows,
		feed:     deps.Feed,
		accounts: deps.Accounts,
		tokens:   deps.TokenManager,
		limiter:  deps.WriteLimiter,
		anonKey:  deps.AnonKey,
		upgrader: newUpgrader(origins),
		logger:   logger,
	}

	api := router.Group("/")
	api.Use(handler.authorizeRequest)

	rest := api.Group("/rest/v1")
	rest.GET("/:table", handler.handleSelect)
	rest.POST("/:table", handler.limitWrites, handler.handleInsert)
	rest.PATCH("/:table", handler.limitWrites, handler.handleUpdate)
	rest.DELETE("/:table", handler.limitWrites, handler.handleDelete)

	api.GET("/realtime/v1/websocket", handler.handleRealtime)

	authGroup := api.Group("/auth/v1")
	authGroup.POST("/signup", handler.limitWrites, handler.handleSignUp)
	authGroup.POST("/token", handler.limitWrites, handler.handleToken)
	authGroup.GET("/user", handler.handleUser)
	authGroup.POST("/logout", handler.handleLogout)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept", "Prefer", apiKeyHeader},
		ExposeHeaders: []string{"Content-Range"},
		MaxAge:        12 * time.Hour,
	}
	if allowsAnyOrigin(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func allowsAnyOrigin(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func newUpgrader(origins []string) websocket.Upgrader {
	allowAll := allowsAnyOrigin(origins)
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		allowed[origin] = true
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || allowed[origin]
		},
	}
}

type httpHandler struct {
	rows     rows.Service
	feed     rows.Feed
	accounts AccountService
	tokens   SessionTokenManager
	limiter  *WriteLimiter
	anonKey  string
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// authorizeRequest checks the api key and, when a bearer other than the anon
// key is presented, validates it as a session token.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.anonKey != "" {
		presented := c.GetHeader(apiKeyHeader)
		if presented == "" {
			presented = c.Query(apiKeyQueryParam)
		}
		if presented != h.anonKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, rows.NewError(rows.CodeUnauthorized, "invalid API key"))
			return
		}
	}

	header := c.GetHeader("Authorization")
	if header == "" {
		c.Next()
		return
	}
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, rows.NewError(rows.CodeUnauthorized, "authorization header must use the Bearer scheme"))
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" || (h.anonKey != "" && token == h.anonKey) {
		c.Next()
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, rows.NewError(rows.CodeUnauthorized, "invalid session token"))
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) limitWrites(c *gin.Context) {
	// ClientIP trusts forwarding headers only from TrustedProxies.
	if h.limiter == nil || h.limiter.Allow(c.ClientIP()) {
		c.Next()
		return
	}
	c.Header("Retry-After", "1")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, rows.NewError(rows.CodeRateLimited, "too many write requests"))
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func statusForCode(code string) int {
	switch code {
	case rows.CodeNoRows:
		return http.StatusNotAcceptable
	case rows.CodeUnknownTable:
		return http.StatusNotFound
	case rows.CodeForeignKey, rows.CodeUniqueViolation:
		return http.StatusConflict
	case rows.CodeUnauthorized:
		return http.StatusUnauthorized
	case rows.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

type codedError interface {
	Code() string
}

// writeError renders err as a rows.Error body. Errors that are not request
// failures are logged and reported as 500 with their service code.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var rowsErr *rows.Error
	if errors.As(err, &rowsErr) {
		c.AbortWithStatusJSON(statusForCode(rowsErr.Code), rowsErr)
		return
	}
	code := "internal_error"
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	h.logger.Error("request failed",
		zap.String("operation", operation),
		zap.String("code", code),
		zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, &rows.Error{Code: code, Message: "internal server error"})
}
