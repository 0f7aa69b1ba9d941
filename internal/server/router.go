package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/pkce"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/scan"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/tokens"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/verification"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const stateCookieName = "xoauth"

var (
	errMissingAuthFlow    = errors.New("authorization flow dependency required")
	errMissingExchanger   = errors.New("token exchanger dependency required")
	errMissingCredentials = errors.New("credential store dependency required")
	errMissingVerifier    = errors.New("verifier dependency required")
	errMissingLeaderboard = errors.New("leaderboard dependency required")
	errMissingIdentities  = errors.New("identity dependency required")
	errMissingBinder      = errors.New("credential binder dependency required")
)

type AuthFlow interface {
	Begin(ctx context.Context, subjectKey string) (pkce.BeginResult, error)
	Consume(ctx context.Context, state, binding string) (pkce.PendingAuth, error)
	RedirectURI() string
}

type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (platform.Token, error)
}

type CredentialStore interface {
	SaveToken(ctx context.Context, subjectKey string, token platform.Token) (tokens.Credential, error)
	Get(ctx context.Context, subjectKey string, fallbacks ...tokens.Source) (tokens.Credential, error)
}

type Verifier interface {
	Verify(ctx context.Context, subjectKey string, opts verification.Options) (verification.Outcome, error)
	LatestForSubject(ctx context.Context, subjectKey string) (verification.Record, error)
}

type Leaderboard interface {
	Page(ctx context.Context, limit, offset int) (ledger.PageResult, error)
	Me(ctx context.Context, externalUserID string) (ledger.Standing, error)
}

type Identities interface {
	ResolveSubject(ctx context.Context, subjectKey string) (users.Identity, error)
	ByHandle(ctx context.Context, handle string) (users.Identity, error)
	Handles(ctx context.Context, externalUserIDs []string) (map[string]string, error)
}

type Scanner interface {
	RunOnce(ctx context.Context, windowHours int) (scan.Summary, error)
}

type Dependencies struct {
	AuthFlow         AuthFlow
	Exchanger        TokenExchanger
	Credentials      CredentialStore
	CredentialBinder *auth.CredentialBinder
	Verifier         Verifier
	Leaderboard      Leaderboard
	Identities       Identities
	// Scanner is optional; without it POST /api/scan answers 503.
	Scanner        Scanner
	ScanSecret     auth.SharedSecret
	Realtime       *RealtimeDispatcher
	Metrics        *metrics.Collectors
	MetricsHandler http.Handler
	CORSOrigins    []string
	ReturnURL      string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.AuthFlow == nil:
		return nil, errMissingAuthFlow
	case deps.Exchanger == nil:
		return nil, errMissingExchanger
	case deps.Credentials == nil:
		return nil, errMissingCredentials
	case deps.CredentialBinder == nil:
		return nil, errMissingBinder
	case deps.Verifier == nil:
		return nil, errMissingVerifier
	case deps.Leaderboard == nil:
		return nil, errMissingLeaderboard
	case deps.Identities == nil:
		return nil, errMissingIdentities
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	returnURL := deps.ReturnURL
	if returnURL == "" {
		returnURL = "/"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware(logger))
	router.Use(deps.Metrics.Middleware())
	router.Use(corsMiddleware(deps.CORSOrigins))

	handler := &httpHandler{
		authFlow:    deps.AuthFlow,
		exchanger:   deps.Exchanger,
		credentials: deps.Credentials,
		binder:      deps.CredentialBinder,
		verifier:    deps.Verifier,
		leaderboard: deps.Leaderboard,
		identities:  deps.Identities,
		scanner:     deps.Scanner,
		scanSecret:  deps.ScanSecret,
		realtime:    realtime,
		returnURL:   returnURL,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := router.Group("/api")
	api.POST("/auth/x/start", handler.handleStart)
	api.GET("/auth/x/start", handler.handleStart)
	api.GET("/auth/x/callback", handler.handleCallback)
	api.POST("/verify", handler.handleVerify)
	api.GET("/status/:subject_key", handler.handleStatus)
	api.GET("/status/:subject_key/stream", handler.handleStream)
	api.POST("/scan", handler.handleScan)

	compressed := api.Group("/leaderboard")
	compressed.Use(gzip.Gzip(gzip.DefaultCompression))
	compressed.GET("", handler.handleLeaderboard)
	compressed.GET("/me", handler.handleLeaderboardMe)

	return router, nil
}

type httpHandler struct {
	authFlow    AuthFlow
	exchanger   TokenExchanger
	credentials CredentialStore
	binder      *auth.CredentialBinder
	verifier    Verifier
	leaderboard Leaderboard
	identities  Identities
	scanner     Scanner
	scanSecret  auth.SharedSecret
	realtime    *RealtimeDispatcher
	returnURL   string
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (h *httpHandler) cookieSource(c *gin.Context) tokens.Source {
	return tokens.NewCookieSource(h.binder, c.Request)
}

func isSecureRequest(c *gin.Context) bool {
	if c.Request.TLS != nil {
		return true
	}
	return c.GetHeader("X-Forwarded-Proto") == "https"
}

func setCookie(c *gin.Context, name, value string, maxAge time.Duration, path string) {
	c.SetSameSite(http.SameSiteLaxMode)
	seconds := int(maxAge / time.Second)
	if maxAge < 0 {
		seconds = -1
	}
	c.SetCookie(name, value, seconds, path, "", isSecureRequest(c), true)
}
