package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/pkce"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/scan"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/tokens"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/verification"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeInvalidRequest      = "invalid_request"
	codeUnauthorized        = "unauthorized"
	codeNotConnected        = "not_connected"
	codeStateNotFound       = "state_not_found"
	codeUpstreamUnavailable = "upstream_unavailable"
	codeStorageUnavailable  = "storage_unavailable"
	codeNotFound            = "not_found"
	codeScanRunning         = "scan_running"
	codeScanUnavailable     = "scan_unavailable"
	codeInternalError       = "internal_error"
)

// classify maps a service error to its HTTP status and public code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, verification.ErrInvalidSubject),
		errors.Is(err, pkce.ErrMissingSubject),
		errors.Is(err, users.ErrInvalidIdentity),
		errors.Is(err, ledger.ErrMissingUserID),
		errors.Is(err, scan.ErrInvalidWindow):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, auth.ErrSecretMismatch), errors.Is(err, auth.ErrSecretNotConfigured):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, verification.ErrNotConnected), errors.Is(err, tokens.ErrMissing):
		return http.StatusConflict, codeNotConnected
	case errors.Is(err, pkce.ErrStateNotFound), errors.Is(err, pkce.ErrStateMismatch):
		return http.StatusBadRequest, codeStateNotFound
	case errors.Is(err, users.ErrIdentityNotFound),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, verification.ErrNoRecord):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, scan.ErrScanRunning):
		return http.StatusConflict, codeScanRunning
	case errors.Is(err, platform.ErrAuth),
		errors.Is(err, platform.ErrRateLimited),
		errors.Is(err, platform.ErrUpstream),
		errors.Is(err, platform.ErrMalformed):
		return http.StatusBadGateway, codeUpstreamUnavailable
	case errors.Is(err, ledger.ErrStorage):
		return http.StatusServiceUnavailable, codeStorageUnavailable
	}
	return http.StatusInternalServerError, codeInternalError
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, code := classify(err)
	h.abort(c, message, status, code, err)
}

// respondReadError reports unclassified failures of read endpoints as storage outages.
func (h *httpHandler) respondReadError(c *gin.Context, message string, err error) {
	status, code := classify(err)
	if code == codeInternalError {
		status, code = http.StatusServiceUnavailable, codeStorageUnavailable
	}
	h.abort(c, message, status, code, err)
}

func (h *httpHandler) abort(c *gin.Context, message string, status int, code string, err error) {
	fields := []zap.Field{
		zap.String("code", code),
		zap.String("request_id", c.GetString(requestIDContextKey)),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error(message, fields...)
	case status == http.StatusNotFound:
		h.logger.Debug(message, fields...)
	default:
		h.logger.Warn(message, fields...)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

func respondInvalid(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
}
