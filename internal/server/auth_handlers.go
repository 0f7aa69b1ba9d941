package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/verification"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const authCookiePath = "/api/auth/x"

type startRequestPayload struct {
	SubjectKey string `json:"subject_key"`
}

type startResponsePayload struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
	ExpiresAt        string `json:"expires_at"`
}

func (h *httpHandler) handleStart(c *gin.Context) {
	subjectKey := c.Query("subject_key")
	if c.Request.Method == http.MethodPost {
		var request startRequestPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			respondInvalid(c)
			return
		}
		subjectKey = request.SubjectKey
	}
	subjectKey = strings.TrimSpace(subjectKey)
	if subjectKey == "" {
		respondInvalid(c)
		return
	}

	result, err := h.authFlow.Begin(c.Request.Context(), subjectKey)
	if err != nil {
		h.respondError(c, "authorization start failed", err)
		return
	}
	if result.Binding != "" {
		setCookie(c, stateCookieName, result.Binding, time.Until(result.ExpiresAt), authCookiePath)
	}

	if c.Request.Method == http.MethodGet {
		c.Redirect(http.StatusFound, result.AuthorizationURL)
		return
	}
	c.JSON(http.StatusOK, startResponsePayload{
		AuthorizationURL: result.AuthorizationURL,
		State:            result.State,
		ExpiresAt:        result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *httpHandler) handleCallback(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	if code == "" || state == "" {
		if denied := c.Query("error"); denied != "" {
			h.logger.Info("authorization denied by user", zap.String("error", denied))
		}
		respondInvalid(c)
		return
	}

	binding, _ := c.Cookie(stateCookieName)
	pending, err := h.authFlow.Consume(c.Request.Context(), state, binding)
	if err != nil {
		h.respondError(c, "authorization state rejected", err)
		return
	}

	token, err := h.exchanger.ExchangeCode(c.Request.Context(), code, pending.CodeVerifier, h.authFlow.RedirectURI())
	if err != nil {
		h.logger.Warn("authorization code exchange failed",
			zap.String("subject_key", pending.SubjectKey),
			zap.String("platform_error", platform.Tag(err)))
		h.respondError(c, "authorization code exchange failed", err)
		return
	}

	credential, err := h.credentials.SaveToken(c.Request.Context(), pending.SubjectKey, token)
	if err != nil {
		h.logger.Error("credential save failed, continuing with cookie fallback",
			zap.String("subject_key", pending.SubjectKey),
			zap.Error(err))
	}

	cookieValue, err := h.binder.Issue(credential.Claims())
	if err != nil {
		h.logger.Error("credential cookie issue failed", zap.String("subject_key", pending.SubjectKey), zap.Error(err))
	} else {
		setCookie(c, h.binder.CookieName(), cookieValue, h.binder.TTL(), "/")
	}
	setCookie(c, stateCookieName, "", -1, authCookiePath)

	outcome, err := h.verifier.Verify(c.Request.Context(), pending.SubjectKey, verification.Options{})
	if err != nil {
		h.logger.Warn("post-authorization verification failed",
			zap.String("subject_key", pending.SubjectKey),
			zap.Error(err))
	} else {
		h.logger.Info("account connected",
			zap.String("subject_key", pending.SubjectKey),
			zap.String("external_user_id", outcome.ExternalUserID),
			zap.String("status", string(outcome.Status)),
			zap.Int64("points", outcome.Points))
	}

	c.Redirect(http.StatusFound, h.redirectTarget(pending.SubjectKey))
}

func (h *httpHandler) redirectTarget(subjectKey string) string {
	target, err := url.Parse(h.returnURL)
	if err != nil {
		target = &url.URL{Path: "/"}
	}
	query := target.Query()
	query.Set("x", "ok")
	query.Set("address", subjectKey)
	target.RawQuery = query.Encode()
	return target.String()
}
