package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/tokens"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/verification"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type verifyRequestPayload struct {
	SubjectKey string `json:"subject_key"`
}

type awardPayload struct {
	Kind   string `json:"kind"`
	Result string `json:"result"`
	Delta  int64  `json:"delta"`
}

type verifyResponsePayload struct {
	Status                  string         `json:"status"`
	Reason                  string         `json:"reason,omitempty"`
	SubjectKey              string         `json:"subject_key"`
	ExternalUserID          string         `json:"external_user_id,omitempty"`
	Handle                  string         `json:"handle,omitempty"`
	FollowedTarget          bool           `json:"followed_target"`
	PostedRequiredPhrase    bool           `json:"posted_required_phrase"`
	RepliedToTarget         bool           `json:"replied_to_target"`
	MatchedPostID           string         `json:"matched_post_id,omitempty"`
	Points                  int64          `json:"points"`
	FollowError             string         `json:"follow_error,omitempty"`
	PostError               string         `json:"post_error,omitempty"`
	ReplyError              string         `json:"reply_error,omitempty"`
	LedgerError             string         `json:"ledger_error,omitempty"`
	CredentialRefreshFailed bool           `json:"credential_refresh_failed,omitempty"`
	Awards                  []awardPayload `json:"awards"`
}

func newVerifyResponse(outcome verification.Outcome) verifyResponsePayload {
	response := verifyResponsePayload{
		Status:                  string(outcome.Status),
		Reason:                  outcome.Reason,
		SubjectKey:              outcome.SubjectKey,
		ExternalUserID:          outcome.ExternalUserID,
		Handle:                  outcome.Handle,
		FollowedTarget:          outcome.FollowedTarget,
		PostedRequiredPhrase:    outcome.PostedRequiredPhrase,
		RepliedToTarget:         outcome.RepliedToTarget,
		MatchedPostID:           outcome.MatchedPostID,
		Points:                  outcome.Points,
		FollowError:             outcome.FollowError,
		PostError:               outcome.PostError,
		ReplyError:              outcome.ReplyError,
		LedgerError:             outcome.LedgerError,
		CredentialRefreshFailed: outcome.CredentialRefreshFailed,
		Awards:                  make([]awardPayload, 0, len(outcome.Awards)),
	}
	for _, award := range outcome.Awards {
		response.Awards = append(response.Awards, awardPayload{
			Kind:   award.Kind.String(),
			Result: award.Result,
			Delta:  award.Delta,
		})
	}
	return response
}

func (h *httpHandler) handleVerify(c *gin.Context) {
	var request verifyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SubjectKey) == "" {
		respondInvalid(c)
		return
	}
	outcome, err := h.verifier.Verify(c.Request.Context(), request.SubjectKey, verification.Options{
		Fallbacks: []tokens.Source{h.cookieSource(c)},
	})
	if err != nil {
		h.respondError(c, "verification failed", err)
		return
	}
	c.JSON(http.StatusOK, newVerifyResponse(outcome))
}

type statusVerificationPayload struct {
	Handle               string `json:"handle"`
	FollowedTarget       bool   `json:"followed_target"`
	PostedRequiredPhrase bool   `json:"posted_required_phrase"`
	MatchedPostID        string `json:"matched_post_id,omitempty"`
	Points               int64  `json:"points"`
	CheckedAt            string `json:"checked_at"`
	VerifiedAt           string `json:"verified_at,omitempty"`
}

type statusLeaderboardPayload struct {
	Rank   int    `json:"rank"`
	Points int64  `json:"points"`
	Handle string `json:"handle"`
}

type statusResponsePayload struct {
	SubjectKey   string                     `json:"subject_key"`
	Connected    bool                       `json:"connected"`
	Verification *statusVerificationPayload `json:"verification"`
	Leaderboard  *statusLeaderboardPayload  `json:"leaderboard"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	subjectKey := strings.TrimSpace(c.Param("subject_key"))
	if subjectKey == "" {
		respondInvalid(c)
		return
	}
	ctx := c.Request.Context()
	response := statusResponsePayload{SubjectKey: subjectKey}

	if _, err := h.credentials.Get(ctx, subjectKey, h.cookieSource(c)); err == nil {
		response.Connected = true
	} else if !errors.Is(err, tokens.ErrMissing) {
		h.respondReadError(c, "status credential lookup failed", err)
		return
	}

	record, err := h.verifier.LatestForSubject(ctx, subjectKey)
	switch {
	case err == nil:
		payload := &statusVerificationPayload{
			Handle:               record.Handle,
			FollowedTarget:       record.FollowedTarget,
			PostedRequiredPhrase: record.PostedRequiredPhrase,
			MatchedPostID:        record.MatchedPostID,
			Points:               record.Points,
			CheckedAt:            record.CreatedAt().Format(time.RFC3339),
		}
		if record.VerifiedAtMs > 0 {
			payload.VerifiedAt = time.UnixMilli(record.VerifiedAtMs).UTC().Format(time.RFC3339)
		}
		response.Verification = payload
	case !errors.Is(err, verification.ErrNoRecord):
		h.respondReadError(c, "status verification lookup failed", err)
		return
	}

	identity, err := h.identities.ResolveSubject(ctx, subjectKey)
	switch {
	case err == nil:
		standing, standingErr := h.leaderboard.Me(ctx, identity.ExternalUserID)
		if standingErr == nil {
			response.Leaderboard = &statusLeaderboardPayload{
				Rank:   standing.Rank,
				Points: standing.Points,
				Handle: identity.Handle,
			}
		} else if !errors.Is(standingErr, ledger.ErrEntryNotFound) {
			h.respondReadError(c, "status standing lookup failed", standingErr)
			return
		}
	case !errors.Is(err, users.ErrIdentityNotFound):
		h.respondReadError(c, "status identity lookup failed", err)
		return
	}

	c.JSON(http.StatusOK, response)
}

type streamEventPayload struct {
	Kind      string `json:"kind,omitempty"`
	Delta     int64  `json:"delta,omitempty"`
	Points    int64  `json:"points,omitempty"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	subjectKey := strings.TrimSpace(c.Param("subject_key"))
	identity, err := h.identities.ResolveSubject(c.Request.Context(), subjectKey)
	if err != nil {
		h.respondReadError(c, "stream identity lookup failed", err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, identity.ExternalUserID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, streamEventPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    realtimeSourceBackend,
	})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.realtime.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, streamEventPayload{
				Kind:      message.Kind,
				Delta:     message.Delta,
				Points:    message.Points,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			return true
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, streamEventPayload{
				Timestamp: now.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
	h.logger.Debug("status stream closed", zap.String("external_user_id", identity.ExternalUserID))
}
