package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/scan"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type leaderboardRowPayload struct {
	Rank           int    `json:"rank"`
	ExternalUserID string `json:"external_user_id"`
	Handle         string `json:"handle"`
	Points         int64  `json:"points"`
	UpdatedAt      string `json:"updated_at,omitempty"`
	LastScanAt     string `json:"last_scan_at,omitempty"`
}

type leaderboardPagePayload struct {
	Rows       []leaderboardRowPayload `json:"rows"`
	Limit      int                     `json:"limit"`
	Offset     int                     `json:"offset"`
	NextOffset *int                    `json:"next_offset"`
}

type standingPayload struct {
	ExternalUserID string `json:"external_user_id"`
	Handle         string `json:"handle"`
	Points         int64  `json:"points"`
	Rank           int    `json:"rank"`
	UpdatedAt      string `json:"updated_at,omitempty"`
	LastScanAt     string `json:"last_scan_at,omitempty"`
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	limit, ok := optionalInt(c.Query("limit"))
	if !ok {
		respondInvalid(c)
		return
	}
	offset, ok := optionalInt(c.Query("offset"))
	if !ok {
		respondInvalid(c)
		return
	}

	ctx := c.Request.Context()
	page, err := h.leaderboard.Page(ctx, limit, offset)
	if err != nil {
		h.respondReadError(c, "leaderboard page failed", err)
		return
	}

	ids := make([]string, 0, len(page.Rows))
	for _, row := range page.Rows {
		ids = append(ids, row.ExternalUserID)
	}
	handles, err := h.identities.Handles(ctx, ids)
	if err != nil {
		h.logger.Warn("leaderboard handle lookup failed", zap.Error(err))
		handles = map[string]string{}
	}

	response := leaderboardPagePayload{
		Rows:       make([]leaderboardRowPayload, 0, len(page.Rows)),
		Limit:      page.Limit,
		Offset:     page.Offset,
		NextOffset: page.NextOffset,
	}
	for _, row := range page.Rows {
		response.Rows = append(response.Rows, leaderboardRowPayload{
			Rank:           row.Rank,
			ExternalUserID: row.ExternalUserID,
			Handle:         handles[row.ExternalUserID],
			Points:         row.Points,
			UpdatedAt:      formatTime(row.UpdatedAt),
			LastScanAt:     formatTime(row.LastScanAt),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLeaderboardMe(c *gin.Context) {
	handle := strings.TrimSpace(c.Query("handle"))
	subjectKey := strings.TrimSpace(c.Query("subject_key"))
	ctx := c.Request.Context()

	var (
		identity users.Identity
		err      error
	)
	switch {
	case handle != "":
		identity, err = h.identities.ByHandle(ctx, handle)
	case subjectKey != "":
		identity, err = h.identities.ResolveSubject(ctx, subjectKey)
	default:
		respondInvalid(c)
		return
	}
	if err != nil {
		h.respondReadError(c, "standing identity lookup failed", err)
		return
	}

	standing, err := h.leaderboard.Me(ctx, identity.ExternalUserID)
	if err != nil {
		h.respondReadError(c, "standing lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, standingPayload{
		ExternalUserID: standing.ExternalUserID,
		Handle:         identity.Handle,
		Points:         standing.Points,
		Rank:           standing.Rank,
		UpdatedAt:      formatTime(standing.UpdatedAt),
		LastScanAt:     formatTime(standing.LastScanAt),
	})
}

func (h *httpHandler) handleScan(c *gin.Context) {
	presented := c.GetHeader(scanSecretHeader)
	if presented == "" {
		presented = c.Query("secret")
	}
	if err := h.scanSecret.Check(presented); err != nil {
		h.respondError(c, "scan secret rejected", err)
		return
	}

	windowHours, ok := optionalInt(c.Query("window_hours"))
	if !ok || windowHours < 0 || windowHours > scan.MaxWindowHours {
		respondInvalid(c)
		return
	}
	if h.scanner == nil {
		h.abort(c, "scan requested without scanner", http.StatusServiceUnavailable, codeScanUnavailable, errScannerUnavailable)
		return
	}

	summary, err := h.scanner.RunOnce(c.Request.Context(), windowHours)
	if errors.Is(err, scan.ErrScanRunning) {
		h.respondError(c, "scan already running", err)
		return
	}
	if err != nil {
		h.respondError(c, "scan failed", err)
		return
	}
	h.logger.Info("scan finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("updated", summary.Updated),
		zap.Int("errors", summary.Errors),
		zap.Int("window_hours", summary.WindowHours))
	c.JSON(http.StatusOK, summary)
}

var errScannerUnavailable = errors.New("scanner not configured")

// optionalInt parses an optional integer query value; empty yields zero.
func optionalInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
