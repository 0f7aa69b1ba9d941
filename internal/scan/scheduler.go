// Package scan re-checks verified accounts for recent phrase posts and credits windowed awards.
package scan

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWindowHours = 12
	defaultConcurrency = 4
)

// MaxWindowHours bounds the scan window to the range recent search covers.
const MaxWindowHours = 7 * 24

// Searcher finds phrase posts with app-only credentials.
type Searcher interface {
	FindPhrasePost(ctx context.Context, handle, phrase string, since time.Time) (platform.Post, bool, error)
	FindTaggedPhrasePost(ctx context.Context, handle, target, phrase string, since time.Time) (platform.Post, bool, error)
}

// Subjects lists the accounts eligible for re-scan.
type Subjects interface {
	ListVerified(ctx context.Context) ([]users.Identity, error)
}

// Ledger credits windowed awards.
type Ledger interface {
	EnsureRow(ctx context.Context, externalUserID string) error
	Award(ctx context.Context, req ledger.AwardRequest) (ledger.AwardResult, error)
	MarkScan(ctx context.Context, externalUserID string, marks ledger.ScanMarks) error
}

// Config wires the scheduler.
type Config struct {
	Searcher       Searcher
	Subjects       Subjects
	Ledger         Ledger
	TargetHandle   string
	RequiredPhrase string
	PostReward     int64
	TagReward      int64
	WindowHours    int
	Concurrency    int
	Clock          func() time.Time
	Logger         *zap.Logger
	Metrics        *metrics.Collectors
}

// Summary reports one scan pass.
type Summary struct {
	Scanned     int `json:"scanned"`
	Updated     int `json:"updated"`
	Errors      int `json:"errors"`
	WindowHours int `json:"window_hours"`
}

// Scheduler runs scan passes.
type Scheduler struct {
	searcher    Searcher
	subjects    Subjects
	ledger      Ledger
	target      string
	phrase      string
	postReward  int64
	tagReward   int64
	windowHours int
	concurrency int
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Collectors
	running     atomic.Bool
}

var (
	// ErrScanRunning is returned when a pass is requested while another is in progress.
	ErrScanRunning = errors.New("scan: pass already running")
	// ErrInvalidWindow is returned for a window longer than MaxWindowHours.
	ErrInvalidWindow = errors.New("scan: window exceeds recent search range")
)

// NewScheduler validates cfg and constructs a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Searcher == nil || cfg.Subjects == nil || cfg.Ledger == nil {
		return nil, errors.New("scan: searcher, subjects and ledger are required")
	}
	phrase := strings.TrimSpace(cfg.RequiredPhrase)
	if phrase == "" {
		return nil, errors.New("scan: required phrase must be set")
	}
	windowHours := cfg.WindowHours
	if windowHours <= 0 {
		windowHours = defaultWindowHours
	}
	if windowHours > MaxWindowHours {
		return nil, ErrInvalidWindow
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		searcher:    cfg.Searcher,
		subjects:    cfg.Subjects,
		ledger:      cfg.Ledger,
		target:      users.NormalizeHandle(cfg.TargetHandle),
		phrase:      phrase,
		postReward:  cfg.PostReward,
		tagReward:   cfg.TagReward,
		windowHours: windowHours,
		concurrency: concurrency,
		now:         clock,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// RunOnce scans every verified account once. windowHours <= 0 uses the configured window.
// Per-account failures are counted and never abort the pass.
func (s *Scheduler) RunOnce(ctx context.Context, windowHours int) (Summary, error) {
	if windowHours > MaxWindowHours {
		return Summary{}, ErrInvalidWindow
	}
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrScanRunning
	}
	defer s.running.Store(false)

	if windowHours <= 0 {
		windowHours = s.windowHours
	}
	summary := Summary{WindowHours: windowHours}

	identities, err := s.subjects.ListVerified(ctx)
	if err != nil {
		s.logger.Error("scan listing failed",
			zap.String("operation", "scan.run_once"),
			zap.String("reason", "list_failed"),
			zap.Error(err))
		return summary, err
	}

	var updated, failed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	dispatched := 0
	for _, identity := range identities {
		if groupCtx.Err() != nil {
			break
		}
		identity := identity
		dispatched++
		group.Go(func() error {
			changed, err := s.scanSubject(groupCtx, identity, windowHours)
			switch {
			case err != nil:
				failed.Add(1)
				s.metrics.ObserveScanSubject("error")
				s.logger.Warn("scan subject failed",
					zap.String("external_user_id", identity.ExternalUserID),
					zap.String("platform_error", platform.Tag(err)),
					zap.Error(err))
			case changed:
				updated.Add(1)
				s.metrics.ObserveScanSubject("updated")
			default:
				s.metrics.ObserveScanSubject("unchanged")
			}
			return nil
		})
	}
	_ = group.Wait()

	summary.Scanned = dispatched
	summary.Updated = int(updated.Load())
	summary.Errors = int(failed.Load())
	s.metrics.ObserveScanRun()
	s.logger.Info("scan completed",
		zap.Int("scanned", summary.Scanned),
		zap.Int("updated", summary.Updated),
		zap.Int("errors", summary.Errors),
		zap.Int("window_hours", windowHours))
	return summary, ctx.Err()
}

func (s *Scheduler) scanSubject(ctx context.Context, identity users.Identity, windowHours int) (bool, error) {
	userID := identity.ExternalUserID
	if identity.Handle == "" {
		return false, errors.New("scan: identity has no handle")
	}
	if err := s.ledger.EnsureRow(ctx, userID); err != nil {
		return false, err
	}
	now := s.now().UTC()
	since := now.Add(-time.Duration(windowHours) * time.Hour)
	marks := ledger.ScanMarks{ScannedAt: now}
	changed := false
	var firstErr error

	post, found, err := s.searcher.FindPhrasePost(ctx, identity.Handle, s.phrase, since)
	switch {
	case err != nil:
		firstErr = err
	case found:
		accepted, awardErr := s.credit(ctx, userID, ledger.KindRibbit, s.postReward, post.ID, since)
		if awardErr != nil {
			firstErr = awardErr
		} else if accepted {
			changed = true
			marks.RibbitAt = now
		}
	}

	if s.target != "" {
		tagged, found, err := s.searcher.FindTaggedPhrasePost(ctx, identity.Handle, s.target, s.phrase, since)
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
		case found:
			accepted, awardErr := s.credit(ctx, userID, ledger.KindRibbitTagged, s.tagReward, tagged.ID, since)
			if awardErr != nil {
				if firstErr == nil {
					firstErr = awardErr
				}
			} else if accepted {
				changed = true
				marks.TaggedRibbitAt = now
			}
		}
	}

	if err := s.ledger.MarkScan(ctx, userID, marks); err != nil && firstErr == nil {
		firstErr = err
	}
	return changed, firstErr
}

func (s *Scheduler) credit(ctx context.Context, userID string, kind ledger.Kind, delta int64, evidence string, since time.Time) (bool, error) {
	if delta <= 0 {
		return false, nil
	}
	result, err := s.ledger.Award(ctx, ledger.AwardRequest{
		ExternalUserID: userID,
		Kind:           kind,
		Delta:          delta,
		EvidenceRef:    evidence,
		Notes:          "scan",
		Since:          since,
	})
	if err != nil {
		return false, err
	}
	return result.Outcome == ledger.OutcomeAccepted, nil
}
