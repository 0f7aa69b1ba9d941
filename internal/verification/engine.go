// Package verification checks that a linked X account follows the target and has
// posted the required phrase, then records the attempt and credits the ledger.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/tokens"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotConnected indicates the subject has no stored credential.
	ErrNotConnected = errors.New("verification: subject not connected")
	// ErrInvalidSubject indicates an empty subject key.
	ErrInvalidSubject = errors.New("verification: subject key required")
	// ErrNoRecord indicates the subject was never verified.
	ErrNoRecord = errors.New("verification: no record")
)

// Status summarises a verification attempt.
type Status string

const (
	StatusVerified   Status = "verified"
	StatusFailed     Status = "verification_failed"
	StatusUnverified Status = "unverified"
)

// ReasonIdentityUnresolved is reported when the credential could not be resolved to an account.
const ReasonIdentityUnresolved = "identity_unresolved"

// AwardFailed marks an award that could not be recorded.
const AwardFailed = "failed"

// Credentials supplies fresh subject credentials.
type Credentials interface {
	EnsureFresh(ctx context.Context, subjectKey string, fallbacks ...tokens.Source) (tokens.Credential, tokens.Freshness, error)
}

// Platform is the subset of the X client used by verification.
type Platform interface {
	CurrentUser(ctx context.Context, accessToken string) (platform.User, error)
	UserByUsername(ctx context.Context, accessToken, username string) (platform.User, error)
	IsFollowing(ctx context.Context, accessToken, sourceUserID, targetUserID string, maxPages int) (bool, error)
	FindRecentPost(ctx context.Context, accessToken, userID, phrase string, since time.Time, maxPages int) (platform.Post, bool, error)
	FindReply(ctx context.Context, handle, conversationID, phrase string) (platform.Post, bool, error)
	HasAppToken() bool
}

// Identities links subjects to X accounts.
type Identities interface {
	Link(ctx context.Context, req users.LinkRequest) (users.Identity, error)
	MarkVerified(ctx context.Context, externalUserID string) error
}

// Ledger credits awards.
type Ledger interface {
	EnsureRow(ctx context.Context, externalUserID string) error
	Award(ctx context.Context, req ledger.AwardRequest) (ledger.AwardResult, error)
	MarkScan(ctx context.Context, externalUserID string, marks ledger.ScanMarks) error
}

// Rewards are the point values credited by a verification.
type Rewards struct {
	Follow int64
	Post   int64
	Reply  int64
}

// Config wires the engine.
type Config struct {
	Database    *gorm.DB
	Credentials Credentials
	Platform    Platform
	Identities  Identities
	Ledger      Ledger

	TargetHandle      string
	TargetUserID      string
	TargetPostID      string
	RequiredPhrase    string
	Rewards           Rewards
	FollowingMaxPages int
	PostsMaxPages     int

	Clock  func() time.Time
	Logger *zap.Logger
}

// Options tune one verification.
type Options struct {
	// Since bounds the post search; zero searches the recent timeline unbounded.
	Since     time.Time
	Fallbacks []tokens.Source
}

// AwardReport is the ledger result of one kind.
type AwardReport struct {
	Kind   ledger.Kind
	Result string
	Delta  int64
}

// Outcome is the result of one verification.
type Outcome struct {
	Status                  Status
	Reason                  string
	SubjectKey              string
	ExternalUserID          string
	Handle                  string
	FollowedTarget          bool
	PostedRequiredPhrase    bool
	RepliedToTarget         bool
	MatchedPostID           string
	Points                  int64
	FollowError             string
	PostError               string
	ReplyError              string
	Awards                  []AwardReport
	LedgerError             string
	CredentialRefreshFailed bool
	RecordID                string
	VerifiedAt              time.Time
}

// Engine runs verifications.
type Engine struct {
	db          *gorm.DB
	credentials Credentials
	platform    Platform
	identities  Identities
	ledger      Ledger

	targetHandle   string
	targetPostID   string
	requiredPhrase string
	rewards        Rewards
	followingPages int
	postsPages     int

	now    func() time.Time
	logger *zap.Logger

	targetMu sync.Mutex
	targetID string
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Database == nil:
		return nil, errors.New("verification: database connection required")
	case cfg.Credentials == nil:
		return nil, errors.New("verification: credentials required")
	case cfg.Platform == nil:
		return nil, errors.New("verification: platform client required")
	case cfg.Identities == nil:
		return nil, errors.New("verification: identity service required")
	case cfg.Ledger == nil:
		return nil, errors.New("verification: ledger required")
	}
	handle := users.NormalizeHandle(cfg.TargetHandle)
	targetID := strings.TrimSpace(cfg.TargetUserID)
	if handle == "" && targetID == "" {
		return nil, errors.New("verification: target handle or user id required")
	}
	phrase := strings.TrimSpace(cfg.RequiredPhrase)
	if phrase == "" {
		return nil, errors.New("verification: required phrase must be set")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:             cfg.Database,
		credentials:    cfg.Credentials,
		platform:       cfg.Platform,
		identities:     cfg.Identities,
		ledger:         cfg.Ledger,
		targetHandle:   handle,
		targetPostID:   strings.TrimSpace(cfg.TargetPostID),
		requiredPhrase: phrase,
		rewards:        cfg.Rewards,
		followingPages: cfg.FollowingMaxPages,
		postsPages:     cfg.PostsMaxPages,
		now:            clock,
		logger:         logger,
		targetID:       targetID,
	}, nil
}

// Verify checks the subject's linked account and credits follow and post awards.
// Platform failures degrade the affected check; they never abort the attempt.
func (e *Engine) Verify(ctx context.Context, subjectKey string, opts Options) (Outcome, error) {
	subjectKey = strings.TrimSpace(subjectKey)
	if subjectKey == "" {
		return Outcome{}, ErrInvalidSubject
	}

	credential, freshness, err := e.credentials.EnsureFresh(ctx, subjectKey, opts.Fallbacks...)
	if errors.Is(err, tokens.ErrMissing) {
		return Outcome{}, ErrNotConnected
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("verification: load credential: %w", err)
	}
	outcome := Outcome{
		SubjectKey:              subjectKey,
		CredentialRefreshFailed: freshness.RefreshErr != nil,
	}

	account, err := e.platform.CurrentUser(ctx, credential.AccessToken)
	if err != nil {
		e.logger.Warn("verification identity unresolved",
			zap.String("subject_key", subjectKey),
			zap.String("platform_error", platform.Tag(err)),
			zap.Error(err))
		outcome.Status = StatusUnverified
		outcome.Reason = ReasonIdentityUnresolved
		return outcome, nil
	}
	outcome.ExternalUserID = account.ID
	outcome.Handle = account.Username

	targetID, err := e.resolveTarget(ctx, credential.AccessToken)
	if err != nil {
		outcome.FollowError = platform.Tag(err)
	} else {
		followed, followErr := e.platform.IsFollowing(ctx, credential.AccessToken, account.ID, targetID, e.followingPages)
		if followErr != nil {
			outcome.FollowError = platform.Tag(followErr)
		}
		outcome.FollowedTarget = followed && followErr == nil
	}

	post, posted, err := e.platform.FindRecentPost(ctx, credential.AccessToken, account.ID, e.requiredPhrase, opts.Since, e.postsPages)
	if err != nil {
		outcome.PostError = platform.Tag(err)
	} else if posted {
		outcome.PostedRequiredPhrase = true
		outcome.MatchedPostID = post.ID
	}

	if outcome.FollowedTarget {
		outcome.Points += e.rewards.Follow
	}
	if outcome.PostedRequiredPhrase {
		outcome.Points += e.rewards.Post
	}
	if outcome.FollowedTarget && outcome.PostedRequiredPhrase {
		outcome.Status = StatusVerified
	} else {
		outcome.Status = StatusFailed
	}
	if outcome.FollowError != "" || outcome.PostError != "" {
		e.logger.Warn("verification degraded",
			zap.String("subject_key", subjectKey),
			zap.String("external_user_id", account.ID),
			zap.String("follow_error", outcome.FollowError),
			zap.String("post_error", outcome.PostError))
	}

	e.persist(ctx, account, &outcome)
	e.award(ctx, account, &outcome)
	return outcome, nil
}

func (e *Engine) persist(ctx context.Context, account platform.User, outcome *Outcome) {
	now := e.now().UTC()
	record := Record{
		SubjectKey:           outcome.SubjectKey,
		ExternalUserID:       account.ID,
		Handle:               users.NormalizeHandle(account.Username),
		FollowedTarget:       outcome.FollowedTarget,
		PostedRequiredPhrase: outcome.PostedRequiredPhrase,
		MatchedPostID:        outcome.MatchedPostID,
		Points:               outcome.Points,
		FollowError:          outcome.FollowError,
		PostError:            outcome.PostError,
		CreatedAtMs:          now.UnixMilli(),
	}
	if record.Passed() {
		record.VerifiedAtMs = now.UnixMilli()
		outcome.VerifiedAt = now
	}
	id, err := uuid.NewV7()
	if err == nil {
		record.ID = id.String()
		err = e.db.WithContext(ctx).Create(&record).Error
	}
	if err != nil {
		e.ledgerFailure(outcome, "record_failed", err)
	} else {
		outcome.RecordID = record.ID
	}

	if _, err := e.identities.Link(ctx, users.LinkRequest{
		SubjectKey:     outcome.SubjectKey,
		ExternalUserID: account.ID,
		Handle:         account.Username,
		DisplayName:    account.Name,
	}); err != nil {
		e.ledgerFailure(outcome, "link_failed", err)
	}
	if record.Passed() {
		if err := e.identities.MarkVerified(ctx, account.ID); err != nil {
			e.ledgerFailure(outcome, "mark_verified_failed", err)
		}
	}
}

func (e *Engine) award(ctx context.Context, account platform.User, outcome *Outcome) {
	if err := e.ledger.EnsureRow(ctx, account.ID); err != nil {
		e.ledgerFailure(outcome, "ensure_row_failed", err)
	}
	now := e.now().UTC()

	if outcome.FollowedTarget {
		e.credit(ctx, outcome, ledger.AwardRequest{
			ExternalUserID: account.ID,
			Kind:           ledger.KindFollow,
			Delta:          e.rewards.Follow,
			EvidenceRef:    e.targetHandle,
			Notes:          "follow verified",
		})
	}
	if outcome.PostedRequiredPhrase {
		accepted := e.credit(ctx, outcome, ledger.AwardRequest{
			ExternalUserID: account.ID,
			Kind:           ledger.KindRibbit,
			Delta:          e.rewards.Post,
			EvidenceRef:    outcome.MatchedPostID,
			Notes:          "required phrase posted",
			FirstOnly:      true,
		})
		if accepted {
			if err := e.ledger.MarkScan(ctx, account.ID, ledger.ScanMarks{RibbitAt: now}); err != nil {
				e.ledgerFailure(outcome, "mark_ribbit_failed", err)
			}
		}
	}
	e.checkReply(ctx, account, outcome)
}

func (e *Engine) checkReply(ctx context.Context, account platform.User, outcome *Outcome) {
	if e.targetPostID == "" || e.rewards.Reply <= 0 || !e.platform.HasAppToken() {
		return
	}
	reply, found, err := e.platform.FindReply(ctx, account.Username, e.targetPostID, e.requiredPhrase)
	if err != nil {
		outcome.ReplyError = platform.Tag(err)
		e.logger.Warn("verification reply search failed",
			zap.String("external_user_id", account.ID),
			zap.String("platform_error", outcome.ReplyError))
		return
	}
	if !found {
		return
	}
	outcome.RepliedToTarget = true
	e.credit(ctx, outcome, ledger.AwardRequest{
		ExternalUserID: account.ID,
		Kind:           ledger.KindReply,
		Delta:          e.rewards.Reply,
		EvidenceRef:    reply.ID,
		Notes:          "replied to target post",
	})
}

func (e *Engine) credit(ctx context.Context, outcome *Outcome, req ledger.AwardRequest) bool {
	report := AwardReport{Kind: req.Kind, Delta: req.Delta}
	result, err := e.ledger.Award(ctx, req)
	if err != nil {
		report.Result = AwardFailed
		e.ledgerFailure(outcome, "award_failed", err)
	} else {
		report.Result = string(result.Outcome)
	}
	outcome.Awards = append(outcome.Awards, report)
	return err == nil && result.Outcome == ledger.OutcomeAccepted
}

func (e *Engine) ledgerFailure(outcome *Outcome, reason string, err error) {
	if outcome.LedgerError == "" {
		outcome.LedgerError = reason
	}
	e.logger.Error("verification storage error",
		zap.String("operation", "verification.verify"),
		zap.String("reason", reason),
		zap.String("subject_key", outcome.SubjectKey),
		zap.String("external_user_id", outcome.ExternalUserID),
		zap.Error(err))
}

func (e *Engine) resolveTarget(ctx context.Context, accessToken string) (string, error) {
	e.targetMu.Lock()
	cached := e.targetID
	e.targetMu.Unlock()
	if cached != "" {
		return cached, nil
	}
	target, err := e.platform.UserByUsername(ctx, accessToken, e.targetHandle)
	if err != nil {
		return "", err
	}
	e.targetMu.Lock()
	e.targetID = target.ID
	e.targetMu.Unlock()
	return target.ID, nil
}

// LatestForSubject returns the most recent verification of subjectKey.
func (e *Engine) LatestForSubject(ctx context.Context, subjectKey string) (Record, error) {
	var record Record
	err := e.db.WithContext(ctx).
		Where("subject_key = ?", strings.TrimSpace(subjectKey)).
		Order("created_at_ms DESC").
		Order("id DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("verification: latest record: %w", err)
	}
	return record, nil
}
