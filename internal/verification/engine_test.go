package verification

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform/platformtest"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/tokens"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var verifyNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type engineClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *engineClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *engineClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine     *Engine
	fake       *platformtest.Server
	ledger     *ledger.Service
	identities *users.Service
	tokens     *tokens.Manager
	logs       *observer.ObservedLogs
	clock      *engineClock
}

type harnessOptions struct {
	targetPostID string
	appBearer    string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "verify.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	models := append(ledger.Models(), &users.Identity{}, &Record{}, &tokens.Credential{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	fake := platformtest.NewServer()
	t.Cleanup(fake.Close)
	fake.SetAppBearer(opts.appBearer)
	fake.AddAccount(platformtest.Account{ID: "t1", Username: "JoinFroggys"}, "")

	engineTime := &engineClock{now: verifyNow}
	clock := engineTime.Now
	client, err := platform.NewClient(platform.Config{
		APIBase:       fake.APIBase(),
		ClientID:      "client-id",
		BearerToken:   opts.appBearer,
		RatePerSecond: 1000,
		RateBurst:     1000,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("platform client: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	manager, err := tokens.NewManager(tokens.ManagerConfig{
		Tiers:     []tokens.Tier{tokens.NewMemoryTier(), tokens.NewGormTier(db)},
		Refresher: client,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	core, logs := observer.New(zap.DebugLevel)
	engine, err := NewEngine(Config{
		Database:       db,
		Credentials:    manager,
		Platform:       client,
		Identities:     identities,
		Ledger:         ledgerService,
		TargetHandle:   "@JoinFroggys",
		TargetPostID:   opts.targetPostID,
		RequiredPhrase: "RIBBIT",
		Rewards:        Rewards{Follow: 10, Post: 10, Reply: 1},
		Clock:          clock,
		Logger:         zap.New(core),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &harness{engine: engine, fake: fake, ledger: ledgerService, identities: identities, tokens: manager, logs: logs, clock: engineTime}
}

func (h *harness) connect(t *testing.T, subjectKey string, account platformtest.Account, accessToken string) {
	t.Helper()
	h.fake.AddAccount(account, accessToken)
	if err := h.tokens.Save(context.Background(), tokens.Credential{
		SubjectKey:  subjectKey,
		AccessToken: accessToken,
	}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
}

func awardResult(outcome Outcome, kind ledger.Kind) string {
	for _, report := range outcome.Awards {
		if report.Kind == kind {
			return report.Result
		}
	}
	return ""
}

func TestVerifyAwardsFollowAndPostOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.connect(t, "0xWallet1", platformtest.Account{ID: "u1", Username: "alice", Name: "Alice"}, "at-alice")
	h.fake.SetFollowing("u1", "t1")
	h.fake.AddPost(platformtest.Post{ID: "p1", AuthorID: "u1", Text: "ribbit!", CreatedAt: verifyNow.Add(-time.Hour)})

	outcome, err := h.engine.Verify(ctx, "0xWallet1", Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome.Status != StatusVerified || !outcome.FollowedTarget || !outcome.PostedRequiredPhrase {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Points != 20 || outcome.MatchedPostID != "p1" {
		t.Fatalf("unexpected points or post %+v", outcome)
	}
	if awardResult(outcome, ledger.KindFollow) != string(ledger.OutcomeAccepted) ||
		awardResult(outcome, ledger.KindRibbit) != string(ledger.OutcomeAccepted) {
		t.Fatalf("unexpected awards %+v", outcome.Awards)
	}

	standing, err := h.ledger.Me(ctx, "u1")
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if standing.Points != 20 || standing.Rank != 1 {
		t.Fatalf("unexpected standing %+v", standing)
	}

	identity, err := h.identities.ResolveSubject(ctx, "0xWallet1")
	if err != nil || !identity.IsVerified || identity.Handle != "alice" {
		t.Fatalf("expected verified identity, got %+v err=%v", identity, err)
	}

	again, err := h.engine.Verify(ctx, "0xWallet1", Options{})
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if awardResult(again, ledger.KindFollow) != string(ledger.OutcomeAlreadyAwarded) ||
		awardResult(again, ledger.KindRibbit) != string(ledger.OutcomeAlreadyAwarded) {
		t.Fatalf("expected repeated awards refused, got %+v", again.Awards)
	}
	standing, _ = h.ledger.Me(ctx, "u1")
	if standing.Points != 20 {
		t.Fatalf("expected points unchanged, got %d", standing.Points)
	}

	latest, err := h.engine.LatestForSubject(ctx, "0xWallet1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != again.RecordID || !latest.Passed() {
		t.Fatalf("unexpected latest record %+v", latest)
	}
}

func TestVerifyDoesNotRecreditOldPostInLaterWindows(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.connect(t, "0xWallet1", platformtest.Account{ID: "u1", Username: "alice"}, "at-alice")
	h.fake.SetFollowing("u1", "t1")
	h.fake.AddPost(platformtest.Post{ID: "p1", AuthorID: "u1", Text: "RIBBIT", CreatedAt: verifyNow.Add(-time.Hour)})

	first, err := h.engine.Verify(ctx, "0xWallet1", Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if awardResult(first, ledger.KindRibbit) != string(ledger.OutcomeAccepted) {
		t.Fatalf("expected first ribbit accepted, got %+v", first.Awards)
	}

	for recheck := 1; recheck <= 3; recheck++ {
		h.clock.Advance(13 * time.Hour)
		outcome, err := h.engine.Verify(ctx, "0xWallet1", Options{})
		if err != nil {
			t.Fatalf("recheck %d: %v", recheck, err)
		}
		if outcome.MatchedPostID != "p1" || outcome.Status != StatusVerified {
			t.Fatalf("recheck %d: unexpected outcome %+v", recheck, outcome)
		}
		if result := awardResult(outcome, ledger.KindRibbit); result != string(ledger.OutcomeAlreadyAwarded) {
			t.Fatalf("recheck %d: expected ribbit refused, got %q", recheck, result)
		}
	}

	events, err := h.ledger.Events(ctx, "u1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected follow and one ribbit event, got %d", len(events))
	}
	standing, err := h.ledger.Me(ctx, "u1")
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if standing.Points != 20 {
		t.Fatalf("expected 20 points after rechecks, got %d", standing.Points)
	}
}

func TestVerifyDegradesWhenFollowingFails(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.connect(t, "0xWallet1", platformtest.Account{ID: "u1", Username: "alice"}, "at-alice")
	h.fake.AddPost(platformtest.Post{ID: "p1", AuthorID: "u1", Text: "RIBBIT", CreatedAt: verifyNow.Add(-time.Hour)})
	h.fake.Fail(platformtest.RouteFollowing, http.StatusInternalServerError)

	outcome, err := h.engine.Verify(ctx, "0xWallet1", Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome.Status != StatusFailed || outcome.FollowedTarget {
		t.Fatalf("expected failed follow check, got %+v", outcome)
	}
	if outcome.FollowError != "upstream_error:500" {
		t.Fatalf("unexpected follow error %q", outcome.FollowError)
	}
	if !outcome.PostedRequiredPhrase || outcome.Points != 10 {
		t.Fatalf("expected post check to complete, got %+v", outcome)
	}
	if awardResult(outcome, ledger.KindRibbit) != string(ledger.OutcomeAccepted) {
		t.Fatalf("expected ribbit award, got %+v", outcome.Awards)
	}
	if awardResult(outcome, ledger.KindFollow) != "" {
		t.Fatalf("follow must not be awarded, got %+v", outcome.Awards)
	}
	if h.logs.FilterMessage("verification degraded").Len() != 1 {
		t.Fatalf("expected degraded warning logged")
	}
	identity, err := h.identities.ResolveSubject(ctx, "0xWallet1")
	if err != nil || identity.IsVerified {
		t.Fatalf("expected linked but unverified identity, got %+v err=%v", identity, err)
	}
}

func TestVerifyNotConnected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if _, err := h.engine.Verify(context.Background(), "0xNobody", Options{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := h.engine.Verify(context.Background(), "  ", Options{}); !errors.Is(err, ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
}

func TestVerifyIdentityUnresolved(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	if err := h.tokens.Save(ctx, tokens.Credential{SubjectKey: "0xWallet1", AccessToken: "revoked"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	outcome, err := h.engine.Verify(ctx, "0xWallet1", Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome.Status != StatusUnverified || outcome.Reason != ReasonIdentityUnresolved {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if _, err := h.engine.LatestForSubject(ctx, "0xWallet1"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("expected no record, got %v", err)
	}
}

func TestVerifyAwardsReplyToTargetPost(t *testing.T) {
	h := newHarness(t, harnessOptions{targetPostID: "root-1", appBearer: "app-bearer"})
	ctx := context.Background()
	h.connect(t, "0xWallet1", platformtest.Account{ID: "u1", Username: "alice"}, "at-alice")
	h.fake.SetFollowing("u1", "t1")
	h.fake.AddPost(platformtest.Post{ID: "r1", AuthorID: "u1", Text: "ribbit ribbit", ConversationID: "root-1", CreatedAt: verifyNow.Add(-time.Minute)})

	outcome, err := h.engine.Verify(ctx, "0xWallet1", Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !outcome.RepliedToTarget || awardResult(outcome, ledger.KindReply) != string(ledger.OutcomeAccepted) {
		t.Fatalf("expected reply award, got %+v", outcome)
	}
	standing, _ := h.ledger.Me(ctx, "u1")
	if standing.Points != 21 {
		t.Fatalf("expected 21 points, got %d", standing.Points)
	}
}
