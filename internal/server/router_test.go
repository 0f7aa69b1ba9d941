package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/pkce"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform/platformtest"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/scan"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/tokens"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/users"
	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/verification"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "router-test-signing-secret"
	testScanSecret    = "scan-secret"
	testReturnURL     = "https://ribbit.example/app"
)

type routerHarness struct {
	handler    http.Handler
	fake       *platformtest.Server
	ledger     *ledger.Service
	identities *users.Service
	tokens     *tokens.Manager
	realtime   *RealtimeDispatcher
	logs       *observer.ObservedLogs
}

type routerOptions struct {
	scanner Scanner
}

func newRouterHarness(t *testing.T, opts routerOptions) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "router.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	models := append(ledger.Models(), &users.Identity{}, &verification.Record{}, &tokens.Credential{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	fake := platformtest.NewServer()
	t.Cleanup(fake.Close)
	fake.AddAccount(platformtest.Account{ID: "t1", Username: "JoinFroggys"}, "")

	client, err := platform.NewClient(platform.Config{
		APIBase:       fake.APIBase(),
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		RatePerSecond: 1000,
		RateBurst:     1000,
	})
	if err != nil {
		t.Fatalf("platform client: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, Publisher: realtime})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	tokenManager, err := tokens.NewManager(tokens.ManagerConfig{
		Tiers:     []tokens.Tier{tokens.NewMemoryTier(), tokens.NewGormTier(db)},
		Refresher: client,
	})
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	engine, err := verification.NewEngine(verification.Config{
		Database:       db,
		Credentials:    tokenManager,
		Platform:       client,
		Identities:     identities,
		Ledger:         ledgerService,
		TargetHandle:   "JoinFroggys",
		RequiredPhrase: "RIBBIT",
		Rewards:        verification.Rewards{Follow: 10, Post: 10, Reply: 1},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	stateBinder, err := auth.NewStateBinder(auth.StateBinderConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("state binder: %v", err)
	}
	credentialBinder, err := auth.NewCredentialBinder(auth.CredentialBinderConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("credential binder: %v", err)
	}
	authFlow, err := pkce.NewManager(pkce.ManagerConfig{
		Store:        pkce.NewMemoryStore(),
		Binder:       stateBinder,
		ClientID:     "client-id",
		RedirectURI:  "https://ribbit.example/api/auth/x/callback",
		AuthorizeURL: "https://x.example/i/oauth2/authorize",
	})
	if err != nil {
		t.Fatalf("pkce manager: %v", err)
	}

	core, logs := observer.New(zap.DebugLevel)
	handler, err := NewHTTPHandler(Dependencies{
		AuthFlow:         authFlow,
		Exchanger:        client,
		Credentials:      tokenManager,
		CredentialBinder: credentialBinder,
		Verifier:         engine,
		Leaderboard:      ledgerService,
		Identities:       identities,
		Scanner:          opts.scanner,
		ScanSecret:       auth.NewSharedSecret(testScanSecret),
		Realtime:         realtime,
		ReturnURL:        testReturnURL,
		Logger:           zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return &routerHarness{
		handler:    handler,
		fake:       fake,
		ledger:     ledgerService,
		identities: identities,
		tokens:     tokenManager,
		realtime:   realtime,
		logs:       logs,
	}
}

func (h *routerHarness) do(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func (h *routerHarness) postJSON(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	return h.do(t, request)
}

// seedVerifiableAccount registers alice on the fake platform as following the target and posting the phrase.
func (h *routerHarness) seedVerifiableAccount(code string) {
	h.fake.AddAccount(platformtest.Account{ID: "u1", Username: "alice", Name: "Alice"}, "at-alice")
	h.fake.SetFollowing("u1", "t1")
	h.fake.AddPost(platformtest.Post{ID: "p1", AuthorID: "u1", Text: "RIBBIT with friends", CreatedAt: time.Now().Add(-time.Hour)})
	h.fake.AddCode(code, platformtest.Grant{AccessToken: "at-alice", RefreshToken: "rt-alice", ExpiresIn: 7200})
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, recorder)["error"]
}

func findCookie(recorder *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func (h *routerHarness) start(t *testing.T, subjectKey string) (startResponsePayload, *http.Cookie) {
	t.Helper()
	recorder := h.postJSON(t, "/api/auth/x/start", `{"subject_key":"`+subjectKey+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d (%s)", recorder.Code, recorder.Body.String())
	}
	cookie := findCookie(recorder, stateCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("start: expected state binding cookie")
	}
	return decodeBody[startResponsePayload](t, recorder), cookie
}

func TestStartReturnsAuthorizationURLAndBindingCookie(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	payload, cookie := h.start(t, "0xWallet1")

	parsed, err := url.Parse(payload.AuthorizationURL)
	if err != nil {
		t.Fatalf("authorization url did not parse: %v", err)
	}
	query := parsed.Query()
	if query.Get("state") != payload.State || payload.State == "" {
		t.Fatalf("expected state %q in url, got %q", payload.State, query.Get("state"))
	}
	if query.Get("code_challenge_method") != "S256" || query.Get("code_challenge") == "" {
		t.Fatalf("expected S256 challenge, got %v", query)
	}
	if cookie.Path != authCookiePath || !cookie.HttpOnly {
		t.Fatalf("unexpected cookie attributes: %+v", cookie)
	}
}

func TestStartGetRedirectsToAuthorizationURL(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	recorder := h.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/x/start?subject_key=0xWallet1", http.NoBody))

	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", recorder.Code)
	}
	if !strings.HasPrefix(recorder.Header().Get("Location"), "https://x.example/i/oauth2/authorize?") {
		t.Fatalf("unexpected redirect %q", recorder.Header().Get("Location"))
	}
}

func TestStartRejectsMissingSubject(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	recorder := h.postJSON(t, "/api/auth/x/start", `{"subject_key":"   "}`)

	if recorder.Code != http.StatusBadRequest || errorCode(t, recorder) != codeInvalidRequest {
		t.Fatalf("expected 400 invalid_request, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestCallbackConnectsVerifiesAndRedirects(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	h.seedVerifiableAccount("code-1")
	payload, cookie := h.start(t, "0xWallet1")

	request := httptest.NewRequest(http.MethodGet, "/api/auth/x/callback?code=code-1&state="+url.QueryEscape(payload.State), http.NoBody)
	request.AddCookie(cookie)
	recorder := h.do(t, request)

	if recorder.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d (%s)", recorder.Code, recorder.Body.String())
	}
	location, err := url.Parse(recorder.Header().Get("Location"))
	if err != nil {
		t.Fatalf("redirect did not parse: %v", err)
	}
	if location.Host != "ribbit.example" || location.Query().Get("x") != "ok" || location.Query().Get("address") != "0xWallet1" {
		t.Fatalf("unexpected redirect %q", location.String())
	}
	if credential := findCookie(recorder, "xtok"); credential == nil || credential.Value == "" {
		t.Fatal("expected credential cookie")
	}
	if cleared := findCookie(recorder, stateCookieName); cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected state cookie to be cleared, got %+v", cleared)
	}

	standing, err := h.ledger.Me(context.Background(), "u1")
	if err != nil {
		t.Fatalf("expected leaderboard entry: %v", err)
	}
	if standing.Points != 20 || standing.Rank != 1 {
		t.Fatalf("expected 20 points at rank 1, got %+v", standing)
	}
	if h.fake.Calls(platformtest.RouteToken) != 1 {
		t.Fatalf("expected one token exchange, got %d", h.fake.Calls(platformtest.RouteToken))
	}
}

func TestCallbackRejectsReplayedState(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	h.seedVerifiableAccount("code-1")
	payload, cookie := h.start(t, "0xWallet1")
	callback := "/api/auth/x/callback?code=code-1&state=" + url.QueryEscape(payload.State)

	first := httptest.NewRequest(http.MethodGet, callback, http.NoBody)
	first.AddCookie(cookie)
	if recorder := h.do(t, first); recorder.Code != http.StatusFound {
		t.Fatalf("expected first callback to succeed, got %d", recorder.Code)
	}

	replay := httptest.NewRequest(http.MethodGet, callback, http.NoBody)
	replay.AddCookie(cookie)
	recorder := h.do(t, replay)
	if recorder.Code != http.StatusBadRequest || errorCode(t, recorder) != codeStateNotFound {
		t.Fatalf("expected 400 state_not_found, got %d %s", recorder.Code, recorder.Body.String())
	}
	if h.fake.Calls(platformtest.RouteToken) != 1 {
		t.Fatalf("replay must not reach the token endpoint, got %d calls", h.fake.Calls(platformtest.RouteToken))
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	recorder := h.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/x/callback?code=c&state=unknown", http.NoBody))

	if recorder.Code != http.StatusBadRequest || errorCode(t, recorder) != codeStateNotFound {
		t.Fatalf("expected 400 state_not_found, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestCallbackRequiresCodeAndState(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	recorder := h.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/x/callback?error=access_denied", http.NoBody))

	if recorder.Code != http.StatusBadRequest || errorCode(t, recorder) != codeInvalidRequest {
		t.Fatalf("expected 400 invalid_request, got %d", recorder.Code)
	}
}

func TestCallbackMapsExchangeFailureToUpstream(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	h.seedVerifiableAccount("code-1")
	h.fake.Fail(platformtest.RouteToken, http.StatusServiceUnavailable)
	payload, cookie := h.start(t, "0xWallet1")

	request := httptest.NewRequest(http.MethodGet, "/api/auth/x/callback?code=code-1&state="+url.QueryEscape(payload.State), http.NoBody)
	request.AddCookie(cookie)
	recorder := h.do(t, request)

	if recorder.Code != http.StatusBadGateway || errorCode(t, recorder) != codeUpstreamUnavailable {
		t.Fatalf("expected 502 upstream_unavailable, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestVerifyReportsNotConnected(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	recorder := h.postJSON(t, "/api/verify", `{"subject_key":"0xNobody"}`)

	if recorder.Code != http.StatusConflict || errorCode(t, recorder) != codeNotConnected {
		t.Fatalf("expected 409 not_connected, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestVerifyRejectsMalformedBody(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	recorder := h.postJSON(t, "/api/verify", `{"subject_key":`)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestVerifyIsIdempotentAcrossRequests(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	h.seedVerifiableAccount("code-1")
	if err := h.tokens.Save(context.Background(), tokens.Credential{SubjectKey: "0xWallet1", AccessToken: "at-alice"}); err != nil {
		t.Fatalf("save credential: %v", err)
	}

	first := h.postJSON(t, "/api/verify", `{"subject_key":"0xWallet1"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", first.Code, first.Body.String())
	}
	firstPayload := decodeBody[verifyResponsePayload](t, first)
	if firstPayload.Status != string(verification.StatusVerified) || firstPayload.Points != 20 {
		t.Fatalf("unexpected first outcome %+v", firstPayload)
	}

	second := decodeBody[verifyResponsePayload](t, h.postJSON(t, "/api/verify", `{"subject_key":"0xWallet1"}`))
	if second.Points != 20 {
		t.Fatalf("repeat verification must not add points, got %d", second.Points)
	}
	for _, award := range second.Awards {
		if award.Result != string(ledger.OutcomeAlreadyAwarded) {
			t.Fatalf("expected already_awarded on repeat, got %+v", award)
		}
	}
}

func TestStatusCombinesConnectionVerificationAndStanding(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	h.seedVerifiableAccount("code-1")
	if err := h.tokens.Save(context.Background(), tokens.Credential{SubjectKey: "0xWallet1", AccessToken: "at-alice"}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	if recorder := h.postJSON(t, "/api/verify", `{"subject_key":"0xWallet1"}`); recorder.Code != http.StatusOK {
		t.Fatalf("verify failed: %d", recorder.Code)
	}

	recorder := h.do(t, httptest.NewRequest(http.MethodGet, "/api/status/0xWallet1", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", recorder.Code, recorder.Body.String())
	}
	status := decodeBody[statusResponsePayload](t, recorder)
	if !status.Connected {
		t.Fatal("expected connected status")
	}
	if status.Verification == nil || !status.Verification.FollowedTarget || status.Verification.VerifiedAt == "" {
		t.Fatalf("unexpected verification %+v", status.Verification)
	}
	if status.Leaderboard == nil || status.Leaderboard.Points != 20 || status.Leaderboard.Handle != "alice" {
		t.Fatalf("unexpected leaderboard snippet %+v", status.Leaderboard)
	}
}

func TestStatusForUnknownSubjectIsEmpty(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	recorder := h.do(t, httptest.NewRequest(http.MethodGet, "/api/status/0xNobody", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	status := decodeBody[statusResponsePayload](t, recorder)
	if status.Connected || status.Verification != nil || status.Leaderboard != nil {
		t.Fatalf("expected empty status, got %+v", status)
	}
}

func TestHealthz(t *testing.T) {
	h := newRouterHarness(t, routerOptions{})
	recorder := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

var _ Scanner = (*scan.Scheduler)(nil)
