package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/platform/platformtest"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, apiBase string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		APIBase:       apiBase,
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		BearerToken:   "app-bearer",
		RatePerSecond: 1000,
		RateBurst:     1000,
		Clock:         func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRequiresClientID(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error for missing client id")
	}
	if _, err := NewClient(Config{ClientID: "id", APIBase: "::not a url"}); err == nil {
		t.Fatalf("expected error for invalid api base")
	}
}

func TestExchangeCodeSendsBasicAuthAndForm(t *testing.T) {
	var captured url.Values
	var user, pass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/oauth2/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, _ = r.BasicAuth()
		_ = r.ParseForm()
		captured = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":7200,"scope":"tweet.read"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/2")
	token, err := client.ExchangeCode(context.Background(), "code-1", "verifier-1", "https://app.example/callback")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if user != "client-id" || pass != "client-secret" {
		t.Fatalf("unexpected basic auth %q/%q", user, pass)
	}
	if captured.Get("grant_type") != "authorization_code" || captured.Get("code") != "code-1" ||
		captured.Get("code_verifier") != "verifier-1" || captured.Get("redirect_uri") != "https://app.example/callback" {
		t.Fatalf("unexpected form %v", captured)
	}
	if token.AccessToken != "at" || token.RefreshToken != "rt" {
		t.Fatalf("unexpected token %+v", token)
	}
	if !token.ExpiresAt.Equal(fixedNow.Add(2 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", token.ExpiresAt)
	}
}

func TestExchangeCodeMissingAccessTokenIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"bearer"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.ExchangeCode(context.Background(), "code", "verifier", "https://app.example/callback")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fake := platformtest.NewServer()
	defer fake.Close()
	fake.AddRefresh("rt-1", platformtest.Grant{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresIn: 60})

	client := newTestClient(t, fake.APIBase())
	token, err := client.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token.AccessToken != "at-2" || token.RefreshToken != "rt-2" {
		t.Fatalf("unexpected token %+v", token)
	}

	_, err = client.Refresh(context.Background(), "rt-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 api error on reused refresh token, got %v", err)
	}
}

func TestCurrentUserAndLookup(t *testing.T) {
	fake := platformtest.NewServer()
	defer fake.Close()
	fake.AddAccount(platformtest.Account{ID: "u1", Username: "alice", Name: "Alice"}, "at-alice")
	fake.AddAccount(platformtest.Account{ID: "t1", Username: "ribbitxyz"}, "")
	fake.SetAppBearer("app-bearer")

	client := newTestClient(t, fake.APIBase())
	me, err := client.CurrentUser(context.Background(), "at-alice")
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	if me.ID != "u1" || me.Username != "alice" || me.Name != "Alice" {
		t.Fatalf("unexpected user %+v", me)
	}

	target, err := client.UserByUsername(context.Background(), "", "@RibbitXYZ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if target.ID != "t1" {
		t.Fatalf("unexpected target %+v", target)
	}

	if _, err := client.UserByUsername(context.Background(), "", "nobody"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for unknown user, got %v", err)
	}
	if _, err := client.CurrentUser(context.Background(), "bogus"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestIsFollowingPaginatesAndShortCircuits(t *testing.T) {
	fake := platformtest.NewServer()
	defer fake.Close()
	fake.AddAccount(platformtest.Account{ID: "u1", Username: "alice"}, "at-alice")
	followed := []string{}
	for _, id := range []string{"a", "b", "c", "d", "t1"} {
		fake.AddAccount(platformtest.Account{ID: id, Username: "user_" + id}, "")
		followed = append(followed, id)
	}
	fake.SetFollowing("u1", followed...)
	fake.SetPageSize(2)

	client := newTestClient(t, fake.APIBase())
	ok, err := client.IsFollowing(context.Background(), "at-alice", "u1", "c", 5)
	if err != nil || !ok {
		t.Fatalf("expected follow on second page, ok=%v err=%v", ok, err)
	}
	if calls := fake.Calls(platformtest.RouteFollowing); calls != 2 {
		t.Fatalf("expected 2 page fetches, got %d", calls)
	}

	ok, err = client.IsFollowing(context.Background(), "at-alice", "u1", "t1", 2)
	if err != nil || ok {
		t.Fatalf("expected page limit to stop before t1, ok=%v err=%v", ok, err)
	}
	if calls := fake.Calls(platformtest.RouteFollowing); calls != 4 {
		t.Fatalf("expected max pages honored, got %d calls", calls)
	}
}

func TestFindRecentPostHonorsSince(t *testing.T) {
	fake := platformtest.NewServer()
	defer fake.Close()
	fake.AddAccount(platformtest.Account{ID: "u1", Username: "alice"}, "at-alice")
	fake.AddPost(platformtest.Post{ID: "p-old", AuthorID: "u1", Text: "ribbit old", CreatedAt: fixedNow.Add(-48 * time.Hour)})
	fake.AddPost(platformtest.Post{ID: "p-new", AuthorID: "u1", Text: "just a Ribbit", CreatedAt: fixedNow.Add(-time.Hour)})
	fake.AddPost(platformtest.Post{ID: "p-other", AuthorID: "u1", Text: "hello", CreatedAt: fixedNow.Add(-time.Minute)})

	client := newTestClient(t, fake.APIBase())
	post, found, err := client.FindRecentPost(context.Background(), "at-alice", "u1", "ribbit", fixedNow.Add(-24*time.Hour), 2)
	if err != nil || !found {
		t.Fatalf("expected match, found=%v err=%v", found, err)
	}
	if post.ID != "p-new" {
		t.Fatalf("expected newest match, got %s", post.ID)
	}
	if !strings.Contains(fake.LastQuery(platformtest.RoutePosts), "start_time=") {
		t.Fatalf("expected start_time in query %q", fake.LastQuery(platformtest.RoutePosts))
	}

	_, found, err = client.FindRecentPost(context.Background(), "at-alice", "u1", "ribbit", fixedNow.Add(-30*time.Minute), 2)
	if err != nil || found {
		t.Fatalf("expected no match after since, found=%v err=%v", found, err)
	}
}

func TestSearchQueries(t *testing.T) {
	fake := platformtest.NewServer()
	defer fake.Close()
	fake.SetAppBearer("app-bearer")
	fake.AddAccount(platformtest.Account{ID: "u1", Username: "alice"}, "")
	fake.AddPost(platformtest.Post{ID: "p1", AuthorID: "u1", Text: "ribbit", ConversationID: "p1", CreatedAt: fixedNow.Add(-time.Hour)})
	fake.AddPost(platformtest.Post{ID: "p2", AuthorID: "u1", Text: "ribbit @ribbitxyz", ConversationID: "p2", CreatedAt: fixedNow.Add(-30 * time.Minute)})
	fake.AddPost(platformtest.Post{ID: "p3", AuthorID: "u1", Text: "ribbit back", ConversationID: "root-9", CreatedAt: fixedNow.Add(-10 * time.Minute)})

	client := newTestClient(t, fake.APIBase())
	ctx := context.Background()
	since := fixedNow.Add(-24 * time.Hour)

	post, found, err := client.FindPhrasePost(ctx, "@alice", "ribbit", since)
	if err != nil || !found || post.ID != "p3" {
		t.Fatalf("phrase post: post=%+v found=%v err=%v", post, found, err)
	}
	query, _ := url.ParseQuery(fake.LastQuery(platformtest.RouteSearch))
	if got := query.Get("query"); got != "from:alice ribbit -is:retweet" {
		t.Fatalf("unexpected query %q", got)
	}
	if query.Get("max_results") != "10" {
		t.Fatalf("expected max_results 10, got %q", query.Get("max_results"))
	}

	post, found, err = client.FindTaggedPhrasePost(ctx, "alice", "@ribbitxyz", "ribbit", since)
	if err != nil || !found || post.ID != "p2" {
		t.Fatalf("tagged post: post=%+v found=%v err=%v", post, found, err)
	}
	query, _ = url.ParseQuery(fake.LastQuery(platformtest.RouteSearch))
	if got := query.Get("query"); got != "from:alice @ribbitxyz ribbit -is:retweet" {
		t.Fatalf("unexpected tagged query %q", got)
	}

	post, found, err = client.FindReply(ctx, "alice", "root-9", "ribbit")
	if err != nil || !found || post.ID != "p3" {
		t.Fatalf("reply: post=%+v found=%v err=%v", post, found, err)
	}
	query, _ = url.ParseQuery(fake.LastQuery(platformtest.RouteSearch))
	if got := query.Get("query"); got != "conversation_id:root-9 from:alice ribbit" {
		t.Fatalf("unexpected reply query %q", got)
	}
}

func TestSearchRequiresAppToken(t *testing.T) {
	client, err := NewClient(Config{ClientID: "client-id", APIBase: "http://127.0.0.1:1/2"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, _, err := client.FindPhrasePost(context.Background(), "alice", "ribbit", time.Time{}); !errors.Is(err, ErrAppTokenMissing) {
		t.Fatalf("expected ErrAppTokenMissing, got %v", err)
	}
	if Tag(ErrAppTokenMissing) != "app_token_missing" {
		t.Fatalf("unexpected tag %q", Tag(ErrAppTokenMissing))
	}
}

func TestErrorTaxonomy(t *testing.T) {
	fake := platformtest.NewServer()
	defer fake.Close()
	fake.AddAccount(platformtest.Account{ID: "u1", Username: "alice"}, "at-alice")
	client := newTestClient(t, fake.APIBase())

	cases := []struct {
		status int
		want   error
		tag    string
	}{
		{status: http.StatusUnauthorized, want: ErrAuth, tag: "auth_error:401"},
		{status: http.StatusForbidden, want: ErrAuth, tag: "auth_error:403"},
		{status: http.StatusTooManyRequests, want: ErrRateLimited, tag: "rate_limited:429"},
		{status: http.StatusInternalServerError, want: ErrUpstream, tag: "upstream_error:500"},
	}
	for _, tc := range cases {
		fake.Fail(platformtest.RouteMe, tc.status)
		_, err := client.CurrentUser(context.Background(), "at-alice")
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		if Tag(err) != tc.tag {
			t.Fatalf("status %d: unexpected tag %q", tc.status, Tag(err))
		}
	}
	fake.Fail(platformtest.RouteMe, 0)

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer garbage.Close()
	_, err := newTestClient(t, garbage.URL).CurrentUser(context.Background(), "at")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
