// Package platformtest runs an in-process fake of the X API v2 endpoints the service calls.
package platformtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Route names accepted by Fail and Calls.
const (
	RouteToken     = "token"
	RouteMe        = "me"
	RouteByName    = "by_username"
	RouteFollowing = "following"
	RoutePosts     = "posts"
	RouteSearch    = "search"
)

// Account is a fake X account.
type Account struct {
	ID       string
	Username string
	Name     string
}

// Post is a fake X post.
type Post struct {
	ID             string
	AuthorID       string
	Text           string
	ConversationID string
	CreatedAt      time.Time
}

// Grant is what the token endpoint hands out for a code or refresh token.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	// Verifier must match code_verifier for authorization codes.
	Verifier string
}

// Server is a fake X API. The zero value is not usable; call NewServer.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	accounts    map[string]Account
	tokens      map[string]string
	codes       map[string]Grant
	refreshes   map[string]Grant
	following   map[string][]string
	posts       map[string][]Post
	failures    map[string]int
	calls       map[string]int
	pageSize    int
	appBearer   string
	lastQueries map[string]string
}

// NewServer starts a fake X API. Its API base is URL + "/2".
func NewServer() *Server {
	s := &Server{
		accounts:    make(map[string]Account),
		tokens:      make(map[string]string),
		codes:       make(map[string]Grant),
		refreshes:   make(map[string]Grant),
		following:   make(map[string][]string),
		posts:       make(map[string][]Post),
		failures:    make(map[string]int),
		calls:       make(map[string]int),
		lastQueries: make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// APIBase returns the base URL clients should use.
func (s *Server) APIBase() string {
	return s.URL + "/2"
}

// AddAccount registers an account and the access token that authenticates as it.
func (s *Server) AddAccount(account Account, accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account
	if accessToken != "" {
		s.tokens[accessToken] = account.ID
	}
}

// AddCode registers an authorization code.
func (s *Server) AddCode(code string, grant Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = grant
}

// AddRefresh registers a refresh token; the issued access token must belong to an account.
func (s *Server) AddRefresh(refreshToken string, grant Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes[refreshToken] = grant
}

// AuthorizeToken lets accessToken act as accountID.
func (s *Server) AuthorizeToken(accessToken, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[accessToken] = accountID
}

// SetFollowing replaces the accounts followed by accountID.
func (s *Server) SetFollowing(accountID string, followed ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.following[accountID] = append([]string(nil), followed...)
}

// AddPost appends a post to its author's timeline.
func (s *Server) AddPost(post Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[post.AuthorID] = append(s.posts[post.AuthorID], post)
}

// SetAppBearer sets the token app-only search requires; empty accepts any bearer.
func (s *Server) SetAppBearer(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appBearer = token
}

// SetPageSize caps list pages regardless of max_results, forcing pagination.
func (s *Server) SetPageSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = size
}

// Fail makes route answer with status until cleared with status 0.
func (s *Server) Fail(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, route)
		return
	}
	s.failures[route] = status
}

// Calls reports how many requests route received.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// LastQuery returns the raw query string of the last request to route.
func (s *Server) LastQuery(route string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQueries[route]
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/2")
	route := routeFor(r.Method, path)
	if route == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"title": "Not Found"})
		return
	}

	s.mu.Lock()
	s.calls[route]++
	s.lastQueries[route] = r.URL.RawQuery
	status, failing := s.failures[route]
	s.mu.Unlock()
	if failing {
		writeJSON(w, status, map[string]any{"title": http.StatusText(status)})
		return
	}

	switch route {
	case RouteToken:
		s.serveToken(w, r)
	case RouteMe:
		s.serveMe(w, r)
	case RouteByName:
		s.serveByUsername(w, r, strings.TrimPrefix(path, "/users/by/username/"))
	case RouteFollowing:
		s.serveFollowing(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/users/"), "/following"))
	case RoutePosts:
		s.servePosts(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/users/"), "/tweets"))
	case RouteSearch:
		s.serveSearch(w, r)
	}
}

func routeFor(method, path string) string {
	switch {
	case method == http.MethodPost && path == "/oauth2/token":
		return RouteToken
	case method == http.MethodGet && path == "/users/me":
		return RouteMe
	case method == http.MethodGet && strings.HasPrefix(path, "/users/by/username/"):
		return RouteByName
	case method == http.MethodGet && strings.HasPrefix(path, "/users/") && strings.HasSuffix(path, "/following"):
		return RouteFollowing
	case method == http.MethodGet && strings.HasPrefix(path, "/users/") && strings.HasSuffix(path, "/tweets"):
		return RoutePosts
	case method == http.MethodGet && path == "/tweets/search/recent":
		return RouteSearch
	}
	return ""
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	var (
		grant Grant
		ok    bool
	)
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		grant, ok = s.codes[r.PostForm.Get("code")]
		if ok && grant.Verifier != "" && grant.Verifier != r.PostForm.Get("code_verifier") {
			ok = false
		}
		if ok {
			delete(s.codes, r.PostForm.Get("code"))
		}
	case "refresh_token":
		grant, ok = s.refreshes[r.PostForm.Get("refresh_token")]
		if ok {
			delete(s.refreshes, r.PostForm.Get("refresh_token"))
		}
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  grant.AccessToken,
		"refresh_token": grant.RefreshToken,
		"token_type":    "bearer",
		"expires_in":    grant.ExpiresIn,
		"scope":         "tweet.read users.read follows.read offline.access",
	})
}

func (s *Server) authenticated(r *http.Request) (Account, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	accountID, ok := s.tokens[token]
	if !ok {
		return Account{}, false
	}
	account, ok := s.accounts[accountID]
	return account, ok
}

func (s *Server) anyBearer(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == s.appBearer {
		return true
	}
	_, ok := s.tokens[token]
	return ok
}

func (s *Server) serveMe(w http.ResponseWriter, r *http.Request) {
	account, ok := s.authenticated(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"title": "Unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": accountJSON(account)})
}

func (s *Server) serveByUsername(w http.ResponseWriter, r *http.Request, username string) {
	if !s.anyBearer(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"title": "Unauthorized"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if strings.EqualFold(account.Username, username) {
			writeJSON(w, http.StatusOK, map[string]any{"data": accountJSON(account)})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": []any{map[string]any{"title": "Not Found Error"}}})
}

func (s *Server) serveFollowing(w http.ResponseWriter, r *http.Request, accountID string) {
	if _, ok := s.authenticated(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"title": "Unauthorized"})
		return
	}
	s.mu.Lock()
	followed := append([]string(nil), s.following[accountID]...)
	items := make([]any, 0, len(followed))
	for _, id := range followed {
		items = append(items, accountJSON(s.accounts[id]))
	}
	pageSize := s.pageSize
	s.mu.Unlock()
	writePage(w, r, items, pageSize)
}

func (s *Server) servePosts(w http.ResponseWriter, r *http.Request, accountID string) {
	if _, ok := s.authenticated(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"title": "Unauthorized"})
		return
	}
	since := parseTime(r.URL.Query().Get("start_time"))
	s.mu.Lock()
	timeline := s.posts[accountID]
	items := make([]any, 0, len(timeline))
	for index := len(timeline) - 1; index >= 0; index-- {
		post := timeline[index]
		if !since.IsZero() && post.CreatedAt.Before(since) {
			continue
		}
		items = append(items, postJSON(post))
	}
	pageSize := s.pageSize
	s.mu.Unlock()
	writePage(w, r, items, pageSize)
}

func (s *Server) serveSearch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	appBearer := s.appBearer
	s.mu.Unlock()
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || (appBearer != "" && token != appBearer) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"title": "Unauthorized"})
		return
	}

	filter := parseSearch(r.URL.Query().Get("query"))
	since := parseTime(r.URL.Query().Get("start_time"))

	s.mu.Lock()
	defer s.mu.Unlock()
	var author Account
	for _, account := range s.accounts {
		if strings.EqualFold(account.Username, filter.from) {
			author = account
		}
	}
	items := []any{}
	timeline := s.posts[author.ID]
	for index := len(timeline) - 1; index >= 0; index-- {
		post := timeline[index]
		if filter.matches(post, since) {
			items = append(items, postJSON(post))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": items,
		"meta": map[string]any{"result_count": len(items)},
	})
}

type searchFilter struct {
	from         string
	mention      string
	conversation string
	terms        []string
}

func parseSearch(query string) searchFilter {
	var filter searchFilter
	for _, token := range strings.Fields(query) {
		switch {
		case strings.HasPrefix(token, "from:"):
			filter.from = strings.TrimPrefix(token, "from:")
		case strings.HasPrefix(token, "conversation_id:"):
			filter.conversation = strings.TrimPrefix(token, "conversation_id:")
		case strings.HasPrefix(token, "@"):
			filter.mention = token
		case strings.HasPrefix(token, "-"):
		default:
			filter.terms = append(filter.terms, strings.Trim(token, `"()`))
		}
	}
	return filter
}

func (f searchFilter) matches(post Post, since time.Time) bool {
	if !since.IsZero() && post.CreatedAt.Before(since) {
		return false
	}
	if f.conversation != "" && post.ConversationID != f.conversation {
		return false
	}
	text := strings.ToLower(post.Text)
	if f.mention != "" && !strings.Contains(text, strings.ToLower(f.mention)) {
		return false
	}
	for _, term := range f.terms {
		if !strings.Contains(text, strings.ToLower(term)) {
			return false
		}
	}
	return true
}

func writePage(w http.ResponseWriter, r *http.Request, items []any, pageSize int) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("pagination_token"))
	size, _ := strconv.Atoi(r.URL.Query().Get("max_results"))
	if size <= 0 {
		size = 100
	}
	if pageSize > 0 && pageSize < size {
		size = pageSize
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + size
	if end > len(items) {
		end = len(items)
	}
	meta := map[string]any{"result_count": end - offset}
	if end < len(items) {
		meta["next_token"] = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items[offset:end], "meta": meta})
}

func accountJSON(account Account) map[string]any {
	return map[string]any{"id": account.ID, "username": account.Username, "name": account.Name}
}

func postJSON(post Post) map[string]any {
	payload := map[string]any{
		"id":        post.ID,
		"text":      post.Text,
		"author_id": post.AuthorID,
	}
	if post.ConversationID != "" {
		payload["conversation_id"] = post.ConversationID
	}
	if !post.CreatedAt.IsZero() {
		payload["created_at"] = post.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	return payload
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
