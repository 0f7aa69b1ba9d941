package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	opUserPosts    = "user_posts"
	opSearchRecent = "search_recent"

	postsPageSize        = 100
	defaultPostsMaxPages = 2
	searchMinResults     = 10
	searchMaxResults     = 100
)

// Post is one X post.
type Post struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	AuthorID       string    `json:"author_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type postPage struct {
	Data []Post `json:"data"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

// ContainsPhrase reports whether text contains phrase, ignoring case.
func ContainsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(phrase))
}

// FindRecentPost returns the first post of userID containing phrase, newest first,
// created at or after since when since is set. The bool is false when none matched.
func (c *Client) FindRecentPost(ctx context.Context, accessToken, userID, phrase string, since time.Time, maxPages int) (Post, bool, error) {
	if maxPages <= 0 {
		maxPages = defaultPostsMaxPages
	}
	nextToken := ""
	for page := 0; page < maxPages; page++ {
		query := url.Values{}
		query.Set("max_results", strconv.Itoa(postsPageSize))
		query.Set("tweet.fields", "created_at,conversation_id")
		if !since.IsZero() {
			query.Set("start_time", since.UTC().Format(time.RFC3339))
		}
		if nextToken != "" {
			query.Set("pagination_token", nextToken)
		}
		var result postPage
		if err := c.do(ctx, apiRequest{
			operation: opUserPosts,
			method:    http.MethodGet,
			path:      "/users/" + url.PathEscape(userID) + "/tweets",
			query:     query,
			bearer:    accessToken,
		}, &result); err != nil {
			return Post{}, false, err
		}
		if post, ok := firstMatch(result.Data, phrase, since); ok {
			return post, true, nil
		}
		nextToken = result.Meta.NextToken
		if nextToken == "" {
			break
		}
	}
	return Post{}, false, nil
}

// SearchRecent runs an app-only recent search.
func (c *Client) SearchRecent(ctx context.Context, query string, since time.Time, maxResults int) ([]Post, error) {
	if !c.HasAppToken() {
		return nil, ErrAppTokenMissing
	}
	switch {
	case maxResults < searchMinResults:
		maxResults = searchMinResults
	case maxResults > searchMaxResults:
		maxResults = searchMaxResults
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("tweet.fields", "author_id,created_at,conversation_id")
	params.Set("max_results", strconv.Itoa(maxResults))
	if !since.IsZero() {
		params.Set("start_time", since.UTC().Format(time.RFC3339))
	}
	var result postPage
	if err := c.do(ctx, apiRequest{
		operation: opSearchRecent,
		method:    http.MethodGet,
		path:      "/tweets/search/recent",
		query:     params,
		bearer:    c.bearerToken,
	}, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// FindPhrasePost searches for an original post by handle containing phrase since the given time.
func (c *Client) FindPhrasePost(ctx context.Context, handle, phrase string, since time.Time) (Post, bool, error) {
	query := fmt.Sprintf("from:%s %s -is:retweet", searchHandle(handle), searchTerm(phrase))
	return c.searchFirst(ctx, query, phrase, since)
}

// FindTaggedPhrasePost is FindPhrasePost restricted to posts mentioning target.
func (c *Client) FindTaggedPhrasePost(ctx context.Context, handle, target, phrase string, since time.Time) (Post, bool, error) {
	query := fmt.Sprintf("from:%s @%s %s -is:retweet", searchHandle(handle), searchHandle(target), searchTerm(phrase))
	return c.searchFirst(ctx, query, phrase, since)
}

// FindReply searches for a reply by handle containing phrase inside conversationID.
func (c *Client) FindReply(ctx context.Context, handle, conversationID, phrase string) (Post, bool, error) {
	query := fmt.Sprintf("conversation_id:%s from:%s %s", strings.TrimSpace(conversationID), searchHandle(handle), searchTerm(phrase))
	return c.searchFirst(ctx, query, phrase, time.Time{})
}

func (c *Client) searchFirst(ctx context.Context, query, phrase string, since time.Time) (Post, bool, error) {
	posts, err := c.SearchRecent(ctx, query, since, searchMinResults)
	if err != nil {
		return Post{}, false, err
	}
	post, ok := firstMatch(posts, phrase, since)
	return post, ok, nil
}

func firstMatch(posts []Post, phrase string, since time.Time) (Post, bool) {
	for _, post := range posts {
		if !since.IsZero() && !post.CreatedAt.IsZero() && post.CreatedAt.Before(since) {
			continue
		}
		if ContainsPhrase(post.Text, phrase) {
			return post, true
		}
	}
	return Post{}, false
}

func searchHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

func searchTerm(phrase string) string {
	trimmed := strings.TrimSpace(phrase)
	if strings.ContainsAny(trimmed, " \t") {
		return strconv.Quote(trimmed)
	}
	return trimmed
}
