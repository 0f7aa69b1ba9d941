package platform

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	opCurrentUser    = "current_user"
	opUserByUsername = "user_by_username"
	opIsFollowing    = "is_following"

	followingPageSize        = 1000
	defaultFollowingMaxPages = 5
)

// User is an X account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type userEnvelope struct {
	Data *User `json:"data"`
}

type userPage struct {
	Data []User `json:"data"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

// CurrentUser returns the account that owns accessToken.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (User, error) {
	query := url.Values{}
	query.Set("user.fields", "username,name")
	var envelope userEnvelope
	if err := c.do(ctx, apiRequest{
		operation: opCurrentUser,
		method:    http.MethodGet,
		path:      "/users/me",
		query:     query,
		bearer:    accessToken,
	}, &envelope); err != nil {
		return User{}, err
	}
	if envelope.Data == nil || strings.TrimSpace(envelope.Data.ID) == "" {
		return User{}, malformed(opCurrentUser, "data.id missing")
	}
	return *envelope.Data, nil
}

// UserByUsername resolves a handle to an account using accessToken, or the app token when empty.
func (c *Client) UserByUsername(ctx context.Context, accessToken, username string) (User, error) {
	bearer := accessToken
	if bearer == "" {
		if !c.HasAppToken() {
			return User{}, ErrAppTokenMissing
		}
		bearer = c.bearerToken
	}
	handle := strings.TrimPrefix(strings.TrimSpace(username), "@")
	query := url.Values{}
	query.Set("user.fields", "username")
	var envelope userEnvelope
	if err := c.do(ctx, apiRequest{
		operation: opUserByUsername,
		method:    http.MethodGet,
		path:      "/users/by/username/" + url.PathEscape(handle),
		query:     query,
		bearer:    bearer,
	}, &envelope); err != nil {
		return User{}, err
	}
	if envelope.Data == nil || strings.TrimSpace(envelope.Data.ID) == "" {
		return User{}, malformed(opUserByUsername, "data.id missing")
	}
	return *envelope.Data, nil
}

// IsFollowing pages through the accounts sourceUserID follows, stopping at the
// first match or after maxPages pages.
func (c *Client) IsFollowing(ctx context.Context, accessToken, sourceUserID, targetUserID string, maxPages int) (bool, error) {
	if maxPages <= 0 {
		maxPages = defaultFollowingMaxPages
	}
	nextToken := ""
	for page := 0; page < maxPages; page++ {
		query := url.Values{}
		query.Set("max_results", strconv.Itoa(followingPageSize))
		query.Set("user.fields", "username")
		if nextToken != "" {
			query.Set("pagination_token", nextToken)
		}
		var result userPage
		if err := c.do(ctx, apiRequest{
			operation: opIsFollowing,
			method:    http.MethodGet,
			path:      "/users/" + url.PathEscape(sourceUserID) + "/following",
			query:     query,
			bearer:    accessToken,
		}, &result); err != nil {
			return false, err
		}
		for _, user := range result.Data {
			if user.ID == targetUserID {
				return true, nil
			}
		}
		nextToken = result.Meta.NextToken
		if nextToken == "" {
			break
		}
	}
	return false, nil
}
