package platform

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	opExchangeCode = "exchange_code"
	opRefresh      = "refresh_token"
)

// Token is the credential material returned by the token endpoint.
type Token struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	// ExpiresAt is zero when the platform did not report a lifetime.
	ExpiresAt time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeCode trades an authorization code and its verifier for a token.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (Token, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", codeVerifier)
	return c.requestToken(ctx, opExchangeCode, form)
}

// Refresh trades a refresh token for a new token. The platform may rotate the refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.requestToken(ctx, opRefresh, form)
}

func (c *Client) requestToken(ctx context.Context, operation string, form url.Values) (Token, error) {
	var response tokenResponse
	err := c.do(ctx, apiRequest{
		operation: operation,
		method:    http.MethodPost,
		path:      "/oauth2/token",
		form:      form,
		basicAuth: true,
	}, &response)
	if err != nil {
		return Token{}, err
	}
	if strings.TrimSpace(response.AccessToken) == "" {
		return Token{}, malformed(operation, "access_token missing")
	}
	token := Token{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		Scope:        response.Scope,
	}
	if response.ExpiresIn > 0 {
		token.ExpiresAt = c.clock().UTC().Add(time.Duration(response.ExpiresIn) * time.Second)
	}
	return token, nil
}
