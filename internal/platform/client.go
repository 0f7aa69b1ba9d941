package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ribbit/backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAPIBase        = "https://api.x.com/2"
	defaultRequestTimeout = 10 * time.Second
	defaultRatePerSecond  = 5
	defaultRateBurst      = 10
	maxResponseBytes      = 1 << 20
)

// Config configures the X API client.
type Config struct {
	APIBase        string
	ClientID       string
	ClientSecret   string
	BearerToken    string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
	HTTPClient     *http.Client
	Clock          func() time.Time
	Logger         *zap.Logger
	Metrics        *metrics.Collectors
}

// Client performs single REST operations against the X API v2. It holds no per-user state.
type Client struct {
	apiBase      string
	clientID     string
	clientSecret string
	bearerToken  string
	timeout      time.Duration
	httpClient   *http.Client
	limiter      *rate.Limiter
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Collectors
}

// NewClient constructs a Client with defaults for unset fields.
func NewClient(cfg Config) (*Client, error) {
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if _, err := url.ParseRequestURI(apiBase); err != nil {
		return nil, fmt.Errorf("platform: invalid api base: %w", err)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("platform: client id is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiBase:      apiBase,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		bearerToken:  strings.TrimSpace(cfg.BearerToken),
		timeout:      timeout,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(rate.Limit(perSecond), burst),
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// HasAppToken reports whether app-only search is available.
func (c *Client) HasAppToken() bool {
	return c.bearerToken != ""
}

type apiRequest struct {
	operation string
	method    string
	path      string
	query     url.Values
	form      url.Values
	bearer    string
	basicAuth bool
}

// do executes req and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, req apiRequest, out any) error {
	start := time.Now()
	err := c.execute(ctx, req, out)
	outcome := "ok"
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			outcome = string(apiErr.Kind)
		} else {
			outcome = "error"
		}
		c.logger.Debug("platform call failed",
			zap.String("operation", req.operation),
			zap.Error(err))
	}
	c.metrics.ObservePlatformCall(req.operation, outcome, time.Since(start))
	return err
}

func (c *Client) execute(ctx context.Context, req apiRequest, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(callCtx); err != nil {
		return &APIError{Kind: KindUpstream, Operation: req.operation, Err: err}
	}

	endpoint := c.apiBase + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}
	var body io.Reader
	if req.form != nil {
		body = strings.NewReader(req.form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.method, endpoint, body)
	if err != nil {
		return &APIError{Kind: KindUpstream, Operation: req.operation, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	switch {
	case req.basicAuth && c.clientSecret != "":
		httpReq.SetBasicAuth(c.clientID, c.clientSecret)
	case req.bearer != "":
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &APIError{Kind: KindUpstream, Operation: req.operation, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &APIError{Kind: KindUpstream, Operation: req.operation, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Kind:      kindForStatus(resp.StatusCode),
			Operation: req.operation,
			Status:    resp.StatusCode,
			Body:      truncate(string(payload), 512),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &APIError{Kind: KindMalformed, Operation: req.operation, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func malformed(operation, reason string) error {
	return &APIError{Kind: KindMalformed, Operation: operation, Err: errors.New(reason)}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
