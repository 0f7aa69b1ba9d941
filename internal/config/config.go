package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "RIBBIT"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabasePath      = "ribbit.db"
	defaultLogLevel          = "info"
	defaultReturnURL         = "/"
	defaultPendingTTL        = 10 * time.Minute
	minimumPendingTTL        = 5 * time.Minute
	maximumPendingTTL        = 10 * time.Minute
	defaultCredentialTTL     = 7 * 24 * time.Hour
	defaultAPIBase           = "https://api.x.com/2"
	defaultAuthorizeURL      = "https://x.com/i/oauth2/authorize"
	defaultRequestTimeout    = 10 * time.Second
	defaultRatePerSecond     = 5.0
	defaultRateBurst         = 10
	defaultFollowingMaxPages = 5
	defaultPostsMaxPages     = 2
	defaultTargetHandle      = "JoinFroggys"
	defaultRequiredPhrase    = "RIBBIT"
	defaultRewardFollow      = 10
	defaultRewardPost        = 10
	defaultRewardReply       = 1
	defaultRewardScanPost    = 1
	defaultRewardScanTag     = 1
	defaultScanWindowHours   = 12
	maxScanWindowHours       = 168
	defaultScanConcurrency   = 4
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and its jobs.
type AppConfig struct {
	HTTPAddress string
	CORSOrigins []string
	ReturnURL   string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	SigningSecret string
	PendingTTL    time.Duration
	CredentialTTL time.Duration

	Platform PlatformConfig
	Target   TargetConfig
	Rewards  RewardConfig
	Scan     ScanConfig

	RequiredPhrase string
}

// PlatformConfig describes the X API client.
type PlatformConfig struct {
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	APIBase           string
	AuthorizeURL      string
	BearerToken       string
	RequestTimeout    time.Duration
	RatePerSecond     float64
	RateBurst         int
	FollowingMaxPages int
	PostsMaxPages     int
}

// TargetConfig names the account users must follow and the optional post they may reply to.
type TargetConfig struct {
	Handle string
	UserID string
	PostID string
}

// RewardConfig holds the point value of every award.
type RewardConfig struct {
	Follow   int
	Post     int
	Reply    int
	ScanPost int
	ScanTag  int
}

// ScanConfig drives the periodic re-scan.
type ScanConfig struct {
	WindowHours int
	Secret      string
	Schedule    string
	Concurrency int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{"*"})
	configViper.SetDefault("app.return_url", defaultReturnURL)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)

	configViper.SetDefault("auth.pending_ttl", defaultPendingTTL)
	configViper.SetDefault("auth.credential_ttl", defaultCredentialTTL)

	configViper.SetDefault("x.api_base", defaultAPIBase)
	configViper.SetDefault("x.authorize_url", defaultAuthorizeURL)
	configViper.SetDefault("x.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("x.rate_per_second", defaultRatePerSecond)
	configViper.SetDefault("x.rate_burst", defaultRateBurst)
	configViper.SetDefault("x.following_max_pages", defaultFollowingMaxPages)
	configViper.SetDefault("x.posts_max_pages", defaultPostsMaxPages)

	configViper.SetDefault("target.handle", defaultTargetHandle)
	configViper.SetDefault("verify.required_phrase", defaultRequiredPhrase)

	configViper.SetDefault("rewards.follow", defaultRewardFollow)
	configViper.SetDefault("rewards.post", defaultRewardPost)
	configViper.SetDefault("rewards.reply", defaultRewardReply)
	configViper.SetDefault("rewards.scan_post", defaultRewardScanPost)
	configViper.SetDefault("rewards.scan_tag", defaultRewardScanTag)

	configViper.SetDefault("scan.window_hours", defaultScanWindowHours)
	configViper.SetDefault("scan.concurrency", defaultScanConcurrency)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		CORSOrigins: configViper.GetStringSlice("http.cors_origins"),
		ReturnURL:   configViper.GetString("app.return_url"),
		LogLevel:    configViper.GetString("log.level"),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		PendingTTL:    configViper.GetDuration("auth.pending_ttl"),
		CredentialTTL: configViper.GetDuration("auth.credential_ttl"),

		Platform: PlatformConfig{
			ClientID:          configViper.GetString("x.client_id"),
			ClientSecret:      configViper.GetString("x.client_secret"),
			RedirectURI:       configViper.GetString("x.redirect_uri"),
			APIBase:           strings.TrimRight(configViper.GetString("x.api_base"), "/"),
			AuthorizeURL:      configViper.GetString("x.authorize_url"),
			BearerToken:       configViper.GetString("x.bearer_token"),
			RequestTimeout:    configViper.GetDuration("x.request_timeout"),
			RatePerSecond:     configViper.GetFloat64("x.rate_per_second"),
			RateBurst:         configViper.GetInt("x.rate_burst"),
			FollowingMaxPages: configViper.GetInt("x.following_max_pages"),
			PostsMaxPages:     configViper.GetInt("x.posts_max_pages"),
		},
		Target: TargetConfig{
			Handle: strings.TrimPrefix(strings.TrimSpace(configViper.GetString("target.handle")), "@"),
			UserID: strings.TrimSpace(configViper.GetString("target.user_id")),
			PostID: strings.TrimSpace(configViper.GetString("target.post_id")),
		},
		Rewards: RewardConfig{
			Follow:   configViper.GetInt("rewards.follow"),
			Post:     configViper.GetInt("rewards.post"),
			Reply:    configViper.GetInt("rewards.reply"),
			ScanPost: configViper.GetInt("rewards.scan_post"),
			ScanTag:  configViper.GetInt("rewards.scan_tag"),
		},
		Scan: ScanConfig{
			WindowHours: configViper.GetInt("scan.window_hours"),
			Secret:      configViper.GetString("scan.secret"),
			Schedule:    strings.TrimSpace(configViper.GetString("scan.schedule")),
			Concurrency: configViper.GetInt("scan.concurrency"),
		},
		RequiredPhrase: strings.TrimSpace(configViper.GetString("verify.required_phrase")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.PendingTTL < minimumPendingTTL || c.PendingTTL > maximumPendingTTL {
		return fmt.Errorf("auth.pending_ttl must be between %s and %s", minimumPendingTTL, maximumPendingTTL)
	}
	if c.CredentialTTL <= 0 {
		return fmt.Errorf("auth.credential_ttl must be positive")
	}
	if strings.TrimSpace(c.Platform.ClientID) == "" {
		return fmt.Errorf("x.client_id is required")
	}
	if _, err := url.ParseRequestURI(c.Platform.RedirectURI); err != nil {
		return fmt.Errorf("x.redirect_uri must be an absolute url: %w", err)
	}
	if _, err := url.ParseRequestURI(c.Platform.APIBase); err != nil {
		return fmt.Errorf("x.api_base must be an absolute url: %w", err)
	}
	if c.Platform.RequestTimeout <= 0 {
		return fmt.Errorf("x.request_timeout must be positive")
	}
	if c.Platform.FollowingMaxPages <= 0 || c.Platform.PostsMaxPages <= 0 {
		return fmt.Errorf("x page limits must be positive")
	}
	if c.Target.Handle == "" && c.Target.UserID == "" {
		return fmt.Errorf("target.handle or target.user_id is required")
	}
	if c.RequiredPhrase == "" {
		return fmt.Errorf("verify.required_phrase is required")
	}
	if c.Rewards.Follow <= 0 || c.Rewards.Post <= 0 || c.Rewards.Reply <= 0 || c.Rewards.ScanPost <= 0 || c.Rewards.ScanTag <= 0 {
		return fmt.Errorf("rewards must be positive")
	}
	if c.Scan.WindowHours <= 0 || c.Scan.WindowHours > maxScanWindowHours {
		return fmt.Errorf("scan.window_hours must be between 1 and %d", maxScanWindowHours)
	}
	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("scan.concurrency must be positive")
	}
	return nil
}

// ScanWindow returns the configured re-scan window as a duration.
func (c AppConfig) ScanWindow() time.Duration {
	return time.Duration(c.Scan.WindowHours) * time.Hour
}
