// ABOUTME: Configuration loading and parsing for tablegate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when the config file leaves a field empty.
const (
	DefaultHTTPAddr        = "localhost:8787"
	DefaultDatabaseDriver  = "sqlite"
	DefaultTokenTTL        = 24 * time.Hour
	DefaultIdleTimeout     = 10 * time.Minute
	DefaultSweepInterval   = 30 * time.Second
	DefaultConnectTimeout  = 5 * time.Second
	DefaultIssuer          = "tablegate"
	DefaultMetricsPath     = "/metrics"
	DefaultOAuthProvider   = "github"
	githubAuthorizeURL     = "https://github.com/login/oauth/authorize"
	githubTokenURL         = "https://github.com/login/oauth/access_token"
	githubUserInfoURL      = "https://api.github.com/user"
	defaultGitHubUserScope = "read:user"
)

// Config represents the complete tablegate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	OAuth     OAuthConfig     `yaml:"oauth" toml:"oauth"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Access    AccessConfig    `yaml:"access" toml:"access"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// BaseURL is the externally reachable URL, used to build redirect and
	// endpoint links. Derived from http_addr when empty.
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS, needed for IdP callbacks from outside the tailnet
}

// DatabaseConfig describes the backend store that tools operate on.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" toml:"driver"` // "sqlite" (modernc) or "sqlite3" (cgo)
	DSN             string        `yaml:"dsn" toml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" toml:"max_idle_conns"`
	Pragmas         []string      `yaml:"pragmas" toml:"pragmas"`
	ConnMaxLifetime time.Duration `yaml:"-" toml:"-"`
	ConnectTimeout  time.Duration `yaml:"-" toml:"-"`

	ConnMaxLifetimeRaw string `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	ConnectTimeoutRaw  string `yaml:"connect_timeout" toml:"connect_timeout"`
}

// StoreConfig holds the gateway's own state database (principals, grants, sessions).
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// OAuthConfig configures the upstream identity provider.
type OAuthConfig struct {
	Provider     string   `yaml:"provider" toml:"provider"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url" toml:"redirect_url"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
	AuthorizeURL string   `yaml:"authorize_url" toml:"authorize_url"`
	TokenURL     string   `yaml:"token_url" toml:"token_url"`
	UserInfoURL  string   `yaml:"userinfo_url" toml:"userinfo_url"`
}

// AuthConfig holds bearer token configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string        `yaml:"issuer" toml:"issuer"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// AccessConfig maps identities to privilege tiers.
type AccessConfig struct {
	// AllowedLogins restricts who may authenticate at all. Empty means anyone
	// the identity provider vouches for.
	AllowedLogins []string `yaml:"allowed_logins" toml:"allowed_logins"`
	// PrivilegedLogins are granted the privileged tier (write access).
	PrivilegedLogins []string `yaml:"privileged_logins" toml:"privileged_logins"`
}

// SessionsConfig holds session lifecycle timing
type SessionsConfig struct {
	IdleTimeout   time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	IdleTimeoutRaw   string `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, formatFromPath(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config content in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Database.ConnectTimeout == 0 {
		c.Database.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.OAuth.Provider == "" {
		c.OAuth.Provider = DefaultOAuthProvider
	}
	if c.OAuth.Provider == "github" {
		if c.OAuth.AuthorizeURL == "" {
			c.OAuth.AuthorizeURL = githubAuthorizeURL
		}
		if c.OAuth.TokenURL == "" {
			c.OAuth.TokenURL = githubTokenURL
		}
		if c.OAuth.UserInfoURL == "" {
			c.OAuth.UserInfoURL = githubUserInfoURL
		}
		if len(c.OAuth.Scopes) == 0 {
			c.OAuth.Scopes = []string{defaultGitHubUserScope}
		}
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = c.defaultBaseURL()
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	if c.OAuth.RedirectURL == "" {
		c.OAuth.RedirectURL = c.Server.BaseURL + "/callback"
	}
}

func (c *Config) defaultBaseURL() string {
	if c.Tailscale.Enabled {
		if c.Tailscale.HTTPS || c.Tailscale.Funnel {
			return "https://" + c.Tailscale.Hostname
		}
		return "http://" + c.Tailscale.Hostname
	}
	return "http://" + c.Server.HTTPAddr
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q is not supported (use sqlite or sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
	}

	if c.OAuth.ClientID == "" {
		return fmt.Errorf("oauth.client_id is required")
	}
	if c.OAuth.ClientSecret == "" {
		return fmt.Errorf("oauth.client_secret is required")
	}
	if c.OAuth.AuthorizeURL == "" || c.OAuth.TokenURL == "" || c.OAuth.UserInfoURL == "" {
		return fmt.Errorf("oauth.authorize_url, oauth.token_url and oauth.userinfo_url are required for provider %q", c.OAuth.Provider)
	}

	if c.Sessions.SweepInterval > c.Sessions.IdleTimeout {
		return fmt.Errorf("sessions.sweep_interval (%s) must not exceed sessions.idle_timeout (%s)",
			c.Sessions.SweepInterval, c.Sessions.IdleTimeout)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.conn_max_lifetime", cfg.Database.ConnMaxLifetimeRaw, &cfg.Database.ConnMaxLifetime},
		{"database.connect_timeout", cfg.Database.ConnectTimeoutRaw, &cfg.Database.ConnectTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
