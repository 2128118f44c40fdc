// Package config loads gateway settings from HA_* environment variables,
// an optional YAML file, and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ppiankov/hassgate/internal/allowlist"
	"github.com/ppiankov/hassgate/internal/authz"
	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/transport"
)

// EnvPrefix is prepended to every key when reading the environment.
const EnvPrefix = "HA"

// File holds the raw settings as read by viper. Keys match the environment
// variables without the HA_ prefix, lowercased.
type File struct {
	URL                   string  `mapstructure:"url"`
	Token                 string  `mapstructure:"token"`
	Mode                  string  `mapstructure:"mcp_mode"`
	AllowedServices       string  `mapstructure:"allowed_services"`
	VerifyTLS             string  `mapstructure:"verify_tls"`
	RequestTimeoutSeconds float64 `mapstructure:"request_timeout_seconds"`
	MaxAttempts           int     `mapstructure:"max_attempts"`
	RetryBaseMS           int     `mapstructure:"retry_base_ms"`
	RetryMaxMS            int     `mapstructure:"retry_max_ms"`
	SSHEnable             string  `mapstructure:"ssh_enable"`
	SSHHost               string  `mapstructure:"ssh_host"`
	SSHUser               string  `mapstructure:"ssh_user"`
	SSHPort               int     `mapstructure:"ssh_port"`
	SSHKeyPath            string  `mapstructure:"ssh_key_path"`
	SSHPassword           string  `mapstructure:"ssh_password"`
	SSHKnownHosts         string  `mapstructure:"ssh_known_hosts"`
	AuditLog              string  `mapstructure:"audit_log"`
	MetricsAddr           string  `mapstructure:"metrics_addr"`
}

var defaults = map[string]any{
	"url":                     "",
	"token":                   "",
	"mcp_mode":                string(model.ReadOnly),
	"allowed_services":        "",
	"verify_tls":              "true",
	"request_timeout_seconds": transport.DefaultTimeout.Seconds(),
	"max_attempts":            transport.DefaultMaxAttempts,
	"retry_base_ms":           int(transport.DefaultBaseDelay / time.Millisecond),
	"retry_max_ms":            int(transport.DefaultMaxDelay / time.Millisecond),
	"ssh_enable":              "false",
	"ssh_host":                "",
	"ssh_user":                "",
	"ssh_port":                22,
	"ssh_key_path":            "",
	"ssh_password":            "",
	"ssh_known_hosts":         "",
	"audit_log":               "",
	"metrics_addr":            "",
}

// Overrides are command-line values that take precedence over the
// environment and the config file. Empty fields are ignored.
type Overrides struct {
	ConfigFile      string
	Mode            string
	URL             string
	AllowedServices string
	NoVerifyTLS     bool
}

// SSH holds the shell transport settings.
type SSH struct {
	Enabled        bool
	Host           string
	Port           int
	User           string
	KeyPath        string
	Password       string
	KnownHostsPath string
}

// Config is the validated, immutable gateway configuration.
type Config struct {
	URL       string
	Token     string
	Mode      model.Mode
	Allowlist []string
	// Patterns dropped from HA_ALLOWED_SERVICES because they are malformed.
	Rejected    []string
	VerifyTLS   bool
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	SSH         SSH
	AuditLog    string
	MetricsAddr string
}

// Load reads configuration from the environment, the optional config file
// and ov, then validates it.
func Load(ov Overrides) (*Config, error) {
	raw, err := read(ov)
	if err != nil {
		return nil, err
	}
	return raw.Resolve()
}

// LoadPolicy reads only the authorization settings. Unlike Load it does not
// require a hub URL or token. Malformed allowlist patterns are returned in
// rejected.
func LoadPolicy(ov Overrides) (p *authz.Policy, rejected []string, err error) {
	raw, err := read(ov)
	if err != nil {
		return nil, nil, err
	}
	mode, err := model.ParseMode(raw.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("HA_MCP_MODE: %w", err)
	}
	patterns, rejected := allowlist.Parse(raw.AllowedServices)
	return &authz.Policy{
		Mode:       mode,
		Allowlist:  patterns,
		SSHEnabled: enabled(raw.SSHEnable),
	}, rejected, nil
}

func read(ov Overrides) (File, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if ov.ConfigFile != "" {
		v.SetConfigFile(ov.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return File{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if ov.Mode != "" {
		v.Set("mcp_mode", ov.Mode)
	}
	if ov.URL != "" {
		v.Set("url", ov.URL)
	}
	if ov.AllowedServices != "" {
		v.Set("allowed_services", ov.AllowedServices)
	}
	if ov.NoVerifyTLS {
		v.Set("verify_tls", "false")
	}

	var raw File
	if err := v.Unmarshal(&raw); err != nil {
		return File{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return raw, nil
}

// SSH is on only for an explicit "true".
func enabled(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

// Resolve validates raw settings and derives the typed configuration.
func (f File) Resolve() (*Config, error) {
	base := strings.TrimRight(strings.TrimSpace(f.URL), "/")
	token := strings.TrimSpace(f.Token)
	if base == "" {
		return nil, errors.New("HA_URL environment variable is required")
	}
	if token == "" {
		return nil, errors.New("HA_TOKEN environment variable is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("HA_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("HA_URL must use http or https scheme, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("HA_URL is missing hostname: %s", base)
	}

	mode, err := model.ParseMode(f.Mode)
	if err != nil {
		return nil, fmt.Errorf("HA_MCP_MODE: %w", err)
	}

	if f.RequestTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("HA_REQUEST_TIMEOUT_SECONDS must be positive, got: %v", f.RequestTimeoutSeconds)
	}
	if f.MaxAttempts < 1 {
		return nil, fmt.Errorf("HA_MAX_ATTEMPTS must be at least 1, got: %d", f.MaxAttempts)
	}
	if f.RetryBaseMS < 0 || f.RetryMaxMS < f.RetryBaseMS {
		return nil, fmt.Errorf("retry delays must satisfy 0 <= HA_RETRY_BASE_MS <= HA_RETRY_MAX_MS, got %d and %d",
			f.RetryBaseMS, f.RetryMaxMS)
	}

	patterns, rejected := allowlist.Parse(f.AllowedServices)

	cfg := &Config{
		URL:         base,
		Token:       token,
		Mode:        mode,
		Allowlist:   patterns,
		Rejected:    rejected,
		VerifyTLS:   !strings.EqualFold(strings.TrimSpace(f.VerifyTLS), "false"),
		Timeout:     time.Duration(f.RequestTimeoutSeconds * float64(time.Second)),
		MaxAttempts: f.MaxAttempts,
		RetryBase:   time.Duration(f.RetryBaseMS) * time.Millisecond,
		RetryMax:    time.Duration(f.RetryMaxMS) * time.Millisecond,
		AuditLog:    strings.TrimSpace(f.AuditLog),
		MetricsAddr: strings.TrimSpace(f.MetricsAddr),
		SSH: SSH{
			Enabled:        enabled(f.SSHEnable),
			Host:           strings.TrimSpace(f.SSHHost),
			Port:           f.SSHPort,
			User:           strings.TrimSpace(f.SSHUser),
			KeyPath:        strings.TrimSpace(f.SSHKeyPath),
			Password:       strings.TrimSpace(f.SSHPassword),
			KnownHostsPath: strings.TrimSpace(f.SSHKnownHosts),
		},
	}

	if cfg.SSH.Enabled {
		if cfg.SSH.Host == "" {
			cfg.SSH.Host = u.Hostname()
		}
		if cfg.SSH.User == "" {
			return nil, errors.New("HA_SSH_USER is required when HA_SSH_ENABLE=true")
		}
		if cfg.SSH.Port < 1 || cfg.SSH.Port > 65535 {
			return nil, fmt.Errorf("HA_SSH_PORT must be a valid port, got: %d", cfg.SSH.Port)
		}
	}
	return cfg, nil
}

// Warnings lists configuration choices an operator should know about.
func (c *Config) Warnings() []string {
	var w []string
	for _, p := range c.Rejected {
		w = append(w, fmt.Sprintf("ignoring invalid service pattern %q", p))
	}
	if !c.VerifyTLS {
		w = append(w, "TLS verification disabled - this is insecure for production use")
	}
	if c.Mode == model.ReadWrite {
		switch {
		case allowlist.AllowsAll(c.Allowlist):
			w = append(w, "service allowlist: ALL (wildcard)")
		case len(c.Allowlist) == 0:
			w = append(w, "service allowlist: EMPTY - no service calls will be allowed")
		}
	}
	if c.SSH.Enabled && c.SSH.KeyPath == "" && c.SSH.Password == "" {
		w = append(w, "neither HA_SSH_KEY_PATH nor HA_SSH_PASSWORD set - will attempt SSH agent")
	}
	if c.SSH.Enabled && c.SSH.KnownHostsPath == "" {
		w = append(w, "HA_SSH_KNOWN_HOSTS not set - SSH host key is not verified")
	}
	return w
}

// Policy builds the authorization policy.
func (c *Config) Policy() *authz.Policy {
	return &authz.Policy{
		Mode:       c.Mode,
		Allowlist:  append([]string(nil), c.Allowlist...),
		SSHEnabled: c.SSH.Enabled,
	}
}

// RetryPolicy builds the transport retry policy.
func (c *Config) RetryPolicy() transport.Policy {
	p := transport.DefaultPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.Timeout = c.Timeout
	p.Backoff = transport.Backoff{Base: c.RetryBase, Max: c.RetryMax}
	return p
}

// REST returns the REST client settings.
func (c *Config) REST() transport.RESTConfig {
	return transport.RESTConfig{BaseURL: c.URL, Token: c.Token, VerifyTLS: c.VerifyTLS}
}

// WebSocket returns the WebSocket client settings.
func (c *Config) WebSocket() transport.WebSocketConfig {
	return transport.WebSocketConfig{BaseURL: c.URL, Token: c.Token, VerifyTLS: c.VerifyTLS}
}

// Shell returns the SSH client settings.
func (c *Config) Shell() transport.ShellConfig {
	return transport.ShellConfig{
		Host:           c.SSH.Host,
		Port:           c.SSH.Port,
		User:           c.SSH.User,
		KeyPath:        c.SSH.KeyPath,
		Password:       c.SSH.Password,
		KnownHostsPath: c.SSH.KnownHostsPath,
	}
}

// Summary renders the configuration without secrets, one "key: value" pair
// per entry, in display order.
func (c *Config) Summary() [][2]string {
	allow := strings.Join(c.Allowlist, ", ")
	if allow == "" {
		allow = "(none)"
	}
	rows := [][2]string{
		{"URL", c.URL},
		{"Mode", string(c.Mode)},
		{"Allowed services", allow},
		{"TLS verification", fmt.Sprintf("%t", c.VerifyTLS)},
		{"Request timeout", c.Timeout.String()},
		{"Retry", fmt.Sprintf("%d attempts, %s..%s backoff", c.MaxAttempts, c.RetryBase, c.RetryMax)},
		{"SSH enabled", fmt.Sprintf("%t", c.SSH.Enabled)},
	}
	if c.SSH.Enabled {
		rows = append(rows, [2]string{"SSH target", fmt.Sprintf("%s@%s:%d", c.SSH.User, c.SSH.Host, c.SSH.Port)})
	}
	if c.AuditLog != "" {
		rows = append(rows, [2]string{"Audit log", c.AuditLog})
	}
	if c.MetricsAddr != "" {
		rows = append(rows, [2]string{"Metrics", c.MetricsAddr})
	}
	return rows
}
