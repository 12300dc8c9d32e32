// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the Mailgun bridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxBodySize is 30 MB in bytes.
const defaultMaxBodySize = 31457280

const (
	defaultListen         = ":8080"
	defaultBasePath       = "/mailgun"
	defaultForwardTimeout = 60 * time.Second
	defaultMaxAttachments = 100
	defaultAPIUsername    = "system"
)

// Provider names accepted by the provider setting.
const (
	ProviderDiscourse = "discourse"
	ProviderSES       = "ses"
	ProviderGraph     = "graph"
	ProviderSMTP      = "smtp"
	ProviderStdout    = "stdout"
)

// Replay backends.
const (
	ReplayMemory = "memory"
	ReplayRedis  = "redis"
	ReplayNone   = "none"
)

// TLS modes.
const (
	TLSOff        = "off"
	TLSFile       = "file"
	TLSSelfSigned = "self-signed"
)

// Config holds the complete application configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Mailgun   MailgunConfig   `yaml:"mailgun"`
	Replay    ReplayConfig    `yaml:"replay"`
	Provider  string          `yaml:"provider"`
	Discourse DiscourseConfig `yaml:"discourse"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	SMTPRelay SMTPRelayConfig `yaml:"smtp_relay"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HTTPConfig holds the webhook listener configuration.
type HTTPConfig struct {
	Listen         string        `yaml:"listen"`
	BasePath       string        `yaml:"base_path"`
	MaxBodySize    int64         `yaml:"max_body_size"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
}

// MailgunConfig holds the webhook signing key and message limits.
type MailgunConfig struct {
	SigningKey     string `yaml:"signing_key"`
	MaxAttachments int    `yaml:"max_attachments"`
}

// ReplayConfig selects where seen webhook tokens are remembered.
type ReplayConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// DiscourseConfig holds the Discourse admin API settings.
type DiscourseConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	APIUsername string `yaml:"api_username"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string   `yaml:"region"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	Sender          string   `yaml:"sender"`
	Recipients      []string `yaml:"recipients"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SMTPRelayConfig holds the upstream SMTP relay settings.
type SMTPRelayConfig struct {
	Addr       string   `yaml:"addr"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Security   string   `yaml:"security"`
	Sender     string   `yaml:"sender"`
	Recipients []string `yaml:"recipients"`
	Helo       string   `yaml:"helo"`
}

// TLSConfig holds the HTTPS mode and certificate file paths.
type TLSConfig struct {
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IncomingPath returns the route Mailgun posts notifications to.
func (c *Config) IncomingPath() string {
	return strings.TrimRight(c.HTTP.BasePath, "/") + "/incoming"
}

// ProviderName returns the configured provider. When none is set, discourse
// is chosen if it is fully configured and stdout otherwise.
func (c *Config) ProviderName() string {
	if c.Provider != "" {
		return c.Provider
	}
	if c.DiscourseConfigured() {
		return ProviderDiscourse
	}
	return ProviderStdout
}

// DiscourseConfigured returns true if the base URL, API key and API
// username are set.
func (c *Config) DiscourseConfigured() bool {
	return c.Discourse.BaseURL != "" &&
		c.Discourse.APIKey != "" &&
		c.Discourse.APIUsername != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the region and the verified sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// SMTPRelayConfigured returns true if a relay address is set.
func (c *Config) SMTPRelayConfigured() bool {
	return c.SMTPRelay.Addr != ""
}

// Validate reports every problem that would stop the bridge from serving.
func (c *Config) Validate() error {
	var errs []error

	if c.Mailgun.SigningKey == "" {
		errs = append(errs, errors.New("mailgun signing key is required (MAILGUN_SIGNING_KEY)"))
	}
	if c.Mailgun.MaxAttachments < 0 {
		errs = append(errs, fmt.Errorf("mailgun max_attachments must not be negative, got %d", c.Mailgun.MaxAttachments))
	}
	if c.HTTP.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("http max_body_size must be positive, got %d", c.HTTP.MaxBodySize))
	}
	if c.HTTP.ForwardTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http forward_timeout must be positive, got %s", c.HTTP.ForwardTimeout))
	}
	if !strings.HasPrefix(c.HTTP.BasePath, "/") {
		errs = append(errs, fmt.Errorf("http base_path must start with /, got %q", c.HTTP.BasePath))
	}
	if strings.ContainsAny(c.HTTP.BasePath, " \t\r\n{}") {
		errs = append(errs, fmt.Errorf("http base_path must not contain whitespace or braces, got %q", c.HTTP.BasePath))
	}

	switch c.Replay.Backend {
	case ReplayMemory, ReplayNone:
	case ReplayRedis:
		if c.Replay.RedisAddr == "" {
			errs = append(errs, errors.New("replay backend redis requires redis_addr (REPLAY_REDIS_ADDR)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown replay backend %q", c.Replay.Backend))
	}

	switch name := c.ProviderName(); name {
	case ProviderDiscourse:
		if !c.DiscourseConfigured() {
			errs = append(errs, errors.New("discourse provider requires base_url, api_key and api_username"))
		}
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses provider requires region and sender"))
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph provider requires tenant_id, client_id, client_secret and sender"))
		}
	case ProviderSMTP:
		if !c.SMTPRelayConfigured() {
			errs = append(errs, errors.New("smtp provider requires smtp_relay addr"))
		}
	case ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", name))
	}

	switch c.TLS.Mode {
	case TLSOff, TLSSelfSigned:
	case TLSFile:
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			errs = append(errs, errors.New("tls mode file requires cert_file and key_file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tls mode %q", c.TLS.Mode))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = defaultListen
	c.HTTP.BasePath = defaultBasePath
	c.HTTP.MaxBodySize = defaultMaxBodySize
	c.HTTP.ForwardTimeout = defaultForwardTimeout
	c.Mailgun.MaxAttachments = defaultMaxAttachments
	c.Replay.Backend = ReplayMemory
	c.Discourse.APIUsername = defaultAPIUsername
	c.TLS.Mode = TLSOff
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values. Numeric
// values that do not parse are reported rather than ignored.
func (c *Config) applyEnvVars() error {
	setString(&c.HTTP.Listen, "HTTP_LISTEN")
	setString(&c.HTTP.BasePath, "HTTP_BASE_PATH")
	if v := os.Getenv("HTTP_MAX_BODY_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid HTTP_MAX_BODY_SIZE %q: %w", v, err)
		}
		c.HTTP.MaxBodySize = size
	}
	if v := os.Getenv("HTTP_FORWARD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_FORWARD_TIMEOUT %q: %w", v, err)
		}
		c.HTTP.ForwardTimeout = d
	}

	setString(&c.Mailgun.SigningKey, "MAILGUN_SIGNING_KEY")
	if v := os.Getenv("MAILGUN_MAX_ATTACHMENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAILGUN_MAX_ATTACHMENTS %q: %w", v, err)
		}
		c.Mailgun.MaxAttachments = n
	}

	if v := os.Getenv("REPLAY_BACKEND"); v != "" {
		c.Replay.Backend = strings.ToLower(v)
	}
	setString(&c.Replay.RedisAddr, "REPLAY_REDIS_ADDR")
	setString(&c.Replay.RedisPassword, "REPLAY_REDIS_PASSWORD")
	if v := os.Getenv("REPLAY_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REPLAY_REDIS_DB %q: %w", v, err)
		}
		c.Replay.RedisDB = n
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.Discourse.BaseURL, "DISCOURSE_BASE_URL")
	setString(&c.Discourse.APIKey, "DISCOURSE_API_KEY")
	setString(&c.Discourse.APIUsername, "DISCOURSE_API_USERNAME")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")
	setList(&c.SES.Recipients, "SES_RECIPIENTS")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.SMTPRelay.Addr, "SMTP_RELAY_ADDR")
	setString(&c.SMTPRelay.Username, "SMTP_RELAY_USERNAME")
	setString(&c.SMTPRelay.Password, "SMTP_RELAY_PASSWORD")
	if v := os.Getenv("SMTP_RELAY_SECURITY"); v != "" {
		c.SMTPRelay.Security = strings.ToLower(v)
	}
	setString(&c.SMTPRelay.Sender, "SMTP_RELAY_SENDER")
	setList(&c.SMTPRelay.Recipients, "SMTP_RELAY_RECIPIENTS")
	setString(&c.SMTPRelay.Helo, "SMTP_RELAY_HELO")

	if v := os.Getenv("TLS_MODE"); v != "" {
		c.TLS.Mode = strings.ToLower(v)
	}
	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setList reads a comma-separated list, dropping empty entries.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
