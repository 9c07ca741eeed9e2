package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log" // Use global logger
)

// Config holds all configuration fields for the application.
// Keys are the lower-cased environment variable names; a TOML file may use the same keys.
type Config struct {
	ClientID     string `koanf:"teams_client_id"`
	ClientSecret string `koanf:"teams_client_secret"`
	TenantID     string `koanf:"teams_tenant_id"`
	RedirectURI  string `koanf:"teams_redirect_uri"`
	AuthorityURL string `koanf:"teams_authority_url"` // login.microsoftonline.com unless overridden
	GraphBaseURL string `koanf:"graph_base_url"`

	DatabaseURL string `koanf:"database_url"`
	Port        string `koanf:"port"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"` // "console" or "json"
	AppBaseURL  string `koanf:"app_base_url"`
	APIKey      string `koanf:"api_key"`

	DefaultTimezone      string        `koanf:"default_timezone"`
	EnabledDocumentTypes []string      `koanf:"enabled_document_types"`
	RequestTimeout       time.Duration `koanf:"request_timeout"`
	GraphRateLimit       float64       `koanf:"graph_rate_limit"` // requests per second, 0 disables
	GraphRateBurst       int           `koanf:"graph_rate_burst"`
	MessageRetentionDays int           `koanf:"message_retention_days"`

	WebhookURL          string   `koanf:"webhook_url"`
	RabbitMQURL         string   `koanf:"rabbitmq_url"`
	RabbitMQQueue       string   `koanf:"rabbitmq_queue"`
	RabbitMQQueuePrefix string   `koanf:"rabbitmq_queue_prefix"`
	AMQPSpecificEvents  []string `koanf:"amqp_specific_events"`

	S3Enabled   bool   `koanf:"s3_enabled"`
	S3Endpoint  string `koanf:"s3_endpoint"`
	S3Region    string `koanf:"s3_region"`
	S3Bucket    string `koanf:"s3_bucket"`
	S3AccessKey string `koanf:"s3_access_key"`
	S3SecretKey string `koanf:"s3_secret_key"`
	S3PathStyle bool   `koanf:"s3_path_style"`
	S3PublicURL string `koanf:"s3_public_url"`
}

// ConfigFileEnv names the environment variable that may point at a TOML file.
const ConfigFileEnv = "TEAMS_CONFIG_FILE"

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"teams_client_id":        "",
		"teams_client_secret":    "",
		"teams_tenant_id":        "",
		"teams_redirect_uri":     "",
		"teams_authority_url":    "https://login.microsoftonline.com",
		"graph_base_url":         "https://graph.microsoft.com/v1.0",
		"database_url":           "sqlite://teamsbridge.db",
		"port":                   "8080",
		"log_level":              "info",
		"log_format":             "console",
		"app_base_url":           "",
		"api_key":                "",
		"default_timezone":       "Asia/Kolkata",
		"enabled_document_types": []string{"Event", "Project"},
		"request_timeout":        "30s",
		"graph_rate_limit":       10.0,
		"graph_rate_burst":       5,
		"message_retention_days": 30,
		"webhook_url":            "",
		"rabbitmq_url":           "",
		"rabbitmq_queue":         "teams_events",
		"rabbitmq_queue_prefix":  "teamsbridge",
		"amqp_specific_events":   []string{},
		"s3_enabled":             false,
		"s3_endpoint":            "",
		"s3_region":              "us-east-1",
		"s3_bucket":              "",
		"s3_access_key":          "",
		"s3_secret_key":          "",
		"s3_path_style":          false,
		"s3_public_url":          "",
	}
}

// LoadConfig loads configuration from defaults, an optional TOML file and the environment.
// It attempts to load a .env file first; environment variables take precedence over the file.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	k := koanf.New(".")
	known := defaults()
	if err := k.Load(confmap.Provider(known, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading config defaults: %w", err)
	}

	if configPath == "" {
		configPath = os.Getenv(ConfigFileEnv)
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("Loaded configuration file")
	}

	// Only variables matching a known key are picked up. List keys take comma-separated values.
	err := k.Load(env.ProviderWithValue("", ".", func(s, v string) (string, interface{}) {
		key := strings.ToLower(s)
		def, ok := known[key]
		if !ok {
			return "", nil
		}
		if _, isList := def.([]string); isList {
			return key, strings.Split(v, ",")
		}
		return key, v
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.normalize()

	log.Info().Msg("Configuration loading complete.")
	return &cfg, nil
}

func (c *Config) normalize() {
	c.AuthorityURL = strings.TrimSuffix(c.AuthorityURL, "/")
	c.GraphBaseURL = strings.TrimSuffix(c.GraphBaseURL, "/")
	c.AppBaseURL = strings.TrimSuffix(c.AppBaseURL, "/")

	c.EnabledDocumentTypes = compact(c.EnabledDocumentTypes)
	c.AMQPSpecificEvents = compact(c.AMQPSpecificEvents)
}

// compact trims every entry and drops the empty ones.
func compact(list []string) []string {
	out := list[:0]
	for _, v := range list {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// HasClientCredentials reports whether the OAuth client is fully configured.
func (c *Config) HasClientCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" && c.RedirectURI != ""
}

var guidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// IsGUID reports whether s looks like a directory (tenant) identifier.
func IsGUID(s string) bool {
	return guidPattern.MatchString(strings.ToLower(s))
}

// Validate reports configuration errors. They are fatal: nothing here is retried.
// Missing OAuth client fields are allowed because they can be supplied later through the settings API.
func Validate(c *Config) error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.GraphBaseURL == "" {
		return fmt.Errorf("graph_base_url is required")
	}
	if _, err := url.ParseRequestURI(c.GraphBaseURL); err != nil {
		return fmt.Errorf("graph_base_url is invalid: %w", err)
	}
	if c.RedirectURI != "" && !strings.HasPrefix(c.RedirectURI, "http://") && !strings.HasPrefix(c.RedirectURI, "https://") {
		return fmt.Errorf("teams_redirect_uri must start with http:// or https://")
	}
	if c.TenantID != "" && !IsGUID(c.TenantID) && c.TenantID != "common" && c.TenantID != "organizations" {
		return fmt.Errorf("teams_tenant_id should be a GUID")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("default_timezone %q is invalid: %w", c.DefaultTimezone, err)
	}
	if c.S3Enabled && c.S3Bucket == "" {
		return fmt.Errorf("s3_bucket is required when s3_enabled is set")
	}
	return nil
}
