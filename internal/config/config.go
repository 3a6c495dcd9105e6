package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "DISCUSS"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "slidediscuss.db"
	defaultLogLevel      = "info"
	defaultCookieName    = "discuss_session"
	defaultSessionIssuer = "slidediscuss"
	defaultAudience      = "discuss-host"
	defaultSessionTTL    = 12 * time.Hour
	defaultRateLimit     = 5.0
	defaultRateBurst     = 10
	defaultRelayBuffer   = 64
	defaultSiteURL       = "http://localhost:8080"
)

// AppConfig captures runtime configuration for the discussion host.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionCookieName    string
	SessionIssuer        string
	SessionAudience      string
	SessionTTL           time.Duration
	GoogleClientID       string
	GoogleJWKSURL        string
	AdminUserIDs         []string
	SideChannelRate      float64
	SideChannelBurst     int
	RelayBufferSize      int
}

// ClientConfig captures configuration for discussctl.
type ClientConfig struct {
	SiteURL     string
	AccessToken string
	Session     string
	UserID      string
	AdminUserID string
	LogLevel    string
	AssumeYes   bool
}

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.audience", defaultAudience)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("google.jwks_url", "")
	configViper.SetDefault("admin.user_ids", []string{})
	configViper.SetDefault("sidechannel.rate", defaultRateLimit)
	configViper.SetDefault("sidechannel.burst", defaultRateBurst)
	configViper.SetDefault("relay.buffer", defaultRelayBuffer)

	configViper.SetDefault("client.site_url", defaultSiteURL)
	configViper.SetDefault("client.assume_yes", false)
}

// Load parses host configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionAudience:      configViper.GetString("session.audience"),
		SessionTTL:           configViper.GetDuration("session.ttl"),
		GoogleClientID:       configViper.GetString("google.client_id"),
		GoogleJWKSURL:        configViper.GetString("google.jwks_url"),
		AdminUserIDs:         splitList(configViper.GetStringSlice("admin.user_ids")),
		SideChannelRate:      configViper.GetFloat64("sidechannel.rate"),
		SideChannelBurst:     configViper.GetInt("sidechannel.burst"),
		RelayBufferSize:      configViper.GetInt("relay.buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.SideChannelRate <= 0 || c.SideChannelBurst <= 0 {
		return fmt.Errorf("sidechannel.rate and sidechannel.burst must be positive")
	}
	if c.RelayBufferSize <= 0 {
		return fmt.Errorf("relay.buffer must be positive")
	}
	return nil
}

// LoadClient parses discussctl configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		SiteURL:     strings.TrimRight(configViper.GetString("client.site_url"), "/"),
		AccessToken: configViper.GetString("client.access_token"),
		Session:     configViper.GetString("client.session"),
		UserID:      configViper.GetString("client.user_id"),
		AdminUserID: configViper.GetString("client.admin_user_id"),
		LogLevel:    configViper.GetString("log.level"),
		AssumeYes:   configViper.GetBool("client.assume_yes"),
	}
	if strings.TrimSpace(cfg.SiteURL) == "" {
		return ClientConfig{}, fmt.Errorf("client.site_url is required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return ClientConfig{}, fmt.Errorf("client.access_token is required")
	}
	if strings.TrimSpace(cfg.Session) == "" {
		return ClientConfig{}, fmt.Errorf("client.session is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return ClientConfig{}, fmt.Errorf("client.user_id is required")
	}
	return cfg, nil
}

// splitList accepts both repeated values and comma separated env values.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
