package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "LAMRIM"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "lamrim-api.db"
	defaultLogLevel       = "info"
	defaultClientLogLevel = "warn"
	defaultIssuer         = "lamrim-api"
	defaultAudience       = "lamrim-devices"
	defaultTokenTTL       = 30 * 24 * time.Hour
	defaultStoreBackend   = StoreBackendSQLite
	defaultMaxAttempts    = 5
	defaultBaseDelay      = 200 * time.Millisecond
	applicationDirName    = "lamrim"
)

// Local store backends selectable by the client.
const (
	StoreBackendSQLite = "sqlite"
	StoreBackendFile   = "file"
)

// ServerConfig captures runtime configuration for the document store API.
type ServerConfig struct {
	HTTPAddress    string
	DatabasePath   string
	AllowedOrigins []string
	SigningSecret  string
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	LogLevel       string
}

// ClientConfig captures runtime configuration for the reader CLI.
type ClientConfig struct {
	DataDir         string
	StoreBackend    string
	RemoteURL       string
	AccessToken     string
	UserID          string
	Anonymous       bool
	LogLevel        string
	LogFile         string
	MaxAttempts     int
	BaseDelay       time.Duration
	WritesPerSecond float64
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
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("data.dir", DefaultDataDir())
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("client.log_level", defaultClientLogLevel)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.base_delay", defaultBaseDelay)
	configViper.SetDefault("sync.writes_per_second", 0.0)
}

// DefaultDataDir is the per-user directory holding the reader's local state.
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, applicationDirName)
}

// LoadServer parses the API server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		Audience:       configViper.GetString("auth.audience"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses the reader CLI configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		DataDir:         configViper.GetString("data.dir"),
		StoreBackend:    strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		RemoteURL:       strings.TrimSpace(configViper.GetString("remote.url")),
		AccessToken:     strings.TrimSpace(configViper.GetString("remote.token")),
		UserID:          strings.TrimSpace(configViper.GetString("user.id")),
		Anonymous:       configViper.GetBool("user.anonymous"),
		LogLevel:        configViper.GetString("client.log_level"),
		LogFile:         configViper.GetString("client.log_file"),
		MaxAttempts:     configViper.GetInt("sync.max_attempts"),
		BaseDelay:       configViper.GetDuration("sync.base_delay"),
		WritesPerSecond: configViper.GetFloat64("sync.writes_per_second"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

// RemoteEnabled reports whether a document store is configured.
func (c ClientConfig) RemoteEnabled() bool {
	return c.RemoteURL != ""
}

// DatabasePath is the SQLite file backing the local store.
func (c ClientConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "lamrim.db")
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	switch c.StoreBackend {
	case StoreBackendSQLite, StoreBackendFile:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreBackendSQLite, StoreBackendFile, c.StoreBackend)
	}
	if c.RemoteURL != "" && c.AccessToken == "" {
		return fmt.Errorf("remote.token is required when remote.url is set")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("sync.base_delay must be positive")
	}
	if c.WritesPerSecond < 0 {
		return fmt.Errorf("sync.writes_per_second must not be negative")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
