package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLAB"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "collab.db"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 60
	defaultWritesPerSecond   = 20.0
	defaultWriteBurst        = 40
	defaultRealtimeBuffer    = 64
	defaultTokenIssuer       = "collab-auth"
	defaultTokenAudience     = "collab-api"
	defaultAllowedOriginList = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	TrustedProxies     []string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	TokenIssuer        string
	TokenAudience      string
	TokenTTL           time.Duration
	AnonKey            string
	AllowedOrigins     []string
	WritesPerSecond    float64
	WriteBurst         int
	RealtimeBufferSize int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	bindEnvironment(configViper)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.trusted_proxies", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("api.anon_key", "")
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOriginList)
	configViper.SetDefault("ratelimit.writes_per_second", defaultWritesPerSecond)
	configViper.SetDefault("ratelimit.burst", defaultWriteBurst)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBuffer)
}

func bindEnvironment(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		TrustedProxies:     splitList(configViper.GetString("http.trusted_proxies")),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenIssuer:        configViper.GetString("auth.issuer"),
		TokenAudience:      configViper.GetString("auth.audience"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AnonKey:            strings.TrimSpace(configViper.GetString("api.anon_key")),
		AllowedOrigins:     splitList(configViper.GetString("cors.allowed_origins")),
		WritesPerSecond:    configViper.GetFloat64("ratelimit.writes_per_second"),
		WriteBurst:         configViper.GetInt("ratelimit.burst"),
		RealtimeBufferSize: configViper.GetInt("realtime.buffer_size"),
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.WritesPerSecond <= 0 || c.WriteBurst <= 0 {
		return fmt.Errorf("ratelimit.writes_per_second and ratelimit.burst must be positive")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins is required")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
