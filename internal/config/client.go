package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Variant selects which identity flow the client runs.
type Variant string

const (
	// VariantAnonymous identifies users by a self-chosen display name.
	VariantAnonymous Variant = "anonymous"
	// VariantAuthenticated requires an email/password session.
	VariantAuthenticated Variant = "authenticated"
)

const (
	defaultAPIURL         = "http://localhost:8080"
	defaultClientLogLevel = "warn"
	defaultDebounce       = 2 * time.Second
	defaultHistoryLimit   = 50
	defaultStateFileName  = "state.json"
)

// ClientConfig captures runtime configuration for the CLI client.
type ClientConfig struct {
	APIURL       string
	APIKey       string
	StatePath    string
	LogLevel     string
	Debounce     time.Duration
	HistoryLimit int
	Variant      Variant
}

// ApplyClientDefaults configures client defaults and env bindings.
func ApplyClientDefaults(configViper *viper.Viper) {
	bindEnvironment(configViper)

	configViper.SetDefault("api.url", defaultAPIURL)
	configViper.SetDefault("api.key", "")
	configViper.SetDefault("state.path", defaultStatePath())
	configViper.SetDefault("log.level", defaultClientLogLevel)
	configViper.SetDefault("editor.debounce", defaultDebounce)
	configViper.SetDefault("chat.history_limit", defaultHistoryLimit)
	configViper.SetDefault("app.variant", string(VariantAnonymous))
}

// NewClientViper returns a viper instance with client defaults configured.
func NewClientViper() *viper.Viper {
	configViper := viper.New()
	ApplyClientDefaults(configViper)
	return configViper
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIURL:       strings.TrimRight(strings.TrimSpace(configViper.GetString("api.url")), "/"),
		APIKey:       strings.TrimSpace(configViper.GetString("api.key")),
		StatePath:    configViper.GetString("state.path"),
		LogLevel:     configViper.GetString("log.level"),
		Debounce:     configViper.GetDuration("editor.debounce"),
		HistoryLimit: configViper.GetInt("chat.history_limit"),
		Variant:      Variant(strings.ToLower(strings.TrimSpace(configViper.GetString("app.variant")))),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api.url is required")
	}
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("api.url must be an http or https URL")
	}
	if strings.TrimSpace(c.StatePath) == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("editor.debounce must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("chat.history_limit must be positive")
	}
	switch c.Variant {
	case VariantAnonymous, VariantAuthenticated:
	default:
		return fmt.Errorf("app.variant must be %q or %q", VariantAnonymous, VariantAuthenticated)
	}
	return nil
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return defaultStateFileName
	}
	return filepath.Join(dir, "collab", defaultStateFileName)
}
