package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "COEDIT"
	defaultHTTPAddress          = "0.0.0.0:8000"
	defaultDatabasePath         = "editor.db"
	defaultLogLevel             = "info"
	defaultRevisionRetention    = 50
	defaultRevisionListLimit    = 10
	defaultRealtimeWriteTimeout = 10 * time.Second
	defaultRealtimeSendQueue    = 256
)

var defaultAllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

// AppConfig captures runtime configuration for the editor server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	RevisionRetention    int
	RevisionListLimit    int
	RealtimeWriteTimeout time.Duration
	RealtimeSendQueue    int
	AllowedOrigins       []string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("revisions.retention", defaultRevisionRetention)
	configViper.SetDefault("revisions.default_limit", defaultRevisionListLimit)
	configViper.SetDefault("realtime.write_timeout", defaultRealtimeWriteTimeout)
	configViper.SetDefault("realtime.send_queue_size", defaultRealtimeSendQueue)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		RevisionRetention:    configViper.GetInt("revisions.retention"),
		RevisionListLimit:    configViper.GetInt("revisions.default_limit"),
		RealtimeWriteTimeout: configViper.GetDuration("realtime.write_timeout"),
		RealtimeSendQueue:    configViper.GetInt("realtime.send_queue_size"),
		AllowedOrigins:       normalizeOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RevisionRetention <= 0 {
		return fmt.Errorf("revisions.retention must be positive, got %d", c.RevisionRetention)
	}
	if c.RevisionListLimit <= 0 {
		return fmt.Errorf("revisions.default_limit must be positive, got %d", c.RevisionListLimit)
	}
	if c.RealtimeWriteTimeout <= 0 {
		return fmt.Errorf("realtime.write_timeout must be positive, got %s", c.RealtimeWriteTimeout)
	}
	if c.RealtimeSendQueue <= 0 {
		return fmt.Errorf("realtime.send_queue_size must be positive, got %d", c.RealtimeSendQueue)
	}
	return nil
}

// normalizeOrigins accepts either a list or a single comma separated value from the environment.
func normalizeOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
