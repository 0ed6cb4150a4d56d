package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "STOCKPILE"
	defaultDotEnvFile    = ".env"
	defaultControlAddr   = "127.0.0.1:8765"
	defaultDatabasePath  = "stockpile-offline.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 30
	defaultSyncInterval  = 300
	defaultProbeInterval = 15
	defaultRetentionHrs  = 168
	defaultInitialDelay  = 1000
	defaultMaxDelay      = 30000
	defaultFactor        = 2.0
	defaultMaxRetries    = 5
	defaultEventsChannel = "stockpile-sync"
	defaultEventsBuffer  = 64
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	ServerBaseURL        string  `validate:"required,url"`
	WorkspaceID          string  `validate:"required"`
	AccessToken          string  `validate:"omitempty"`
	DatabasePath         string  `validate:"required"`
	LogLevel             string  `validate:"omitempty,oneof=debug info warn warning error"`
	ControlAddress       string  `validate:"required,hostname_port"`
	ControlSigningSecret string  `validate:"required,min=16"`
	ControlTokenTTL      int     `validate:"gt=0"`
	SyncIntervalSeconds  int     `validate:"gt=0"`
	ProbeIntervalSeconds int     `validate:"gt=0"`
	RetentionHours       int     `validate:"gt=0"`
	InitialDelayMillis   int     `validate:"gt=0"`
	MaxDelayMillis       int     `validate:"gtefield=InitialDelayMillis"`
	RetryFactor          float64 `validate:"gte=1"`
	MaxRetries           int     `validate:"gte=0"`
	EventsChannel        string  `validate:"required,excludesall=/ "`
	EventsBufferSize     int     `validate:"gt=0"`
}

// SyncInterval is the periodic trigger interval.
func (c AppConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// ProbeInterval is the connectivity probe interval.
func (c AppConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// Retention is how long queue entries are kept before the sweep drops them.
func (c AppConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// TokenTTL is the lifetime of issued control tokens.
func (c AppConfig) TokenTTL() time.Duration {
	return time.Duration(c.ControlTokenTTL) * time.Minute
}

// InitialDelay is the first retry backoff.
func (c AppConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMillis) * time.Millisecond
}

// MaxDelay caps the retry backoff.
func (c AppConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMillis) * time.Millisecond
}

// LoadDotEnv reads a .env file into the process environment when present.
// Variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{defaultDotEnvFile}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("control.address", defaultControlAddr)
	configViper.SetDefault("control.token_ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("sync.interval_seconds", defaultSyncInterval)
	configViper.SetDefault("sync.probe_interval_seconds", defaultProbeInterval)
	configViper.SetDefault("sync.retention_hours", defaultRetentionHrs)
	configViper.SetDefault("retry.initial_delay_ms", defaultInitialDelay)
	configViper.SetDefault("retry.max_delay_ms", defaultMaxDelay)
	configViper.SetDefault("retry.factor", defaultFactor)
	configViper.SetDefault("retry.max_retries", defaultMaxRetries)
	configViper.SetDefault("events.channel", defaultEventsChannel)
	configViper.SetDefault("events.buffer_size", defaultEventsBuffer)
}

// Load parses runtime configuration from viper and validates all of it.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := explain(structValidator.Struct(cfg)); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadControl parses configuration for commands that only talk to a running
// daemon or the local store; the remote server settings may be absent.
func LoadControl(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := explain(structValidator.StructExcept(cfg, serverFields...)); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

var (
	structValidator = validator.New(validator.WithRequiredStructEnabled())
	serverFields    = []string{"ServerBaseURL", "WorkspaceID"}
)

func read(configViper *viper.Viper) AppConfig {
	return AppConfig{
		ServerBaseURL:        strings.TrimSpace(configViper.GetString("server.base_url")),
		WorkspaceID:          strings.TrimSpace(configViper.GetString("server.workspace_id")),
		AccessToken:          configViper.GetString("server.access_token"),
		DatabasePath:         strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:             strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		ControlAddress:       strings.TrimSpace(configViper.GetString("control.address")),
		ControlSigningSecret: configViper.GetString("control.signing_secret"),
		ControlTokenTTL:      configViper.GetInt("control.token_ttl_minutes"),
		SyncIntervalSeconds:  configViper.GetInt("sync.interval_seconds"),
		ProbeIntervalSeconds: configViper.GetInt("sync.probe_interval_seconds"),
		RetentionHours:       configViper.GetInt("sync.retention_hours"),
		InitialDelayMillis:   configViper.GetInt("retry.initial_delay_ms"),
		MaxDelayMillis:       configViper.GetInt("retry.max_delay_ms"),
		RetryFactor:          configViper.GetFloat64("retry.factor"),
		MaxRetries:           configViper.GetInt("retry.max_retries"),
		EventsChannel:        strings.TrimSpace(configViper.GetString("events.channel")),
		EventsBufferSize:     configViper.GetInt("events.buffer_size"),
	}
}

// explain rewrites validator failures in terms of configuration keys.
func explain(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		key, ok := fieldKeys[fieldErr.Field()]
		if !ok {
			key = fieldErr.Field()
		}
		messages = append(messages, fmt.Sprintf("%s is invalid (%s)", key, fieldErr.Tag()))
	}
	return errors.New(strings.Join(messages, "; "))
}

// fieldKeys maps struct fields back to their configuration keys for error messages.
var fieldKeys = map[string]string{
	"ServerBaseURL":        "server.base_url",
	"WorkspaceID":          "server.workspace_id",
	"DatabasePath":         "database.path",
	"LogLevel":             "log.level",
	"ControlAddress":       "control.address",
	"ControlSigningSecret": "control.signing_secret",
	"ControlTokenTTL":      "control.token_ttl_minutes",
	"SyncIntervalSeconds":  "sync.interval_seconds",
	"ProbeIntervalSeconds": "sync.probe_interval_seconds",
	"RetentionHours":       "sync.retention_hours",
	"InitialDelayMillis":   "retry.initial_delay_ms",
	"MaxDelayMillis":       "retry.max_delay_ms",
	"RetryFactor":          "retry.factor",
	"MaxRetries":           "retry.max_retries",
	"EventsChannel":        "events.channel",
	"EventsBufferSize":     "events.buffer_size",
}
