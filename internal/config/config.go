package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "RELAY"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "relay.db"
	defaultLogLevel     = "info"
	defaultReplyURL     = "https://api.line.me/v2/bot/message/reply"
	defaultCommand      = "refresh progress"

	defaultMovementTTLHours = 12
	defaultProgressTTLHours = 12
	defaultDiaryTTLHours    = 24
)

// AppConfig captures runtime configuration for the proxy server.
type AppConfig struct {
	HTTPAddress    string
	GatewayBaseURL string
	DatabasePath   string
	LogLevel       string

	MovementLibTTL time.Duration
	ProgressTTL    time.Duration
	DiaryTTL       time.Duration

	BridgeChannelToken   string
	BridgeReplyURL       string
	BridgeRefreshCommand string
	BridgeRefreshURL     string
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
	configViper.SetDefault("cache.movement_ttl_hours", defaultMovementTTLHours)
	configViper.SetDefault("cache.progress_ttl_hours", defaultProgressTTLHours)
	configViper.SetDefault("cache.diary_ttl_hours", defaultDiaryTTLHours)
	configViper.SetDefault("bridge.reply_url", defaultReplyURL)
	configViper.SetDefault("bridge.refresh_command", defaultCommand)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		GatewayBaseURL: configViper.GetString("gateway.base_url"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),

		MovementLibTTL: time.Duration(configViper.GetInt("cache.movement_ttl_hours")) * time.Hour,
		ProgressTTL:    time.Duration(configViper.GetInt("cache.progress_ttl_hours")) * time.Hour,
		DiaryTTL:       time.Duration(configViper.GetInt("cache.diary_ttl_hours")) * time.Hour,

		BridgeChannelToken:   configViper.GetString("bridge.channel_token"),
		BridgeReplyURL:       configViper.GetString("bridge.reply_url"),
		BridgeRefreshCommand: configViper.GetString("bridge.refresh_command"),
		BridgeRefreshURL:     configViper.GetString("bridge.refresh_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.GatewayBaseURL) == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MovementLibTTL <= 0 || c.ProgressTTL <= 0 || c.DiaryTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	return nil
}
