package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "ATELIER"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "atelier.db"
	defaultLogLevel     = "info"

	defaultTokenTTLMinutes   = 720
	defaultMaxParticipants   = 32
	defaultJoinGraceSeconds  = 10
	defaultOutboundQueueSize = 256
	defaultSnapshotInterval  = 60
	defaultSnapshotMessages  = 500
	defaultCompactionMargin  = 32
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	AuthSigningSecret string
	TokenTTLMinutes   int
	MaxParticipants   int
	AutoCreate        bool
	JoinGraceSeconds  int
	OutboundQueueSize int
	SnapshotInterval  int
	SnapshotMessages  int
	CompactionMargin  int
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
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("session.max_participants", defaultMaxParticipants)
	configViper.SetDefault("session.auto_create", true)
	configViper.SetDefault("session.join_grace_seconds", defaultJoinGraceSeconds)
	configViper.SetDefault("session.outbound_queue_size", defaultOutboundQueueSize)
	configViper.SetDefault("snapshot.interval_seconds", defaultSnapshotInterval)
	configViper.SetDefault("snapshot.message_threshold", defaultSnapshotMessages)
	configViper.SetDefault("snapshot.compaction_margin", defaultCompactionMargin)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTLMinutes:   configViper.GetInt("auth.token_ttl_minutes"),
		MaxParticipants:   configViper.GetInt("session.max_participants"),
		AutoCreate:        configViper.GetBool("session.auto_create"),
		JoinGraceSeconds:  configViper.GetInt("session.join_grace_seconds"),
		OutboundQueueSize: configViper.GetInt("session.outbound_queue_size"),
		SnapshotInterval:  configViper.GetInt("snapshot.interval_seconds"),
		SnapshotMessages:  configViper.GetInt("snapshot.message_threshold"),
		CompactionMargin:  configViper.GetInt("snapshot.compaction_margin"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTLMinutes <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.MaxParticipants <= 0 {
		return fmt.Errorf("session.max_participants must be positive")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("session.outbound_queue_size must be positive")
	}
	return nil
}
