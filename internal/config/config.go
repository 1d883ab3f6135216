package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`
	LogFile    string `mapstructure:"log_file"`

	LiveKitURL       string        `mapstructure:"livekit_url"`
	LiveKitAPIKey    string        `mapstructure:"livekit_api_key"`
	LiveKitAPISecret string        `mapstructure:"livekit_api_secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	IssueLimit       int           `mapstructure:"issue_limit"`
	IssueInterval    time.Duration `mapstructure:"issue_interval"`

	TokenEndpoint   string        `mapstructure:"token_endpoint"`
	RoomName        string        `mapstructure:"room_name"`
	ParticipantName string        `mapstructure:"participant_name"`
	TokenAttempts   int           `mapstructure:"token_attempts"`
	TokenBackoff    time.Duration `mapstructure:"token_backoff"`
	PeerTimeout     time.Duration `mapstructure:"peer_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	TeardownGrace   time.Duration `mapstructure:"teardown_grace"`
	AgentHangover   time.Duration `mapstructure:"agent_hangover"`
	GuardStorePath  string        `mapstructure:"guard_store_path"`
}

// clientFlags maps command-line flags to config keys.
var clientFlags = map[string]string{
	"url":          "livekit_url",
	"token-url":    "token_endpoint",
	"room":         "room_name",
	"name":         "participant_name",
	"log-level":    "log_level",
	"log-file":     "log_file",
	"guard-store":  "guard_store_path",
	"peer-timeout": "peer_timeout",
}

// ClientFlags returns the flag set understood by the client binary.
func ClientFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("voicelink-client", pflag.ContinueOnError)
	fs.String("url", "", "LiveKit server URL (LIVEKIT_URL)")
	fs.String("token-url", "", "credential endpoint")
	fs.String("room", "", "room to join")
	fs.String("name", "", "participant name prefix")
	fs.String("log-level", "", "log level")
	fs.String("log-file", "", "log file; the terminal belongs to the UI")
	fs.String("guard-store", "", "directory for the session guard store")
	fs.Duration("peer-timeout", 0, "how long to wait for the agent")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "voicelink-client.log")

	v.SetDefault("livekit_url", "")
	v.SetDefault("livekit_api_key", "")
	v.SetDefault("livekit_api_secret", "")
	v.SetDefault("token_ttl", "10m")
	v.SetDefault("issue_limit", 10)
	v.SetDefault("issue_interval", "1m")

	v.SetDefault("token_endpoint", "http://localhost:8080/api/token")
	v.SetDefault("room_name", "voice-agent")
	v.SetDefault("participant_name", "user")
	v.SetDefault("token_attempts", 3)
	v.SetDefault("token_backoff", "1s")
	v.SetDefault("peer_timeout", "12s")
	v.SetDefault("reconnect_delay", "2s")
	v.SetDefault("teardown_grace", "150ms")
	v.SetDefault("agent_hangover", "600ms")
	v.SetDefault("guard_store_path", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then environment variables,
// then any flags in fs that were set explicitly. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range clientFlags {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Debug().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("room", cfg.RoomName).
		Msg("config resolved")
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.TokenAttempts < 1 {
		errs = append(errs, fmt.Errorf("token_attempts must be at least 1, got %d", c.TokenAttempts))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("token_ttl must be positive, got %s", c.TokenTTL))
	}
	if c.PeerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("peer_timeout must be positive, got %s", c.PeerTimeout))
	}
	return errors.Join(errs...)
}
