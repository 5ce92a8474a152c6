package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the bridge daemon settings. Values come from (in
// ascending precedence) built-in defaults, an optional config file, and
// OPTOGRID_* environment variables.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	BackendAddr     string        `mapstructure:"backend_addr"`
	BroadcastAddr   string        `mapstructure:"broadcast_addr"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout"`
	EnableMCP       bool          `mapstructure:"enable_mcp"`
	LogJSON         bool          `mapstructure:"log_json"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", "0.0.0.0:8765")
	v.SetDefault("backend_addr", "127.0.0.1:5555")
	v.SetDefault("broadcast_addr", "127.0.0.1:5556")
	v.SetDefault("dial_timeout", 5*time.Second)
	v.SetDefault("exchange_timeout", 60*time.Second)
	v.SetDefault("enable_mcp", false)
	v.SetDefault("log_json", false)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("optogrid-bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/optogrid")
	}

	v.SetEnvPrefix("OPTOGRID")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Missing file is fine unless one was named explicitly.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}
