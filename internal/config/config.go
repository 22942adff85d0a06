// Package config loads shelleport settings from defaults, an optional config file and
// SHELLEPORT_* environment variables, in increasing priority.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Shell    ShellConfig    `mapstructure:"shell"`
	Server   ServerConfig   `mapstructure:"server"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

type ProtocolConfig struct {
	// ReadTimeout is how long a peer may stay silent. Keep-alives go out at a third of it.
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type ShellConfig struct {
	TerminateTimeout time.Duration `mapstructure:"terminateTimeout"`
}

type ServerConfig struct {
	Listen     string `mapstructure:"listen"`
	UnixAccess string `mapstructure:"unixAccess"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")

	v.SetDefault("protocol.readTimeout", "9s")

	v.SetDefault("shell.terminateTimeout", "3s")

	v.SetDefault("server.listen", "stdio://")
	v.SetDefault("server.unixAccess", "0600")
}

// Load reads configuration. An empty path skips the config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHELLEPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("protocol.readTimeout", "SHELLEPORT_PROTOCOL_READ_TIMEOUT", "SHELLEPORT_PROTOCOL_READTIMEOUT")
	_ = v.BindEnv("shell.terminateTimeout", "SHELLEPORT_SHELL_TERMINATE_TIMEOUT", "SHELLEPORT_SHELL_TERMINATETIMEOUT")
	_ = v.BindEnv("server.unixAccess", "SHELLEPORT_SERVER_UNIX_ACCESS", "SHELLEPORT_SERVER_UNIXACCESS")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[strings.ToLower(cfg.Log.Format)] {
		errs = append(errs, "log.format must be one of: console, json")
	}
	if cfg.Protocol.ReadTimeout <= 0 {
		errs = append(errs, "protocol.readTimeout must be positive")
	}
	if cfg.Shell.TerminateTimeout <= 0 {
		errs = append(errs, "shell.terminateTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
