package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the notify agent.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Hub      HubConfig      `mapstructure:"hub"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Status   StatusConfig   `mapstructure:"status"`
	Push     PushConfig     `mapstructure:"push"`
}

// AgentConfig holds process-level settings.
type AgentConfig struct {
	LogLevel string `mapstructure:"log_level"`
	Console  bool   `mapstructure:"console_log"`
}

// BackendConfig describes the notification backend REST API.
type BackendConfig struct {
	APIBase string        `mapstructure:"api_base"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HubConfig describes the realtime hub endpoint.
type HubConfig struct {
	BaseHost string `mapstructure:"base_host"`
}

// PollerConfig tunes the fallback unread-count poll.
type PollerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// DeliveryConfig tunes the multi-channel delivery coordinator.
type DeliveryConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// StorageConfig locates the agent's local database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// StatusConfig controls the local status listener.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Metrics bool   `mapstructure:"metrics"`
}

// PushConfig describes the native push surface of the host platform.
type PushConfig struct {
	Platform          string `mapstructure:"platform"`
	PermissionGranted bool   `mapstructure:"permission_granted"`
	DeviceModel       string `mapstructure:"device_model"`
	Command           string `mapstructure:"command"`
}

// LoadConfig initialises agent configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("NOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.log_level", "info")
	v.SetDefault("agent.console_log", false)

	v.SetDefault("backend.api_base", "")
	v.SetDefault("backend.timeout", "15s")

	v.SetDefault("hub.base_host", "")

	v.SetDefault("poller.interval", "120s")

	v.SetDefault("delivery.retention", "45s")

	v.SetDefault("storage.path", "./data/notify.sqlite")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.address", "127.0.0.1:7071")
	v.SetDefault("status.metrics", true)

	v.SetDefault("push.platform", "")
	v.SetDefault("push.permission_granted", true)
	v.SetDefault("push.device_model", "")
	v.SetDefault("push.command", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
