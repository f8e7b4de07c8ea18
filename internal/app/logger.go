package app

import (
	"strings"

	"github.com/smallsteps/notify/pkg/logger"
)

// ConfigureLogging initialises the global logger from the agent section,
// defaulting to info-level JSON output.
func ConfigureLogging(cfg AgentConfig) error {
	level := strings.TrimSpace(cfg.LogLevel)
	if level == "" {
		level = "info"
	}
	return logger.Init(logger.Options{Level: level, Console: cfg.Console})
}
