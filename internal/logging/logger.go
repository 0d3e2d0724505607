// Package logging builds the zap.Logger every other package receives
// via dependency injection. Grounded on JakeFAU's
// internal/logging/logger.go (development vs production zap config
// selection), generalized to take the level string from
// config.LoggingConfig instead of a hardcoded crawler default.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger. development selects the human-readable
// console encoder with debug-level default verbosity; production
// selects JSON encoding. level overrides the minimum enabled level
// ("debug", "info", "warn", "error"); empty keeps the config's default.
func New(development bool, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return log, nil
}
