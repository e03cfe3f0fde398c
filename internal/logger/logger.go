// Package logger builds the process-wide zap logger from the configured
// verbosity.
package logger

import (
	"go.uber.org/zap"

	"github.com/pkg/errors"
)

// New returns a production logger at the given verbosity. An empty
// verbosity means "info", so a zero config still logs.
func New(verbosity string) (*zap.Logger, error) {
	if verbosity == "" {
		verbosity = "info"
	}
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log verbosity %q", verbosity)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}
