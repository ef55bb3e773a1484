// Package logging constructs the module's ambient src.Logger from zap,
// the same way every other entrypoint in this module boots logging.
package logging

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ariesdb/enginecore/src"
)

// New builds a src.Logger appropriate for the named environment: a
// human-readable development logger, or a JSON production logger.
func New(env string) (src.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)

	switch env {
	case "dev", "development", "":
		l, err = zap.NewDevelopment()
	default:
		l, err = zap.NewProduction()
	}

	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return l.Sugar(), nil
}

// NewNop returns a Logger that discards everything, for tests that
// don't want to assert on log output but still need a src.Logger to
// satisfy a constructor.
func NewNop() src.Logger {
	return zap.NewNop().Sugar()
}
