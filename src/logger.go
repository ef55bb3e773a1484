// Package src holds the ambient types shared across the module's
// top-level packages (bootstrap, cfg, recovery) so none of them have
// to import each other just to agree on a logging interface.
package src

// Logger is the subset of *zap.SugaredLogger every entrypoint and
// recovery component logs through. Keeping it an interface (instead of
// depending on zap directly everywhere) lets tests swap in a no-op or
// recording logger.
type Logger interface {
	Debug(args ...any)
	Debugf(template string, args ...any)
	Debugw(msg string, keysAndValues ...any)

	Info(args ...any)
	Infof(template string, args ...any)
	Infow(msg string, keysAndValues ...any)

	Warn(args ...any)
	Warnf(template string, args ...any)
	Warnw(msg string, keysAndValues ...any)

	Error(args ...any)
	Errorf(template string, args ...any)
	Errorw(msg string, keysAndValues ...any)

	Sync() error
}
