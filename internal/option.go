package internal

import "log/slog"

// Option configures the launcher daemon before Run brings it up.
type Option func(*application)

type application struct {
	config *Config
	logger *slog.Logger
}

// WithConfig supplies the loaded launcher configuration. Run fails
// without one.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogger replaces the default stdout JSON logger, for callers that
// need daemon logs elsewhere (one-shot subcommands keep stdout for their
// own output).
func WithLogger(logger *slog.Logger) Option {
	return func(a *application) {
		a.logger = logger
	}
}
