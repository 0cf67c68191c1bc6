package exprvar

import (
	"log/slog"
	"time"
)

// Evaluation describes one evaluation attempt.
type Evaluation struct {
	Engine   string
	Expr     string
	Layer    string
	Cached   bool
	Duration time.Duration
	Err      error
}

// Observer receives every evaluation an Engine performs.
type Observer func(Evaluation)

// SlogObserver writes evaluations to logger: failures at warn level,
// successes at debug level. A nil logger yields a nil observer.
func SlogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		return nil
	}
	return func(ev Evaluation) {
		attrs := []any{
			"engine", ev.Engine,
			"expr", ev.Expr,
			"layer", ev.Layer,
			"cached", ev.Cached,
			"duration", ev.Duration,
		}
		if ev.Err != nil {
			logger.Warn("variable expression failed", append(attrs, "error", ev.Err)...)
			return
		}
		logger.Debug("variable expression evaluated", attrs...)
	}
}
