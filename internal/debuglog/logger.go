// Package debuglog builds the node's zerolog logger and a keyed limiter for
// lines logged from hot paths.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	// Level is a zerolog level name; empty means info.
	Level string
	// Format is "json" or "console".
	Format string
	Out    io.Writer
}

// New builds the root logger.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	lvl := zerolog.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level %q: %w", s, err)
		}
		lvl = parsed
	}
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("log format %q", opts.Format)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// Component derives the logger a subsystem keeps for its lifetime.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Limiter lets at most one line per key through per interval.
type Limiter struct {
	interval time.Duration

	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Limiter{interval: interval, last: make(map[string]time.Time), sweep: time.Now()}
}

// Allow reports whether a line for key may be logged now.
func (l *Limiter) Allow(key string) bool {
	if l == nil || key == "" {
		return false
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.last[key]) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// RateLimited returns ev when key is allowed and nil otherwise. zerolog
// treats a nil event as disabled, so callers chain on it unconditionally:
//
//	debuglog.RateLimited(lim, "dial:"+addr, log.Debug()).Err(err).Msg("dial failed")
func RateLimited(l *Limiter, key string, ev *zerolog.Event) *zerolog.Event {
	if ev == nil || !l.Allow(key) {
		return nil
	}
	return ev
}
