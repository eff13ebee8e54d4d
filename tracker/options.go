package tracker

import (
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/tracker/outcome"
)

// Option is a functional option for configuring an Emitter.
//
// Example:
//
//	emitter, err := tracker.NewEmitter(conn, st,
//	    tracker.WithNamespace("checkout"),
//	    tracker.WithBufferSize(50),
//	    tracker.WithCallback(func(success, failure int) {
//	        log.Printf("sent=%d failed=%d", success, failure)
//	    }),
//	)
type Option func(*emitterConfig) error

// emitterConfig collects options before NewEmitter validates them.
type emitterConfig struct {
	namespace    string
	cfg          EmitterConfig
	logger       *zerolog.Logger
	metrics      *PrometheusMetrics
	observers    []outcome.Observer
	now          func() time.Time
	intakeBuffer int
	paused       bool
}

// WithNamespace labels logs, metrics and outcomes. Default: "default".
func WithNamespace(ns string) Option {
	return func(c *emitterConfig) error {
		if ns == "" {
			return fmt.Errorf("%w: namespace must not be empty", ErrInvalidConfig)
		}
		c.namespace = ns
		return nil
	}
}

// WithConfig replaces the whole EmitterConfig. Later options still apply on
// top of it.
func WithConfig(cfg EmitterConfig) Option {
	return func(c *emitterConfig) error {
		c.cfg = cfg.clone()
		return nil
	}
}

// WithBufferSize caps the number of events per POST request.
//
// Default: 150. GET always sends one event per request.
func WithBufferSize(n int) Option {
	return func(c *emitterConfig) error {
		c.cfg.BufferSize = n
		return nil
	}
}

// WithEmitRange sets how many pending events one iteration reads.
//
// Default: 150.
func WithEmitRange(n int) Option {
	return func(c *emitterConfig) error {
		c.cfg.EmitRange = n
		return nil
	}
}

// WithByteLimitGet sets the GET request size limit. Default: 40000.
func WithByteLimitGet(n int) Option {
	return func(c *emitterConfig) error {
		c.cfg.ByteLimitGet = n
		return nil
	}
}

// WithByteLimitPost sets the POST request size limit. Default: 40000.
func WithByteLimitPost(n int) Option {
	return func(c *emitterConfig) error {
		c.cfg.ByteLimitPost = n
		return nil
	}
}

// WithCustomRetryRules overrides the retry decision per status code.
//
// Example:
//
//	tracker.WithCustomRetryRules(map[int]bool{
//	    403: true,  // collector auth warms up after deploys
//	    503: false, // maintenance page, don't hammer it
//	})
func WithCustomRetryRules(rules map[int]bool) Option {
	return func(c *emitterConfig) error {
		c.cfg.CustomRetryRules = maps.Clone(rules)
		return nil
	}
}

// WithRetryEnabled turns retries on or off. Default: on.
func WithRetryEnabled(enabled bool) Option {
	return func(c *emitterConfig) error {
		c.cfg.RetryEnabled = enabled
		return nil
	}
}

// WithBackoffInterval sets the pause after an iteration that only failed.
// Default: 5s.
func WithBackoffInterval(d time.Duration) Option {
	return func(c *emitterConfig) error {
		c.cfg.BackoffInterval = d
		return nil
	}
}

// WithFlushInterval sets the background flush period. Zero disables the
// timer. Default: 60s.
func WithFlushInterval(d time.Duration) Option {
	return func(c *emitterConfig) error {
		c.cfg.FlushInterval = d
		return nil
	}
}

// WithRetention bounds the store: only the maxCount newest events younger
// than maxAge survive each iteration. Zero disables either limit.
func WithRetention(maxCount int, maxAge time.Duration) Option {
	return func(c *emitterConfig) error {
		c.cfg.MaxStoredEvents = maxCount
		c.cfg.MaxEventAge = maxAge
		return nil
	}
}

// WithLogger sets the emitter logger. Default: the "emitter" component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *emitterConfig) error {
		c.logger = &logger
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *emitterConfig) error {
		c.metrics = m
		return nil
	}
}

// WithObserver adds an outcome observer. May be given several times.
func WithObserver(obs outcome.Observer) Option {
	return func(c *emitterConfig) error {
		if obs != nil {
			c.observers = append(c.observers, obs)
		}
		return nil
	}
}

// WithCallback adds a (success, failure) callback invoked after every
// iteration that produced results.
func WithCallback(fn func(success, failure int)) Option {
	return func(c *emitterConfig) error {
		if fn != nil {
			c.observers = append(c.observers, outcome.Func(fn))
		}
		return nil
	}
}

// WithIntakeBuffer sets how many added events may wait for persistence
// before Add blocks. Default: 1024.
func WithIntakeBuffer(n int) Option {
	return func(c *emitterConfig) error {
		if n < 1 {
			return fmt.Errorf("%w: intake buffer must be >= 1, got %d", ErrInvalidConfig, n)
		}
		c.intakeBuffer = n
		return nil
	}
}

// WithStartPaused creates the emitter paused; events are stored but not sent
// until Resume.
func WithStartPaused() Option {
	return func(c *emitterConfig) error {
		c.paused = true
		return nil
	}
}

// WithClock overrides the time source used for sending timestamps and
// outcome durations.
func WithClock(now func() time.Time) Option {
	return func(c *emitterConfig) error {
		if now != nil {
			c.now = now
		}
		return nil
	}
}
