package tracker

import (
	"fmt"
	"maps"
	"time"

	"github.com/dshills/tracker-go/tracker/request"
)

// Emitter defaults.
const (
	DefaultBufferSize      = request.DefaultBufferSize
	DefaultEmitRange       = 150
	DefaultByteLimit       = request.DefaultByteLimit
	DefaultBackoffInterval = 5 * time.Second
	DefaultFlushInterval   = 60 * time.Second
)

// EmitterConfig holds the settings an emission cycle reads. The emitter takes
// a snapshot at the start of every iteration, so changes made through Apply
// or the Set* methods take effect from the next iteration.
type EmitterConfig struct {
	// BufferSize caps the number of events in one POST request.
	BufferSize int

	// EmitRange is the number of pending events read per iteration.
	EmitRange int

	// ByteLimitGet and ByteLimitPost bound the serialized request size.
	// Larger events are sent once as oversize requests and never retried.
	ByteLimitGet  int
	ByteLimitPost int

	// CustomRetryRules overrides the default retry decision per status code.
	CustomRetryRules map[int]bool

	// RetryEnabled false drops every failed event after one attempt.
	RetryEnabled bool

	// BackoffInterval is the pause after an iteration in which nothing
	// succeeded and something will be retried.
	BackoffInterval time.Duration

	// FlushInterval is the period of the background flush timer. Zero
	// disables the timer.
	FlushInterval time.Duration

	// MaxStoredEvents and MaxEventAge bound the store before each iteration.
	// Zero disables the respective limit.
	MaxStoredEvents int
	MaxEventAge     time.Duration
}

// DefaultEmitterConfig returns the default emitter settings.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		BufferSize:      DefaultBufferSize,
		EmitRange:       DefaultEmitRange,
		ByteLimitGet:    DefaultByteLimit,
		ByteLimitPost:   DefaultByteLimit,
		RetryEnabled:    true,
		BackoffInterval: DefaultBackoffInterval,
		FlushInterval:   DefaultFlushInterval,
	}
}

// ConfigUpdate is a partial EmitterConfig. Nil fields keep the current value.
//
// Example:
//
//	size := 25
//	err := emitter.Apply(tracker.ConfigUpdate{BufferSize: &size})
type ConfigUpdate struct {
	BufferSize       *int
	EmitRange        *int
	ByteLimitGet     *int
	ByteLimitPost    *int
	CustomRetryRules map[int]bool // nil keeps the current rules; empty clears them
	RetryEnabled     *bool
	BackoffInterval  *time.Duration
	FlushInterval    *time.Duration
	MaxStoredEvents  *int
	MaxEventAge      *time.Duration
}

// IsEmpty reports whether u changes nothing.
func (u ConfigUpdate) IsEmpty() bool {
	return u.BufferSize == nil && u.EmitRange == nil && u.ByteLimitGet == nil &&
		u.ByteLimitPost == nil && u.CustomRetryRules == nil && u.RetryEnabled == nil &&
		u.BackoffInterval == nil && u.FlushInterval == nil && u.MaxStoredEvents == nil &&
		u.MaxEventAge == nil
}

// Merge returns c with every non-nil field of u applied. c is not modified.
func (c EmitterConfig) Merge(u ConfigUpdate) EmitterConfig {
	out := c.clone()
	if u.BufferSize != nil {
		out.BufferSize = *u.BufferSize
	}
	if u.EmitRange != nil {
		out.EmitRange = *u.EmitRange
	}
	if u.ByteLimitGet != nil {
		out.ByteLimitGet = *u.ByteLimitGet
	}
	if u.ByteLimitPost != nil {
		out.ByteLimitPost = *u.ByteLimitPost
	}
	if u.CustomRetryRules != nil {
		out.CustomRetryRules = maps.Clone(u.CustomRetryRules)
	}
	if u.RetryEnabled != nil {
		out.RetryEnabled = *u.RetryEnabled
	}
	if u.BackoffInterval != nil {
		out.BackoffInterval = *u.BackoffInterval
	}
	if u.FlushInterval != nil {
		out.FlushInterval = *u.FlushInterval
	}
	if u.MaxStoredEvents != nil {
		out.MaxStoredEvents = *u.MaxStoredEvents
	}
	if u.MaxEventAge != nil {
		out.MaxEventAge = *u.MaxEventAge
	}
	return out
}

// Update returns a ConfigUpdate that sets every field to its value in c.
// Applying it replaces the whole configuration.
func (c EmitterConfig) Update() ConfigUpdate {
	rules := maps.Clone(c.CustomRetryRules)
	if rules == nil {
		rules = map[int]bool{}
	}
	return ConfigUpdate{
		BufferSize:       &c.BufferSize,
		EmitRange:        &c.EmitRange,
		ByteLimitGet:     &c.ByteLimitGet,
		ByteLimitPost:    &c.ByteLimitPost,
		CustomRetryRules: rules,
		RetryEnabled:     &c.RetryEnabled,
		BackoffInterval:  &c.BackoffInterval,
		FlushInterval:    &c.FlushInterval,
		MaxStoredEvents:  &c.MaxStoredEvents,
		MaxEventAge:      &c.MaxEventAge,
	}
}

// Validate checks every field range.
func (c EmitterConfig) Validate() error {
	switch {
	case c.BufferSize < 1:
		return fmt.Errorf("%w: buffer size must be >= 1, got %d", ErrInvalidConfig, c.BufferSize)
	case c.EmitRange < 1:
		return fmt.Errorf("%w: emit range must be >= 1, got %d", ErrInvalidConfig, c.EmitRange)
	case c.ByteLimitGet < 1:
		return fmt.Errorf("%w: GET byte limit must be >= 1, got %d", ErrInvalidConfig, c.ByteLimitGet)
	case c.ByteLimitPost < 1:
		return fmt.Errorf("%w: POST byte limit must be >= 1, got %d", ErrInvalidConfig, c.ByteLimitPost)
	case c.BackoffInterval < 0:
		return fmt.Errorf("%w: backoff interval must not be negative, got %v", ErrInvalidConfig, c.BackoffInterval)
	case c.FlushInterval < 0:
		return fmt.Errorf("%w: flush interval must not be negative, got %v", ErrInvalidConfig, c.FlushInterval)
	case c.MaxStoredEvents < 0:
		return fmt.Errorf("%w: max stored events must not be negative, got %d", ErrInvalidConfig, c.MaxStoredEvents)
	case c.MaxEventAge < 0:
		return fmt.Errorf("%w: max event age must not be negative, got %v", ErrInvalidConfig, c.MaxEventAge)
	}
	return nil
}

// retentionEnabled reports whether RemoveOldest should run each iteration.
func (c EmitterConfig) retentionEnabled() bool {
	return c.MaxStoredEvents > 0 || c.MaxEventAge > 0
}

func (c EmitterConfig) clone() EmitterConfig {
	out := c
	out.CustomRetryRules = maps.Clone(c.CustomRetryRules)
	return out
}
