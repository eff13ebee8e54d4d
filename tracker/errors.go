package tracker

import "errors"

// ErrInvalidConfig indicates an emitter or tracker setting outside its valid
// range. The wrapped message names the offending field.
var ErrInvalidConfig = errors.New("invalid tracker configuration")

// ErrTrackerExists is returned when registering a namespace that is already
// taken in a Registry.
var ErrTrackerExists = errors.New("tracker namespace already registered")

// ErrTrackerNotFound is returned when a Registry has no tracker for the
// requested namespace, or no default tracker.
var ErrTrackerNotFound = errors.New("tracker not found")

// ErrEmitterClosed is returned by Add after Shutdown.
var ErrEmitterClosed = errors.New("emitter is shut down")
