// Package outcome reports what each emission cycle achieved.
package outcome

import "time"

// Outcome summarizes one emission cycle iteration.
//
// Counts are in events, not requests:
//   - Success: events acknowledged with a 2xx status
//   - Failure: events in requests that did not succeed
//   - WillRetry: failed events kept in the store for a later attempt
//   - Dropped: failed events removed permanently (Failure - WillRetry)
type Outcome struct {
	// Namespace identifies the tracker that emitted the events.
	Namespace string

	Success   int
	Failure   int
	WillRetry int
	Dropped   int

	// Requests is the number of collector calls made.
	Requests int

	// Start is when the iteration began; Duration covers build, send and
	// store cleanup.
	Start    time.Time
	Duration time.Duration
}

// Observer receives the outcome of every emission iteration that produced at
// least one result.
//
// Implementations should be:
//   - Non-blocking: Observe runs on the emission goroutine
//   - Thread-safe: several emitters may share an observer
//   - Resilient: failures are handled internally, never panic
type Observer interface {
	Observe(o Outcome)
}

// Func adapts a (success, failure) callback to an Observer.
//
// Example:
//
//	obs := outcome.Func(func(success, failure int) {
//	    fmt.Printf("sent %d, failed %d\n", success, failure)
//	})
type Func func(success, failure int)

// Observe calls f with the success and failure counts.
func (f Func) Observe(o Outcome) {
	f(o.Success, o.Failure)
}

// Multi fans every outcome out to each observer in order.
type Multi []Observer

// Observe forwards o to every non-nil observer.
func (m Multi) Observe(o Outcome) {
	for _, obs := range m {
		if obs != nil {
			obs.Observe(o)
		}
	}
}

// Null discards every outcome.
type Null struct{}

// Observe does nothing.
func (Null) Observe(Outcome) {}
