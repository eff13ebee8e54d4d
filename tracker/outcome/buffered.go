package outcome

import "sync"

// BufferedObserver stores every outcome in memory.
//
// Use cases:
//   - Testing and validation
//   - Debug endpoints showing recent delivery history
//
// Warning: outcomes accumulate until Clear is called.
//
// Example:
//
//	buf := outcome.NewBufferedObserver()
//	emitter, _ := tracker.NewEmitter(conn, st, tracker.WithObserver(buf))
//	...
//	totals := buf.Totals()
//	fmt.Println(totals.Success, totals.Failure)
type BufferedObserver struct {
	mu       sync.RWMutex
	outcomes []Outcome
	notify   chan struct{}
}

// HistoryFilter selects outcomes. Zero fields match everything.
type HistoryFilter struct {
	Namespace   string // exact namespace (empty = any)
	OnlyFailure bool   // only outcomes with Failure > 0
}

// NewBufferedObserver creates an empty BufferedObserver.
func NewBufferedObserver() *BufferedObserver {
	return &BufferedObserver{notify: make(chan struct{}, 1)}
}

// Observe appends o.
func (b *BufferedObserver) Observe(o Outcome) {
	b.mu.Lock()
	b.outcomes = append(b.outcomes, o)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives after new outcomes arrive. Several
// outcomes may coalesce into one notification.
func (b *BufferedObserver) Notify() <-chan struct{} {
	return b.notify
}

// History returns a copy of all outcomes in arrival order.
func (b *BufferedObserver) History() []Outcome {
	return b.HistoryWithFilter(HistoryFilter{})
}

// HistoryWithFilter returns the outcomes matching f.
func (b *BufferedObserver) HistoryWithFilter(f HistoryFilter) []Outcome {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Outcome, 0, len(b.outcomes))
	for _, o := range b.outcomes {
		if f.Namespace != "" && o.Namespace != f.Namespace {
			continue
		}
		if f.OnlyFailure && o.Failure == 0 {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Totals sums the counts of every stored outcome.
func (b *BufferedObserver) Totals() Outcome {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var t Outcome
	for _, o := range b.outcomes {
		t.Success += o.Success
		t.Failure += o.Failure
		t.WillRetry += o.WillRetry
		t.Dropped += o.Dropped
		t.Requests += o.Requests
		t.Duration += o.Duration
	}
	return t
}

// Clear drops every stored outcome.
func (b *BufferedObserver) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = nil
}
