package tracker

// LifecycleEvent is a host application state change that affects delivery.
type LifecycleEvent int

const (
	// Foreground means the host became active again.
	Foreground LifecycleEvent = iota
	// Background means the host is about to be suspended.
	Background
)

// String returns the event name.
func (e LifecycleEvent) String() string {
	switch e {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// LifecycleObserver receives lifecycle events from the host integration.
type LifecycleObserver interface {
	HandleLifecycle(LifecycleEvent)
}

var (
	_ LifecycleObserver = (*Emitter)(nil)
	_ LifecycleObserver = (*Tracker)(nil)
	_ LifecycleObserver = (*Registry)(nil)
)

// HandleLifecycle resumes and flushes on Foreground; it flushes on Background
// so pending events leave before the host is suspended.
func (e *Emitter) HandleLifecycle(ev LifecycleEvent) {
	e.logger.Debug().Stringer("lifecycle", ev).Msg("lifecycle event")
	switch ev {
	case Foreground:
		e.Resume()
	case Background:
		e.Flush()
	}
}
