package tracker

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/internal/log"
	"github.com/dshills/tracker-go/tracker/payload"
)

// TrackerVersion is sent in the tv field of every event.
const TrackerVersion = "go-1.0.0"

// DefaultPlatform is the p field when WithPlatform is not given.
const DefaultPlatform = "srv"

// sdkKeys are the fields Track sets itself. Callers that need to set them use
// TrackPayload.
var sdkKeys = []string{
	payload.KeyEventType,
	payload.KeyEventID,
	payload.KeyDeviceTimestamp,
	payload.KeyTrackerVersion,
	payload.KeyNamespace,
	payload.KeyAppID,
	payload.KeyPlatform,
}

// Tracker enriches events with identity and context fields and hands them to
// its Emitter.
//
// Example:
//
//	t, err := tracker.NewTracker("checkout", emitter, tracker.WithAppID("shop"))
//	if err != nil {
//	    return err
//	}
//	t.Track(ctx, "se", map[string]any{"se_ca": "cart", "se_ac": "add"})
type Tracker struct {
	namespace string
	appID     string
	platform  string
	emitter   *Emitter
	now       func() time.Time
	logger    zerolog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithAppID sets the aid field.
func WithAppID(id string) TrackerOption {
	return func(t *Tracker) { t.appID = id }
}

// WithPlatform sets the p field. Default: "srv".
func WithPlatform(p string) TrackerOption {
	return func(t *Tracker) {
		if p != "" {
			t.platform = p
		}
	}
}

// WithTrackerClock overrides the time source for dtm.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a tracker that submits to emitter under namespace.
func NewTracker(namespace string, emitter *Emitter, opts ...TrackerOption) (*Tracker, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace must not be empty", ErrInvalidConfig)
	}
	if emitter == nil {
		return nil, fmt.Errorf("%w: emitter must not be nil", ErrInvalidConfig)
	}
	t := &Tracker{
		namespace: namespace,
		platform:  DefaultPlatform,
		emitter:   emitter,
		now:       time.Now,
		logger:    log.WithComponent("tracker").With().Str(log.FieldNamespace, namespace).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Namespace returns the tracker namespace.
func (t *Tracker) Namespace() string { return t.namespace }

// Emitter returns the emitter the tracker submits to.
func (t *Tracker) Emitter() *Emitter { return t.emitter }

// Track builds an event of eventType from fields, submits it and returns its
// event id. Entries in fields named like an SDK field (e, eid, dtm, tv, tna,
// aid, p) are ignored. Submission failures are logged, never returned.
func (t *Tracker) Track(ctx context.Context, eventType string, fields map[string]any) string {
	p := payload.New()
	p.Add(payload.KeyEventType, eventType)
	eid := uuid.NewString()
	p.Add(payload.KeyEventID, eid)
	p.Add(payload.KeyDeviceTimestamp, payload.Timestamp(t.now()))
	p.Add(payload.KeyTrackerVersion, TrackerVersion)
	p.Add(payload.KeyNamespace, t.namespace)
	p.Add(payload.KeyAppID, t.appID)
	p.Add(payload.KeyPlatform, t.platform)
	p.AddMap(withoutSDKKeys(fields))

	t.submit(ctx, p)
	return eid
}

func withoutSDKKeys(fields map[string]any) map[string]any {
	out := maps.Clone(fields)
	for _, k := range sdkKeys {
		delete(out, k)
	}
	return out
}

// TrackPayload submits a copy of p, filling in whichever SDK fields it lacks.
// It returns the event id.
func (t *Tracker) TrackPayload(ctx context.Context, p *payload.Payload) string {
	if p == nil {
		return ""
	}
	out := p.Clone()
	if out.GetString(payload.KeyEventID) == "" {
		out.Add(payload.KeyEventID, uuid.NewString())
	}
	addMissing(out, payload.KeyDeviceTimestamp, payload.Timestamp(t.now()))
	addMissing(out, payload.KeyTrackerVersion, TrackerVersion)
	addMissing(out, payload.KeyNamespace, t.namespace)
	addMissing(out, payload.KeyAppID, t.appID)
	addMissing(out, payload.KeyPlatform, t.platform)

	t.submit(ctx, out)
	return out.GetString(payload.KeyEventID)
}

func addMissing(p *payload.Payload, key, value string) {
	if _, ok := p.Get(key); !ok {
		p.Add(key, value)
	}
}

func (t *Tracker) submit(ctx context.Context, p *payload.Payload) {
	if err := t.emitter.Add(ctx, p); err != nil {
		t.logger.Warn().Err(err).
			Str(log.FieldEvent, p.GetString(payload.KeyEventType)).
			Msg("event not submitted")
	}
}

// Flush triggers delivery of pending events.
func (t *Tracker) Flush() { t.emitter.Flush() }

// Pause stops delivery; events are still stored.
func (t *Tracker) Pause() { t.emitter.Pause() }

// Resume restarts delivery.
func (t *Tracker) Resume() { t.emitter.Resume() }

// Shutdown shuts the emitter down.
func (t *Tracker) Shutdown(ctx context.Context) error {
	return t.emitter.Shutdown(ctx)
}

// HandleLifecycle forwards host lifecycle events to the emitter.
func (t *Tracker) HandleLifecycle(ev LifecycleEvent) {
	t.emitter.HandleLifecycle(ev)
}
