// Package tracker is the producer-facing side of the SDK: the Emitter that
// drives delivery, the Tracker that enriches events, and the Registry that
// holds named trackers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/internal/log"
	"github.com/dshills/tracker-go/tracker/network"
	"github.com/dshills/tracker-go/tracker/outcome"
	"github.com/dshills/tracker-go/tracker/payload"
	"github.com/dshills/tracker-go/tracker/request"
	"github.com/dshills/tracker-go/tracker/store"
)

const defaultIntakeBuffer = 1024

// Emitter persists events and delivers them to the collector.
//
// Add hands an event to the intake goroutine, which writes it to the store
// and triggers a flush. A flush starts the emission loop unless one is
// already running; at most one loop is active at any time. Each iteration
// reads up to EmitRange events, builds requests, sends them through the
// connection, deletes what succeeded or failed permanently, and reports an
// outcome. The loop stops when the store is empty, the emitter is paused, or
// an iteration made no progress and backed off.
//
// Example:
//
//	conn, _ := network.NewHTTPConnection("collector.example.com")
//	st, _ := store.NewSQLiteStore("./events.db")
//	emitter, err := tracker.NewEmitter(conn, st, tracker.WithNamespace("app"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emitter.Shutdown(context.Background())
type Emitter struct {
	conn      network.Connection
	store     store.EventStore
	namespace string
	logger    zerolog.Logger
	metrics   *PrometheusMetrics
	observers outcome.Multi
	now       func() time.Time

	cfgMu           sync.RWMutex
	cfg             EmitterConfig
	intervalChanged chan struct{}

	// stateMu guards the emission state machine.
	stateMu   sync.Mutex
	sending   bool
	paused    bool
	retrigger bool
	stopped   bool
	cycles    sync.WaitGroup

	addMu      sync.RWMutex
	addClosed  bool
	intake     chan *payload.Payload
	intakeDone chan struct{}

	closing   chan struct{}
	timerDone chan struct{}
	closeOnce sync.Once
}

// NewEmitter creates an emitter that reads from st and sends through conn.
// The emitter does not close st; the caller owns it.
func NewEmitter(conn network.Connection, st store.EventStore, opts ...Option) (*Emitter, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection must not be nil", ErrInvalidConfig)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: store must not be nil", ErrInvalidConfig)
	}

	cfg := &emitterConfig{
		namespace:    "default",
		cfg:          DefaultEmitterConfig(),
		now:          time.Now,
		intakeBuffer: defaultIntakeBuffer,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.WithComponent("emitter")
	if cfg.logger != nil {
		logger = *cfg.logger
	}

	e := &Emitter{
		conn:            conn,
		store:           st,
		namespace:       cfg.namespace,
		logger:          logger.With().Str(log.FieldNamespace, cfg.namespace).Logger(),
		metrics:         cfg.metrics,
		observers:       outcome.Multi(cfg.observers),
		now:             cfg.now,
		cfg:             cfg.cfg,
		intervalChanged: make(chan struct{}, 1),
		paused:          cfg.paused,
		intake:          make(chan *payload.Payload, cfg.intakeBuffer),
		intakeDone:      make(chan struct{}),
		closing:         make(chan struct{}),
		timerDone:       make(chan struct{}),
	}
	if e.metrics != nil {
		e.observers = append(e.observers, e.metrics)
	}

	go e.runIntake()
	go e.runTimer()
	return e, nil
}

// Namespace returns the namespace the emitter reports under.
func (e *Emitter) Namespace() string { return e.namespace }

// Add queues p for persistence and delivery. It returns once the event is
// handed to the intake goroutine; it never waits for the network. Add
// blocks only while the intake buffer is full, bounded by ctx.
//
// The caller must not modify p afterwards.
func (e *Emitter) Add(ctx context.Context, p *payload.Payload) error {
	if p == nil {
		return nil
	}
	e.addMu.RLock()
	defer e.addMu.RUnlock()
	if e.addClosed {
		return ErrEmitterClosed
	}
	select {
	case e.intake <- p:
		return nil
	case <-ctx.Done():
		e.logger.Warn().Err(ctx.Err()).Msg("event dropped: intake buffer full")
		return ctx.Err()
	}
}

func (e *Emitter) runIntake() {
	defer close(e.intakeDone)
	for p := range e.intake {
		if err := e.store.Insert(context.Background(), p); err != nil {
			if errors.Is(err, store.ErrUnserializable) {
				e.logger.Error().Err(err).Msg("event dropped: payload cannot be stored")
			} else {
				e.logger.Error().Err(err).Msg("failed to persist event")
			}
			continue
		}
		e.Flush()
	}
}

// runTimer flushes every FlushInterval until Shutdown.
func (e *Emitter) runTimer() {
	defer close(e.timerDone)
	for {
		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if d := e.Config().FlushInterval; d > 0 {
			timer = time.NewTimer(d)
			tick = timer.C
		}

		select {
		case <-tick:
			e.Flush()
		case <-e.intervalChanged:
		case <-e.closing:
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Flush starts an emission loop if none is running. It returns immediately.
func (e *Emitter) Flush() {
	if !e.requestToStartSending() {
		return
	}
	go e.drive()
}

// requestToStartSending claims the sending flag. It fails while another loop
// is active, while paused, or after Shutdown. A trigger that loses to an
// active loop is remembered so the loop checks the store once more before
// going idle.
func (e *Emitter) requestToStartSending() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.stopped || e.paused {
		return false
	}
	if e.sending {
		e.retrigger = true
		return false
	}
	e.sending = true
	e.retrigger = false
	e.cycles.Add(1)
	return true
}

// finishLoop releases the sending flag unless a trigger arrived during a loop
// that drained normally, in which case the loop continues.
func (e *Emitter) finishLoop(backedOff bool) (again bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.retrigger && !backedOff && !e.paused && !e.stopped {
		e.retrigger = false
		return true
	}
	e.retrigger = false
	e.sending = false
	return false
}

func (e *Emitter) drive() {
	defer e.cycles.Done()
	for {
		backedOff := e.emitUntilIdle()
		if !e.finishLoop(backedOff) {
			return
		}
	}
}

// emitUntilIdle runs iterations until there is nothing to send. It reports
// whether the last iteration ended in a backoff.
func (e *Emitter) emitUntilIdle() bool {
	ctx := context.Background()
	for {
		if e.IsPaused() {
			return false
		}
		cfg := e.Config()

		if cfg.retentionEnabled() {
			if err := e.store.RemoveOldest(ctx, cfg.MaxStoredEvents, cfg.MaxEventAge); err != nil {
				e.logger.Error().Err(err).Msg("failed to apply retention")
			}
		}

		pending, err := e.store.Count(ctx)
		if err != nil {
			e.logger.Error().Err(err).Msg("failed to count pending events")
			return false
		}
		e.metrics.UpdatePending(e.namespace, pending)
		if pending == 0 {
			return false
		}

		events, err := e.store.Read(ctx, cfg.EmitRange)
		if err != nil {
			e.logger.Error().Err(err).Msg("failed to read pending events")
			return false
		}
		if len(events) == 0 {
			return false
		}

		o := e.attempt(ctx, cfg, events)
		if o.WillRetry > 0 && o.Success == 0 {
			e.metrics.IncrementBackoff(e.namespace)
			e.logger.Debug().
				Int(log.FieldWillRetry, o.WillRetry).
				Dur("backoff", cfg.BackoffInterval).
				Msg("nothing delivered, backing off")
			e.sleep(cfg.BackoffInterval)
			return true
		}
	}
}

// attempt sends one batch of events and removes the ones that are done.
func (e *Emitter) attempt(ctx context.Context, cfg EmitterConfig, events []store.Event) outcome.Outcome {
	start := e.now()
	builder := request.Builder{
		Method:        e.conn.Method(),
		BufferSize:    cfg.BufferSize,
		ByteLimitGet:  cfg.ByteLimitGet,
		ByteLimitPost: cfg.ByteLimitPost,
		Now:           e.now,
	}
	results := e.conn.Send(ctx, builder.Build(events))

	o := outcome.Outcome{Namespace: e.namespace, Requests: len(results), Start: start}
	var remove []int64
	for _, res := range results {
		n := len(res.StoreIDs)
		e.metrics.RecordRequest(e.namespace, res.IsSuccessful())
		if res.IsSuccessful() {
			o.Success += n
			remove = append(remove, res.StoreIDs...)
			continue
		}
		o.Failure += n
		if request.ShouldRetry(res, cfg.CustomRetryRules, cfg.RetryEnabled) {
			o.WillRetry += n
		} else {
			o.Dropped += n
			remove = append(remove, res.StoreIDs...)
			e.logger.Warn().
				Int(log.FieldStatus, res.StatusCode).
				Bool("oversize", res.Oversize).
				Int(log.FieldDropped, n).
				Msg("events dropped after permanent failure")
		}
	}

	if len(remove) > 0 {
		if _, err := e.store.Delete(ctx, remove); err != nil {
			e.logger.Error().Err(err).Int("events", len(remove)).Msg("failed to delete sent events")
		}
	}
	o.Duration = e.now().Sub(start)

	if len(results) > 0 {
		e.observers.Observe(o)
	}
	return o
}

// sleep waits for d or until Shutdown.
func (e *Emitter) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.closing:
	}
}

// Pause stops new emission loops. A loop in progress finishes its current
// iteration. Events are still stored while paused.
func (e *Emitter) Pause() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.paused = true
}

// Resume clears the paused state and triggers a flush.
func (e *Emitter) Resume() {
	e.stateMu.Lock()
	e.paused = false
	e.stateMu.Unlock()
	e.Flush()
}

// IsPaused reports whether the emitter is paused.
func (e *Emitter) IsPaused() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.paused
}

// IsSending reports whether an emission loop is active, including its
// backoff pause.
func (e *Emitter) IsSending() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.sending
}

// PendingCount returns the number of stored events not yet delivered.
func (e *Emitter) PendingCount(ctx context.Context) (int, error) {
	return e.store.Count(ctx)
}

// Config returns a copy of the current configuration.
func (e *Emitter) Config() EmitterConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.clone()
}

// Apply merges u into the configuration. The change takes effect from the
// next iteration; an iteration in progress keeps its snapshot.
func (e *Emitter) Apply(u ConfigUpdate) error {
	e.cfgMu.Lock()
	next := e.cfg.Merge(u)
	if err := next.Validate(); err != nil {
		e.cfgMu.Unlock()
		return err
	}
	intervalChanged := next.FlushInterval != e.cfg.FlushInterval
	e.cfg = next
	e.cfgMu.Unlock()

	if intervalChanged {
		select {
		case e.intervalChanged <- struct{}{}:
		default:
		}
	}
	return nil
}

// SetBufferSize changes the POST batch cap.
func (e *Emitter) SetBufferSize(n int) error {
	return e.Apply(ConfigUpdate{BufferSize: &n})
}

// SetEmitRange changes how many events one iteration reads.
func (e *Emitter) SetEmitRange(n int) error {
	return e.Apply(ConfigUpdate{EmitRange: &n})
}

// SetByteLimitGet changes the GET size limit.
func (e *Emitter) SetByteLimitGet(n int) error {
	return e.Apply(ConfigUpdate{ByteLimitGet: &n})
}

// SetByteLimitPost changes the POST size limit.
func (e *Emitter) SetByteLimitPost(n int) error {
	return e.Apply(ConfigUpdate{ByteLimitPost: &n})
}

// SetCustomRetryRules replaces the per-status retry overrides.
func (e *Emitter) SetCustomRetryRules(rules map[int]bool) error {
	if rules == nil {
		rules = map[int]bool{}
	}
	return e.Apply(ConfigUpdate{CustomRetryRules: rules})
}

// SetRetryEnabled turns retries on or off.
func (e *Emitter) SetRetryEnabled(enabled bool) error {
	return e.Apply(ConfigUpdate{RetryEnabled: &enabled})
}

// SetBackoffInterval changes the pause after an iteration that only failed.
func (e *Emitter) SetBackoffInterval(d time.Duration) error {
	return e.Apply(ConfigUpdate{BackoffInterval: &d})
}

// Shutdown stops the emitter. Events already passed to Add are persisted and
// one final delivery attempt is made; a backoff pause in progress is cut
// short. Shutdown waits for the active loop until ctx is done. The store is
// left open.
func (e *Emitter) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.addMu.Lock()
		e.addClosed = true
		e.addMu.Unlock()
		close(e.intake)
	})

	select {
	case <-e.intakeDone:
	case <-ctx.Done():
		return fmt.Errorf("waiting for event intake: %w", ctx.Err())
	}

	e.stateMu.Lock()
	alreadyStopped := e.stopped
	e.stopped = true
	e.stateMu.Unlock()
	if !alreadyStopped {
		close(e.closing)
	}

	done := make(chan struct{})
	go func() {
		e.cycles.Wait()
		<-e.timerDone
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for emission loop: %w", ctx.Err())
	}
}
