// Package collectortest provides an in-process event collector for tests and
// examples. It speaks the same GET and POST formats as a real collector,
// records what it receives and answers with programmable status codes.
package collectortest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const (
	postPath = "/com.snowplowanalytics.snowplow/tp2"
	getPath  = "/i"
)

// Received is one collector call as seen by the server.
type Received struct {
	Method string
	Path   string
	Header http.Header

	// Schema is the envelope schema of a POST body; empty for GET.
	Schema string

	// Events holds the decoded events: the envelope data items for POST, or
	// the query parameters for GET.
	Events []map[string]any

	At time.Time
}

// StatusFunc picks the status code for a received call.
type StatusFunc func(Received) int

// Server is a fake collector backed by httptest.Server.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []Received
	status   StatusFunc
	delay    time.Duration

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	throttled   atomic.Int64

	postPath  string
	rateLimit int
	rateEvery time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithStatus answers every call with code.
func WithStatus(code int) Option {
	return func(s *Server) { s.status = func(Received) int { return code } }
}

// WithStatusFunc answers each call with fn's result.
func WithStatusFunc(fn StatusFunc) Option {
	return func(s *Server) { s.status = fn }
}

// WithDelay holds every call for d before answering.
func WithDelay(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// WithPostPath serves POST on path instead of the default tp2 path.
func WithPostPath(path string) Option {
	return func(s *Server) { s.postPath = path }
}

// WithRateLimit rejects calls beyond limit per window with 429.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(s *Server) {
		s.rateLimit = limit
		s.rateEvery = window
	}
}

// New starts a collector. Call Close when done.
func New(opts ...Option) *Server {
	s := &Server{
		status:   func(Received) int { return http.StatusOK },
		postPath: postPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	if s.rateLimit > 0 {
		r.Use(httprate.Limit(
			s.rateLimit,
			s.rateEvery,
			httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "collector", nil }),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				s.throttled.Add(1)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(s.rateEvery.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
			}),
		))
	}
	r.Post(s.postPath, s.handlePost)
	r.Get(getPath, s.handleGet)
	return r
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	rec := Received{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), At: time.Now()}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var env struct {
		Schema string           `json:"schema"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rec.Schema = env.Schema
	rec.Events = env.Data
	s.respond(w, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec := Received{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), At: time.Now()}
	event := make(map[string]any)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			event[k] = v[0]
		}
	}
	rec.Events = []map[string]any{event}
	s.respond(w, rec)
}

func (s *Server) respond(w http.ResponseWriter, rec Received) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxInFlight.Load()
		if n <= prev || s.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}

	s.mu.Lock()
	s.received = append(s.received, rec)
	status, delay := s.status, s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	w.WriteHeader(status(rec))
}

// URL returns the collector base URL, e.g. "http://127.0.0.1:53211".
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// SetStatus changes the status code for subsequent calls.
func (s *Server) SetStatus(code int) {
	s.SetStatusFunc(func(Received) int { return code })
}

// SetStatusFunc changes the status function for subsequent calls.
func (s *Server) SetStatusFunc(fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fn
}

// Requests returns a copy of every call received so far.
func (s *Server) Requests() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.received))
	copy(out, s.received)
	return out
}

// EventCount returns the number of events received across all calls.
func (s *Server) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.received {
		n += len(r.Events)
	}
	return n
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (s *Server) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

// Throttled returns how many calls were rejected with 429.
func (s *Server) Throttled() int {
	return int(s.throttled.Load())
}
