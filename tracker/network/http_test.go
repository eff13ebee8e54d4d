package network

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tracker-go/tracker/collectortest"
	"github.com/dshills/tracker-go/tracker/payload"
	"github.com/dshills/tracker-go/tracker/request"
	"github.com/dshills/tracker-go/tracker/store"
)

func events(n int) []store.Event {
	out := make([]store.Event, n)
	for i := range out {
		p := payload.New()
		p.Add(payload.KeyEventType, "pv")
		p.Add("url", "https://example.com/page")
		out[i] = store.Event{ID: int64(i + 1), Payload: p}
	}
	return out
}

func newConn(t *testing.T, endpoint string, opts ...Option) *HTTPConnection {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	conn, err := NewHTTPConnection(endpoint, opts...)
	require.NoError(t, err)
	return conn
}

func TestHTTPConnection_Post(t *testing.T) {
	srv := collectortest.New()
	defer srv.Close()

	conn := newConn(t, srv.URL(),
		WithRequestHeaders(map[string]string{"X-Test": "yes"}),
		WithServerAnonymisation(true),
	)
	reqs := request.Builder{Method: request.MethodPost, BufferSize: 10}.Build(events(3))
	results := conn.Send(context.Background(), reqs)

	require.Len(t, results, 1)
	assert.True(t, results[0].IsSuccessful())
	assert.Equal(t, []int64{1, 2, 3}, results[0].StoreIDs)

	got := srv.Requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].Method)
	assert.Equal(t, DefaultPostPath, got[0].Path)
	assert.Equal(t, request.PayloadDataSchema, got[0].Schema)
	assert.Len(t, got[0].Events, 3)
	assert.Equal(t, ContentTypeJSON, got[0].Header.Get("Content-Type"))
	assert.Equal(t, AcceptHeader, got[0].Header.Get("Accept"))
	assert.Equal(t, "*", got[0].Header.Get(AnonymousHeader))
	assert.Equal(t, "yes", got[0].Header.Get("X-Test"))
	assert.NotEmpty(t, got[0].Events[0][payload.KeySentTimestamp])
}

func TestHTTPConnection_Get(t *testing.T) {
	srv := collectortest.New()
	defer srv.Close()

	conn := newConn(t, srv.URL(), WithMethod(request.MethodGet))
	assert.Equal(t, srv.URL()+GetPath, conn.URL())

	reqs := request.Builder{Method: request.MethodGet}.Build(events(2))
	results := conn.Send(context.Background(), reqs)

	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, http.StatusOK, res.StatusCode)
	}
	got := srv.Requests()
	require.Len(t, got, 2)
	assert.Equal(t, GetPath, got[0].Path)
	assert.Equal(t, "https://example.com/page", got[0].Events[0]["url"])
	assert.Empty(t, got[0].Header.Get("Content-Type"))
	assert.Empty(t, got[0].Header.Get(AnonymousHeader))
}

func TestHTTPConnection_CustomPostPath(t *testing.T) {
	srv := collectortest.New(collectortest.WithPostPath("/custom/path"))
	defer srv.Close()

	conn := newConn(t, srv.URL(), WithCustomPostPath("/custom/path"))
	results := conn.Send(context.Background(), request.Builder{}.Build(events(1)))

	require.Len(t, results, 1)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)
	assert.True(t, strings.HasSuffix(conn.URL(), "/custom/path"))
}

func TestHTTPConnection_StatusPassthrough(t *testing.T) {
	srv := collectortest.New(collectortest.WithStatus(http.StatusServiceUnavailable))
	defer srv.Close()

	conn := newConn(t, srv.URL())
	reqs := request.Builder{}.Build(events(1))
	results := conn.Send(context.Background(), reqs)
	require.Len(t, results, 1)
	assert.Equal(t, http.StatusServiceUnavailable, results[0].StatusCode)
	assert.True(t, request.ShouldRetry(results[0], nil, true))
}

type failingDoer struct{ calls atomic.Int32 }

func (f *failingDoer) Do(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestHTTPConnection_NoResponseIsStatusZero(t *testing.T) {
	doer := &failingDoer{}
	conn := newConn(t, "collector.invalid", WithHTTPClient(doer), WithMethod(request.MethodGet))

	results := conn.Send(context.Background(), request.Builder{Method: request.MethodGet}.Build(events(3)))
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, 0, res.StatusCode)
		assert.Equal(t, []int64{int64(i + 1)}, res.StoreIDs)
	}
	assert.EqualValues(t, 3, doer.calls.Load())
}

func TestHTTPConnection_Timeout(t *testing.T) {
	srv := collectortest.New(collectortest.WithDelay(300 * time.Millisecond))
	defer srv.Close()

	conn := newConn(t, srv.URL(), WithTimeout(50*time.Millisecond))
	results := conn.Send(context.Background(), request.Builder{}.Build(events(1)))
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].StatusCode)
}

func TestHTTPConnection_PoolBound(t *testing.T) {
	srv := collectortest.New(collectortest.WithDelay(30 * time.Millisecond))
	defer srv.Close()

	conn := newConn(t, srv.URL(), WithMethod(request.MethodGet), WithThreadPoolSize(3))
	reqs := request.Builder{Method: request.MethodGet}.Build(events(12))
	results := conn.Send(context.Background(), reqs)

	require.Len(t, results, 12)
	for i, res := range results {
		assert.Equal(t, reqs[i].StoreIDs, res.StoreIDs, "results must keep request order")
	}
	assert.LessOrEqual(t, srv.MaxInFlight(), 3)
	assert.GreaterOrEqual(t, srv.MaxInFlight(), 2)
}

func TestHTTPConnection_RateLimit(t *testing.T) {
	srv := collectortest.New()
	defer srv.Close()

	conn := newConn(t, srv.URL(), WithMethod(request.MethodGet), WithRateLimit(20, 1))
	start := time.Now()
	results := conn.Send(context.Background(), request.Builder{Method: request.MethodGet}.Build(events(5)))
	elapsed := time.Since(start)

	require.Len(t, results, 5)
	// Burst 1 at 20/s spaces the remaining four calls 50ms apart.
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestHTTPConnection_CancelledContext(t *testing.T) {
	srv := collectortest.New()
	defer srv.Close()

	conn := newConn(t, srv.URL())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := conn.Send(ctx, request.Builder{}.Build(events(1)))
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].StatusCode)
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		protocol Protocol
		want     string
		wantErr  bool
	}{
		{"bare host https", "collector.example.com", ProtocolHTTPS, "https://collector.example.com", false},
		{"bare host http", "collector.example.com", ProtocolHTTP, "http://collector.example.com", false},
		{"explicit scheme wins", "http://collector.example.com", ProtocolHTTPS, "http://collector.example.com", false},
		{"trailing slash", "https://collector.example.com/", ProtocolHTTPS, "https://collector.example.com", false},
		{"with port", "localhost:9090", ProtocolHTTP, "http://localhost:9090", false},
		{"empty", "  ", ProtocolHTTPS, "", true},
		{"bad scheme", "ftp://collector.example.com", ProtocolHTTPS, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeEndpoint(tt.endpoint, tt.protocol)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEndpoint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptions_Validation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"pool size", WithThreadPoolSize(0)},
		{"timeout", WithTimeout(0)},
		{"protocol", WithProtocol("gopher")},
		{"post path", WithCustomPostPath("no-slash")},
		{"client", WithHTTPClient(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPConnection("collector.example.com", tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestHTTPConnection_Defaults(t *testing.T) {
	conn := newConn(t, "collector.example.com")
	assert.Equal(t, request.MethodPost, conn.Method())
	assert.Equal(t, "https://collector.example.com"+DefaultPostPath, conn.URL())
	assert.Equal(t, DefaultThreadPoolSize, conn.poolSize)
	assert.Equal(t, DefaultTimeout, conn.timeout)
}
