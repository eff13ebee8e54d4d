package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dshills/tracker-go/internal/log"
	"github.com/dshills/tracker-go/tracker/request"
)

// HTTPConnection is the default Connection. It fans requests out to a bounded
// pool of workers and reports one status code per request.
//
// Wire format:
//   - GET:  GET {endpoint}/i?{url-encoded payload}
//   - POST: POST {endpoint}/com.snowplowanalytics.snowplow/tp2 with the
//     payload_data envelope as JSON body
//
// Example:
//
//	conn, err := network.NewHTTPConnection("collector.example.com",
//	    network.WithMethod(request.MethodPost),
//	    network.WithThreadPoolSize(4),
//	)
type HTTPConnection struct {
	endpoint  string
	method    request.Method
	protocol  Protocol
	postPath  string
	timeout   time.Duration
	poolSize  int
	headers   map[string]string
	anonymise bool
	client    HTTPDoer
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

var _ Connection = (*HTTPConnection)(nil)

// NewHTTPConnection creates a connection to the collector at endpoint.
//
// An endpoint without a scheme gets the configured protocol (https by
// default); an explicit http:// or https:// wins. A trailing "/" is removed.
func NewHTTPConnection(endpoint string, opts ...Option) (*HTTPConnection, error) {
	c := &HTTPConnection{
		method:   request.MethodPost,
		protocol: ProtocolHTTPS,
		postPath: DefaultPostPath,
		timeout:  DefaultTimeout,
		poolSize: DefaultThreadPoolSize,
		logger:   log.WithComponent("network"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	normalized, err := normalizeEndpoint(endpoint, c.protocol)
	if err != nil {
		return nil, err
	}
	c.endpoint = normalized

	if c.client == nil {
		c.client = &http.Client{
			// Timeout handled via context
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c, nil
}

func normalizeEndpoint(endpoint string, protocol Protocol) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("%w: empty endpoint", ErrInvalidEndpoint)
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = string(protocol) + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != string(ProtocolHTTP) && u.Scheme != string(ProtocolHTTPS) {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, endpoint)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// Method returns the configured HTTP method.
func (c *HTTPConnection) Method() request.Method {
	return c.method
}

// URL returns the collector URL requests are sent to.
func (c *HTTPConnection) URL() string {
	if c.method == request.MethodGet {
		return c.endpoint + GetPath
	}
	return c.endpoint + c.postPath
}

// Send delivers requests with at most poolSize in flight and waits for all of
// them. Results are returned in request order.
func (c *HTTPConnection) Send(ctx context.Context, requests []request.Request) []request.Result {
	results := make([]request.Result, len(requests))

	var g errgroup.Group
	g.SetLimit(c.poolSize)
	for i, req := range requests {
		g.Go(func() error {
			results[i] = request.NewResult(c.sendOne(ctx, req), req)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// sendOne performs a single collector call and returns its status code, or 0
// if no response was received.
func (c *HTTPConnection) sendOne(ctx context.Context, req request.Request) int {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("rate limiter wait aborted")
			return 0
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to build collector request")
		return 0
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldURL, c.URL()).Msg("collector request failed")
		return 0
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug().
		Int(log.FieldStatus, resp.StatusCode).
		Int("events", len(req.StoreIDs)).
		Msg("collector responded")
	return resp.StatusCode
}

func (c *HTTPConnection) newHTTPRequest(ctx context.Context, req request.Request) (*http.Request, error) {
	var (
		httpReq *http.Request
		err     error
	)
	if c.method == request.MethodGet {
		target := c.endpoint + GetPath + "?" + req.Payload.Encode()
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
	} else {
		body, merr := json.Marshal(req.Payload)
		if merr != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", merr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+c.postPath, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", ContentTypeJSON)
	}

	httpReq.Header.Set("Accept", AcceptHeader)
	if c.anonymise {
		httpReq.Header.Set(AnonymousHeader, "*")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}
