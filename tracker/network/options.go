package network

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dshills/tracker-go/tracker/request"
)

const (
	// DefaultTimeout bounds each collector call.
	DefaultTimeout = 30 * time.Second

	// DefaultThreadPoolSize caps concurrent collector calls per Send.
	DefaultThreadPoolSize = 15
)

// Option configures an HTTPConnection.
type Option func(*HTTPConnection) error

// WithMethod selects GET or POST delivery. Default: POST.
func WithMethod(m request.Method) Option {
	return func(c *HTTPConnection) error {
		c.method = m
		return nil
	}
}

// WithProtocol sets the scheme used when the endpoint has none. Default: https.
func WithProtocol(p Protocol) Option {
	return func(c *HTTPConnection) error {
		if p != ProtocolHTTP && p != ProtocolHTTPS {
			return fmt.Errorf("unsupported protocol %q", p)
		}
		c.protocol = p
		return nil
	}
}

// WithCustomPostPath replaces the POST path, e.g. for a proxy in front of the
// collector. The path must start with "/".
func WithCustomPostPath(path string) Option {
	return func(c *HTTPConnection) error {
		if path == "" {
			return nil
		}
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("custom post path must start with '/': %q", path)
		}
		c.postPath = path
		return nil
	}
}

// WithTimeout bounds each collector call. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPConnection) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithThreadPoolSize caps the number of concurrent collector calls. Default: 15.
func WithThreadPoolSize(n int) Option {
	return func(c *HTTPConnection) error {
		if n < 1 {
			return fmt.Errorf("thread pool size must be >= 1, got %d", n)
		}
		c.poolSize = n
		return nil
	}
}

// WithRequestHeaders adds headers to every collector call. They are applied
// after the protocol headers and may override them.
func WithRequestHeaders(headers map[string]string) Option {
	return func(c *HTTPConnection) error {
		if c.headers == nil {
			c.headers = make(map[string]string, len(headers))
		}
		maps.Copy(c.headers, headers)
		return nil
	}
}

// WithServerAnonymisation sends "SP-Anonymous: *" on every call.
func WithServerAnonymisation(enabled bool) Option {
	return func(c *HTTPConnection) error {
		c.anonymise = enabled
		return nil
	}
}

// WithHTTPClient replaces the default otelhttp-instrumented client.
func WithHTTPClient(client HTTPDoer) Option {
	return func(c *HTTPConnection) error {
		if client == nil {
			return fmt.Errorf("http client must not be nil")
		}
		c.client = client
		return nil
	}
}

// WithRateLimit limits collector calls to rps per second with the given burst,
// shared by every worker. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *HTTPConnection) error {
		if rps <= 0 {
			c.limiter = nil
			return nil
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithLogger sets the logger used for transport failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *HTTPConnection) error {
		c.logger = logger
		return nil
	}
}
