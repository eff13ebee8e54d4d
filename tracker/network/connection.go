// Package network delivers collector requests over HTTP.
package network

import (
	"context"
	"errors"
	"net/http"

	"github.com/dshills/tracker-go/tracker/request"
)

// ErrInvalidEndpoint is returned when the collector endpoint cannot be parsed.
var ErrInvalidEndpoint = errors.New("invalid collector endpoint")

// Connection sends requests to a collector.
//
// Send blocks until every request has a result and returns one result per
// request, in request order. A request that got no response yields a result
// with StatusCode 0; Send itself never fails.
type Connection interface {
	Send(ctx context.Context, requests []request.Request) []request.Result
	Method() request.Method
	URL() string
}

// HTTPDoer abstracts HTTP client operations for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Ensure http.Client implements HTTPDoer.
var _ HTTPDoer = (*http.Client)(nil)

// Protocol is the URL scheme used when the endpoint does not name one.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// Collector paths and headers of the tracker protocol.
const (
	DefaultPostPath = "/com.snowplowanalytics.snowplow/tp2"
	GetPath         = "/i"

	ContentTypeJSON = "application/json; charset=utf-8"
	AcceptHeader    = "text/html, application/x-www-form-urlencoded, text/plain, image/gif"

	// AnonymousHeader asks the collector not to set or read user identifiers.
	AnonymousHeader = "SP-Anonymous"
)
