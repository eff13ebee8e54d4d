// Package request turns pending events into collector requests and classifies
// the results of sending them.
package request

import (
	"fmt"
	"strings"

	"github.com/dshills/tracker-go/tracker/payload"
)

// Method is the HTTP method used to deliver events to the collector.
type Method int

const (
	// MethodPost sends batches of events as a JSON envelope.
	MethodPost Method = iota
	// MethodGet sends one event per request as URL query parameters.
	MethodGet
)

// String returns "POST" or "GET".
func (m Method) String() string {
	if m == MethodGet {
		return "GET"
	}
	return "POST"
}

// ParseMethod accepts "get" or "post" in any case.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GET":
		return MethodGet, nil
	case "POST", "":
		return MethodPost, nil
	default:
		return MethodPost, fmt.Errorf("unknown HTTP method %q", s)
	}
}

// Request is one collector call covering one or more stored events.
type Request struct {
	// Payload is the event itself for GET, or the payload_data envelope for POST.
	Payload *payload.Payload

	// StoreIDs lists the store ids of every event carried by the request, in
	// FIFO order.
	StoreIDs []int64

	// Oversize marks a single event that exceeds the byte limit on its own.
	// Oversize requests are sent once and never retried.
	Oversize bool

	// ByteSize is the serialized size used for the limit check.
	ByteSize int
}

// Result is the outcome of sending one Request.
type Result struct {
	// StatusCode is the collector's HTTP status, or 0 when no response arrived.
	StatusCode int

	// Oversize is copied from the Request.
	Oversize bool

	// StoreIDs is copied from the Request.
	StoreIDs []int64
}

// NewResult pairs a status code with the request it answers.
func NewResult(statusCode int, req Request) Result {
	return Result{StatusCode: statusCode, Oversize: req.Oversize, StoreIDs: req.StoreIDs}
}

// IsSuccessful reports a 2xx status.
func (r Result) IsSuccessful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
