package request

import (
	"time"

	"github.com/dshills/tracker-go/tracker/payload"
	"github.com/dshills/tracker-go/tracker/store"
)

const (
	// PostWrapperBytes is the envelope overhead charged once per non-empty POST
	// batch, on top of one separator byte per event.
	PostWrapperBytes = 88

	// PayloadDataSchema identifies the POST envelope.
	PayloadDataSchema = "iglu:com.snowplowanalytics.snowplow/payload_data/jsonschema/1-0-4"

	// DefaultByteLimit applies to both GET and POST when no limit is configured.
	DefaultByteLimit = 40000

	// DefaultBufferSize is the POST batch cap.
	DefaultBufferSize = 150
)

// Builder groups pending events into requests.
//
// A Builder is a value: the emitter copies one from its configuration
// snapshot for every cycle, so changing limits never affects a build in
// progress.
type Builder struct {
	Method        Method
	BufferSize    int
	ByteLimitGet  int
	ByteLimitPost int

	// Now stamps the sending timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Build turns events into requests, preserving FIFO order.
//
// Each event is cloned and stamped with the same stm value; the stored
// payloads are left untouched.
func (b Builder) Build(events []store.Event) []Request {
	if len(events) == 0 {
		return nil
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	stm := payload.Timestamp(now())

	if b.Method == MethodGet {
		return b.buildGet(events, stm)
	}
	return b.buildPost(events, stm)
}

func stamped(ev store.Event, stm string) *payload.Payload {
	p := ev.Payload.Clone()
	p.Add(payload.KeySentTimestamp, stm)
	return p
}

func (b Builder) buildGet(events []store.Event, stm string) []Request {
	limit := orDefault(b.ByteLimitGet, DefaultByteLimit)
	requests := make([]Request, 0, len(events))
	for _, ev := range events {
		p := stamped(ev, stm)
		size := p.ByteSize()
		requests = append(requests, Request{
			Payload:  p,
			StoreIDs: []int64{ev.ID},
			Oversize: size > limit,
			ByteSize: size,
		})
	}
	return requests
}

// postBatch accumulates events for one POST request.
type postBatch struct {
	payloads []*payload.Payload
	ids      []int64
	size     int
}

// wouldBe is the serialized size of the batch after adding an event of size
// bytes: payloads, one separator per event and the envelope.
func (pb *postBatch) wouldBe(size int) int {
	return batchSize(len(pb.payloads)+1, pb.size+size)
}

func (pb *postBatch) add(p *payload.Payload, id int64, size int) {
	pb.payloads = append(pb.payloads, p)
	pb.ids = append(pb.ids, id)
	pb.size += size
}

func (b Builder) buildPost(events []store.Event, stm string) []Request {
	limit := orDefault(b.ByteLimitPost, DefaultByteLimit)
	window := orDefault(b.BufferSize, DefaultBufferSize)

	var requests []Request
	flush := func(pb *postBatch) {
		if len(pb.payloads) == 0 {
			return
		}
		requests = append(requests, envelope(pb.payloads, pb.ids, false))
		*pb = postBatch{}
	}

	for start := 0; start < len(events); start += window {
		end := min(start+window, len(events))

		var batch postBatch
		for _, ev := range events[start:end] {
			p := stamped(ev, stm)
			size := p.ByteSize()

			switch {
			case size > limit:
				requests = append(requests, envelope([]*payload.Payload{p}, []int64{ev.ID}, true))
			case batchSize(1, size) > limit:
				// Fits the limit only without the envelope: sent alone, still retryable.
				requests = append(requests, envelope([]*payload.Payload{p}, []int64{ev.ID}, false))
			case batch.wouldBe(size) > limit:
				flush(&batch)
				batch.add(p, ev.ID, size)
			default:
				batch.add(p, ev.ID, size)
			}
		}
		flush(&batch)
	}
	return requests
}

// envelope wraps payloads in the payload_data self-describing JSON.
func envelope(payloads []*payload.Payload, ids []int64, oversize bool) Request {
	env := payload.New()
	env.Add("schema", PayloadDataSchema)
	env.Add("data", payloads)
	return Request{
		Payload:  env,
		StoreIDs: ids,
		Oversize: oversize,
		ByteSize: env.ByteSize(),
	}
}

// batchSize is the byte size charged for n payloads totalling sum bytes.
func batchSize(n, sum int) int {
	if n == 0 {
		return 0
	}
	return sum + n + PostWrapperBytes
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
