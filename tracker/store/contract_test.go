package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/tracker-go/tracker/payload"
)

// testClock is a manually advanced clock shared by a store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeFactory opens a fresh, empty store stamped by clock.
type storeFactory func(t *testing.T, clock *testClock) EventStore

func testPayload(n int) *payload.Payload {
	p := payload.New()
	p.Add(payload.KeyEventType, "se")
	p.Add("se_ca", "category")
	p.Add("se_ac", fmt.Sprintf("action-%d", n))
	return p
}

func insertN(t *testing.T, st EventStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := st.Insert(context.Background(), testPayload(i)); err != nil {
			t.Fatalf("Insert(%d) failed: %v", i, err)
		}
	}
}

func eventIDs(events []Event) []int64 {
	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}

// runEventStoreContract checks the behaviour every EventStore must share.
func runEventStoreContract(t *testing.T, open storeFactory) {
	t.Run("FIFOAndMonotonicIDs", func(t *testing.T) {
		ctx := context.Background()
		st := open(t, newTestClock())
		insertN(t, st, 5)

		events, err := st.Read(ctx, 3)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i, ev := range events {
			if got := ev.Payload.GetString("se_ac"); got != fmt.Sprintf("action-%d", i) {
				t.Errorf("event %d: expected action-%d, got %q", i, i, got)
			}
			if i > 0 && ev.ID <= events[i-1].ID {
				t.Errorf("ids not increasing: %v", eventIDs(events))
			}
		}

		all, err := st.Read(ctx, 0)
		if err != nil {
			t.Fatalf("Read(0) failed: %v", err)
		}
		if len(all) != 5 {
			t.Errorf("expected Read(0) to return all 5 events, got %d", len(all))
		}
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		st := open(t, newTestClock())

		p := payload.New()
		p.Add(payload.KeyEventType, "pv")
		p.Add("url", "https://example.com")
		p.Add("refr", "https://ref.example.com")
		if err := st.Insert(ctx, p); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		events, err := st.Read(ctx, 10)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		got := events[0].Payload
		want := []string{payload.KeyEventType, "url", "refr"}
		if fmt.Sprint(got.Keys()) != fmt.Sprint(want) {
			t.Errorf("expected key order %v, got %v", want, got.Keys())
		}
		if got.GetString("url") != "https://example.com" {
			t.Errorf("unexpected url %q", got.GetString("url"))
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		st := open(t, newTestClock())
		insertN(t, st, 3)

		events, _ := st.Read(ctx, 0)
		ids := eventIDs(events)

		ok, err := st.Delete(ctx, ids[:2])
		if err != nil || !ok {
			t.Fatalf("Delete failed: ok=%v err=%v", ok, err)
		}
		ok, err = st.Delete(ctx, ids[:2])
		if err != nil || !ok {
			t.Fatalf("second Delete of same ids failed: ok=%v err=%v", ok, err)
		}
		if _, err := st.Delete(ctx, []int64{ids[2] + 1000}); err != nil {
			t.Fatalf("Delete of unknown id failed: %v", err)
		}

		n, err := st.Count(ctx)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 pending event, got %d", n)
		}

		ok, err = st.Delete(ctx, nil)
		if err != nil || ok {
			t.Errorf("expected empty Delete to be a no-op, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("IDsNotReusedAfterDelete", func(t *testing.T) {
		ctx := context.Background()
		st := open(t, newTestClock())
		insertN(t, st, 2)
		events, _ := st.Read(ctx, 0)
		last := events[len(events)-1].ID
		if _, err := st.Delete(ctx, eventIDs(events)); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		insertN(t, st, 1)
		events, _ = st.Read(ctx, 0)
		if len(events) != 1 || events[0].ID <= last {
			t.Errorf("expected new id > %d, got %v", last, eventIDs(events))
		}
	})

	t.Run("UnserializablePayloadIsRejected", func(t *testing.T) {
		ctx := context.Background()
		st := open(t, newTestClock())

		bad := payload.New()
		bad.Add(payload.KeyEventType, "se")
		bad.Add("ch", make(chan int))
		err := st.Insert(ctx, bad)
		if !errors.Is(err, ErrUnserializable) {
			t.Fatalf("expected ErrUnserializable, got %v", err)
		}
		if err := st.Insert(ctx, nil); !errors.Is(err, ErrUnserializable) {
			t.Fatalf("expected ErrUnserializable for nil payload, got %v", err)
		}

		insertN(t, st, 1)
		n, _ := st.Count(ctx)
		if n != 1 {
			t.Errorf("store should remain usable, expected 1 event, got %d", n)
		}
	})

	t.Run("RemoveOldestByCount", func(t *testing.T) {
		ctx := context.Background()
		clock := newTestClock()
		st := open(t, clock)
		for i := 0; i < 5; i++ {
			insertN(t, st, 1)
			clock.Advance(time.Second)
		}
		all, _ := st.Read(ctx, 0)

		if err := st.RemoveOldest(ctx, 2, 0); err != nil {
			t.Fatalf("RemoveOldest failed: %v", err)
		}
		left, _ := st.Read(ctx, 0)
		want := eventIDs(all)[3:]
		if fmt.Sprint(eventIDs(left)) != fmt.Sprint(want) {
			t.Errorf("expected survivors %v, got %v", want, eventIDs(left))
		}
	})

	t.Run("RemoveOldestByAgeThenCount", func(t *testing.T) {
		ctx := context.Background()
		clock := newTestClock()
		st := open(t, clock)

		insertN(t, st, 2) // old
		clock.Advance(2 * time.Hour)
		insertN(t, st, 3) // fresh
		all, _ := st.Read(ctx, 0)

		if err := st.RemoveOldest(ctx, 0, time.Hour); err != nil {
			t.Fatalf("RemoveOldest(age) failed: %v", err)
		}
		left, _ := st.Read(ctx, 0)
		if fmt.Sprint(eventIDs(left)) != fmt.Sprint(eventIDs(all)[2:]) {
			t.Fatalf("expected only fresh events, got %v", eventIDs(left))
		}

		// Age and count together: the count applies to age survivors.
		if err := st.RemoveOldest(ctx, 1, time.Hour); err != nil {
			t.Fatalf("RemoveOldest(age+count) failed: %v", err)
		}
		left, _ = st.Read(ctx, 0)
		if len(left) != 1 || left[0].ID != all[4].ID {
			t.Errorf("expected newest event %d to survive, got %v", all[4].ID, eventIDs(left))
		}
	})

	t.Run("RemoveOldestDisabled", func(t *testing.T) {
		ctx := context.Background()
		st := open(t, newTestClock())
		insertN(t, st, 4)
		if err := st.RemoveOldest(ctx, 0, 0); err != nil {
			t.Fatalf("RemoveOldest failed: %v", err)
		}
		n, _ := st.Count(ctx)
		if n != 4 {
			t.Errorf("expected no eviction, got %d events", n)
		}
	})

	t.Run("ConcurrentInsert", func(t *testing.T) {
		ctx := context.Background()
		st := open(t, newTestClock())

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					if err := st.Insert(ctx, testPayload(i)); err != nil {
						t.Errorf("concurrent Insert failed: %v", err)
					}
				}
			}()
		}
		wg.Wait()

		events, err := st.Read(ctx, 0)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(events) != 40 {
			t.Fatalf("expected 40 events, got %d", len(events))
		}
		seen := make(map[int64]bool)
		for _, ev := range events {
			if seen[ev.ID] {
				t.Fatalf("duplicate id %d", ev.ID)
			}
			seen[ev.ID] = true
		}
	})

	t.Run("ClosedStore", func(t *testing.T) {
		ctx := context.Background()
		st := open(t, newTestClock())
		if err := st.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := st.Close(); err != nil {
			t.Errorf("second Close should be a no-op, got %v", err)
		}
		if err := st.Insert(ctx, testPayload(0)); !errors.Is(err, ErrClosed) {
			t.Errorf("Insert: expected ErrClosed, got %v", err)
		}
		if _, err := st.Read(ctx, 1); !errors.Is(err, ErrClosed) {
			t.Errorf("Read: expected ErrClosed, got %v", err)
		}
		if _, err := st.Count(ctx); !errors.Is(err, ErrClosed) {
			t.Errorf("Count: expected ErrClosed, got %v", err)
		}
	})
}

// rawInserter writes data as a stored event without going through Insert.
type rawInserter func(t *testing.T, st EventStore, data string)

// runCorruptRowContract checks that an undecodable row is dropped by Read
// instead of hiding the events queued behind it.
func runCorruptRowContract(t *testing.T, open storeFactory, insertRaw rawInserter) {
	t.Run("CorruptRowIsDropped", func(t *testing.T) {
		ctx := context.Background()
		st := open(t, newTestClock())
		insertRaw(t, st, "not json")
		insertN(t, st, 3)

		if n, _ := st.Count(ctx); n != 4 {
			t.Fatalf("expected 4 stored rows, got %d", n)
		}

		events, err := st.Read(ctx, 0)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected the 3 valid events, got %d", len(events))
		}
		for i, ev := range events {
			if got := ev.Payload.GetString("se_ac"); got != fmt.Sprintf("action-%d", i) {
				t.Errorf("event %d: expected action-%d, got %q", i, i, got)
			}
		}

		n, err := st.Count(ctx)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 3 {
			t.Errorf("expected the corrupt row to be deleted, %d rows left", n)
		}

		again, err := st.Read(ctx, 0)
		if err != nil {
			t.Fatalf("second Read failed: %v", err)
		}
		if fmt.Sprint(eventIDs(again)) != fmt.Sprint(eventIDs(events)) {
			t.Errorf("expected %v on second read, got %v", eventIDs(events), eventIDs(again))
		}
	})
}
