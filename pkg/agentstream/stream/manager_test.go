package stream_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/sse"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/stream"
)

func testConfig() stream.Config {
	cfg := stream.DefaultConfig
	// Keep the background loops out of the way.
	cfg.HeartbeatInterval = time.Hour
	cfg.StallTimeout = time.Hour
	return cfg
}

func rec(seq uint64, kind, data string) sse.SSEEvent {
	return sse.SSEEvent{ID: strconv.FormatUint(seq, 10), Event: kind, Data: data}
}

func mustNext(t *testing.T, sub *stream.Subscription) stream.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return r
}

func publishN(t *testing.T, m *stream.Manager, sessionID string, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		err := m.Publish(sessionID, seq, rec(seq, "message", `{"n":`+strconv.FormatUint(seq, 10)+`}`),
			stream.PublishMeta{Severity: event.SeverityInfo})
		if err != nil {
			t.Fatalf("Publish(%d): %v", seq, err)
		}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	sub, err := m.Subscribe("sess-1", "", sse.TransformOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	publishN(t, m, "sess-1", 1, 3)

	for want := uint64(1); want <= 3; want++ {
		r := mustNext(t, sub)
		if r.SSEEvent.ID != strconv.FormatUint(want, 10) {
			t.Fatalf("record %d: got id %q", want, r.SSEEvent.ID)
		}
	}
	if got := sub.LastDelivered(); got != 3 {
		t.Errorf("LastDelivered = %d, want 3", got)
	}
}

func TestSlowConsumerGetsGap(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacity = 4
	m := stream.NewManager(cfg)
	defer m.Close()

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})
	publishN(t, m, "sess-1", 1, 10)

	// The six oldest were displaced; the gap marker arrives first.
	r := mustNext(t, sub)
	if r.SSEEvent.Event != sse.EventGap {
		t.Fatalf("first record = %q, want %q", r.SSEEvent.Event, sse.EventGap)
	}
	if !strings.Contains(r.SSEEvent.Data, `"dropped":6`) {
		t.Errorf("gap data = %q, want dropped count 6", r.SSEEvent.Data)
	}

	for want := uint64(7); want <= 10; want++ {
		r := mustNext(t, sub)
		if r.SSEEvent.ID != strconv.FormatUint(want, 10) {
			t.Fatalf("after gap: got id %q, want %d", r.SSEEvent.ID, want)
		}
	}

	if stats := m.Stats(); stats.Dropped != 6 {
		t.Errorf("Stats.Dropped = %d, want 6", stats.Dropped)
	}
}

func TestReplayAfterLastEventID(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	publishN(t, m, "sess-1", 1, 5)

	sub, err := m.Subscribe("sess-1", "2", sse.TransformOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for want := uint64(3); want <= 5; want++ {
		r := mustNext(t, sub)
		if r.SSEEvent.ID != strconv.FormatUint(want, 10) {
			t.Fatalf("replay: got id %q, want %d", r.SSEEvent.ID, want)
		}
	}
}

func TestReplayFullWindowWithoutLastEventID(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	publishN(t, m, "sess-1", 1, 3)

	// A late attacher with no resume position sees everything retained.
	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})
	for want := uint64(1); want <= 3; want++ {
		r := mustNext(t, sub)
		if r.SSEEvent.ID != strconv.FormatUint(want, 10) {
			t.Fatalf("replay: got id %q, want %d", r.SSEEvent.ID, want)
		}
	}
}

func TestReplayTrimmedHistoryGap(t *testing.T) {
	cfg := testConfig()
	cfg.ReplayWindow = 3
	m := stream.NewManager(cfg)
	defer m.Close()

	publishN(t, m, "sess-1", 1, 5)

	// Client saw event 1; events 2 fell out of the window.
	sub, _ := m.Subscribe("sess-1", "1", sse.TransformOptions{})
	r := mustNext(t, sub)
	if r.SSEEvent.Event != sse.EventGap {
		t.Fatalf("first record = %q, want %q", r.SSEEvent.Event, sse.EventGap)
	}
	if !strings.Contains(r.SSEEvent.Data, `"dropped":1`) {
		t.Errorf("gap data = %q, want dropped count 1", r.SSEEvent.Data)
	}
	for want := uint64(3); want <= 5; want++ {
		r := mustNext(t, sub)
		if r.SSEEvent.ID != strconv.FormatUint(want, 10) {
			t.Fatalf("after gap: got id %q, want %d", r.SSEEvent.ID, want)
		}
	}
}

func TestCoalesceSquashesBursts(t *testing.T) {
	cfg := testConfig()
	cfg.CoalesceWindow = time.Second
	m := stream.NewManager(cfg)
	defer m.Close()

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{Coalesce: true})

	meta := stream.PublishMeta{Severity: event.SeverityInfo}
	burst := stream.PublishMeta{Severity: event.SeverityInfo, Coalescible: true}
	_ = m.Publish("sess-1", 1, rec(1, "message", `{}`), meta)
	_ = m.Publish("sess-1", 2, rec(2, "thinking", `{"step":"a"}`), burst)
	_ = m.Publish("sess-1", 3, rec(3, "thinking", `{"step":"b"}`), burst)

	r := mustNext(t, sub)
	if r.SSEEvent.ID != "1" {
		t.Fatalf("got id %q, want 1", r.SSEEvent.ID)
	}
	// The burst collapsed to its latest update.
	r = mustNext(t, sub)
	if r.SSEEvent.ID != "3" {
		t.Fatalf("got id %q, want 3", r.SSEEvent.ID)
	}
	if !strings.Contains(r.SSEEvent.Data, `"b"`) {
		t.Errorf("coalesced data = %q, want latest payload", r.SSEEvent.Data)
	}
}

func TestCoalesceRequiresOptIn(t *testing.T) {
	cfg := testConfig()
	cfg.CoalesceWindow = time.Second
	m := stream.NewManager(cfg)
	defer m.Close()

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})

	burst := stream.PublishMeta{Severity: event.SeverityInfo, Coalescible: true}
	_ = m.Publish("sess-1", 1, rec(1, "thinking", `{"step":"a"}`), burst)
	_ = m.Publish("sess-1", 2, rec(2, "thinking", `{"step":"b"}`), burst)

	if r := mustNext(t, sub); r.SSEEvent.ID != "1" {
		t.Fatalf("got id %q, want 1", r.SSEEvent.ID)
	}
	if r := mustNext(t, sub); r.SSEEvent.ID != "2" {
		t.Fatalf("got id %q, want 2", r.SSEEvent.ID)
	}
}

func TestSeverityFloorFiltersDelivery(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{SeverityFloor: event.SeverityWarning})

	_ = m.Publish("sess-1", 1, rec(1, "thinking", `{}`), stream.PublishMeta{Severity: event.SeverityInfo})
	_ = m.Publish("sess-1", 2, rec(2, "error", `{}`), stream.PublishMeta{Severity: event.SeverityError})

	r := mustNext(t, sub)
	if r.SSEEvent.ID != "2" {
		t.Fatalf("got id %q, want the error record only", r.SSEEvent.ID)
	}
}

func TestRedactedVariantPerSubscriber(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	full, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})
	redacted, _ := m.Subscribe("sess-1", "", sse.TransformOptions{Redact: true})

	alt := rec(1, "tool", `{"tool":"search"}`)
	_ = m.Publish("sess-1", 1, rec(1, "tool", `{"tool":"search","args":{"q":"secret"}}`),
		stream.PublishMeta{Severity: event.SeverityInfo, Redacted: &alt})

	if r := mustNext(t, full); strings.Contains(r.SSEEvent.Data, "args") == false {
		t.Errorf("unredacted subscriber lost fields: %q", r.SSEEvent.Data)
	}
	if r := mustNext(t, redacted); strings.Contains(r.SSEEvent.Data, "args") {
		t.Errorf("redacted subscriber saw stripped fields: %q", r.SSEEvent.Data)
	}
}

func TestEndSessionTerminates(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})
	publishN(t, m, "sess-1", 1, 1)
	m.EndSession("sess-1", "completed")
	m.EndSession("sess-1", "completed") // second call is a no-op

	if r := mustNext(t, sub); r.SSEEvent.ID != "1" {
		t.Fatalf("got id %q, want 1", r.SSEEvent.ID)
	}
	r := mustNext(t, sub)
	if r.SSEEvent.Event != sse.EventEnd {
		t.Fatalf("got %q, want %q", r.SSEEvent.Event, sse.EventEnd)
	}
	if !strings.Contains(r.SSEEvent.Data, "completed") {
		t.Errorf("end data = %q, want reason", r.SSEEvent.Data)
	}

	if _, err := sub.Next(context.Background()); !errors.Is(err, stream.ErrSubscriptionClosed) {
		t.Fatalf("Next after end = %v, want ErrSubscriptionClosed", err)
	}
	if !m.SessionEnded("sess-1") {
		t.Error("SessionEnded = false after EndSession")
	}

	// Publishing after the terminal marker is silently discarded.
	if err := m.Publish("sess-1", 2, rec(2, "message", `{}`), stream.PublishMeta{Severity: event.SeverityInfo}); err != nil {
		t.Fatalf("Publish after end: %v", err)
	}
}

func TestLateSubscriberToEndedSession(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	publishN(t, m, "sess-1", 1, 2)
	m.EndSession("sess-1", "completed")

	sub, err := m.Subscribe("sess-1", "", sse.TransformOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for want := uint64(1); want <= 2; want++ {
		if r := mustNext(t, sub); r.SSEEvent.ID != strconv.FormatUint(want, 10) {
			t.Fatalf("tail replay: got id %q, want %d", r.SSEEvent.ID, want)
		}
	}
	if r := mustNext(t, sub); r.SSEEvent.Event != sse.EventEnd {
		t.Fatalf("got %q, want %q", r.SSEEvent.Event, sse.EventEnd)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, stream.ErrSubscriptionClosed) {
		t.Fatalf("Next = %v, want ErrSubscriptionClosed", err)
	}
}

func TestNextDrainsTerminalAfterUnsubscribe(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})
	m.EndSession("sess-1", "completed")

	// A client can disconnect while the terminal marker is still buffered.
	// Draining it afterwards must not panic.
	m.Unsubscribe(sub)

	r := mustNext(t, sub)
	if r.SSEEvent.Event != sse.EventEnd {
		t.Fatalf("got %q, want %q", r.SSEEvent.Event, sse.EventEnd)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, stream.ErrSubscriptionClosed) {
		t.Fatalf("Next after drain = %v, want ErrSubscriptionClosed", err)
	}
}

func TestSubscribeRejectsMalformedLastEventID(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	for _, bad := range []string{"abc", "-1", "1.5"} {
		if _, err := m.Subscribe("sess-1", bad, sse.TransformOptions{}); !errors.Is(err, stream.ErrBadLastEventID) {
			t.Errorf("Subscribe(%q) = %v, want ErrBadLastEventID", bad, err)
		}
	}
}

func TestReplayNoGapForMidSequenceSession(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	// A resumed producer can start its stream above sequence 1.
	publishN(t, m, "sess-1", 5, 7)

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})
	for want := uint64(5); want <= 7; want++ {
		r := mustNext(t, sub)
		if r.SSEEvent.Event == sse.EventGap {
			t.Fatalf("spurious gap marker before record %d: %s", want, r.SSEEvent.Data)
		}
		if r.SSEEvent.ID != strconv.FormatUint(want, 10) {
			t.Fatalf("replay: got id %q, want %d", r.SSEEvent.ID, want)
		}
	}

	// Resuming from within the retained range is gap-free too.
	resumed, _ := m.Subscribe("sess-1", "5", sse.TransformOptions{})
	if r := mustNext(t, resumed); r.SSEEvent.ID != "6" {
		t.Fatalf("resume: got %q (%s), want id 6", r.SSEEvent.ID, r.SSEEvent.Event)
	}
}

func TestNextHonorsContext(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next = %v, want context.DeadlineExceeded", err)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})
	m.Unsubscribe(sub)
	m.Unsubscribe(sub)
	m.Unsubscribe(nil)

	if _, err := sub.Next(context.Background()); !errors.Is(err, stream.ErrSubscriptionClosed) {
		t.Fatalf("Next after unsubscribe = %v, want ErrSubscriptionClosed", err)
	}
}

func TestManagerClose(t *testing.T) {
	m := stream.NewManager(testConfig())

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})
	m.Close()
	m.Close() // idempotent

	if _, err := sub.Next(context.Background()); !errors.Is(err, stream.ErrSubscriptionClosed) {
		t.Fatalf("Next after close = %v, want ErrSubscriptionClosed", err)
	}
	if _, err := m.Subscribe("sess-2", "", sse.TransformOptions{}); !errors.Is(err, stream.ErrManagerClosed) {
		t.Fatalf("Subscribe after close = %v, want ErrManagerClosed", err)
	}
	if err := m.Publish("sess-1", 1, rec(1, "message", `{}`), stream.PublishMeta{}); !errors.Is(err, stream.ErrManagerClosed) {
		t.Fatalf("Publish after close = %v, want ErrManagerClosed", err)
	}
}

func TestHeartbeatOnIdle(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := stream.NewManager(cfg)
	defer m.Close()

	sub, _ := m.Subscribe("sess-1", "", sse.TransformOptions{})

	r := mustNext(t, sub)
	if !r.Heartbeat {
		t.Fatalf("idle subscription got %+v, want heartbeat", r)
	}
	if got := string(r.Bytes()); !strings.HasPrefix(got, ":") {
		t.Errorf("heartbeat wire form = %q, want a comment line", got)
	}
}

func TestStatsCounts(t *testing.T) {
	m := stream.NewManager(testConfig())
	defer m.Close()

	_, _ = m.Subscribe("sess-1", "", sse.TransformOptions{})
	_, _ = m.Subscribe("sess-1", "", sse.TransformOptions{})
	_, _ = m.Subscribe("sess-2", "", sse.TransformOptions{})
	publishN(t, m, "sess-1", 1, 4)

	stats := m.Stats()
	if stats.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", stats.Sessions)
	}
	if stats.Subscriptions != 3 {
		t.Errorf("Subscriptions = %d, want 3", stats.Subscriptions)
	}
	if stats.Published != 4 {
		t.Errorf("Published = %d, want 4", stats.Published)
	}
}
