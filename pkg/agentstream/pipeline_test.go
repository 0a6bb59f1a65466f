package agentstream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-finance/agentstream/pkg/agentstream"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/config"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/dlq"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/event"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/handler"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/sse"
	"github.com/sentinel-finance/agentstream/pkg/agentstream/stream"
)

func testSettings() config.Settings {
	s := config.DefaultSettings
	// Keep the maintenance loops quiet during tests.
	s.Stream.HeartbeatInterval = time.Hour
	s.Stream.StallTimeout = time.Hour
	return s
}

func newPipeline(t *testing.T, s config.Settings, opts ...agentstream.Option) *agentstream.Pipeline {
	t.Helper()
	p := agentstream.New(s, opts...)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func mustIngest(t *testing.T, p *agentstream.Pipeline, raw event.RawEvent) *agentstream.IngestResult {
	t.Helper()
	res, err := p.Ingest(context.Background(), raw)
	require.NoError(t, err, "ingest seq %d (%s)", raw.Sequence, raw.Kind)
	return res
}

func nextRecord(t *testing.T, sub *stream.Subscription) sse.SSEEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := sub.Next(ctx)
	require.NoError(t, err)
	return r.SSEEvent
}

func rawText(sessionID string, seq uint64, kind, text string) event.RawEvent {
	payload, _ := json.Marshal(event.TextPayload{Text: text})
	return event.RawEvent{SessionID: sessionID, Sequence: seq, Kind: kind, Payload: payload}
}

func rawTool(sessionID string, seq uint64, tool event.ToolExecution) event.RawEvent {
	payload, _ := json.Marshal(tool)
	return event.RawEvent{SessionID: sessionID, Sequence: seq, Kind: "tool", Payload: payload}
}

func TestPipelineEndToEnd(t *testing.T) {
	p := newPipeline(t, testSettings())

	sub, err := p.Subscribe("sess-1", "", sse.TransformOptions{})
	require.NoError(t, err)

	started := time.Now()
	finished := started.Add(200 * time.Millisecond)

	mustIngest(t, p, event.RawEvent{SessionID: "sess-1", Sequence: 1, Kind: "session.start"})
	mustIngest(t, p, rawText("sess-1", 2, "thinking", "planning the search"))
	mustIngest(t, p, rawTool("sess-1", 3, event.ToolExecution{
		ToolName: "search", Status: event.ToolPending, StartedAt: started,
		Arguments: map[string]any{"q": "quarterly report"},
	}))
	mustIngest(t, p, rawTool("sess-1", 4, event.ToolExecution{
		ToolName: "search", Status: event.ToolRunning, StartedAt: started,
	}))

	require.Len(t, p.InFlightTools("sess-1"), 1)

	mustIngest(t, p, rawTool("sess-1", 5, event.ToolExecution{
		ToolName: "search", Status: event.ToolSucceeded, StartedAt: started,
		FinishedAt: &finished, Result: "3 documents",
	}))
	assert.Empty(t, p.InFlightTools("sess-1"), "terminal status clears tracking")

	mustIngest(t, p, rawText("sess-1", 6, "message", "found 3 documents"))

	res := mustIngest(t, p, event.RawEvent{SessionID: "sess-1", Sequence: 7, Kind: "session.complete"})
	assert.True(t, res.SessionEnded)
	assert.Equal(t, "completed", res.EndReason)

	wantKinds := []string{
		"session.start", "thinking", "tool", "tool", "tool", "message", "session.complete",
	}
	for i, kind := range wantKinds {
		rec := nextRecord(t, sub)
		assert.Equal(t, strconv.Itoa(i+1), rec.ID, "record %d", i+1)
		assert.Equal(t, kind, rec.Event, "record %d", i+1)
	}

	end := nextRecord(t, sub)
	assert.Equal(t, sse.EventEnd, end.Event)
	assert.Contains(t, end.Data, "completed")

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, stream.ErrSubscriptionClosed)

	info, ok := p.Session("sess-1")
	require.True(t, ok)
	assert.True(t, info.State.Ended())
	assert.Empty(t, p.ActiveSessions())
}

func TestPipelineRejectsBadEvents(t *testing.T) {
	p := newPipeline(t, testSettings())
	ctx := context.Background()

	mustIngest(t, p, rawText("sess-1", 5, "message", "hello"))

	// Stale and duplicate sequences are rejected.
	_, err := p.Ingest(ctx, rawText("sess-1", 5, "message", "again"))
	var ooo *event.OutOfOrderError
	require.ErrorAs(t, err, &ooo)
	assert.Equal(t, uint64(5), ooo.LastAccepted)

	// Nothing gets in after the terminal event.
	mustIngest(t, p, event.RawEvent{SessionID: "sess-1", Sequence: 6, Kind: "session.complete"})
	_, err = p.Ingest(ctx, rawText("sess-1", 7, "message", "too late"))
	require.Error(t, err)
}

func TestPipelineRedactedSubscriber(t *testing.T) {
	p := newPipeline(t, testSettings())

	full, err := p.Subscribe("sess-1", "", sse.TransformOptions{})
	require.NoError(t, err)
	redacted, err := p.Subscribe("sess-1", "", sse.TransformOptions{Redact: true})
	require.NoError(t, err)

	mustIngest(t, p, rawTool("sess-1", 1, event.ToolExecution{
		ToolName: "search", Status: event.ToolPending, StartedAt: time.Now(),
		Arguments: map[string]any{"q": "secret query"},
	}))

	rec := nextRecord(t, full)
	assert.Contains(t, rec.Data, "secret query")

	rec = nextRecord(t, redacted)
	assert.NotContains(t, rec.Data, "secret query")
	assert.Contains(t, rec.Data, "search", "non-sensitive fields survive")
}

func TestPipelineErrorThresholdEndsSession(t *testing.T) {
	s := testSettings()
	s.Handlers.EscalateAfter = 2
	s.Handlers.AbortAfter = 3
	p := newPipeline(t, s)

	sub, err := p.Subscribe("sess-1", "", sse.TransformOptions{})
	require.NoError(t, err)

	mustIngest(t, p, rawText("sess-1", 1, "error", "upstream timeout"))

	res := mustIngest(t, p, rawText("sess-1", 2, "error", "connection refused"))
	assert.Equal(t, event.SeverityCritical, res.Event.Severity, "repeated failures escalate")
	assert.False(t, res.SessionEnded)

	res = mustIngest(t, p, rawText("sess-1", 3, "error", "upstream timeout again"))
	assert.True(t, res.SessionEnded)
	assert.Equal(t, "error threshold exceeded", res.EndReason)

	var sawEnd bool
	for i := 0; i < 4; i++ {
		rec := nextRecord(t, sub)
		if rec.Event == sse.EventEnd {
			sawEnd = true
			break
		}
	}
	assert.True(t, sawEnd, "subscriber sees the terminal marker")
}

func TestPipelineDuplicateErrorVetoed(t *testing.T) {
	p := newPipeline(t, testSettings())

	mustIngest(t, p, rawText("sess-1", 1, "error", "disk full"))
	res := mustIngest(t, p, rawText("sess-1", 2, "error", "disk full"))
	assert.False(t, res.Delivered, "an identical consecutive error is suppressed")
}

func TestPipelineBatch(t *testing.T) {
	p := newPipeline(t, testSettings())

	raws := []event.RawEvent{
		{SessionID: "sess-a", Sequence: 1, Kind: "session.start"},
		rawText("sess-a", 2, "message", "hello from a"),
		{SessionID: "sess-b", Sequence: 1, Kind: "session.start"},
		{SessionID: "sess-a", Sequence: 3, Kind: "bogus"},
	}
	results, errs := p.IngestBatch(context.Background(), raws)
	require.Len(t, results, 4)
	require.Len(t, errs, 4)

	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i], "input %d", i)
		require.NotNil(t, results[i], "input %d", i)
		assert.True(t, results[i].Delivered)
	}
	require.Error(t, errs[3])
	assert.Nil(t, results[3])

	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, p.ActiveSessions())
}

func TestConcurrentIngestSerializesPerSession(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	stall := handler.HandlerFunc{
		HandlerName: "stall-first",
		EventKinds:  []event.Kind{event.KindMessage},
		Fn: func(ctx context.Context, evt *event.AgentStreamEvent) (handler.Outcome, error) {
			if evt.Sequence == 1 {
				close(started)
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return handler.Outcome{}, nil
		},
	}
	p := newPipeline(t, testSettings(), agentstream.WithHandler(stall))

	sub, err := p.Subscribe("sess-1", "", sse.TransformOptions{})
	require.NoError(t, err)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = p.Ingest(context.Background(), rawText("sess-1", 1, "message", "one"))
	}()
	<-started

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_, _ = p.Ingest(context.Background(), rawText("sess-1", 2, "message", "two"))
	}()

	// The racing event must wait until the first one has published.
	select {
	case <-secondDone:
		t.Fatal("second ingest completed while the first was still dispatching")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-firstDone
	<-secondDone

	assert.Equal(t, "1", nextRecord(t, sub).ID)
	assert.Equal(t, "2", nextRecord(t, sub).ID)
}

func TestIngestBatchOrderWithinSession(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]uint64)
	observer := handler.HandlerFunc{
		HandlerName: "order-recorder",
		EventKinds:  []event.Kind{event.KindMessage},
		Fn: func(_ context.Context, evt *event.AgentStreamEvent) (handler.Outcome, error) {
			mu.Lock()
			seen[evt.SessionID] = append(seen[evt.SessionID], evt.Sequence)
			mu.Unlock()
			return handler.Outcome{}, nil
		},
	}
	p := newPipeline(t, testSettings(), agentstream.WithHandler(observer))

	var raws []event.RawEvent
	for s := 0; s < 5; s++ {
		for seq := uint64(1); seq <= 20; seq++ {
			raws = append(raws, rawText(fmt.Sprintf("sess-%d", s), seq, "message", "m"))
		}
	}
	results, errs := p.IngestBatch(context.Background(), raws)
	require.Len(t, results, len(raws))
	for i := range raws {
		require.NoError(t, errs[i], "event %d", i)
		require.NotNil(t, results[i], "event %d", i)
	}

	for id, seqs := range seen {
		require.Len(t, seqs, 20, "session %s", id)
		for i := 1; i < len(seqs); i++ {
			assert.Greater(t, seqs[i], seqs[i-1],
				"session %s must be dispatched in order", id)
		}
	}
}

func TestPipelineDeadLettersHandlerFailures(t *testing.T) {
	q := dlq.NewInMemoryQueue(dlq.Config{})
	p := newPipeline(t, testSettings(), agentstream.WithDeadLetters(q))

	started := time.Now()
	mustIngest(t, p, rawTool("sess-1", 1, event.ToolExecution{
		ToolName: "search", Status: event.ToolRunning, StartedAt: started,
	}))

	// running -> pending is an illegal transition; the tool handler fails
	// but the event is still delivered.
	res := mustIngest(t, p, rawTool("sess-1", 2, event.ToolExecution{
		ToolName: "search", Status: event.ToolPending, StartedAt: started,
	}))
	assert.True(t, res.Delivered)

	entries, err := q.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ToolExecutionHandler", entries[0].Handler)
	assert.Equal(t, "sess-1", entries[0].SessionID)
	assert.Equal(t, uint64(2), entries[0].Sequence)
}

func TestPipelineReplayAcrossReconnect(t *testing.T) {
	p := newPipeline(t, testSettings())

	sub, err := p.Subscribe("sess-1", "", sse.TransformOptions{})
	require.NoError(t, err)

	mustIngest(t, p, event.RawEvent{SessionID: "sess-1", Sequence: 1, Kind: "session.start"})
	mustIngest(t, p, rawText("sess-1", 2, "message", "one"))

	rec := nextRecord(t, sub)
	require.Equal(t, "1", rec.ID)
	rec = nextRecord(t, sub)
	require.Equal(t, "2", rec.ID)
	lastSeen := rec.ID
	p.Unsubscribe(sub)

	mustIngest(t, p, rawText("sess-1", 3, "message", "two"))
	mustIngest(t, p, rawText("sess-1", 4, "message", "three"))

	// Reconnect with Last-Event-ID resumes where the client left off.
	resumed, err := p.Subscribe("sess-1", lastSeen, sse.TransformOptions{})
	require.NoError(t, err)
	rec = nextRecord(t, resumed)
	assert.Equal(t, "3", rec.ID)
	rec = nextRecord(t, resumed)
	assert.Equal(t, "4", rec.ID)
}

func TestPipelineShutdown(t *testing.T) {
	p := agentstream.New(testSettings())

	sub, err := p.Subscribe("sess-1", "", sse.TransformOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, stream.ErrSubscriptionClosed)

	_, err = p.Subscribe("sess-2", "", sse.TransformOptions{})
	assert.ErrorIs(t, err, stream.ErrManagerClosed)
}

func TestPipelineFormatterCacheReuse(t *testing.T) {
	p := newPipeline(t, testSettings())

	// Two subscribers, one record each: the formatter renders once per
	// variant and serves the rest from cache.
	_, _ = p.Subscribe("sess-1", "", sse.TransformOptions{})
	_, _ = p.Subscribe("sess-1", "", sse.TransformOptions{})
	mustIngest(t, p, rawText("sess-1", 1, "message", "cached"))

	stats := p.Formatter().CacheStats()
	assert.GreaterOrEqual(t, stats.Size, 1)
}

func TestPipelineStringsSanity(t *testing.T) {
	// Control event names must never collide with producer kinds.
	for _, k := range event.Kinds() {
		if strings.HasPrefix(string(k), "stream.") {
			t.Fatalf("kind %q collides with the control namespace", k)
		}
	}
}
