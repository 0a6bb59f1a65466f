package sse_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-finance/agentstream/pkg/agentstream/sse"
)

func TestEncode(t *testing.T) {
	rec := sse.SSEEvent{
		ID:    "12",
		Event: "message",
		Data:  `{"text":"hello"}`,
		Retry: 3000,
	}

	wire := string(sse.Encode(rec))
	assert.Equal(t, "id: 12\nevent: message\ndata: {\"text\":\"hello\"}\nretry: 3000\n\n", wire)
}

func TestEncodeOmitsZeroFields(t *testing.T) {
	wire := string(sse.Encode(sse.SSEEvent{Event: "stream.gap", Data: `{"dropped":3}`}))
	assert.NotContains(t, wire, "id:")
	assert.NotContains(t, wire, "retry:")
	assert.True(t, strings.HasSuffix(wire, "\n\n"), "records end with a blank line")
}

func TestEncodeSplitsDataLines(t *testing.T) {
	wire := string(sse.Encode(sse.SSEEvent{Event: "message", Data: "line one\nline two"}))
	assert.Contains(t, wire, "data: line one\n")
	assert.Contains(t, wire, "data: line two\n")
}

func TestHeartbeat(t *testing.T) {
	hb := string(sse.Heartbeat())
	assert.True(t, strings.HasPrefix(hb, ":"), "heartbeats are comment lines")
	assert.True(t, strings.HasSuffix(hb, "\n\n"))
}

func TestParseRecordRoundTrip(t *testing.T) {
	rec := sse.SSEEvent{
		ID:    "7",
		Event: "tool",
		Data:  `{"tool_name":"search","status":"running"}`,
		Retry: 1500,
	}

	parsed, err := sse.ParseRecord(sse.Encode(rec))
	require.NoError(t, err)
	assert.Equal(t, rec, parsed)
}

func TestParseRecordSkipsComments(t *testing.T) {
	parsed, err := sse.ParseRecord([]byte(": ping\nevent: message\ndata: {}\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "message", parsed.Event)
	assert.Equal(t, "{}", parsed.Data)
}

func TestParseRecordMultiLineData(t *testing.T) {
	parsed, err := sse.ParseRecord([]byte("data: one\ndata: two\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", parsed.Data)
}

func TestParseRecordRejectsMalformed(t *testing.T) {
	_, err := sse.ParseRecord([]byte("not a field line\n\n"))
	require.Error(t, err)

	_, err = sse.ParseRecord([]byte("retry: soon\n\n"))
	require.Error(t, err)
}
