package sse

import (
	"fmt"
	"strconv"
	"strings"
)

// Encode renders a record in SSE wire format:
//
//	id: <sequence>
//	event: <kind-string>
//	data: <json payload>
//	retry: <ms>
//
// terminated by a blank line. Fields with zero values are omitted, matching
// what EventSource implementations expect.
func Encode(rec SSEEvent) []byte {
	var b strings.Builder
	if rec.ID != "" {
		b.WriteString("id: ")
		b.WriteString(rec.ID)
		b.WriteByte('\n')
	}
	if rec.Event != "" {
		b.WriteString("event: ")
		b.WriteString(rec.Event)
		b.WriteByte('\n')
	}
	// The data field must not span lines; payloads are single-line JSON,
	// but split defensively so a stray newline cannot corrupt the framing.
	for _, line := range strings.Split(rec.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if rec.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(rec.Retry))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// Heartbeat is the keep-alive record written on idle connections: a
// comment-only line that EventSource clients ignore.
func Heartbeat() []byte {
	return []byte(": ping\n\n")
}

// ParseRecord decodes one wire record back into an SSEEvent. Comment lines
// are skipped; multiple data lines are rejoined with newlines. Used by
// round-trip tests and stream-consuming tooling.
func ParseRecord(raw []byte) (SSEEvent, error) {
	var rec SSEEvent
	var data []string

	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			return SSEEvent{}, fmt.Errorf("malformed record line %q", line)
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			rec.ID = value
		case "event":
			rec.Event = value
		case "data":
			data = append(data, value)
		case "retry":
			ms, err := strconv.Atoi(value)
			if err != nil {
				return SSEEvent{}, fmt.Errorf("malformed retry value %q", value)
			}
			rec.Retry = ms
		default:
			// Unknown fields are ignored per the SSE specification.
		}
	}

	rec.Data = strings.Join(data, "\n")
	return rec, nil
}
