// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELine bounds a single SSE line. Tool inputs arrive as many
// small deltas, so even large responses stay far below this.
const maxSSELine = 4 << 20

// SSEEvent is a single Server-Sent Event.
type SSEEvent struct {
	// Type is the "event:" field, empty for the default event type.
	Type string

	// Data joins the event's "data:" lines with newlines.
	Data string

	// ID is the last "id:" field seen in the event.
	ID string
}

// SSEScanner reads Server-Sent Events from an [io.Reader].
//
// Events are delimited by blank lines. Comment lines (starting with
// ":") and unknown fields are ignored. An event without data lines is
// never emitted. A final event that is not followed by a blank line
// is still emitted when the reader ends.
//
//	scanner := NewSSEScanner(reader)
//	for scanner.Next() {
//	    event := scanner.Event()
//	}
//	if err := scanner.Err(); err != nil {
//	    // transport error
//	}
type SSEScanner struct {
	lines   *bufio.Scanner
	current SSEEvent
	err     error
	ended   bool
}

// NewSSEScanner creates a scanner that reads SSE events from reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	lines := bufio.NewScanner(reader)
	lines.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &SSEScanner{lines: lines}
}

// Next advances to the next event. Returns false at the end of the
// stream or on error; call [Err] to tell them apart.
func (scanner *SSEScanner) Next() bool {
	scanner.current = SSEEvent{}
	if scanner.ended {
		return false
	}

	var (
		data    strings.Builder
		hasData bool
		event   SSEEvent
	)

	emit := func() bool {
		event.Data = data.String()
		scanner.current = event
		return true
	}

	for scanner.lines.Scan() {
		line := strings.TrimSuffix(scanner.lines.Text(), "\r")

		if line == "" {
			if hasData {
				return emit()
			}
			event = SSEEvent{}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			event.Type = value
		case "id":
			event.ID = value
		}
	}

	scanner.ended = true
	scanner.err = scanner.lines.Err()
	if scanner.err == nil && hasData {
		return emit()
	}
	return false
}

// Event returns the most recently parsed event. Only valid after
// [Next] returns true.
func (scanner *SSEScanner) Event() SSEEvent {
	return scanner.current
}

// Err returns the first read error. Nil after a clean end of stream.
func (scanner *SSEScanner) Err() error {
	return scanner.err
}
