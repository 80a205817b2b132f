package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// frame is one server-sent event: the optional event: field and the joined
// data: lines.
type frame struct {
	Event string
	Data  string
}

// frameScanner splits a text/event-stream body into frames. Frames end at a
// blank line; ":" comment lines and the id/retry fields are ignored.
type frameScanner struct {
	reader  *bufio.Reader
	current frame
	err     error
}

func newFrameScanner(r io.Reader) *frameScanner {
	return &frameScanner{reader: bufio.NewReaderSize(r, constants.SSEReaderSize)}
}

// Next advances to the next frame. It returns false at EOF or on a read
// error; Err tells them apart.
func (s *frameScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = frame{}

	var data []string
	var event string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				s.current = frame{Event: event, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				s.current = frame{Event: event, Data: strings.Join(data, "\n")}
				return true
			}
			event = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			event = value
		}
	}
}

// Frame returns the frame read by the last successful Next.
func (s *frameScanner) Frame() frame {
	return s.current
}

// Err returns the read error that stopped the scanner, or nil at a clean EOF.
func (s *frameScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

// decodeEvent turns a frame into a StreamEvent. The data is a JSON event
// object; an event: field overrides its type. Non-JSON data is accepted as
// the message of a known event type.
func decodeEvent(f frame, taskID string) (types.StreamEvent, error) {
	var event types.StreamEvent
	if err := json.Unmarshal([]byte(f.Data), &event); err != nil {
		if !types.StreamEventType(f.Event).Known() {
			return types.StreamEvent{}, fmt.Errorf("malformed stream event %q: %w", truncate(f.Data), err)
		}
		event = types.StreamEvent{Message: f.Data}
	}

	if f.Event != "" {
		event.Type = types.StreamEventType(f.Event)
	}
	if event.Type == "" {
		return types.StreamEvent{}, fmt.Errorf("stream event without a type: %q", truncate(f.Data))
	}
	if event.TaskID == "" {
		event.TaskID = taskID
	}
	return event, nil
}

func truncate(s string) string {
	if len(s) > constants.MaxErrorMessageBytes {
		return s[:constants.MaxErrorMessageBytes] + "..."
	}
	return s
}
