package stream

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-kuro/tokenkeeper/pkg/types"
)

func TestFrameScanner(t *testing.T) {
	input := strings.Join([]string{
		": keepalive comment",
		"event: status",
		`data: {"status":"running"}`,
		"",
		"",
		"id: 7",
		"retry: 1000",
		`data: {"type":"progress",`,
		`data: "progress":0.5}`,
		"",
		"event: ping",
		"data:",
		"",
		`data: {"type":"complete"}`,
	}, "\r\n")

	scanner := newFrameScanner(strings.NewReader(input))

	var frames []frame
	for scanner.Next() {
		frames = append(frames, scanner.Frame())
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, []frame{
		{Event: "status", Data: `{"status":"running"}`},
		{Data: "{\"type\":\"progress\",\n\"progress\":0.5}"},
		{Event: "ping", Data: ""},
		{Data: `{"type":"complete"}`},
	}, frames)
	assert.False(t, scanner.Next())
}

func TestFrameScannerReadError(t *testing.T) {
	boom := errors.New("connection reset")
	scanner := newFrameScanner(iotest.ErrReader(boom))
	assert.False(t, scanner.Next())
	assert.ErrorIs(t, scanner.Err(), boom)
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		frame   frame
		want    types.StreamEvent
		wantErr bool
	}{
		{
			name:  "type in data",
			frame: frame{Data: `{"type":"progress","progress":0.25,"task_id":"t-9"}`},
			want:  types.StreamEvent{Type: types.EventProgress, Progress: 0.25, TaskID: "t-9"},
		},
		{
			name:  "event field overrides",
			frame: frame{Event: "status", Data: `{"type":"progress","status":"queued"}`},
			want:  types.StreamEvent{Type: types.EventStatus, Status: "queued", TaskID: "task-1"},
		},
		{
			name:  "plain text ping",
			frame: frame{Event: "ping", Data: "keepalive"},
			want:  types.StreamEvent{Type: types.EventPing, Message: "keepalive", TaskID: "task-1"},
		},
		{
			name:    "plain text without known type",
			frame:   frame{Data: "hello"},
			wantErr: true,
		},
		{
			name:    "json without type",
			frame:   frame{Data: `{"status":"running"}`},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent(tt.frame, "task-1")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
