package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"murmur/transcript"
)

type fakeSource struct {
	chunks    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSource(chunks ...[]byte) *fakeSource {
	s := &fakeSource{
		chunks: make(chan []byte, len(chunks)),
		closed: make(chan struct{}),
	}
	for _, chunk := range chunks {
		s.chunks <- chunk
	}
	return s
}

func (s *fakeSource) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-s.chunks:
		return chunk, nil
	case <-s.closed:
		return nil, errors.New("source closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// wireFrame is the superset of outbound frame shapes, for assertions.
type wireFrame struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id"`
	Audio   string          `json:"audio"`
	Session json.RawMessage `json:"session"`
}

var testUpgrader = websocket.Upgrader{}

// wsServer runs handler on one upgraded connection and returns the
// ws:// URL to dial.
func wsServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := testUpgrader.Upgrade(w, r, nil)
			if err != nil {
				t.Errorf("upgrade: %v", err)
				return
			}
			defer conn.Close()
			handler(conn)
		}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func sendEvent(conn *websocket.Conn, event string) {
	conn.WriteMessage(websocket.TextMessage, []byte(event))
}

func sendClose(conn *websocket.Conn) {
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

const createdEvent = `{
	"type": "transcription_session.created",
	"session": {"id": "sess_1"}
}`

func testSession() *Session {
	return &Session{ID: "sess_1", ClientSecret: "tok_1"}
}

func TestRunFrameOrdering(t *testing.T) {
	received := make(chan wireFrame, 16)

	url := wsServer(t, func(conn *websocket.Conn) {
		sendEvent(conn, createdEvent)

		// A duplicate created event must not produce a second update.
		sendEvent(conn, createdEvent)

		for i := 0; i < 4; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wireFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Errorf("decode client frame: %v", err)
				return
			}
			received <- frame
		}

		sendClose(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	source := newFakeSource([]byte("c1"), []byte("c2"), []byte("c3"))
	accumulator := transcript.NewAccumulator(0)
	defer accumulator.Close()

	stream, err := Connect(
		context.Background(), url, testSession(),
		DefaultSessionConfig(), source, accumulator, testLogger(),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := stream.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	close(received)
	var frames []wireFrame
	for frame := range received {
		frames = append(frames, frame)
	}
	if len(frames) != 4 {
		t.Fatalf("received %d frames, want 4", len(frames))
	}

	// The session update precedes every audio append, and there is
	// exactly one of it.
	if frames[0].Type != "transcription_session.update" {
		t.Fatalf("first frame = %q, want the session update", frames[0].Type)
	}
	wantAudio := []string{"c1", "c2", "c3"}
	for i, frame := range frames[1:] {
		if frame.Type != "input_audio_buffer.append" {
			t.Fatalf("frame %d = %q, want an audio append", i+1, frame.Type)
		}
		decoded, err := base64.StdEncoding.DecodeString(frame.Audio)
		if err != nil {
			t.Fatalf("frame %d audio not base64: %v", i+1, err)
		}
		if string(decoded) != wantAudio[i] {
			t.Errorf("frame %d audio = %q, want %q",
				i+1, decoded, wantAudio[i])
		}
		if frame.EventID == "" {
			t.Errorf("frame %d has no event id", i+1)
		}
	}

	if state := stream.State(); state != StateClosed {
		t.Errorf("state = %v, want %v", state, StateClosed)
	}
	if !source.isClosed() {
		t.Error("audio source not released after Run")
	}
}

func TestRunDeliversTranscript(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		sendEvent(conn, createdEvent)
		if _, _, err := conn.ReadMessage(); err != nil { // session update
			return
		}

		sendEvent(conn, `{
			"type": "conversation.item.input_audio_transcription.delta",
			"item_id": "item_1", "delta": "hel"
		}`)
		sendEvent(conn, `{
			"type": "conversation.item.input_audio_transcription.delta",
			"item_id": "item_1", "delta": "lo"
		}`)

		// Neither unknown nor malformed frames may end the session.
		sendEvent(conn, `{"type": "rate_limits.updated"}`)
		sendEvent(conn, `{oops`)

		sendEvent(conn, `{
			"type": "conversation.item.created",
			"item": {
				"id": "item_2",
				"content": [{"type": "input_audio", "transcript": " world"}]
			}
		}`)

		sendClose(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	source := newFakeSource()
	accumulator := transcript.NewAccumulator(0)
	defer accumulator.Close()

	stream, err := Connect(
		context.Background(), url, testSession(),
		DefaultSessionConfig(), source, accumulator, testLogger(),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := stream.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if text := accumulator.Text(); text != "hello world" {
		t.Errorf("Text() = %q, want %q", text, "hello world")
	}
}

func TestRunCancellation(t *testing.T) {
	gotAppend := make(chan struct{})

	url := wsServer(t, func(conn *websocket.Conn) {
		sendEvent(conn, createdEvent)
		sawAppend := false
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wireFrame
			json.Unmarshal(data, &frame)
			if frame.Type == "input_audio_buffer.append" && !sawAppend {
				sawAppend = true
				close(gotAppend)
			}
		}
	})

	chunks := make([][]byte, 64)
	for i := range chunks {
		chunks[i] = []byte("pcm")
	}
	source := newFakeSource(chunks...)
	accumulator := transcript.NewAccumulator(0)
	defer accumulator.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := Connect(
		ctx, url, testSession(),
		DefaultSessionConfig(), source, accumulator, testLogger(),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	select {
	case <-gotAppend:
	case <-time.After(5 * time.Second):
		t.Fatal("no audio append before cancellation")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancellation = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if !source.isClosed() {
		t.Error("audio source not released after cancellation")
	}
	if state := stream.State(); state != StateClosed {
		t.Errorf("state = %v, want %v", state, StateClosed)
	}
}

// faultySource yields one chunk and then fails, like a microphone that
// disappears mid-session.
type faultySource struct {
	reads     int
	closed    chan struct{}
	closeOnce sync.Once
}

func newFaultySource() *faultySource {
	return &faultySource{closed: make(chan struct{})}
}

func (s *faultySource) ReadChunk(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.reads++
	if s.reads > 1 {
		return nil, errors.New("device disconnected")
	}
	return []byte("pcm"), nil
}

func (s *faultySource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *faultySource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func TestRunSourceFailure(t *testing.T) {
	// The peer confirms the session and then goes silent, so the read
	// loop is parked in a blocking read when the source fails.
	url := wsServer(t, func(conn *websocket.Conn) {
		sendEvent(conn, createdEvent)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	source := newFaultySource()
	accumulator := transcript.NewAccumulator(0)
	defer accumulator.Close()

	stream, err := Connect(
		context.Background(), url, testSession(),
		DefaultSessionConfig(), source, accumulator, testLogger(),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- stream.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run = nil, want the source failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the audio source failed")
	}

	if state := stream.State(); state != StateFailed {
		t.Errorf("state = %v, want %v", state, StateFailed)
	}
	if !source.isClosed() {
		t.Error("audio source not released after failure")
	}
}

func TestCloseDoesNotWaitForWriter(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	source := newFakeSource()
	accumulator := transcript.NewAccumulator(0)
	defer accumulator.Close()

	stream, err := Connect(
		context.Background(), url, testSession(),
		DefaultSessionConfig(), source, accumulator, testLogger(),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// A writer stalled mid-send holds the write lock; teardown must not
	// queue behind it.
	stream.writeMu.Lock()
	defer stream.writeMu.Unlock()

	done := make(chan struct{})
	go func() {
		stream.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind the write lock")
	}
}

func TestBadEventsLeaveStateUnchanged(t *testing.T) {
	accumulator := transcript.NewAccumulator(0)
	defer accumulator.Close()

	stream := &Stream{
		state:       StateStreaming,
		accumulator: accumulator,
		logger:      testLogger(),
		created:     make(chan struct{}),
	}

	for name, frame := range map[string]string{
		"unknown tag": `{"type": "weird.event", "detail": 42}`,
		"malformed":   `{oops`,
	} {
		t.Run(name, func(t *testing.T) {
			if err := stream.handleEvent([]byte(frame)); err != nil {
				t.Fatalf("handleEvent: %v", err)
			}
			if state := stream.State(); state != StateStreaming {
				t.Errorf("state = %v, want %v", state, StateStreaming)
			}
			if text := accumulator.Text(); text != "" {
				t.Errorf("Text() = %q, want unchanged", text)
			}
		})
	}
}

func TestRunAbruptDisconnect(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		sendEvent(conn, createdEvent)
		if _, _, err := conn.ReadMessage(); err != nil { // session update
			return
		}
		// Drop the TCP connection without a close handshake.
		conn.Close()
	})

	source := newFakeSource()
	accumulator := transcript.NewAccumulator(0)
	defer accumulator.Close()

	stream, err := Connect(
		context.Background(), url, testSession(),
		DefaultSessionConfig(), source, accumulator, testLogger(),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := stream.Run(context.Background()); err == nil {
		t.Fatal("Run = nil, want an error for an abrupt disconnect")
	}

	if state := stream.State(); state != StateFailed {
		t.Errorf("state = %v, want %v", state, StateFailed)
	}
	if !source.isClosed() {
		t.Error("audio source not released after failure")
	}
}
