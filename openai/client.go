package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"murmur/transcript"
)

// State of one streaming session, starting from the first observable
// point after the dial. Closed and Failed are terminal.
type State int

const (
	StateAwaitingSessionCreated State = iota
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingSessionCreated:
		return "awaiting session"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AudioSource yields fixed-size PCM16 chunks. The stream pulls chunks
// one at a time and closes the source when forwarding stops, so a slow
// network write stalls further device reads instead of dropping audio.
type AudioSource interface {
	ReadChunk(ctx context.Context) ([]byte, error)
	Close() error
}

// Stream owns the persistent realtime connection for one session. Only
// the stream writes to the connection; the audio forwarder and the
// control path share a single serialized send path.
type Stream struct {
	conn        *websocket.Conn
	config      SessionConfig
	source      AudioSource
	accumulator *transcript.Accumulator
	logger      *log.Logger

	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State

	created   chan struct{}
	closeOnce sync.Once
}

// Connect dials the realtime endpoint with the ephemeral session
// credential. The microphone is not read until the remote confirms the
// session with a transcription_session.created event.
func Connect(
	ctx context.Context,
	url string,
	session *Session,
	config SessionConfig,
	source AudioSource,
	accumulator *transcript.Accumulator,
	logger *log.Logger,
) (*Stream, error) {
	header := http.Header{}
	header.Set("Authorization", session.AuthHeader())
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}

	logger.Info("connected", "session", session.ID)

	return &Stream{
		conn:        conn,
		config:      config,
		source:      source,
		accumulator: accumulator,
		logger:      logger,
		state:       StateAwaitingSessionCreated,
		created:     make(chan struct{}),
	}, nil
}

func (s *Stream) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Stream) setState(state State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

// Run drives the session until the context is cancelled, the remote
// closes the connection, or an I/O error occurs. The audio forwarder is
// always joined, and the audio source always released, before Run
// returns. Cancellation and a clean remote close return nil; anything
// else returns the error and leaves the session in StateFailed.
func (s *Stream) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// The blocking read does not take a context, so unblock it by
	// closing the connection when the group winds down for any reason:
	// parent cancellation, read-loop exit, or a forwarder failure.
	unblocked := make(chan struct{})
	go func() {
		defer close(unblocked)
		<-gctx.Done()
		s.closeConn()
	}()

	g.Go(func() error {
		// When the event loop ends, for any reason, stop the forwarder:
		// no audio may be sent once the connection begins closing.
		defer cancel()
		return s.readLoop(gctx)
	})

	g.Go(func() error {
		// The device is released on every forwarder exit path, before
		// the connection teardown below.
		defer s.source.Close()
		return s.forwardAudio(gctx)
	})

	err := g.Wait()
	cancel()
	<-unblocked

	if err != nil {
		s.setState(StateFailed)
		return err
	}
	s.setState(StateClosed)
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeConn()
	return nil
}

func (s *Stream) closeConn() {
	s.closeOnce.Do(func() {
		// WriteControl may run alongside a concurrent WriteJSON, and
		// Close unblocks a stalled writer, so teardown never waits
		// behind the write lock.
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.conn.Close()
	})
}

func (s *Stream) sendJSON(frame interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

func (s *Stream) readLoop(ctx context.Context) error {
	defer s.setState(StateClosing)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("remote closed the session")
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		if messageType != websocket.TextMessage {
			s.logger.Warn("skipping non-text frame", "type", messageType)
			continue
		}

		if err := s.handleEvent(data); err != nil {
			return err
		}
	}
}

func (s *Stream) handleEvent(data []byte) error {
	event, err := ParseServerEvent(data)
	if err != nil {
		// Malformed frames are skipped, never fatal.
		s.logger.Warn("skipping malformed event", "error", err)
		return nil
	}

	switch e := event.(type) {
	case SessionCreatedEvent:
		return s.onSessionCreated(e)

	case TranscriptDeltaEvent:
		s.logger.Debug("hear", "tmp", e.Delta)
		s.accumulator.Append(e.Delta)

	case ItemCreatedEvent:
		if text := e.Item.AudioTranscript(); text != "" {
			s.logger.Info("hear", "txt", text)
			s.accumulator.Append(text)
		}

	case TranscriptDoneEvent:
		s.logger.Debug("turn transcribed", "item", e.ItemID)

	case SessionUpdatedEvent:
		s.logger.Debug("session updated")
	case SpeechStartedEvent:
		s.logger.Debug("speech started")
	case SpeechStoppedEvent:
		s.logger.Debug("speech stopped")
	case BufferCommittedEvent:
		s.logger.Debug("buffer committed")

	case UnknownEvent:
		s.logger.Warn("unhandled event", "type", e.Type)
	}

	return nil
}

func (s *Stream) onSessionCreated(e SessionCreatedEvent) error {
	if s.State() != StateAwaitingSessionCreated {
		s.logger.Warn("duplicate session.created", "session", e.SessionID)
		return nil
	}

	// Confirm the session settings before any audio is appended.
	if err := s.sendJSON(newSessionUpdateFrame(s.config)); err != nil {
		return fmt.Errorf("send session update: %w", err)
	}

	s.setState(StateStreaming)
	close(s.created)
	s.logger.Info("streaming", "session", e.SessionID)
	return nil
}

// forwardAudio pulls chunks from the source in capture order and sends
// one append frame per chunk. A chunk is fully encoded and sent before
// the next capture begins.
func (s *Stream) forwardAudio(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.created:
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		chunk, err := s.source.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read audio chunk: %w", err)
		}

		frame := newAudioAppendFrame(
			base64.StdEncoding.EncodeToString(chunk),
		)
		if err := s.sendJSON(frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send audio frame: %w", err)
		}
	}
}
