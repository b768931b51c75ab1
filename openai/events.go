package openai

import (
	"encoding/json"
	"fmt"

	"murmur/etc"
)

// Inbound event type tags.
const (
	TypeSessionCreated   = "transcription_session.created"
	TypeSessionUpdated   = "transcription_session.updated"
	TypeTranscriptDelta  = "conversation.item.input_audio_transcription.delta"
	TypeTranscriptDone   = "conversation.item.input_audio_transcription.completed"
	TypeItemCreated      = "conversation.item.created"
	TypeSpeechStarted    = "input_audio_buffer.speech_started"
	TypeSpeechStopped    = "input_audio_buffer.speech_stopped"
	TypeBufferCommitted  = "input_audio_buffer.committed"
)

// ServerEvent is one inbound protocol event. Known type tags decode to
// their own variant; everything else becomes UnknownEvent so new server
// events never break the loop.
type ServerEvent interface {
	EventType() string
}

type SessionCreatedEvent struct {
	SessionID string
}

type SessionUpdatedEvent struct{}

// TranscriptDeltaEvent carries a low-latency partial fragment. Some
// server versions put the fragment in "delta", others in "transcript".
type TranscriptDeltaEvent struct {
	ItemID string
	Delta  string
}

// TranscriptDoneEvent marks a finished turn; the finalized text for the
// turn arrives separately on the conversation item.
type TranscriptDoneEvent struct {
	ItemID     string
	Transcript string
}

type ItemCreatedEvent struct {
	Item ConversationItem
}

type SpeechStartedEvent struct{}
type SpeechStoppedEvent struct{}
type BufferCommittedEvent struct{}

type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (SessionCreatedEvent) EventType() string  { return TypeSessionCreated }
func (SessionUpdatedEvent) EventType() string  { return TypeSessionUpdated }
func (TranscriptDeltaEvent) EventType() string { return TypeTranscriptDelta }
func (TranscriptDoneEvent) EventType() string  { return TypeTranscriptDone }
func (ItemCreatedEvent) EventType() string     { return TypeItemCreated }
func (SpeechStartedEvent) EventType() string   { return TypeSpeechStarted }
func (SpeechStoppedEvent) EventType() string   { return TypeSpeechStopped }
func (BufferCommittedEvent) EventType() string { return TypeBufferCommitted }
func (e UnknownEvent) EventType() string       { return e.Type }

type ConversationItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ItemContent `json:"content"`
}

type ItemContent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// AudioTranscript returns the finalized transcript carried by an
// input_audio content entry, or "" when the item has none.
func (i ConversationItem) AudioTranscript() string {
	for _, content := range i.Content {
		if content.Type == "input_audio" && content.Transcript != "" {
			return content.Transcript
		}
	}
	return ""
}

// ParseServerEvent decodes one inbound text frame in two stages: the
// type tag first, then the payload shape for that tag.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("event without type tag")
	}

	switch envelope.Type {
	case TypeSessionCreated:
		var payload struct {
			Session struct {
				ID string `json:"id"`
			} `json:"session"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return SessionCreatedEvent{SessionID: payload.Session.ID}, nil

	case TypeSessionUpdated:
		return SessionUpdatedEvent{}, nil

	case TypeTranscriptDelta:
		var payload struct {
			ItemID     string `json:"item_id"`
			Delta      string `json:"delta"`
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		delta := payload.Delta
		if delta == "" {
			delta = payload.Transcript
		}
		return TranscriptDeltaEvent{ItemID: payload.ItemID, Delta: delta}, nil

	case TypeTranscriptDone:
		var payload struct {
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return TranscriptDoneEvent{
			ItemID:     payload.ItemID,
			Transcript: payload.Transcript,
		}, nil

	case TypeItemCreated:
		var payload struct {
			Item ConversationItem `json:"item"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return ItemCreatedEvent{Item: payload.Item}, nil

	case TypeSpeechStarted:
		return SpeechStartedEvent{}, nil
	case TypeSpeechStopped:
		return SpeechStoppedEvent{}, nil
	case TypeBufferCommitted:
		return BufferCommittedEvent{}, nil

	default:
		return UnknownEvent{Type: envelope.Type, Raw: data}, nil
	}
}

// Outbound frames.

type sessionUpdateFrame struct {
	Type    string          `json:"type"`
	Session sessionSettings `json:"session"`
}

func newSessionUpdateFrame(config SessionConfig) sessionUpdateFrame {
	return sessionUpdateFrame{
		Type:    "transcription_session.update",
		Session: config.settings(),
	}
}

type audioAppendFrame struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Audio   string `json:"audio"`
}

func newAudioAppendFrame(audio string) audioAppendFrame {
	return audioAppendFrame{
		Type:    "input_audio_buffer.append",
		EventID: "evt_" + etc.NewFreshID(),
		Audio:   audio,
	}
}
