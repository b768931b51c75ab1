package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

const (
	BaseURL      = "https://api.openai.com"
	RealtimeURL  = "wss://api.openai.com/v1/realtime?intent=transcription"
	DefaultModel = "gpt-4o-transcribe"
)

var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrMalformedResponse = errors.New("malformed session response")
)

type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	logger     *log.Logger
}

func NewClient(apiKey string, logger *log.Logger) *Client {
	return &Client{
		APIKey:     apiKey,
		BaseURL:    BaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// SessionConfig is the transcription setup sent both to the session
// creation endpoint and echoed back over the websocket once the remote
// confirms the session.
type SessionConfig struct {
	Model    string
	Prompt   string
	Language string

	// Server-side voice activity detection.
	VADThreshold      float64
	PrefixPaddingMS   int
	SilenceDurationMS int

	NoiseReduction string
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Model:             DefaultModel,
		Prompt:            "Expect technical conversation about software.",
		Language:          "en",
		VADThreshold:      0.5,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 500,
		NoiseReduction:    "near_field",
	}
}

// Session is the ephemeral credential pair returned by negotiation. It
// lives for one streaming session and is never persisted.
type Session struct {
	ID           string
	ClientSecret string
	ExpiresAt    time.Time
}

func (s *Session) AuthHeader() string {
	return "Bearer " + s.ClientSecret
}

type transcriptionSettings struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt,omitempty"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type sessionSettings struct {
	InputAudioFormat        string                `json:"input_audio_format"`
	InputAudioTranscription transcriptionSettings `json:"input_audio_transcription"`
	TurnDetection           turnDetection         `json:"turn_detection"`
	InputAudioNoiseReduction *noiseReduction      `json:"input_audio_noise_reduction,omitempty"`
	Include                 []string              `json:"include,omitempty"`
}

func (c SessionConfig) settings() sessionSettings {
	s := sessionSettings{
		InputAudioFormat: "pcm16",
		InputAudioTranscription: transcriptionSettings{
			Model:    c.Model,
			Prompt:   c.Prompt,
			Language: c.Language,
		},
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         c.VADThreshold,
			PrefixPaddingMS:   c.PrefixPaddingMS,
			SilenceDurationMS: c.SilenceDurationMS,
		},
		Include: []string{"item.input_audio_transcription.logprobs"},
	}
	if c.NoiseReduction != "" {
		s.InputAudioNoiseReduction = &noiseReduction{Type: c.NoiseReduction}
	}
	return s
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// CreateSession performs the one-shot authenticated exchange for an
// ephemeral session credential. Single attempt; the caller owns any
// retry policy.
func (c *Client) CreateSession(
	ctx context.Context,
	config SessionConfig,
) (*Session, error) {
	body, err := json.Marshal(config.settings())
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}

	url := c.BaseURL + "/v1/realtime/transcription_sessions"
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("create session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf(
			"%w: status %d: %s",
			ErrAuthentication, resp.StatusCode, string(detail),
		)
	}

	var parsed sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if parsed.ID == "" || parsed.ClientSecret.Value == "" {
		return nil, fmt.Errorf(
			"%w: missing session id or client secret", ErrMalformedResponse,
		)
	}

	session := &Session{
		ID:           parsed.ID,
		ClientSecret: parsed.ClientSecret.Value,
	}
	if parsed.ClientSecret.ExpiresAt > 0 {
		session.ExpiresAt = time.Unix(parsed.ClientSecret.ExpiresAt, 0)
	}

	c.logger.Info("session negotiated",
		"id", session.ID, "expires", session.ExpiresAt)

	return session, nil
}
