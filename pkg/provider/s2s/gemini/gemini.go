// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Outbound messages use the snake_case field names accepted by the v1alpha
// endpoint; inbound messages arrive in camelCase. Audio travels as
// base64-encoded 16-bit PCM in both directions.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and conn satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Conn = (*conn)(nil)

const (
	DefaultModel      = "models/gemini-2.0-flash"
	DefaultVoice      = "Puck"
	DefaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	DefaultAPIVersion = "v1alpha"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// Model turns can carry several seconds of audio in one message.
	maxMessageSize = 16 << 20

	eventBuffer = 64
)

// Voices lists the prebuilt voices offered by Gemini Live.
var Voices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIVersion overrides the API version segment of the endpoint path.
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	baseURL    string
	apiVersion string
}

// New creates a new Gemini Live Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Endpoint returns the BidiGenerateContent URL for apiKey.
func (p *Provider) Endpoint(apiKey string) string {
	return fmt.Sprintf(
		"%s/google.ai.generativelanguage.%s.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiVersion, url.QueryEscape(apiKey),
	)
}

// Connect dials Gemini Live and sends the setup message. The returned Conn
// delivers [s2s.SetupComplete] once the server has accepted the setup.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Conn, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: missing API key")
	}

	ws, _, err := websocket.Dial(ctx, p.Endpoint(cfg.APIKey), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: connCancel,
	}

	if err := c.writeJSON(ctx, newSetupMessage(cfg)); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	go c.keepaliveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model            string           `json:"model"`
	GenerationConfig generationConfig `json:"generation_config"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"response_modalities"`
	SpeechConfig       *speechConfig `json:"speech_config,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voice_config"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64-encoded
}

func newSetupMessage(cfg s2s.SessionConfig) setupMessage {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// decodeServerMessage translates one inbound message into events, in the
// order a consumer must observe them.
func decodeServerMessage(data []byte) []s2s.Event {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return []s2s.Event{s2s.Malformed{Raw: data, Err: err}}
	}

	var out []s2s.Event
	if msg.SetupComplete != nil {
		out = append(out, s2s.SetupComplete{})
	}
	if msg.Error != nil {
		out = append(out, s2s.ErrorEvent{
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Status:  msg.Error.Status,
		})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			out = append(out, s2s.Interrupted{})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				out = append(out, s2s.AudioChunk{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				})
			}
		}
		if sc.TurnComplete {
			out = append(out, s2s.TurnComplete{})
		}
	}
	return out
}

// ── conn ──────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		// Binary frames carry the same JSON as text frames.
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.isClosed() {
				return
			}
			c.setErr(closeErrorFrom(err))
			return
		}

		for _, ev := range decodeServerMessage(data) {
			select {
			case c.events <- ev:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// closeErrorFrom converts a read error into an [s2s.CloseError].
func closeErrorFrom(err error) *s2s.CloseError {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &s2s.CloseError{Code: int(ce.Code), Reason: ce.Reason, Err: err}
	}
	return &s2s.CloseError{Code: s2s.CloseAbnormal, Err: err}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── s2s.Conn methods ──────────────────────────────────────────────────────────

// SendAudio writes one realtime_input message with a single media chunk.
func (c *conn) SendAudio(ctx context.Context, chunk s2s.MediaChunk) error {
	if c.isClosed() {
		return fmt.Errorf("gemini: connection closed")
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	}
	return c.writeJSON(ctx, msg)
}

// Events returns the inbound event stream.
func (c *conn) Events() <-chan s2s.Event { return c.events }

// Err returns the reason the event stream ended, or nil after a local Close.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close sends a normal close frame and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	err := c.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	c.cancel() // unblocks receiveLoop if the close handshake did not
	if err != nil {
		slog.Debug("gemini: close handshake", "err", err)
	}
	return nil
}
