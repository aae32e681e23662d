package liveapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/ari-bridge/internal/bridgeerr"
	"github.com/lokutor-ai/ari-bridge/internal/logging"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 10 * time.Second
)

// listeners holds one typed slot per event kind, replacing the original's
// string-keyed callback registry with slots the compiler can check.
type listeners struct {
	mu             sync.RWMutex
	onSessionReady []func(Event)
	onSpeechStart  []func(Event)
	onSpeechStop   []func(Event)
	onResponse     []func(Event)
	onAudioDelta   []func(Event)
	onAudioDone    []func(Event)
	onTextDelta    []func(Event)
	onTextDone     []func(Event)
	onError        []func(Event)
	onDisconnected []func(Event)
}

// Client is a single duplex connection to the Live API.
type Client struct {
	host   string
	path   string
	apiKey string
	setup  SetupConfig
	logger logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	listeners listeners
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the client's logger (default logging.NoOpLogger{}).
func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a Client for host/path, authenticated with apiKey, that will
// send setup on every Connect.
func New(host, path, apiKey string, setup SetupConfig, opts ...Option) *Client {
	c := &Client{
		host:   host,
		path:   path,
		apiKey: apiKey,
		setup:  setup,
		logger: logging.NoOpLogger{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Listener registration — typed slots, each append-only and safe to call
// concurrently with event delivery.
func (c *Client) OnSessionCreated(f func(Event)) { c.listeners.add(&c.listeners.onSessionReady, f) }
func (c *Client) OnSpeechStarted(f func(Event))  { c.listeners.add(&c.listeners.onSpeechStart, f) }
func (c *Client) OnSpeechStopped(f func(Event))  { c.listeners.add(&c.listeners.onSpeechStop, f) }
func (c *Client) OnResponseCreated(f func(Event)) { c.listeners.add(&c.listeners.onResponse, f) }
func (c *Client) OnAudioDelta(f func(Event))     { c.listeners.add(&c.listeners.onAudioDelta, f) }
func (c *Client) OnAudioDone(f func(Event))      { c.listeners.add(&c.listeners.onAudioDone, f) }
func (c *Client) OnTextDelta(f func(Event))      { c.listeners.add(&c.listeners.onTextDelta, f) }
func (c *Client) OnTextDone(f func(Event))       { c.listeners.add(&c.listeners.onTextDone, f) }
func (c *Client) OnError(f func(Event))          { c.listeners.add(&c.listeners.onError, f) }
func (c *Client) OnDisconnected(f func(Event))   { c.listeners.add(&c.listeners.onDisconnected, f) }

func (l *listeners) add(slot *[]func(Event), f func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*slot = append(*slot, f)
}

func (l *listeners) fanout(slot *[]func(Event), ev Event) {
	l.mu.RLock()
	fns := append([]func(Event){}, (*slot)...)
	l.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// A panicking listener must not break the demux loop.
				}
			}()
			fn(ev)
		}()
	}
}

// Connect dials the Live API and sends the setup message. The read and
// heartbeat loops it starts run until Close or a read failure.
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "wss", Host: c.host, Path: c.path, RawQuery: "key=" + c.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.NetworkUnavailable, "live api dial failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.cancel = cancel
	c.mu.Unlock()

	if err := wsjson.Write(ctx, conn, setupMessage{Type: "setup", Setup: c.setup}); err != nil {
		c.teardown(runCtx, cancel, "setup write failed")
		return bridgeerr.Wrap(bridgeerr.NetworkUnavailable, "live api setup failed", err)
	}

	go c.readLoop(runCtx, cancel)
	go c.heartbeatLoop(runCtx)
	return nil
}

type setupMessage struct {
	Type  string      `json:"type"`
	Setup SetupConfig `json:"setup"`
}

// Connected reports whether the underlying transport is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the connection and cancels the read/heartbeat loops.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

func (c *Client) teardown(runCtx context.Context, cancel context.CancelFunc, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close(websocket.StatusAbnormalClosure, reason)
	}
	c.listeners.fanout(&c.listeners.onDisconnected, Event{Type: EventDisconnected})
}

func (c *Client) readLoop(runCtx context.Context, cancel context.CancelFunc) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, payload, err := conn.Read(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				// Closed locally via Close: not a connection loss, so no
				// disconnected event reaches the listeners.
				c.mu.Lock()
				c.connected = false
				c.conn = nil
				c.mu.Unlock()
				return
			}
			c.teardown(runCtx, cancel, "read failed")
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		c.demux(payload)
	}
}

func (c *Client) heartbeatLoop(runCtx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			pingCtx, cancel := context.WithTimeout(runCtx, heartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Warn("live api heartbeat failed", "err", err)
			}
		}
	}
}

type inboundEnvelope struct {
	Type         string          `json:"type"`
	ResponseID   string          `json:"response_id"`
	Audio        string          `json:"audio"`
	Text         string          `json:"text"`
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Subkind      string          `json:"subkind"`
	RetryAfterMs int             `json:"retry_after_ms"`
	RawResponse  json.RawMessage `json:"response"`
}

func (c *Client) demux(payload []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Warn("live api: malformed event payload", "err", err)
		return
	}

	switch env.Type {
	case "setup_complete", "session.created":
		c.listeners.fanout(&c.listeners.onSessionReady, Event{Type: EventSessionCreated})
	case string(EventSpeechStarted):
		c.listeners.fanout(&c.listeners.onSpeechStart, Event{Type: EventSpeechStarted})
	case string(EventSpeechStopped):
		c.listeners.fanout(&c.listeners.onSpeechStop, Event{Type: EventSpeechStopped})
	case string(EventInputCommitted):
		c.logger.Debug("live api: input committed")
	case string(EventInputCleared):
		c.logger.Debug("live api: input cleared")
	case string(EventResponseCreated):
		c.listeners.fanout(&c.listeners.onResponse, Event{Type: EventResponseCreated, ResponseID: env.ResponseID})
	case string(EventAudioDelta):
		audio, err := base64.StdEncoding.DecodeString(env.Audio)
		if err != nil {
			c.logger.Warn("live api: malformed audio delta", "err", err)
			return
		}
		c.listeners.fanout(&c.listeners.onAudioDelta, Event{Type: EventAudioDelta, Audio: audio, IsDelta: true, ResponseID: env.ResponseID})
	case string(EventAudioDone):
		c.listeners.fanout(&c.listeners.onAudioDone, Event{Type: EventAudioDone, ResponseID: env.ResponseID})
	case string(EventTextDelta):
		c.listeners.fanout(&c.listeners.onTextDelta, Event{Type: EventTextDelta, Text: env.Text, IsDelta: true, ResponseID: env.ResponseID})
	case string(EventTextDone):
		c.listeners.fanout(&c.listeners.onTextDone, Event{Type: EventTextDone, Text: env.Text, ResponseID: env.ResponseID})
	case "error":
		c.listeners.fanout(&c.listeners.onError, Event{
			Type:         EventError,
			ErrorCode:    env.Code,
			ErrorMessage: env.Message,
			Subkind:      env.Subkind,
			RetryAfterMs: env.RetryAfterMs,
		})
	// conversation item / content-part granularity: logged and ignored but
	// typed, per the original's finer-grained event set.
	case "response.output_item.added", "response.output_item.done",
		"response.content_part.added", "response.content_part.done",
		"response.audio_transcript.delta", "response.audio_transcript.done":
		c.logger.Debug("live api: item/content-part event", "type", env.Type)
	default:
		c.logger.Debug("live api: unrecognized event type", "type", env.Type)
	}
}

// writeJSON sends v as a text frame, failing without closing the
// connection unless the transport itself has already failed.
func (c *Client) writeJSON(ctx context.Context, v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return bridgeerr.New(bridgeerr.NetworkUnavailable, "live api: not connected")
	}
	if err := wsjson.Write(ctx, conn, v); err != nil {
		return bridgeerr.Wrap(bridgeerr.NetworkUnavailable, "live api: write failed", err)
	}
	return nil
}

// AppendAudio enqueues frame to the server's input buffer.
func (c *Client) AppendAudio(ctx context.Context, frame []byte) error {
	return c.writeJSON(ctx, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(frame),
	})
}

// CommitInput marks end of the current user turn.
func (c *Client) CommitInput(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]interface{}{"type": "input_audio_buffer.commit"})
}

// ClearInput discards the server-side input buffer.
func (c *Client) ClearInput(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]interface{}{"type": "input_audio_buffer.clear"})
}

// CreateResponse requests a response envelope identified by responseID.
func (c *Client) CreateResponse(ctx context.Context, responseID string) error {
	return c.writeJSON(ctx, map[string]interface{}{"type": "response.create", "response_id": responseID})
}

// CancelResponse aborts generation of the response identified by responseID.
func (c *Client) CancelResponse(ctx context.Context, responseID string) error {
	return c.writeJSON(ctx, map[string]interface{}{"type": "response.cancel", "response_id": responseID})
}
