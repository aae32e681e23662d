// Package media implements the External-Media WebSocket server: the PBX
// side of the RTP-over-WebSocket leg. Grounded on the teacher's
// pkg/providers/tts/lokutor.go duplex binary/text read loop, generalized
// from a single outbound client connection into an `Accept`-side server
// keyed by channel id.
package media

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/lokutor-ai/ari-bridge/internal/logging"
)

// outboundWatermarkFrames bounds each channel's outbound queue to ~1s of
// 20ms slin16 frames before the oldest are dropped.
const outboundWatermarkFrames = 50

// Callbacks wires the server to the rest of the bridge without a direct
// dependency on C1/C5.
type Callbacks struct {
	OnConnectionEstablished func(channelID string)
	OnConnectionLost        func(channelID string)
	OnInboundFrame          func(channelID string, frame []byte)
}

type connection struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	outbox  chan []byte
	closeOnce sync.Once
	done    chan struct{}
}

// Server accepts WebSocket upgrades on /external_media/{channel_id} and
// bridges binary slin16 frames between the PBX and the rest of the bridge.
type Server struct {
	addr      string
	callbacks Callbacks
	logger    logging.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// New builds a Server listening on addr ("host:port").
func New(addr string, callbacks Callbacks, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{
		addr:      addr,
		callbacks: callbacks,
		logger:    logger,
		conns:     make(map[string]*connection),
	}
}

// Handler returns the http.Handler to mount, exposed separately from
// ListenAndServe so callers can embed it in a larger mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/external_media/", s.handleUpgrade)
	return mux
}

// ListenAndServe blocks serving the external-media WebSocket endpoint
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimPrefix(r.URL.Path, "/external_media/")
	if channelID == "" {
		http.Error(w, "missing channel id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("external media: upgrade failed", "channel_id", channelID, "err", err)
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &connection{
		conn:   conn,
		cancel: cancel,
		outbox: make(chan []byte, outboundWatermarkFrames),
		done:   make(chan struct{}),
	}

	s.register(channelID, c)
	if s.callbacks.OnConnectionEstablished != nil {
		s.callbacks.OnConnectionEstablished(channelID)
	}

	go s.writeLoop(runCtx, channelID, c)
	s.readLoop(runCtx, channelID, c)
}

// register installs c under channelID, closing and replacing any prior
// connection for the same channel (at most one active socket per channel).
func (s *Server) register(channelID string, c *connection) {
	s.mu.Lock()
	prior := s.conns[channelID]
	s.conns[channelID] = c
	s.mu.Unlock()

	if prior != nil {
		prior.close(websocket.StatusNormalClosure, "superseded by new connection")
	}
}

func (s *Server) unregister(channelID string, c *connection) {
	s.mu.Lock()
	if s.conns[channelID] == c {
		delete(s.conns, channelID)
	}
	s.mu.Unlock()
}

func (c *connection) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close(code, reason)
		close(c.done)
	})
}

func (s *Server) readLoop(ctx context.Context, channelID string, c *connection) {
	defer func() {
		s.unregister(channelID, c)
		c.close(websocket.StatusNormalClosure, "")
		if s.callbacks.OnConnectionLost != nil {
			s.callbacks.OnConnectionLost(channelID)
		}
	}()

	for {
		msgType, payload, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageBinary {
			continue
		}
		if s.callbacks.OnInboundFrame != nil {
			s.callbacks.OnInboundFrame(channelID, payload)
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, channelID string, c *connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		}
	}
}

// SendAudioToChannel enqueues frame for delivery to channelID's socket,
// dropping the oldest queued frame if the outbound watermark is exceeded.
// Never blocks the caller.
func (s *Server) SendAudioToChannel(channelID string, frame []byte) bool {
	s.mu.Lock()
	c := s.conns[channelID]
	s.mu.Unlock()
	if c == nil {
		return false
	}

	select {
	case c.outbox <- frame:
		return true
	default:
		select {
		case <-c.outbox:
		default:
		}
		select {
		case c.outbox <- frame:
			return true
		default:
			return false
		}
	}
}

// ClearOutbound drops all queued outbound frames for channelID, used on
// barge-in interruption.
func (s *Server) ClearOutbound(channelID string) {
	s.mu.Lock()
	c := s.conns[channelID]
	s.mu.Unlock()
	if c == nil {
		return
	}
	for {
		select {
		case <-c.outbox:
		default:
			return
		}
	}
}

// IsRegistered reports whether channelID currently has an active
// connection.
func (s *Server) IsRegistered(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[channelID]
	return ok
}

// CloseChannel forcibly closes and unregisters channelID's connection, if
// any (used on StasisEnd).
func (s *Server) CloseChannel(channelID string) {
	s.mu.Lock()
	c := s.conns[channelID]
	delete(s.conns, channelID)
	s.mu.Unlock()
	if c != nil {
		c.close(websocket.StatusNormalClosure, "channel ended")
	}
}
