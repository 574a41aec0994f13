package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quayside/ferry/internal/protocol"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Server exposes the gateway over a websocket endpoint plus the
// metrics and health HTTP surface.
type Server struct {
	gateway  *Gateway
	logger   *slog.Logger
	upgrader websocket.Upgrader

	listen         string
	metricsPath    string
	metricsHandler http.Handler

	httpServer *http.Server
}

// NewServer builds the HTTP/websocket front end. metricsHandler may be
// nil when metrics serving is disabled.
func NewServer(gw *Gateway, listen, metricsPath string, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		gateway: gw,
		logger:  logger.With("component", "ws-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		listen:         listen,
		metricsPath:    metricsPath,
		metricsHandler: metricsHandler,
	}
}

// Handler returns the HTTP mux: /ws for the protocol, the metrics path
// when configured, and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	if s.metricsHandler != nil && s.metricsPath != "" {
		mux.Handle(s.metricsPath, s.metricsHandler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.listen)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := &wsConn{
		server: s,
		sock:   sock,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	conn.state = s.gateway.Register(uuid.New().String())
	conn.run()
}

// wsConn adapts one websocket to the protocol transport. Writes go
// through a single writer goroutine; Send is safe from any goroutine.
type wsConn struct {
	server *Server
	sock   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	state  *ConnState

	closeOnce sync.Once
}

// Send encodes a server message and queues it for the writer. It blocks
// when the client is slow and fails once the connection is gone.
func (c *wsConn) Send(msg *protocol.ServerMessage) error {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errors.New("connection closed")
	}
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.server.gateway.Unregister(c.state.ID())
		_ = c.sock.Close()
	})
}

func (c *wsConn) readLoop() {
	c.sock.SetReadLimit(wsMaxPayloadBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(wsPongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			// Malformed frames are dropped without touching any state.
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				c.server.logger.Debug("dropping malformed frame", "conn_id", c.state.ID(), "error", decodeErr)
				continue
			}
			c.server.logger.Warn("frame decode failed", "conn_id", c.state.ID(), "error", err)
			continue
		}

		c.server.gateway.HandleMessage(c.ctx, c.state, c, msg)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case data := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}
