// Package websocket provides the relay's secondary endpoint: a WebSocket
// server whose binary frames carry OSC packets.
//
// Each connection is one subscriber. Frames from the client are classified
// exactly like UDP datagrams, and messages routed to the client are written
// back as binary frames.
package websocket

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/oscrelay/dispatcher"
	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/health"
	"github.com/c360/oscrelay/metric"
	"github.com/c360/oscrelay/registry"
)

// Transport label used in metrics and logs.
const transportName = "websocket"

// Handler processes one binary frame from client. data is owned by the callee.
type Handler func(ctx context.Context, data []byte, client *Client)

// Config holds bridge settings.
type Config struct {
	Address      string // host:port, port 0 picks a free port
	Path         string
	MaxFrameSize int64
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns bridge defaults.
func DefaultConfig() Config {
	return Config{
		Address:      ":0",
		Path:         "/osc",
		MaxFrameSize: 64 * 1024,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Deps holds runtime dependencies for the bridge.
type Deps struct {
	Config       Config
	Handler      Handler
	OnDisconnect func(*Client)   // optional
	Metrics      *metric.Metrics // optional
	Logger       *slog.Logger    // optional
}

// Client is one connected WebSocket peer.
type Client struct {
	id           registry.SubscriberID
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration
	connectedAt  time.Time

	writeMu   sync.Mutex // gorilla connections allow one concurrent writer
	closeOnce sync.Once
	closed    atomic.Bool
}

// ID returns the client's subscriber id.
func (c *Client) ID() registry.SubscriberID { return c.id }

// RemoteAddr returns the peer address.
func (c *Client) RemoteAddr() string { return c.remote }

// Send writes payload as one binary frame.
func (c *Client) Send(_ context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrChannelClosed, "websocket-bridge", "Send", "write frame")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		c.close()
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err),
			"websocket-bridge", "Send", "write frame")
	}
	return nil
}

// Sink returns the dispatcher sink writing to this client.
func (c *Client) Sink() dispatcher.Sink { return c }

func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
	})
}

// Bridge is the WebSocket endpoint.
type Bridge struct {
	cfg          Config
	handler      Handler
	onDisconnect func(*Client)
	metrics      *metric.Metrics
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ctx      context.Context
	bound    chan struct{}

	clientsMu sync.RWMutex
	clients   map[registry.SubscriberID]*Client
	wg        sync.WaitGroup

	running     atomic.Bool
	connections atomic.Int64
	frames      atomic.Int64
	errCount    atomic.Int64
}

// New creates a bridge. The listener is opened by Serve.
func New(deps Deps) (*Bridge, error) {
	if deps.Handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "websocket-bridge", "New", "handler validation")
	}
	cfg := deps.Config
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		cfg:          cfg,
		handler:      deps.Handler,
		onDisconnect: deps.OnDisconnect,
		metrics:      deps.Metrics,
		logger:       logger.With("component", "websocket-bridge"),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[registry.SubscriberID]*Client),
		bound:   make(chan struct{}),
	}, nil
}

// Serve listens on the configured address and serves WebSocket clients until
// ctx is cancelled. On return every client has been disconnected.
func (b *Bridge) Serve(ctx context.Context) error {
	b.mu.Lock()
	if b.server != nil {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "websocket-bridge", "Serve", "start server")
	}
	ln, err := net.Listen("tcp", b.cfg.Address)
	if err != nil {
		b.mu.Unlock()
		return errors.WrapFatal(fmt.Errorf("%w: listen %s: %w", errors.ErrTransport, b.cfg.Address, err),
			"websocket-bridge", "Serve", "listen")
	}
	mux := http.NewServeMux()
	mux.HandleFunc(b.cfg.Path, b.handleUpgrade)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	b.server = srv
	b.listener = ln
	b.ctx = ctx
	b.running.Store(true)
	close(b.bound)
	b.mu.Unlock()

	b.logger.Info("WebSocket bridge listening", "addr", ln.Addr().String(), "path", b.cfg.Path)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		b.keepalive(ctx)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr = errors.WrapFatal(err, "websocket-bridge", "Serve", "serve HTTP")
		}
	case <-ctx.Done():
	}

	b.running.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	b.closeAll()
	b.wg.Wait()
	<-pingDone
	return serveErr
}

// Bound is closed once Serve is listening.
func (b *Bridge) Bound() <-chan struct{} {
	return b.bound
}

// Address returns the listening address once Serve has bound, or the configured one.
func (b *Bridge) Address() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return b.cfg.Address
}

// Clients returns the number of connected clients.
func (b *Bridge) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Registered before the hijack so Serve's Wait covers this connection.
	b.wg.Add(1)
	defer b.wg.Done()

	if !b.running.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.errCount.Add(1)
		b.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &Client{
		id:           registry.NewWebSocketSubscriber(),
		conn:         conn,
		remote:       r.RemoteAddr,
		writeTimeout: b.cfg.WriteTimeout,
		connectedAt:  time.Now(),
	}

	b.clientsMu.Lock()
	b.clients[client.id] = client
	b.clientsMu.Unlock()
	b.connections.Add(1)

	// closeAll may have taken its snapshot before the insert
	if !b.running.Load() {
		client.close()
	}

	b.logger.Debug("WebSocket client connected", "subscriber", client.id, "remote", client.remote)

	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()

	b.readLoop(ctx, client)
}

// readLoop handles frames from one client until it disconnects.
func (b *Bridge) readLoop(ctx context.Context, c *Client) {
	defer b.removeClient(c)

	pongWait := 2 * b.cfg.PingInterval
	c.conn.SetReadLimit(b.cfg.MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.errCount.Add(1)
				b.logger.Debug("WebSocket read failed", "subscriber", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.BinaryMessage {
			b.logger.Debug("Ignoring non-binary frame", "subscriber", c.id, "type", msgType)
			continue
		}
		b.frames.Add(1)
		b.metrics.RecordReceived(transportName, len(data))
		b.handler(ctx, data, c)
	}
}

func (b *Bridge) removeClient(c *Client) {
	c.close()

	b.clientsMu.Lock()
	_, ok := b.clients[c.id]
	delete(b.clients, c.id)
	b.clientsMu.Unlock()

	if ok && b.onDisconnect != nil {
		b.onDisconnect(c)
	}
	b.logger.Debug("WebSocket client disconnected", "subscriber", c.id,
		"connected_for", time.Since(c.connectedAt).String())
}

func (b *Bridge) snapshot() []*Client {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	list := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		list = append(list, c)
	}
	return list
}

// keepalive pings every client each PingInterval; a failed ping drops the client.
func (b *Bridge) keepalive(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range b.snapshot() {
				if c.closed.Load() {
					continue
				}
				if err := c.ping(); err != nil {
					b.errCount.Add(1)
					c.close()
				}
			}
		}
	}
}

// closeAll sends a close frame to every client and closes the connections.
// Each read loop then exits and runs the disconnect hook.
func (b *Bridge) closeAll() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	deadline := time.Now().Add(time.Second)
	for _, c := range b.snapshot() {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.close()
	}
}

// Health reports whether the bridge is serving.
func (b *Bridge) Health() health.Status {
	var status health.Status
	if b.running.Load() {
		status = health.NewHealthy("websocket-bridge",
			fmt.Sprintf("%d clients, %d since start", b.Clients(), b.connections.Load()))
	} else {
		status = health.NewUnhealthy("websocket-bridge", "bridge not serving")
	}
	return status.WithMetrics(&health.Metrics{
		MessagesProcessed: b.frames.Load(),
		ErrorCount:        b.errCount.Load(),
	})
}
