// Package udp provides the relay's UDP endpoints: a receive socket whose read
// loop feeds the packet handler, and a send socket drained by a shared,
// single-worker send pool.
package udp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/oscrelay/dispatcher"
	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/health"
	"github.com/c360/oscrelay/metric"
	"github.com/c360/oscrelay/pkg/retry"
	"github.com/c360/oscrelay/pkg/worker"
)

// Transport label used in metrics and logs.
const transportName = "udp"

// degradedWindow is how long a socket error keeps the transport degraded.
const degradedWindow = 30 * time.Second

// readDeadline bounds each blocking read so the loop observes cancellation.
const readDeadline = 100 * time.Millisecond

// Handler processes one received datagram. data is owned by the callee.
// It runs on the read loop and must not block.
type Handler func(ctx context.Context, data []byte, from *net.UDPAddr)

// Config holds UDP transport settings.
type Config struct {
	BindAddress     string
	ReceivePort     int
	SendPort        int
	MaxDatagramSize int
	SendQueueSize   int
	SendWorkers     int
	BindRetry       retry.Config
}

// DefaultConfig returns the relay's standard ports.
func DefaultConfig() Config {
	return Config{
		BindAddress:     "0.0.0.0",
		ReceivePort:     9000,
		SendPort:        9001,
		MaxDatagramSize: 16 * 1024,
		SendQueueSize:   4096,
		SendWorkers:     1,
		BindRetry:       retry.DefaultConfig(),
	}
}

// Deps holds runtime dependencies for the transport.
type Deps struct {
	Config          Config
	Handler         Handler
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Datagram is one outbound packet queued on the send pool.
type Datagram struct {
	Addr    *net.UDPAddr
	Payload []byte
}

// Transport owns both sockets and their loops.
type Transport struct {
	cfg      Config
	handler  Handler
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	mu       sync.RWMutex
	recvConn *net.UDPConn
	sendConn *net.UDPConn
	pool     *worker.Pool[Datagram]

	running   atomic.Bool
	startTime time.Time
	readErrs  atomic.Int64
	sendErrs  atomic.Int64
	lastErr   atomic.Pointer[error]
	lastErrAt atomic.Int64 // unix nanos
	done      chan struct{}
}

// New creates a transport. Sockets are bound by Start.
func New(deps Deps) (*Transport, error) {
	if deps.Handler == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "udp-transport", "New", "handler validation")
	}
	cfg := deps.Config
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultConfig().MaxDatagramSize
	}
	for _, p := range []int{cfg.ReceivePort, cfg.SendPort} {
		if p < 0 || p > 65535 {
			return nil, errors.WrapInvalid(fmt.Errorf("invalid port %d", p),
				"udp-transport", "New", "port validation")
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		cfg:      cfg,
		handler:  deps.Handler,
		logger:   logger.With("component", "udp-transport"),
		registry: deps.MetricsRegistry,
		metrics:  deps.MetricsRegistry.CoreMetrics(),
		done:     make(chan struct{}),
	}, nil
}

// Start binds both sockets (with retry) and launches the read loop and send
// pool. A bind failure after all attempts is fatal. Both loops stop when ctx
// is cancelled.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "udp-transport", "Start", "start transport")
	}

	recvConn, err := t.bindWithRetry(ctx, t.cfg.ReceivePort)
	if err != nil {
		return err
	}
	sendConn, err := t.bindWithRetry(ctx, t.cfg.SendPort)
	if err != nil {
		_ = recvConn.Close()
		return err
	}

	opts := []worker.Option[Datagram]{}
	if t.registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[Datagram](t.registry, "send_pool"))
	}
	pool := worker.NewPool(t.cfg.SendWorkers, t.cfg.SendQueueSize, t.write, opts...)
	if err := pool.Start(ctx); err != nil {
		_ = recvConn.Close()
		_ = sendConn.Close()
		return errors.Wrap(err, "udp-transport", "Start", "start send pool")
	}

	t.recvConn = recvConn
	t.sendConn = sendConn
	t.pool = pool
	t.startTime = time.Now()
	t.running.Store(true)

	t.logger.Info("UDP transport listening",
		"receive_addr", recvConn.LocalAddr().String(),
		"send_addr", sendConn.LocalAddr().String())

	go func() {
		defer close(t.done)
		t.readLoop(ctx, recvConn)
	}()
	return nil
}

func (t *Transport) bindWithRetry(ctx context.Context, port int) (*net.UDPConn, error) {
	hostPort := net.JoinHostPort(t.cfg.BindAddress, strconv.Itoa(port))

	var conn *net.UDPConn
	err := retry.Do(ctx, t.cfg.BindRetry, func() error {
		addr, err := net.ResolveUDPAddr("udp", hostPort)
		if err != nil {
			return retry.NonRetryable(err)
		}
		c, err := net.ListenUDP("udp", addr)
		if err != nil {
			t.logger.Warn("UDP bind failed", "addr", hostPort, "error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: bind %s: %w", errors.ErrTransport, hostPort, err),
			"udp-transport", "Start", "socket binding")
	}
	return conn, nil
}

// readLoop reads datagrams until ctx is cancelled or the socket is closed.
func (t *Transport) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, t.cfg.MaxDatagramSize)

	for {
		if ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if stderrors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.readErrs.Add(1)
			t.recordError(err)
			t.logger.Warn("UDP receive failed", "error", err)
			continue
		}

		t.metrics.RecordReceived(transportName, n)
		if n == len(buf) {
			t.metrics.RecordTruncated()
			t.logger.Warn("Datagram filled the receive buffer and may be truncated",
				"bytes", n, "max_datagram_size", len(buf))
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.handler(ctx, data, from)
	}
}

// write is the send pool processor.
func (t *Transport) write(_ context.Context, d Datagram) error {
	t.mu.RLock()
	conn := t.sendConn
	t.mu.RUnlock()
	if conn == nil {
		return errors.ErrNotStarted
	}

	_, err := conn.WriteToUDP(d.Payload, d.Addr)
	t.metrics.RecordSent(err)
	if err != nil {
		t.sendErrs.Add(1)
		t.recordError(err)
		t.logger.Debug("UDP send failed", "to", d.Addr.String(), "error", err)
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "udp-transport", "write", "send datagram")
	}
	return nil
}

func (t *Transport) recordError(err error) {
	t.lastErr.Store(&err)
	t.lastErrAt.Store(time.Now().UnixNano())
}

// Send queues payload for addr on the shared send pool without blocking.
func (t *Transport) Send(addr *net.UDPAddr, payload []byte) error {
	t.mu.RLock()
	pool := t.pool
	t.mu.RUnlock()
	if pool == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "udp-transport", "Send", "queue datagram")
	}
	if err := pool.Submit(Datagram{Addr: addr, Payload: payload}); err != nil {
		return errors.WrapTransient(err, "udp-transport", "Send", "queue datagram")
	}
	return nil
}

// Sink returns the dispatcher sink that delivers to addr through the send pool.
func (t *Transport) Sink(addr *net.UDPAddr) dispatcher.Sink {
	return dispatcher.SinkFunc(func(_ context.Context, payload []byte) error {
		return t.Send(addr, payload)
	})
}

// ReceiveAddr returns the bound receive address, or nil before Start.
func (t *Transport) ReceiveAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.recvConn == nil {
		return nil
	}
	return t.recvConn.LocalAddr().(*net.UDPAddr)
}

// SendAddr returns the bound send address, or nil before Start.
func (t *Transport) SendAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sendConn == nil {
		return nil
	}
	return t.sendConn.LocalAddr().(*net.UDPAddr)
}

// Stop closes both sockets, drains the send pool and waits for the read loop.
func (t *Transport) Stop(timeout time.Duration) error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}

	t.mu.Lock()
	recvConn, pool := t.recvConn, t.pool
	t.mu.Unlock()

	_ = recvConn.Close()

	var stopErr error
	if err := pool.Stop(timeout); err != nil {
		stopErr = errors.WrapTransient(err, "udp-transport", "Stop", "drain send pool")
	}

	select {
	case <-t.done:
	case <-time.After(timeout):
		stopErr = errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"udp-transport", "Stop", "graceful shutdown")
	}

	t.mu.Lock()
	if t.sendConn != nil {
		_ = t.sendConn.Close()
		t.sendConn = nil
	}
	t.recvConn = nil
	t.mu.Unlock()

	t.logger.Info("UDP transport stopped")
	return stopErr
}

// Health reports healthy while both sockets are bound, degraded for a while
// after a socket error.
func (t *Transport) Health() health.Status {
	if !t.running.Load() {
		return health.NewUnhealthy("udp-transport", "not running")
	}

	var status health.Status
	recent := time.Since(time.Unix(0, t.lastErrAt.Load())) < degradedWindow
	if errp := t.lastErr.Load(); errp != nil && recent {
		status = health.FromError("udp-transport", *errp)
		status.Status = health.StatusDegraded
		status.Healthy = false
	} else {
		status = health.NewHealthy("udp-transport", "sockets bound")
	}

	return status.WithMetrics(&health.Metrics{
		Uptime:     time.Since(t.startTime),
		ErrorCount: t.readErrs.Load() + t.sendErrs.Load(),
	})
}
