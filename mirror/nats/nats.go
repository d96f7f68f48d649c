// Package nats mirrors delivered OSC messages onto NATS subjects.
//
// Every payload message the relay routes is re-encoded and published to
// <prefix>.<address tokens>, so /synth/1/freq becomes oscrelay.synth.1.freq.
// Publishing runs on a bounded worker pool; a slow or disconnected broker
// drops mirror copies and never holds up UDP fan-out.
package nats

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	natspkg "github.com/nats-io/nats.go"

	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/health"
	"github.com/c360/oscrelay/metric"
	"github.com/c360/oscrelay/osc"
	"github.com/c360/oscrelay/pkg/retry"
	"github.com/c360/oscrelay/pkg/worker"
)

// Publisher is the part of *nats.Conn the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds mirror settings.
type Config struct {
	URL            string
	SubjectPrefix  string
	ClientName     string
	ConnectTimeout time.Duration
	ConnectRetry   retry.Config
	QueueSize      int
	DrainTimeout   time.Duration
}

// DefaultConfig returns settings for a local broker.
func DefaultConfig() Config {
	return Config{
		URL:            natspkg.DefaultURL,
		SubjectPrefix:  "oscrelay",
		ClientName:     "oscrelay",
		ConnectTimeout: 5 * time.Second,
		ConnectRetry:   retry.DefaultConfig(),
		QueueSize:      4096,
		DrainTimeout:   5 * time.Second,
	}
}

// Deps holds runtime dependencies for the mirror.
type Deps struct {
	Config          Config
	Publisher       Publisher               // optional; Start connects to Config.URL when nil
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Mirror publishes copies of routed messages to NATS.
type Mirror struct {
	cfg      Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	mu        sync.Mutex
	pub       Publisher
	conn      *natspkg.Conn
	pool      *worker.Pool[*osc.Message]
	connected atomic.Bool
	running   atomic.Bool
	published atomic.Int64
	failed    atomic.Int64
}

// New creates a mirror. Nothing is connected until Start.
func New(deps Deps) *Mirror {
	cfg := deps.Config
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Mirror{
		cfg:      cfg,
		logger:   logger.With("component", "nats-mirror"),
		registry: deps.MetricsRegistry,
		metrics:  deps.MetricsRegistry.CoreMetrics(),
		pub:      deps.Publisher,
	}
	if m.pub != nil {
		m.connected.Store(true)
	}
	return m
}

// Start connects to the broker (with retry) and starts the publish pool.
// Connection failure after all attempts is returned as a transient error.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "nats-mirror", "Start", "start mirror")
	}

	if m.pub == nil {
		conn, err := m.connect(ctx)
		if err != nil {
			return err
		}
		m.conn = conn
		m.pub = conn
		m.connected.Store(true)
	}

	opts := []worker.Option[*osc.Message]{}
	if m.registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[*osc.Message](m.registry, "mirror_pool"))
	}
	pool := worker.NewPool(1, m.cfg.QueueSize, m.publish, opts...)
	if err := pool.Start(ctx); err != nil {
		return errors.Wrap(err, "nats-mirror", "Start", "start publish pool")
	}
	m.pool = pool
	m.running.Store(true)

	m.logger.Info("NATS mirror started", "subject_prefix", m.cfg.SubjectPrefix)
	return nil
}

func (m *Mirror) connect(ctx context.Context) (*natspkg.Conn, error) {
	opts := []natspkg.Option{
		natspkg.Name(m.cfg.ClientName),
		natspkg.Timeout(m.cfg.ConnectTimeout),
		natspkg.MaxReconnects(-1),
		natspkg.ReconnectWait(2 * time.Second),
		natspkg.DisconnectErrHandler(func(_ *natspkg.Conn, err error) {
			m.connected.Store(false)
			m.logger.Warn("NATS disconnected", "error", err)
		}),
		natspkg.ReconnectHandler(func(c *natspkg.Conn) {
			m.connected.Store(true)
			m.logger.Info("NATS reconnected", "url", c.ConnectedUrlRedacted())
		}),
		natspkg.ClosedHandler(func(_ *natspkg.Conn) {
			m.connected.Store(false)
		}),
	}

	conn, err := retry.DoWithResult(ctx, m.cfg.ConnectRetry, func() (*natspkg.Conn, error) {
		c, err := natspkg.Connect(m.cfg.URL, opts...)
		if err != nil {
			m.logger.Warn("NATS connect failed", "error", err)
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, err),
			"nats-mirror", "Start", "establish connection")
	}

	m.logger.Info("Connected to NATS", "url", conn.ConnectedUrlRedacted())
	return conn, nil
}

// Mirror queues msg for publication. It never blocks; when the queue is full
// or the mirror is stopped the copy is dropped and counted as an error.
func (m *Mirror) Mirror(msg *osc.Message) {
	if msg == nil {
		return
	}
	m.mu.Lock()
	pool := m.pool
	m.mu.Unlock()

	var err error
	if pool == nil {
		err = errors.ErrNotStarted
	} else {
		err = pool.Submit(msg)
	}
	if err != nil {
		m.failed.Add(1)
		m.metrics.RecordMirror(err)
		m.logger.Debug("Mirror copy dropped", "topic", msg.Address, "error", err)
	}
}

func (m *Mirror) publish(_ context.Context, msg *osc.Message) error {
	data, err := msg.MarshalBinary()
	if err == nil {
		err = m.pub.Publish(Subject(m.cfg.SubjectPrefix, msg.Address), data)
	}
	m.metrics.RecordMirror(err)
	if err != nil {
		m.failed.Add(1)
		m.logger.Debug("Mirror publish failed", "topic", msg.Address, "error", err)
		return errors.WrapTransient(err, "nats-mirror", "publish", "publish message")
	}
	m.published.Add(1)
	return nil
}

// Stop drains queued copies and closes the connection the mirror opened.
func (m *Mirror) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running.Load() {
		m.mu.Unlock()
		return nil
	}
	m.running.Store(false)
	pool, conn := m.pool, m.conn
	m.pool, m.conn = nil, nil
	m.mu.Unlock()

	var errs []error
	if err := pool.Stop(timeout); err != nil {
		errs = append(errs, errors.Wrap(err, "nats-mirror", "Stop", "stop publish pool"))
	}

	if conn != nil {
		drainDone := make(chan error, 1)
		go func() { drainDone <- conn.Drain() }()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "nats-mirror", "Stop", "drain connection"))
			}
		case <-time.After(m.cfg.DrainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", m.cfg.DrainTimeout), "nats-mirror", "Stop", "drain timeout"))
		}
		conn.Close()
		m.connected.Store(false)
	}

	return stderrors.Join(errs...)
}

// Health reports connection state and publish counters.
func (m *Mirror) Health() health.Status {
	var status health.Status
	switch {
	case !m.running.Load():
		status = health.NewUnhealthy("nats-mirror", "mirror not running")
	case !m.connected.Load():
		status = health.NewDegraded("nats-mirror", "broker disconnected, copies are dropped")
	default:
		status = health.NewHealthy("nats-mirror", "mirroring to "+m.cfg.SubjectPrefix+".>")
	}
	return status.WithMetrics(&health.Metrics{
		MessagesProcessed: m.published.Load(),
		ErrorCount:        m.failed.Load(),
	})
}

// Subject maps an OSC address onto a NATS subject under prefix. Each address
// segment becomes one token; empty segments and segments holding NATS
// wildcards become "_", and dots or whitespace inside a segment become "_".
func Subject(prefix, address string) string {
	segments := strings.Split(strings.TrimPrefix(address, "/"), "/")

	var b strings.Builder
	b.Grow(len(prefix) + len(address) + 1)
	b.WriteString(prefix)
	for _, seg := range segments {
		b.WriteByte('.')
		if seg == "" || strings.ContainsAny(seg, "*>") {
			b.WriteByte('_')
			continue
		}
		for _, r := range seg {
			if r == '.' || r == ' ' || r == '\t' || r == '\r' || r == '\n' {
				b.WriteByte('_')
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
