// Package dispatcher runs one delivery loop per (topic, subscriber) pair:
// drain the subscription queue, encode each message, hand the bytes to the
// subscriber's sink.
package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/health"
	"github.com/c360/oscrelay/metric"
	"github.com/c360/oscrelay/osc"
	"github.com/c360/oscrelay/pkg/buffer"
	"github.com/c360/oscrelay/registry"
)

// Sink accepts encoded packets for one subscriber. Send must not block for
// long: the UDP sink submits to the shared send pool, the WebSocket sink
// writes one frame.
type Sink interface {
	Send(ctx context.Context, payload []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, payload []byte) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Config sizes each subscription queue.
type Config struct {
	QueueCapacity  int
	OverflowPolicy buffer.OverflowPolicy
}

// DefaultConfig matches the relay's historical per-subscriber channel size.
func DefaultConfig() Config {
	return Config{QueueCapacity: 1024, OverflowPolicy: buffer.DropOldest}
}

// Dispatcher is a running delivery loop. It implements registry.Subscription.
type Dispatcher struct {
	topic      string
	subscriber registry.SubscriberID
	queue      buffer.Buffer[*osc.Message]
	policy     buffer.OverflowPolicy
	sink       Sink
	logger     *slog.Logger
	metrics    *metric.Metrics

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ registry.Subscription = (*Dispatcher)(nil)

// Enqueue offers msg to the queue without blocking.
func (d *Dispatcher) Enqueue(msg *osc.Message) (bool, error) {
	return d.queue.Write(msg)
}

// Retire cancels the loop and closes the queue. Messages still queued are
// discarded; at most the one already handed to the sink goes out. Idempotent.
func (d *Dispatcher) Retire() {
	d.once.Do(func() {
		d.cancel()
		_ = d.queue.Close()
	})
}

// Stats returns a snapshot of the subscription queue counters.
func (d *Dispatcher) Stats() buffer.StatsSummary {
	return d.queue.Stats().Summary()
}

func (d *Dispatcher) onOverflow(dropped *osc.Message) {
	d.logger.Debug("Subscriber queue full, message dropped",
		"address", dropped.Address,
		"policy", d.policy.String(),
		"dropped_total", d.queue.Stats().Drops())
}

// Done is closed once the loop has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Topic returns the topic this dispatcher serves.
func (d *Dispatcher) Topic() string { return d.topic }

// Subscriber returns the subscriber this dispatcher serves.
func (d *Dispatcher) Subscriber() registry.SubscriberID { return d.subscriber }

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	defer d.metrics.DispatcherStopped()

	d.logger.Debug("Dispatcher started")
	for {
		msg, err := d.queue.Next(ctx)
		if err != nil {
			if stderrors.Is(err, errors.ErrChannelClosed) {
				d.logger.Debug("Dispatcher queue closed")
			} else {
				d.logger.Debug("Dispatcher cancelled", "reason", err)
			}
			return
		}
		if ctx.Err() != nil {
			d.logger.Debug("Dispatcher retired, discarding queued messages",
				"discarded", 1+d.queue.Size())
			return
		}

		payload, err := msg.MarshalBinary()
		if err != nil {
			d.logger.Warn("Dropping message that failed to encode", "address", msg.Address, "error", err)
			d.metrics.RecordDropped("encode")
			continue
		}

		if err := d.sink.Send(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Debug("Dropping message after handoff failure", "error", err)
			d.metrics.RecordDropped("handoff")
		}
	}
}

// Group spawns dispatchers under a shared parent context and joins them on shutdown.
type Group struct {
	ctx     context.Context
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	wg      sync.WaitGroup

	mu   sync.Mutex
	live map[*Dispatcher]struct{}
}

// NewGroup creates a group whose dispatchers stop when ctx is cancelled.
func NewGroup(ctx context.Context, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	return &Group{
		ctx:     ctx,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
		metrics: metrics,
		live:    make(map[*Dispatcher]struct{}),
	}
}

// Spawn creates the queue for (topic, id) and starts its loop.
func (g *Group) Spawn(topic string, id registry.SubscriberID, sink Sink) (*Dispatcher, error) {
	d := &Dispatcher{
		topic:      topic,
		subscriber: id,
		policy:     g.cfg.OverflowPolicy,
		sink:       sink,
		logger:     g.logger.With("topic", topic, "subscriber", string(id)),
		metrics:    g.metrics,
		done:       make(chan struct{}),
	}
	queue, err := buffer.NewCircularBuffer[*osc.Message](g.cfg.QueueCapacity,
		buffer.WithOverflowPolicy[*osc.Message](g.cfg.OverflowPolicy),
		buffer.WithDropCallback[*osc.Message](d.onOverflow))
	if err != nil {
		return nil, errors.Wrap(err, "dispatcher", "Spawn", "create queue")
	}
	d.queue = queue

	ctx, cancel := context.WithCancel(g.ctx)
	d.cancel = cancel

	g.mu.Lock()
	g.live[d] = struct{}{}
	g.mu.Unlock()

	g.metrics.DispatcherStarted()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			delete(g.live, d)
			g.mu.Unlock()
		}()
		defer cancel()
		d.run(ctx)
	}()
	return d, nil
}

// Factory returns a registry.Factory that spawns a dispatcher for (topic, id).
func (g *Group) Factory(topic string, id registry.SubscriberID, sink Sink) registry.Factory {
	return func() (registry.Subscription, error) {
		return g.Spawn(topic, id, sink)
	}
}

// Health summarises the queues of every running dispatcher. The group is
// degraded while any queue is at capacity.
func (g *Group) Health() health.Status {
	g.mu.Lock()
	ds := make([]*Dispatcher, 0, len(g.live))
	for d := range g.live {
		ds = append(ds, d)
	}
	g.mu.Unlock()

	var queued, drops, processed int64
	full := 0
	for _, d := range ds {
		st := d.Stats()
		queued += st.CurrentSize
		drops += st.Drops
		processed += st.Reads
		if st.CurrentSize >= int64(d.queue.Capacity()) {
			full++
		}
	}

	msg := fmt.Sprintf("%d dispatchers, %d queued", len(ds), queued)
	status := health.NewHealthy("dispatchers", msg)
	if full > 0 {
		status = health.NewDegraded("dispatchers", fmt.Sprintf("%s, %d queues full", msg, full))
	}
	return status.WithMetrics(&health.Metrics{
		ErrorCount:        drops,
		MessagesProcessed: processed,
	})
}

// Wait blocks until every spawned dispatcher has exited or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "dispatcher", "Wait", "join dispatchers")
	}
}
