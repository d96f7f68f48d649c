// Package relay wires the OSC pub/sub relay together: packets from the UDP
// endpoint (and the optional WebSocket bridge) are classified, control
// commands mutate the subscription registry, and payload messages fan out to
// per-subscriber dispatchers and the optional NATS mirror.
package relay

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

	"golang.org/x/sync/errgroup"

	"github.com/c360/oscrelay/bridge/websocket"
	"github.com/c360/oscrelay/command"
	"github.com/c360/oscrelay/config"
	"github.com/c360/oscrelay/dispatcher"
	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/health"
	"github.com/c360/oscrelay/lifecycle"
	"github.com/c360/oscrelay/metric"
	natsmirror "github.com/c360/oscrelay/mirror/nats"
	"github.com/c360/oscrelay/osc"
	"github.com/c360/oscrelay/registry"
	"github.com/c360/oscrelay/transport/udp"
)

// SystemName is the name reported by the aggregated health check.
const SystemName = "oscrelay"

// Deps holds everything the relay needs. Only Config is required.
type Deps struct {
	Config          *config.Config
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional

	// MirrorPublisher replaces the NATS connection and enables the mirror.
	MirrorPublisher natsmirror.Publisher
	// BridgeAddress overrides bind_address:bridge_port and enables the bridge.
	BridgeAddress string
}

// Relay is one running relay instance.
type Relay struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	classifier *command.Classifier
	subs       *registry.Registry
	monitor    *health.Monitor

	udp           *udp.Transport
	bridge        *websocket.Bridge
	mirror        *natsmirror.Mirror
	metricsServer *metric.Server

	group *dispatcher.Group

	mu      sync.Mutex
	lc      *lifecycle.Controller
	started atomic.Bool
	ready   chan struct{}
}

// New builds a relay from deps. Sockets are bound by Run.
func New(deps Deps) (*Relay, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "relay", "New", "validate config")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Relay{
		cfg:        cfg,
		logger:     logger.With("component", "relay"),
		registry:   deps.MetricsRegistry,
		metrics:    deps.MetricsRegistry.CoreMetrics(),
		classifier: command.NewClassifier(cfg.MaxNestingDepth),
		subs:       registry.New(cfg.ShardCount),
		monitor:    health.NewMonitor(),
		ready:      make(chan struct{}),
	}

	udpCfg := udp.Config{
		BindAddress:     cfg.BindAddress,
		ReceivePort:     cfg.ReceivePort,
		SendPort:        cfg.SendPort,
		MaxDatagramSize: cfg.MaxDatagramSize,
		SendQueueSize:   cfg.SendQueueSize,
		SendWorkers:     cfg.SendWorkers,
		BindRetry:       cfg.RetryPolicy(),
	}
	transport, err := udp.New(udp.Deps{
		Config:          udpCfg,
		Handler:         r.handleDatagram,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "relay", "New", "create UDP transport")
	}
	r.udp = transport
	r.monitor.Register("udp-transport", transport.Health)

	bridgeAddr := deps.BridgeAddress
	if bridgeAddr == "" && cfg.BridgePort != 0 {
		bridgeAddr = net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.BridgePort))
	}
	if bridgeAddr != "" {
		bcfg := websocket.DefaultConfig()
		bcfg.Address = bridgeAddr
		bcfg.Path = cfg.BridgePath
		bcfg.MaxFrameSize = int64(cfg.MaxDatagramSize)
		b, err := websocket.New(websocket.Deps{
			Config:       bcfg,
			Handler:      r.handleFrame,
			OnDisconnect: r.handleDisconnect,
			Metrics:      r.metrics,
			Logger:       logger,
		})
		if err != nil {
			return nil, errors.Wrap(err, "relay", "New", "create WebSocket bridge")
		}
		r.bridge = b
		r.monitor.Register("websocket-bridge", b.Health)
	}

	if cfg.NATS.Enabled || deps.MirrorPublisher != nil {
		mcfg := natsmirror.DefaultConfig()
		mcfg.URL = cfg.NATS.URL
		mcfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		mcfg.ClientName = cfg.NATS.ClientName
		mcfg.ConnectTimeout = cfg.NATS.ConnectTimeout.Std()
		mcfg.ConnectRetry = cfg.RetryPolicy()
		r.mirror = natsmirror.New(natsmirror.Deps{
			Config:          mcfg,
			Publisher:       deps.MirrorPublisher,
			MetricsRegistry: deps.MetricsRegistry,
			Logger:          logger,
		})
		r.monitor.Register("nats-mirror", r.mirror.Health)
	}

	if cfg.Metrics.Port != 0 && deps.MetricsRegistry != nil {
		addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Metrics.Port))
		r.metricsServer = metric.NewServer(addr, cfg.Metrics.Path, deps.MetricsRegistry, r.Health)
	}

	return r, nil
}

// Run binds the endpoints and relays until ctx is cancelled or Shutdown is
// called, then stops every task within the configured shutdown timeout.
// A bind failure is returned immediately as a fatal error.
func (r *Relay) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "relay", "Run", "start relay")
	}

	lc := lifecycle.New(ctx, r.logger)
	r.mu.Lock()
	r.lc = lc
	r.mu.Unlock()
	runCtx := lc.Context()

	dcfg := dispatcher.Config{
		QueueCapacity:  r.cfg.Queue.Capacity,
		OverflowPolicy: r.cfg.OverflowPolicy(),
	}
	r.group = dispatcher.NewGroup(runCtx, dcfg, r.logger, r.metrics)
	r.monitor.Register("dispatchers", r.group.Health)

	if r.mirror != nil {
		if err := r.mirror.Start(runCtx); err != nil {
			if !errors.IsTransient(err) {
				lc.Shutdown("NATS mirror failed to start")
				return errors.Wrap(err, "relay", "Run", "start NATS mirror")
			}
			r.logger.Warn("NATS mirror unavailable, continuing without it", "error", err)
		}
	}

	if err := r.udp.Start(runCtx); err != nil {
		lc.Shutdown("UDP transport failed to start")
		r.stopMirror(r.cfg.ShutdownTimeout.Std())
		return errors.Wrap(err, "relay", "Run", "start UDP transport")
	}

	g, gctx := errgroup.WithContext(runCtx)
	if r.bridge != nil {
		g.Go(func() error { return r.bridge.Serve(gctx) })
	}
	if r.metricsServer != nil {
		g.Go(func() error { return r.metricsServer.Serve(gctx) })
	}

	if r.bridge != nil {
		select {
		case <-r.bridge.Bound():
		case <-gctx.Done():
		}
	}

	close(r.ready)
	r.logger.Info("Relay started",
		"receive_addr", r.udp.ReceiveAddr().String(),
		"send_addr", r.udp.SendAddr().String(),
		"bridge", r.bridge != nil,
		"mirror", r.mirror != nil)

	<-gctx.Done()

	reason := lc.Reason()
	if reason == "" {
		reason = context.Cause(gctx).Error()
	}
	r.logger.Info("Relay stopping", "reason", reason)

	return r.shutdown(lc, g)
}

// shutdown retires every subscription, joins the dispatchers, then stops the
// transport, the mirror and the servers.
func (r *Relay) shutdown(lc *lifecycle.Controller, g *errgroup.Group) error {
	timeout := r.cfg.ShutdownTimeout.Std()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lc.Shutdown("relay stopping")

	var errs []error
	r.subs.Close()
	r.metrics.SetRegistrySize(0, 0)
	if err := r.group.Wait(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := r.udp.Stop(remaining(ctx)); err != nil {
		errs = append(errs, err)
	}
	r.stopMirror(remaining(ctx))

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, errors.WrapTransient(fmt.Errorf("shutdown timeout after %v", timeout),
			"relay", "Run", "stop servers"))
	}

	if err := stderrors.Join(errs...); err != nil {
		return err
	}
	r.logger.Info("Relay stopped")
	return nil
}

func (r *Relay) stopMirror(timeout time.Duration) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Stop(timeout); err != nil {
		r.logger.Warn("NATS mirror stop failed", "error", err)
	}
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Second
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return time.Millisecond
}

// Shutdown asks a running relay to stop. Run returns once it has.
func (r *Relay) Shutdown(reason string) {
	r.mu.Lock()
	lc := r.lc
	r.mu.Unlock()
	if lc != nil {
		lc.Shutdown(reason)
	}
}

// Ready is closed once every endpoint is bound.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// ReceiveAddr returns the bound UDP receive address, or nil before Ready.
func (r *Relay) ReceiveAddr() *net.UDPAddr { return r.udp.ReceiveAddr() }

// SendAddr returns the bound UDP send address, or nil before Ready.
func (r *Relay) SendAddr() *net.UDPAddr { return r.udp.SendAddr() }

// BridgeAddr returns the bridge listen address, or "" when the bridge is disabled.
func (r *Relay) BridgeAddr() string {
	if r.bridge == nil {
		return ""
	}
	return r.bridge.Address()
}

// Registry exposes the subscription registry for introspection.
func (r *Relay) Registry() *registry.Registry { return r.subs }

// Health aggregates the health of every endpoint.
func (r *Relay) Health() health.Status {
	return r.monitor.AggregateHealth(SystemName)
}

func (r *Relay) handleDatagram(ctx context.Context, data []byte, from *net.UDPAddr) {
	r.handlePacket(ctx, data, registry.UDPSubscriber(from), func() dispatcher.Sink {
		return r.udp.Sink(from)
	})
}

func (r *Relay) handleFrame(ctx context.Context, data []byte, client *websocket.Client) {
	r.handlePacket(ctx, data, client.ID(), client.Sink)
}

func (r *Relay) handleDisconnect(client *websocket.Client) {
	if n := r.subs.UnsubscribeAll(client.ID()); n > 0 {
		r.logger.Debug("Removed subscriptions of disconnected client",
			"subscriber", string(client.ID()), "count", n)
	}
	r.metrics.SetRegistrySize(r.subs.Len(), r.subs.TopicCount())
}

// handlePacket applies one classified packet on behalf of subscriber id.
// sink is only called when a new subscription needs a dispatcher.
func (r *Relay) handlePacket(_ context.Context, data []byte, id registry.SubscriberID, sink func() dispatcher.Sink) {
	cmd, err := r.classifier.Classify(data)
	if err != nil {
		kind := errors.Kind(err)
		r.metrics.RecordClassifyError(kind)
		r.logger.Debug("Discarding packet", "subscriber", string(id), "kind", kind, "error", err)
		return
	}

	switch cmd.Kind {
	case command.Subscribe:
		created, err := r.subs.Subscribe(cmd.Topic, id, r.group.Factory(cmd.Topic, id, sink()))
		if err != nil {
			r.logger.Warn("Subscribe failed", "topic", cmd.Topic, "subscriber", string(id), "error", err)
			return
		}
		if !created {
			r.logger.Debug("Already subscribed", "topic", cmd.Topic, "subscriber", string(id))
			return
		}
		r.metrics.RecordControl(command.Subscribe.String())
		r.logger.Info("Subscribed", "topic", cmd.Topic, "subscriber", string(id))

	case command.Unsubscribe:
		if !r.subs.Unsubscribe(cmd.Topic, id) {
			r.logger.Debug("Unsubscribe for unknown subscription", "topic", cmd.Topic, "subscriber", string(id))
			return
		}
		r.metrics.RecordControl(command.Unsubscribe.String())
		r.logger.Info("Unsubscribed", "topic", cmd.Topic, "subscriber", string(id))

	case command.Deliver:
		for _, msg := range cmd.Messages {
			r.route(msg)
		}
		return
	}

	r.metrics.SetRegistrySize(r.subs.Len(), r.subs.TopicCount())
}

// route publishes msg to every subscriber of its address and to the mirror.
func (r *Relay) route(msg *osc.Message) {
	enqueued, dropped := r.subs.Publish(msg.Address, msg)
	r.metrics.RecordRouted(enqueued, dropped)
	if dropped > 0 {
		r.logger.Debug("Subscriber queues full, message copies dropped",
			"topic", msg.Address, "dropped", dropped, "enqueued", enqueued)
	}
	if r.mirror != nil {
		r.mirror.Mirror(msg)
	}
}
