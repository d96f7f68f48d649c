package relay

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oscrelay/config"
	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/metric"
	"github.com/c360/oscrelay/osc"
)

const waitFor = 2 * time.Second

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BindAddress = "127.0.0.1"
	cfg.ReceivePort = 0
	cfg.SendPort = 0
	cfg.BindRetry = config.RetryConfig{
		MaxAttempts:  1,
		InitialDelay: config.Duration(time.Millisecond),
		MaxDelay:     config.Duration(time.Millisecond),
	}
	cfg.ShutdownTimeout = config.Duration(2 * time.Second)
	return cfg
}

type harness struct {
	relay   *Relay
	metrics *metric.MetricsRegistry
	done    chan error
	once    sync.Once
	runErr  error
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.once.Do(func() {
		h.relay.Shutdown("test finished")
		select {
		case h.runErr = <-h.done:
		case <-time.After(5 * time.Second):
			h.runErr = stderrors.New("relay did not stop")
		}
	})
	return h.runErr
}

func startRelay(t *testing.T, deps Deps) *harness {
	t.Helper()
	if deps.Config == nil {
		deps.Config = testConfig()
	}
	if deps.MetricsRegistry == nil {
		deps.MetricsRegistry = metric.NewMetricsRegistry()
	}
	r, err := New(deps)
	require.NoError(t, err)

	h := &harness{relay: r, metrics: deps.MetricsRegistry, done: make(chan error, 1)}
	go func() { h.done <- r.Run(context.Background()) }()

	select {
	case <-r.Ready():
	case err := <-h.done:
		t.Fatalf("relay exited during startup: %v", err)
	case <-time.After(waitFor):
		t.Fatal("relay not ready")
	}
	t.Cleanup(func() { assert.NoError(t, h.stop(t)) })
	return h
}

type peer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(r *Relay, pkt osc.Packet) {
	p.t.Helper()
	data, err := osc.Encode(pkt)
	require.NoError(p.t, err)
	p.sendRaw(r, data)
}

func (p *peer) sendRaw(r *Relay, data []byte) {
	p.t.Helper()
	_, err := p.conn.WriteToUDP(data, r.ReceiveAddr())
	require.NoError(p.t, err)
}

// receive reads one datagram or returns nil after timeout.
func (p *peer) receive(timeout time.Duration) (*osc.Message, *net.UDPAddr) {
	p.t.Helper()
	buf := make([]byte, 65535)
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	n, from, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil
	}
	pkt, err := osc.Decode(buf[:n])
	require.NoError(p.t, err)
	msg, ok := pkt.(*osc.Message)
	require.True(p.t, ok, "relay forwards single messages")
	return msg, from
}

func (p *peer) subscribe(h *harness, topic string, want int) {
	p.t.Helper()
	p.send(h.relay, osc.NewMessage("/subscribe", topic))
	require.Eventually(p.t, func() bool {
		return len(h.relay.Registry().Subscribers(topic)) == want
	}, waitFor, 5*time.Millisecond)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.OverflowPolicy = "block"
	_, err := New(Deps{Config: cfg})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))
}

func TestRelay_SubscribeThenDeliver(t *testing.T) {
	h := startRelay(t, Deps{})
	sub, pub := newPeer(t), newPeer(t)

	sub.subscribe(h, "/chat", 1)
	pub.send(h.relay, osc.NewMessage("/chat", "hello"))

	msg, from := sub.receive(waitFor)
	require.NotNil(t, msg)
	assert.Equal(t, "/chat", msg.Address)
	assert.Equal(t, []any{"hello"}, msg.Arguments)
	assert.Equal(t, h.relay.SendAddr().Port, from.Port, "forwarded from the send endpoint")

	assert.Nil(t, mustNone(pub), "publisher is not subscribed")
}

func mustNone(p *peer) *osc.Message {
	msg, _ := p.receive(150 * time.Millisecond)
	return msg
}

func TestRelay_ArgumentsPreserved(t *testing.T) {
	h := startRelay(t, Deps{})
	sub, pub := newPeer(t), newPeer(t)
	sub.subscribe(h, "/mix", 1)

	args := []any{int32(7), float32(0.5), "s", []byte{1, 2, 3}, int64(1) << 40, true, nil,
		osc.RGBA{R: 1, G: 2, B: 3, A: 4}, []any{int32(1), "nested"}}
	pub.send(h.relay, osc.NewMessage("/mix", args...))

	msg, _ := sub.receive(waitFor)
	require.NotNil(t, msg)
	assert.Equal(t, args, msg.Arguments)
}

func TestRelay_UnsubscribeStopsDelivery(t *testing.T) {
	h := startRelay(t, Deps{})
	sub, other, pub := newPeer(t), newPeer(t), newPeer(t)

	sub.subscribe(h, "/a", 1)
	sub.subscribe(h, "/b", 1)
	other.subscribe(h, "/a", 2)
	sub.send(h.relay, osc.NewMessage("/unsubscribe", "/a"))
	require.Eventually(t, func() bool {
		return len(h.relay.Registry().Subscribers("/a")) == 1
	}, waitFor, 5*time.Millisecond)

	pub.send(h.relay, osc.NewMessage("/a", int32(1)))
	pub.send(h.relay, osc.NewMessage("/b", int32(2)))

	msg, _ := sub.receive(waitFor)
	require.NotNil(t, msg)
	assert.Equal(t, "/b", msg.Address, "only the remaining topic is forwarded")
	assert.Nil(t, mustNone(sub))

	msg, _ = other.receive(waitFor)
	require.NotNil(t, msg, "other subscriber of /a keeps receiving")
	assert.Equal(t, "/a", msg.Address)
	assert.Equal(t, []any{int32(1)}, msg.Arguments)

	assert.Equal(t, []string{"/a", "/b"}, h.relay.Registry().Topics())
}

func TestRelay_DoubleSubscribeDeliversOnce(t *testing.T) {
	h := startRelay(t, Deps{})
	sub := newPeer(t)

	sub.subscribe(h, "/t", 1)
	sub.send(h.relay, osc.NewMessage("/subscribe", "/t"))
	// Same read loop, so the second subscribe is applied before this delivery.
	sub.send(h.relay, osc.NewMessage("/t", "once"))

	msg, _ := sub.receive(waitFor)
	require.NotNil(t, msg)
	assert.Equal(t, []any{"once"}, msg.Arguments)
	assert.Nil(t, mustNone(sub))

	assert.Equal(t, 1, h.relay.Registry().Len())
	core := h.metrics.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.Dispatchers))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.ControlCommands.WithLabelValues("subscribe")))
}

func TestRelay_BundleFlattening(t *testing.T) {
	h := startRelay(t, Deps{})
	sub, pub := newPeer(t), newPeer(t)
	sub.subscribe(h, "/a", 1)
	sub.subscribe(h, "/b", 1)

	bundle := osc.NewBundle(osc.Immediately,
		osc.NewMessage("/a", int32(1)),
		osc.NewBundle(osc.Immediately,
			osc.NewMessage("/b", int32(2)),
			osc.NewBundle(osc.Immediately, osc.NewMessage("/a", int32(3))),
		),
		osc.NewMessage("/unheard", int32(4)),
	)
	pub.send(h.relay, bundle)

	got := map[string][]any{}
	for i := 0; i < 3; i++ {
		msg, _ := sub.receive(waitFor)
		require.NotNil(t, msg, "message %d", i)
		got[msg.Address] = append(got[msg.Address], msg.Arguments...)
	}
	assert.Equal(t, []any{int32(1), int32(3)}, got["/a"], "per-topic order preserved")
	assert.Equal(t, []any{int32(2)}, got["/b"])
	assert.Nil(t, mustNone(sub))

	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.CoreMetrics().MessagesRouted))
}

func TestRelay_ControlAddressInsideBundleIsPayload(t *testing.T) {
	h := startRelay(t, Deps{})
	sub, pub := newPeer(t), newPeer(t)
	sub.subscribe(h, "/subscribe", 1)

	pub.send(h.relay, osc.NewBundle(osc.Immediately, osc.NewMessage("/subscribe", "/x")))

	msg, _ := sub.receive(waitFor)
	require.NotNil(t, msg)
	assert.Equal(t, "/subscribe", msg.Address)
	assert.Equal(t, []any{"/x"}, msg.Arguments)
	assert.Empty(t, h.relay.Registry().Subscribers("/x"))
}

func TestRelay_MalformedPacketsAreDiscarded(t *testing.T) {
	h := startRelay(t, Deps{})
	p := newPeer(t)

	p.send(h.relay, osc.NewMessage("/subscribe"))
	p.send(h.relay, osc.NewMessage("/subscribe", int32(5)))
	p.send(h.relay, osc.NewMessage("/unsubscribe", "a", "b"))
	p.sendRaw(h.relay, []byte{0xde, 0xad, 0xbe, 0xef})
	p.subscribe(h, "/sync", 1)

	assert.Equal(t, 1, h.relay.Registry().Len())
	core := h.metrics.CoreMetrics()
	assert.Equal(t, 3.0, testutil.ToFloat64(core.ClassifyErrors.WithLabelValues("protocol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.ClassifyErrors.WithLabelValues("decode")))
	assert.True(t, h.relay.Health().IsHealthy())
}

func TestRelay_NestingDepthLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxNestingDepth = 2
	h := startRelay(t, Deps{Config: cfg})
	sub, pub := newPeer(t), newPeer(t)
	sub.subscribe(h, "/deep", 1)

	deep := osc.NewBundle(osc.Immediately,
		osc.NewBundle(osc.Immediately,
			osc.NewBundle(osc.Immediately, osc.NewMessage("/deep"))))
	pub.send(h.relay, deep)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.CoreMetrics().ClassifyErrors.WithLabelValues("decode")) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Nil(t, mustNone(sub))
}

func TestRelay_NoSubscribersIsNoop(t *testing.T) {
	h := startRelay(t, Deps{})
	pub := newPeer(t)

	pub.send(h.relay, osc.NewMessage("/nobody", int32(1)))

	core := h.metrics.CoreMetrics()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(core.MessagesRouted) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(core.MessagesEnqueued))
	assert.Equal(t, 0.0, testutil.ToFloat64(core.DatagramsSent))
	assert.Empty(t, h.relay.Registry().Topics())
}

func TestRelay_ShutdownJoinsDispatchers(t *testing.T) {
	h := startRelay(t, Deps{})
	p := newPeer(t)
	for _, topic := range []string{"/1", "/2", "/3"} {
		p.subscribe(h, topic, 1)
	}
	core := h.metrics.CoreMetrics()
	assert.Equal(t, 3.0, testutil.ToFloat64(core.Dispatchers))

	require.NoError(t, h.stop(t))
	assert.Equal(t, 0.0, testutil.ToFloat64(core.Dispatchers))
	assert.Equal(t, 0, h.relay.Registry().Len())
	assert.True(t, h.relay.Health().IsUnhealthy())
}

func TestRelay_ParentContextCancel(t *testing.T) {
	r, err := New(Deps{Config: testConfig()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	<-r.Ready()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	err = r.Run(context.Background())
	assert.True(t, stderrors.Is(err, errors.ErrAlreadyStarted))
}

func TestRelay_BindFailureIsFatal(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.ReceivePort = taken.LocalAddr().(*net.UDPAddr).Port
	r, err := New(Deps{Config: cfg})
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, stderrors.Is(err, errors.ErrTransport))
}

func TestRelay_WebSocketBridge(t *testing.T) {
	h := startRelay(t, Deps{BridgeAddress: "127.0.0.1:0"})
	udpPeer := newPeer(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+h.relay.BridgeAddr()+"/osc", nil)
	require.NoError(t, err)
	defer ws.Close()

	subscribe, err := osc.NewMessage("/subscribe", "/ws").MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, subscribe))
	require.Eventually(t, func() bool {
		return len(h.relay.Registry().Subscribers("/ws")) == 1
	}, waitFor, 5*time.Millisecond)

	// UDP in, WebSocket out.
	udpPeer.send(h.relay, osc.NewMessage("/ws", float32(1.5)))
	_ = ws.SetReadDeadline(time.Now().Add(waitFor))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	pkt, err := osc.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []any{float32(1.5)}, pkt.(*osc.Message).Arguments)

	// WebSocket in, UDP out.
	udpPeer.subscribe(h, "/udp", 1)
	payload, err := osc.NewMessage("/udp", "from-ws").MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, payload))
	msg, _ := udpPeer.receive(waitFor)
	require.NotNil(t, msg)
	assert.Equal(t, []any{"from-ws"}, msg.Arguments)

	// Disconnect removes the client's subscriptions.
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return len(h.relay.Registry().Subscribers("/ws")) == 0
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, h.relay.Registry().Len())
}

type mirrorCapture struct {
	mu       sync.Mutex
	subjects []string
}

func (m *mirrorCapture) Publish(subject string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	return nil
}

func (m *mirrorCapture) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subjects...)
}

func TestRelay_MirrorsRoutedMessages(t *testing.T) {
	mirror := &mirrorCapture{}
	h := startRelay(t, Deps{MirrorPublisher: mirror})
	pub := newPeer(t)

	pub.send(h.relay, osc.NewBundle(osc.Immediately,
		osc.NewMessage("/synth/freq", float32(440)),
		osc.NewMessage("/synth/amp", float32(0.2)),
	))
	pub.send(h.relay, osc.NewMessage("/subscribe", "/not-mirrored"))

	require.Eventually(t, func() bool { return len(mirror.all()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"oscrelay.synth.freq", "oscrelay.synth.amp"}, mirror.all())
	assert.True(t, h.relay.Health().IsHealthy())
}

func TestRelay_UnreachableMirrorDoesNotStopRelay(t *testing.T) {
	cfg := testConfig()
	cfg.NATS.Enabled = true
	cfg.NATS.URL = "nats://127.0.0.1:1"
	cfg.NATS.ConnectTimeout = config.Duration(100 * time.Millisecond)
	h := startRelay(t, Deps{Config: cfg})
	sub, pub := newPeer(t), newPeer(t)

	sub.subscribe(h, "/still-up", 1)
	pub.send(h.relay, osc.NewMessage("/still-up", int32(1)))

	msg, _ := sub.receive(waitFor)
	require.NotNil(t, msg)
	assert.Equal(t, "/still-up", msg.Address)
	assert.True(t, h.relay.Health().IsUnhealthy(), "mirror reports unhealthy")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.CoreMetrics().MirrorErrors) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestRelay_HealthReportsDispatchers(t *testing.T) {
	h := startRelay(t, Deps{})
	p := newPeer(t)
	p.subscribe(h, "/x", 1)

	status := h.relay.Health()
	var found bool
	for _, sub := range status.SubStatuses {
		if sub.Component == "dispatchers" {
			found = true
			assert.True(t, sub.IsHealthy())
			assert.Equal(t, "1 dispatchers, 0 queued", sub.Message)
		}
	}
	assert.True(t, found, "dispatchers check registered")
}
