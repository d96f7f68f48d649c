package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oscrelay/registry"
)

type frame struct {
	data   []byte
	client *Client
}

type recorder struct {
	mu           sync.Mutex
	frames       []frame
	disconnected []registry.SubscriberID
}

func (r *recorder) handle(_ context.Context, data []byte, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame{data: data, client: c})
}

func (r *recorder) disconnect(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, c.ID())
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func startBridge(t *testing.T, rec *recorder) (*Bridge, string, func() error) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	b, err := New(Deps{Config: cfg, Handler: rec.handle, OnDisconnect: rec.disconnect})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	require.Eventually(t, func() bool { return b.Address() != cfg.Address }, 2*time.Second, 5*time.Millisecond)

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				stopErr = context.DeadlineExceeded
			}
		})
		return stopErr
	}
	t.Cleanup(func() { assert.NoError(t, stop()) })
	return b, "ws://" + b.Address() + "/osc", stop
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestNew_RequiresHandler(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestBridge_BinaryFramesReachHandler(t *testing.T) {
	rec := &recorder{}
	b, url, _ := startBridge(t, rec)

	conn := dial(t, url)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))

	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	got := rec.frames[0]
	rec.mu.Unlock()
	assert.Equal(t, []byte{1, 2, 3, 4}, got.data)
	assert.Contains(t, string(got.client.ID()), "ws:")
	assert.Equal(t, 1, b.Clients())
	assert.True(t, b.Health().IsHealthy())
}

func TestBridge_ClientSendWritesBinaryFrame(t *testing.T) {
	rec := &recorder{}
	_, url, _ := startBridge(t, rec)

	conn := dial(t, url)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0}))
	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	client := rec.frames[0].client
	rec.mu.Unlock()

	require.NoError(t, client.Sink().Send(context.Background(), []byte("payload")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, []byte("payload"), data)
}

func TestBridge_DisconnectRunsHook(t *testing.T) {
	rec := &recorder{}
	b, url, _ := startBridge(t, rec)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return b.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	require.Eventually(t, func() bool { return rec.disconnectCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Clients())
}

func TestBridge_ShutdownClosesClients(t *testing.T) {
	rec := &recorder{}
	b, url, stop := startBridge(t, rec)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return b.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, rec.disconnectCount())
	assert.False(t, b.Health().IsHealthy())
}

func TestClient_SendAfterCloseFails(t *testing.T) {
	rec := &recorder{}
	_, url, _ := startBridge(t, rec)

	conn := dial(t, url)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0}))
	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	client := rec.frames[0].client
	rec.mu.Unlock()

	client.close()
	assert.Error(t, client.Send(context.Background(), []byte("x")))
}
