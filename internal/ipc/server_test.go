package ipc

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hwkeysd/internal/clock"
)

// shortSocketPath keeps the path under the unix socket length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hwk")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		SocketPath: shortSocketPath(t),
		Version:    "test",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, h)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dial(t *testing.T, srv *Server) *IPCClient {
	t.Helper()
	cfg := DefaultClientConfig(srv.SocketPath())
	cfg.RequestTimeout = 2 * time.Second
	c := NewClient(cfg)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerClientRoundTrip(t *testing.T) {
	f := newHandlerFixture(t)
	srv := startServer(t, f.handler)
	c := dial(t, srv)
	ctx := context.Background()

	assert.Equal(t, "test", c.ServerVersion())
	assert.Equal(t, PermReadWrite, c.Permission())
	assert.NotEmpty(t, c.ClientID())
	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.PutBinding(ctx, "power_action", "screenshot"))
	got, err := c.GetBinding(ctx, "power_action")
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, "screenshot", got.Value)

	all, err := c.ListBindings(ctx, "gesture_")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"gesture_255": "flashlight"}, all)

	existed, err := c.DeleteBinding(ctx, "power_action")
	require.NoError(t, err)
	assert.True(t, existed)

	res, err := c.InjectKey(ctx, InjectKeyRequest{KeyCode: 102, Action: InjectTap})
	require.NoError(t, err)
	assert.Len(t, res.Results, 2)

	consumed, err := c.InjectGesture(ctx, 255)
	require.NoError(t, err)
	assert.True(t, consumed)

	state, err := c.SetState(ctx, "dreaming", true)
	require.NoError(t, err)
	assert.True(t, state["dreaming"])

	cat, err := c.Catalog(ctx)
	require.NoError(t, err)
	assert.Len(t, cat.Categories, 2)

	status, err := c.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)

	report, err := c.Health(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.Ready)
}

func TestServerRejectsInvalidPayload(t *testing.T) {
	f := newHandlerFixture(t)
	c := dial(t, startServer(t, f.handler))

	_, err := c.InjectKey(context.Background(), InjectKeyRequest{KeyCode: 102, Action: "hold"})
	require.Error(t, err)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrInvalidRequest, re.Code)
	assert.Empty(t, f.router.Events())
}

func TestServerReadOnlyClient(t *testing.T) {
	f := newHandlerFixture(t)
	srv := startServer(t, f.handler)
	client := &Client{ID: "ro", Permission: PermReadOnly}

	payload, err := Encode(&PutBindingRequest{Key: "home_action", Value: "none"})
	require.NoError(t, err)
	resp, err := srv.processMessage(client, NewMessage(MsgPutBinding, 1, payload))
	require.NoError(t, err)
	require.Equal(t, MsgError, resp.Header.Type)

	var e ErrorResponse
	require.NoError(t, Decode(resp.Payload, &e))
	assert.Equal(t, ErrPermissionDenied, e.Code)
	v, _, _ := f.store.Get("home_action")
	assert.Equal(t, "home", v)

	payload, err = Encode(&BindingRequest{Key: "home_action"})
	require.NoError(t, err)
	resp, err = srv.processMessage(client, NewMessage(MsgGetBinding, 2, payload))
	require.NoError(t, err)
	assert.Equal(t, MsgGetBindingResp, resp.Header.Type)
}

func TestServerHandlerError(t *testing.T) {
	srv := startServer(t, HandlerFunc(func(ctx context.Context, client *Client, msg *Message) (*Message, error) {
		return nil, io.ErrUnexpectedEOF
	}))
	c := dial(t, srv)

	_, err := c.Catalog(context.Background())
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrInternalError, re.Code)
}

func TestClientDaemonNotRunning(t *testing.T) {
	c := NewClient(DefaultClientConfig(shortSocketPath(t)))
	assert.ErrorIs(t, c.Connect(), ErrDaemonNotRunning)
	assert.False(t, c.IsConnected())
}

func TestClientConnectionLost(t *testing.T) {
	f := newHandlerFixture(t)
	srv := startServer(t, f.handler)
	c := dial(t, srv)

	require.NoError(t, srv.Stop())
	require.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	_, err := c.Status(context.Background(), false)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCleanupSocket(t *testing.T) {
	path := shortSocketPath(t)
	require.NoError(t, CleanupSocket(path))

	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
	assert.Error(t, CleanupSocket(path))
	require.NoError(t, os.Remove(path))

	srv := startServer(t, nil)
	assert.Error(t, CleanupSocket(srv.SocketPath()))
	assert.True(t, IsSocketListening(srv.SocketPath()))
}

func TestServerRateLimitsWrites(t *testing.T) {
	f := newHandlerFixture(t)
	clk := clock.NewManual(time.Unix(0, 0))
	srv, err := NewServer(ServerConfig{
		SocketPath: shortSocketPath(t),
		WriteRate:  1,
		WriteBurst: 2,
		Clock:      clk,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, f.handler)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	c := dial(t, srv)
	ctx := context.Background()

	require.NoError(t, c.PutBinding(ctx, "a", "1"))
	require.NoError(t, c.PutBinding(ctx, "b", "2"))
	err = c.PutBinding(ctx, "c", "3")
	assert.True(t, IsRateLimited(err), "got %v", err)

	_, err = c.GetBinding(ctx, "a")
	assert.NoError(t, err, "reads are not limited")

	clk.Advance(time.Second)
	assert.NoError(t, c.PutBinding(ctx, "c", "3"))
}
