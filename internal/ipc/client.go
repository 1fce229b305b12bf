package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is an error reply from the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon: %s (code %d)", e.Message, e.Code)
}

// IsPermissionDenied reports whether err is a permission error from the
// daemon.
func IsPermissionDenied(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == ErrPermissionDenied
}

// IsRateLimited reports whether the daemon refused a write because the
// client sent too many.
func IsRateLimited(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == ErrRateLimited
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "hwkeysctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// IPCClient talks to a running hwkeysd.
type IPCClient struct {
	cfg ClientConfig

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	connected atomic.Bool
	nextReqID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message

	clientID   string
	version    string
	permission PermissionLevel

	done chan struct{}
}

// NewClient creates a new IPC client.
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &IPCClient{
		cfg:     cfg,
		pending: make(map[uint32]chan *Message),
	}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.cfg.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = conn
	c.done = make(chan struct{})
	c.connected.Store(true)
	go c.readLoop(conn, c.done)
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// IsConnected returns whether the client is connected.
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the identifier the daemon assigned.
func (c *IPCClient) ClientID() string { return c.clientID }

// ServerVersion returns the daemon's version.
func (c *IPCClient) ServerVersion() string { return c.version }

// Permission returns the level the daemon granted.
func (c *IPCClient) Permission() PermissionLevel { return c.permission }

func (c *IPCClient) handshake() error {
	var ack HandshakeResponse
	err := c.call(MsgHandshake, MsgHandshakeAck, &HandshakeRequest{
		ClientName:      c.cfg.ClientName,
		ClientVersion:   c.cfg.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}, &ack)
	if err != nil {
		return err
	}
	if ack.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: daemon %d, client %d", ack.ProtocolVersion, ProtocolVersion)
	}
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	return nil
}

func (c *IPCClient) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	defer c.failPending()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}

		switch msg.Header.Type {
		case MsgPing:
			_ = c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))
		default:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.Header.RequestID]
			c.pendingMu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
			}
		}
	}
}

func (c *IPCClient) failPending() {
	c.connected.Store(false)
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return msg.Write(conn)
}

// request sends a message and waits for the reply with the same id.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	id := c.nextReqID.Add(1)
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(NewMessage(msgType, id, data)); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call sends req and decodes a reply of type want into out. Error
// replies become *RemoteError.
func (c *IPCClient) call(msgType, want MessageType, req, out any) error {
	return c.callContext(context.Background(), msgType, want, req, out)
}

func (c *IPCClient) callContext(ctx context.Context, msgType, want MessageType, req, out any) error {
	resp, err := c.request(ctx, msgType, req)
	if err != nil {
		return err
	}

	switch resp.Header.Type {
	case want:
	case MsgError:
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error reply: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message}
	default:
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}

	if out == nil {
		return nil
	}
	if err := Decode(resp.Payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}

// Ping checks that the daemon is responsive.
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.callContext(ctx, MsgPing, MsgPong, nil, nil)
}

// Status requests the daemon status.
func (c *IPCClient) Status(ctx context.Context, includeMetrics bool) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.callContext(ctx, MsgStatusRequest, MsgStatusResponse, &StatusRequest{IncludeMetrics: includeMetrics}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health runs the daemon's health checks.
func (c *IPCClient) Health(ctx context.Context, full bool) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.callContext(ctx, MsgHealthCheck, MsgHealthResponse, &HealthRequest{Full: full}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBinding reads one binding.
func (c *IPCClient) GetBinding(ctx context.Context, key string) (*BindingResponse, error) {
	var out BindingResponse
	if err := c.callContext(ctx, MsgGetBinding, MsgGetBindingResp, &BindingRequest{Key: key}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutBinding writes one binding.
func (c *IPCClient) PutBinding(ctx context.Context, key, value string) error {
	return c.callContext(ctx, MsgPutBinding, MsgPutBindingResp, &PutBindingRequest{Key: key, Value: value}, nil)
}

// DeleteBinding removes one binding and reports whether it existed.
func (c *IPCClient) DeleteBinding(ctx context.Context, key string) (bool, error) {
	var out BindingResponse
	if err := c.callContext(ctx, MsgDeleteBinding, MsgDeleteBindingResp, &BindingRequest{Key: key}, &out); err != nil {
		return false, err
	}
	return out.Found, nil
}

// ListBindings returns every binding whose key starts with prefix.
func (c *IPCClient) ListBindings(ctx context.Context, prefix string) (map[string]string, error) {
	var out ListBindingsResponse
	if err := c.callContext(ctx, MsgListBindings, MsgListBindingsResp, &ListBindingsRequest{Prefix: prefix}, &out); err != nil {
		return nil, err
	}
	return out.Bindings, nil
}

// InjectKey feeds synthetic key events through the daemon.
func (c *IPCClient) InjectKey(ctx context.Context, req InjectKeyRequest) (*InjectKeyResponse, error) {
	var out InjectKeyResponse
	if err := c.callContext(ctx, MsgInjectKey, MsgInjectKeyResp, &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InjectGesture feeds a synthetic gesture scan code through the daemon.
func (c *IPCClient) InjectGesture(ctx context.Context, scanCode int) (bool, error) {
	var out InjectGestureResponse
	if err := c.callContext(ctx, MsgInjectGesture, MsgInjectGestureResp, &InjectGestureRequest{ScanCode: scanCode}, &out); err != nil {
		return false, err
	}
	return out.Consumed, nil
}

// SetState overrides a device state flag and returns all flags.
func (c *IPCClient) SetState(ctx context.Context, name string, value bool) (map[string]bool, error) {
	var out SetStateResponse
	if err := c.callContext(ctx, MsgSetState, MsgSetStateResp, &SetStateRequest{Name: name, Value: value}, &out); err != nil {
		return nil, err
	}
	return out.State, nil
}

// Catalog describes the daemon's keys and gestures.
func (c *IPCClient) Catalog(ctx context.Context) (*CatalogResponse, error) {
	var out CatalogResponse
	if err := c.callContext(ctx, MsgCatalog, MsgCatalogResp, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
