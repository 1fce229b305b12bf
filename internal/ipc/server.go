package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hwkeysd/internal/clock"
)

// Handler processes IPC messages.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// writeTypes need PermReadWrite.
var writeTypes = map[MessageType]bool{
	MsgPutBinding:    true,
	MsgDeleteBinding: true,
	MsgInjectKey:     true,
	MsgInjectGesture: true,
	MsgSetState:      true,
}

// Server accepts control connections on a unix socket.
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	socketPath string
	handler    Handler
	validator  *Validator
	clients    map[string]*Client
	cfg        ServerConfig
	logger     *slog.Logger
	startedAt  time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
}

// Client is one connected peer.
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Permission   PermissionLevel
	PeerUID      int
	PeerPID      int
	Name         string
	Version      string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
	limiter *rateLimiter
	limited int
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	Version        string
	Permissions    os.FileMode
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int

	// AllowAnyUID admits peers running as another user with read-only
	// access. Otherwise they are disconnected.
	AllowAnyUID bool

	// WriteRate limits each client's write requests per second, with
	// bursts of WriteBurst. Zero disables the limit.
	WriteRate  float64
	WriteBurst int

	// Clock drives the rate limiter. Defaults to the wall clock.
	Clock clock.Clock

	Logger *slog.Logger
}

func (c *ServerConfig) setDefaults() {
	if c.Permissions == 0 {
		c.Permissions = 0600
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

// NewServer creates a new IPC server.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	cfg.setDefaults()
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: cfg.SocketPath,
		handler:    handler,
		validator:  validator,
		clients:    make(map[string]*Client),
		cfg:        cfg,
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := CleanupSocket(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop closes the listener and every client, then removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("control socket shutdown timed out")
	}

	os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// StartedAt returns when Start succeeded.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		client, ok := s.admit(conn)
		if !ok {
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// admit checks the peer and builds its Client. Peers of another user
// are refused unless AllowAnyUID is set, in which case they are
// read-only. Root is treated as the daemon's own user.
func (s *Server) admit(conn net.Conn) (*Client, bool) {
	now := time.Now()
	client := &Client{
		ID:           uuid.NewString(),
		conn:         conn,
		Permission:   PermReadWrite,
		PeerUID:      -1,
		ConnectedAt:  now,
		LastActivity: now,
		limiter:      newRateLimiter(s.cfg.WriteRate, s.cfg.WriteBurst, s.cfg.Clock),
	}

	cred, err := GetPeerCredentials(conn)
	switch {
	case errors.Is(err, ErrPeerCredentialsUnsupported):
		return client, true
	case err != nil:
		s.logger.Warn("peer credentials unavailable", "error", err)
		return nil, false
	}

	client.PeerUID = cred.UID
	client.PeerPID = cred.PID
	if cred.UID == os.Getuid() || cred.UID == 0 {
		return client, true
	}
	if !s.cfg.AllowAnyUID {
		s.logger.Warn("rejected peer of another user", "uid", cred.UID, "pid", cred.PID)
		return nil, false
	}
	client.Permission = PermReadOnly
	return client, true
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	logger := s.logger.With("client", client.ID)
	logger.Debug("client connected", "uid", client.PeerUID, "pid", client.PeerPID)

	for {
		if s.ctx.Err() != nil {
			return
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.sendPing(client)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read failed", "error", err)
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			logger.Warn("request failed", "type", msg.Header.Type, "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, id, nil), nil
	case MsgPong:
		return nil, nil
	}

	if err := s.validator.Validate(msg.Header.Type, msg.Payload); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, err.Error()), nil
	}

	if msg.Header.Type == MsgHandshake {
		return s.handleHandshake(client, msg)
	}

	if writeTypes[msg.Header.Type] {
		if client.Permission < PermReadWrite {
			return NewErrorMessage(id, ErrPermissionDenied, "read-only client"), nil
		}
		if !s.allowWrite(client) {
			return NewErrorMessage(id, ErrRateLimited, "too many write requests"), nil
		}
	}

	if s.handler == nil {
		return NewErrorMessage(id, ErrUnsupported, "no handler"), nil
	}
	return s.handler.HandleMessage(s.ctx, client, msg)
}

// A client limited limitedStrikes times in a row is refused for
// limitedBackoff.
const (
	limitedStrikes = 20
	limitedBackoff = 5 * time.Second
)

func (s *Server) allowWrite(client *Client) bool {
	if client.limiter.Allow() {
		client.mu.Lock()
		client.limited = 0
		client.mu.Unlock()
		return true
	}

	client.mu.Lock()
	client.limited++
	strikes := client.limited
	client.mu.Unlock()

	if strikes == 1 {
		s.logger.Warn("client rate limited", "client", client.ID, "name", client.Name)
	}
	if strikes >= limitedStrikes {
		client.limiter.Block(limitedBackoff)
		client.mu.Lock()
		client.limited = 0
		client.mu.Unlock()
		s.logger.Warn("client blocked", "client", client.ID, "for", limitedBackoff)
	}
	return false
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
		Permission:      client.Permission,
		PeerUID:         client.PeerUID,
	})
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) {
	_ = s.sendMessage(client, NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}
