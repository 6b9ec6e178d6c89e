package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Iron-Ham/autobuild/internal/logging"
)

// DefaultConnTimeout bounds one request/response exchange.
const DefaultConnTimeout = 30 * time.Second

// HandlerFunc answers one command. ctx is cancelled when the server stops
// or the connection deadline passes.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Server accepts control connections on a unix socket, one request per
// connection.
type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	logger      *logging.Logger
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithConnTimeout overrides the per-connection deadline.
func WithConnTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.connTimeout = d }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(l *logging.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server for socketPath. Call Start to listen.
func NewServer(socketPath string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: DefaultConnTimeout,
		logger:      logging.NopLogger(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// ConnTimeout returns the per-connection deadline.
func (s *Server) ConnTimeout() time.Duration { return s.connTimeout }

// Handle registers handler for command, replacing any earlier one.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start removes a stale socket file, listens, and serves in the background.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	// Only the owning user may drive the orchestrator
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight requests, and removes the
// socket file.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in control handler", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	deadline := time.Now().Add(s.connTimeout)
	_ = conn.SetDeadline(deadline)

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug("read request error", "error", err)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()
	resp := s.processRequest(ctx, &req)

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug("write response error", "command", req.Command, "error", err)
	}
}

func (s *Server) processRequest(ctx context.Context, req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	s.logger.Debug("control command", "command", req.Command)
	return handler(ctx, req)
}
