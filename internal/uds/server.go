package uds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/imewatch/internal/logging"
)

// ErrSocketInUse is returned by Start when another process still answers on
// the socket path.
var ErrSocketInUse = errors.New("control socket in use")

type HandlerFunc func(req *Request) *Response

// Server answers control commands on a unix socket, one request per
// connection. Handlers run on the connection goroutine.
type Server struct {
	path        string
	connTimeout time.Duration
	log         *logging.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	ln       net.Listener
	done     chan struct{}
	conns    sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(socketPath string, logger *logging.Logger) *Server {
	return &Server{
		path:        socketPath,
		connTimeout: 30 * time.Second,
		log:         logger.With("uds"),
		handlers:    make(map[string]HandlerFunc),
		done:        make(chan struct{}),
	}
}

func (s *Server) Path() string { return s.path }

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// Handle registers handler for command, replacing any earlier one.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[command]; ok {
		s.log.Debugf("handler for %s replaced", command)
	}
	s.handlers[command] = handler
}

// Start binds the socket with owner-only permissions. A leftover socket file
// from a dead agent is removed first; a live one fails with ErrSocketInUse.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.clearStale(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln

	s.conns.Add(1)
	go s.serve()
	return nil
}

func (s *Server) clearStale() error {
	if _, err := os.Lstat(s.path); err != nil {
		return nil
	}
	if conn, err := net.DialTimeout("unix", s.path, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.path)
	}
	s.log.Infof("removing stale socket %s", s.path)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file. It may be called more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.ln == nil {
			return
		}
		_ = s.ln.Close()
		s.conns.Wait()
		_ = os.Remove(s.path)
	})
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) serve() {
	defer s.conns.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnf("accept: %v", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log.Debugf("read request: %v", err)
		return
	}
	started := time.Now()
	resp := s.dispatch(&req)
	if err := WriteFrame(conn, resp); err != nil {
		s.log.Debugf("write %s response: %v", req.Command, err)
		return
	}
	s.log.Debugf("%s served success=%t in %s", req.Command, resp.Success, time.Since(started).Round(time.Microsecond))
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler := s.handlers[req.Command]
	s.mu.RUnlock()
	if handler == nil {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("%s handler panic: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s failed: %v", req.Command, r))
		}
	}()
	if resp = handler(req); resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}
