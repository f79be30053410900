package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by NewServer when another process already
// holds the socket, and is surfaced through classify as KindAlreadyRunning.
var ErrAlreadyRunning = errors.New("already_running: another daemon is listening on the socket")

// Handler answers one RPC method call. params is the raw JSON body;
// the returned value is marshaled into Response.Result.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server accepts connections on a Unix domain socket and dispatches
// framed JSON requests through a bounded worker pool.
type Server struct {
	listener net.Listener
	handlers map[string]Handler
	log      zerolog.Logger

	sem     chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewServer binds a listener at socketPath, removing a stale socket
// left behind by an unclean exit. poolSize bounds concurrent
// in-flight RPC dispatches.
func NewServer(socketPath string, poolSize int, log zerolog.Logger) (*Server, error) {
	if err := removeStaleSocket(socketPath); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, err
	}
	if poolSize <= 0 {
		poolSize = 16
	}
	return &Server{
		listener: ln,
		handlers: make(map[string]Handler),
		log:      log,
		sem:      make(chan struct{}, poolSize),
	}, nil
}

// removeStaleSocket deletes socketPath if nothing is listening on it,
// so a crashed daemon's leftover socket file doesn't block rebinding.
func removeStaleSocket(socketPath string) error {
	if _, err := os.Stat(socketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return ErrAlreadyRunning
	}
	return os.Remove(socketPath)
}

// Register installs the handler for method.
func (s *Server) Register(method string, h Handler) {
	s.handlers[method] = h
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.closeMu.Lock()
			closed := s.closed
			s.closeMu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting connections and waits for in-flight requests
// to finish dispatch (the caller is responsible for draining workers
// through the lifecycle coordinator separately).
func (s *Server) Close() error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	var writeMu sync.Mutex

	for {
		payload, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, ErrOversizePayload) {
				s.log.Warn().Msg("oversize rpc payload, closing connection")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			resp := errorResponse("", KindInvalidParams, "malformed request envelope")
			s.writeResponse(&writeMu, conn, resp)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func(req Request) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			resp := s.dispatch(ctx, req)
			s.writeResponse(&writeMu, conn, resp)
		}(req)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	h, ok := s.handlers[req.Method]
	if !ok {
		return errorResponse(req.ID, KindMethodNotFound, "unknown method: "+req.Method)
	}
	result, err := h(ctx, req.Params)
	if err != nil {
		kind, msg := classify(err)
		return errorResponse(req.ID, kind, msg)
	}
	return Response{ID: req.ID, Result: result}
}

func (s *Server) writeResponse(writeMu *sync.Mutex, conn net.Conn, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("marshaling rpc response failed")
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := writeFrame(conn, payload); err != nil {
		s.log.Debug().Err(err).Msg("writing rpc response failed")
	}
}
