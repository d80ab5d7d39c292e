package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	stemmgpt "github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt"
	"github.com/Yasin-Ahmed-Kamal-Khan/stemmgpt/relay"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 1 << 20

// Responder runs request/response cycles and session operations.
// *relay.Engine implements it.
type Responder interface {
	Reply(ctx context.Context, sessionID, text string) (string, error)
	Reset(sessionID string) bool
	History(sessionID string) []stemmgpt.Message
	SessionCount() int
	Busy() bool
}

// Server listens on a Unix domain socket for chat requests. Each line on a
// connection is one JSON request answered by one JSON line.
type Server struct {
	listener net.Listener
	sockPath string
	engine   Responder
	state    func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server bound to sockPath. state reports the file loop
// state for status requests and may be nil.
func NewServer(sockPath string, engine Responder, state func() string) (*Server, error) {
	// Remove stale socket file if it exists
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listener: listener,
		sockPath: sockPath,
		engine:   engine,
		state:    state,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting, aborts in-flight generations, closes open
// connections and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.sockPath)
}

func (s *Server) track(conn net.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		slog.Debug("request", "data", string(raw))

		resp := s.handleLine(raw)
		data, err := json.Marshal(resp)
		if err != nil {
			slog.Error("failed to marshal response", "error", err)
			return
		}
		slog.Debug("response", "data", string(data))
		if _, err := conn.Write(append(data, '\n')); err != nil {
			slog.Debug("client gone", "error", err)
			return
		}
	}
}

func (s *Server) handleLine(raw []byte) any {
	// Control requests carry an "action" field.
	var ctl stemmgpt.ControlRequest
	if err := json.Unmarshal(raw, &ctl); err != nil {
		slog.Warn("invalid request", "error", err)
		return stemmgpt.Response{Error: &stemmgpt.Error{Code: "invalid_request", Message: err.Error()}}
	}
	if ctl.Action != "" {
		return s.handleControl(&ctl)
	}

	var req stemmgpt.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return stemmgpt.Response{Error: &stemmgpt.Error{Code: "invalid_request", Message: err.Error()}}
	}
	return s.handleRequest(&req)
}

func (s *Server) handleRequest(req *stemmgpt.Request) stemmgpt.Response {
	resp := stemmgpt.Response{RequestID: req.RequestID}
	if strings.TrimSpace(req.Input) == "" {
		resp.Error = &stemmgpt.Error{Code: "invalid_request", Message: "input is required"}
		return resp
	}

	reply, err := s.engine.Reply(s.ctx, req.SessionID, strings.TrimSpace(req.Input))
	switch {
	case errors.Is(err, relay.ErrBusy):
		resp.Error = &stemmgpt.Error{Code: "busy", Message: err.Error()}
	case err != nil:
		resp.Error = &stemmgpt.Error{Code: "generation_error", Message: err.Error()}
	default:
		resp.Reply = reply
	}
	return resp
}

func (s *Server) handleControl(req *stemmgpt.ControlRequest) stemmgpt.ControlResponse {
	var resp stemmgpt.ControlResponse

	switch req.Action {
	case "reset":
		existed := s.engine.Reset(req.SessionID)
		slog.Info("session reset", "session", req.SessionID, "existed", existed)
		resp.OK = true

	case "history":
		resp.OK = true
		resp.Messages = s.engine.History(req.SessionID)

	case "status":
		resp.OK = true
		resp.Sessions = s.engine.SessionCount()
		resp.Busy = s.engine.Busy()
		if s.state != nil {
			resp.State = s.state()
		}

	default:
		resp.Error = &stemmgpt.Error{
			Code:    "unknown_action",
			Message: "unknown action: " + req.Action,
		}
	}
	return resp
}
