// Package ipc exposes runtime introspection over a unix socket: engine
// counters, live sessions and session flushing, consumed by the status
// subcommand.
package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edge-nat/edgenat/nat"
)

// DefaultSocketPath is where the daemon listens unless overridden.
const DefaultSocketPath = "/run/edgenat.sock"

// Commands understood by the server.
const (
	CommandStatus   = "status"
	CommandSessions = "sessions"
	CommandFlush    = "flush"
)

// Request is one client command.
type Request struct {
	Command string `json:"command"`
	// IfName limits sessions/flush to one interface; empty means all.
	IfName string `json:"if_name,omitempty"`
}

// InterfaceStatus summarizes one engine.
type InterfaceStatus struct {
	IfName    string    `json:"if_name"`
	Externals []string  `json:"externals"`
	Stats     nat.Stats `json:"stats"`
}

// Response is the server's answer.
type Response struct {
	OK         bool              `json:"ok"`
	Error      string            `json:"error,omitempty"`
	Interfaces []InterfaceStatus `json:"interfaces,omitempty"`
	Sessions   []nat.SessionInfo `json:"sessions,omitempty"`
	Flushed    int               `json:"flushed,omitempty"`
}

// EngineProvider yields the live engines at request time.
type EngineProvider func() []*nat.Engine

// Server answers introspection requests on a unix socket.
type Server struct {
	path    string
	engines EngineProvider
	log     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
}

// NewServer creates a server; Start binds the socket.
func NewServer(path string, engines EngineProvider, log zerolog.Logger) *Server {
	if path == "" {
		path = DefaultSocketPath
	}
	return &Server{path: path, engines: engines, log: log}
}

// Start binds the socket and begins serving. A stale socket file from
// a previous run is removed first.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("ipc server already running")
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	s.listener = listener
	s.running = true

	go s.acceptLoop(listener)
	s.log.Info().Str("path", s.path).Msg("ipc server listening")
	return nil
}

// Stop closes the socket.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.listener.Close()
	os.Remove(s.path)
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running {
				s.log.Warn().Err(err).Msg("ipc accept failed")
				continue
			}
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		json.NewEncoder(conn).Encode(Response{Error: fmt.Sprintf("bad request: %v", err)})
		return
	}
	resp := s.handle(&req)
	json.NewEncoder(conn).Encode(resp)
}

func (s *Server) handle(req *Request) Response {
	switch req.Command {
	case CommandStatus:
		return s.status()
	case CommandSessions:
		return s.sessions(req.IfName)
	case CommandFlush:
		return s.flush(req.IfName)
	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (s *Server) status() Response {
	resp := Response{OK: true}
	for _, e := range s.engines() {
		profile := e.Profile()
		externals := make([]string, 0)
		for _, addr := range e.ExternalAddrs() {
			externals = append(externals, addr.String())
		}
		resp.Interfaces = append(resp.Interfaces, InterfaceStatus{
			IfName:    profile.IfName,
			Externals: externals,
			Stats:     e.Stats(),
		})
	}
	return resp
}

func (s *Server) sessions(ifName string) Response {
	resp := Response{OK: true}
	for _, e := range s.engines() {
		if ifName != "" && e.Profile().IfName != ifName {
			continue
		}
		resp.Sessions = append(resp.Sessions, e.Sessions()...)
	}
	return resp
}

func (s *Server) flush(ifName string) Response {
	resp := Response{OK: true}
	for _, e := range s.engines() {
		if ifName != "" && e.Profile().IfName != ifName {
			continue
		}
		resp.Flushed += e.Flush()
	}
	return resp
}
