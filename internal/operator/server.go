// Package operator — server.go
//
// Unix domain socket transport exposing the Orchestrator's Goal
// dispatch to external callers.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: configurable, default /run/sovereignd/operator.sock.
// Permissions: 0600, owned by the process uid.
//
// Request (JSON → JSON response):
//
//	{"tenant":"ops","correlation":"abc123","agent":"sovereign",
//	 "goal":{"kind":"query_knowledge","slot_id":3,"query":"doc/"}}
//	  → dispatches the embedded Goal through the Orchestrator.
//	  → Response: {"ok":true,"output":"...","event_keys":["..."]}
//
// On dispatch error: {"ok":false,"error":"..."}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections bounded by a semaphore.
//   - Max request size bounded (prevents memory exhaustion).
//   - Read/write deadlines on every connection.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign/pagi/internal/orchestrator"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 65536
	connTimeout        = 10 * time.Second
)

// Dispatcher is the subset of *orchestrator.Orchestrator the socket
// transport depends on, narrowed to ease testing with a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, tc orchestrator.TenantContext, goal orchestrator.Goal) (orchestrator.Result, error)
}

// Request is the JSON envelope a caller sends over the socket.
type Request struct {
	Tenant      string           `json:"tenant"`
	Correlation string           `json:"correlation"`
	Agent       string           `json:"agent"`
	Goal        orchestrator.Goal `json:"goal"`
}

// Response is the JSON envelope returned for a Request.
type Response struct {
	OK        bool     `json:"ok"`
	Error     string   `json:"error,omitempty"`
	Output    string   `json:"output,omitempty"`
	EventKeys []string `json:"event_keys,omitempty"`
}

// Server is the operator Unix domain socket transport for Goal
// dispatch.
type Server struct {
	socketPath string
	orch       Dispatcher
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server bound to orch.
func NewServer(socketPath string, orch Dispatcher, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		orch:       orch,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if dir := filepath.Dir(s.socketPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("operator: mkdir %q: %w", dir, err)
		}
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close() //nolint:errcheck

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close() //nolint:errcheck
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close() //nolint:errcheck
			s.handleConn(ctx, c)
		}(conn)
	}
}

// handleConn reads one JSON request, dispatches it, writes one JSON
// response.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	tc := orchestrator.TenantContext{Tenant: req.Tenant, Correlation: req.Correlation, Agent: req.Agent}
	res, err := s.orch.Dispatch(ctx, tc, req.Goal)
	if err != nil {
		s.writeResponse(conn, Response{OK: false, Error: err.Error()})
		return
	}
	s.writeResponse(conn, Response{OK: true, Output: res.Output, EventKeys: res.EventKeys})
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
