package approval

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
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// socketRequest is the JSON structure for ApprovalSocket commands.
type socketRequest struct {
	Cmd      string `json:"cmd"` // peek | respond
	ID       string `json:"id,omitempty"`
	Approved bool   `json:"approved,omitempty"`
}

// socketResponse is the JSON structure for ApprovalSocket replies.
type socketResponse struct {
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	Pending    *Snapshot `json:"pending,omitempty"`
	HasPending bool      `json:"has_pending"`
}

// Socket exposes a Bridge's peek/respond operations over a Unix
// domain socket as a co-equal UI surface to the terminal prompt.
type Socket struct {
	path   string
	bridge *Bridge
	log    *zap.Logger
	sem    chan struct{}
}

// NewSocket constructs a Socket over bridge, listening at path.
func NewSocket(path string, bridge *Bridge, log *zap.Logger) *Socket {
	if log == nil {
		log = zap.NewNop()
	}
	return &Socket{
		path:   path,
		bridge: bridge,
		log:    log,
		sem:    make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe binds the socket and serves connections until ctx is
// cancelled.
func (s *Socket) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("approval: remove stale socket %q: %w", s.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("approval: mkdir socket dir: %w", err)
	}

	lis, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("approval: listen %q: %w", s.path, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.path, 0o600); err != nil {
		return fmt.Errorf("approval: chmod %q: %w", s.path, err)
	}

	s.log.Info("approval socket listening", zap.String("path", s.path))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("approval: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("approval: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Socket) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("approval: read error", zap.Error(err))
		return
	}

	var req socketRequest
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, socketResponse{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

func (s *Socket) dispatch(req socketRequest) socketResponse {
	switch req.Cmd {
	case "peek":
		snap, ok := s.bridge.Peek()
		if !ok {
			return socketResponse{OK: true, HasPending: false}
		}
		return socketResponse{OK: true, HasPending: true, Pending: &snap}
	case "respond":
		if req.ID == "" {
			return socketResponse{OK: false, Error: "id required for respond"}
		}
		if err := s.bridge.Respond(req.ID, req.Approved); err != nil {
			return socketResponse{OK: false, Error: err.Error()}
		}
		return socketResponse{OK: true}
	default:
		return socketResponse{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Socket) writeResponse(conn net.Conn, resp socketResponse) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
