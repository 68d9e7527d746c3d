package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sovereign/pagi/internal/orchestrator"
)

type fakeDispatcher struct {
	result orchestrator.Result
	err    error
	lastTC orchestrator.TenantContext
}

func (f *fakeDispatcher) Dispatch(_ context.Context, tc orchestrator.TenantContext, _ orchestrator.Goal) (orchestrator.Result, error) {
	f.lastTC = tc
	return f.result, f.err
}

func startTestServer(t *testing.T, d Dispatcher) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(sockPath, d, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			return sockPath
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("operator socket never became ready at %s", sockPath)
	return ""
}

func roundTrip(t *testing.T, sockPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var resp Response
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return resp
}

func TestServerDispatchesGoalAndReturnsOutput(t *testing.T) {
	d := &fakeDispatcher{result: orchestrator.Result{Output: "pong", EventKeys: []string{"k1"}}}
	sockPath := startTestServer(t, d)

	resp := roundTrip(t, sockPath, Request{
		Tenant: "ops", Correlation: "c1", Agent: "sovereign",
		Goal: orchestrator.Goal{Kind: orchestrator.GoalQueryKnowledge, SlotID: 3, Query: "doc/"},
	})

	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
	if resp.Output != "pong" {
		t.Fatalf("expected output %q, got %q", "pong", resp.Output)
	}
	if d.lastTC.Agent != "sovereign" || d.lastTC.Correlation != "c1" {
		t.Fatalf("expected tenant context to be threaded through, got %+v", d.lastTC)
	}
}

func TestServerSurfacesDispatchError(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("boom")}
	sockPath := startTestServer(t, d)

	resp := roundTrip(t, sockPath, Request{Goal: orchestrator.Goal{Kind: orchestrator.GoalQueryKnowledge}})

	if resp.OK {
		t.Fatalf("expected error response")
	}
	if resp.Error != "boom" {
		t.Fatalf("expected error %q, got %q", "boom", resp.Error)
	}
}

func TestServerRejectsMalformedJSON(t *testing.T) {
	d := &fakeDispatcher{}
	sockPath := startTestServer(t, d)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("{not json")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var resp Response
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected malformed request to be rejected")
	}
}
