package plan

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// planMethod is the fully qualified gRPC method the GRPCService
// invokes. No .proto file backs it; the json codec (see jsoncodec.go)
// marshals planRequest/planResponse directly.
const planMethod = "/pagi.plan.PlanService/Plan"

type planRequest struct {
	Prompt string `json:"prompt"`
}

type planResponse struct {
	Text string `json:"text"`
}

// GRPCService calls an operator-supplied PlanService over plaintext
// gRPC, the way a sidecar LLM bridge would be reached. Grounded on
// the bring-your-own-LLM gRPC client shape, generalized from
// protoc-generated stubs to a schema-less JSON codec so this module
// does not depend on generated code it cannot produce.
type GRPCService struct {
	conn *grpc.ClientConn
	addr string
}

// NewGRPCService dials addr in plaintext. If the service is ever
// reached across a network boundary this must be upgraded to TLS.
func NewGRPCService(addr string) (*GRPCService, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("plan: dial PlanService at %s: %w", addr, err)
	}
	return &GRPCService{conn: conn, addr: addr}, nil
}

func (s *GRPCService) Plan(ctx context.Context, prompt string) (string, error) {
	req := &planRequest{Prompt: prompt}
	resp := &planResponse{}
	if err := s.conn.Invoke(ctx, planMethod, req, resp, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return "", fmt.Errorf("plan: PlanService.Plan at %s: %w", s.addr, err)
	}
	return resp.Text, nil
}

// Close releases the underlying connection.
func (s *GRPCService) Close() error {
	return s.conn.Close()
}
