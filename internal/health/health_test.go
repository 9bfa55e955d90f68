package health

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/NeelM47/smlp/internal/pool"
)

func TestHealthFollowsPool(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := pool.NewMemPool()
	srvCtx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- NewServer().Serve(srvCtx, ln, p) }()

	cc, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cc.Close()
	client := healthpb.NewHealthClient(cc)

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}

	p.Close()
	for {
		resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("status never became NOT_SERVING")
		case <-time.After(10 * time.Millisecond):
		}
	}

	stop()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not stop")
	}
}
