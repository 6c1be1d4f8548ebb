package services

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestHealthClient(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	defer srv.Stop()

	hc, err := NewHealthClient("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer hc.Close()

	ctx := context.Background()
	if !hc.HealthCheck(ctx) {
		t.Fatal("new health server reported not serving")
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if hc.HealthCheck(ctx) {
		t.Error("not serving reported healthy")
	}

	if _, err := hc.Check(ctx, "no.such.Service"); err == nil {
		t.Error("unknown service returned no error")
	}
}
