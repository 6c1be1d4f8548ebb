package handlers

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"posestream/internal/inference"
	"posestream/internal/services"
)

func TestEstimatorServesRemoteEngine(t *testing.T) {
	metrics := services.NewMetrics(nil)
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewEstimatorHandler(inference.NewCentroid(8, 8), metrics).Register(srv)
	hs := RegisterHealth(srv)
	go srv.Serve(lis)
	defer srv.Stop()

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	remote, err := inference.DialRemote("passthrough:///bufnet", 8, 8, dialer)
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	rgb := make([]byte, 8*8*3)
	for i := 0; i < 12; i++ {
		rgb[i] = 255
	}
	got, err := remote.Estimate(rgb)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := inference.NewCentroid(8, 8).Estimate(rgb)
	if got != want {
		t.Errorf("remote keypoints differ from local engine")
	}
	if metrics.GetTotalFrames() != 1 {
		t.Errorf("frames = %d", metrics.GetTotalFrames())
	}

	hc, err := services.NewHealthClient("passthrough:///bufnet", dialer)
	if err != nil {
		t.Fatal(err)
	}
	defer hc.Close()
	st, err := hc.Check(context.Background(), inference.ServiceName)
	if err != nil || st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("estimator health = %v, %v", st, err)
	}
	hs.Shutdown()
	if hc.HealthCheck(context.Background()) {
		t.Error("healthy after shutdown")
	}
}

func TestEstimatorRejectsBadTensor(t *testing.T) {
	h := NewEstimatorHandler(inference.NewCentroid(8, 8), services.NewMetrics(nil))
	if _, err := h.Estimate(context.Background(), []byte{0xFF}); err == nil {
		t.Error("garbage body accepted")
	}
	if _, err := h.Estimate(context.Background(), inference.EncodeTensor(8, 8, make([]byte, 3))); err == nil {
		t.Error("short tensor accepted")
	}
}
