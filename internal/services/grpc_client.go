package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthClient probes a posestream server's gRPC health service.
type HealthClient struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	url    string
}

func NewHealthClient(url string, opts ...grpc.DialOption) (*HealthClient, error) {
	log.Printf("Connecting to health service at %s", url)

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not connect to health service at %s: %w", url, err)
	}

	return &HealthClient{
		conn:   conn,
		client: healthpb.NewHealthClient(conn),
		url:    url,
	}, nil
}

// Check returns the serving status of service; "" is the whole server.
func (hc *HealthClient) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := hc.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", hc.url, err)
	}
	return resp.GetStatus(), nil
}

// HealthCheck reports whether the server as a whole is serving.
func (hc *HealthClient) HealthCheck(ctx context.Context) bool {
	status, err := hc.Check(ctx, "")
	return err == nil && status == healthpb.HealthCheckResponse_SERVING
}

func (hc *HealthClient) Close() error {
	if hc.conn != nil {
		return hc.conn.Close()
	}
	return nil
}
