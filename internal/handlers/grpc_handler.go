package handlers

import (
	"context"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"posestream/internal/inference"
	"posestream/internal/services"
)

// EstimatorHandler serves PoseEstimator/Estimate with a local engine, so
// one posestream server can be another's remote inference engine.
type EstimatorHandler struct {
	metrics *services.Metrics

	mu     sync.Mutex
	engine inference.Engine
}

func NewEstimatorHandler(engine inference.Engine, metrics *services.Metrics) *EstimatorHandler {
	return &EstimatorHandler{engine: engine, metrics: metrics}
}

type estimator interface {
	Estimate(ctx context.Context, body []byte) ([]byte, error)
}

var estimatorServiceDesc = grpc.ServiceDesc{
	ServiceName: inference.ServiceName,
	HandlerType: (*estimator)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Estimate",
		Handler:    estimateHandler,
	}},
	Streams: []grpc.StreamDesc{},
}

func estimateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in []byte
	if err := dec(&in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		out, err := srv.(estimator).Estimate(ctx, *req.(*[]byte))
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
	if interceptor == nil {
		return call(ctx, &in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inference.EstimateMethod}
	return interceptor(ctx, &in, info, call)
}

// Register adds the estimator to s. Callers reach it with the raw codec
// content-subtype, as inference.Remote does.
func (h *EstimatorHandler) Register(s *grpc.Server) {
	s.RegisterService(&estimatorServiceDesc, h)
}

func (h *EstimatorHandler) Estimate(ctx context.Context, body []byte) ([]byte, error) {
	start := time.Now()

	width, height, rgb, err := inference.DecodeTensor(body)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad tensor: %v", err)
	}

	h.mu.Lock()
	k, err := h.engine.Estimate(rgb)
	h.mu.Unlock()
	if err != nil {
		log.Printf("Estimate %dx%d failed: %v", width, height, err)
		h.metrics.IncrementErrors("engine")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	duration := time.Since(start)
	h.metrics.RecordLatency(duration)
	h.metrics.IncrementFrames()
	return inference.EncodeKeypoints(k), nil
}

// RegisterHealth adds the standard health service to s and returns it so
// the caller can flip it to NOT_SERVING on shutdown.
func RegisterHealth(s *grpc.Server) *health.Server {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(inference.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}
