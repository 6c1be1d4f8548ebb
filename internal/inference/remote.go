package inference

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"posestream/internal/models"
)

const maxMessageSize = 50 * 1024 * 1024

// Remote forwards tensors to a model service over gRPC.
type Remote struct {
	conn    *grpc.ClientConn
	url     string
	width   int
	height  int
	timeout time.Duration
}

// DialRemote connects lazily; the first Estimate surfaces an unreachable
// service.
func DialRemote(url string, width, height int, opts ...grpc.DialOption) (*Remote, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
			grpc.CallContentSubtype(CodecName),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)

	conn, err := grpc.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not connect to inference service at %s: %w", url, err)
	}
	return &Remote{
		conn:    conn,
		url:     url,
		width:   width,
		height:  height,
		timeout: 5 * time.Second,
	}, nil
}

func (r *Remote) Name() string { return "remote:" + r.url }

func (r *Remote) Estimate(rgb []byte) (models.Keypoints, error) {
	if err := checkTensor(rgb, r.width, r.height); err != nil {
		return models.Keypoints{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var out []byte
	if err := r.conn.Invoke(ctx, EstimateMethod, EncodeTensor(r.width, r.height, rgb), &out); err != nil {
		return models.Keypoints{}, fmt.Errorf("could not estimate pose: %w", err)
	}
	k, err := DecodeKeypoints(out)
	if err != nil {
		return models.Keypoints{}, fmt.Errorf("decode estimate response: %w", err)
	}
	return k, nil
}

func (r *Remote) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
