package inference

import (
	"context"
	"net"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"posestream/internal/models"
)

// startModelService serves Estimate by echoing the first tensor byte into
// every keypoint value.
func startModelService(t *testing.T) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != EstimateMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		var in []byte
		if err := stream.RecvMsg(&in); err != nil {
			return err
		}
		_, _, rgb, err := DecodeTensor(in)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		var k models.Keypoints
		for i := range k {
			k[i] = float32(rgb[0])
		}
		out := EncodeKeypoints(k)
		return stream.SendMsg(&out)
	}))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis
}

func dialBufconn(t *testing.T, lis *bufconn.Listener, w, h int) *Remote {
	t.Helper()
	r, err := DialRemote("passthrough:///bufnet", w, h,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRemoteEstimate(t *testing.T) {
	r := dialBufconn(t, startModelService(t), 4, 4)

	rgb := make([]byte, 4*4*3)
	rgb[0] = 9
	k, err := r.Estimate(rgb)
	if err != nil {
		t.Fatal(err)
	}
	if k[0] != 9 || k[50] != 9 {
		t.Errorf("keypoints = %v", k)
	}
	if !strings.HasPrefix(r.Name(), "remote:") {
		t.Errorf("name = %s", r.Name())
	}
}

func TestRemoteRejectsWrongSize(t *testing.T) {
	r := dialBufconn(t, startModelService(t), 4, 4)
	if _, err := r.Estimate(make([]byte, 5)); err == nil {
		t.Error("short tensor accepted")
	}
}

func TestTensorRoundTrip(t *testing.T) {
	rgb := []byte{1, 2, 3, 4, 5, 6}
	w, h, got, err := DecodeTensor(EncodeTensor(2, 1, rgb))
	if err != nil {
		t.Fatal(err)
	}
	if w != 2 || h != 1 || string(got) != string(rgb) {
		t.Errorf("decoded %dx%d %v", w, h, got)
	}
	if _, _, _, err := DecodeTensor(nil); err == nil {
		t.Error("empty body accepted")
	}
}

func TestKeypointsRoundTrip(t *testing.T) {
	var k models.Keypoints
	k[3], k[50] = 0.25, 0.75
	got, err := DecodeKeypoints(EncodeKeypoints(k))
	if err != nil {
		t.Fatal(err)
	}
	if got != k {
		t.Errorf("keypoints = %v", got)
	}
}
