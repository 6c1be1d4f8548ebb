package codec

import (
	"bytes"
	"testing"

	"posestream/internal/models"
)

func TestMirrorRGB(t *testing.T) {
	src := models.Frame{Width: 3, Height: 1, Encoding: models.EncodingRGB24,
		Pix: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}}
	out, err := Mirror(src)
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if want := []byte{7, 8, 9, 4, 5, 6, 1, 2, 3}; !bytes.Equal(out.Pix, want) {
		t.Errorf("got %v, want %v", out.Pix, want)
	}
	if src.Pix[0] != 1 {
		t.Error("source modified")
	}
}

func TestMirrorYUV422(t *testing.T) {
	src := models.Frame{Width: 4, Height: 1, Encoding: models.EncodingYUV422,
		Pix: []byte{50, 10, 51, 20, 52, 11, 53, 21}}
	out, err := Mirror(src)
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if want := []byte{53, 11, 52, 21, 51, 10, 50, 20}; !bytes.Equal(out.Pix, want) {
		t.Errorf("got %v, want %v", out.Pix, want)
	}

	back, err := Mirror(out)
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if !bytes.Equal(back.Pix, src.Pix) {
		t.Errorf("mirroring twice gave %v, want %v", back.Pix, src.Pix)
	}
}
