package camera

import (
	"errors"
	"testing"

	"posestream/internal/models"
)

func TestPatternCapture(t *testing.T) {
	p, err := NewPattern(64, 48, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	first, err := p.Capture()
	if err != nil {
		t.Fatal(err)
	}
	if first.Width() != 64 || first.Height() != 48 || first.Encoding() != models.EncodingYUV422 {
		t.Fatalf("view %dx%d %s", first.Width(), first.Height(), first.Encoding())
	}
	a, err := first.Frame()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Validate(); err != nil {
		t.Fatal(err)
	}

	second, err := p.Capture()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Bytes(); !errors.Is(err, ErrStaleView) {
		t.Errorf("first view still readable: %v", err)
	}
	b, err := second.Frame()
	if err != nil {
		t.Fatal(err)
	}
	if a.Pix[0] == b.Pix[0] {
		t.Error("pattern did not move between frames")
	}
	if second.Sequence != first.Sequence+1 {
		t.Errorf("sequence %d after %d", second.Sequence, first.Sequence)
	}
}

func TestPatternClose(t *testing.T) {
	p, err := NewPattern(8, 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	view, err := p.Capture()
	if err != nil {
		t.Fatal(err)
	}
	p.Close()

	if view.Valid() {
		t.Error("view valid after close")
	}
	if _, err := p.Capture(); !errors.Is(err, ErrClosed) {
		t.Errorf("capture after close: %v", err)
	}
}

func TestNewPatternRejectsOddWidth(t *testing.T) {
	if _, err := NewPattern(7, 8, 0); err == nil {
		t.Error("odd width accepted")
	}
}
