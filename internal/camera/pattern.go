package camera

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"posestream/internal/models"
)

// Pattern is a synthetic YUV422 source: a diagonal luma gradient that moves
// one step per frame over a fixed chroma tint. It follows the same view
// rules as Device.
type Pattern struct {
	width    int
	height   int
	interval time.Duration

	mu     sync.Mutex
	buf    []byte
	seq    uint32
	next   time.Time
	closed bool

	gen atomic.Uint64
}

// NewPattern returns a width x height source paced at fps frames per
// second. fps <= 0 disables pacing.
func NewPattern(width, height, fps int) (*Pattern, error) {
	if width <= 0 || height <= 0 || width%2 != 0 {
		return nil, fmt.Errorf("invalid pattern size %dx%d", width, height)
	}
	p := &Pattern{
		width:  width,
		height: height,
		buf:    make([]byte, models.FrameSize(width, height, models.EncodingYUV422)),
	}
	if fps > 0 {
		p.interval = time.Second / time.Duration(fps)
	}
	return p, nil
}

func (p *Pattern) Capture() (FrameView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return FrameView{}, &StreamError{Op: "capture", Err: ErrClosed}
	}
	p.gen.Add(1)
	if p.interval > 0 {
		now := time.Now()
		if p.next.After(now) {
			time.Sleep(p.next.Sub(now))
		} else {
			p.next = now
		}
		p.next = p.next.Add(p.interval)
	}

	p.fill(int(p.seq))
	seq := p.seq
	p.seq++

	return FrameView{
		owner:        p,
		gen:          p.gen.Add(1),
		data:         p.buf,
		width:        p.width,
		height:       p.height,
		bytesPerLine: p.width * 2,
		encoding:     models.EncodingYUV422,
		Sequence:     seq,
		Timestamp:    time.Now(),
	}, nil
}

func (p *Pattern) fill(phase int) {
	stride := p.width * 2
	for y := 0; y < p.height; y++ {
		row := p.buf[y*stride : (y+1)*stride]
		for x := 0; x < p.width; x += 2 {
			mp := row[x*2 : x*2+4]
			mp[0] = byte(x + y + phase)
			mp[1] = 128 + byte(y*32/p.height)
			mp[2] = byte(x + 1 + y + phase)
			mp[3] = 128 - byte(x*32/p.width)
		}
	}
}

// Close invalidates outstanding views. Later captures fail with ErrClosed.
func (p *Pattern) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.gen.Add(1)
	}
	return nil
}

func (p *Pattern) generation() uint64 { return p.gen.Load() }
