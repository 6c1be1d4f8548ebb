package codec

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// parallelism caps the number of bands a transform is split into.
// Zero means runtime.GOMAXPROCS(0).
var parallelism atomic.Int32

// SetParallelism overrides the worker count and returns a func restoring the
// previous value. Output never depends on it.
func SetParallelism(n int) (restore func()) {
	prev := parallelism.Swap(int32(n))
	return func() { parallelism.Store(prev) }
}

func workers() int {
	if n := int(parallelism.Load()); n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// forEachBand splits [0, n) into contiguous bands of at least minBand units
// and runs fn on each. Bands never overlap, so fn may write its own output
// region without synchronisation.
func forEachBand(n, minBand int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	w := workers()
	if maxBands := (n + minBand - 1) / minBand; w > maxBands {
		w = maxBands
	}
	if w <= 1 {
		fn(0, n)
		return
	}

	band := (n + w - 1) / w
	var g errgroup.Group
	g.SetLimit(w)
	for lo := 0; lo < n; lo += band {
		lo, hi := lo, min(lo+band, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}
