package main

import (
	"fmt"
	"io"
	"slices"
	"time"
)

type sessionResult struct {
	ID         string
	RoundTrips []time.Duration
	Err        error
}

type latencySummary struct {
	Count int
	Min   time.Duration
	P50   time.Duration
	P95   time.Duration
	Max   time.Duration
	Mean  time.Duration
}

// summarize computes nearest-rank percentiles.
func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	rank := func(p int) time.Duration {
		i := (p*len(sorted)+99)/100 - 1
		return sorted[max(i, 0)]
	}
	return latencySummary{
		Count: len(sorted),
		Min:   sorted[0],
		P50:   rank(50),
		P95:   rank(95),
		Max:   sorted[len(sorted)-1],
		Mean:  total / time.Duration(len(sorted)),
	}
}

func countFailed(results []sessionResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func printReport(w io.Writer, results []sessionResult, elapsed time.Duration) {
	var all []time.Duration
	for _, r := range results {
		s := summarize(r.RoundTrips)
		status := "ok"
		if r.Err != nil {
			status = "failed: " + r.Err.Error()
		}
		fmt.Fprintf(w, "%s  frames=%-5d p50=%-10s p95=%-10s max=%-10s %s\n", r.ID, s.Count, s.P50, s.P95, s.Max, status)
		all = append(all, r.RoundTrips...)
	}

	s := summarize(all)
	fmt.Fprintf(w, "\ntotal: %d frames in %s", s.Count, elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(w, " (%.1f fps)", float64(s.Count)/secs)
	}
	fmt.Fprintf(w, "\nround trip: min=%s mean=%s p50=%s p95=%s max=%s\n", s.Min, s.Mean, s.P50, s.P95, s.Max)
	if failed := countFailed(results); failed > 0 {
		fmt.Fprintf(w, "%d of %d sessions failed\n", failed, len(results))
	}
}
