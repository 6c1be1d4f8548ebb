package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"posestream/internal/camera"
	"posestream/internal/client"
	"posestream/internal/config"
)

type options struct {
	addr       string
	statusURL  string
	clients    int
	frames     int
	width      int
	height     int
	fps        int
	wireWidth  int
	wireHeight int
	verbose    bool
}

func main() {
	opts := options{
		addr:      config.DefaultAddr,
		statusURL: "http://localhost:8081",
		clients:   4,
		frames:    100,
		width:     640,
		height:    480,
		fps:       30,
	}

	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Drive a posestream server with synthetic clients",
		Long: `loadgen opens several concurrent streaming sessions fed by the
synthetic pattern source and reports round-trip latency per session.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "connect", opts.addr, "Server streaming address")
	f.StringVar(&opts.statusURL, "status-url", opts.statusURL, "Server HTTP status base URL, empty skips the health check")
	f.IntVarP(&opts.clients, "clients", "c", opts.clients, "Concurrent sessions")
	f.IntVarP(&opts.frames, "frames", "n", opts.frames, "Frames per session")
	f.IntVar(&opts.width, "width", opts.width, "Pattern width")
	f.IntVar(&opts.height, "height", opts.height, "Pattern height")
	f.IntVar(&opts.fps, "fps", opts.fps, "Pattern frame rate")
	f.IntVar(&opts.wireWidth, "wire-width", 0, "Letterbox to this width before sending")
	f.IntVar(&opts.wireHeight, "wire-height", 0, "Letterbox to this height before sending")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Log every session's progress")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts options) error {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("posestream load generator")
	fmt.Println(strings.Repeat("=", 60))

	if opts.statusURL != "" {
		if err := checkHealth(opts.statusURL); err != nil {
			log.Printf("Health check failed: %v", err)
		}
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fmt.Printf("\n[INFO] %d sessions x %d frames of %dx%d against %s\n", opts.clients, opts.frames, opts.width, opts.height, opts.addr)

	results := make([]sessionResult, opts.clients)
	start := time.Now()
	var g errgroup.Group
	for i := range results {
		id := uuid.NewString()
		g.Go(func() error {
			results[i] = runSession(id, opts, logger.With("client", id))
			return nil
		})
	}
	g.Wait()

	fmt.Println()
	printReport(os.Stdout, results, time.Since(start))
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("%d of %d sessions failed", countFailed(results), len(results))
		}
	}
	return nil
}

func runSession(id string, opts options, logger *slog.Logger) sessionResult {
	res := sessionResult{ID: id}
	source, err := camera.NewPattern(opts.width, opts.height, opts.fps)
	if err != nil {
		res.Err = err
		return res
	}
	defer source.Close()

	c := client.New(client.Config{
		Addr:        opts.addr,
		WireWidth:   opts.wireWidth,
		WireHeight:  opts.wireHeight,
		DialTimeout: 5 * time.Second,
	}, source, nil, logger)
	if err := c.Connect(); err != nil {
		res.Err = err
		return res
	}
	defer c.Close()

	for i := 0; i < opts.frames; i++ {
		if err := c.Step(); err != nil {
			res.Err = err
			return res
		}
		res.RoundTrips = append(res.RoundTrips, c.Stats().LastRoundTrip)
	}
	return res
}

func checkHealth(baseURL string) error {
	fmt.Println("\n[TEST] Testing /api/health...")
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(strings.TrimSuffix(baseURL, "/") + "/api/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d, body: %s", resp.StatusCode, body)
	}
	fmt.Printf("✓ Health check: %s\n", strings.TrimSpace(string(body)))
	return nil
}
