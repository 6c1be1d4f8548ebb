package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"posestream/internal/config"
)

// Set at build time.
var version = "dev"

func main() {
	cfg := config.LoadConfig()

	rootCmd := &cobra.Command{
		Use:   "posestream",
		Short: "Stream camera frames to a pose estimation server",
		Long: `posestream captures frames from a V4L2 camera, sends them over a
length-prefixed TCP protocol and renders the returned body keypoints.

Without a subcommand it runs in the mode named by MODE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Mode == "client" {
				return runClient(cfg)
			}
			return runServer(cfg)
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	rootCmd.PersistentFlags().IntVar(&cfg.MaxMessageSizeMB, "max-message-mb", cfg.MaxMessageSizeMB, "Largest accepted frame payload in MiB")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return cfg.Validate()
	}

	rootCmd.AddCommand(
		serverCmd(cfg),
		clientCmd(cfg),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("posestream", version)
		},
	}
}

// newLogger picks a text handler in dev and JSON everywhere else. The
// standard log package is routed through the same handler.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		log.Printf("Unknown LOG_LEVEL %q, using INFO", cfg.LogLevel)
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.IsDev() {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
