package cmd

import (
	"log/slog"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "tiervfsd",
	Short: "Tiered SSD/object-store filesystem daemon",
	Long:  `tiervfsd transparently tiers file data between a local SSD and a remote object store, deduplicating and compressing segments along the way.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
}

// newLogger builds the daemon's structured logger. A non-empty logPath
// routes output through a rotating file writer; otherwise logs go to
// stderr.
func newLogger(level, logPath string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	if logPath == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(rotator, opts))
}
