package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/javi11/tiervfs/internal/cachestats"
	tiervfsconfig "github.com/javi11/tiervfs/internal/config"
	"github.com/javi11/tiervfs/internal/fuseadapter"
	"github.com/javi11/tiervfs/internal/tiervfs"
)

var mountPath string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Mount and serve the tiered filesystem",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&mountPath, "mount", "", "FUSE mount point")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := tiervfsconfig.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mountPath == "" {
		return fmt.Errorf("--mount is required")
	}

	logger := newLogger(cfg.LogLevel, cfg.LogPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stats cachestats.Recorder = cachestats.NoopRecorder{}
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		store, err := cachestats.Open(filepath.Join(cfg.SSDPath, ".cachestats.db"))
		if err != nil {
			return fmt.Errorf("open cachestats: %w", err)
		}
		defer store.Close()

		registry = prometheus.NewRegistry()
		stats = cachestats.NewPromRecorder(registry, store, logger.With("component", "cachestats"))
	}

	core, err := tiervfs.New(ctx, cfg, logger, stats)
	if err != nil {
		return fmt.Errorf("init core: %w", err)
	}
	defer core.Shutdown()

	root := fuseadapter.NewRoot(core, cfg.SSDPath, logger)
	server, err := fs.Mount(mountPath, root, &fs.Options{
		MountOptions: fuse.MountOptions{FsName: "tiervfs", Name: "tiervfs"},
	})
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountPath, err)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, registry, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down, unmounting")
		server.Unmount()
	}()

	server.Wait()
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger interface{ Error(string, ...any) }) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	if err := app.Listen(addr); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
