package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	tiervfsconfig "github.com/javi11/tiervfs/internal/config"
	"github.com/javi11/tiervfs/internal/tiervfs"
)

func init() {
	statCmd := &cobra.Command{
		Use:   "stat [path]",
		Short: "Print the logical size and timestamps of a tiered or resident file",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
	rootCmd.AddCommand(statCmd)
}

func runStat(cmd *cobra.Command, args []string) error {
	cfg, err := tiervfsconfig.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logicalPath := args[0]
	if filepath.IsAbs(logicalPath) {
		rel, err := filepath.Rel(cfg.SSDPath, logicalPath)
		if err != nil {
			return fmt.Errorf("path %s is not under ssd_path %s: %w", logicalPath, cfg.SSDPath, err)
		}
		logicalPath = rel
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	core, err := tiervfs.New(ctx, cfg, newLogger(cfg.LogLevel, cfg.LogPath), nil)
	if err != nil {
		return fmt.Errorf("init core: %w", err)
	}
	defer core.Shutdown()

	attrs, err := core.Stat(logicalPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", logicalPath, err)
	}

	fmt.Printf("path:  %s\n", logicalPath)
	fmt.Printf("size:  %d\n", attrs.TotalSize)
	fmt.Printf("atime: %s\n", time.Unix(attrs.Atime, 0))
	fmt.Printf("mtime: %s\n", time.Unix(attrs.Mtime, 0))
	fmt.Printf("ctime: %s\n", time.Unix(attrs.Ctime, 0))
	return nil
}
