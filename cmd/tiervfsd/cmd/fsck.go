package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	tiervfsconfig "github.com/javi11/tiervfs/internal/config"
	"github.com/javi11/tiervfs/internal/layout"
	"github.com/javi11/tiervfs/internal/segindex"
)

func init() {
	fsckCmd := &cobra.Command{
		Use:   "fsck",
		Short: "Check the segment index against the durable mirror and cached segment lengths",
		RunE:  runFsck,
	}
	rootCmd.AddCommand(fsckCmd)
}

// runFsck rebuilds the segment index from its durable mirror and reports
// entries whose cached file, if present, disagrees with the indexed
// length. It does not reach out to the object store, so it can only catch
// local cache corruption, not a segment gone missing remotely.
func runFsck(cmd *cobra.Command, args []string) error {
	cfg, err := tiervfsconfig.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mapper := layout.New(cfg.SSDPath)
	index := segindex.New(mapper.HashTablePath(), logger)
	if err := index.Rebuild(); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	entries := index.Entries()
	fmt.Printf("segment index: %d entries\n", len(entries))

	var violations int
	for dig, entry := range entries {
		path := mapper.CachePath(dig)
		info, statErr := os.Stat(path)
		if statErr != nil {
			continue // not cached, nothing to check
		}
		if info.Size() != entry.Length {
			violations++
			fmt.Printf("length mismatch: %s cached at %d bytes, index says %d\n", dig, info.Size(), entry.Length)
		}
	}

	if violations > 0 {
		return fmt.Errorf("%d invariant violations found", violations)
	}
	fmt.Println("no invariant violations found")
	return nil
}
