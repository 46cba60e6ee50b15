package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/syncfs/syncfs/internal/inode"
	"github.com/syncfs/syncfs/internal/logger"
)

var initCmd = &cobra.Command{
	Use:   "init <local> <remote> <maxMB>",
	Short: "Create a new repository rooted at local, synced through remote",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, server := args[0], args[1]
		maxMB, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid maxMB %q: %w", args[2], err)
		}
		return runInit(cmd.Context(), local, server, maxMB)
	},
}

func runInit(ctx context.Context, local, server string, maxMB uint64) error {
	if err := os.MkdirAll(dataDir(local), 0o755); err != nil {
		return fmt.Errorf("creating repository directory: %w", err)
	}

	cfg, err := newConfig(server, maxMB)
	if err != nil {
		return err
	}
	if err := cfg.Save(configPath(local)); err != nil {
		return err
	}

	r, err := openRepo(local)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := ensureRootNode(ctx, r.layer); err != nil {
		return fmt.Errorf("creating root node: %w", err)
	}
	if err := r.layer.Sync(ctx, inode.ID{PeerNum: 0, Index: 0}); err != nil {
		return fmt.Errorf("pushing root node: %w", err)
	}
	if err := r.store.Flush(ctx); err != nil {
		return fmt.Errorf("flushing new blobs: %w", err)
	}
	if err := r.store.Upload(ctx); err != nil {
		return fmt.Errorf("uploading root node's blobs: %w", err)
	}

	logger.Infof("initialized repository at %s, peer %s, syncing with %s", local, cfg.PeerID, server)
	return nil
}
