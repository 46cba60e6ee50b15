package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/spf13/cobra"

	"github.com/syncfs/syncfs/clock"
	"github.com/syncfs/syncfs/internal/fsops"
	"github.com/syncfs/syncfs/internal/fuseadapter"
	"github.com/syncfs/syncfs/internal/logger"
	"github.com/syncfs/syncfs/internal/metrics"
	"github.com/syncfs/syncfs/internal/scheduler"
	"github.com/syncfs/syncfs/internal/transport"
)

var mountCmd = &cobra.Command{
	Use:   "mount <local> <mountpoint>",
	Short: "Mount a repository as a FUSE filesystem and run its sync scheduler",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount(cmd.Context(), args[0], args[1])
	},
}

func runMount(ctx context.Context, local, mountpoint string) error {
	r, err := openRepo(local)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := ensureRootNode(ctx, r.layer); err != nil {
		return fmt.Errorf("ensuring root node: %w", err)
	}

	uid, gid := processOwner()
	srv, err := fsops.New(ctx, r.layer, uid, gid)
	if err != nil {
		return fmt.Errorf("building kernel-bridge server: %w", err)
	}
	adapter := fuseadapter.New(srv)

	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("creating mount point: %w", err)
	}
	mfs, err := fuse.Mount(mountpoint, adapter.Server(), &fuse.MountConfig{
		FSName:  "syncfs",
		Subtype: "syncfs",
	})
	if err != nil {
		return fmt.Errorf("mounting %s at %s: %w", local, mountpoint, err)
	}

	reg := metrics.New()
	if r.cfg.Metrics.Enabled {
		go func() {
			if err := reg.Serve(r.cfg.Metrics.Addr); err != nil {
				logger.Warnf("metrics server stopped: %v", err)
			}
		}()
	}

	nodes := transport.New(nodesDir(local), remoteNodes(r.cfg.Server))
	sched, err := scheduler.New(clock.RealClock{}, scheduler.Intervals{}, r.store, r.cat, r.layer, nodes, reg, r.cfg.PeerID, nodesDir(local))
	if err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	sched.Run()

	logger.Infof("mounted %s at %s, peer %s", local, mountpoint, r.cfg.PeerID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Infof("unmounting %s", mountpoint)
		if err := fuse.Unmount(mountpoint); err != nil {
			logger.Errorf("unmount failed: %v", err)
		}
	}()

	joinErr := mfs.Join(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("scheduler shutdown: %v", err)
	}

	return joinErr
}
