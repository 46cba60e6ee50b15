package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/syncfs/syncfs/internal/logger"
	"github.com/syncfs/syncfs/internal/transport"
)

var cloneCmd = &cobra.Command{
	Use:   "clone <local> <remote> <maxMB>",
	Short: "Create a new repository, first pulling existing peers' inode logs",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, server := args[0], args[1]
		maxMB, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid maxMB %q: %w", args[2], err)
		}

		if err := os.MkdirAll(nodesDir(local), 0o755); err != nil {
			return fmt.Errorf("creating node log mirror directory: %w", err)
		}
		nodes := transport.New(nodesDir(local), remoteNodes(server))
		if err := nodes.PullAll(cmd.Context(), nodesDir(local)); err != nil {
			return fmt.Errorf("pulling peer node logs: %w", err)
		}
		logger.Infof("pulled existing peer logs from %s", server)

		return runInit(cmd.Context(), local, server, maxMB)
	},
}
