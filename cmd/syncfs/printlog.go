package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncfs/syncfs/internal/inode"
	"github.com/syncfs/syncfs/internal/nodelog"
)

var printlogCmd = &cobra.Command{
	Use:   "printlog <local>",
	Short: "Print this repository's own inode log, for debugging",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPrintlog(cmd.Context(), args[0])
	},
}

var fileTypeNames = map[inode.FileType]string{
	inode.NamedPipe:   "p",
	inode.CharDevice:  "c",
	inode.BlockDevice: "b",
	inode.Directory:   "d",
	inode.RegularFile: "-",
	inode.Symlink:     "l",
	inode.Socket:      "s",
}

func runPrintlog(ctx context.Context, local string) error {
	r, err := openRepo(local)
	if err != nil {
		return err
	}
	defer r.Close()

	entries, _, err := nodelog.NewReader(nodesDir(local) + "/" + r.cfg.PeerID).ReadNew(nodelog.Cursor{})
	if err != nil {
		return fmt.Errorf("reading node log: %w", err)
	}

	for _, e := range entries {
		entry, err := r.layer.FetchEntry(ctx, e.Hash)
		if err != nil {
			fmt.Fprintf(os.Stdout, "%d\t%s\t%d\t<unreadable: %v>\n", e.Node, e.Hash, e.Clock, err)
			continue
		}
		fmt.Fprintf(os.Stdout, "%d\t%s\t%d\t%s%s\n", e.Node, e.Hash, e.Clock, fileTypeNames[entry.FileType], permString(entry.Perm))
	}
	return nil
}

// permString renders the low 9 bits of perm as an "rwxrwxrwx" string, the
// way `ls -l` displays a mode.
func permString(perm uint32) string {
	const bits = "rwxrwxrwx"
	out := make([]byte, 9)
	for i := range out {
		if perm&(1<<(8-i)) != 0 {
			out[i] = bits[i]
		} else {
			out[i] = '-'
		}
	}
	return string(out)
}
