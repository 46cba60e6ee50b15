package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/syncfs/syncfs/clock"
	"github.com/syncfs/syncfs/internal/blockstore"
	"github.com/syncfs/syncfs/internal/catalog"
	"github.com/syncfs/syncfs/internal/inode"
	"github.com/syncfs/syncfs/internal/transport"
)

// fakeRsync installs a shell script named "rsync" on PATH emulating just
// enough of rsync's src/dst and trailing-slash-means-contents conventions
// for Transport.Send/PullAll to work against plain local directories.
func fakeRsync(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake rsync script requires a POSIX shell")
	}
	dir := t.TempDir()
	script := `#!/bin/bash
args=("$@")
n=${#args[@]}
dst="${args[$((n-1))]}"
src="${args[$((n-2))]}"
if [[ -d "$src" && "$src" == */ ]]; then
  cp -a "$src." "$dst"
else
  cp -a "$src" "$dst"
fi
`
	path := filepath.Join(dir, "rsync")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake rsync: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

type peer struct {
	cat    *catalog.Catalog
	store  *blockstore.Store
	layer  *inode.Layer
	nodes  *transport.Transport
	sched  *Scheduler
	peerID string
}

func newPeer(t *testing.T, peerNum int64, peerID, remoteBlobs, remoteNodes string) *peer {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "metadata.sqlite3"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store, err := blockstore.Open(dir, remoteBlobs, 1<<30, cat)
	if err != nil {
		t.Fatalf("blockstore.Open: %v", err)
	}

	layer := inode.NewLayer(cat, store, peerNum)
	nodes := transport.New(filepath.Join(dir, "nodes"), remoteNodes)

	sched, err := New(clock.NewSimulatedClock(time.Unix(0, 0)), Intervals{}, store, cat, layer, nodes, nil, peerID, filepath.Join(dir, "nodes"))
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	return &peer{cat: cat, store: store, layer: layer, nodes: nodes, sched: sched, peerID: peerID}
}

func TestUploadNodesPushesAndMarksSynced(t *testing.T) {
	fakeRsync(t)
	ctx := context.Background()
	remoteBlobs, remoteNodes := t.TempDir(), t.TempDir()

	a := newPeer(t, 1, "0000000000000001", remoteBlobs, remoteNodes)
	node := inode.ID{PeerNum: 1, Index: 1}
	if _, err := a.layer.Create(ctx, node, inode.RegularFile, time.Unix(100, 0)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The entry blob must itself be synced before ToUploadNodes will admit
	// the node log row that references it (I3).
	if err := a.store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := a.store.Upload(ctx); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if err := a.sched.uploadNodes(ctx); err != nil {
		t.Fatalf("uploadNodes: %v", err)
	}

	remaining, err := a.cat.ToUploadNodes(ctx, 10)
	if err != nil {
		t.Fatalf("ToUploadNodes: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("ToUploadNodes after uploadNodes = %+v, want empty", remaining)
	}

	if _, err := os.Stat(filepath.Join(remoteNodes, "0000000000000001")); err != nil {
		t.Errorf("remote node log file missing: %v", err)
	}
}

func TestDownloadNodesAppliesRemoteEntries(t *testing.T) {
	fakeRsync(t)
	ctx := context.Background()
	remoteBlobs, remoteNodes := t.TempDir(), t.TempDir()

	a := newPeer(t, 1, "0000000000000001", remoteBlobs, remoteNodes)
	b := newPeer(t, 2, "0000000000000002", remoteBlobs, remoteNodes)

	node := inode.ID{PeerNum: 1, Index: 1}
	created, err := a.layer.Create(ctx, node, inode.Directory, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The entry blob must reach the remote, and be marked synced locally,
	// before uploadNodes will admit the node log row that names it (I3) —
	// and before B's download pass can fetch it.
	if err := a.store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := a.store.Upload(ctx); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if err := a.sched.uploadNodes(ctx); err != nil {
		t.Fatalf("uploadNodes: %v", err)
	}

	if err := b.sched.downloadNodes(ctx); err != nil {
		t.Fatalf("downloadNodes: %v", err)
	}

	got, err := b.layer.View(ctx, node)
	if err != nil {
		t.Fatalf("View on B after download: %v", err)
	}
	if got.FileType != created.FileType || got.PeerNum != created.PeerNum || got.Clock != created.Clock {
		t.Errorf("B's view = %+v, want a copy of A's created entry %+v", got, created)
	}

	offset, err := b.cat.Cursor(ctx, a.peerID)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if offset == 0 {
		t.Errorf("cursor for peer %s did not advance", a.peerID)
	}

	// A second download pass with nothing new must not error or reapply.
	if err := b.sched.downloadNodes(ctx); err != nil {
		t.Fatalf("downloadNodes (second pass): %v", err)
	}
}

func TestRunAndShutdownStopsCleanly(t *testing.T) {
	fakeRsync(t)
	remoteBlobs, remoteNodes := t.TempDir(), t.TempDir()
	a := newPeer(t, 1, "0000000000000001", remoteBlobs, remoteNodes)

	a.sched.Run()
	if err := a.sched.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
