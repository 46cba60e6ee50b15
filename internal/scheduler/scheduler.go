// Package scheduler runs the sync engine's periodic background work:
// flushing the catalog's buffered blob writes, pushing dirty blobs and
// inode log entries to the remote, pulling other peers' inode logs and
// merging them in, and reclaiming local disk space. Each task runs on its
// own timer, driven by a Clock so tests can advance time without
// sleeping; a single Shutdown stops all of them together.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syncfs/syncfs/common"
	"github.com/syncfs/syncfs/internal/catalog"
	"github.com/syncfs/syncfs/internal/config"
	"github.com/syncfs/syncfs/internal/inode"
	"github.com/syncfs/syncfs/internal/logger"
	"github.com/syncfs/syncfs/internal/metrics"
	"github.com/syncfs/syncfs/internal/nodelog"
	"github.com/syncfs/syncfs/internal/transport"
)

// Clock abstracts wall-clock waiting so tests can drive the scheduler's
// timers deterministically. Satisfied by clock.RealClock{} and
// *clock.SimulatedClock without either needing to know about this package.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Default periods for each background task, per spec.md's sync scheduler
// description: catalog flush is the slow one (it only matters for durability
// on crash), the rest run often enough that sync latency stays low.
const (
	DefaultCatalogFlushInterval = 60 * time.Second
	DefaultUploadInterval       = 10 * time.Second
	DefaultNodeUploadInterval   = 10 * time.Second
	DefaultNodeDownloadInterval = 10 * time.Second
	DefaultEvictionInterval     = 10 * time.Second
)

// Intervals overrides the default period of each background task; a zero
// field keeps its default.
type Intervals struct {
	CatalogFlush time.Duration
	Upload       time.Duration
	NodeUpload   time.Duration
	NodeDownload time.Duration
	Eviction     time.Duration
}

func (iv Intervals) withDefaults() Intervals {
	if iv.CatalogFlush == 0 {
		iv.CatalogFlush = DefaultCatalogFlushInterval
	}
	if iv.Upload == 0 {
		iv.Upload = DefaultUploadInterval
	}
	if iv.NodeUpload == 0 {
		iv.NodeUpload = DefaultNodeUploadInterval
	}
	if iv.NodeDownload == 0 {
		iv.NodeDownload = DefaultNodeDownloadInterval
	}
	if iv.Eviction == 0 {
		iv.Eviction = DefaultEvictionInterval
	}
	return iv
}

// Store is the subset of *blockstore.Store the scheduler drives.
type Store interface {
	Flush(ctx context.Context) error
	Upload(ctx context.Context) error
	Evict(ctx context.Context) error
}

// Scheduler owns the five periodic background goroutines. Construct with
// New, start with Run, stop with Shutdown.
type Scheduler struct {
	clock     Clock
	intervals Intervals

	store Store
	cat   *catalog.Catalog
	layer *inode.Layer
	nodes *transport.Transport
	reg   *metrics.Registry

	selfPeerID string
	logDir     string // mirror of <remote>/data/nodes, own file plus fetched peer files

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// New builds a Scheduler. logDir is the local directory mirroring the
// remote's per-peer inode log files (this peer's own log lives at
// logDir/selfPeerID); nodes is the transport rooted at the remote's
// node-log directory.
func New(clock Clock, intervals Intervals, store Store, cat *catalog.Catalog, layer *inode.Layer, nodes *transport.Transport, reg *metrics.Registry, selfPeerID, logDir string) (*Scheduler, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating node log mirror directory: %w", err)
	}
	return &Scheduler{
		clock:      clock,
		intervals:  intervals.withDefaults(),
		store:      store,
		cat:        cat,
		layer:      layer,
		nodes:      nodes,
		reg:        reg,
		selfPeerID: selfPeerID,
		logDir:     logDir,
		shutdown:   make(chan struct{}),
	}, nil
}

// Run starts all five background loops. It returns immediately; call
// Shutdown to stop them.
func (s *Scheduler) Run() {
	tasks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"catalog-flush", s.intervals.CatalogFlush, s.store.Flush},
		{"upload", s.intervals.Upload, s.store.Upload},
		{"node-upload", s.intervals.NodeUpload, s.uploadNodes},
		{"node-download", s.intervals.NodeDownload, s.downloadNodes},
		{"eviction", s.intervals.Eviction, s.store.Evict},
	}
	for _, task := range tasks {
		s.wg.Add(1)
		go s.loop(task.name, task.interval, task.fn)
	}
}

// Shutdown stops every background loop and waits for them to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.once.Do(func() { close(s.shutdown) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownFn adapts Shutdown to common.JoinShutdownFunc, so the scheduler
// composes with the mount command's other shutdown hooks.
func (s *Scheduler) ShutdownFn() common.ShutdownFn {
	return s.Shutdown
}

func (s *Scheduler) loop(name string, interval time.Duration, fn func(context.Context) error) {
	defer s.wg.Done()
	for {
		select {
		case <-s.clock.After(interval):
			if err := fn(context.Background()); err != nil {
				logger.Warnf("%s pass failed, will retry next interval: %v", name, err)
			}
		case <-s.shutdown:
			return
		}
	}
}

// uploadNodes implements do_uploads_nodes: drain the catalog's unsynced
// inode log entries into this peer's own log file, push it to the remote,
// and mark the drained entries synced once the push succeeds.
func (s *Scheduler) uploadNodes(ctx context.Context) error {
	entries, err := s.cat.ToUploadNodes(ctx, config.UploadNodesBatch)
	if err != nil {
		return fmt.Errorf("listing unsynced node log entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	rows := make([]nodelog.Entry, len(entries))
	rowIDs := make([]uint64, len(entries))
	for i, e := range entries {
		rows[i] = nodelog.Entry{Node: e.Node, Hash: e.Hash, Clock: e.Clock}
		rowIDs[i] = e.RowID
	}

	ownLog := filepath.Join(s.logDir, s.selfPeerID)
	if err := nodelog.NewWriter(ownLog).Append(rows); err != nil {
		return fmt.Errorf("appending to own node log: %w", err)
	}
	if err := s.nodes.Send(ctx, ownLog); err != nil {
		return fmt.Errorf("pushing node log to remote: %w", err)
	}
	if err := s.cat.MarkSyncedNodes(ctx, rowIDs); err != nil {
		return fmt.Errorf("marking node log entries synced: %w", err)
	}
	if s.reg != nil {
		s.reg.NodesUploaded.Add(float64(len(rows)))
	}
	return nil
}

// downloadNodes implements do_downloads_nodes: mirror every peer's log
// file from the remote, then for each peer other than this one, resume
// from its saved cursor, decode every complete new entry, fetch and
// decode the entry blob it names, and feed it through the merge layer.
func (s *Scheduler) downloadNodes(ctx context.Context) error {
	if err := s.nodes.PullAll(ctx, s.logDir); err != nil {
		return fmt.Errorf("pulling peer node logs: %w", err)
	}

	files, err := os.ReadDir(s.logDir)
	if err != nil {
		return fmt.Errorf("listing node log mirror: %w", err)
	}

	for _, f := range files {
		if f.IsDir() || f.Name() == s.selfPeerID {
			continue
		}
		if err := s.downloadPeer(ctx, f.Name()); err != nil {
			logger.Warnf("applying node log for peer %s: %v", f.Name(), err)
		}
	}
	return nil
}

func (s *Scheduler) downloadPeer(ctx context.Context, peerID string) error {
	offset, err := s.cat.Cursor(ctx, peerID)
	if err != nil {
		return fmt.Errorf("loading cursor: %w", err)
	}

	reader := nodelog.NewReader(filepath.Join(s.logDir, peerID))
	entries, next, err := reader.ReadNew(nodelog.Cursor{Offset: offset})
	if err != nil {
		return fmt.Errorf("reading new entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	for _, e := range entries {
		if err := s.applyEntry(ctx, e); err != nil {
			return fmt.Errorf("applying entry for node %d: %w", e.Node, err)
		}
	}

	return s.cat.SetCursor(ctx, peerID, next.Offset)
}

func (s *Scheduler) applyEntry(ctx context.Context, e nodelog.Entry) error {
	decoded, err := s.layer.FetchEntry(ctx, e.Hash)
	if err != nil {
		return fmt.Errorf("fetching entry blob: %w", err)
	}
	if err := s.layer.SaveRevision(ctx, e.Node, decoded); err != nil {
		return err
	}
	if s.reg != nil {
		s.reg.NodeLogEntriesApplied.Inc()
	}
	return nil
}
