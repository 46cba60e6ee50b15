// Package blockstore is the content-addressed block cache backing every
// inode's data: reads and writes go through an in-memory write-back cache
// keyed by (node, block index), flushed to content-addressed blobs on
// sync, with remote fetch, upload and LRU eviction driven by the catalog.
//
// It generalizes the reference implementation's BlobStorage, replacing
// its single global RwLock-guarded buffers with the sharded rwhashes.Map
// already used elsewhere, and its direct rsync calls with the
// transport/fetchcoord packages.
package blockstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syncfs/syncfs/internal/catalog"
	"github.com/syncfs/syncfs/internal/config"
	"github.com/syncfs/syncfs/internal/digest"
	"github.com/syncfs/syncfs/internal/fetchcoord"
	"github.com/syncfs/syncfs/internal/logger"
	"github.com/syncfs/syncfs/internal/rwhashes"
	"github.com/syncfs/syncfs/internal/transport"
	"github.com/syncfs/syncfs/internal/workerpool"
)

// readaheadTask runs one speculative blob prefetch on a workerpool worker.
type readaheadTask struct {
	transport *transport.Transport
	digests   []digest.Digest
}

func (t readaheadTask) Execute() {
	t.transport.Readahead(context.Background(), t.digests)
}

// Clock abstracts wall-clock time so eviction and touch bookkeeping can be
// tested without sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the block cache and its backing catalog and transport.
type Store struct {
	dir       string
	maxBytes  uint64
	clock     Clock
	cat       *catalog.Catalog
	transport *transport.Transport
	fetch     *fetchcoord.Coordinator
	readahead *workerpool.StaticWorkerPool

	blobCache *rwhashes.Map[uint64, map[int]*blob]

	mu           sync.Mutex
	writtenBlobs []catalog.BlobWrite
	touchedBlobs map[digest.Digest]time.Time
}

// Open prepares a Store rooted at dir, talking to remote over transport
// and persisting bookkeeping in the given catalog. dir/blobs is created
// if missing.
func Open(dir, remote string, maxBytes uint64, cat *catalog.Catalog) (*Store, error) {
	blobsDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}

	tr := transport.New(blobsDir, remote)
	pool, err := workerpool.NewStaticWorkerPool(1, config.ReadaheadWorkers-1)
	if err != nil {
		return nil, fmt.Errorf("starting readahead worker pool: %w", err)
	}
	pool.Start()

	s := &Store{
		dir:          dir,
		maxBytes:     maxBytes,
		clock:        realClock{},
		cat:          cat,
		transport:    tr,
		readahead:    pool,
		blobCache:    rwhashes.New[uint64, map[int]*blob](8, func(n uint64) uint64 { return n }),
		touchedBlobs: make(map[digest.Digest]time.Time),
	}
	s.fetch = fetchcoord.New(tr.Fetch)
	return s, nil
}

// Close stops the background readahead worker pool, waiting for any
// in-flight prefetch to finish. Safe to call more than once.
func (s *Store) Close() {
	s.readahead.Stop()
}

// SetClock overrides the store's notion of time, for tests.
func (s *Store) SetClock(c Clock) { s.clock = c }

// Read returns bytes [offset, offset+n) of the block addressed by hash
// (or the block cached for (node, blockIndex) if dirty). readahead lists
// digests of upcoming blocks to speculatively prefetch.
func (s *Store) Read(ctx context.Context, node uint64, blockIndex int, hash digest.Digest, offset, n int, readahead []digest.Digest) ([]byte, error) {
	if cached := s.cachedBlob(node, blockIndex); cached != nil {
		return cached.read(offset, n), nil
	}

	b, err := s.getBlob(ctx, hash, readahead)
	if err != nil {
		return nil, err
	}
	return b.read(offset, n), nil
}

// Write stores data at [offset, offset+len(data)) of the block addressed
// by hash, caching the result as block (node, blockIndex) until the node
// is next synced.
func (s *Store) Write(ctx context.Context, node uint64, blockIndex int, hash digest.Digest, offset int, data []byte, readahead []digest.Digest) error {
	if cached := s.cachedBlob(node, blockIndex); cached != nil {
		cached.write(offset, data)
		return nil
	}

	b, err := s.getBlob(ctx, hash, readahead)
	if err != nil {
		return err
	}
	b.write(offset, data)
	s.setCachedBlob(node, blockIndex, b)
	return nil
}

// SyncNode flushes every dirty cached block for node to content-addressed
// storage, returning the (blockIndex, digest) pairs the caller should
// record in the node's block list.
func (s *Store) SyncNode(ctx context.Context, node uint64) ([]BlockDigest, error) {
	unlock, backing := s.blobCache.Lock(node)
	blocks := backing[node]
	delete(backing, node)
	unlock()

	if len(blocks) == 0 {
		return nil, nil
	}

	out := make([]BlockDigest, 0, len(blocks))
	for idx, b := range blocks {
		d, err := s.storeBlob(b)
		if err != nil {
			return nil, err
		}
		out = append(out, BlockDigest{Index: idx, Hash: d})
	}
	return out, nil
}

// BlockDigest pairs a block index within a node with the digest of its
// synced contents.
type BlockDigest struct {
	Index int
	Hash  digest.Digest
}

func (s *Store) cachedBlob(node uint64, blockIndex int) *blob {
	unlock, backing := s.blobCache.RLock(node)
	defer unlock()
	blocks, ok := backing[node]
	if !ok {
		return nil
	}
	return blocks[blockIndex]
}

func (s *Store) setCachedBlob(node uint64, blockIndex int, b *blob) {
	unlock, backing := s.blobCache.Lock(node)
	defer unlock()
	blocks, ok := backing[node]
	if !ok {
		blocks = make(map[int]*blob)
		backing[node] = blocks
	}
	blocks[blockIndex] = b
}

// getBlob loads hash from local disk, or fetches it from the remote
// (coalescing concurrent fetches of the same digest) first if missing.
// readahead digests are prefetched best-effort in the background. The
// sparse-block sentinel digest.Zero is never fetched: no peer ever stores a
// blob under it, so it resolves directly to an empty blob that grows on
// write.
func (s *Store) getBlob(ctx context.Context, hash digest.Digest, readahead []digest.Digest) (*blob, error) {
	if hash.IsZero() {
		return &blob{}, nil
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.touchedBlobs[hash] = now
	for _, r := range readahead {
		if !r.IsZero() {
			s.touchedBlobs[r] = now
		}
	}
	s.mu.Unlock()

	path := s.transport.LocalPath(hash)
	if _, err := os.Stat(path); err != nil {
		if len(readahead) > 0 {
			if !s.readahead.TrySchedule(false, readaheadTask{transport: s.transport, digests: readahead}) {
				logger.Debugf("readahead queue full, dropping prefetch of %d blocks", len(readahead))
			}
		}
		if err := s.fetch.Fetch(ctx, hash); err != nil {
			return nil, fmt.Errorf("fetching blob %s: %w", hash, err)
		}
	}
	return loadBlob(path)
}

func (s *Store) storeBlob(b *blob) (digest.Digest, error) {
	hash := b.hash()
	path := s.transport.LocalPath(hash)
	if err := b.store(path); err != nil {
		return digest.Digest{}, fmt.Errorf("storing blob %s: %w", hash, err)
	}
	s.mu.Lock()
	s.writtenBlobs = append(s.writtenBlobs, catalog.BlobWrite{Hash: hash, Size: uint64(b.len()), When: s.clock.Now()})
	s.mu.Unlock()
	return hash, nil
}

// AddBlob stores data as a new content-addressed blob directly, bypassing
// the per-node block cache; used for metadata blobs (serialized inode
// records) rather than file data.
func (s *Store) AddBlob(data []byte) (digest.Digest, error) {
	return s.storeBlob(&blob{data: data})
}

// ReadBlob loads a content-addressed blob in full, fetching it from the
// remote first if not already local. Unlike Read, this is not node- or
// block-indexed: it is how the inode layer loads a whole serialized entry
// by its digest (read_node).
func (s *Store) ReadBlob(ctx context.Context, hash digest.Digest) ([]byte, error) {
	b, err := s.getBlob(ctx, hash, nil)
	if err != nil {
		return nil, err
	}
	return b.read(0, b.len()), nil
}

// Flush commits any blobs written since the last Flush into the catalog.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	writes := s.writtenBlobs
	s.writtenBlobs = nil
	s.mu.Unlock()
	return s.cat.RecordBlobs(ctx, writes)
}

// Upload pushes up to config.UploadBatch unsynced blobs to the remote per
// iteration until none remain.
func (s *Store) Upload(ctx context.Context) error {
	for {
		hashes, err := s.cat.ToUpload(ctx, config.UploadBatch)
		if err != nil {
			return err
		}
		if len(hashes) == 0 {
			return nil
		}
		if err := s.transport.Upload(ctx, hashes); err != nil {
			logger.Warnf("upload batch failed, will retry next pass: %v", err)
			return nil
		}
		if err := s.cat.MarkSyncedBlobs(ctx, hashes); err != nil {
			return err
		}
	}
}

// Evict reclaims space by deleting the least-recently-used synced blobs
// until local usage is at or below maxBytes, skipping blobs not worth
// evicting per config.KeepUpToSize.
func (s *Store) Evict(ctx context.Context) error {
	s.mu.Lock()
	touched := s.touchedBlobs
	s.touchedBlobs = make(map[digest.Digest]time.Time)
	s.mu.Unlock()

	touches := make([]catalog.BlobTouch, 0, len(touched))
	for d, when := range touched {
		fi, err := os.Stat(s.transport.LocalPath(d))
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warnf("stat touched blob %s: %v", d, err)
			}
			continue
		}
		touches = append(touches, catalog.BlobTouch{Hash: d, Size: uint64(fi.Size()), When: when})
	}
	if err := s.cat.TouchBlobs(ctx, touches); err != nil {
		return err
	}

	localBytes, err := s.cat.LocalBytes(ctx)
	if err != nil {
		return err
	}
	if localBytes <= s.maxBytes {
		return nil
	}
	toReclaim := localBytes - s.maxBytes

	var deletedBytes uint64
	for deletedBytes < toReclaim {
		candidates, err := s.cat.ToDelete(ctx, config.DeleteBatch, config.KeepUpToSize)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			logger.Warnf("nothing left to delete but %d bytes still need reclaiming", toReclaim-deletedBytes)
			return nil
		}

		var deleted []digest.Digest
		for _, c := range candidates {
			path := s.transport.LocalPath(c.Hash)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warnf("failed to delete %s: %v", path, err)
				continue
			}
			deletedBytes += c.Size
			deleted = append(deleted, c.Hash)
			if deletedBytes >= toReclaim {
				break
			}
		}
		if err := s.cat.MarkDeletedBlobs(ctx, deleted); err != nil {
			return err
		}
	}
	return nil
}
