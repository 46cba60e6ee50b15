package inode

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/syncfs/syncfs/internal/blockstore"
	"github.com/syncfs/syncfs/internal/catalog"
	"github.com/syncfs/syncfs/internal/digest"
	"github.com/syncfs/syncfs/internal/logger"
	"github.com/syncfs/syncfs/internal/merge"
	"github.com/syncfs/syncfs/internal/vectorclock"
)

// Layer is the join point between the catalog's per-node revision history,
// the block store's content-addressed blobs, and the merge engine. Every
// mutation to an inode entry goes through SaveNode, the Go form of the
// reference implementation's save_node: it encodes, hashes and stores the
// new revision, then reconciles it against whatever the catalog already
// holds for that node — adopting it outright, filing it as an ancestor, or
// three-way-merging it with the current head on a conflicting edit.
type Layer struct {
	cat     *catalog.Catalog
	store   *blockstore.Store
	peerNum int64
}

// NewLayer returns a Layer for the given peer, backed by cat and store.
func NewLayer(cat *catalog.Catalog, store *blockstore.Store, peerNum int64) *Layer {
	return &Layer{cat: cat, store: store, peerNum: peerNum}
}

// NodeKey packs an inode ID's (peer, index) pair into the single integer
// the catalog and block store index revisions and cached blocks by.
func NodeKey(id ID) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(id.PeerNum))
	binary.BigEndian.PutUint64(buf[8:16], uint64(id.Index))
	return xxhash.Sum64(buf[:])
}

// View loads node's current head entry.
func (l *Layer) View(ctx context.Context, node ID) (*Entry, error) {
	key := NodeKey(node)
	head, found, err := l.cat.HeadRevision(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading head revision for %+v: %w", node, err)
	}
	if !found {
		return nil, fmt.Errorf("node %+v has no recorded revision", node)
	}
	return l.readEntry(ctx, head.Hash)
}

// FetchEntry loads and decodes the entry blob named by hash, fetching it
// from the remote first if not already local — the step a downloaded
// inode log entry needs before it can be fed into SaveRevision.
func (l *Layer) FetchEntry(ctx context.Context, hash digest.Digest) (*Entry, error) {
	return l.readEntry(ctx, hash)
}

func (l *Layer) readEntry(ctx context.Context, hash digest.Digest) (*Entry, error) {
	data, err := l.store.ReadBlob(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetching entry blob %s: %w", hash, err)
	}
	return Decode(data)
}

// SaveNode encodes entry, stores it as a content-addressed blob, and
// reconciles the result with node's revision history:
//
//   - If an identical (hash, clock) revision is already recorded, it is a
//     redelivery: a no-op.
//   - If node has no history yet, entry becomes the first head.
//   - Otherwise entry is compared against the current head by vector
//     clock: Greater makes it the new head; Less files it as an ancestor;
//     Equal with a differing digest is a clock-advancement bug, warned
//     about but still applied as the head; Conflict triggers a three-way
//     merge against the nearest ancestor entry strictly dominates.
func (l *Layer) SaveNode(ctx context.Context, node ID, entry *Entry) error {
	return l.SaveRevision(ctx, NodeKey(node), entry)
}

// SaveRevision is SaveNode addressed directly by catalog node key rather
// than inode ID, for callers — the download half of node sync — that only
// ever see the key a remote peer's log entry names, never the ID it was
// derived from.
func (l *Layer) SaveRevision(ctx context.Context, key uint64, entry *Entry) error {
	data, err := Encode(entry)
	if err != nil {
		return fmt.Errorf("encoding entry for node %d: %w", key, err)
	}
	hash, err := l.store.AddBlob(data)
	if err != nil {
		return fmt.Errorf("storing entry blob for node %d: %w", key, err)
	}

	if dup, err := l.cat.RevisionExists(ctx, key, hash, entry.Clock); err != nil {
		return fmt.Errorf("checking revision history for node %d: %w", key, err)
	} else if dup {
		return nil
	}

	exists, err := l.cat.NodeExists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking node existence for node %d: %w", key, err)
	}
	if !exists {
		return l.cat.InsertHead(ctx, key, hash, entry.Clock)
	}

	head, found, err := l.cat.HeadRevision(ctx, key)
	if err != nil {
		return fmt.Errorf("loading head revision for node %d: %w", key, err)
	}
	if !found {
		return l.cat.InsertHead(ctx, key, hash, entry.Clock)
	}

	current, err := l.readEntry(ctx, head.Hash)
	if err != nil {
		return fmt.Errorf("loading current head for node %d: %w", key, err)
	}

	switch entry.CmpVClock(current) {
	case vectorclock.Greater:
		return l.cat.InsertHead(ctx, key, hash, entry.Clock)
	case vectorclock.Less:
		return l.cat.InsertAncestor(ctx, key, hash, entry.Clock)
	case vectorclock.Equal:
		if hash != head.Hash {
			logger.Warnf("node %d: equal vector clocks but differing digests (%s vs %s); clock advancement bug upstream", key, hash, head.Hash)
		}
		return l.cat.InsertHead(ctx, key, hash, entry.Clock)
	default: // vectorclock.Conflict
		return l.saveConflict(ctx, key, head, entry, current)
	}
}

func (l *Layer) saveConflict(ctx context.Context, key uint64, head catalog.Revision, incoming, current *Entry) error {
	ancestor, err := l.findCommonAncestor(ctx, key, head.RowID, incoming)
	if err != nil {
		return fmt.Errorf("finding common ancestor for node %d: %w", key, err)
	}

	merged := merge.Merge3Way(ancestor, incoming, current)
	mergedData, err := Encode(merged)
	if err != nil {
		return fmt.Errorf("encoding merged entry for node %d: %w", key, err)
	}
	mergedHash, err := l.store.AddBlob(mergedData)
	if err != nil {
		return fmt.Errorf("storing merged entry for node %d: %w", key, err)
	}
	return l.cat.InsertHead(ctx, key, mergedHash, merged.Clock)
}

// findCommonAncestor walks node's revision history backward from
// beforeRowID, returning the nearest revision incoming strictly dominates —
// the ancestor a three-way merge reconciles against.
func (l *Layer) findCommonAncestor(ctx context.Context, key uint64, beforeRowID uint64, incoming *Entry) (*Entry, error) {
	const batch = 32
	before := beforeRowID
	for {
		revs, err := l.cat.EarlierRevisions(ctx, key, before, batch)
		if err != nil {
			return nil, err
		}
		if len(revs) == 0 {
			return nil, fmt.Errorf("no common ancestor found for node key %d before row %d", key, beforeRowID)
		}
		for _, rev := range revs {
			candidate, err := l.readEntry(ctx, rev.Hash)
			if err != nil {
				return nil, err
			}
			if incoming.CmpVClock(candidate) == vectorclock.Greater {
				return candidate, nil
			}
		}
		before = revs[len(revs)-1].RowID
	}
}

// Sync implements sync_node: it drains the block store's write-back cache
// for node, installs the freshly computed block digests into node's
// current entry, and saves the result — the step a handle close, fsync,
// or periodic flush performs so a remote peer that later sees this head
// can always resolve its block list.
func (l *Layer) Sync(ctx context.Context, node ID) error {
	key := NodeKey(node)
	synced, err := l.store.SyncNode(ctx, key)
	if err != nil {
		return fmt.Errorf("syncing write-back cache for node %+v: %w", node, err)
	}
	if len(synced) == 0 {
		return nil
	}

	entry, err := l.View(ctx, node)
	if err != nil {
		return fmt.Errorf("loading entry for node %+v: %w", node, err)
	}
	entry.ApplySync(synced)
	l.advanceClock(entry, time.Now())
	return l.SaveNode(ctx, node, entry)
}

// Create makes a brand-new entry of filetype, owned by this layer's peer,
// advances its clock, and saves it as node's first revision.
func (l *Layer) Create(ctx context.Context, node ID, filetype FileType, now time.Time) (*Entry, error) {
	entry := New(filetype, l.peerNum, now)
	l.advanceClock(entry, now)
	if err := l.SaveNode(ctx, node, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// CreateChild is the Go form of the reference implementation's
// create_node: it allocates a fresh node ID local to this layer's peer,
// then creates and saves a new entry of filetype under it. The caller is
// responsible for linking the returned ID into its parent's Children map
// with AddChild.
func (l *Layer) CreateChild(ctx context.Context, filetype FileType, now time.Time) (ID, *Entry, error) {
	index, err := l.cat.NextIndex(ctx, l.peerNum)
	if err != nil {
		return ID{}, nil, fmt.Errorf("allocating node index: %w", err)
	}
	node := ID{PeerNum: l.peerNum, Index: index}
	entry, err := l.Create(ctx, node, filetype, now)
	if err != nil {
		return ID{}, nil, err
	}
	return node, entry, nil
}

// Update loads node's current entry, applies fn (which mutates it in
// place), advances its logical and vector clock, and saves the result —
// the Go analogue of the reference implementation's modify_node.
func (l *Layer) Update(ctx context.Context, node ID, now time.Time, fn func(*Entry)) (*Entry, error) {
	entry, err := l.View(ctx, node)
	if err != nil {
		return nil, err
	}
	fn(entry)
	l.advanceClock(entry, now)
	if err := l.SaveNode(ctx, node, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Layer) advanceClock(e *Entry, now time.Time) {
	e.Clock = now.UnixMilli()
	e.VClock = e.VClock.Increment(l.peerNum)
	e.PeerNum = l.peerNum
}

// Read returns up to size bytes of node's content starting at offset,
// reading through the block store. Kept on Layer rather than handed to
// callers as a raw *blockstore.Store so fsops never needs to know the
// node-key translation.
func (l *Layer) Read(ctx context.Context, node ID, offset uint64, size uint32) ([]byte, error) {
	entry, err := l.View(ctx, node)
	if err != nil {
		return nil, err
	}
	return entry.Read(ctx, l.store, node, NodeKey(node), offset, size)
}

// Write splices data into node's content at offset via Update, so the
// resulting size/mtime/block-list revision is saved and reconciled like
// any other mutation; the block bytes themselves land in the block
// store's write-back cache until the next Sync.
func (l *Layer) Write(ctx context.Context, node ID, offset uint64, data []byte, now time.Time) (int, error) {
	var n int
	var writeErr error
	_, err := l.Update(ctx, node, now, func(e *Entry) {
		n, writeErr = e.Write(ctx, l.store, node, NodeKey(node), offset, data, now)
	})
	if writeErr != nil {
		return n, writeErr
	}
	return n, err
}

// CreateSymlink is the Go form of the reference implementation's
// symlink handler: the target path is stored as a single immutable blob
// up front (bypassing the write-back cache entirely, since a symlink's
// target never changes after creation) and installed as the new node's
// sole block.
func (l *Layer) CreateSymlink(ctx context.Context, target string, now time.Time) (ID, *Entry, error) {
	data := []byte(target)
	hash, err := l.store.AddBlob(data)
	if err != nil {
		return ID{}, nil, fmt.Errorf("storing symlink target: %w", err)
	}

	index, err := l.cat.NextIndex(ctx, l.peerNum)
	if err != nil {
		return ID{}, nil, fmt.Errorf("allocating node index: %w", err)
	}
	node := ID{PeerNum: l.peerNum, Index: index}

	entry := New(Symlink, l.peerNum, now)
	entry.Blocks = []digest.Digest{hash}
	entry.Perm = 0o777
	entry.Size = uint64(len(data))
	l.advanceClock(entry, now)
	if err := l.SaveNode(ctx, node, entry); err != nil {
		return ID{}, nil, err
	}
	return node, entry, nil
}

// rootID is node (0,0), reserved for the filesystem root and created
// lazily the first time EnsureRoot runs against an empty catalog.
var rootID = ID{PeerNum: 0, Index: 0}

// EnsureRoot creates the root directory entry if this is a brand-new
// repository; it is a no-op if node (0,0) already has a recorded
// revision. Mirrors FS::new's lazy root creation.
func (l *Layer) EnsureRoot(ctx context.Context, uid, gid uint32, now time.Time) error {
	exists, err := l.cat.NodeExists(ctx, NodeKey(rootID))
	if err != nil {
		return fmt.Errorf("checking root existence: %w", err)
	}
	if exists {
		return nil
	}

	root := New(Directory, l.peerNum, now)
	root.Perm = 0o755
	root.UID = uid
	root.GID = gid
	l.advanceClock(root, now)
	return l.SaveNode(ctx, rootID, root)
}
