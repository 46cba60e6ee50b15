// Package catalog is the local bookkeeping store backing the block store:
// a SQLite database recording, per blob, its size and last-use time, and
// per node (inode), the digest of its current serialized metadata blob.
// It is the ported, generalized form of the reference implementation's
// MetadataDB, with the richer nodes/blobs schema the block store's upload
// and eviction passes actually require.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/syncfs/syncfs/internal/digest"
)

// Catalog wraps a SQLite connection configured for a single writer, many
// readers: WAL journaling and relaxed synchronous mode trade a sliver of
// durability on power loss for throughput on the fsync-heavy write path a
// sync daemon otherwise hammers.
type Catalog struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	hash       TEXT PRIMARY KEY,
	size       INTEGER NOT NULL,
	last_use   INTEGER NOT NULL,
	synced     INTEGER NOT NULL DEFAULT 0,
	deleted    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_blobs_synced ON blobs(synced) WHERE synced = 0;
CREATE INDEX IF NOT EXISTS idx_blobs_eviction ON blobs(last_use) WHERE deleted = 0;

CREATE TABLE IF NOT EXISTS node_revisions (
	rowid    INTEGER PRIMARY KEY AUTOINCREMENT,
	node     INTEGER NOT NULL,
	hash     TEXT NOT NULL,
	clock    INTEGER NOT NULL,
	is_head  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_node_revisions_node ON node_revisions(node, rowid);
CREATE UNIQUE INDEX IF NOT EXISTS idx_node_revisions_one_head ON node_revisions(node) WHERE is_head = 1;

CREATE TABLE IF NOT EXISTS node_log_entries (
	rowid    INTEGER PRIMARY KEY AUTOINCREMENT,
	node     INTEGER NOT NULL,
	hash     TEXT NOT NULL,
	clock    INTEGER NOT NULL DEFAULT 0,
	synced   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_node_log_synced ON node_log_entries(synced) WHERE synced = 0;

CREATE TABLE IF NOT EXISTS log_cursors (
	peer_id  TEXT PRIMARY KEY,
	offset   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS peer_counters (
	peer_num   INTEGER PRIMARY KEY,
	next_index INTEGER NOT NULL DEFAULT 1
);
`

// Open opens (creating if necessary) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	// The sync daemon issues many short-lived transactions from multiple
	// goroutines; SQLite's single-writer model means only one connection
	// may hold the write lock at a time, so keep the pool small and let
	// SQLITE_BUSY retries (via the busy_timeout pragma) serialize writers
	// rather than failing them outright.
	db.SetMaxOpenConns(4)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Revision is one recorded entry digest for a node, in the append order
// the merge join point (save_node) needs to walk.
type Revision struct {
	RowID uint64
	Hash  digest.Digest
	Clock int64
}

// HeadRevision returns node's current head revision, or found=false if node
// has never had a revision recorded.
func (c *Catalog) HeadRevision(ctx context.Context, node uint64) (Revision, bool, error) {
	var rev Revision
	var hex string
	err := c.db.QueryRowContext(ctx,
		"SELECT rowid, hash, clock FROM node_revisions WHERE node = ? AND is_head = 1", int64(node),
	).Scan(&rev.RowID, &hex, &rev.Clock)
	if err == sql.ErrNoRows {
		return Revision{}, false, nil
	}
	if err != nil {
		return Revision{}, false, err
	}
	rev.Hash, err = digest.Parse(hex)
	return rev, err == nil, err
}

// RevisionExists reports whether node already has a recorded revision with
// exactly this (hash, clock) pair, the idempotency check save_node uses to
// recognize redelivery of an entry it has already applied.
func (c *Catalog) RevisionExists(ctx context.Context, node uint64, hash digest.Digest, clock int64) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		"SELECT 1 FROM node_revisions WHERE node = ? AND hash = ? AND clock = ? LIMIT 1",
		int64(node), hash.String(), clock,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// InsertHead appends a new head revision for node, demoting the previous
// head (if any) in the same transaction.
func (c *Catalog) InsertHead(ctx context.Context, node uint64, hash digest.Digest, clock int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE node_revisions SET is_head = 0 WHERE node = ? AND is_head = 1", int64(node)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO node_revisions (node, hash, clock, is_head) VALUES (?, ?, ?, 1)", int64(node), hash.String(), clock,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO node_log_entries (node, hash, clock) VALUES (?, ?, ?)", int64(node), hash.String(), clock); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertAncestor appends entry as a non-head revision: used when an
// incoming entry turns out to be strictly older than the current head, so
// it is recorded for future ancestor walks but never overtakes the head.
func (c *Catalog) InsertAncestor(ctx context.Context, node uint64, hash digest.Digest, clock int64) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO node_revisions (node, hash, clock, is_head) VALUES (?, ?, ?, 0)", int64(node), hash.String(), clock)
	return err
}

// EarlierRevisions returns up to limit revisions for node strictly before
// beforeRowID, most recent first — the sequence save_node's conflict branch
// walks to find the nearest common ancestor the incoming entry dominates.
func (c *Catalog) EarlierRevisions(ctx context.Context, node uint64, beforeRowID uint64, limit int) ([]Revision, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT rowid, hash, clock FROM node_revisions WHERE node = ? AND rowid < ? ORDER BY rowid DESC LIMIT ?",
		int64(node), beforeRowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var rev Revision
		var hex string
		if err := rows.Scan(&rev.RowID, &hex, &rev.Clock); err != nil {
			return nil, err
		}
		if rev.Hash, err = digest.Parse(hex); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// NodeExists reports whether node has ever had a revision recorded.
func (c *Catalog) NodeExists(ctx context.Context, node uint64) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, "SELECT 1 FROM node_revisions WHERE node = ? LIMIT 1", int64(node)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MaxNode returns the highest catalog node key ever recorded, or 0 if the
// catalog is empty. Node keys are xxhash digests of a peer/index pair
// (see inode.NodeKey) so this is diagnostic only — allocating a fresh
// inode index goes through NextIndex, not this value.
func (c *Catalog) MaxNode(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	err := c.db.QueryRowContext(ctx, "SELECT MAX(node) FROM node_revisions").Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// NextIndex allocates the next inode index local to peerNum, starting at
// 1 (index 0 is reserved for the filesystem root). The allocation and
// increment happen in one transaction so concurrent creators on the same
// peer never hand out the same index.
func (c *Catalog) NextIndex(ctx context.Context, peerNum int64) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO peer_counters (peer_num, next_index) VALUES (?, 1)", peerNum); err != nil {
		return 0, err
	}

	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT next_index FROM peer_counters WHERE peer_num = ?", peerNum).Scan(&next); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE peer_counters SET next_index = ? WHERE peer_num = ?", next+1, peerNum); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

// BlobWrite describes a blob just stored locally, pending a catalog row.
type BlobWrite struct {
	Hash digest.Digest
	Size uint64
	When time.Time
}

// RecordBlobs batch-inserts freshly written blobs into the catalog in a
// single transaction, the same buffering the block store uses to avoid a
// transaction per block.
func (c *Catalog) RecordBlobs(ctx context.Context, writes []BlobWrite) error {
	if len(writes) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blobs (hash, size, last_use, synced, deleted)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(hash) DO UPDATE SET last_use = excluded.last_use, deleted = 0`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, w := range writes {
		if _, err := stmt.ExecContext(ctx, w.Hash.String(), w.Size, w.When.Unix()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ToUpload returns up to limit blobs not yet marked synced.
func (c *Catalog) ToUpload(ctx context.Context, limit int) ([]digest.Digest, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT hash FROM blobs WHERE synced = 0 ORDER BY rowid ASC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDigests(rows)
}

// MarkSyncedBlobs flags the given blobs as uploaded.
func (c *Catalog) MarkSyncedBlobs(ctx context.Context, hashes []digest.Digest) error {
	return c.updateHashFlag(ctx, "blobs", "synced", hashes)
}

// NodeLogEntry is one unsynced node log entry, paired with its rowid for
// acknowledgement via MarkSyncedNodes.
type NodeLogEntry struct {
	RowID uint64
	Node  uint64
	Hash  digest.Digest
	Clock int64
}

// ToUploadNodes returns up to limit unsynced node log entries, oldest
// first. It only returns entries whose referenced blob has itself
// already been marked synced: per I3, a node row may not be pushed ahead
// of the blob it names, or a peer that pulls the log head will fetch an
// entry blob the remote doesn't have yet.
func (c *Catalog) ToUploadNodes(ctx context.Context, limit int) ([]NodeLogEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT rowid, node, hash, clock FROM node_log_entries
		WHERE synced = 0
		AND EXISTS (SELECT 1 FROM blobs b WHERE b.hash = node_log_entries.hash AND b.synced = 1)
		ORDER BY rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NodeLogEntry
	for rows.Next() {
		var e NodeLogEntry
		var hex string
		if err := rows.Scan(&e.RowID, &e.Node, &hex, &e.Clock); err != nil {
			return nil, err
		}
		d, err := digest.Parse(hex)
		if err != nil {
			return nil, err
		}
		e.Hash = d
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cursor returns how far peerID's replicated inode log has been consumed,
// as a byte offset, or 0 if nothing has been read from it yet.
func (c *Catalog) Cursor(ctx context.Context, peerID string) (int64, error) {
	var offset int64
	err := c.db.QueryRowContext(ctx, "SELECT offset FROM log_cursors WHERE peer_id = ?", peerID).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return offset, err
}

// SetCursor persists how far peerID's replicated inode log has been
// consumed, so a restart resumes at the next unprocessed line rather than
// re-applying entries already merged.
func (c *Catalog) SetCursor(ctx context.Context, peerID string, offset int64) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO log_cursors (peer_id, offset) VALUES (?, ?) ON CONFLICT(peer_id) DO UPDATE SET offset = excluded.offset",
		peerID, offset)
	return err
}

// MarkSyncedNodes flags the given node log entries, by rowid, as pushed.
func (c *Catalog) MarkSyncedNodes(ctx context.Context, rowIDs []uint64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE node_log_entries SET synced = 1 WHERE rowid = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range rowIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// BlobTouch records that a digest was read or fetched recently and should
// not be an eviction target yet.
type BlobTouch struct {
	Hash digest.Digest
	Size uint64
	When time.Time
}

// TouchBlobs bumps last_use for every touched digest to its associated
// time, inserting a catalog row if one doesn't already exist. A blob
// fetched from the remote is never passed through RecordBlobs — this is
// its only path into the catalog, so it must be an upsert: without it the
// blob would sit on disk with present=0, invisible to LocalBytes and
// ToDelete, and never get evicted. A previously synced row stays synced.
func (c *Catalog) TouchBlobs(ctx context.Context, touched []BlobTouch) error {
	if len(touched) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blobs (hash, size, last_use, synced, deleted)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(hash) DO UPDATE SET last_use = excluded.last_use, deleted = 0`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range touched {
		if _, err := stmt.ExecContext(ctx, t.Hash.String(), t.Size, t.When.Unix()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LocalBytes returns the total size of blobs not marked deleted.
func (c *Catalog) LocalBytes(ctx context.Context) (uint64, error) {
	var total sql.NullInt64
	err := c.db.QueryRowContext(ctx, "SELECT SUM(size) FROM blobs WHERE deleted = 0").Scan(&total)
	if err != nil {
		return 0, err
	}
	return uint64(total.Int64), nil
}

// EvictionCandidate is a blob eligible for deletion, ordered oldest-used
// first.
type EvictionCandidate struct {
	Hash digest.Digest
	Size uint64
}

// ToDelete returns up to limit least-recently-used, synced blobs larger
// than keepUpToSize — below that size the space reclaimed isn't worth a
// later re-fetch.
func (c *Catalog) ToDelete(ctx context.Context, limit int, keepUpToSize uint64) ([]EvictionCandidate, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT hash, size FROM blobs
		WHERE deleted = 0 AND synced = 1 AND size > ?
		ORDER BY last_use ASC
		LIMIT ?`, keepUpToSize, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvictionCandidate
	for rows.Next() {
		var hex string
		var size uint64
		if err := rows.Scan(&hex, &size); err != nil {
			return nil, err
		}
		d, err := digest.Parse(hex)
		if err != nil {
			return nil, err
		}
		out = append(out, EvictionCandidate{Hash: d, Size: size})
	}
	return out, rows.Err()
}

// MarkDeletedBlobs flags the given blobs as removed from local disk.
func (c *Catalog) MarkDeletedBlobs(ctx context.Context, hashes []digest.Digest) error {
	return c.updateHashFlag(ctx, "blobs", "deleted", hashes)
}

func (c *Catalog) updateHashFlag(ctx context.Context, table, column string, hashes []digest.Digest) error {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("UPDATE %s SET %s = 1 WHERE hash = ?", table, column))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, d := range hashes {
		if _, err := stmt.ExecContext(ctx, d.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanDigests(rows *sql.Rows) ([]digest.Digest, error) {
	var out []digest.Digest
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, err
		}
		d, err := digest.Parse(hex)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
