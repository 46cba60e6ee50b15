package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncfs/syncfs/internal/digest"
)

func open(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.sqlite3")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestInsertHeadAndHeadRevision(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	d := digest.Of([]byte("hello"))
	if err := c.InsertHead(ctx, 0, d, 100); err != nil {
		t.Fatalf("InsertHead: %v", err)
	}

	got, found, err := c.HeadRevision(ctx, 0)
	if err != nil {
		t.Fatalf("HeadRevision: %v", err)
	}
	if !found || got.Hash != d || got.Clock != 100 {
		t.Errorf("HeadRevision = %+v, %v, want hash=%v clock=100, true", got, found, d)
	}
}

func TestInsertHeadDemotesPreviousHead(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	d1 := digest.Of([]byte("v1"))
	d2 := digest.Of([]byte("v2"))
	if err := c.InsertHead(ctx, 1, d1, 100); err != nil {
		t.Fatalf("InsertHead v1: %v", err)
	}
	if err := c.InsertHead(ctx, 1, d2, 200); err != nil {
		t.Fatalf("InsertHead v2: %v", err)
	}

	got, found, err := c.HeadRevision(ctx, 1)
	if err != nil {
		t.Fatalf("HeadRevision: %v", err)
	}
	if !found || got.Hash != d2 {
		t.Fatalf("HeadRevision = %+v, want v2", got)
	}

	earlier, err := c.EarlierRevisions(ctx, 1, got.RowID, 10)
	if err != nil {
		t.Fatalf("EarlierRevisions: %v", err)
	}
	if len(earlier) != 1 || earlier[0].Hash != d1 {
		t.Fatalf("EarlierRevisions = %+v, want [v1]", earlier)
	}
}

func TestNodeExistsAndMaxNode(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	if exists, err := c.NodeExists(ctx, 5); err != nil || exists {
		t.Fatalf("NodeExists(5) before insert = %v, %v", exists, err)
	}

	if err := c.InsertHead(ctx, 5, digest.Of([]byte("a")), 1); err != nil {
		t.Fatalf("InsertHead: %v", err)
	}
	if err := c.InsertHead(ctx, 2, digest.Of([]byte("b")), 1); err != nil {
		t.Fatalf("InsertHead: %v", err)
	}

	if exists, err := c.NodeExists(ctx, 5); err != nil || !exists {
		t.Fatalf("NodeExists(5) after insert = %v, %v", exists, err)
	}

	max, err := c.MaxNode(ctx)
	if err != nil {
		t.Fatalf("MaxNode: %v", err)
	}
	if max != 5 {
		t.Errorf("MaxNode = %d, want 5", max)
	}
}

func TestRevisionExistsDetectsRedelivery(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	d := digest.Of([]byte("x"))

	if exists, err := c.RevisionExists(ctx, 3, d, 50); err != nil || exists {
		t.Fatalf("RevisionExists before insert = %v, %v", exists, err)
	}
	if err := c.InsertHead(ctx, 3, d, 50); err != nil {
		t.Fatalf("InsertHead: %v", err)
	}
	if exists, err := c.RevisionExists(ctx, 3, d, 50); err != nil || !exists {
		t.Fatalf("RevisionExists after insert = %v, %v", exists, err)
	}
}

func TestInsertHeadQueuesNodeLogEntry(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	d := digest.Of([]byte("payload"))

	if err := c.InsertHead(ctx, 7, d, 1); err != nil {
		t.Fatalf("InsertHead: %v", err)
	}

	// A node log entry is not eligible for upload until its entry blob is
	// itself synced (I3) — before that, ToUploadNodes must hold it back.
	entries, err := c.ToUploadNodes(ctx, 10)
	if err != nil {
		t.Fatalf("ToUploadNodes before blob is synced: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ToUploadNodes = %+v, want none while entry blob %s is unsynced", entries, d)
	}

	if err := c.RecordBlobs(ctx, []BlobWrite{{Hash: d, Size: 7, When: time.Unix(1, 0)}}); err != nil {
		t.Fatalf("RecordBlobs: %v", err)
	}
	if err := c.MarkSyncedBlobs(ctx, []digest.Digest{d}); err != nil {
		t.Fatalf("MarkSyncedBlobs: %v", err)
	}

	entries, err = c.ToUploadNodes(ctx, 10)
	if err != nil {
		t.Fatalf("ToUploadNodes: %v", err)
	}
	if len(entries) != 1 || entries[0].Node != 7 || entries[0].Hash != d || entries[0].Clock != 1 {
		t.Fatalf("ToUploadNodes = %+v, want one entry for node 7 clock 1", entries)
	}

	if err := c.MarkSyncedNodes(ctx, []uint64{entries[0].RowID}); err != nil {
		t.Fatalf("MarkSyncedNodes: %v", err)
	}
	entries, err = c.ToUploadNodes(ctx, 10)
	if err != nil {
		t.Fatalf("ToUploadNodes after mark: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no unsynced node log entries after MarkSyncedNodes, got %d", len(entries))
	}
}

func TestCursorDefaultsToZeroThenPersists(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	offset, err := c.Cursor(ctx, "abcdef0123456789")
	if err != nil {
		t.Fatalf("Cursor before any write: %v", err)
	}
	if offset != 0 {
		t.Fatalf("Cursor before any write = %d, want 0", offset)
	}

	if err := c.SetCursor(ctx, "abcdef0123456789", 128); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	offset, err = c.Cursor(ctx, "abcdef0123456789")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if offset != 128 {
		t.Fatalf("Cursor = %d, want 128", offset)
	}

	if err := c.SetCursor(ctx, "abcdef0123456789", 256); err != nil {
		t.Fatalf("SetCursor (update): %v", err)
	}
	offset, err = c.Cursor(ctx, "abcdef0123456789")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if offset != 256 {
		t.Fatalf("Cursor after update = %d, want 256", offset)
	}
}

func TestNextIndexAllocatesMonotonicallyPerPeer(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	first, err := c.NextIndex(ctx, 1)
	if err != nil {
		t.Fatalf("NextIndex: %v", err)
	}
	if first != 1 {
		t.Fatalf("first NextIndex for peer 1 = %d, want 1", first)
	}

	second, err := c.NextIndex(ctx, 1)
	if err != nil {
		t.Fatalf("NextIndex: %v", err)
	}
	if second != 2 {
		t.Fatalf("second NextIndex for peer 1 = %d, want 2", second)
	}

	otherPeerFirst, err := c.NextIndex(ctx, 2)
	if err != nil {
		t.Fatalf("NextIndex for peer 2: %v", err)
	}
	if otherPeerFirst != 1 {
		t.Fatalf("first NextIndex for peer 2 = %d, want 1 (counters are per-peer)", otherPeerFirst)
	}
}

func TestUploadAndEvictionFlow(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	small := digest.Of([]byte("s"))
	large := digest.Of([]byte("l"))
	now := time.Unix(1000, 0)

	if err := c.RecordBlobs(ctx, []BlobWrite{
		{Hash: small, Size: 10, When: now},
		{Hash: large, Size: 1_000_000, When: now},
	}); err != nil {
		t.Fatalf("RecordBlobs: %v", err)
	}

	toUpload, err := c.ToUpload(ctx, 10)
	if err != nil {
		t.Fatalf("ToUpload: %v", err)
	}
	if len(toUpload) != 2 {
		t.Fatalf("ToUpload returned %d blobs, want 2", len(toUpload))
	}

	if err := c.MarkSyncedBlobs(ctx, toUpload); err != nil {
		t.Fatalf("MarkSyncedBlobs: %v", err)
	}

	candidates, err := c.ToDelete(ctx, 10, 100)
	if err != nil {
		t.Fatalf("ToDelete: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Hash != large {
		t.Fatalf("ToDelete = %+v, want only the large blob (small is below keepUpToSize)", candidates)
	}

	if err := c.MarkDeletedBlobs(ctx, []digest.Digest{large}); err != nil {
		t.Fatalf("MarkDeletedBlobs: %v", err)
	}
	localBytes, err := c.LocalBytes(ctx)
	if err != nil {
		t.Fatalf("LocalBytes: %v", err)
	}
	if localBytes != 10 {
		t.Errorf("LocalBytes after eviction = %d, want 10", localBytes)
	}
}

func TestTouchBlobsUpdatesLastUse(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	d := digest.Of([]byte("x"))

	if err := c.RecordBlobs(ctx, []BlobWrite{{Hash: d, Size: 1, When: time.Unix(1, 0)}}); err != nil {
		t.Fatalf("RecordBlobs: %v", err)
	}
	if err := c.MarkSyncedBlobs(ctx, []digest.Digest{d}); err != nil {
		t.Fatalf("MarkSyncedBlobs: %v", err)
	}

	later := time.Unix(99999, 0)
	if err := c.TouchBlobs(ctx, []BlobTouch{{Hash: d, Size: 1, When: later}}); err != nil {
		t.Fatalf("TouchBlobs: %v", err)
	}

	candidates, err := c.ToDelete(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ToDelete: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("ToDelete = %+v", candidates)
	}
}

// TestTouchBlobsInsertsMissingBlob covers a blob fetched from the remote,
// which never goes through RecordBlobs: TouchBlobs is its only path into
// the catalog, so it must register a new row rather than silently no-op.
func TestTouchBlobsInsertsMissingBlob(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	d := digest.Of([]byte("fetched"))

	if err := c.TouchBlobs(ctx, []BlobTouch{{Hash: d, Size: 42, When: time.Unix(500, 0)}}); err != nil {
		t.Fatalf("TouchBlobs: %v", err)
	}

	localBytes, err := c.LocalBytes(ctx)
	if err != nil {
		t.Fatalf("LocalBytes: %v", err)
	}
	if localBytes != 42 {
		t.Fatalf("LocalBytes after TouchBlobs of a new blob = %d, want 42", localBytes)
	}

	toUpload, err := c.ToUpload(ctx, 10)
	if err != nil {
		t.Fatalf("ToUpload: %v", err)
	}
	if len(toUpload) != 1 || toUpload[0] != d {
		t.Fatalf("ToUpload = %+v, want the touched blob still unsynced", toUpload)
	}
}
