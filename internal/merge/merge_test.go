package merge

import (
	"reflect"
	"testing"
	"time"

	"github.com/syncfs/syncfs/internal/digest"
	"github.com/syncfs/syncfs/internal/inode"
	"github.com/syncfs/syncfs/internal/vectorclock"
)

func mkEntry(clock, peerNum int64, mtime time.Time) *inode.Entry {
	return &inode.Entry{
		Clock:    clock,
		VClock:   vectorclock.New(),
		PeerNum:  peerNum,
		FileType: inode.RegularFile,
		Perm:     0o644,
		Atime:    mtime,
		Mtime:    mtime,
		Ctime:    mtime,
		Crtime:   mtime,
		Chgtime:  mtime,
		Bkuptime: mtime,
		Children: make(map[string]inode.ChildRef),
		Xattrs:   make(map[string][]byte),
	}
}

func blockHash(b byte) digest.Digest {
	var d digest.Digest
	d[0] = b
	return d
}

// TestMergeCommutative checks P7: merging (base, a, b) must structurally
// equal merging (base, b, a) — the deterministic tie-break must not depend
// on argument order.
func TestMergeCommutative(t *testing.T) {
	base := mkEntry(100, 1, time.Unix(100, 0))
	base.Size = 10
	base.Blocks = []digest.Digest{blockHash(1)}

	a := base.Clone()
	a.Clock = 200
	a.PeerNum = 1
	a.Size = 20
	a.Blocks = []digest.Digest{blockHash(2)}
	a.Mtime = time.Unix(200, 0)
	a.VClock = a.VClock.Increment(1)
	a.AddChild("foo", inode.ChildRef{Node: inode.ID{PeerNum: 1, Index: 5}, Type: inode.RegularFile})

	b := base.Clone()
	b.Clock = 150
	b.PeerNum = 2
	b.Perm = 0o600
	b.Mtime = time.Unix(120, 0)
	b.VClock = b.VClock.Increment(2)
	b.AddChild("bar", inode.ChildRef{Node: inode.ID{PeerNum: 2, Index: 7}, Type: inode.RegularFile})

	m1 := Merge3Way(base, a, b)
	m2 := Merge3Way(base, b, a)

	if !reflect.DeepEqual(m1, m2) {
		t.Fatalf("Merge3Way not commutative:\n  a,b = %+v\n  b,a = %+v", m1, m2)
	}
}

// TestMergeUnchangedSideDefersToOther exercises the three_way base/left/right
// rule directly: a side that left a scalar field untouched since base always
// yields to the side that changed it.
func TestMergeUnchangedSideDefersToOther(t *testing.T) {
	base := mkEntry(100, 1, time.Unix(100, 0))
	base.Perm = 0o644

	changed := base.Clone()
	changed.Clock = 200
	changed.Perm = 0o755

	unchanged := base.Clone()
	unchanged.Clock = 150

	merged := Merge3Way(base, changed, unchanged)
	if merged.Perm != 0o755 {
		t.Errorf("Perm = %o, want %o (the changed side should win)", merged.Perm, 0o755)
	}
}

// TestMergeChildrenUnion exercises scenario S5: two peers each add a
// different child under the same directory since base; the merge must
// contain both, not just the tie-break winner's.
func TestMergeChildrenUnion(t *testing.T) {
	base := mkEntry(100, 1, time.Unix(100, 0))
	base.FileType = inode.Directory

	left := base.Clone()
	left.Clock = 200
	left.AddChild("left-child", inode.ChildRef{Node: inode.ID{PeerNum: 1, Index: 1}, Type: inode.RegularFile})

	right := base.Clone()
	right.Clock = 150
	right.AddChild("right-child", inode.ChildRef{Node: inode.ID{PeerNum: 2, Index: 2}, Type: inode.RegularFile})

	merged := Merge3Way(base, left, right)

	if _, ok := merged.Children["left-child"]; !ok {
		t.Errorf("merged.Children missing left-child: %+v", merged.Children)
	}
	if _, ok := merged.Children["right-child"]; !ok {
		t.Errorf("merged.Children missing right-child: %+v", merged.Children)
	}
	if len(merged.Children) != 2 {
		t.Errorf("merged.Children = %+v, want exactly 2 entries", merged.Children)
	}
}

// TestMergeChildDeletionWins verifies that a side which deleted a child
// relative to base is respected over a side that merely left it untouched.
func TestMergeChildDeletionWins(t *testing.T) {
	base := mkEntry(100, 1, time.Unix(100, 0))
	base.FileType = inode.Directory
	base.AddChild("doomed", inode.ChildRef{Node: inode.ID{PeerNum: 1, Index: 1}, Type: inode.RegularFile})

	deleter := base.Clone()
	deleter.Clock = 200
	deleter.RemoveChild("doomed")

	bystander := base.Clone()
	bystander.Clock = 150

	merged := Merge3Way(base, deleter, bystander)
	if _, ok := merged.Children["doomed"]; ok {
		t.Errorf("merged.Children still has doomed child: %+v", merged.Children)
	}
}

// TestMergeBlocksPrefersWriter checks the block-list three-way rule: a side
// that rewrote the block list wins over a side that left it at base.
func TestMergeBlocksPrefersWriter(t *testing.T) {
	base := mkEntry(100, 1, time.Unix(100, 0))
	base.Blocks = []digest.Digest{blockHash(1)}

	writer := base.Clone()
	writer.Clock = 200
	writer.Blocks = []digest.Digest{blockHash(1), blockHash(2)}

	idle := base.Clone()
	idle.Clock = 150

	merged := Merge3Way(base, writer, idle)
	if !blocksEqual(merged.Blocks, writer.Blocks) {
		t.Errorf("Blocks = %v, want %v", merged.Blocks, writer.Blocks)
	}
}

// TestMergeVClockIsElementwiseMax confirms the merged vector clock
// dominates both inputs, regardless of which side is picked as tie-break
// winner for scalar fields.
func TestMergeVClockIsElementwiseMax(t *testing.T) {
	base := mkEntry(100, 1, time.Unix(100, 0))

	a := base.Clone()
	a.Clock = 200
	a.VClock = a.VClock.Increment(1).Increment(1)

	b := base.Clone()
	b.Clock = 150
	b.VClock = b.VClock.Increment(2)

	merged := Merge3Way(base, a, b)
	if merged.VClock.Counter(1) != 2 {
		t.Errorf("VClock[1] = %d, want 2", merged.VClock.Counter(1))
	}
	if merged.VClock.Counter(2) != 1 {
		t.Errorf("VClock[2] = %d, want 1", merged.VClock.Counter(2))
	}
}
