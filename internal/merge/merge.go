// Package merge implements the three-way merge used to reconcile two
// divergent revisions of the same inode back into one, given their
// nearest common ancestor. It is the Go form of spec.md §4.6: a
// deterministic left/right tie-break followed by per-field merge rules,
// chosen so two peers that each hold (base, a, b) compute byte-identical
// merged entries independently.
package merge

import (
	"bytes"
	"time"

	"github.com/syncfs/syncfs/internal/digest"
	"github.com/syncfs/syncfs/internal/inode"
)

// Merge3Way reconciles a and b against their common ancestor base,
// returning the merged entry. base, a and b must share the same
// FileType; divergent file types for the same inode are not a
// reconcilable case and indicate a bug upstream, not a legitimate
// conflict, so callers should treat a mismatch as fatal before calling in.
func Merge3Way(base, a, b *inode.Entry) *inode.Entry {
	left, right := a, b
	if !isLeft(a, b) {
		left, right = b, a
	}

	merged := &inode.Entry{
		FileType: left.FileType,

		Perm:  threeWayUint32(base.Perm, left.Perm, right.Perm),
		UID:   threeWayUint32(base.UID, left.UID, right.UID),
		GID:   threeWayUint32(base.GID, left.GID, right.GID),
		Flags: threeWayUint32(base.Flags, left.Flags, right.Flags),
		Rdev:  threeWayUint32(base.Rdev, left.Rdev, right.Rdev),
		Size:  threeWayUint64(base.Size, left.Size, right.Size),

		Atime:    maxTime(left.Atime, right.Atime),
		Mtime:    maxTime(left.Mtime, right.Mtime),
		Ctime:    maxTime(left.Ctime, right.Ctime),
		Crtime:   maxTime(left.Crtime, right.Crtime),
		Chgtime:  maxTime(left.Chgtime, right.Chgtime),
		Bkuptime: maxTime(left.Bkuptime, right.Bkuptime),
		Clock:    maxInt64(left.Clock, right.Clock),

		PeerNum: maxInt64(left.PeerNum, right.PeerNum),
		VClock:  left.VClock.Merge(right.VClock),

		Blocks: threeWayBlocks(base.Blocks, left.Blocks, right.Blocks),

		Children: mergeChildren(base.Children, left.Children, right.Children),
		Xattrs:   mergeXattrs(base.Xattrs, left.Xattrs, right.Xattrs),
	}
	return merged
}

// isLeft reports whether a is the "left" side per the deterministic
// tie-break: the side whose (logical clock, peernum) sorts greater.
func isLeft(a, b *inode.Entry) bool {
	return a.CmpTime(b) > 0
}

func threeWayUint32(base, left, right uint32) uint32 {
	if left == base {
		return right
	}
	return left
}

func threeWayUint64(base, left, right uint64) uint64 {
	if left == base {
		return right
	}
	return left
}

// threeWayBlocks applies the same base/left/right rule to the block list
// as a whole: a side that didn't touch its block list since base defers
// to the other side's list, so a writer on one side and a no-op on the
// other always keeps the writer's blocks, not a length mismatch.
func threeWayBlocks(base, left, right []digest.Digest) []digest.Digest {
	if blocksEqual(left, base) {
		return right
	}
	return left
}

func blocksEqual(a, b []digest.Digest) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func mergeChildren(base, left, right map[string]inode.ChildRef) map[string]inode.ChildRef {
	out := make(map[string]inode.ChildRef, len(left)+len(right))
	for _, k := range unionStringKeysChildren(base, left, right) {
		bv, bok := base[k]
		lv, lok := left[k]
		rv, rok := right[k]

		val, ok := threeWayChildRef(bv, bok, lv, lok, rv, rok)
		if ok {
			out[k] = val
		}
	}
	return out
}

func threeWayChildRef(base inode.ChildRef, baseOK bool, left inode.ChildRef, leftOK bool, right inode.ChildRef, rightOK bool) (inode.ChildRef, bool) {
	leftEqualsBase := leftOK == baseOK && (!leftOK || left == base)
	if leftEqualsBase {
		return right, rightOK
	}
	return left, leftOK
}

func mergeXattrs(base, left, right map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(left)+len(right))
	for _, k := range unionStringKeysXattr(base, left, right) {
		bv, bok := base[k]
		lv, lok := left[k]
		rv, rok := right[k]

		val, ok := threeWayBytes(bv, bok, lv, lok, rv, rok)
		if ok {
			out[k] = val
		}
	}
	return out
}

func threeWayBytes(base []byte, baseOK bool, left []byte, leftOK bool, right []byte, rightOK bool) ([]byte, bool) {
	leftEqualsBase := leftOK == baseOK && (!leftOK || bytes.Equal(left, base))
	if leftEqualsBase {
		return right, rightOK
	}
	return left, leftOK
}

func unionStringKeysChildren(maps ...map[string]inode.ChildRef) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

func unionStringKeysXattr(maps ...map[string][]byte) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}
