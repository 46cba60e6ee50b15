// Package digest maps byte sequences to the fixed-length content
// identifiers used throughout the catalog, block store and inode log.
package digest

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Size is the length in bytes of a Digest. 20 bytes is plenty for
// deduplication purposes and keeps catalog rows small.
const Size = 20

// Digest is the content identity of a Blob.
type Digest [Size]byte

// Zero is the reserved digest representing an unallocated ("sparse")
// block in an inode's block list. The block store never fetches it.
var Zero Digest

// Of hashes data and returns its Digest. BLAKE2b is configured for a
// 20-byte output directly rather than truncating a longer hash, matching
// the collision-resistance BLAKE2b's tree parameters provide for that
// output size.
func Of(data []byte) Digest {
	h, err := blake2b.New(Size, nil)
	if err != nil {
		// Only invalid key lengths (we pass none) or a bad size cause this,
		// and Size is a compile-time constant within range.
		panic(err)
	}
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// String renders the digest as lowercase hex, the same encoding used for
// blob file names on disk and in remote paths.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the unallocated-block placeholder.
func (d Digest) IsZero() bool {
	return d == Zero
}

// Parse decodes a hex string produced by String back into a Digest.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != Size {
		return d, errInvalidLength(len(b))
	}
	copy(d[:], b)
	return d, nil
}

type errInvalidLength int

func (e errInvalidLength) Error() string {
	return "digest: invalid encoded length"
}
