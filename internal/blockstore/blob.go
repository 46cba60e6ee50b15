package blockstore

import (
	"os"

	"github.com/syncfs/syncfs/internal/digest"
)

// blob is an in-memory block: a byte buffer that grows on write the same
// way the reference implementation's Blob type does, so a short write
// followed by a later write past the end never needs a separate resize
// call from the caller.
type blob struct {
	data []byte
}


func loadBlob(path string) (*blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &blob{data: data}, nil
}

// store writes the blob to path if it doesn't already exist. Blobs are
// content-addressed, so an existing file at path is already correct and
// rewriting it would just be wasted I/O.
func (b *blob) store(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, b.data, 0o644)
}

func (b *blob) read(offset, n int) []byte {
	if offset >= len(b.data) {
		return nil
	}
	end := offset + n
	if end > len(b.data) {
		end = len(b.data)
	}
	out := make([]byte, end-offset)
	copy(out, b.data[offset:end])
	return out
}

func (b *blob) write(offset int, data []byte) {
	end := offset + len(data)
	if end > len(b.data) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[offset:end], data)
}

func (b *blob) hash() digest.Digest {
	return digest.Of(b.data)
}

func (b *blob) len() int {
	return len(b.data)
}
