package inode

import (
	"context"
	"time"

	"github.com/syncfs/syncfs/internal/blockstore"
	"github.com/syncfs/syncfs/internal/config"
	"github.com/syncfs/syncfs/internal/digest"
)

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// readahead returns the digests of the blocks just past index i, up to
// config.ReadAhead of them, clamped to the block list.
func (e *Entry) readahead(i int) []digest.Digest {
	end := min(i+1+config.ReadAhead, len(e.Blocks))
	if i+1 >= end {
		return nil
	}
	return e.Blocks[i+1 : end]
}

// Read returns up to size bytes of file content starting at offset,
// translating into per-block Block Store reads. A request past end of
// file returns an empty slice rather than an error.
func (e *Entry) Read(ctx context.Context, store *blockstore.Store, node ID, nodeKey uint64, offset uint64, size uint32) ([]byte, error) {
	if offset >= e.Size {
		return nil, nil
	}

	start := int(offset)
	end := int(min(int(offset)+int(size), int(e.Size)))
	data := make([]byte, end-start)

	written := 0
	startBlock := start / config.BlockSize
	endBlock := (end + config.BlockSize - 1) / config.BlockSize
	for i := startBlock; i < endBlock; i++ {
		hash := digest.Zero
		if i < len(e.Blocks) {
			hash = e.Blocks[i]
		}
		bstart := max(start, i*config.BlockSize)
		bend := min(end, (i+1)*config.BlockSize)
		bsize := bend - bstart
		boffset := bstart - i*config.BlockSize

		chunk, err := store.Read(ctx, nodeKey, i, hash, boffset, bsize, e.readahead(i))
		if err != nil {
			return nil, err
		}
		copy(data[written:written+bsize], chunk)
		written += bsize
	}
	return data, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Write splices data into the file content starting at offset, growing
// Size and the block list as needed, and updates Mtime. New block slots
// beyond the previous length start out as the zero digest, since their
// real content is only known once sync_node hashes the write-back cache.
func (e *Entry) Write(ctx context.Context, store *blockstore.Store, node ID, nodeKey uint64, offset uint64, data []byte, now time.Time) (int, error) {
	e.Size = max64(e.Size, offset+uint64(len(data)))
	needed := neededBlocks(e.Size)
	if needed > len(e.Blocks) {
		grown := make([]digest.Digest, needed)
		copy(grown, e.Blocks)
		for i := len(e.Blocks); i < needed; i++ {
			grown[i] = digest.Zero
		}
		e.Blocks = grown
	}

	start := int(offset)
	end := start + len(data)
	written := 0
	startBlock := start / config.BlockSize
	endBlock := (end + config.BlockSize - 1) / config.BlockSize
	for i := startBlock; i < endBlock; i++ {
		hash := e.Blocks[i]
		bstart := max(start, i*config.BlockSize)
		bend := min(end, (i+1)*config.BlockSize)
		bsize := bend - bstart
		boffset := bstart - i*config.BlockSize

		if err := store.Write(ctx, nodeKey, i, hash, boffset, data[written:written+bsize], e.readahead(i)); err != nil {
			return written, err
		}
		written += bsize
	}

	e.Mtime = now
	return written, nil
}

// ApplySync installs the freshly synced block digests computed by
// blockstore.Store.SyncNode back into the block list.
func (e *Entry) ApplySync(synced []blockstore.BlockDigest) {
	for _, s := range synced {
		if s.Index < len(e.Blocks) {
			e.Blocks[s.Index] = s.Hash
		}
	}
}
