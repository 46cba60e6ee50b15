package inode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/syncfs/syncfs/internal/digest"
	"github.com/syncfs/syncfs/internal/vectorclock"
)

// Encode renders e as a canonical, length-prefixed byte sequence: maps
// are written in sorted-key order so that two structurally equal entries
// always produce byte-identical encodings, which matters because the
// entry's digest is computed over this output (see invariant I5 on
// canonical encoding in the design notes this package implements).
func Encode(e *Entry) ([]byte, error) {
	var buf bytes.Buffer

	writeInt64(&buf, e.Clock)
	if err := writeVClock(&buf, e.VClock); err != nil {
		return nil, err
	}
	writeInt64(&buf, e.PeerNum)

	buf.WriteByte(byte(e.FileType))
	writeUint32(&buf, e.Perm)
	writeUint32(&buf, e.UID)
	writeUint32(&buf, e.GID)
	writeUint32(&buf, e.Flags)
	writeUint32(&buf, e.Rdev)

	for _, t := range []time.Time{e.Atime, e.Mtime, e.Ctime, e.Crtime, e.Chgtime, e.Bkuptime} {
		writeInt64(&buf, t.UnixNano())
	}

	writeUint64(&buf, e.Size)

	writeUint32(&buf, uint32(len(e.Blocks)))
	for _, d := range e.Blocks {
		buf.Write(d[:])
	}

	names := sortedKeys(e.Children)
	writeUint32(&buf, uint32(len(names)))
	for _, name := range names {
		writeString(&buf, name)
		ref := e.Children[name]
		writeInt64(&buf, ref.Node.PeerNum)
		writeInt64(&buf, ref.Node.Index)
		buf.WriteByte(byte(ref.Type))
	}

	xnames := sortedKeys(e.Xattrs)
	writeUint32(&buf, uint32(len(xnames)))
	for _, name := range xnames {
		writeString(&buf, name)
		writeBytes(&buf, e.Xattrs[name])
	}

	return buf.Bytes(), nil
}

// Decode parses bytes produced by Encode back into an Entry.
func Decode(data []byte) (*Entry, error) {
	r := bytes.NewReader(data)
	e := &Entry{}

	var err error
	if e.Clock, err = readInt64(r); err != nil {
		return nil, err
	}
	if e.VClock, err = readVClock(r); err != nil {
		return nil, err
	}
	if e.PeerNum, err = readInt64(r); err != nil {
		return nil, err
	}

	ft, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.FileType = FileType(ft)

	if e.Perm, err = readUint32(r); err != nil {
		return nil, err
	}
	if e.UID, err = readUint32(r); err != nil {
		return nil, err
	}
	if e.GID, err = readUint32(r); err != nil {
		return nil, err
	}
	if e.Flags, err = readUint32(r); err != nil {
		return nil, err
	}
	if e.Rdev, err = readUint32(r); err != nil {
		return nil, err
	}

	times := make([]time.Time, 6)
	for i := range times {
		nanos, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		times[i] = time.Unix(0, nanos).UTC()
	}
	e.Atime, e.Mtime, e.Ctime, e.Crtime, e.Chgtime, e.Bkuptime = times[0], times[1], times[2], times[3], times[4], times[5]

	if e.Size, err = readUint64(r); err != nil {
		return nil, err
	}

	nblocks, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	e.Blocks = make([]digest.Digest, nblocks)
	for i := range e.Blocks {
		if _, err := r.Read(e.Blocks[i][:]); err != nil {
			return nil, fmt.Errorf("reading block digest %d: %w", i, err)
		}
	}

	nchildren, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	e.Children = make(map[string]ChildRef, nchildren)
	for i := uint32(0); i < nchildren; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		peerNum, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		index, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		typ, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		e.Children[name] = ChildRef{Node: ID{PeerNum: peerNum, Index: index}, Type: FileType(typ)}
	}

	nxattrs, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	e.Xattrs = make(map[string][]byte, nxattrs)
	for i := uint32(0); i < nxattrs; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		val, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		e.Xattrs[name] = val
	}

	return e, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeVClock(buf *bytes.Buffer, c vectorclock.Clock) error {
	peers := c.Peers()
	writeUint32(buf, uint32(len(peers)))
	for _, p := range peers {
		writeInt64(buf, p)
		writeUint64(buf, c.Counter(p))
	}
	return nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readVClock(r *bytes.Reader) (vectorclock.Clock, error) {
	n, err := readUint32(r)
	if err != nil {
		return vectorclock.Clock{}, err
	}
	peers := make([]int64, n)
	counters := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		if peers[i], err = readInt64(r); err != nil {
			return vectorclock.Clock{}, err
		}
		if counters[i], err = readUint64(r); err != nil {
			return vectorclock.Clock{}, err
		}
	}
	return vectorclock.FromCounts(peers, counters), nil
}
