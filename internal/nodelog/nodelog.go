// Package nodelog implements the append-only per-peer inode log: a flat
// file of base64-encoded, newline-delimited entries recording every
// (node id, metadata digest) update a peer has made, replicated to other
// peers via transport and consumed incrementally from a saved byte
// offset so a crashed or restarted consumer resumes without re-reading
// entries it already applied.
//
// This generalizes the reference implementation's node_entries file
// (see backingstore/blobstorage.rs's do_uploads_nodes), which encodes
// bincode-serialized entries as hex; nodelog uses gob and base64 instead,
// matching the rest of this module's wire encoding, but keeps the same
// one-entry-per-line, append-only shape.
package nodelog

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/syncfs/syncfs/internal/digest"
)

// Entry is one record in a peer's inode log: node n's metadata digest was
// set to Hash, recording Clock alongside it so a reader can reason about
// ordering without fetching and decoding the blob it names.
type Entry struct {
	Node  uint64
	Hash  digest.Digest
	Clock int64
}

func encodeEntry(e Entry) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeEntry(line string) (Entry, error) {
	var e Entry
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return e, fmt.Errorf("decoding node log line: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return e, fmt.Errorf("decoding node log entry: %w", err)
	}
	return e, nil
}

// Writer appends entries to a single peer's local log file.
type Writer struct {
	path string
}

// NewWriter returns a Writer for the log file at path. The file is opened
// (and created if necessary) by each Append call, not here.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Append writes entries to the log file, fsyncing once after all of them
// land so a crash doesn't leave a half-written final line.
func (w *Writer) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening node log: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, e := range entries {
		line, err := encodeEntry(e)
		if err != nil {
			return fmt.Errorf("encoding node log entry: %w", err)
		}
		if _, err := bw.WriteString(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing node log: %w", err)
	}
	return f.Sync()
}

// Cursor tracks how much of a remote peer's log has already been applied,
// as a byte offset into the file — not a line count, so resuming doesn't
// require re-scanning from the start.
type Cursor struct {
	Offset int64
}

// Reader streams unread entries from a peer's replicated log file,
// starting at cur.Offset.
type Reader struct {
	path string
}

// NewReader returns a Reader for the log file at path. The file is opened
// by each ReadNew call, not here.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// ReadNew returns every complete entry appended after cur.Offset, and the
// cursor advanced past them. A trailing partial line (the remote was
// still writing it when this peer synced the file) is left unread and
// will be picked up on the next call once it's complete.
func (r *Reader) ReadNew(cur Cursor) ([]Entry, Cursor, error) {
	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil, cur, nil
	}
	if err != nil {
		return nil, cur, fmt.Errorf("opening replicated node log: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(cur.Offset, 0); err != nil {
		return nil, cur, fmt.Errorf("seeking node log: %w", err)
	}

	var entries []Entry
	offset := cur.Offset
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			offset += 1
			continue
		}
		e, err := decodeEntry(line)
		if err != nil {
			// A partial trailing line decodes successfully as base64 garbage
			// far more often than it parses as a valid entry; treat any
			// decode failure on the last readable line as "not yet complete"
			// and stop without advancing past it.
			break
		}
		entries = append(entries, e)
		offset += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, cur, fmt.Errorf("scanning node log: %w", err)
	}

	return entries, Cursor{Offset: offset}, nil
}
