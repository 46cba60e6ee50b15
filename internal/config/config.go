// Package config defines the on-disk repository configuration — the TOML
// file written by "syncfs init" and read by every other subcommand — along
// with the tunable constants governing block size, read-ahead, and batch
// sizes for uploads, node pushes and deletions.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Severity levels, matching the names used throughout the ambient logging
// stack. OFF disables logging entirely.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// Tunable constants governing the sync engine. BLKSIZE, HASHSIZE and
// FORMATVERSION changes make the on-disk format incompatible with earlier
// repositories; the others can be changed freely between runs.
const (
	// BlockSize is the size in bytes of a fixed-size block; every file is
	// split into blocks of this size except possibly the last.
	BlockSize = 1_000_000

	// HashSize is the length in bytes of a content digest (see package
	// digest).
	HashSize = 20

	// ReadAhead is how many blocks beyond the one requested are
	// speculatively prefetched from the remote on a cache miss.
	ReadAhead = 3

	// UploadBatch is how many dirty blobs are pushed to the remote per
	// scheduler pass.
	UploadBatch = 4

	// UploadNodesBatch is how many dirty inode log entries are pushed to
	// the remote per scheduler pass.
	UploadNodesBatch = 10

	// DeleteBatch is how many evictable blobs are removed from local
	// storage per eviction pass.
	DeleteBatch = 100

	// KeepUpToSize is the blob size below which eviction skips a blob
	// even if it is otherwise a candidate, since the space reclaimed
	// would not be worth the re-fetch cost.
	KeepUpToSize = 65_536

	// FormatVersion is the on-disk repository format version this binary
	// writes and expects to read.
	FormatVersion = 5

	// ReadaheadWorkers bounds how many readahead prefetches run
	// concurrently in the background: one priority-lane worker plus
	// ReadAhead normal-lane workers. Readahead is only ever scheduled on
	// the normal lane, which the priority worker also drains when its own
	// lane is empty.
	ReadaheadWorkers = ReadAhead + 1
)

// LoggingConfig controls where and how severely the logger writes.
type LoggingConfig struct {
	Severity string `toml:"severity"`
	Format   string `toml:"format"` // "text" or "json"
	FilePath string `toml:"file_path,omitempty"`
}

// MetricsConfig controls the optional Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr,omitempty"`
}

// Repository is the persisted contents of the repository's TOML config
// file (named "config").
type Repository struct {
	FormatVersion uint64 `toml:"formatversion"`
	Server        string `toml:"server"`
	MaxBytes      uint64 `toml:"maxbytes"`
	PeerID        string `toml:"peerid"`

	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// New builds a fresh Repository config for a newly initialized local
// replica: a random 8-byte peer id encoded as 16 hex characters, the
// current FormatVersion, and sensible logging defaults.
func New(server string, maxBytes uint64) (*Repository, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generating peer id: %w", err)
	}
	return &Repository{
		FormatVersion: FormatVersion,
		Server:        server,
		MaxBytes:      maxBytes,
		PeerID:        hex.EncodeToString(buf[:]),
		Logging: LoggingConfig{
			Severity: INFO,
			Format:   "text",
		},
	}, nil
}

// Load reads and parses a repository config file, validating the peer id.
func Load(path string) (*Repository, error) {
	var r Repository
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return nil, fmt.Errorf("couldn't parse config file: %w", err)
	}
	if err := r.validatePeerID(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Save serializes r as TOML to path, creating or truncating the file.
func (r *Repository) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("couldn't open config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(r); err != nil {
		return fmt.Errorf("couldn't write config file: %w", err)
	}
	return nil
}

func (r *Repository) validatePeerID() error {
	if len(r.PeerID) != 16 {
		return fmt.Errorf("invalid peer id: %q", r.PeerID)
	}
	if _, err := hex.DecodeString(r.PeerID); err != nil {
		return fmt.Errorf("invalid peer id: %q", r.PeerID)
	}
	return nil
}

// ConvertPeerID reinterprets a hex-encoded peer id as a big-endian integer,
// the stable numeric peer identity used as vector clock keys and catalog
// peer numbers. Inode log files are named by the hex peer id itself.
func ConvertPeerID(peerID string) (int64, error) {
	vals, err := hex.DecodeString(peerID)
	if err != nil {
		return 0, fmt.Errorf("invalid peer id: %q", peerID)
	}
	var val uint64
	for _, v := range vals {
		val <<= 8
		val |= uint64(v)
	}
	return int64(val), nil
}

// PeerNum returns r's numeric peer identity, per ConvertPeerID. It panics
// if PeerID was not already validated by Load or New; callers that build a
// Repository by hand should validate first.
func (r *Repository) PeerNum() int64 {
	n, err := ConvertPeerID(r.PeerID)
	if err != nil {
		panic(err)
	}
	return n
}
