// Package transport moves blobs and inode log segments to and from the
// remote peer. It shells out to rsync rather than speaking the rsync wire
// protocol directly, the same tradeoff the reference implementation made:
// rsync already handles resumable, idempotent, whole-file transfer over
// SSH, and reimplementing that is not worth the complexity it would add
// here.
package transport

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/syncfs/syncfs/internal/digest"
	"github.com/syncfs/syncfs/internal/logger"
)

// retries bounds how many times a transfer is attempted before giving up.
// rsync exits nonzero on a transient network blip as readily as on a real
// failure, so a bare single attempt is too fragile for a background sync
// daemon.
const retries = 10

// Transport pushes and pulls blobs between a local blob directory and a
// remote rsync target (user@host:/path or any other rsync destination
// spec).
type Transport struct {
	localDir string
	remote   string
}

// New returns a Transport rooted at localDir, talking to remote.
func New(localDir, remote string) *Transport {
	return &Transport{localDir: localDir, remote: remote}
}

// LocalPath returns where d's blob lives (or would live) on local disk.
// Blobs are stored flat, with no directory fanout: on modern filesystems a
// lookup in a large flat directory costs no more than one with fanout, and
// fanout directories themselves consume non-trivial space.
func (t *Transport) LocalPath(d digest.Digest) string {
	return filepath.Join(t.localDir, d.String())
}

func (t *Transport) remotePath(d digest.Digest) string {
	return t.remote + "/" + d.String()
}

// command builds an rsync invocation with the flags the original tool
// relies on: --whole-file instead of the default delta-transfer algorithm,
// because concurrent readahead against the same file produces short reads
// under delta mode.
func command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"--quiet", "--timeout=5", "--whole-file"}, args...)
	return exec.CommandContext(ctx, "rsync", full...)
}

func runWithRetries(ctx context.Context, args ...string) error {
	var lastErr error
	for i := 0; i < retries; i++ {
		cmd := command(ctx, args...)
		if err := cmd.Run(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("rsync failed after %d attempts: %w", retries, lastErr)
}

// Fetch pulls d's blob from the remote into the local blob directory.
func (t *Transport) Fetch(ctx context.Context, d digest.Digest) error {
	if err := runWithRetries(ctx, t.remotePath(d), t.localDir+"/"); err != nil {
		logger.Errorf("fetch %s: %v", d, err)
		return err
	}
	return nil
}

// Readahead speculatively pulls a batch of blobs the caller expects to
// need soon, best-effort: a readahead failure is logged but never returned
// to the caller, since the blocks it prefetches are optional.
func (t *Transport) Readahead(ctx context.Context, digests []digest.Digest) {
	for _, d := range digests {
		if d.IsZero() {
			continue
		}
		if err := t.Fetch(ctx, d); err != nil {
			logger.Debugf("readahead fetch %s failed (non-fatal): %v", d, err)
		}
	}
}

// Upload pushes the given digests' local blobs to the remote in a single
// rsync invocation.
func (t *Transport) Upload(ctx context.Context, digests []digest.Digest) error {
	if len(digests) == 0 {
		return nil
	}
	args := make([]string, 0, len(digests)+1)
	for _, d := range digests {
		args = append(args, t.LocalPath(d))
	}
	args = append(args, t.remote)
	if err := runWithRetries(ctx, args...); err != nil {
		logger.Errorf("upload %d blobs: %v", len(digests), err)
		return err
	}
	return nil
}

// Send pushes an arbitrary local file (the inode log segment) to the
// remote, preserving its name.
func (t *Transport) Send(ctx context.Context, localPath string) error {
	if err := runWithRetries(ctx, localPath, t.remote); err != nil {
		logger.Errorf("send %s: %v", localPath, err)
		return err
	}
	return nil
}

// PullAll mirrors every file in the remote directory into localDir with a
// single rsync invocation — how do_downloads_nodes pulls every peer's
// inode log file in one pass rather than fetching each by name.
func (t *Transport) PullAll(ctx context.Context, localDir string) error {
	if err := runWithRetries(ctx, t.remote+"/", localDir+"/"); err != nil {
		logger.Errorf("pull all from %s: %v", t.remote, err)
		return err
	}
	return nil
}
