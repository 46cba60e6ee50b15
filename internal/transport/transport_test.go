package transport

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/syncfs/syncfs/internal/digest"
)

// fakeRsync installs a shell script named "rsync" on PATH that copies its
// final two arguments (rsync's convention of src... dst) so tests can
// exercise Transport without a real remote.
func fakeRsync(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake rsync script requires a POSIX shell")
	}
	dir := t.TempDir()
	script := `#!/bin/bash
args=("$@")
n=${#args[@]}
dst="${args[$((n-1))]}"
src="${args[$((n-2))]}"
if [[ -d "$src" && "$src" == */ ]]; then
  cp -a "$src." "$dst"
else
  cp -a "$src" "$dst"
fi
`
	path := filepath.Join(dir, "rsync")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake rsync: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestFetchCopiesRemoteBlobLocally(t *testing.T) {
	fakeRsync(t)

	remoteDir := t.TempDir()
	localDir := t.TempDir()

	d := digest.Of([]byte("hello"))
	if err := os.WriteFile(filepath.Join(remoteDir, d.String()), []byte("hello"), 0o644); err != nil {
		t.Fatalf("seeding remote blob: %v", err)
	}

	tr := New(localDir, remoteDir)
	if err := tr.Fetch(context.Background(), d); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	data, err := os.ReadFile(tr.LocalPath(d))
	if err != nil {
		t.Fatalf("reading fetched blob: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("fetched blob contents = %q, want %q", data, "hello")
	}
}

func TestUploadSkipsEmptyDigestList(t *testing.T) {
	tr := New(t.TempDir(), t.TempDir())
	if err := tr.Upload(context.Background(), nil); err != nil {
		t.Errorf("Upload(nil) = %v, want nil", err)
	}
}

func TestPullAllMirrorsEveryRemoteFile(t *testing.T) {
	fakeRsync(t)

	remoteDir := t.TempDir()
	localDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(remoteDir, "peerone"), []byte("log a"), 0o644); err != nil {
		t.Fatalf("seeding remote file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(remoteDir, "peertwo"), []byte("log b"), 0o644); err != nil {
		t.Fatalf("seeding remote file: %v", err)
	}

	tr := New(localDir, remoteDir)
	if err := tr.PullAll(context.Background(), localDir); err != nil {
		t.Fatalf("PullAll: %v", err)
	}

	for name, want := range map[string]string{"peerone": "log a", "peertwo": "log b"} {
		data, err := os.ReadFile(filepath.Join(localDir, name))
		if err != nil {
			t.Fatalf("reading mirrored %s: %v", name, err)
		}
		if string(data) != want {
			t.Errorf("mirrored %s = %q, want %q", name, data, want)
		}
	}
}

func TestLocalPathIsFlatNoFanout(t *testing.T) {
	tr := New("/blobs", "remote:/blobs")
	d := digest.Of([]byte("x"))
	want := filepath.Join("/blobs", d.String())
	if got := tr.LocalPath(d); got != want {
		t.Errorf("LocalPath = %q, want %q", got, want)
	}
}
