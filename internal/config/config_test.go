package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPeerNumRoundTrips(t *testing.T) {
	// hex.EncodeToString([]byte{1,1,1,1}) == "01010101"
	got, err := ConvertPeerID("01010101")
	if err != nil {
		t.Fatalf("ConvertPeerID: %v", err)
	}
	if got != 16843009 {
		t.Errorf("ConvertPeerID(01010101) = %d, want 16843009", got)
	}
}

func TestConvertPeerIDRejectsInvalidHex(t *testing.T) {
	if _, err := ConvertPeerID("not-hex!"); err == nil {
		t.Errorf("expected error for non-hex peer id")
	}
}

func TestNewGeneratesValidPeerID(t *testing.T) {
	r, err := New("peer.example.com:/repo", 1<<30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.validatePeerID(); err != nil {
		t.Errorf("New produced invalid peer id %q: %v", r.PeerID, err)
	}
	if r.FormatVersion != FormatVersion {
		t.Errorf("FormatVersion = %d, want %d", r.FormatVersion, FormatVersion)
	}
}

func TestSaveLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	r, err := New("peer.example.com:/repo", 42)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Metrics.Enabled = true
	r.Metrics.Addr = ":9090"

	if err := r.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Server != r.Server || loaded.MaxBytes != r.MaxBytes || loaded.PeerID != r.PeerID {
		t.Errorf("round-tripped config mismatch: got %+v, want %+v", loaded, r)
	}
	if loaded.Metrics.Addr != ":9090" || !loaded.Metrics.Enabled {
		t.Errorf("metrics config lost on round trip: %+v", loaded.Metrics)
	}
}

func TestLoadRejectsBadPeerID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "formatversion = 5\nserver = \"x\"\nmaxbytes = 1\npeerid = \"short\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Errorf("expected Load to reject an invalid peer id")
	}
}
