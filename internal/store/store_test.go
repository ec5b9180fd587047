package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAddImageOrderAndSetSemantics(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.AddImage("alpine:latest")
	s.AddImage("ubuntu:22.04")
	got := s.AddImage("alpine:latest") // re-add moves to front, no duplicate

	want := []string{"alpine:latest", "ubuntu:22.04"}
	if len(got) != len(want) {
		t.Fatalf("expected %d images, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("images[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRemoveImage(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.AddImage("alpine:latest")
	s.AddImage("busybox:stable")

	got := s.RemoveImage("alpine:latest")
	if len(got) != 1 || got[0] != "busybox:stable" {
		t.Fatalf("expected [busybox:stable], got %v", got)
	}

	// Removing an absent image is a no-op.
	got = s.RemoveImage("alpine:latest")
	if len(got) != 1 {
		t.Fatalf("expected 1 image after second remove, got %v", got)
	}
}

func TestImagesPersistAcrossReload(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.AddImage("alpine:latest")
	s.AddImage("ubuntu:22.04")

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := s2.Images()
	if len(got) != 2 || got[0] != "ubuntu:22.04" {
		t.Fatalf("reloaded images = %v", got)
	}
}

func TestSSHParamsRoundTripAndReload(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.SaveSSHParams("sess-1", SavedParams{
		Host:     "example.com",
		Port:     22,
		Username: "alice",
		Password: "secret",
	})

	p, ok := s.SSHParams("sess-1")
	if !ok {
		t.Fatal("expected saved params")
	}
	if p.Host != "example.com" || p.Username != "alice" || p.Password != "secret" {
		t.Fatalf("unexpected params: %+v", p)
	}
	if p.SavedAt.IsZero() {
		t.Error("SavedAt not stamped")
	}

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := s2.SSHParams("sess-1"); !ok {
		t.Error("params not persisted across reload")
	}
	if _, ok := s2.SSHParams("sess-2"); ok {
		t.Error("unexpected params for unknown session")
	}
}

func TestEvictAged(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.SaveSSHParams("old", SavedParams{Host: "a"})
	s.SaveSSHParams("new", SavedParams{Host: "b"})

	// Backdate the first entry past the eviction cutoff.
	s.mu.Lock()
	p := s.params["old"]
	p.SavedAt = time.Now().Add(-8 * 24 * time.Hour)
	s.params["old"] = p
	s.mu.Unlock()

	if n := s.EvictAged(7 * 24 * time.Hour); n != 1 {
		t.Fatalf("EvictAged = %d, want 1", n)
	}
	if _, ok := s.SSHParams("old"); ok {
		t.Error("aged entry survived eviction")
	}
	if _, ok := s.SSHParams("new"); !ok {
		t.Error("fresh entry was evicted")
	}
}

func TestMalformedFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, imagesFile), []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Images(); len(got) != 0 {
		t.Fatalf("expected empty images, got %v", got)
	}
}
