package cgid

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestKey_MatchesDirectoryInode(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "rule-dir")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	want := Key(target)
	if want == 0 {
		t.Fatal("Key() returned 0 for a valid directory")
	}

	// Stat again independently and confirm the same inode surfaces.
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		t.Fatal("Stat() did not return a *syscall.Stat_t")
	}
	if uint64(want) != uint64(stat.Ino) {
		t.Errorf("Key() = %d, want directory inode %d", want, stat.Ino)
	}
	if got := Key(target); got != want {
		t.Errorf("Key() is not stable across calls: got %d, want %d", got, want)
	}
}

func TestKey_ZeroOnMissingPath(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist")

	if got := Key(missing); got != 0 {
		t.Errorf("Key(%q) = %d, want 0", missing, got)
	}
}

func TestKey_NonZeroAfterRecreate(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "rule-dir")

	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	first := Key(target)
	if first == 0 {
		t.Fatal("Key() returned 0 for a valid directory")
	}

	if err := os.Remove(target); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	// A recreated directory is not guaranteed a new inode number on every
	// filesystem, but Key must still reflect whatever inode currently
	// backs the path rather than anything cached.
	second := Key(target)
	if second == 0 {
		t.Fatal("Key() returned 0 for a valid recreated directory")
	}
}

func TestStable(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "rule-dir")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	key := Key(target)
	if !Stable(target, key) {
		t.Error("Stable() = false for an unchanged directory")
	}

	if err := os.Remove(target); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if Stable(target, key) {
		t.Error("Stable() = true after directory removal")
	}
}
