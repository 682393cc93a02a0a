package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestOpenPrivate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "private")
	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	f, err := OpenPrivate(path)
	if err != nil {
		t.Fatalf("OpenPrivate() error = %v", err)
	}
	f.Close()

	if _, err := OpenPrivate(filepath.Join(dir, "missing")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("OpenPrivate(missing) error = %v, want fs.ErrNotExist", err)
	}
}

func TestOpenPrivateRejects(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}
	dir := t.TempDir()

	wide := filepath.Join(dir, "wide")
	if err := os.WriteFile(wide, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(wide, 0640); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenPrivate(wide); !errors.Is(err, ErrInsecure) {
		t.Errorf("OpenPrivate(0640) error = %v, want %v", err, ErrInsecure)
	}

	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenPrivate(link); !errors.Is(err, ErrSymlink) {
		t.Errorf("OpenPrivate(symlink) error = %v, want %v", err, ErrSymlink)
	}
}

func TestRequireSpace(t *testing.T) {
	dir := t.TempDir()
	if _, err := AvailableBytes(dir); err != nil {
		t.Fatalf("AvailableBytes() error = %v", err)
	}
	if err := RequireSpace(dir, 1); err != nil {
		t.Errorf("RequireSpace(1) error = %v", err)
	}
	if err := RequireSpace(dir, ^uint64(0)); !errors.Is(err, ErrInsufficient) {
		t.Errorf("RequireSpace(max) error = %v, want %v", err, ErrInsufficient)
	}
}
