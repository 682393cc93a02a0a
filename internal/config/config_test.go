package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/lock"
	"github.com/forest6511/foilnotes/pkg/notevault"
)

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Keys.MinPasswordLength != 8 || cfg.Keys.DefaultSize != 256 {
		t.Errorf("defaults = %+v", cfg.Keys)
	}
	if got := cfg.KDFParams(); got != crypto.DefaultKDFParams() {
		t.Errorf("KDFParams() = %+v, want %+v", got, crypto.DefaultKDFParams())
	}
	if d, _ := cfg.AutoLock(); d != lock.DefaultAutoLock {
		t.Errorf("AutoLock() = %v, want %v", d, lock.DefaultAutoLock)
	}
	if cfg.Notes.Workers != notevault.DefaultWorkers || cfg.CipherVersion() != crypto.VersionAESGCM {
		t.Errorf("notes = %+v", cfg.Notes)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
version: 1
keys:
  min_password_length: 12
  size_options: [256]
  kdf: pbkdf2-sha256
notes:
  cipher: xchacha20-poly1305
  workers: 2
lock:
  auto_lock: 30s
  unlock_interval: 2s
  unlock_burst: 3
log:
  format: json
  level: debug
`, 0600)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Keys.MinPasswordLength != 12 || cfg.Keys.DefaultSize != 256 {
		t.Errorf("keys = %+v", cfg.Keys)
	}
	p := cfg.KDFParams()
	if p.Algorithm != crypto.KDFPBKDF2SHA256 || p.Iterations != crypto.PBKDF2Iterations || p.MemoryKiB != 0 {
		t.Errorf("KDFParams() = %+v, want pbkdf2 defaults", p)
	}

	ks := cfg.KeyStoreOptions(nil, nil)
	if ks.MinPasswordLength != 12 || len(ks.KeySizeOptions) != 1 {
		t.Errorf("KeyStoreOptions() = %+v", ks)
	}
	lo := cfg.LockOptions(nil, nil, nil)
	if lo.AutoLock != 30*time.Second || lo.UnlockInterval != 2*time.Second || lo.UnlockBurst != 3 {
		t.Errorf("LockOptions() = %+v", lo)
	}
	vo := cfg.VaultOptions(nil, nil)
	if vo.Workers != 2 || vo.CipherVersion != crypto.VersionXChaCha20 {
		t.Errorf("VaultOptions() = %+v", vo)
	}
}

func TestAutoLock(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", lock.DefaultAutoLock, false},
		{"0", 0, false},
		{"90s", 90 * time.Second, false},
		{"off", lock.AutoLockDisabled, false},
		{"never", lock.AutoLockDisabled, false},
		{"-5m", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Lock.AutoLock = tt.in
		got, err := cfg.AutoLock()
		if (err != nil) != tt.wantErr {
			t.Errorf("AutoLock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("AutoLock(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if d, err := ParseAutoLock(tt.in); (err != nil) != tt.wantErr || d != got {
			t.Errorf("ParseAutoLock(%q) = %v, %v, want %v", tt.in, d, err, got)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unsupported version", "version: 2"},
		{"unknown field", "colour: blue"},
		{"bad key size", "keys:\n  size_options: [192]"},
		{"default size not offered", "keys:\n  size_options: [128]\n  default_size: 256"},
		{"unknown kdf", "keys:\n  kdf: scrypt"},
		{"argon2 too cheap", "keys:\n  kdf_memory_kib: 1"},
		{"unknown cipher", "notes:\n  cipher: rot13"},
		{"xchacha with 128-bit keys", "notes:\n  cipher: xchacha20-poly1305"},
		{"negative workers", "notes:\n  workers: -1"},
		{"bad auto lock", "lock:\n  auto_lock: later"},
		{"negative burst", "lock:\n  unlock_burst: -1"},
		{"not yaml", "keys: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.content)); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.content)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse(empty) error = %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", cfg.Version, CurrentVersion)
	}
}

func TestLoadInsecure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}
	dir := t.TempDir()
	writeConfig(t, dir, "version: 1\n", 0644)
	if _, err := Load(dir); !errors.Is(err, ErrInsecure) {
		t.Errorf("Load(0644) error = %v, want %v", err, ErrInsecure)
	}
}

func TestLoadSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on Windows")
	}
	dir := t.TempDir()
	target := filepath.Join(t.TempDir(), "real.yaml")
	if err := os.WriteFile(target, []byte("version: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(dir, FileName)); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); !errors.Is(err, ErrSymlink) {
		t.Errorf("Load(symlink) error = %v, want %v", err, ErrSymlink)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Lock.AutoLock = "off"
	cfg.Lock.UnlockInterval = 3 * time.Second
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if d, _ := got.AutoLock(); d != lock.AutoLockDisabled || got.Lock.UnlockInterval != 3*time.Second {
		t.Errorf("round trip lock = %+v", got.Lock)
	}
}

func TestDirFromEnv(t *testing.T) {
	t.Setenv(EnvDir, "/tmp/foilnotes-test")
	dir, err := Dir()
	if err != nil || dir != "/tmp/foilnotes-test" {
		t.Errorf("Dir() = %q, %v", dir, err)
	}
}

func TestPasswordFromEnv(t *testing.T) {
	t.Setenv(EnvPassword, "correct-horse")
	pw, err := PasswordFromEnv()
	if err != nil || string(pw) != "correct-horse" {
		t.Fatalf("PasswordFromEnv() = %q, %v", pw, err)
	}
	if _, ok := os.LookupEnv(EnvPassword); ok {
		t.Error("PasswordFromEnv() did not clear the variable")
	}
	if _, err := PasswordFromEnv(); !errors.Is(err, ErrNoPassword) {
		t.Errorf("second PasswordFromEnv() error = %v, want %v", err, ErrNoPassword)
	}
}
