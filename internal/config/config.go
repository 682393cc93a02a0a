// Package config loads foilnotes settings from config.yaml in the data
// directory. Every field is optional; missing values take the package
// defaults of keystore, lock and notevault.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/foilnotes/internal/fsutil"
	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/keystore"
	"github.com/forest6511/foilnotes/pkg/lock"
	"github.com/forest6511/foilnotes/pkg/notevault"
)

// FileName is the name of the config file inside the data directory.
const FileName = "config.yaml"

// CurrentVersion is the only supported config schema version.
const CurrentVersion = 1

// Environment variables
const (
	EnvDir      = "FOILNOTES_DIR"
	EnvPassword = "FOILNOTES_PASSWORD"
)

// maxConfigSize bounds how much of the file is read.
const maxConfigSize = 1 << 20

// Errors
var (
	ErrInsecure   = errors.New("config: file has insecure permissions")
	ErrSymlink    = errors.New("config: file is a symlink")
	ErrNotOwned   = errors.New("config: file not owned by current user")
	ErrInvalid    = errors.New("config: invalid value")
	ErrNoPassword = errors.New("config: no password provided: set " + EnvPassword)
)

// Config is the on-disk configuration.
type Config struct {
	Version int `yaml:"version"`

	Keys  KeysConfig  `yaml:"keys"`
	Notes NotesConfig `yaml:"notes"`
	Lock  LockConfig  `yaml:"lock"`
	Log   LogConfig   `yaml:"log"`
	Audit AuditConfig `yaml:"audit"`
}

// KeysConfig controls key generation and derivation.
type KeysConfig struct {
	MinPasswordLength int    `yaml:"min_password_length"`
	SizeOptions       []int  `yaml:"size_options"`
	DefaultSize       int    `yaml:"default_size"`
	KDF               string `yaml:"kdf"`
	KDFIterations     uint32 `yaml:"kdf_iterations"`
	KDFMemoryKiB      uint32 `yaml:"kdf_memory_kib"`
	KDFThreads        uint8  `yaml:"kdf_threads"`
	// File, when set, is a shared key record used instead of the one in
	// the database, so sibling apps unlock with the same password.
	File string `yaml:"file"`
}

// NotesConfig controls note encryption.
type NotesConfig struct {
	Cipher  string `yaml:"cipher"`
	Workers int    `yaml:"workers"`
}

// LockConfig controls the lock controller. AutoLock is a duration such as
// "5m", "0" to lock as soon as the UI is backgrounded, or "off".
type LockConfig struct {
	AutoLock       string        `yaml:"auto_lock"`
	UnlockInterval time.Duration `yaml:"unlock_interval"`
	UnlockBurst    int           `yaml:"unlock_burst"`
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Disabled bool `yaml:"disabled"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills every zero field. KDF cost defaults follow the
// chosen algorithm.
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = CurrentVersion
	}
	k := &c.Keys
	if k.MinPasswordLength == 0 {
		k.MinPasswordLength = keystore.DefaultMinPasswordLength
	}
	if len(k.SizeOptions) == 0 {
		k.SizeOptions = slices.Clone(keystore.DefaultKeySizes)
	}
	if k.DefaultSize == 0 {
		k.DefaultSize = slices.Max(k.SizeOptions)
	}
	if k.KDF == "" {
		k.KDF = crypto.KDFArgon2id
	}
	switch k.KDF {
	case crypto.KDFArgon2id:
		if k.KDFIterations == 0 {
			k.KDFIterations = crypto.Argon2Time
		}
		if k.KDFMemoryKiB == 0 {
			k.KDFMemoryKiB = crypto.Argon2Memory
		}
		if k.KDFThreads == 0 {
			k.KDFThreads = crypto.Argon2Threads
		}
	case crypto.KDFPBKDF2SHA256:
		if k.KDFIterations == 0 {
			k.KDFIterations = crypto.PBKDF2Iterations
		}
	}

	if c.Notes.Cipher == "" {
		c.Notes.Cipher = crypto.VersionAESGCM.String()
	}
	if c.Notes.Workers == 0 {
		c.Notes.Workers = notevault.DefaultWorkers
	}
	if c.Lock.AutoLock == "" {
		c.Lock.AutoLock = lock.DefaultAutoLock.String()
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}
}

// Dir returns the data directory: $FOILNOTES_DIR or ~/.foilnotes.
func Dir() (string, error) {
	if dir := os.Getenv(EnvDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".foilnotes"), nil
}

// Load reads dir/config.yaml. A missing file yields Default(). The file
// must not be a symlink, must be owned by the current user and must not be
// readable by group or others.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)

	f, err := fsutil.OpenPrivate(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Default(), nil
	case errors.Is(err, fsutil.ErrSymlink):
		return nil, fmt.Errorf("%w: %s", ErrSymlink, path)
	case errors.Is(err, fsutil.ErrInsecure):
		return nil, fmt.Errorf("%w: %v", ErrInsecure, err)
	case errors.Is(err, fsutil.ErrNotOwned):
		return nil, fmt.Errorf("%w: %s", ErrNotOwned, path)
	case err != nil:
		return nil, fmt.Errorf("config: failed to open %s: %w", path, err)
	}
	defer f.Close()

	return Parse(io.LimitReader(f, maxConfigSize))
}

// Parse decodes and validates a config document. Unknown keys are errors.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to dir/config.yaml with owner-only permissions.
func Save(dir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0600); err != nil {
		return fmt.Errorf("config: failed to write: %w", err)
	}
	return nil
}

// Validate checks ranges and names.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported config version: %d", ErrInvalid, c.Version)
	}
	if c.Keys.MinPasswordLength < 1 {
		return fmt.Errorf("%w: keys.min_password_length must be positive", ErrInvalid)
	}
	if len(c.Keys.SizeOptions) == 0 {
		return fmt.Errorf("%w: keys.size_options is empty", ErrInvalid)
	}
	for _, bits := range c.Keys.SizeOptions {
		if bits != 128 && bits != 256 {
			return fmt.Errorf("%w: keys.size_options: %d bits (must be 128 or 256)", ErrInvalid, bits)
		}
	}
	if !slices.Contains(c.Keys.SizeOptions, c.Keys.DefaultSize) {
		return fmt.Errorf("%w: keys.default_size %d is not in size_options", ErrInvalid, c.Keys.DefaultSize)
	}
	if err := c.KDFParams().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	v, err := crypto.ParseVersion(c.Notes.Cipher)
	if err != nil {
		return fmt.Errorf("%w: notes.cipher: %v", ErrInvalid, err)
	}
	if v == crypto.VersionXChaCha20 && slices.Contains(c.Keys.SizeOptions, 128) {
		return fmt.Errorf("%w: %s requires 256-bit keys only", ErrInvalid, v)
	}
	if c.Notes.Workers < 1 {
		return fmt.Errorf("%w: notes.workers must be positive", ErrInvalid)
	}
	if _, err := c.AutoLock(); err != nil {
		return err
	}
	if c.Lock.UnlockInterval < 0 || c.Lock.UnlockBurst < 0 {
		return fmt.Errorf("%w: lock.unlock_interval and lock.unlock_burst must not be negative", ErrInvalid)
	}
	return nil
}

// AutoLock parses Lock.AutoLock.
func (c *Config) AutoLock() (time.Duration, error) {
	d, err := ParseAutoLock(c.Lock.AutoLock)
	if err != nil {
		return 0, fmt.Errorf("%w: lock.auto_lock %q", ErrInvalid, c.Lock.AutoLock)
	}
	return d, nil
}

// ParseAutoLock parses an idle timeout: a duration, "0", or "off".
// An empty string is the default timeout.
func ParseAutoLock(s string) (time.Duration, error) {
	switch s = strings.TrimSpace(s); s {
	case "":
		return lock.DefaultAutoLock, nil
	case "off", "never":
		return lock.AutoLockDisabled, nil
	case "0":
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative auto-lock %s", s)
	}
	return d, nil
}

// KDFParams returns the configured derivation parameters.
func (c *Config) KDFParams() crypto.KDFParams {
	p := crypto.KDFParams{
		Algorithm:  c.Keys.KDF,
		Iterations: c.Keys.KDFIterations,
	}
	if p.Algorithm == crypto.KDFArgon2id {
		p.MemoryKiB = c.Keys.KDFMemoryKiB
		p.Threads = c.Keys.KDFThreads
	}
	return p
}

// CipherVersion returns the payload version for new ciphertext.
func (c *Config) CipherVersion() crypto.Version {
	v, err := crypto.ParseVersion(c.Notes.Cipher)
	if err != nil {
		return crypto.VersionAESGCM
	}
	return v
}

// KeyStoreOptions maps the config onto keystore.Options.
func (c *Config) KeyStoreOptions(logger *slog.Logger, obs keystore.Observer) keystore.Options {
	return keystore.Options{
		MinPasswordLength: c.Keys.MinPasswordLength,
		KeySizeOptions:    slices.Clone(c.Keys.SizeOptions),
		KDF:               c.KDFParams(),
		Logger:            logger,
		Observer:          obs,
	}
}

// LockOptions maps the config onto lock.Options.
func (c *Config) LockOptions(logger *slog.Logger, obs lock.Observer, auditor lock.Auditor) lock.Options {
	autoLock, err := c.AutoLock()
	if err != nil {
		autoLock = lock.DefaultAutoLock
	}
	return lock.Options{
		AutoLock:       autoLock,
		UnlockInterval: c.Lock.UnlockInterval,
		UnlockBurst:    c.Lock.UnlockBurst,
		Logger:         logger,
		Observer:       obs,
		Auditor:        auditor,
	}
}

// VaultOptions maps the config onto notevault.Options.
func (c *Config) VaultOptions(logger *slog.Logger, obs notevault.Observer) notevault.Options {
	return notevault.Options{
		Workers:       c.Notes.Workers,
		CipherVersion: c.CipherVersion(),
		Observer:      obs,
		Logger:        logger,
	}
}

// PasswordFromEnv reads and clears FOILNOTES_PASSWORD.
func PasswordFromEnv() ([]byte, error) {
	password := os.Getenv(EnvPassword)
	// Clear the environment variable after reading
	os.Unsetenv(EnvPassword)
	if password == "" {
		return nil, ErrNoPassword
	}
	return []byte(password), nil
}
