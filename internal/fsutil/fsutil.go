// Package fsutil holds the file-system checks shared by the store, the
// audit log and the config loader.
package fsutil

import (
	"errors"
	"fmt"
	"os"
)

// Errors
var (
	ErrSymlink     = errors.New("fsutil: file is a symlink")
	ErrInsecure    = errors.New("fsutil: file has insecure permissions")
	ErrNotOwned    = errors.New("fsutil: file not owned by current user")
	ErrInsufficient = errors.New("fsutil: insufficient disk space")
)

// OpenPrivate opens path for reading without following symlinks and
// verifies, on the opened descriptor, that it is owned by the current user
// and not accessible to group or others. Missing files return an error
// satisfying errors.Is(err, fs.ErrNotExist).
func OpenPrivate(path string) (*os.File, error) {
	// 1. Open with O_NOFOLLOW to reject symlinks
	f, err := openNoFollow(path)
	if err != nil {
		return nil, err
	}

	// 2. Use fstat on the opened file descriptor to avoid TOCTOU
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fsutil: failed to stat %s: %w", path, err)
	}

	// 3. Check permissions (no group/other bits)
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %04o (expected 0600)", ErrInsecure, path, perm)
	}

	// 4. Check ownership
	if err := checkOwner(info); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// RequireSpace fails when fewer than need bytes are available at dir.
// Errors reading disk stats are ignored.
func RequireSpace(dir string, need uint64) error {
	available, err := AvailableBytes(dir)
	if err != nil {
		return nil
	}
	if available < need {
		return fmt.Errorf("%w: only %d bytes available, need at least %d", ErrInsufficient, available, need)
	}
	return nil
}
