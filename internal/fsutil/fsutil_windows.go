//go:build windows

package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// openNoFollow opens path on Windows. Windows has no O_NOFOLLOW, so
// symlinks are detected with Lstat first.
func openNoFollow(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymlink, path)
	}
	return os.Open(path)
}

// checkOwner is a no-op on Windows, which uses ACLs instead of uids.
func checkOwner(os.FileInfo) error {
	return nil
}

// AvailableBytes returns the space available to the caller at path.
func AvailableBytes(path string) (uint64, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Dir(path)
	}
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("fsutil: failed to convert path: %w", err)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return 0, fmt.Errorf("fsutil: failed to get disk stats: %w", err)
	}
	return freeBytesAvailable, nil
}
