package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// metadataFromInfo converts a standard library os.FileInfo (as returned by
// os.Lstat/os.Stat) into a Metadata value, extracting the POSIX-specific
// fields from its underlying syscall.Stat_t.
func metadataFromInfo(name string, info os.FileInfo) (*Metadata, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("unable to extract raw filesystem information for %s", name)
	}
	return &Metadata{
		Name:             filepath.Base(name),
		Mode:             Mode(stat.Mode),
		Size:             uint64(stat.Size),
		ModificationTime: time.Unix(stat.Mtim.Unix()),
		DeviceID:         uint64(stat.Dev),
		FileID:           uint64(stat.Ino),
		UID:              stat.Uid,
		GID:              stat.Gid,
	}, nil
}

// Lstat queries metadata for path without following a symbolic link at the
// path's leaf component. This is the facade's primary existence/identity
// probe, used throughout the module in preference to Stat.
func Lstat(path string) (*Metadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	return metadataFromInfo(path, info)
}

// Stat queries metadata for path, following symbolic links.
func Stat(path string) (*Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return metadataFromInfo(path, info)
}

// ReadSymbolicLinkByPath reads the target of the symbolic link at path.
func ReadSymbolicLinkByPath(path string) (string, error) {
	return os.Readlink(path)
}

// ExistsByPath reports whether path exists, using lstat semantics.
func ExistsByPath(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MkdirByPath creates the directory at path with user-only permissions. It
// does not create intermediate directories.
func MkdirByPath(path string) error {
	return os.Mkdir(path, 0700)
}

// UtimeByPath sets the modification (and access) time of path. A symbolic
// link at the leaf component is followed (os.Chtimes semantics); use
// Directory.Utime to set the times of the link itself.
func UtimeByPath(path string, t time.Time) error {
	return os.Chtimes(path, t, t)
}
