// Package atomicfile implements the repository's path-addressed writer: a
// scoped acquisition of a write target inside a repository directory, with
// commit semantics that guarantee a reader never observes a partially
// written file under the final name, even across a crash.
//
// It is distinct from filesystem.WriteFileAtomic, which is a convenience
// helper for small ambient files (configuration) that doesn't need the
// directory-fsync half of the crash-consistency contract this package
// provides for object and metadata writes.
package atomicfile

import (
	"fmt"

	"github.com/nb-backup/nb/internal/filesystem"
)

// temporaryName is the single scratch name used for every write scoped to
// a repository directory, matching the repository layout's <repo>/tmp-file
// entry. Only one write is ever in flight against a given directory at a
// time (the repository holds an exclusive lock for the command's
// lifetime), so a fixed name is sufficient and avoids leaving numbered
// litter behind on crash.
const temporaryName = "tmp-file"

// Writer is a write handle obtained by Create. Exactly one of Commit or
// Discard must be called to release the handle's resources.
type Writer struct {
	directory *filesystem.Directory
	name      string
	file      filesystem.WritableFile
	committed bool
}

// Create acquires a write target named temporaryName inside directory and
// returns a Writer ready to receive bytes via Write. The target is
// truncated if it already exists (left over from a previous crash): since
// the repository lock guarantees only one writer is ever active against a
// given directory, a fixed name needs no collision avoidance, and a
// killed-and-restarted process simply overwrites the stale scratch file.
func Create(directory *filesystem.Directory) (*Writer, error) {
	file, err := directory.CreateOrTruncateFile(temporaryName)
	if err != nil {
		return nil, fmt.Errorf("unable to create write target: %w", err)
	}
	return &Writer{
		directory: directory,
		name:      temporaryName,
		file:      file,
	}, nil
}

// Write appends bytes to the write target. It does not flush or fsync;
// durability is established only by Commit.
func (w *Writer) Write(data []byte) (int, error) {
	return w.file.Write(data)
}

// Commit flushes the write target to durable storage, renames it to
// finalName within the writer's directory, and fsyncs the directory so
// that the rename itself survives a crash. On any error the temporary
// file is left in place under its scratch name (it is not renamed to
// finalName) and the caller must treat the write as having failed; a
// subsequent Create against the same directory will reuse and overwrite
// it.
func (w *Writer) Commit(finalName string) error {
	if w.committed {
		return fmt.Errorf("writer already finalized")
	}
	w.committed = true

	syncer, ok := w.file.(interface{ Sync() error })
	if !ok {
		w.file.Close()
		return fmt.Errorf("write target does not support fsync")
	}
	if err := syncer.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("unable to flush write target: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("unable to close write target: %w", err)
	}
	if err := filesystem.Rename(w.directory, w.name, w.directory, finalName); err != nil {
		return fmt.Errorf("unable to rename write target into place: %w", err)
	}
	if err := w.directory.Sync(); err != nil {
		return fmt.Errorf("unable to fsync directory after rename: %w", err)
	}
	return nil
}

// Discard abandons the write, closing the temporary file without renaming
// it. It is safe to call after a failed Write, and a no-op after Commit
// has already finalized or failed the writer.
func (w *Writer) Discard() error {
	if w.committed {
		return nil
	}
	w.committed = true
	return w.file.Close()
}
