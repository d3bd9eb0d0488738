// Package hashing computes the fixed-width content digest used to identify
// regular file content throughout the repository. The module uses a single
// algorithm (unlike the synchronization engine this module was adapted
// from, which supported a negotiated Factory() func() hash.Hash per
// session) since the repository format bakes in one digest width.
package hashing

import (
	"crypto/sha1"
	"fmt"
	"hash"
	"io"

	"github.com/nb-backup/nb/internal/filesystem"
)

// Size is the fixed width, in bytes, of a content digest. It is the H
// referenced throughout the repository format: regular file content of
// size <= Size is stored inline in the hash field rather than in the
// object store.
const Size = sha1.Size

// New returns a new hash.Hash computing the digest used by this module.
// Factored out as its own constructor, in the style of the algorithm
// selection this module's hashing concept was adapted from, so that every
// call site obtains the digest implementation the same way.
func New() hash.Hash {
	return sha1.New()
}

// chunkSize bounds the size of reads performed by Hash, so that hashing an
// arbitrarily large file never requires buffering it in full.
const chunkSize = 128 * 1024

// Hash computes the content digest of the entire byte stream readable from
// r, which must yield exactly size bytes. A size mismatch discovered
// mid-read is treated as fatal: the caller's snapshot must abort rather
// than record a digest over a truncated or extended stream.
func Hash(r io.Reader, size uint64) ([]byte, error) {
	h := New()
	remaining := size
	buffer := make([]byte, chunkSize)
	for remaining > 0 {
		n := chunkSize
		if uint64(n) > remaining {
			n = int(remaining)
		}
		read, err := io.ReadFull(r, buffer[:n])
		if read > 0 {
			h.Write(buffer[:read])
			remaining -= uint64(read)
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("content ended after %d bytes, expected %d", size-remaining, size)
			}
			return nil, err
		}
	}
	// Any further byte readable from r means the stream was longer than
	// the stat-reported size at the time of reading (the file grew
	// concurrently with the snapshot).
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("content exceeded expected size %d", size)
	}
	return h.Sum(nil), nil
}

// HashFile hashes the entire content of an already-open regular file,
// reading through the facade's ReadableFile union so that callers need not
// depend on *os.File directly. The file must have been seeked to its
// start; size must be the previously captured stat size.
func HashFile(file filesystem.ReadableFile, size uint64) ([]byte, error) {
	return Hash(file, size)
}
