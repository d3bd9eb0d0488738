// Package must wraps cleanup operations whose errors can't sensibly be
// propagated (closing a file after a failed write, removing a scratch
// file on an abort path) but are still worth a log line.
package must

import (
	"io"
	"os"

	"github.com/nb-backup/nb/internal/logging"
)

// Close closes c, logging (rather than returning) any error.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("unable to close: %v", err)
	}
}

// OSRemove removes the file at name, logging any error.
func OSRemove(name string, logger *logging.Logger) {
	if err := os.Remove(name); err != nil {
		logger.Warn("unable to remove %s: %v", name, err)
	}
}

// Unlock unlocks locker, logging any error.
func Unlock(locker interface{ Unlock() error }, logger *logging.Logger) {
	if err := locker.Unlock(); err != nil {
		logger.Warn("unable to unlock: %v", err)
	}
}
