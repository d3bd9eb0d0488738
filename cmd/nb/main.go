// Command nb is the command-line front end for the backup engine: a
// thin dispatcher over internal/engine's repository-wide orchestration,
// taking exactly the four invocation forms the external interface
// defines plus the supplemented config-check form. It accepts no flags.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/nb-backup/nb/internal/engine"
	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/gc"
	"github.com/nb-backup/nb/internal/logging"
	"github.com/nb-backup/nb/internal/must"
	"github.com/nb-backup/nb/internal/nberrors"
)

// sourceRoot is the fixed backup source: the system this binary runs on
// backs up its own filesystem root, consistent with the external
// interface's restore path defaulting to "/".
const sourceRoot = "/"

// stdin is read by interactiveConfirm; it is a variable so alternate
// front ends embedding this package's logic could substitute it, though
// the CLI itself always passes os.Stdin.
var stdin io.Reader = os.Stdin

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  nb <repo>                       run a backup")
	fmt.Fprintln(os.Stderr, "  nb <repo> gc                    reclaim unreferenced storage")
	fmt.Fprintln(os.Stderr, "  nb <repo> integrity             verify stored object content")
	fmt.Fprintln(os.Stderr, "  nb <repo> config-check          report policy assignment without backing up")
	fmt.Fprintln(os.Stderr, "  nb <repo> <snapshot-id> [path]  restore a subtree (defaults to /)")
}

func warn(message string) {
	fmt.Fprintln(os.Stderr, "nb: warning:", message)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "nb:", err)
	os.Exit(1)
}

func main() {
	arguments := os.Args[1:]
	if len(arguments) < 1 {
		usage()
		os.Exit(2)
	}

	repoPath := arguments[0]
	rest := arguments[1:]

	log := logging.NewRoot(os.Stderr, logging.LevelInfo)

	var err error
	switch {
	case len(rest) == 0:
		err = runBackup(repoPath, log)
	case rest[0] == "gc":
		err = runGC(repoPath, log)
	case rest[0] == "integrity":
		err = runIntegrityCheck(repoPath, log)
	case rest[0] == "config-check":
		err = runConfigCheck(repoPath, log)
	default:
		snapshotID, parseErr := strconv.ParseUint(rest[0], 10, 64)
		if parseErr != nil {
			usage()
			os.Exit(2)
		}
		subtreeRoot := ""
		if len(rest) > 1 {
			subtreeRoot = normalizeSubtreeRoot(rest[1])
		}
		err = runRestore(repoPath, snapshotID, subtreeRoot, log)
	}

	if err != nil {
		fail(err)
	}
}

// openRepository opens and locks the repository at path. A busy
// repository surfaces as engine.Open's error, which wraps
// nberrors.ErrRepositoryBusy; it is reported like any other failure.
func openRepository(path string, log *logging.Logger) (*engine.Repository, error) {
	repo, err := engine.Open(path, log)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func runBackup(repoPath string, log *logging.Logger) error {
	repo, err := openRepository(repoPath, log)
	if err != nil {
		return err
	}
	defer must.Close(repo, log)

	root, err := openSourceRoot()
	if err != nil {
		return err
	}
	defer must.Close(root, log)

	summary, err := repo.RunBackup(root, sourceRoot, interactiveConfirm)
	if err != nil {
		if err == nberrors.ErrInterrupted {
			warn("backup cancelled")
			return nil
		}
		return err
	}

	fmt.Printf(
		"backup complete: %d added, %d removed, %d lost, %d changed, %d unchanged\n",
		summary.Added, summary.Removed, summary.Lost, summary.Changed, summary.Unchanged,
	)
	return nil
}

func runGC(repoPath string, log *logging.Logger) error {
	repo, err := openRepository(repoPath, log)
	if err != nil {
		return err
	}
	defer must.Close(repo, log)

	result, err := repo.RunGC(gcOptions())
	if err != nil {
		return err
	}

	fmt.Printf("reclaimed %d bytes across %d items\n", result.DeletedItemsTotalSize, result.DeletedItemsCount)
	return nil
}

func runIntegrityCheck(repoPath string, log *logging.Logger) error {
	repo, err := openRepository(repoPath, log)
	if err != nil {
		return err
	}
	defer must.Close(repo, log)

	broken, err := repo.RunIntegrityCheck()
	if err != nil {
		return err
	}

	if len(broken) == 0 {
		fmt.Println("all stored content verified healthy")
		return nil
	}
	for _, node := range broken {
		fmt.Println("broken:", node.Path)
	}
	return fmt.Errorf("%d node(s) failed integrity verification", len(broken))
}

func runConfigCheck(repoPath string, log *logging.Logger) error {
	repo, err := openRepository(repoPath, log)
	if err != nil {
		return err
	}
	defer must.Close(repo, log)

	root, err := openSourceRoot()
	if err != nil {
		return err
	}
	defer must.Close(root, log)

	entries, err := repo.RunConfigCheck(root, sourceRoot)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		fmt.Printf("%s\t%s\n", entry.Policy, entry.Path)
	}
	return nil
}

func runRestore(repoPath string, snapshotID uint64, subtreeRoot string, log *logging.Logger) error {
	repo, err := openRepository(repoPath, log)
	if err != nil {
		return err
	}
	defer must.Close(repo, log)

	destination, err := openSourceRoot()
	if err != nil {
		return err
	}
	defer must.Close(destination, log)

	return repo.RunRestore(destination, snapshotID, subtreeRoot)
}

// gcOptions reports progress to standard error as reclaimed bytes
// accumulate, capped at a handful of updates so a large collection pass
// doesn't flood the terminal.
func gcOptions() gc.Options {
	return gc.Options{
		MaxCalls: 20,
		OnProgress: func(deletedSize uint64, maxCalls int) {
			fmt.Fprintf(os.Stderr, "\rreclaiming... %s freed", humanize.Bytes(deletedSize))
		},
	}
}

// normalizeSubtreeRoot converts a user-supplied path ("/", "/etc",
// "etc/") into the slash-free, tree-root-relative form the metadata
// tree indexes its nodes by, since "/" itself (the default) designates
// the whole tree rather than a named node.
func normalizeSubtreeRoot(path string) string {
	return strings.Trim(path, "/")
}

func openSourceRoot() (*filesystem.Directory, error) {
	closer, _, err := filesystem.Open(sourceRoot, false)
	if err != nil {
		return nil, nberrors.NewIOError("open", sourceRoot, err)
	}
	dir, ok := closer.(*filesystem.Directory)
	if !ok {
		closer.Close()
		return nil, fmt.Errorf("%s: not a directory", sourceRoot)
	}
	return dir, nil
}
