package engine

import (
	"fmt"

	"github.com/nb-backup/nb/internal/backup"
	"github.com/nb-backup/nb/internal/changeset"
	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/gc"
	"github.com/nb-backup/nb/internal/integrity"
	"github.com/nb-backup/nb/internal/nberrors"
	"github.com/nb-backup/nb/internal/repository/metadata"
	"github.com/nb-backup/nb/internal/restore"
	"github.com/nb-backup/nb/internal/search"
	"github.com/nb-backup/nb/internal/selection"
)

// Summary describes the outcome of a change-detection pass, for display
// before the user is asked to confirm a backup.
type Summary struct {
	Added, Removed, Lost, Changed, Unchanged int
	TotalPaths                               uint64
}

// summarize tallies every node's hint after a completed detection pass.
func summarize(tree *metadata.Metadata) Summary {
	s := Summary{TotalPaths: tree.TotalPathCount}
	tree.Walk(func(node *metadata.PathNode) {
		switch {
		case node.Hint.Has(metadata.HintAdded):
			s.Added++
		case node.Hint.Has(metadata.HintRemoved):
			s.Removed++
		case node.Hint.Has(metadata.HintLost):
			s.Lost++
		case node.Hint != 0:
			s.Changed++
		default:
			s.Unchanged++
		}
	})
	return s
}

// RunBackup performs one full backup pass: it loads the repository's
// selection config, runs the search driver over sourceRoot (rooted on
// disk at sourcePath), feeds every yielded entry through the change
// detector, invokes confirm with a summary of what changed, and — if
// confirm returns true, or is nil — hashes and stores fresh content and
// persists the updated metadata. If confirm returns false, the pass is
// abandoned and the repository's metadata is left untouched.
func (r *Repository) RunBackup(sourceRoot *filesystem.Directory, sourcePath string, confirm func(Summary) bool) (Summary, error) {
	if !r.HasConfig() {
		return Summary{}, fmt.Errorf("%s: %w", r.ConfigPath(), nberrors.ErrInvalidArgument)
	}

	provider, err := selection.Load(r.ConfigPath())
	if err != nil {
		return Summary{}, err
	}

	tree, err := r.LoadMetadata()
	if err != nil {
		return Summary{}, err
	}

	detector := changeset.New(tree)
	walkErr := search.Walk(sourceRoot, sourcePath, provider, func(entry search.Entry) error {
		_, observeErr := detector.Observe(entry)
		return observeErr
	})
	if walkErr != nil {
		return Summary{}, walkErr
	}
	if err := detector.Finalize(); err != nil {
		return Summary{}, err
	}

	summary := summarize(tree)
	if confirm != nil && !confirm(summary) {
		return summary, nberrors.ErrInterrupted
	}

	if err := backup.Finish(tree, sourcePath, r.Store, r.Log.Sublogger("backup")); err != nil {
		return summary, err
	}
	if err := r.SaveMetadata(tree); err != nil {
		return summary, err
	}

	return summary, nil
}

// RunGC performs one garbage collection pass over the repository.
func (r *Repository) RunGC(opts gc.Options) (gc.Result, error) {
	tree, err := r.LoadMetadata()
	if err != nil {
		return gc.Result{}, err
	}
	return gc.Collect(r.Root, tree, opts)
}

// RunIntegrityCheck verifies every stored object referenced by the
// repository's metadata and returns the nodes with at least one broken
// history point.
func (r *Repository) RunIntegrityCheck() ([]integrity.BrokenNode, error) {
	tree, err := r.LoadMetadata()
	if err != nil {
		return nil, err
	}
	return integrity.Check(tree, r.Store)
}

// RunRestore recreates subtreeRoot (or the whole tree, if empty) as it
// existed at the newest backup whose id does not exceed targetID,
// directly inside destination.
func (r *Repository) RunRestore(destination *filesystem.Directory, targetID uint64, subtreeRoot string) error {
	tree, err := r.LoadMetadata()
	if err != nil {
		return err
	}
	return restore.Restore(tree, r.Store, destination, targetID, subtreeRoot)
}

// ConfigCheckEntry reports the policy the selection config assigns to
// one discovered path, without performing a backup.
type ConfigCheckEntry struct {
	Path   string
	Policy metadata.Policy
}

// RunConfigCheck loads the repository's selection config and walks
// sourceRoot, reporting the policy assigned to every matched entry. It
// performs no change detection and touches no metadata.
func (r *Repository) RunConfigCheck(sourceRoot *filesystem.Directory, sourcePath string) ([]ConfigCheckEntry, error) {
	if !r.HasConfig() {
		return nil, fmt.Errorf("%s: %w", r.ConfigPath(), nberrors.ErrInvalidArgument)
	}

	provider, err := selection.Load(r.ConfigPath())
	if err != nil {
		return nil, err
	}

	var entries []ConfigCheckEntry
	err = search.Walk(sourceRoot, sourcePath, provider, func(entry search.Entry) error {
		entries = append(entries, ConfigCheckEntry{Path: entry.Path, Policy: entry.Policy})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
