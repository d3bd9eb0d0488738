// Package search implements the repository's search driver: given an
// external policy tree and a filesystem root, it walks the root according
// to the policy tree and yields a deterministic stream of candidate
// entries for the change detector to consume.
package search

import (
	"path/filepath"
	"regexp"
	"sort"

	"github.com/nb-backup/nb/internal/filesystem"
	"github.com/nb-backup/nb/internal/repository/metadata"
)

// Entry is one yielded candidate: a path with its raw lstat metadata and
// the policy that applies to it.
type Entry struct {
	// Path is the entry's path relative to the scan root, using "/"
	// separators, with no leading or trailing slash.
	Path string
	// Metadata is the lstat result for Path (symbolic links are not
	// followed to produce it).
	Metadata *filesystem.Metadata
	// Policy is the policy that applies to this entry.
	Policy metadata.Policy
	// PolicyInherited is true when Policy was inherited from the nearest
	// ancestor rule rather than from a rule matching this entry's own
	// name.
	PolicyInherited bool
	// Dir is the already-open parent directory, and Name is the entry's
	// base name within it. Together they let a consumer read the entry's
	// content (for small regular files) or symbolic link target using the
	// same descriptor-relative operations the walk itself used, without
	// needing to re-resolve an OS path.
	Dir  *filesystem.Directory
	Name string
}

// Visitor is invoked for every entry Walk yields, in depth-first,
// lexicographic order. Returning an error aborts the walk.
type Visitor func(Entry) error

// Walk scans root (already open as a Directory, rooted at rootPath on
// disk) according to provider, invoking visit for every candidate entry
// in deterministic order: depth-first, with a directory's children
// visited in lexicographic order by name.
func Walk(root *filesystem.Directory, rootPath string, provider PolicyProvider, visit Visitor) error {
	return walkLevel(root, rootPath, "", provider.Roots(), nil, metadata.PolicyNone, visit)
}

// walkLevel walks the children of dir (open at osPath, corresponding to
// repoPath within the scan), matching each child against rules (the
// active rule set at this level) or, when that set is empty, against
// inheritedPolicy/inheritedIgnore carried down from the nearest matched
// ancestor.
func walkLevel(
	dir *filesystem.Directory,
	osPath string,
	repoPath string,
	rules []PolicyNode,
	inheritedIgnore []*regexp.Regexp,
	inheritedPolicy metadata.Policy,
	visit Visitor,
) error {
	contents, err := dir.ReadContents()
	if err != nil {
		return err
	}

	sort.Slice(contents, func(i, j int) bool {
		return contents[i].Name < contents[j].Name
	})

	for _, childMeta := range contents {
		name := childMeta.Name
		childPath := name
		if repoPath != "" {
			childPath = repoPath + "/" + name
		}
		childOSPath := filepath.Join(osPath, name)

		matched, policy, inherited, childRules, childIgnore, allowSymlink := resolve(
			name, rules, inheritedIgnore, inheritedPolicy,
		)
		if !matched {
			continue
		}

		if matchesAny(childIgnore, childPath) {
			continue
		}

		entry := Entry{
			Path:            childPath,
			Metadata:        childMeta,
			Policy:          policy,
			PolicyInherited: inherited,
			Dir:             dir,
			Name:            name,
		}
		if err := visit(entry); err != nil {
			return err
		}

		switch childMeta.Mode & filesystem.ModeTypeMask {
		case filesystem.ModeTypeDirectory:
			child, err := dir.OpenDirectory(name)
			if err != nil {
				return err
			}
			err = walkLevel(child, childOSPath, childPath, childRules, childIgnore, policy, visit)
			child.Close()
			if err != nil {
				return err
			}
		case filesystem.ModeTypeSymbolicLink:
			if !allowSymlink {
				continue
			}
			target, err := filesystem.Stat(childOSPath)
			if err != nil {
				// A dangling or unreadable symlink target is treated as
				// a leaf rather than a walk failure.
				continue
			}
			if target.Mode&filesystem.ModeTypeMask != filesystem.ModeTypeDirectory {
				continue
			}
			closer, _, err := filesystem.Open(childOSPath, true)
			if err != nil {
				continue
			}
			child, ok := closer.(*filesystem.Directory)
			if !ok {
				closer.Close()
				continue
			}
			err = walkLevel(child, childOSPath, childPath, childRules, childIgnore, policy, visit)
			child.Close()
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// resolve determines the outcome for a child named name: whether it is
// selected at all, under what policy, whether that policy was inherited,
// what rule set and ignore rules apply to its own children, and whether a
// symbolic link at this name may be traversed.
//
// A child matches if some rule in rules names it explicitly (first match
// wins). If rules is non-empty and none names the child, the child is not
// selected. Only when rules is empty does the child inherit the nearest
// matched ancestor's policy (unless that policy is None, in which case it
// is not selected), and its own children are then evaluated the same way,
// which lets a single broad rule (e.g. a "*" wildcard with no subrules)
// apply uniformly to an entire subtree without per-entry configuration.
func resolve(
	name string,
	rules []PolicyNode,
	inheritedIgnore []*regexp.Regexp,
	inheritedPolicy metadata.Policy,
) (matched bool, policy metadata.Policy, inherited bool, childRules []PolicyNode, childIgnore []*regexp.Regexp, allowSymlink bool) {
	for _, rule := range rules {
		if rule.NameMatches(name) {
			own := rule.IgnoreRules()
			combined := make([]*regexp.Regexp, 0, len(inheritedIgnore)+len(own))
			combined = append(combined, inheritedIgnore...)
			combined = append(combined, own...)
			return true, rule.Policy(), false, rule.Subrules(), combined, rule.AllowSymlinkTraversal()
		}
	}
	if len(rules) == 0 && inheritedPolicy == metadata.PolicyNone {
		return false, metadata.PolicyNone, false, nil, inheritedIgnore, false
	}
	if len(rules) > 0 {
		// Rules were present but none matched this name, and nothing
		// inherited applies either (no broader ancestor rule is active at
		// this level): the entry is not selected.
		return false, metadata.PolicyNone, false, nil, inheritedIgnore, false
	}
	return true, inheritedPolicy, true, rules, inheritedIgnore, false
}

func matchesAny(patterns []*regexp.Regexp, path string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(path) {
			return true
		}
	}
	return false
}
