package search

import (
	"regexp"

	"github.com/nb-backup/nb/internal/repository/metadata"
)

// PolicyNode is the external policy tree's node shape, as consulted by
// Walk: for a candidate filesystem entry, it can be asked whether its name
// matches, what policy it carries, what rules apply to its children, and
// what ignore patterns apply beneath it. Providers (such as
// internal/selection) implement this over whatever representation their
// configuration format uses internally.
type PolicyNode interface {
	// NameMatches reports whether this rule applies to a child with the
	// given base name.
	NameMatches(name string) bool
	// Policy returns the policy this rule assigns to a matching entry.
	Policy() metadata.Policy
	// Subrules returns the rules to consult for a matching entry's own
	// children, if it is a directory.
	Subrules() []PolicyNode
	// IgnoreRules returns the regular expressions tested against full
	// candidate paths beneath this rule; a match excludes the path (and,
	// for directories, everything beneath it) from the walk.
	IgnoreRules() []*regexp.Regexp
	// AllowSymlinkTraversal reports whether a symbolic link matching this
	// rule should be followed (scanned as the directory or file it points
	// to) rather than treated as a leaf.
	AllowSymlinkTraversal() bool
}

// PolicyProvider supplies the top-level rules a scan starts from.
type PolicyProvider interface {
	// Roots returns the rules to consult for the scan root's direct
	// children.
	Roots() []PolicyNode
}
