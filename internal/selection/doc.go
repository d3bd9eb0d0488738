// Package selection is a deliberately small, bounded stand-in for the
// real selection-language parser and regex-based search tree, which are
// out of scope for this module (they are treated elsewhere as an opaque
// provider of a policy-annotated subtree of the filesystem to scan).
//
// It reads a YAML document into a tree of named rules, each carrying a
// policy (none, copy, mirror, or track), an optional list of glob
// subrules for matching children, and a list of regular expressions used
// as ignore rules. It exists so that the engine is runnable end to end
// against a real, human-editable configuration file; it is not meant to
// be a general selection language, and it has none of the richness
// (negation, precedence, includes) a production selection parser would
// have.
package selection
