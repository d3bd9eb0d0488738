package selection

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/nb-backup/nb/internal/configio"
	"github.com/nb-backup/nb/internal/nberrors"
	"github.com/nb-backup/nb/internal/repository/metadata"
	"github.com/nb-backup/nb/internal/search"
)

// ruleConfig is the YAML shape of a single rule, as read directly from
// the configuration file.
type ruleConfig struct {
	// Name is a glob pattern (as understood by path/filepath.Match)
	// matched against a single path component.
	Name string `yaml:"name"`
	// Policy is one of "none", "copy", "mirror", or "track".
	Policy string `yaml:"policy"`
	// Subrules apply to this rule's children, if it matches a directory.
	Subrules []ruleConfig `yaml:"subrules,omitempty"`
	// Ignore holds regular expression patterns tested against full
	// candidate paths beneath this rule.
	Ignore []string `yaml:"ignore,omitempty"`
	// FollowSymlinks allows a symbolic link matching this rule to be
	// traversed as though it were the directory or file it targets,
	// rather than treated as a leaf.
	FollowSymlinks bool `yaml:"follow_symlinks,omitempty"`
}

// config is the YAML shape of the whole configuration file.
type config struct {
	Rules []ruleConfig `yaml:"rules"`
}

// policyNames maps the configuration file's policy strings to their
// internal representation. Unrecognized names are a load-time error.
var policyNames = map[string]metadata.Policy{
	"none":   metadata.PolicyNone,
	"copy":   metadata.PolicyCopy,
	"mirror": metadata.PolicyMirror,
	"track":  metadata.PolicyTrack,
}

// rule is a single compiled rule: a ruleConfig with its policy resolved
// and its ignore patterns compiled once at load time.
type rule struct {
	config   ruleConfig
	policy   metadata.Policy
	subrules []search.PolicyNode
	ignore   []*regexp.Regexp
}

func (r *rule) NameMatches(name string) bool {
	matched, err := filepath.Match(r.config.Name, name)
	return err == nil && matched
}

func (r *rule) Policy() metadata.Policy { return r.policy }

func (r *rule) Subrules() []search.PolicyNode { return r.subrules }

func (r *rule) IgnoreRules() []*regexp.Regexp { return r.ignore }

func (r *rule) AllowSymlinkTraversal() bool { return r.config.FollowSymlinks }

// Provider implements search.PolicyProvider by holding a tree of compiled
// rules read from a YAML configuration file.
type Provider struct {
	roots []search.PolicyNode
}

// Roots implements search.PolicyProvider.
func (p *Provider) Roots() []search.PolicyNode { return p.roots }

// Load reads and compiles the configuration file at path. It fails with
// an error wrapping nberrors.ErrInvalidArgument if a rule names an
// unrecognized policy or an ignore pattern fails to compile as a regular
// expression.
func Load(path string) (*Provider, error) {
	var c config
	if err := configio.LoadAndUnmarshalYAML(path, &c); err != nil {
		return nil, fmt.Errorf("unable to load configuration: %w", err)
	}

	roots, err := compileRules(c.Rules)
	if err != nil {
		return nil, err
	}

	return &Provider{roots: roots}, nil
}

func compileRules(configs []ruleConfig) ([]search.PolicyNode, error) {
	nodes := make([]search.PolicyNode, 0, len(configs))
	for _, rc := range configs {
		compiled, err := compileRule(rc)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, compiled)
	}
	return nodes, nil
}

func compileRule(rc ruleConfig) (*rule, error) {
	if rc.Name == "" {
		return nil, fmt.Errorf("rule has empty name pattern: %w", nberrors.ErrInvalidArgument)
	}

	policy, ok := policyNames[rc.Policy]
	if !ok {
		return nil, fmt.Errorf("rule %q has unrecognized policy %q: %w", rc.Name, rc.Policy, nberrors.ErrInvalidArgument)
	}

	ignore := make([]*regexp.Regexp, 0, len(rc.Ignore))
	for _, pattern := range rc.Ignore {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q has invalid ignore pattern %q: %v: %w", rc.Name, pattern, err, nberrors.ErrInvalidArgument)
		}
		ignore = append(ignore, compiled)
	}

	subrules, err := compileRules(rc.Subrules)
	if err != nil {
		return nil, err
	}

	return &rule{
		config:   rc,
		policy:   policy,
		subrules: subrules,
		ignore:   ignore,
	}, nil
}
