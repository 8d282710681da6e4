package ruleset

import (
	"sync"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// yamlRule is the on-disk shape of one rule in rules.yaml (see DESIGN.md
// for why textproto/protobuf was dropped in favor of YAML).
type yamlRule struct {
	Name     string            `yaml:"name"`
	SubRepo  string            `yaml:"sub_repo,omitempty"`
	Cmd      string            `yaml:"cmd"`
	Targets  []string          `yaml:"targets"`
	Deps     []string          `yaml:"deps,omitempty"`
	Rsrcs    map[string]string `yaml:"rsrcs,omitempty"`
	UserPrio int               `yaml:"prio,omitempty"`
	Anti     bool              `yaml:"anti,omitempty"`
	NSubmits int               `yaml:"n_submits,omitempty"`
	NRetries int               `yaml:"n_retries,omitempty"`
}

// Load parses a rules.yaml document into compiled Rules.
func Load(b []byte) ([]*Rule, error) {
	var doc struct {
		Rules []yamlRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, xerrors.Errorf("parsing rules.yaml: %w", err)
	}
	out := make([]*Rule, 0, len(doc.Rules))
	for _, yr := range doc.Rules {
		out = append(out, &Rule{
			Name:     yr.Name,
			SubRepo:  yr.SubRepo,
			Cmd:      yr.Cmd,
			Targets:  Compile(yr.Name, yr.Targets),
			Deps:     yr.Deps,
			Rsrcs:    yr.Rsrcs,
			UserPrio: yr.UserPrio,
			Anti:     yr.Anti,
			NSubmits: yr.NSubmits,
			NRetries: yr.NRetries,
		})
	}
	return out, nil
}

// RuleSet holds compiled rules plus the prefix/suffix trie built from them,
// and the match-generation counter used to invalidate cached Node
// classifications in bulk.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*Rule
	trie  *Trie
	gen   uint64
}

// New compiles rules into a RuleSet at generation 1.
func New(rules []*Rule) (*RuleSet, error) {
	if err := ValidateAcyclic(rules); err != nil {
		return nil, err
	}
	return &RuleSet{rules: rules, trie: NewTrie(rules), gen: 1}, nil
}

// Generation returns the current match-generation.
func (rs *RuleSet) Generation() uint64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.gen
}

// Bump increments the match-generation, invalidating every Node's cached
// classification at once; on overflow callers must walk all nodes and
// reset it, which is the caller's responsibility since only it knows the
// Node table.
func (rs *RuleSet) Bump() uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.gen++
	return rs.gen
}

// Match returns the ordered candidate rule list for name at the current
// generation.
func (rs *RuleSet) Match(name string) []*Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.trie.Match(name)
}

// Reload replaces the compiled rule set (a "static" reload) and
// recompiles the matcher trie, bumping the generation.
func (rs *RuleSet) Reload(rules []*Rule) error {
	if err := ValidateAcyclic(rules); err != nil {
		return err
	}
	trie := NewTrie(rules)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = rules
	rs.trie = trie
	rs.gen++
	return nil
}

// Rules returns a snapshot of the compiled rules.
func (rs *RuleSet) Rules() []*Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}
