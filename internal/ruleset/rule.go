// Package ruleset holds compiled rules and the prefix/suffix trie used to
// find candidate rules for a target name. Rule cycle validation uses
// gonum's directed graph and topological sort to detect a dependency
// cycle among rules' static targets and deps.
package ruleset

import (
	"sort"
	"strings"

	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// ChangeLevel constrains what a dynamic rule reload may alter.
type ChangeLevel uint8

const (
	ChangeNone ChangeLevel = iota
	ChangeDyn
	ChangeStatic
)

// TargetKind classifies a rule target pattern as static (no stem) or
// pattern-matched ("star").
type TargetKind uint8

const (
	TargetStatic TargetKind = iota
	TargetStar
)

// RuleTarget is one target pattern of a Rule, split around its first/last
// stem for prefix/suffix trie construction.
type RuleTarget struct {
	Pattern string
	Kind    TargetKind
	Prefix  string // literal text up to the first stem
	Suffix  string // literal text after the last stem
}

// Special marks rule kinds executed synchronously without going through a
// Backend ("Run branch").
type Special uint8

const (
	SpecialNone Special = iota
	SpecialReq
	SpecialInfiniteDep
	SpecialInfinitePath
	SpecialCodec
	SpecialDep
)

// Rule is a compiled pattern-matched recipe.
type Rule struct {
	Name     string
	SubRepo  string
	Cmd      string
	Targets  []RuleTarget
	Deps     []string // static dep patterns
	Rsrcs    map[string]string

	UserPrio int
	Anti     bool // "anti-rule": forbids a match rather than producing it
	Special  Special

	NSubmits int
	NRetries int

	changeLevel ChangeLevel
}

// prio is the rule's priority as compared by candidateLess after the
// special-before-plain step; it is UserPrio unchanged.
func (r *Rule) prio() int { return r.UserPrio }

// StartMrkr is the distinguished prefix bucket for rules whose targets have
// no stem at all.
const StartMrkr = "\x00start\x00"

// splitStem extracts the literal prefix (up to the first '%') and literal
// suffix (after the last '%') of a target pattern. A pattern with no '%' is
// fully static and classified TargetStatic.
func splitStem(pattern string) RuleTarget {
	first := strings.IndexByte(pattern, '%')
	if first == -1 {
		return RuleTarget{Pattern: pattern, Kind: TargetStatic, Prefix: pattern, Suffix: ""}
	}
	last := strings.LastIndexByte(pattern, '%')
	return RuleTarget{
		Pattern: pattern,
		Kind:    TargetStar,
		Prefix:  pattern[:first],
		Suffix:  pattern[last+1:],
	}
}

// Compile fills in Targets[i].{Kind,Prefix,Suffix} from raw target patterns.
func Compile(name string, patterns []string) []RuleTarget {
	out := make([]RuleTarget, len(patterns))
	for i, p := range patterns {
		out[i] = splitStem(p)
	}
	return out
}

// candidateLess implements bucket ordering: special-before-plain,
// decreasing user-priority, anti-before-generic, then (name, sub_repo) for
// stability. Candidates are not ordered by the length of their own literal
// prefix and suffix.
func candidateLess(bucketLen int) func(a, b *Rule) bool {
	return func(a, b *Rule) bool {
		aSpecial := a.Special != SpecialNone
		bSpecial := b.Special != SpecialNone
		if aSpecial != bSpecial {
			return aSpecial // special sorts first
		}
		if a.prio() != b.prio() {
			return a.prio() > b.prio() // decreasing priority
		}
		if a.Anti != b.Anti {
			return a.Anti // anti before generic
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.SubRepo < b.SubRepo
	}
}

// Bucket holds the ordered candidate rule list for one (prefix, suffix)
// pair.
type Bucket struct {
	Prefix, Suffix string
	Candidates     []*Rule
}

// Trie is the two-level prefix/suffix matcher: a suffix map of prefix
// maps, each bucket holding rules whose literal prefix/suffix match is
// satisfied by any longer target sharing those same literals.
type Trie struct {
	// bySuffix[suffix][prefix] = bucket
	bySuffix map[string]map[string]*Bucket
	suffixes []string // sorted, longest first, for longest-suffix-match lookup
}

// NewTrie builds the matcher from a compiled RuleSet.
func NewTrie(rules []*Rule) *Trie {
	t := &Trie{bySuffix: make(map[string]map[string]*Bucket)}
	for _, r := range rules {
		for _, tgt := range r.Targets {
			prefix, suffix := tgt.Prefix, tgt.Suffix
			if tgt.Kind == TargetStatic {
				prefix, suffix = StartMrkr, tgt.Pattern
			}
			t.addCandidate(prefix, suffix, r)
		}
	}
	// propagate: a match of a shorter literal also applies to longer
	// prefixes/suffixes already present, so any bucket whose prefix/suffix is
	// a superstring of another bucket's inherits that bucket's candidates.
	t.propagate()
	for suffix := range t.bySuffix {
		t.suffixes = append(t.suffixes, suffix)
	}
	sort.Slice(t.suffixes, func(i, j int) bool { return len(t.suffixes[i]) > len(t.suffixes[j]) })
	for _, byPrefix := range t.bySuffix {
		for _, b := range byPrefix {
			less := candidateLess(len(b.Candidates))
			sort.SliceStable(b.Candidates, func(i, j int) bool { return less(b.Candidates[i], b.Candidates[j]) })
		}
	}
	return t
}

func (t *Trie) addCandidate(prefix, suffix string, r *Rule) {
	byPrefix, ok := t.bySuffix[suffix]
	if !ok {
		byPrefix = make(map[string]*Bucket)
		t.bySuffix[suffix] = byPrefix
	}
	b, ok := byPrefix[prefix]
	if !ok {
		b = &Bucket{Prefix: prefix, Suffix: suffix}
		byPrefix[prefix] = b
	}
	b.Candidates = append(b.Candidates, r)
}

// propagate copies every bucket's candidates forward into every other
// bucket whose (prefix, suffix) is a longer literal sharing the same
// boundary. Sub-repo boundaries interrupt prefix propagation: a candidate
// from one sub-repo is never propagated into a bucket belonging to a
// different sub-repo's prefix.
func (t *Trie) propagate() {
	for suffixA, byPrefixA := range t.bySuffix {
		for suffixB, byPrefixB := range t.bySuffix {
			if !strings.HasSuffix(suffixB, suffixA) {
				continue
			}
			for prefixA, bucketA := range byPrefixA {
				for prefixB, bucketB := range byPrefixB {
					if prefixA == StartMrkr || prefixB == StartMrkr {
						continue
					}
					if !strings.HasPrefix(prefixB, prefixA) || (prefixA == prefixB && suffixA == suffixB) {
						continue
					}
					for _, r := range bucketA.Candidates {
						if r.SubRepo != "" && subRepoOf(prefixB) != "" && r.SubRepo != subRepoOf(prefixB) {
							continue // sub-repo boundary interrupts propagation
						}
						if !containsRule(bucketB.Candidates, r) {
							bucketB.Candidates = append(bucketB.Candidates, r)
						}
					}
				}
			}
		}
	}
}

func subRepoOf(prefix string) string {
	if i := strings.IndexByte(prefix, '/'); i >= 0 {
		return prefix[:i]
	}
	return ""
}

func containsRule(rs []*Rule, r *Rule) bool {
	return slices.ContainsFunc(rs, func(x *Rule) bool { return x == r })
}

// Match returns the ordered candidate rule list for name, via longest-suffix
// then longest-prefix lookup.
func (t *Trie) Match(name string) []*Rule {
	for _, suffix := range t.suffixes {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		byPrefix, ok := t.bySuffix[suffix]
		if !ok {
			continue
		}
		var best *Bucket
		for prefix, b := range byPrefix {
			if prefix == StartMrkr {
				if name == suffix {
					if best == nil || len(prefix) > len(best.Prefix) {
						best = b
					}
				}
				continue
			}
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if best == nil || len(prefix) > len(best.Prefix) {
				best = b
			}
		}
		if best != nil {
			return best.Candidates
		}
	}
	return nil
}

// ValidateAcyclic checks that no rule's static deps form a cycle through
// other rules' static targets, using gonum's topo.Sort / topo.Unorderable.
func ValidateAcyclic(rules []*Rule) error {
	g := simple.NewDirectedGraph()
	idx := make(map[string]int64, len(rules))
	nodeOf := make(map[int64]*Rule, len(rules))
	for i, r := range rules {
		id := int64(i)
		idx[r.Name] = id
		nodeOf[id] = r
		g.AddNode(simpleNode(id))
	}
	byTarget := make(map[string]*Rule)
	for _, r := range rules {
		for _, t := range r.Targets {
			if t.Kind == TargetStatic {
				byTarget[t.Pattern] = r
			}
		}
	}
	for _, r := range rules {
		for _, dep := range r.Deps {
			if dr, ok := byTarget[dep]; ok && dr != r {
				g.SetEdge(g.NewEdge(simpleNode(idx[r.Name]), simpleNode(idx[dr.Name])))
			}
		}
	}
	if _, err := topo.Sort(g); err != nil {
		if uo, ok := err.(topo.Unorderable); ok {
			var names []string
			for _, comp := range uo {
				for _, n := range comp {
					names = append(names, nodeOf[n.ID()].Name)
				}
			}
			return xerrors.Errorf("cyclic static rule dependency among: %v", names)
		}
		return err
	}
	return nil
}

type simpleNode int64

func (n simpleNode) ID() int64 { return int64(n) }
