package ruleset

import "testing"

func TestLoadAndMatch(t *testing.T) {
	rules, err := Load([]byte(`
rules:
  - name: compile
    cmd: "cc -c $in -o $out"
    targets: ["%.o"]
    deps: ["%.c"]
  - name: link
    cmd: "cc $in -o $out"
    targets: ["%.bin"]
    deps: ["%.o"]
`))
	if err != nil {
		t.Fatal(err)
	}
	rs, err := New(rules)
	if err != nil {
		t.Fatal(err)
	}

	got := rs.Match("foo.o")
	if len(got) != 1 || got[0].Name != "compile" {
		t.Fatalf("Match(foo.o) = %v, want [compile]", got)
	}

	got = rs.Match("foo.bin")
	if len(got) != 1 || got[0].Name != "link" {
		t.Fatalf("Match(foo.bin) = %v, want [link]", got)
	}

	if got := rs.Match("foo.unknown"); len(got) != 0 {
		t.Fatalf("Match(foo.unknown) = %v, want none", got)
	}
}

func TestMatchOrdering(t *testing.T) {
	rules := []*Rule{
		{Name: "generic", Targets: Compile("generic", []string{"%.o"}), UserPrio: 0},
		{Name: "special", Targets: Compile("special", []string{"%.o"}), UserPrio: 10},
	}
	rs, err := New(rules)
	if err != nil {
		t.Fatal(err)
	}
	got := rs.Match("x.o")
	if len(got) != 2 || got[0].Name != "special" {
		t.Fatalf("Match(x.o) = %v, want [special, generic]", got)
	}
}

func TestValidateAcyclicDetectsCycle(t *testing.T) {
	rules := []*Rule{
		{Name: "a", Targets: Compile("a", []string{"a.out"}), Deps: []string{"b.out"}},
		{Name: "b", Targets: Compile("b", []string{"b.out"}), Deps: []string{"a.out"}},
	}
	if err := ValidateAcyclic(rules); err == nil {
		t.Fatal("ValidateAcyclic: want error for cyclic rules, got nil")
	}
}

func TestBumpInvalidatesGeneration(t *testing.T) {
	rs, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	g0 := rs.Generation()
	g1 := rs.Bump()
	if g1 != g0+1 {
		t.Fatalf("Bump() = %d, want %d", g1, g0+1)
	}
}
