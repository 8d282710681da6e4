package digest

import (
	"strings"
	"testing"
)

func TestSum(t *testing.T) {
	for _, tt := range []struct {
		name string
		in   string
		want Crc
	}{
		{name: "empty", in: "", want: CrcEmpty},
		{name: "hello", in: "hello\n", want: SumBytes([]byte("hello\n"))},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sum(strings.NewReader(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("Sum(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCrcMatch(t *testing.T) {
	a := SumBytes([]byte("hello\n"))
	b := SumBytes([]byte("world\n"))

	for _, tt := range []struct {
		name      string
		a, b      Crc
		accesses  Access
		wantMatch bool
	}{
		{name: "identical", a: a, b: a, accesses: AccessRead, wantMatch: true},
		{name: "differ under read", a: a, b: b, accesses: AccessRead, wantMatch: false},
		{name: "differ under stat-only, both exist", a: a, b: b, accesses: AccessStat, wantMatch: true},
		{name: "differ under stat-only, one missing", a: a, b: CrcNone, accesses: AccessStat, wantMatch: false},
		{name: "no access recorded", a: a, b: b, accesses: 0, wantMatch: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Match(tt.b, tt.accesses); got != tt.wantMatch {
				t.Fatalf("%q.Match(%q, %v) = %v, want %v", tt.a, tt.b, tt.accesses, got, tt.wantMatch)
			}
		})
	}
}

func TestDepDigestMerge(t *testing.T) {
	a := DepDigest{Accesses: AccessStat, DFlags: DFlagStatic, IsCrc: true, Crc: CrcEmpty}
	b := DepDigest{Accesses: AccessRead, DFlags: DFlagRequired, IsCrc: true, Crc: SumBytes([]byte("x"))}
	a.Merge(b)

	if want := AccessStat | AccessRead; a.Accesses != want {
		t.Errorf("Accesses = %v, want %v", a.Accesses, want)
	}
	if want := DFlagStatic | DFlagRequired; a.DFlags != want {
		t.Errorf("DFlags = %v, want %v", a.DFlags, want)
	}
	if a.Crc != CrcUnknown {
		t.Errorf("Crc = %q, want CrcUnknown after disagreeing merge", a.Crc)
	}
}

func TestDepDigestMergeAgreeing(t *testing.T) {
	crc := SumBytes([]byte("same"))
	a := DepDigest{IsCrc: true, Crc: crc}
	b := DepDigest{IsCrc: true, Crc: crc}
	a.Merge(b)
	if a.Crc != crc {
		t.Errorf("Crc = %q, want unchanged %q after agreeing merge", a.Crc, crc)
	}
}
