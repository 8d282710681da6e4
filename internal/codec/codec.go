// Package codec implements the Codec job kind: a durable, bidirectional
// mapping between a short textual code and an arbitrary value, scoped by a
// context string. A codec job's whole output is this table, rebuilt from a
// manifest of (ctx, code, value) lines appended to over the table's
// lifetime.
package codec

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/digest"
)

// Entry is one (ctx, code, value) triple as it appears in a manifest line
// or a rebuilt table.
type Entry struct {
	Ctx   string
	Code  string
	Value string
}

// Table is one codec's in-memory state: the manifest of entries ever
// recorded, and the decode table derived from it (ctx -> code -> value).
// Encoding (ctx, value) -> code is the reverse index built from the same
// entries, keeping the first code seen for a given (ctx, value) pair.
type Table struct {
	mu       sync.Mutex
	dir      string // local_admin_dir/codec/<file>
	manifest []Entry
	decode   map[string]map[string]string // ctx -> code -> value
	encode   map[string]map[string]string // ctx -> value -> code
}

func manifestPath(dir string) string { return filepath.Join(dir, "manifest") }

// Open loads (or initializes) the codec table rooted at dir, replaying its
// manifest file if one exists.
func Open(dir string) (*Table, error) {
	t := &Table{
		dir:    dir,
		decode: make(map[string]map[string]string),
		encode: make(map[string]map[string]string),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("creating codec dir %s: %w", dir, err)
	}
	entries, err := readManifest(manifestPath(dir))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		t.apply(e)
	}
	t.manifest = entries
	return t, nil
}

func readManifest(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("opening manifest %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		e, ok := parseLine(line)
		if !ok {
			continue // malformed line: skip, matching a tolerant rebuild
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("reading manifest %s: %w", path, err)
	}
	return entries, nil
}

// line renders an Entry in the manifest's tab-separated wire format:
// ctx \t code \t value.
func (e Entry) line() string {
	return escapeField(e.Ctx) + "\t" + escapeField(e.Code) + "\t" + escapeField(e.Value)
}

func parseLine(line string) (Entry, bool) {
	parts := strings.SplitN(line, "\t", 3)
	if len(parts) != 3 {
		return Entry{}, false
	}
	return Entry{
		Ctx:   unescapeField(parts[0]),
		Code:  unescapeField(parts[1]),
		Value: unescapeField(parts[2]),
	}, true
}

// escapeField/unescapeField keep tabs and newlines out of manifest fields
// without dragging in a CSV/TSV library for three characters.
func escapeField(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "\t", "\\t", "\n", "\\n")
	return r.Replace(s)
}

func unescapeField(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 't':
				b.WriteByte('\t')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// apply folds one manifest entry into the in-memory encode/decode tables,
// without persisting it. Used both at load time and after Record appends.
func (t *Table) apply(e Entry) {
	if t.decode[e.Ctx] == nil {
		t.decode[e.Ctx] = make(map[string]string)
	}
	if t.encode[e.Ctx] == nil {
		t.encode[e.Ctx] = make(map[string]string)
	}
	if _, exists := t.encode[e.Ctx][e.Value]; !exists {
		t.encode[e.Ctx][e.Value] = e.Code
	}
	t.decode[e.Ctx][e.Code] = e.Value
}

// Decode returns the value recorded for (ctx, code), if any.
func (t *Table) Decode(ctx, code string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.decode[ctx][code]
	return v, ok
}

// Encode returns the code recorded for (ctx, value), if any.
func (t *Table) Encode(ctx, value string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.encode[ctx][value]
	return c, ok
}

// Record adds a new (ctx, value) binding, generating a code if none is
// supplied, resolving a clash against any existing code for the same ctx by
// appending hex digits of the value's Crc until the collision is broken,
// and appends the new entry to the on-disk manifest atomically. It returns
// the code actually used (which may differ from a requested code that
// collided with a different value).
func (t *Table) Record(ctx, value, wantCode string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if code, ok := t.encode[ctx][value]; ok {
		return code, nil // already recorded, idempotent
	}

	code := wantCode
	if code == "" {
		code = hexPrefix(value, 8)
	}
	if existing, clash := t.decode[ctx][code]; clash && existing != value {
		var err error
		code, err = disambiguate(t.decode[ctx], code, value)
		if err != nil {
			return "", err
		}
	}

	e := Entry{Ctx: ctx, Code: code, Value: value}
	if err := t.appendManifest(e); err != nil {
		return "", err
	}
	t.apply(e)
	t.manifest = append(t.manifest, e)
	return code, nil
}

func hexPrefix(value string, n int) string {
	h := string(digest.SumBytes([]byte(value)))
	if len(h) < n {
		n = len(h)
	}
	return h[:n]
}

// disambiguate grows code by one hex digit of value's checksum at a time
// until it no longer collides with a different value already using that
// code in decodeTab, mirroring the original engine's greedy clash
// resolution for codec tables.
func disambiguate(decodeTab map[string]string, code, value string) (string, error) {
	crc := string(digest.SumBytes([]byte(value)))
	d := 0
	for d < len(crc) && !strings.HasSuffix(code, crc[:d]) {
		d++
	}
	newCode := code
	for i := d; i < len(crc); i++ {
		newCode += string(crc[i])
		if existing, clash := decodeTab[newCode]; !clash || existing == value {
			return newCode, nil
		}
	}
	return "", xerrors.Errorf("codec checksum clash for code %s (value %s)", code, value)
}

// appendManifest writes the whole manifest back out atomically. The table
// is small enough (a build's set of interned values for one rule) that a
// full rewrite per Record call is simpler and safer than an append-in-place
// scheme that could leave a torn line on crash.
func (t *Table) appendManifest(newEntry Entry) error {
	lines := make([]string, 0, len(t.manifest)+1)
	for _, e := range t.manifest {
		lines = append(lines, e.line())
	}
	lines = append(lines, newEntry.line())
	return renameio.WriteFile(manifestPath(t.dir), []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// Rebuild recomputes the decode table fresh from the manifest, resolving
// any clashes deterministically in manifest order, and writes it back.
// Used to recover a table whose in-memory state might have drifted from a
// manifest edited by another process, and to produce a canonical ordering
// for the on-disk table contents.
func (t *Table) Rebuild() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	decode := make(map[string]map[string]string)
	for _, e := range t.manifest {
		if decode[e.Ctx] == nil {
			decode[e.Ctx] = make(map[string]string)
		}
		if existing, clash := decode[e.Ctx][e.Code]; clash && existing != e.Value {
			newCode, err := disambiguate(decode[e.Ctx], e.Code, e.Value)
			if err != nil {
				return err
			}
			e.Code = newCode
		}
		decode[e.Ctx][e.Code] = e.Value
	}

	t.decode = decode
	t.encode = make(map[string]map[string]string)
	for ctx, d := range decode {
		t.encode[ctx] = make(map[string]string)
		for code, value := range d {
			if _, exists := t.encode[ctx][value]; !exists {
				t.encode[ctx][value] = code
			}
		}
	}
	return t.writeTable()
}

// writeTable renders the current decode table into a stable, sorted form
// and persists it alongside the manifest, for human inspection.
func (t *Table) writeTable() error {
	var ctxs []string
	for ctx := range t.decode {
		ctxs = append(ctxs, ctx)
	}
	sort.Strings(ctxs)

	var b strings.Builder
	for _, ctx := range ctxs {
		fmt.Fprintf(&b, "%s\n", ctx)
		var codes []string
		for code := range t.decode[ctx] {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "\t%s\t%s\n", escapeField(code), escapeField(t.decode[ctx][code]))
		}
	}
	return renameio.WriteFile(filepath.Join(t.dir, "table"), []byte(b.String()), 0o644)
}
