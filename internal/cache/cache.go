// Package cache implements a content-addressed artifact store: a job's
// output targets are stored keyed by (job name, dep fingerprint), so a
// later job with an identical command and an identical dep state can skip
// running and download the stored targets instead.
//
// A committed entry also carries a manifest of the deps it was built
// against, so Match can walk a candidate's recorded deps against the
// caller's current build state instead of only ever comparing whole
// fingerprints: a candidate whose deps are all done and agree is a Hit; a
// candidate some of whose deps simply haven't been built yet in this repo
// contributes those deps to a partial Match, so the caller can build them
// and retry.
//
// Artifacts are staged in memory with writerseeker before being flushed
// compressed to disk, mirroring how build artifacts are assembled and
// compressed before upload.
package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/klauspost/compress/flate"
	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/protocol"
)

// Cache is a directory-backed content-addressed artifact store.
type Cache struct {
	root string
	zlvl int

	mu           sync.Mutex
	reservations map[string]*reservation
	nextKey      int64
}

type reservation struct {
	jobKey, depFp string
	deps          []DepInfo
	buf           *writerseeker.WriterSeeker
	w             *flate.Writer
	totalSz       int64
	exeTime       float64
	maxRate       float64
}

// DepInfo is one dependency as Match or Upload sees it. For a Match call it
// is the current build's live view of a dep (Done/Crc reflect whatever the
// engine has analyzed so far this Req); for Upload it is the dep exactly as
// the producing job recorded it, later read back from the entry's manifest
// by Match.
type DepInfo struct {
	Path     string
	Crc      string
	Done     bool
	Critical bool
}

// CacheFile is one file staged into an Upload, or recovered by Download.
// Path is the dep/target's canonical node name, used as the install
// filename on Download.
type CacheFile struct {
	Path string
	Data []byte
}

// MatchResult is the outcome of Match.
type MatchResult struct {
	Outcome protocol.MatchOutcome
	DepFp   string   // set on MatchHit: pass to Download to install the entry
	NewDeps []string // set on MatchPartial: build these, then call Match again
}

const (
	entryExt    = ".flate"
	manifestExt = ".deps"
)

// New opens (creating if absent) a Cache rooted at dir, compressing
// artifacts at flate level zlvl.
func New(dir string, zlvl int) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("creating cache root: %w", err)
	}
	return &Cache{root: dir, zlvl: zlvl, reservations: make(map[string]*reservation)}, nil
}

// entryPath is the on-disk location for a committed (jobKey, depFp) entry's
// compressed content.
func (c *Cache) entryPath(jobKey, depFp string) string {
	return filepath.Join(c.root, jobKey, depFp+entryExt)
}

// manifestPath is the on-disk location for a committed entry's dep
// manifest.
func (c *Cache) manifestPath(jobKey, depFp string) string {
	return filepath.Join(c.root, jobKey, depFp+manifestExt)
}

// Match walks every committed entry under jobKey, comparing each entry's
// recorded dep manifest against deps, the caller's current view of its own
// deps:
//
//   - a recorded dep not yet Done in the current build (or not mentioned
//     at all yet) is added to that candidate's new-deps set; if the dep is
//     Critical, the candidate is rejected outright instead, since waiting
//     for a critical dep to merely finish is not enough to trust the
//     entry;
//   - a recorded dep that is Done but whose crc disagrees with what was
//     recorded rejects the candidate;
//   - a candidate with an empty new-deps set after this walk is a Hit;
//   - otherwise, the new-deps sets of every surviving (non-rejected)
//     candidate are intersected: a non-empty intersection is a Match
//     (the caller should build those deps and call Match again); an empty
//     one, or no surviving candidates, is a Miss.
func (c *Cache) Match(ctx context.Context, jobKey string, deps []DepInfo) (MatchResult, error) {
	current := make(map[string]DepInfo, len(deps))
	for _, d := range deps {
		current[d.Path] = d
	}

	dir := filepath.Join(c.root, jobKey)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return MatchResult{Outcome: protocol.MatchMiss}, nil
	}
	if err != nil {
		return MatchResult{}, xerrors.Errorf("listing cache entries for %s: %w", jobKey, err)
	}

	var intersection map[string]bool
	haveSurvivor := false

	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, manifestExt) {
			continue
		}
		depFp := strings.TrimSuffix(name, manifestExt)
		recorded, err := readManifest(filepath.Join(dir, name))
		if err != nil {
			return MatchResult{}, xerrors.Errorf("reading cache manifest %s: %w", name, err)
		}

		newDeps, rejected := evalCandidate(recorded, current)
		if rejected {
			continue
		}
		if len(newDeps) == 0 {
			return MatchResult{Outcome: protocol.MatchHit, DepFp: depFp}, nil
		}

		set := make(map[string]bool, len(newDeps))
		for _, p := range newDeps {
			set[p] = true
		}
		if !haveSurvivor {
			intersection = set
			haveSurvivor = true
		} else {
			intersection = intersectStrSet(intersection, set)
		}
	}

	if !haveSurvivor || len(intersection) == 0 {
		return MatchResult{Outcome: protocol.MatchMiss}, nil
	}
	newDeps := make([]string, 0, len(intersection))
	for p := range intersection {
		newDeps = append(newDeps, p)
	}
	sort.Strings(newDeps)
	return MatchResult{Outcome: protocol.MatchPartial, NewDeps: newDeps}, nil
}

func evalCandidate(recorded []DepInfo, current map[string]DepInfo) (newDeps []string, rejected bool) {
	for _, rd := range recorded {
		cur, known := current[rd.Path]
		if !known || !cur.Done {
			if rd.Critical {
				return nil, true
			}
			newDeps = append(newDeps, rd.Path)
			continue
		}
		if cur.Crc != rd.Crc {
			return nil, true
		}
	}
	return newDeps, false
}

func intersectStrSet(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a))
	for p := range a {
		if b[p] {
			out[p] = true
		}
	}
	return out
}

// Download reconstructs every file staged into a committed (jobKey, depFp)
// entry by a prior Upload.
func (c *Cache) Download(jobKey, depFp string) ([]CacheFile, error) {
	f, err := os.Open(c.entryPath(jobKey, depFp))
	if err != nil {
		return nil, xerrors.Errorf("opening cache entry: %w", err)
	}
	defer f.Close()
	r := flate.NewReader(f)
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("decompressing cache entry: %w", err)
	}
	return decodeFiles(data)
}

// Upload begins a staged write for (jobKey, depFp). deps is the full dep
// list the producing job recorded, persisted in a sidecar manifest so a
// later Match can walk it; statusOk must reflect the job's final status
// (the cache never admits an artifact for a job that did not end Ok).
// exeTime and maxRate implement the admission-rate gate checked at Commit:
// maxRate<=0 disables it.
func (c *Cache) Upload(jobKey, depFp string, deps []DepInfo, statusOk bool, exeTime, maxRate float64) (key string, err error) {
	if !statusOk {
		return "", xerrors.Errorf("cache: refusing to admit artifact for a job that did not end Ok")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextKey++
	key = strconv.FormatInt(c.nextKey, 10)
	buf := &writerseeker.WriterSeeker{}
	r := &reservation{jobKey: jobKey, depFp: depFp, deps: deps, buf: buf, exeTime: exeTime, maxRate: maxRate}
	r.w, _ = flate.NewWriter(buf, c.zlvl)
	c.reservations[key] = r
	return key, nil
}

// Write appends a raw, already-framed chunk to an in-progress reservation.
// Most callers want WriteFile instead.
func (c *Cache) Write(key string, p []byte) (int, error) {
	c.mu.Lock()
	r, ok := c.reservations[key]
	c.mu.Unlock()
	if !ok {
		return 0, xerrors.Errorf("cache: unknown reservation %q", key)
	}
	n, err := r.w.Write(p)
	r.totalSz += int64(n)
	return n, err
}

// WriteFile stages fsPath's current content into the reservation under the
// name path, re-stating fsPath immediately before and after the read and
// rejecting the write if its FileSig changed in between: a target that is
// mutated while being copied into the cache must not be cached at all,
// since whichever half of the content landed in the reservation would not
// match either the before or the after state on disk.
func (c *Cache) WriteFile(key, path, fsPath string) error {
	before, err := fileSig(fsPath)
	if err != nil {
		return xerrors.Errorf("stat %s: %w", fsPath, err)
	}
	data, err := os.ReadFile(fsPath)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", fsPath, err)
	}
	after, err := fileSig(fsPath)
	if err != nil {
		return xerrors.Errorf("stat %s: %w", fsPath, err)
	}
	if before != after {
		return xerrors.Errorf("target %s changed while being staged into the cache, aborting", fsPath)
	}
	var framed bytes.Buffer
	if err := encodeFile(&framed, path, data); err != nil {
		return xerrors.Errorf("framing target %s: %w", path, err)
	}
	_, err = c.Write(key, framed.Bytes())
	return err
}

func fileSig(path string) (digest.FileSig, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return digest.FileSig{}, err
	}
	tag := digest.SigReg
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		tag = digest.SigLnk
	case fi.IsDir():
		tag = digest.SigDir
	case fi.Mode()&0111 != 0:
		tag = digest.SigExe
	case fi.Size() == 0:
		tag = digest.SigEmpty
	}
	return digest.FileSig{Tag: tag, MTime: fi.ModTime().UnixNano()}, nil
}

// Commit flushes a reservation's staged, compressed content and dep
// manifest to disk atomically. It applies the admission-rate gate first:
// if the job reproduced faster than maxRate bytes/sec it is judged cheap
// to rerun and not admitted (admitted=false, err=nil); the reservation is
// torn down in every case, so the caller never needs to follow Commit with
// Dismiss.
func (c *Cache) Commit(key string) (admitted bool, err error) {
	c.mu.Lock()
	r, ok := c.reservations[key]
	delete(c.reservations, key)
	c.mu.Unlock()
	if !ok {
		return false, xerrors.Errorf("cache: unknown reservation %q", key)
	}
	if err := r.w.Close(); err != nil {
		return false, xerrors.Errorf("closing compressor: %w", err)
	}
	if r.maxRate > 0 && (r.exeTime <= 0 || float64(r.totalSz)/r.exeTime > r.maxRate) {
		return false, nil // cheap to reproduce: not worth a cache slot
	}
	data, err := io.ReadAll(r.buf.Reader())
	if err != nil {
		return false, xerrors.Errorf("reading staged artifact: %w", err)
	}
	if max := deflateMaxSz(r.totalSz); int64(len(data)) > max {
		return false, xerrors.Errorf("cache: compressed size %d exceeds reserved cap %d", len(data), max)
	}
	dir := filepath.Join(c.root, r.jobKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, xerrors.Errorf("creating cache directory: %w", err)
	}
	if err := renameio.WriteFile(c.entryPath(r.jobKey, r.depFp), data, 0644); err != nil {
		return false, xerrors.Errorf("writing cache entry: %w", err)
	}
	if err := writeManifest(c.manifestPath(r.jobKey, r.depFp), r.deps); err != nil {
		return false, xerrors.Errorf("writing cache manifest: %w", err)
	}
	return true, nil
}

// deflateMaxSz bounds the compressed size of totalSz input bytes at any
// flate level: RFC 1951 guarantees a stored (uncompressed) block never
// expands its input by more than 5 bytes per 65535-byte block, so this is
// a safe disk-space reservation cap regardless of how compressible the
// content turns out to be.
func deflateMaxSz(totalSz int64) int64 {
	blocks := totalSz/65535 + 1
	return totalSz + blocks*5 + 16
}

// Dismiss discards a reservation without committing it, e.g. on a
// downstream upload failure.
func (c *Cache) Dismiss(key string) error {
	c.mu.Lock()
	r, ok := c.reservations[key]
	delete(c.reservations, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_ = r.w.Close()
	return nil
}

// encodeFile appends one (name, data) record to w as
// (u32 name-len, name, u64 data-len, data).
func encodeFile(w io.Writer, name string, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// decodeFiles reverses encodeFile for a whole concatenated stream.
func decodeFiles(data []byte) ([]CacheFile, error) {
	buf := bytes.NewReader(data)
	var out []CacheFile
	for buf.Len() > 0 {
		var nameLen uint32
		if err := binary.Read(buf, binary.BigEndian, &nameLen); err != nil {
			return nil, xerrors.Errorf("decoding cache entry: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(buf, name); err != nil {
			return nil, xerrors.Errorf("decoding cache entry: %w", err)
		}
		var dataLen uint64
		if err := binary.Read(buf, binary.BigEndian, &dataLen); err != nil {
			return nil, xerrors.Errorf("decoding cache entry: %w", err)
		}
		content := make([]byte, dataLen)
		if _, err := io.ReadFull(buf, content); err != nil {
			return nil, xerrors.Errorf("decoding cache entry: %w", err)
		}
		out = append(out, CacheFile{Path: string(name), Data: content})
	}
	return out, nil
}

// writeManifest persists deps as tab-separated (path, crc, critical) lines.
// Paths and crcs never contain tabs or newlines (crcs are hex digests or
// the fixed CrcEmpty/CrcUnknown sentinels; paths are repo-relative
// filesystem names), so no escaping is needed.
func writeManifest(path string, deps []DepInfo) error {
	var b strings.Builder
	for _, d := range deps {
		critical := "0"
		if d.Critical {
			critical = "1"
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\n", d.Path, d.Crc, critical)
	}
	return renameio.WriteFile(path, []byte(b.String()), 0644)
}

func readManifest(path string) ([]DepInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]DepInfo, 0)
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, xerrors.Errorf("malformed cache manifest line %q", line)
		}
		out = append(out, DepInfo{Path: fields[0], Crc: fields[1], Critical: fields[2] == "1"})
	}
	return out, nil
}
