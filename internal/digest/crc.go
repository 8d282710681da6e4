// Package digest implements the content-hash and filesystem-signature value
// types (Crc, FileSig, DepDigest, TargetDigest) and their merge laws.
// Content hashing uses crypto/sha256 directly rather than a third-party
// hash package.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Crc is a content hash with three reserved sentinel values.
type Crc string

const (
	// CrcNone means "no file exists at this path".
	CrcNone Crc = ""
	// CrcEmpty is the reserved code for a zero-length regular file.
	CrcEmpty Crc = "empty"
	// CrcUnknown marks content that has not been hashed yet.
	CrcUnknown Crc = "unknown"
)

// Sum computes the Crc of r's content. An empty stream yields CrcEmpty so
// that CrcEmpty never collides with a hash of non-empty content.
func Sum(r io.Reader) (Crc, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return CrcUnknown, err
	}
	if n == 0 {
		return CrcEmpty, nil
	}
	return Crc(hex.EncodeToString(h.Sum(nil))), nil
}

// SumBytes is Sum for an in-memory buffer.
func SumBytes(b []byte) Crc {
	if len(b) == 0 {
		return CrcEmpty
	}
	sum := sha256.Sum256(b)
	return Crc(hex.EncodeToString(sum[:]))
}

// Access is a bitset of how a Dep was observed to be touched while a job
// ran.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessStat
	AccessReaddir
	AccessReadlink
	AccessErr // an access attempt observed an error (e.g. ENOENT)
)

// Match reports whether two Crcs cannot be told apart given only the set of
// accesses that were actually performed. A Stat-only access cannot
// distinguish two regular files sharing a FileSig tag, so an Unknown crc
// compared under AccessStat alone is treated as matching: the caller is not
// entitled to assume content differs from an access it never made.
func (c Crc) Match(other Crc, accesses Access) bool {
	if c == other {
		return true
	}
	if accesses == 0 {
		return true // no access recorded: nothing could have observed a difference
	}
	if accesses&^(AccessStat|AccessErr) == 0 {
		// stat/err-only accesses cannot distinguish content, only existence/tag
		return (c == CrcNone) == (other == CrcNone)
	}
	return false
}

// SigTag classifies a FileSig.
type SigTag uint8

const (
	SigNone SigTag = iota
	SigEmpty
	SigReg
	SigExe
	SigLnk
	SigDir
)

// FileSig is a cheap (tag, mtime) fingerprint used when content hashing is
// unnecessary to detect a change.
type FileSig struct {
	Tag   SigTag
	MTime int64 // unix nanoseconds
}

// PromotesTo reports whether this FileSig's tag corresponds to content that
// can be turned into a Crc tag on demand (i.e. it refers to actual bytes).
func (s FileSig) PromotesTo() bool {
	return s.Tag == SigReg || s.Tag == SigExe || s.Tag == SigLnk
}

// DFlags are per-Dep attribute flags.
type DFlags uint8

const (
	DFlagStatic DFlags = 1 << iota
	DFlagRequired
	DFlagCritical
	DFlagIgnoreError
	DFlagFull
)

// DepDigest is the union-discriminated value carried by each Dep.
type DepDigest struct {
	Accesses Access
	DFlags   DFlags
	Parallel bool // grouped with the previous Dep; ordering within the group is insignificant
	IsCrc    bool // discriminates the Crc/Sig union below
	Hot      bool // observed within fs clock granularity of mtime: may be stale
	Err      bool

	Crc Crc
	Sig FileSig
}

// Merge implements "a |= b": accesses and flags union, a.Parallel is kept (b
// follows in discovery order), and the crc/sig union is invalidated to
// Unknown if a and b disagree.
func (a *DepDigest) Merge(b DepDigest) {
	a.Accesses |= b.Accesses
	a.DFlags |= b.DFlags
	a.Err = a.Err || b.Err
	if a.IsCrc != b.IsCrc || (a.IsCrc && a.Crc != b.Crc) || (!a.IsCrc && a.Sig != b.Sig) {
		a.IsCrc = true
		a.Crc = CrcUnknown
		a.Sig = FileSig{}
	}
	// a.Parallel is left untouched: b is understood to follow a in the group.
}

// TFlags are per-Target attribute flags.
type TFlags uint8

const (
	TFlagTarget TFlags = 1 << iota // this Node is a declared target of the job
	TFlagStatic
	TFlagPhony
)

// TargetDigest is the value carried by each Target.
type TargetDigest struct {
	TFlags      TFlags
	ExtraTFlags TFlags
	PreExist    bool
	Written     bool
	Crc         Crc
	Sig         FileSig
}

// RuleCrcState is the staleness classification of a RuleCrc.
type RuleCrcState uint8

const (
	RuleCrcOk RuleCrcState = iota
	RuleCrcCmdOld
	RuleCrcRsrcsOld
	RuleCrcRsrcsForgotten
)

// RuleCrc is the (match, cmd, rsrcs) triple identifying one compiled rule
// version.
type RuleCrc struct {
	MatchCrc Crc
	CmdCrc   Crc
	RsrcsCrc Crc
	State    RuleCrcState
}
