// Package env captures process-wide singletons for the running engine:
// state that must be established once before any worker thread starts,
// then treated as read-only (see DESIGN.md, internal/env).
package env

import (
	"os"
	"sync/atomic"
)

// RepoRoot is the root directory of the repository being built.
var RepoRoot = findRepoRoot()

func findRepoRoot() string {
	if v := os.Getenv("FORGE_REPO_ROOT"); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// AdminDirName is the name of the per-repo admin directory holding the
// Store, debug scripts, outputs and quarantine.
const AdminDirName = ".forge"

// seqID is a process-wide atomic counter; it is the one piece of "global
// mutable state" that remains mutable after process start (see DESIGN.md).
var seqID int64

// NextSeqID returns a fresh, monotonically increasing sequence id. Nothing
// in this module calls it.
func NextSeqID() int64 {
	return atomic.AddInt64(&seqID, 1)
}
