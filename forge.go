// Package forge implements the core of an incremental, content-addressable
// build engine: persistent store, job state machine, generic backend,
// remote cache and job-execution RPC protocol.
package forge

// Root describes the on-disk layout of one engine instance, rooted at a
// repository checkout. AdminDir holds the Store, RuleSet, and generated
// human-readable summaries (config/matching/rules/manifest).
type Root struct {
	// RepoPath is the file system path of the repository being built.
	RepoPath string

	// AdminDir is RepoPath/.forge: the Store, debug scripts, outputs and
	// quarantine directory.
	AdminDir string
}

// StoreDir is the well-known subdirectory of AdminDir holding the
// persistent store files.
func (r Root) StoreDir() string { return r.AdminDir + "/store" }
