// Package store implements the persistent, indexed tables: jobs, nodes,
// deps, targets, and the match-generation counter used for cheap
// bulk invalidation. Persistence is backed by modernc.org/sqlite (pure Go,
// no cgo). The single-writer invariant is enforced by capping the write
// connection to one open connection (SetMaxOpenConns(1)).
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
	"golang.org/x/xerrors"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	idx        INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	crc        TEXT NOT NULL DEFAULT '',
	sig_tag    INTEGER NOT NULL DEFAULT 0,
	sig_mtime  INTEGER NOT NULL DEFAULT 0,
	buildable  INTEGER NOT NULL DEFAULT 0,
	status     INTEGER NOT NULL DEFAULT 0,
	actual_job INTEGER NOT NULL DEFAULT 0,
	polluted   INTEGER NOT NULL DEFAULT 0,
	match_gen  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobs (
	idx        INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	rule_crc   TEXT NOT NULL DEFAULT '',
	status     INTEGER NOT NULL DEFAULT 0,
	run_status INTEGER NOT NULL DEFAULT 0,
	cost       REAL NOT NULL DEFAULT 0,
	exe_time   REAL NOT NULL DEFAULT 0,
	tokens1    INTEGER NOT NULL DEFAULT 0,
	backend    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS deps (
	job_idx   INTEGER NOT NULL,
	seq       INTEGER NOT NULL,
	node_idx  INTEGER NOT NULL,
	accesses  INTEGER NOT NULL DEFAULT 0,
	dflags    INTEGER NOT NULL DEFAULT 0,
	parallel  INTEGER NOT NULL DEFAULT 0,
	is_crc    INTEGER NOT NULL DEFAULT 0,
	crc       TEXT NOT NULL DEFAULT '',
	hot       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_idx, seq)
);

CREATE TABLE IF NOT EXISTS targets (
	job_idx      INTEGER NOT NULL,
	node_idx     INTEGER NOT NULL,
	tflags       INTEGER NOT NULL DEFAULT 0,
	extra_tflags INTEGER NOT NULL DEFAULT 0,
	pre_exist    INTEGER NOT NULL DEFAULT 0,
	written      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_idx, node_idx)
);
`

// Store is a handle onto one repository's persistent tables.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and opens the store at path, enforcing the
// single-writer invariant via a single open connection.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, xerrors.Errorf("applying schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO config(key, value) VALUES ('match_gen', '1')`); err != nil {
		db.Close()
		return nil, xerrors.Errorf("seeding match_gen: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// MatchGen returns the current match-generation header.
func (s *Store) MatchGen(ctx context.Context) (uint64, error) {
	var v uint64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = 'match_gen'`).Scan(&v)
	if err != nil {
		return 0, xerrors.Errorf("reading match_gen: %w", err)
	}
	return v, nil
}

// BumpMatchGen increments the match-generation header, invalidating every
// Node's cached buildability at once.
func (s *Store) BumpMatchGen(ctx context.Context) (uint64, error) {
	gen, err := s.MatchGen(ctx)
	if err != nil {
		return 0, err
	}
	gen++
	if _, err := s.db.ExecContext(ctx, `UPDATE config SET value = ? WHERE key = 'match_gen'`, fmt.Sprint(gen)); err != nil {
		return 0, xerrors.Errorf("bumping match_gen: %w", err)
	}
	return gen, nil
}

// UpsertNode creates name if absent and returns its index; nodes are
// created lazily on first mention and never physically deleted.
func (s *Store) UpsertNode(ctx context.Context, name string) (model.NodeIdx, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO nodes(name) VALUES (?)`, name); err != nil {
		return 0, xerrors.Errorf("upserting node %q: %w", name, err)
	}
	var idx int64
	if err := s.db.QueryRowContext(ctx, `SELECT idx FROM nodes WHERE name = ?`, name).Scan(&idx); err != nil {
		return 0, xerrors.Errorf("reading node %q: %w", name, err)
	}
	return model.NodeIdx(idx), nil
}

// Node loads one node by index.
func (s *Store) Node(ctx context.Context, idx model.NodeIdx) (*model.Node, error) {
	n := &model.Node{Idx: idx}
	var crc string
	var sigTag, buildable, status, actualJob, polluted, matchGen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, crc, sig_tag, sig_mtime, buildable, status, actual_job, polluted, match_gen FROM nodes WHERE idx = ?`,
		int64(idx),
	).Scan(&n.Name, &crc, &sigTag, &n.Sig.MTime, &buildable, &status, &actualJob, &polluted, &matchGen)
	if err != nil {
		return nil, xerrors.Errorf("reading node %d: %w", idx, err)
	}
	n.Crc = digest.Crc(crc)
	n.Sig.Tag = digest.SigTag(sigTag)
	n.Buildable = model.Buildable(buildable)
	n.Status = model.NodeStatus(status)
	n.ActualJob = model.JobIdx(actualJob)
	n.Polluted = model.Polluted(polluted)
	n.MatchGen = uint64(matchGen)
	return n, nil
}

// PutNode persists the mutable fields of n (content, signature,
// classification).
func (s *Store) PutNode(ctx context.Context, n *model.Node) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET crc = ?, sig_tag = ?, sig_mtime = ?, buildable = ?, status = ?,
		    actual_job = ?, polluted = ?, match_gen = ?
		WHERE idx = ?`,
		string(n.Crc), int64(n.Sig.Tag), n.Sig.MTime, int64(n.Buildable), int64(n.Status),
		int64(n.ActualJob), int64(n.Polluted), int64(n.MatchGen), int64(n.Idx))
	if err != nil {
		return xerrors.Errorf("writing node %d: %w", n.Idx, err)
	}
	return nil
}

// UpsertJob creates name if absent and returns its index.
func (s *Store) UpsertJob(ctx context.Context, name string) (model.JobIdx, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO jobs(name) VALUES (?)`, name); err != nil {
		return 0, xerrors.Errorf("upserting job %q: %w", name, err)
	}
	var idx int64
	if err := s.db.QueryRowContext(ctx, `SELECT idx FROM jobs WHERE name = ?`, name).Scan(&idx); err != nil {
		return 0, xerrors.Errorf("reading job %q: %w", name, err)
	}
	return model.JobIdx(idx), nil
}

// Job loads one job by index, without its Deps/Targets (use Deps and the
// targets table for those).
func (s *Store) Job(ctx context.Context, idx model.JobIdx) (*model.Job, error) {
	j := &model.Job{Idx: idx}
	var status, runStatus, tokens1 int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, status, run_status, cost, exe_time, tokens1, backend FROM jobs WHERE idx = ?`,
		int64(idx),
	).Scan(&j.Name, &status, &runStatus, &j.Cost, &j.ExeTime, &tokens1, &j.Backend)
	if err != nil {
		return nil, xerrors.Errorf("reading job %d: %w", idx, err)
	}
	j.Status = model.Status(status)
	j.RunStatus = model.RunStatus(runStatus)
	j.Tokens1 = tokens1
	return j, nil
}

// PutJobStatus persists a job's status/run_status/cost/exe_time fields,
// matching "Job.status == New at any point where targets/deps may be
// mutated" (callers are responsible for the ordering invariant).
func (s *Store) PutJobStatus(ctx context.Context, idx model.JobIdx, status model.Status, runStatus model.RunStatus, cost, exeTime float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, run_status = ?, cost = ?, exe_time = ? WHERE idx = ?`,
		int64(status), int64(runStatus), cost, exeTime, int64(idx))
	if err != nil {
		return xerrors.Errorf("writing job %d status: %w", idx, err)
	}
	return nil
}

// ReplaceDeps atomically replaces a job's dep list:
// "across runs [the dep list] is replaced atomically on End."
func (s *Store) ReplaceDeps(ctx context.Context, job model.JobIdx, deps []model.Dep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM deps WHERE job_idx = ?`, int64(job)); err != nil {
		return xerrors.Errorf("clearing deps: %w", err)
	}
	for seq, d := range deps {
		parallel := 0
		if d.Parallel {
			parallel = 1
		}
		isCrc := 0
		if d.IsCrc {
			isCrc = 1
		}
		hot := 0
		if d.Hot {
			hot = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deps(job_idx, seq, node_idx, accesses, dflags, parallel, is_crc, crc, hot)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(job), seq, int64(d.Node), int64(d.Accesses), int64(d.DFlags), parallel, isCrc, string(d.Crc), hot)
		if err != nil {
			return xerrors.Errorf("inserting dep %d: %w", seq, err)
		}
	}
	return tx.Commit()
}

// Deps loads a job's dep list in discovery order; deps are totally
// ordered.
func (s *Store) Deps(ctx context.Context, job model.JobIdx) ([]model.Dep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_idx, accesses, dflags, parallel, is_crc, crc, hot FROM deps WHERE job_idx = ? ORDER BY seq`,
		int64(job))
	if err != nil {
		return nil, xerrors.Errorf("querying deps: %w", err)
	}
	defer rows.Close()
	var out []model.Dep
	for rows.Next() {
		var d model.Dep
		var node, accesses, dflags, parallel, isCrc, hot int64
		var crc string
		if err := rows.Scan(&node, &accesses, &dflags, &parallel, &isCrc, &crc, &hot); err != nil {
			return nil, xerrors.Errorf("scanning dep: %w", err)
		}
		d.Node = model.NodeIdx(node)
		d.Accesses = digest.Access(accesses)
		d.DFlags = digest.DFlags(dflags)
		d.Parallel = parallel != 0
		d.IsCrc = isCrc != 0
		d.Crc = digest.Crc(crc)
		d.Hot = hot != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReplaceTargets atomically replaces a job's target set.
func (s *Store) ReplaceTargets(ctx context.Context, job model.JobIdx, targets []model.Target) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE job_idx = ?`, int64(job)); err != nil {
		return xerrors.Errorf("clearing targets: %w", err)
	}
	for _, t := range targets {
		preExist, written := 0, 0
		if t.PreExist {
			preExist = 1
		}
		if t.Written {
			written = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO targets(job_idx, node_idx, tflags, extra_tflags, pre_exist, written)
			VALUES (?, ?, ?, ?, ?, ?)`,
			int64(job), int64(t.Node), int64(t.TFlags), int64(t.ExtraTFlags), preExist, written)
		if err != nil {
			return xerrors.Errorf("inserting target: %w", err)
		}
	}
	return tx.Commit()
}

// Targets loads a job's current target set.
func (s *Store) Targets(ctx context.Context, job model.JobIdx) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_idx, tflags, extra_tflags, pre_exist, written FROM targets WHERE job_idx = ?`,
		int64(job))
	if err != nil {
		return nil, xerrors.Errorf("querying targets: %w", err)
	}
	defer rows.Close()
	var out []model.Target
	for rows.Next() {
		var t model.Target
		var node, tflags, extraTFlags int64
		var preExist, written int64
		if err := rows.Scan(&node, &tflags, &extraTFlags, &preExist, &written); err != nil {
			return nil, xerrors.Errorf("scanning target: %w", err)
		}
		t.Node = model.NodeIdx(node)
		t.TFlags = digest.TFlags(tflags)
		t.ExtraTFlags = digest.TFlags(extraTFlags)
		t.PreExist = preExist != 0
		t.Written = written != 0
		out = append(out, t)
	}
	return out, rows.Err()
}
