// Package model holds the core graph types (Node, Job, Dep, Target, Req).
// The graph is represented as an arena of stable integer indices rather than
// a pointer graph with shared ownership, so Node<->Job back-references
// (Node.AskingJob) never need a garbage-collector-unfriendly cycle.
package model

import "github.com/forgebuild/forge/internal/digest"

// NodeIdx, JobIdx, ReqIdx, DepIdx are stable arena indices. Zero is reserved
// as "no such entity".
type (
	NodeIdx int64
	JobIdx  int64
	ReqIdx  int64
	DepIdx  int64
)

// Buildable classifies whether/how a Node can be produced.
type Buildable uint8

const (
	BuildableUnknown Buildable = iota
	BuildableNo
	BuildableAnti
	BuildableSrcDir
	BuildableSubSrcDir
	BuildableSrc
	BuildableMaybe
	BuildableYes
)

// NodeStatus is the coarse lifecycle state of a Node.
type NodeStatus uint8

const (
	NodeStatusPlain NodeStatus = iota
	NodeStatusTransient
	NodeStatusMakable
)

// Polluted records whether a Node's on-disk content is attributable to a Job
// run by this engine, to a pre-existing file, or to nothing yet.
type Polluted uint8

const (
	PollutedClean Polluted = iota
	PollutedJob
	PollutedPreExist
)

// Node is a filesystem path, uniquified by Name. Nodes are created lazily on
// first mention and are never physically deleted; logical deletion happens
// in bulk via MatchGen.
type Node struct {
	Idx  NodeIdx
	Name string

	Crc digest.Crc
	Sig digest.FileSig

	Buildable Buildable
	Status    NodeStatus

	// ActualJob is the Job currently responsible for producing this Node, or
	// zero if none.
	ActualJob      JobIdx
	ActualTFlags   digest.TFlags
	Polluted       Polluted
	AskingJob      JobIdx // back-link to the Job that most recently asked for this Node
	Dir            NodeIdx
	MatchGen       uint64 // generation at which Buildable was last (re)computed
}

// Dep is a Node reference as accessed by a running Job, augmented with
// discovery-order digest state. Deps are totally ordered.
type Dep struct {
	Node NodeIdx
	digest.DepDigest
}

// Target is a Node a Job is responsible for producing.
type Target struct {
	Node NodeIdx
	digest.TargetDigest
}

// Status is the result classification of a job run.
type Status uint8

const (
	StatusNew Status = iota
	StatusEarlyChkDeps
	StatusEarlyErr
	StatusEarlyLost
	StatusEarlyLostErr
	StatusLateLost
	StatusLateLostErr
	StatusKilled
	StatusChkDeps
	StatusCacheMatch
	StatusBadTarget
	StatusOk
	StatusRunLoop
	StatusSubmitLoop
	StatusErr
)

// Done reports whether Status represents a terminal, analyzable-without-rerun
// outcome (as opposed to New/ChkDeps/CacheMatch, which require further
// engine action).
func (s Status) Done() bool {
	switch s {
	case StatusOk, StatusErr, StatusBadTarget, StatusRunLoop, StatusSubmitLoop,
		StatusEarlyErr, StatusEarlyLost, StatusEarlyLostErr, StatusLateLost, StatusLateLostErr, StatusKilled:
		return true
	}
	return false
}

// RunStatus is the pre-run run-decision classification.
type RunStatus uint8

const (
	RunStatusOk RunStatus = iota
	RunStatusError
	RunStatusDepError
	RunStatusMissingStatic
)

// Job is an (effective-rule, matched-stems) instance producing one or more
// targets, uniquified by its full (rule-encoded) name.
type Job struct {
	Idx  JobIdx
	Name string

	RuleCrc digest.RuleCrc
	Deps    []Dep // append-only within a run; replaced atomically on End
	Targets []Target

	Status    Status
	RunStatus RunStatus

	Cost        float64 // estimated resource cost, seeds pressure before any run
	ExeTime     float64 // seconds; exponential moving average across runs
	ExeTimeSeen bool    // whether ExeTime has ever been sampled
	StatsWeight float64

	Tokens1       int64 // resource-occupancy scalar handed to the Backend
	CacheHitInfo  CacheHitInfo
	Backend       string // backend tag this job is bound to
}

// CacheHitInfo classifies how (if at all) the Cache satisfied a job run.
type CacheHitInfo uint8

const (
	CacheNone CacheHitInfo = iota
	CacheHit
	CacheMatchPartial
	CacheMiss
)

// ReqOptionFlags are per-Req build flags.
type ReqOptionFlags uint32

const (
	ReqLiveOut ReqOptionFlags = 1 << iota
	ReqVerbose
	ReqPorcelaine
	ReqArchive
	ReqForce
	ReqNoIncremental
)

// ReqOptions bundles a Req's boolean flags with its scalar knobs.
type ReqOptions struct {
	Flags       ReqOptionFlags
	NRetries    int
	NSubmits    int
	Nice        int
	CacheMethod string
}

// Req is an open build invocation. Key is the connection key validating
// JobStart/JobMngt/JobEnd frames as belonging to this Req.
type Req struct {
	Idx     ReqIdx
	Key     uint32
	Options ReqOptions

	Targets []NodeIdx

	Stats       ReqStats
	ClashNodes  []NodeIdx
	Eta         int64 // unix nanoseconds; requested completion time, drives Pressure
	Zombie      bool  // kill requested, teardown not yet complete
}

// ReqStats accumulates (cpu, elapsed, mem) plus counts by job-report kind
// over the lifetime of one Req.
type ReqStats struct {
	CPU     float64
	Elapsed float64
	MemKB   int64

	NSteady int
	NDone   int
	NRerun  int
	NFailed int
	NHit    int
}

// JobReasonTag is why a Job would run or is blocked.
type JobReasonTag uint16

const (
	ReasonNone JobReasonTag = iota
	ReasonRetry
	ReasonLostRetry
	ReasonForce
	ReasonCmd
	ReasonOldErr
	ReasonRsrcs
	ReasonClashTarget
	ReasonBusyTarget
	ReasonDepOutOfDate
	ReasonDepUnlnked
	ReasonDepUnstable
	ReasonDepErr
	ReasonDepOverwritten
	ReasonDepMissingRequired
	ReasonDepMissingStatic
)

// priority gives each JobReasonTag a fixed merge priority: Reason merging
// keeps the older (lower-numbered-tiebreak) reason on ties.
var priority = map[JobReasonTag]int{
	ReasonNone:               0,
	ReasonDep:                1,
	ReasonRetry:              10,
	ReasonLostRetry:          11,
	ReasonForce:              20,
	ReasonCmd:                21,
	ReasonOldErr:             22,
	ReasonRsrcs:              23,
	ReasonClashTarget:        30,
	ReasonBusyTarget:         31,
	ReasonDepOutOfDate:       40,
	ReasonDepUnlnked:         41,
	ReasonDepUnstable:        50,
	ReasonDepErr:             60,
	ReasonDepOverwritten:     61,
	ReasonDepMissingRequired: 62,
	ReasonDepMissingStatic:   63,
}

// ReasonDep is the "no reason to run" sentinel; kept distinct from
// ReasonNone so merge priority can order them.
const ReasonDep JobReasonTag = 1000

// MergeReason keeps the higher-priority reason, falling back to the
// existing one on ties: each reason has a fixed priority, and merging
// keeps the older reason on ties.
func MergeReason(existing, incoming JobReasonTag) JobReasonTag {
	if incoming == ReasonNone {
		return existing
	}
	if existing == ReasonNone {
		return incoming
	}
	if priority[incoming] > priority[existing] {
		return incoming
	}
	return existing
}

// Speculate marks whether analysis proceeded speculatively past a dep whose
// error was ignored.
type Speculate uint8

const (
	SpeculateNo Speculate = iota
	SpeculateMaybe
	SpeculateYes
)

// Step is a Job's analysis cursor within one Req.
type Step uint8

const (
	StepNone Step = iota
	StepDep
	StepQueued
	StepExec
	StepEnd
	StepHit
	StepDone
)

// AnalysisState is the proto/stamped reason-accumulation state threaded
// through the dep analysis loop.
type AnalysisState struct {
	Err   bool
	Modif bool
	Reason JobReasonTag
}

// ReqInfo is the per-(entity, Req) analysis state. One ReqInfo exists per
// Job per open Req.
type ReqInfo struct {
	Step Step
	Iter int // resume cursor into Job.Deps

	Proto    AnalysisState
	Stamped  AnalysisState
	MissingDsk bool
	Force      bool

	NWait     int
	NSubmits  int
	NRuns     int
	NRetries  int
	NLosts    int
	Speculate Speculate

	LiveOut  bool
	Reported bool
	Reason   JobReasonTag
	Pressure int64 // coarse delay used for backend queue ordering
}

// Waiting reports whether this ReqInfo is suspended awaiting a child.
func (ri *ReqInfo) Waiting() bool { return ri.NWait > 0 }

// Done reports whether this ReqInfo's Job needs no further analysis this
// call.
func (ri *ReqInfo) Done() bool { return ri.Step == StepDone || ri.Step == StepHit }
