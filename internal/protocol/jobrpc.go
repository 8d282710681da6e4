package protocol

import "time"

// MngtProc enumerates the JobMngt request kinds.
type MngtProc uint8

const (
	ProcChkDeps MngtProc = iota
	ProcDepDirect
	ProcDepVerbose
	ProcLiveOut
	ProcAddLiveOut
	ProcHeartbeat
	ProcKill
)

// TriState is the ChkDeps reply verdict.
type TriState uint8

const (
	TriMaybe TriState = iota // not ready; caller should rerun
	TriYes
	TriNo
)

// JobStartRpcReq is sent by a spawned job-exec process to the engine when it
// begins.
type JobStartRpcReq struct {
	SeqID   int64
	Job     int64 // model.JobIdx
	Service string
	Msg     string
}

// JobStartRpcReply answers a JobStartRpcReq with everything the job-exec
// process needs to set up its JobSpace and run the command.
type JobStartRpcReply struct {
	RuleName     string
	Cmd          string
	Interpreter  []string
	Env          map[string]string
	KillSigs     []string // ordered list of signals, with delays
	JobSpace     JobSpaceSpec
	AutodepEnv   map[string]string
	StaticMatches []string
	StarMatches   []string
	Deps          []string

	SmallID       int64
	Timeout       time.Duration
	DdatePrec     time.Duration
	NetworkDelay  time.Duration
	Nice          int
	LiveOut       bool
	KeepTmp       bool
	Method        string
	UseScript     bool
	Stdin         string
	StdoutIsErrOk bool
	Zlvl          int
	Key           uint32
	PhyLmakeRootS string
	CacheIdx1     int64
}

// JobSpaceSpec is the wire shape of a JobSpace configuration.
type JobSpaceSpec struct {
	LmakeView string
	RepoView  string
	TmpView   string
	Views     map[string]ViewSpec
	ChrootDir string
}

// ViewSpec is one mount view: a stack of layers (bind-mount for a single
// layer, overlay for N>=2).
type ViewSpec struct {
	Layers  []string
	CopyUp  []string
}

// JobMngtRpcReq is sent by a running job-exec process during execution.
type JobMngtRpcReq struct {
	Proc    MngtProc
	Fd      int
	Targets []string
	Deps    []string
	Txt     string
}

// VerboseInfo is one (ok, crc) pair returned by a DepVerbose reply.
type VerboseInfo struct {
	Ok  TriState
	Crc string
}

// JobMngtRpcReply answers a JobMngtRpcReq.
type JobMngtRpcReply struct {
	Proc         MngtProc
	SeqID        int64
	Fd           int
	Ok           TriState
	VerboseInfos []VerboseInfo
	Txt          string
}

// JobEndRpcReq is sent once by a job-exec process when it finishes.
type JobEndRpcReq struct {
	SeqID       int64
	Job         int64
	Digest      JobDigest
	DynEnv      map[string]string
	EndDate     time.Time
	MsgStderr   string
	OSInfo      string
	PhyTmpDirS  string
	Stats       JobStats
	Stdout      string
	TotalSz     int64
	TotalZSz    int64
	UserTrace   string
	WStatus     int
}

// JobDigest carries the observed target/dep digests for one run, the wire
// analog of the in-memory Job/Dep/Target fields.
type JobDigest struct {
	Targets []TargetWire
	Deps    []DepWire
}

// TargetWire is one Target observation reported by the job-exec process.
type TargetWire struct {
	Path        string
	TFlags      uint8
	ExtraTFlags uint8
	PreExist    bool
	Written     bool
	Crc         string
}

// DepWire is one Dep observation reported by the job-exec process.
type DepWire struct {
	Path     string
	Accesses uint8
	DFlags   uint8
	Parallel bool
	Crc      string
}

// JobStats is the (cpu, elapsed, mem) triple accumulated per Req.
type JobStats struct {
	CPU     time.Duration
	Elapsed time.Duration
	MemKB   int64
}
