package protocol

// CacheProc enumerates the Cache RPC request kinds.
type CacheProc uint8

const (
	CacheProcConfig CacheProc = iota
	CacheProcDownload
	CacheProcUpload
	CacheProcCommit
	CacheProcDismiss
)

// Rate is an 8-bit admission-rate knob; 0 means "use the configured
// max_rate".
type Rate uint8

// CacheRpcReq is one request on the Cache wire protocol (length-prefixed +
// CacheMagic).
type CacheRpcReq struct {
	Proc CacheProc

	// Config
	Zlvl int

	// Download / Upload / Commit / Dismiss
	JobKey   string // unique_name(job)
	DepFp    string // canonical dep fingerprint
	Key      string // reservation key from a prior Upload reply
	TotalSz  int64
	ExeTime  float64
	MaxRate  Rate
}

// CacheRpcReply mirrors CacheRpcReq.
type CacheRpcReply struct {
	Proc   CacheProc
	ConnID string // established by Config, echoed on subsequent Uploads

	// Download
	Outcome   MatchOutcome
	Key       string
	NewDeps   []string

	Err string
}

// MatchOutcome classifies the result of Cache.Match.
type MatchOutcome uint8

const (
	MatchMiss MatchOutcome = iota
	MatchPartial
	MatchHit
)
