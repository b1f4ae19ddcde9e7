package scan

import (
	"sync/atomic"
	"time"

	"github.com/cuemby/gridscan/pkg/metrics"
)

// NumPartitions is the fixed partition-space size (4096 hash buckets).
const NumPartitions = 4096

// ScanPid records whether partition pid was requested and, if so, an
// optional per-partition resume digest.
type ScanPid struct {
	Requested   bool
	HasDigest   bool
	StartDigest Digest
}

// ScanPidSet is the parsed PID_ARRAY/DIGEST_ARRAY — one entry per
// partition. A nil set means "all partitions"; a non-nil set with no
// Requested entry schedules no partition at all.
type ScanPidSet [NumPartitions]ScanPid

// requestedCount returns how many partitions this set asks for (0 when no
// entry is Requested).
func (s *ScanPidSet) requestedCount() int {
	n := 0
	for i := range s {
		if s[i].Requested {
			n++
		}
	}
	return n
}

// JobKind identifies which of the four scan variants a job is.
type JobKind string

const (
	KindBasic JobKind = "basic"
	KindAggr  JobKind = "aggregation"
	KindUdfBg JobKind = "background-udf"
	KindOpsBg JobKind = "background-ops"
)

// JobStat is the monitoring snapshot published for one job, active or
// finished.
type JobStat struct {
	Trid          uint64
	Kind          JobKind
	Namespace     string
	SetName       string
	Client        string
	StartNs       int64
	Abandoned     AbandonReason
	NSucceeded    uint64
	NFailed       uint64
	NFilteredMeta uint64
	NFilteredBins uint64
	NetIOBytes    uint64
	SocketTimeout int
	// Jdata is the variant-specific suffix (udf-filename/function/active,
	// or ops-active).
	Jdata map[string]any
}

// Job is the per-variant dispatch surface every scan job implements —
// the Go equivalent of the source's four-function-pointer vtable, realized
// as an interface over a type embedding *ScanJob.
type Job interface {
	Base() *ScanJob
	// Slice processes one reserved partition. Called by a worker once per
	// (job, partition) work unit; never called again for that pid.
	Slice(res *Reservation)
	// Finish is called exactly once, after every work unit for this job
	// has been processed (or the job was abandoned).
	Finish()
	// Destroy releases variant-specific resources. Called once, after
	// Finish, immediately before the job is dropped from the registry.
	Destroy()
	Info() JobStat
}

// ScanJob is the base embedded by every job variant: identity, requested
// partitions, throttle, and the monotonic outcome counters.
type ScanJob struct {
	Trid      uint64
	Namespace string
	SetName   string
	SetID     uint16 // InvalidSetID == whole namespace
	PerPid    bool   // true if the client named specific partitions/digests
	Pids      *ScanPidSet
	Client    string
	StartNs   int64

	Store Store

	throttle *Throttle

	abandoned atomic.Uint32 // AbandonReason, 0 == not abandoned

	nSucceeded    atomic.Uint64
	nFailed       atomic.Uint64
	nFilteredMeta atomic.Uint64
	nFilteredBins atomic.Uint64
}

// NewScanJob initializes the base fields shared by every variant.
func NewScanJob(trid uint64, namespace, setName string, setID uint16, perPid bool, pids *ScanPidSet, rps int, client string, store Store) *ScanJob {
	return &ScanJob{
		Trid:      trid,
		Namespace: namespace,
		SetName:   setName,
		SetID:     setID,
		PerPid:    perPid,
		Pids:      pids,
		Client:    client,
		StartNs:   time.Now().UnixNano(),
		throttle:  NewThrottle(rps),
		Store:     store,
	}
}

// Throttle returns how long the caller must sleep before the next record,
// or 0 if no sleep is due. RPS==0 (unlimited) always returns 0.
func (j *ScanJob) Throttle() time.Duration {
	return j.throttle.Sleep()
}

// ThrottleWait computes the due sleep and performs it in the calling
// worker, so the combined cadence of all this job's slices lands on the
// configured RPS.
func (j *ScanJob) ThrottleWait() {
	if d := j.throttle.Sleep(); d > 0 {
		metrics.ThrottleSleepSeconds.Observe(d.Seconds())
		time.Sleep(d)
	}
}

// Abandoned reports the current abandonment reason, or ReasonNone.
func (j *ScanJob) Abandoned() AbandonReason {
	return AbandonReason(j.abandoned.Load())
}

// IsAbandoned is a fast boolean check used at the top of every reduce
// callback.
func (j *ScanJob) IsAbandoned() bool {
	return j.abandoned.Load() != uint32(ReasonNone)
}

// Abandon sets the abandoned reason if it is currently unset. Idempotent
// and safe from any thread, including a worker inside a reduce callback.
func (j *ScanJob) Abandon(reason AbandonReason) {
	j.abandoned.CompareAndSwap(uint32(ReasonNone), uint32(reason))
}

func (j *ScanJob) AddSucceeded(n uint64)    { j.nSucceeded.Add(n) }
func (j *ScanJob) AddFailed(n uint64)       { j.nFailed.Add(n) }
func (j *ScanJob) AddFilteredMeta(n uint64) { j.nFilteredMeta.Add(n) }
func (j *ScanJob) AddFilteredBins(n uint64) { j.nFilteredBins.Add(n) }

func (j *ScanJob) Succeeded() uint64    { return j.nSucceeded.Load() }
func (j *ScanJob) Failed() uint64       { return j.nFailed.Load() }
func (j *ScanJob) FilteredMeta() uint64 { return j.nFilteredMeta.Load() }
func (j *ScanJob) FilteredBins() uint64 { return j.nFilteredBins.Load() }

// terminalStatus buckets a job's final abandonment reason into the
// complete/abort/error counter family: clean completion counts complete,
// a user-initiated stop counts abort, and everything else is an error.
func terminalStatus(r AbandonReason) string {
	switch r {
	case ReasonNone, ReasonOK:
		return metrics.StatusComplete
	case ReasonUserAbort:
		return metrics.StatusAbort
	default:
		return metrics.StatusError
	}
}

// inSet reports whether ref passes this job's set filter.
func (j *ScanJob) inSet(ref IndexRef) bool {
	return j.SetID == InvalidSetID || ref.SetID == j.SetID
}
