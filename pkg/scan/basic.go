package scan

import (
	"sync/atomic"

	"github.com/cuemby/gridscan/pkg/log"
	"github.com/cuemby/gridscan/pkg/metrics"
)

// SampleMargin is added to the per-partition share of an absolute-max
// sample so that the last few partitions to finish still have headroom.
const SampleMargin = 4

// BasicJobExtra holds the fields unique to a basic record-fetch scan.
type BasicJobExtra struct {
	ClusterKey          uint64
	FailOnClusterChange bool
	NoBinData           bool

	SamplePct int // 1..100; 100 means "no percent sampling"
	SampleMax int64 // 0 means "no absolute-max sampling"

	sampleCount     atomic.Int64
	maxPerPartition int64 // derived from SampleMax / #partitions requested

	Predicate Predicate
	BinNames  []string // optional projection; empty means all bins
}

// BasicJob streams record data back to the client, with optional
// percent/absolute-max sampling, set filtering, and predicate evaluation.
type BasicJob struct {
	*ScanJob
	ConnJob
	Extra BasicJobExtra
}

var _ Job = (*BasicJob)(nil)

func (j *BasicJob) Base() *ScanJob { return j.ScanJob }

// Slice scans partition res.PartitionID: reduce the index tree, filter,
// serialize surviving records into chunked responses.
func (j *BasicJob) Slice(res *Reservation) {
	buf := newChunkBuffer()

	// Set resolution already happened at start (unknown set => SetID stays
	// InvalidSetID while SetName stays populated; see request.go). A per-partition
	// scan of a set this namespace has never heard of just reports done.
	if j.SetName != "" && j.SetID == InvalidSetID && j.PerPid {
		buf.appendPidDone(res.PartitionID, PidOK)
		j.flushIfAny(buf)
		return
	}

	liveOnly := j.Extra.SampleMax > 0 || (j.Extra.SamplePct >= 100 && j.Extra.SampleMax == 0)
	var limit int
	if j.Extra.SamplePct < 100 && j.Extra.SampleMax == 0 {
		limit = (res.PartitionSize * j.Extra.SamplePct) / 100
		liveOnly = false // percent sampling measures the index as seen, tombstones included
	}

	lastSample := false
	considered := int64(0)

	err := j.Store.ReduceFrom(res, j.startDigestFor(res.PartitionID), liveOnly, func(ref IndexRef) bool {
		if limit > 0 {
			limit--
		} else if j.Extra.SamplePct < 100 && j.Extra.SampleMax == 0 {
			return false // percent-sampling limit reached
		}

		if j.Extra.SampleMax > 0 {
			considered++
			if considered > j.Extra.maxPerPartition {
				return false // this partition's share of the absolute-max budget is exhausted
			}
		}

		if j.IsAbandoned() {
			return false
		}
		if j.Extra.FailOnClusterChange && j.Store.ClusterKey() != j.Extra.ClusterKey {
			j.Abandon(ReasonClusterKeyMismatch)
			return false
		}
		if !j.inSet(ref) {
			return true
		}
		if ref.Doomed {
			return true
		}

		if j.Extra.Predicate != nil {
			switch j.Extra.Predicate.EvalMeta(ref) {
			case PredicateFalse:
				j.AddFilteredMeta(1)
				return true
			case PredicateTrue:
				return j.emitRecord(res, ref, nil, buf, &lastSample)
			}
		}

		rec, openErr := j.Store.OpenRecord(res, ref)
		if openErr != nil {
			j.AddFailed(1)
			return true
		}

		if j.Extra.Predicate != nil {
			ok, evalErr := j.Extra.Predicate.EvalBins(rec)
			if evalErr != nil || !ok {
				j.AddFilteredBins(1)
				rec.Close()
				if !j.Store.InMemory(j.Namespace) {
					j.ThrottleWait()
				}
				return true
			}
		}

		cont := j.emitRecord(res, ref, rec, buf, &lastSample)
		return cont
	})
	if err != nil {
		lg := log.WithTrid(j.Trid)
		lg.Error().Err(err).Int("pid", res.PartitionID).Msg("basic scan reduce failed")
	}

	if j.PerPid {
		buf.appendPidDone(res.PartitionID, PidOK)
	}
	j.flushIfAny(buf)
}

// emitRecord serializes one record into buf, bumping counters and the
// sample/last-sample bookkeeping, honoring the SCAN_CHUNK_LIMIT flush
// boundary. rec may be nil when the predicate resolved DEFINITELY_TRUE on
// metadata alone. Returns whether iteration should continue.
func (j *BasicJob) emitRecord(res *Reservation, ref IndexRef, rec RecordHandle, buf *chunkBuffer, lastSample *bool) bool {
	if j.Extra.SampleMax > 0 {
		count := j.Extra.sampleCount.Add(1)
		if count > j.Extra.SampleMax {
			if rec != nil {
				rec.Close()
			}
			return false
		}
		if count == j.Extra.SampleMax {
			*lastSample = true
		}
	}

	var bins map[string][]byte
	if !j.Extra.NoBinData {
		if rec == nil {
			var err error
			rec, err = j.Store.OpenRecord(res, ref)
			if err != nil {
				j.AddFailed(1)
				return true
			}
		}
		var err error
		bins, err = rec.Bins(j.Extra.BinNames)
		if err != nil {
			j.AddFailed(1)
			rec.Close()
			return true
		}
	}
	if rec != nil {
		rec.Close()
	}

	buf.appendRecord(ref, j.Extra.NoBinData, bins)
	j.AddSucceeded(1)

	if buf.len() >= ChunkLimit {
		if !j.sendResponse(buf) {
			return false
		}
		buf.reset()
	}

	if *lastSample {
		return false
	}
	j.ThrottleWait()
	return true
}

// NotifyUnavailable reports a partition this node does not currently
// master, for a per-partition scan that named it explicitly.
func (j *BasicJob) NotifyUnavailable(pid int) {
	buf := newChunkBuffer()
	buf.appendPidDone(pid, PidUnavailable)
	j.flushIfAny(buf)
}

func (j *BasicJob) flushIfAny(buf *chunkBuffer) {
	if buf.hasPayload() {
		j.sendResponse(buf)
	}
}

func (j *BasicJob) startDigestFor(pid int) *Digest {
	if j.Pids == nil || !j.Pids[pid].HasDigest {
		return nil
	}
	d := j.Pids[pid].StartDigest
	return &d
}

func (j *BasicJob) Finish() {
	j.ConnJob.finish(j.Abandoned())

	metrics.JobsTotal.WithLabelValues(metrics.TypeBasic, terminalStatus(j.Abandoned())).Inc()
	metrics.NetIOBytesTotal.WithLabelValues(metrics.TypeBasic).Add(float64(j.ConnJob.NetIOBytes()))
}

func (j *BasicJob) Destroy() {
	j.Extra.BinNames = nil
	j.Extra.Predicate = nil
}

func (j *BasicJob) Info() JobStat {
	return JobStat{
		Trid:          j.Trid,
		Kind:          KindBasic,
		Namespace:     j.Namespace,
		SetName:       j.SetName,
		Client:        j.Client,
		StartNs:       j.StartNs,
		Abandoned:     j.Abandoned(),
		NSucceeded:    j.Succeeded(),
		NFailed:       j.Failed(),
		NFilteredMeta: j.FilteredMeta(),
		NFilteredBins: j.FilteredBins(),
		NetIOBytes:    j.ConnJob.NetIOBytes(),
		SocketTimeout: int(j.ConnJob.timeout.Milliseconds()),
	}
}

// deriveMaxPerPartition computes the per-partition share of an
// absolute-max sample across nPidsRequested partitions.
func deriveMaxPerPartition(sampleMax int64, nPidsRequested int) int64 {
	if nPidsRequested <= 0 {
		nPidsRequested = 1
	}
	per := (sampleMax + int64(nPidsRequested) - 1) / int64(nPidsRequested)
	return per + SampleMargin
}
