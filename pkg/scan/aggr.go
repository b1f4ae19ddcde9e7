package scan

import (
	"context"

	"github.com/cuemby/gridscan/pkg/metrics"
)

// AggrJobExtra holds the fields unique to a UDF-aggregation scan.
type AggrJobExtra struct {
	Call    AggrCallDescriptor
	Runtime UDFRuntime
	// ValueEncode turns one aggregation output value into wire bytes.
	// Left as a function so the demo UDF runtime and tests can agree on a
	// trivial encoding without this package depending on a serialization
	// format the real runtime would own.
	ValueEncode func(val any) []byte
}

// AggrJob collects digests per partition and hands them to the UDF
// aggregation runtime, streaming its output values back to the client.
type AggrJob struct {
	*ScanJob
	ConnJob
	Extra AggrJobExtra
}

var _ Job = (*AggrJob)(nil)

func (j *AggrJob) Base() *ScanJob { return j.ScanJob }

func (j *AggrJob) Slice(res *Reservation) {
	var digests []Digest

	_ = j.Store.ReduceFrom(res, nil, true, func(ref IndexRef) bool {
		if j.IsAbandoned() {
			return false
		}
		if !j.inSet(ref) {
			return true
		}
		if ref.Doomed {
			return true
		}
		digests = append(digests, ref.Digest)
		return true
	})

	if len(digests) == 0 {
		return
	}

	buf := newChunkBuffer()
	hooks := AggrHooks{
		OstreamWrite: func(val any) error {
			buf.appendValue(true, j.Extra.ValueEncode(val))
			if buf.len() >= ChunkLimit {
				if !j.sendResponse(buf) {
					return errAggrSendFailed
				}
				buf.reset()
			}
			return nil
		},
		PtnReserve: func() *Reservation { return res },
	}

	err := j.Extra.Runtime.RunAggregation(context.Background(), j.Namespace, j.Extra.Call, digests, hooks)
	if err != nil {
		failBuf := newChunkBuffer()
		failBuf.appendValue(false, []byte(err.Error()))
		j.sendResponse(failBuf)
		j.Abandon(ReasonUnknown)
		return
	}

	if buf.hasPayload() {
		j.sendResponse(buf)
	}
}

var errAggrSendFailed = aggrSendError{}

type aggrSendError struct{}

func (aggrSendError) Error() string { return "scan: aggregation output send failed" }

func (j *AggrJob) Finish() {
	j.ConnJob.finish(j.Abandoned())

	metrics.JobsTotal.WithLabelValues(metrics.TypeAggr, terminalStatus(j.Abandoned())).Inc()
	metrics.NetIOBytesTotal.WithLabelValues(metrics.TypeAggr).Add(float64(j.ConnJob.NetIOBytes()))
}

func (j *AggrJob) Destroy() {
	j.Extra.Call.Args = nil
}

func (j *AggrJob) Info() JobStat {
	return JobStat{
		Trid:       j.Trid,
		Kind:       KindAggr,
		Namespace:  j.Namespace,
		SetName:    j.SetName,
		Client:     j.Client,
		StartNs:    j.StartNs,
		Abandoned:  j.Abandoned(),
		NSucceeded: j.Succeeded(),
		NFailed:    j.Failed(),
		NetIOBytes: j.ConnJob.NetIOBytes(),
	}
}
