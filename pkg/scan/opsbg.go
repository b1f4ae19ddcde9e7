package scan

import "github.com/cuemby/gridscan/pkg/metrics"

// OpsBgJob applies a fixed set of bin operations (write-only; the ops
// blob itself is opaque to the scan core) to every matching record in
// the background. Structurally identical to UdfBgJob save for what it
// puts in the sub-transaction's origin template and how it reports
// itself to monitoring.
type OpsBgJob struct {
	BgJob
}

var _ Job = (*OpsBgJob)(nil)

// NewOpsBgJob constructs a background ops-apply job. origin.Ops must be
// non-empty.
func NewOpsBgJob(base *ScanJob, origin OriginTemplate, dispatcher TxDispatcher, predicate Predicate) *OpsBgJob {
	return &OpsBgJob{
		BgJob: newBgJob(base, origin, dispatcher, predicate),
	}
}

func (j *OpsBgJob) Base() *ScanJob { return j.ScanJob }

func (j *OpsBgJob) Slice(res *Reservation) {
	j.slice(res, metrics.TypeOpsBg)
}

func (j *OpsBgJob) Finish() {
	j.finish()

	metrics.JobsTotal.WithLabelValues(metrics.TypeOpsBg, terminalStatus(j.Abandoned())).Inc()
}

func (j *OpsBgJob) Destroy() {
	j.Origin.Ops = nil
	j.Predicate = nil
}

func (j *OpsBgJob) Info() JobStat {
	return JobStat{
		Trid:          j.Trid,
		Kind:          KindOpsBg,
		Namespace:     j.Namespace,
		SetName:       j.SetName,
		Client:        j.Client,
		StartNs:       j.StartNs,
		Abandoned:     j.Abandoned(),
		NSucceeded:    j.Succeeded(),
		NFailed:       j.Failed(),
		NFilteredMeta: j.FilteredMeta(),
		NFilteredBins: j.FilteredBins(),
		Jdata: map[string]any{
			"ops-active": j.activeCount(),
		},
	}
}
