package scan

import "github.com/cuemby/gridscan/pkg/metrics"

// UdfBgJob applies a record-UDF to every matching record in the
// background, enqueuing one sub-transaction per record instead of
// streaming anything to the client. The client's socket is acknowledged
// and closed right after the job is admitted (ackAndDetach in listener.go),
// while its partitions are still being sliced in the background.
type UdfBgJob struct {
	BgJob
	Runtime UDFRuntime
}

var _ Job = (*UdfBgJob)(nil)

// NewUdfBgJob constructs a background UDF-apply job. origin must already
// carry a non-nil UDFCall.
func NewUdfBgJob(base *ScanJob, origin OriginTemplate, dispatcher TxDispatcher, predicate Predicate, runtime UDFRuntime) *UdfBgJob {
	return &UdfBgJob{
		BgJob:   newBgJob(base, origin, dispatcher, predicate),
		Runtime: runtime,
	}
}

func (j *UdfBgJob) Base() *ScanJob { return j.ScanJob }

func (j *UdfBgJob) Slice(res *Reservation) {
	if !j.Runtime.Enabled() {
		j.Abandon(ReasonUDFDisabled)
		return
	}
	j.slice(res, metrics.TypeUdfBg)
}

func (j *UdfBgJob) Finish() {
	j.finish()

	metrics.JobsTotal.WithLabelValues(metrics.TypeUdfBg, terminalStatus(j.Abandoned())).Inc()
}

func (j *UdfBgJob) Destroy() {
	j.Origin.UDFCall = nil
	j.Predicate = nil
}

func (j *UdfBgJob) Info() JobStat {
	var udfFile, udfFunc string
	if j.Origin.UDFCall != nil {
		udfFile = j.Origin.UDFCall.Filename
		udfFunc = j.Origin.UDFCall.Function
	}
	return JobStat{
		Trid:          j.Trid,
		Kind:          KindUdfBg,
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
			"udf-filename": udfFile,
			"udf-function": udfFunc,
			"udf-active":   j.activeCount(),
		},
	}
}
