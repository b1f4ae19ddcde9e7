package scan

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/gridscan/pkg/metrics"
)

// MaxActiveTransactions bounds how many sub-transactions a single
// background job may have enqueued and not yet completed. A slice
// producing sub-transactions faster than the write pipeline drains them
// blocks here rather than growing the in-flight set without bound.
const MaxActiveTransactions = 200

// BgJob is the shared machinery for UdfBgJob and OpsBgJob: both enqueue
// per-record sub-transactions into the write pipeline instead of
// streaming anything back to the client.
//
// The in-flight count is modeled with a buffered channel used as an
// admission semaphore (acquire blocks the producing goroutine once
// MaxActiveTransactions are outstanding) plus a sync.WaitGroup that
// finish blocks on until every completion callback has fired.
type BgJob struct {
	*ScanJob

	Origin     OriginTemplate
	Dispatcher TxDispatcher
	Predicate  Predicate // metadata-only; bin-level filtering happens in the sub-transaction itself

	wg        sync.WaitGroup
	sem       chan struct{}
	nActiveTr atomic.Int64
}

func newBgJob(base *ScanJob, origin OriginTemplate, dispatcher TxDispatcher, predicate Predicate) BgJob {
	return BgJob{
		ScanJob:    base,
		Origin:     origin,
		Dispatcher: dispatcher,
		Predicate:  predicate,
		sem:        make(chan struct{}, MaxActiveTransactions),
	}
}

// slice walks one partition's live records and enqueues a sub-transaction
// for each one that survives the set/doomed/meta-predicate filters.
// metricsType is one of metrics.TypeUdfBg / metrics.TypeOpsBg and picks
// which variant's counter family records each outcome.
//
// The walk and the enqueue are two phases: digests are copied out during
// the read-only reduce, and sub-transactions are built only after
// ReduceFrom has returned. Throttle sleeps, the in-flight gate, and the
// dispatcher (which may open its own write transaction against the same
// store) must never run inside the index iteration — an inline dispatcher
// nesting a write transaction under the still-open read transaction on
// the same goroutine can deadlock in the storage engine.
func (bg *BgJob) slice(res *Reservation, metricsType string) {
	var digests []Digest
	_ = bg.Store.ReduceFrom(res, nil, true, func(ref IndexRef) bool {
		if bg.IsAbandoned() {
			return false
		}
		if !bg.inSet(ref) {
			return true
		}
		if ref.Doomed {
			return true
		}
		if bg.Predicate != nil && bg.Predicate.EvalMeta(ref) == PredicateFalse {
			bg.AddFilteredMeta(1)
			metrics.RecordsTotal.WithLabelValues(metricsType, "filtered_meta").Inc()
			return true
		}
		digests = append(digests, ref.Digest)
		return true
	})

	for _, digest := range digests {
		if bg.IsAbandoned() {
			return
		}

		bg.sem <- struct{}{} // block-wait while in-flight count is at MaxActiveTransactions
		bg.ThrottleWait()

		bg.wg.Add(1)
		bg.nActiveTr.Add(1)
		metrics.ActiveSubTransactions.WithLabelValues(metricsType).Inc()

		tx := &SubTransaction{
			Namespace: bg.Namespace,
			Digest:    digest,
			Origin:    bg.Origin,
			Complete:  bg.completionFor(metricsType),
		}

		if err := bg.Dispatcher.Enqueue(tx); err != nil {
			bg.release(metricsType)
			bg.AddFailed(1)
			metrics.RecordsTotal.WithLabelValues(metricsType, "failed").Inc()
		}
	}
}

// completionFor builds the tr_complete callback: decrements the in-flight
// count and buckets the result into the job's counters.
func (bg *BgJob) completionFor(metricsType string) func(SubTxResult) {
	return func(result SubTxResult) {
		defer bg.release(metricsType)
		switch result {
		case SubTxOK:
			bg.AddSucceeded(1)
			metrics.RecordsTotal.WithLabelValues(metricsType, "succeeded").Inc()
		case SubTxNotFound:
			// record vanished after the slice observed it: not counted either way
		case SubTxFilteredOut:
			bg.AddFilteredBins(1)
			metrics.RecordsTotal.WithLabelValues(metricsType, "filtered_bins").Inc()
		default:
			bg.AddFailed(1)
			metrics.RecordsTotal.WithLabelValues(metricsType, "failed").Inc()
		}
	}
}

func (bg *BgJob) release(metricsType string) {
	<-bg.sem
	bg.nActiveTr.Add(-1)
	metrics.ActiveSubTransactions.WithLabelValues(metricsType).Dec()
	bg.wg.Done()
}

// finish blocks until every enqueued sub-transaction has completed.
func (bg *BgJob) finish() {
	bg.wg.Wait()
}

func (bg *BgJob) activeCount() int64 {
	return bg.nActiveTr.Load()
}
