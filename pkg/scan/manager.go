package scan

import (
	"errors"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/gridscan/pkg/log"
	"github.com/cuemby/gridscan/pkg/metrics"
)

// unavailableNotifier is implemented only by streaming, per-partition job
// variants (BasicJob). A background or aggregation job sliced against a
// partition this node does not currently master is simply skipped for
// that partition — there is no client socket expecting a per-pid marker,
// unlike a per-partition basic scan.
type unavailableNotifier interface {
	NotifyUnavailable(pid int)
}

// AdmissionCaps bounds how many concurrently active jobs of each kind one
// namespace may have outstanding at once.
type AdmissionCaps map[JobKind]int

// activeJob is the manager's bookkeeping wrapper around one admitted job:
// its kind for the per-namespace counters, and how many work units are
// still outstanding. The worker that drops pending to zero retires the
// job.
type activeJob struct {
	job     Job
	kind    JobKind
	pending atomic.Int64
}

// workUnit is one (job, partition) tuple on the shared work queue.
type workUnit struct {
	entry *activeJob
	pid   int
}

// ScanManager is the registry and dispatcher every Start* entry point
// hands its built Job to. It owns the single fixed-size worker pool that
// services every active job's partition tuples, partition reservation
// sequencing, and the active/finished job registries the monitoring API
// reads from.
type ScanManager struct {
	store   Store
	capsFor func(namespace string) AdmissionCaps

	queue   chan workUnit
	done    chan struct{}
	workers *errgroup.Group

	mu       sync.RWMutex
	active   map[uint64]*activeJob
	byNS     map[string]map[JobKind]int
	finished *lru.Cache[uint64, JobStat]
}

// NewScanManager builds a manager and starts its worker pool: workerLimit
// goroutines consuming (job, partition) tuples off one shared queue, so
// total slice concurrency is bounded process-wide no matter how many jobs
// are active. finishedCap bounds how many terminal JobStat snapshots are
// retained for monitoring after a job completes; once the cap is reached
// the least recently used one (by insertion or GetJobInfo lookup) is evicted.
func NewScanManager(store Store, capsFor func(namespace string) AdmissionCaps, workerLimit int, finishedCap int) *ScanManager {
	cache, err := lru.New[uint64, JobStat](finishedCap)
	if err != nil {
		// only returns an error for size<=0; a misconfigured cap is a
		// startup bug, not a runtime condition to recover from.
		panic(err)
	}
	m := &ScanManager{
		store:    store,
		capsFor:  capsFor,
		queue:    make(chan workUnit),
		done:     make(chan struct{}),
		workers:  &errgroup.Group{},
		active:   make(map[uint64]*activeJob),
		byNS:     make(map[string]map[JobKind]int),
		finished: cache,
	}
	for i := 0; i < workerLimit; i++ {
		m.workers.Go(m.worker)
	}
	return m
}

// Stop terminates the worker pool and waits for in-flight slices to
// return. Tuples still queued or unfed are dropped, so callers abort
// active jobs first.
func (m *ScanManager) Stop() {
	close(m.done)
	_ = m.workers.Wait()
}

// StartJob admits job if its namespace has not reached the admission cap
// for its kind, registers it, and feeds its partition tuples onto the
// shared work queue. Returns ErrDuplicateTrid or ErrAdmissionCapReached
// without running anything.
func (m *ScanManager) StartJob(job Job, kind JobKind) error {
	base := job.Base()
	entry := &activeJob{job: job, kind: kind}

	m.mu.Lock()
	if _, exists := m.active[base.Trid]; exists {
		m.mu.Unlock()
		return ErrDuplicateTrid
	}
	if m.capsFor != nil {
		if cap, ok := m.capsFor(base.Namespace)[kind]; ok && cap > 0 {
			if m.byNS[base.Namespace][kind] >= cap {
				m.mu.Unlock()
				metrics.JobsRejected.WithLabelValues("admission-cap").Inc()
				return ErrAdmissionCapReached
			}
		}
	}
	if m.byNS[base.Namespace] == nil {
		m.byNS[base.Namespace] = make(map[JobKind]int)
	}
	m.byNS[base.Namespace][kind]++
	m.active[base.Trid] = entry
	m.mu.Unlock()

	metrics.JobsActive.WithLabelValues(string(kind)).Inc()
	go m.feed(entry, pidsToSchedule(base))
	return nil
}

// feed submits one tuple per scheduled partition onto the shared queue.
// A job with nothing to schedule retires immediately; on shutdown the
// unfed remainder is written off so the job still retires exactly once.
func (m *ScanManager) feed(entry *activeJob, pids []int) {
	if len(pids) == 0 {
		m.retire(entry)
		return
	}
	entry.pending.Store(int64(len(pids)))
	for i, pid := range pids {
		select {
		case m.queue <- workUnit{entry: entry, pid: pid}:
		case <-m.done:
			if entry.pending.Add(-int64(len(pids)-i)) == 0 {
				m.retire(entry)
			}
			return
		}
	}
}

// worker is one member of the fixed pool: it consumes tuples from the
// shared queue until Stop, executing one partition slice per tuple.
// Tuples of different jobs interleave on the same pool, so no job can
// monopolize more than the pool's total concurrency.
func (m *ScanManager) worker() error {
	for {
		select {
		case <-m.done:
			return nil
		case unit := <-m.queue:
			m.runSlice(unit.entry.job, unit.pid)
			if unit.entry.pending.Add(-1) == 0 {
				m.retire(unit.entry)
			}
		}
	}
}

// runSlice reserves one partition, dispatches the job's Slice against it,
// and releases the reservation on every path out.
func (m *ScanManager) runSlice(job Job, pid int) {
	base := job.Base()
	res, err := m.store.ReservePartition(base.Namespace, pid)
	if err != nil {
		var notMastered *ErrNotMastered
		if errors.As(err, &notMastered) {
			if base.PerPid {
				if notifier, ok := job.(unavailableNotifier); ok {
					notifier.NotifyUnavailable(pid)
				}
			}
			return
		}
		lg := log.WithTrid(base.Trid)
		lg.Error().Err(err).Int("pid", pid).Msg("reserve partition failed")
		return
	}
	defer m.store.ReleasePartition(res)
	job.Slice(res)
}

// retire runs the job's terminal hooks exactly once (the caller that
// observed pending hit zero) and moves its stats to the finished ring.
func (m *ScanManager) retire(entry *activeJob) {
	base := entry.job.Base()
	entry.job.Finish()
	stat := entry.job.Info()
	entry.job.Destroy()

	m.mu.Lock()
	delete(m.active, base.Trid)
	if m.byNS[base.Namespace] != nil {
		m.byNS[base.Namespace][entry.kind]--
	}
	m.finished.Add(base.Trid, stat)
	m.mu.Unlock()

	metrics.JobsActive.WithLabelValues(string(entry.kind)).Dec()
}

// pidsToSchedule returns the partitions this job touches: all
// NumPartitions when the client asked for the whole namespace, otherwise
// exactly the requested pids. A present-but-empty pid set schedules
// nothing — the job is admitted and finishes without doing work.
func pidsToSchedule(base *ScanJob) []int {
	if base.Pids == nil {
		pids := make([]int, NumPartitions)
		for i := range pids {
			pids[i] = i
		}
		return pids
	}
	var pids []int
	for i := range base.Pids {
		if base.Pids[i].Requested {
			pids = append(pids, i)
		}
	}
	return pids
}

// AbandonJob marks trid abandoned with ReasonUserAbort; the running
// workers observe it on their next IsAbandoned check and unwind.
func (m *ScanManager) AbandonJob(trid uint64) error {
	m.mu.RLock()
	entry, ok := m.active[trid]
	m.mu.RUnlock()
	if !ok {
		return ErrNoSuchJob
	}
	entry.job.Base().Abandon(ReasonUserAbort)
	return nil
}

// AbortAll abandons every currently active job, e.g. on node shutdown,
// and returns how many were told to stop.
func (m *ScanManager) AbortAll() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.active {
		entry.job.Base().Abandon(ReasonUserAbort)
	}
	return len(m.active)
}

// GetJobInfo returns the live snapshot of an active job, or the retained
// snapshot of a finished one.
func (m *ScanManager) GetJobInfo(trid uint64) (JobStat, bool) {
	m.mu.RLock()
	entry, ok := m.active[trid]
	m.mu.RUnlock()
	if ok {
		return entry.job.Info(), true
	}
	m.mu.RLock()
	stat, ok := m.finished.Get(trid)
	m.mu.RUnlock()
	return stat, ok
}

// GetInfo returns a snapshot of every active job, for the jobs-list
// monitoring endpoint.
func (m *ScanManager) GetInfo() []JobStat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]JobStat, 0, len(m.active))
	for _, entry := range m.active {
		stats = append(stats, entry.job.Info())
	}
	return stats
}

// LimitFinishedJobs resizes the bounded ring of retained finished-job
// snapshots, evicting the least recently used entries if shrinking.
func (m *ScanManager) LimitFinishedJobs(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished.Resize(n)
}
