package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/gridscan/pkg/scan"
)

func TestInlineDispatcherNotFoundForMissingRecord(t *testing.T) {
	s := openTestStore(t)
	d := NewInlineDispatcher(s, nil)

	var result scan.SubTxResult
	err := d.Enqueue(&scan.SubTransaction{
		Namespace: "ns1",
		Digest:    DigestForPartition(4, 99),
		Complete:  func(r scan.SubTxResult) { result = r },
	})
	require.NoError(t, err)
	assert.Equal(t, scan.SubTxNotFound, result)
}

func TestInlineDispatcherDurableDeleteTombstones(t *testing.T) {
	s := openTestStore(t)
	setID := s.DefineSet("ns1", "players")
	digest := DigestForPartition(4, 1)
	require.NoError(t, s.Put("ns1", digest, setID, nil))

	d := NewInlineDispatcher(s, nil)

	var result scan.SubTxResult
	err := d.Enqueue(&scan.SubTransaction{
		Namespace: "ns1",
		Digest:    digest,
		Origin:    scan.OriginTemplate{DurableDelete: true},
		Complete:  func(r scan.SubTxResult) { result = r },
	})
	require.NoError(t, err)
	assert.Equal(t, scan.SubTxOK, result)

	res, err := s.ReservePartition("ns1", 4)
	require.NoError(t, err)
	defer s.ReleasePartition(res)

	live := 0
	require.NoError(t, s.ReduceFrom(res, nil, true, func(ref scan.IndexRef) bool {
		live++
		return true
	}))
	assert.Zero(t, live)
}

// A background job slicing the live bbolt store with the inline
// dispatcher and a write-requiring origin (durable delete) must complete:
// the slice's reduce opens a read transaction, and the dispatcher's
// Tombstone opens a write transaction on the same goroutine, so the
// enqueue phase has to run only after the reduce's transaction is closed.
func TestOpsBgJobDurableDeleteAgainstLiveStore(t *testing.T) {
	s := openTestStore(t)
	setID := s.DefineSet("ns1", "players")
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Put("ns1", DigestForPartition(2, i), setID, nil))
	}

	dispatcher := NewInlineDispatcher(s, nil)
	base := scan.NewScanJob(1, "ns1", "", scan.InvalidSetID, false, nil, 0, "client", s)
	origin := scan.OriginTemplate{Ops: []byte{1}, DurableDelete: true}
	job := scan.NewOpsBgJob(base, origin, dispatcher, nil)

	res, err := s.ReservePartition("ns1", 2)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		job.Slice(res)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("background slice hung against the live store")
	}
	s.ReleasePartition(res)
	job.Finish()

	assert.Equal(t, uint64(5), job.Succeeded())

	res2, err := s.ReservePartition("ns1", 2)
	require.NoError(t, err)
	defer s.ReleasePartition(res2)
	live := 0
	require.NoError(t, s.ReduceFrom(res2, nil, true, func(ref scan.IndexRef) bool {
		live++
		return true
	}))
	assert.Zero(t, live)
}

// The enqueuing slice holds its partition's reservation while the inline
// dispatcher runs; applying the sub-transaction must not try to
// re-reserve that partition.
func TestInlineDispatcherRunsUnderHeldReservation(t *testing.T) {
	s := openTestStore(t)
	setID := s.DefineSet("ns1", "players")
	digest := DigestForPartition(6, 1)
	require.NoError(t, s.Put("ns1", digest, setID, nil))

	res, err := s.ReservePartition("ns1", 6)
	require.NoError(t, err)
	defer s.ReleasePartition(res)

	d := NewInlineDispatcher(s, nil)
	var result scan.SubTxResult
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Enqueue(&scan.SubTransaction{
			Namespace: "ns1",
			Digest:    digest,
			Origin:    scan.OriginTemplate{Ops: []byte{1}},
			Complete:  func(r scan.SubTxResult) { result = r },
		})
	}()

	<-done
	assert.Equal(t, scan.SubTxOK, result)
}
