package scan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// recordingDispatcher completes every enqueued sub-transaction synchronously
// with a fixed result, recording each digest it saw.
type recordingDispatcher struct {
	mu      sync.Mutex
	seen    []Digest
	result  SubTxResult
	failAll bool
}

func (d *recordingDispatcher) Enqueue(tx *SubTransaction) error {
	if d.failAll {
		return assert.AnError
	}
	d.mu.Lock()
	d.seen = append(d.seen, tx.Digest)
	d.mu.Unlock()
	if tx.Complete != nil {
		tx.Complete(d.result)
	}
	return nil
}

func buildOpsBgJob(store Store, dispatcher TxDispatcher, predicate Predicate) *OpsBgJob {
	base := NewScanJob(1, "ns", "", InvalidSetID, false, nil, 0, "client", store)
	origin := OriginTemplate{Ops: []byte{0x01}}
	return NewOpsBgJob(base, origin, dispatcher, predicate)
}

func TestOpsBgJobSliceEnqueuesLiveNonDoomedRecords(t *testing.T) {
	store := newFakeStore()
	store.put(0, IndexRef{Digest: digestFromByte(1)}, nil)
	store.put(0, IndexRef{Digest: digestFromByte(2), Doomed: true}, nil)
	store.put(0, IndexRef{Digest: digestFromByte(3)}, nil)

	dispatcher := &recordingDispatcher{result: SubTxOK}
	job := buildOpsBgJob(store, dispatcher, nil)

	res := &Reservation{Namespace: "ns", PartitionID: 0}
	job.Slice(res)
	job.Finish()

	assert.Len(t, dispatcher.seen, 2)
	assert.Equal(t, uint64(2), job.Succeeded())
}

func TestOpsBgJobSliceSkipsMetaFilteredRecords(t *testing.T) {
	store := newFakeStore()
	store.put(0, IndexRef{Digest: digestFromByte(1), SetID: 1}, nil)
	store.put(0, IndexRef{Digest: digestFromByte(2), SetID: 2}, nil)

	compiler := NewPredicateCompiler()
	predicate, err := compiler.Compile(encodeSetIDEquals(1))
	require.NoError(t, err)

	dispatcher := &recordingDispatcher{result: SubTxOK}
	job := buildOpsBgJob(store, dispatcher, predicate)

	res := &Reservation{Namespace: "ns", PartitionID: 0}
	job.Slice(res)
	job.Finish()

	require.Len(t, dispatcher.seen, 1)
	assert.Equal(t, digestFromByte(1), dispatcher.seen[0])
	assert.Equal(t, uint64(1), job.FilteredMeta())
}

func TestOpsBgJobSliceCountsFailedEnqueue(t *testing.T) {
	store := newFakeStore()
	store.put(0, IndexRef{Digest: digestFromByte(1)}, nil)

	dispatcher := &recordingDispatcher{failAll: true}
	job := buildOpsBgJob(store, dispatcher, nil)

	res := &Reservation{Namespace: "ns", PartitionID: 0}
	job.Slice(res)
	job.Finish()

	assert.Equal(t, uint64(1), job.Failed())
}

func TestOpsBgJobSliceCountsFilteredOutSubTxResult(t *testing.T) {
	store := newFakeStore()
	store.put(0, IndexRef{Digest: digestFromByte(1)}, nil)

	dispatcher := &recordingDispatcher{result: SubTxFilteredOut}
	job := buildOpsBgJob(store, dispatcher, nil)

	res := &Reservation{Namespace: "ns", PartitionID: 0}
	job.Slice(res)
	job.Finish()

	assert.Equal(t, uint64(1), job.FilteredBins())
	assert.Equal(t, uint64(0), job.Succeeded())
}

func TestOpsBgJobInfoReportsActiveCount(t *testing.T) {
	store := newFakeStore()
	dispatcher := &recordingDispatcher{result: SubTxOK}
	job := buildOpsBgJob(store, dispatcher, nil)

	stat := job.Info()
	assert.Equal(t, KindOpsBg, stat.Kind)
	assert.Equal(t, int64(0), stat.Jdata["ops-active"])
}

func TestOpsBgJobDestroyClearsOrigin(t *testing.T) {
	store := newFakeStore()
	dispatcher := &recordingDispatcher{result: SubTxOK}
	job := buildOpsBgJob(store, dispatcher, nil)

	job.Destroy()
	assert.Nil(t, job.Origin.Ops)
	assert.Nil(t, job.Predicate)
}

func TestUdfBgJobSliceBuildsSubTransactionsFromOrigin(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := newFakeStore()
	store.put(0, IndexRef{Digest: digestFromByte(1)}, nil)
	store.put(0, IndexRef{Digest: digestFromByte(2)}, nil)

	base := NewScanJob(1, "ns", "", InvalidSetID, false, nil, 0, "client", store)
	origin := OriginTemplate{
		DurableDelete: true,
		UDFCall:       &AggrCallDescriptor{Filename: "f.lua", Function: "main"},
	}

	dispatcher := NewMockTxDispatcher(ctrl)
	dispatcher.EXPECT().Enqueue(gomock.Any()).DoAndReturn(func(tx *SubTransaction) error {
		assert.Equal(t, "ns", tx.Namespace)
		assert.True(t, tx.Origin.DurableDelete)
		require.NotNil(t, tx.Origin.UDFCall)
		assert.Equal(t, "f.lua", tx.Origin.UDFCall.Filename)
		tx.Complete(SubTxOK)
		return nil
	}).Times(2)

	job := NewUdfBgJob(base, origin, dispatcher, nil, enabledRuntime{})
	job.Slice(&Reservation{Namespace: "ns", PartitionID: 0})
	job.finish()

	assert.Equal(t, uint64(2), job.Succeeded())
}

func TestUdfBgJobSliceAbandonsWhenRuntimeDisabled(t *testing.T) {
	store := newFakeStore()
	store.put(0, IndexRef{Digest: digestFromByte(1)}, nil)

	base := NewScanJob(1, "ns", "", InvalidSetID, false, nil, 0, "client", store)
	origin := OriginTemplate{UDFCall: &AggrCallDescriptor{Filename: "f.lua", Function: "main"}}
	job := NewUdfBgJob(base, origin, &recordingDispatcher{result: SubTxOK}, nil, disabledRuntime{})

	res := &Reservation{Namespace: "ns", PartitionID: 0}
	job.Slice(res)

	assert.Equal(t, ReasonUDFDisabled, job.Abandoned())
}

func TestUdfBgJobInfoReportsUDFMetadata(t *testing.T) {
	store := newFakeStore()
	base := NewScanJob(1, "ns", "", InvalidSetID, false, nil, 0, "client", store)
	origin := OriginTemplate{UDFCall: &AggrCallDescriptor{Filename: "f.lua", Function: "main"}}
	job := NewUdfBgJob(base, origin, &recordingDispatcher{result: SubTxOK}, nil, enabledRuntime{})

	stat := job.Info()
	assert.Equal(t, "f.lua", stat.Jdata["udf-filename"])
	assert.Equal(t, "main", stat.Jdata["udf-function"])
}
