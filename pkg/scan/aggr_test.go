package scan

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRuntime records the digest list it was handed and emits one value
// per digest through the ostream hook.
type echoRuntime struct {
	enabledRuntime
	digests [][]Digest
	fail    bool
}

func (r *echoRuntime) RunAggregation(_ context.Context, _ string, _ AggrCallDescriptor, digests []Digest, hooks AggrHooks) error {
	if r.fail {
		return fmt.Errorf("udf blew up")
	}
	r.digests = append(r.digests, digests)
	for range digests {
		if err := hooks.OstreamWrite("v"); err != nil {
			return err
		}
	}
	return nil
}

func aggrJobFor(store Store, runtime UDFRuntime, conn net.Conn) *AggrJob {
	base := NewScanJob(1, "ns", "", InvalidSetID, false, nil, 0, "client", store)
	job := &AggrJob{
		ScanJob: base,
		Extra: AggrJobExtra{
			Call:        AggrCallDescriptor{Filename: "f.lua", Function: "main"},
			Runtime:     runtime,
			ValueEncode: func(val any) []byte { return []byte(fmt.Sprint(val)) },
		},
	}
	job.ownFD(base, conn, 0, false)
	return job
}

func TestAggrJobSliceCollectsLiveDigestsAndStreamsValues(t *testing.T) {
	store := newFakeStore()
	store.put(0, IndexRef{Digest: digestFromByte(1)}, nil)
	store.put(0, IndexRef{Digest: digestFromByte(2), Doomed: true}, nil)
	store.put(0, IndexRef{Digest: digestFromByte(3)}, nil)

	server, client := net.Pipe()
	runtime := &echoRuntime{}
	job := aggrJobFor(store, runtime, server)

	stream := drainConn(client)
	job.Slice(&Reservation{Namespace: "ns", PartitionID: 0})
	job.Finish()

	select {
	case chunks := <-stream:
		values := chunksOfKind(chunks, ChunkValue)
		require.Len(t, values, 2)
		assert.True(t, values[0].Success)
		assert.Equal(t, []byte("v"), values[0].Value)
		assert.Equal(t, uint32(ReasonNone), finCode(t, chunks))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for aggregation stream")
	}

	require.Len(t, runtime.digests, 1)
	assert.Equal(t, []Digest{digestFromByte(1), digestFromByte(3)}, runtime.digests[0])
}

func TestAggrJobEmptyPartitionSkipsRuntime(t *testing.T) {
	store := newFakeStore()
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	runtime := &echoRuntime{}
	job := aggrJobFor(store, runtime, server)

	job.Slice(&Reservation{Namespace: "ns", PartitionID: 0})
	assert.Empty(t, runtime.digests)
}

func TestAggrJobRuntimeErrorEmitsFailureAndAbandons(t *testing.T) {
	store := newFakeStore()
	store.put(0, IndexRef{Digest: digestFromByte(1)}, nil)

	server, client := net.Pipe()
	runtime := &echoRuntime{fail: true}
	job := aggrJobFor(store, runtime, server)

	stream := drainConn(client)
	job.Slice(&Reservation{Namespace: "ns", PartitionID: 0})
	job.Finish()

	select {
	case chunks := <-stream:
		values := chunksOfKind(chunks, ChunkValue)
		require.Len(t, values, 1)
		assert.False(t, values[0].Success)
		assert.Equal(t, uint32(ReasonUnknown), finCode(t, chunks))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for aggregation failure stream")
	}

	assert.Equal(t, ReasonUnknown, job.Abandoned())
}

func TestAggrJobSetFilterAppliesBeforeCollection(t *testing.T) {
	store := newFakeStore()
	store.put(0, IndexRef{Digest: digestFromByte(1), SetID: 1}, nil)
	store.put(0, IndexRef{Digest: digestFromByte(2), SetID: 2}, nil)

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	runtime := &echoRuntime{}
	base := NewScanJob(1, "ns", "players", 1, false, nil, 0, "client", store)
	job := &AggrJob{
		ScanJob: base,
		Extra: AggrJobExtra{
			Runtime:     runtime,
			ValueEncode: func(val any) []byte { return []byte(fmt.Sprint(val)) },
		},
	}
	job.ownFD(base, server, 0, false)

	stream := drainConn(client)
	job.Slice(&Reservation{Namespace: "ns", PartitionID: 0})
	server.Close()
	<-stream

	require.Len(t, runtime.digests, 1)
	assert.Equal(t, []Digest{digestFromByte(1)}, runtime.digests[0])
}
