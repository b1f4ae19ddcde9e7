package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/gridscan/pkg/scan"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPartitionForDigestRoundTrip(t *testing.T) {
	for _, pid := range []int{0, 1, 9, 4095} {
		d := DigestForPartition(pid, 7)
		assert.Equal(t, pid, scan.PartitionForDigest(d))
	}
}

func TestResolveSetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok := s.ResolveSet("ns1", "unknown")
	assert.False(t, ok)

	id := s.DefineSet("ns1", "players")
	again := s.DefineSet("ns1", "players")
	assert.Equal(t, id, again)

	resolved, ok := s.ResolveSet("ns1", "players")
	require.True(t, ok)
	assert.Equal(t, id, resolved)
}

func TestReservePartitionNotMastered(t *testing.T) {
	s := openTestStore(t)
	s.SetMastered("ns1", 7, false)

	_, err := s.ReservePartition("ns1", 7)
	require.Error(t, err)
	var notMastered *scan.ErrNotMastered
	require.ErrorAs(t, err, &notMastered)
	assert.Equal(t, 7, notMastered.PartitionID)
}

func TestReduceFromOrderAndLiveOnly(t *testing.T) {
	s := openTestStore(t)
	setID := s.DefineSet("ns1", "players")

	d1 := DigestForPartition(3, 1)
	d2 := DigestForPartition(3, 2)
	d3 := DigestForPartition(3, 3)
	require.NoError(t, s.Put("ns1", d1, setID, map[string][]byte{"name": []byte("a")}))
	require.NoError(t, s.Put("ns1", d2, setID, map[string][]byte{"name": []byte("b")}))
	require.NoError(t, s.Put("ns1", d3, setID, map[string][]byte{"name": []byte("c")}))
	require.NoError(t, s.Tombstone(d2))

	res, err := s.ReservePartition("ns1", 3)
	require.NoError(t, err)
	defer s.ReleasePartition(res)
	assert.Equal(t, 3, res.PartitionSize)

	var seen []scan.Digest
	err = s.ReduceFrom(res, nil, true, func(ref scan.IndexRef) bool {
		seen = append(seen, ref.Digest)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, d1, seen[0])
	assert.Equal(t, d3, seen[1])

	var all []scan.IndexRef
	err = s.ReduceFrom(res, nil, false, func(ref scan.IndexRef) bool {
		all = append(all, ref)
		return true
	})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[1].Doomed)
}

func TestReduceFromResumesAfterDigest(t *testing.T) {
	s := openTestStore(t)
	setID := s.DefineSet("ns1", "players")
	d1 := DigestForPartition(5, 1)
	d2 := DigestForPartition(5, 2)
	d3 := DigestForPartition(5, 3)
	require.NoError(t, s.Put("ns1", d1, setID, nil))
	require.NoError(t, s.Put("ns1", d2, setID, nil))
	require.NoError(t, s.Put("ns1", d3, setID, nil))

	res, err := s.ReservePartition("ns1", 5)
	require.NoError(t, err)
	defer s.ReleasePartition(res)

	var seen []scan.Digest
	err = s.ReduceFrom(res, &d1, true, func(ref scan.IndexRef) bool {
		seen = append(seen, ref.Digest)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, d2, seen[0])
	assert.Equal(t, d3, seen[1])
}

func TestReduceFromStopsEarly(t *testing.T) {
	s := openTestStore(t)
	setID := s.DefineSet("ns1", "players")
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Put("ns1", DigestForPartition(9, i), setID, nil))
	}

	res, err := s.ReservePartition("ns1", 9)
	require.NoError(t, err)
	defer s.ReleasePartition(res)

	count := 0
	err = s.ReduceFrom(res, nil, true, func(ref scan.IndexRef) bool {
		count++
		return count < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOpenRecordReadsBins(t *testing.T) {
	s := openTestStore(t)
	setID := s.DefineSet("ns1", "players")
	d := DigestForPartition(1, 9)
	require.NoError(t, s.Put("ns1", d, setID, map[string][]byte{
		"name": []byte("record-9"),
		"age":  []byte("30"),
	}))

	res, err := s.ReservePartition("ns1", 1)
	require.NoError(t, err)
	defer s.ReleasePartition(res)

	rec, err := s.OpenRecord(res, scan.IndexRef{Digest: d, SetID: setID})
	require.NoError(t, err)
	defer rec.Close()

	bins, err := rec.Bins(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("record-9"), bins["name"])

	projected, err := rec.Bins([]string{"age"})
	require.NoError(t, err)
	assert.Len(t, projected, 1)
	assert.Equal(t, []byte("30"), projected["age"])
}

func TestDefineSetPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.db")
	s, err := Open(path)
	require.NoError(t, err)
	id := s.DefineSet("ns1", "players")
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	resolved, ok := s2.ResolveSet("ns1", "players")
	require.True(t, ok)
	assert.Equal(t, id, resolved)

	other := s2.DefineSet("ns1", "items")
	assert.NotEqual(t, id, other)
}

func TestClusterKeyDefaultAndUpdate(t *testing.T) {
	s := openTestStore(t)
	assert.Equal(t, uint64(1), s.ClusterKey())

	require.NoError(t, s.SetClusterKey(42))
	assert.Equal(t, uint64(42), s.ClusterKey())
}
