package scan

import (
	"sort"
	"sync"
)

// fakeStore is a minimal in-memory Store used across pkg/scan tests.
type fakeStore struct {
	mu          sync.Mutex
	clusterKey  uint64
	sets        map[string]uint16
	unmastered  map[int]bool
	inMemory    bool
	partitions  map[int][]IndexRef
	openedBins  map[Digest]map[string][]byte
	reserveHits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sets:       map[string]uint16{},
		unmastered: map[int]bool{},
		partitions: map[int][]IndexRef{},
		openedBins: map[Digest]map[string][]byte{},
	}
}

func (s *fakeStore) ClusterKey() uint64 { return s.clusterKey }

func (s *fakeStore) ResolveSet(namespace, setName string) (uint16, bool) {
	id, ok := s.sets[setName]
	return id, ok
}

func (s *fakeStore) ReservePartition(namespace string, pid int) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserveHits++
	if s.unmastered[pid] {
		return nil, &ErrNotMastered{PartitionID: pid}
	}
	return &Reservation{Namespace: namespace, PartitionID: pid, PartitionSize: len(s.partitions[pid])}, nil
}

func (s *fakeStore) ReleasePartition(res *Reservation) {}

func (s *fakeStore) ReduceFrom(res *Reservation, startDigest *Digest, liveOnly bool, cb ReduceCallback) error {
	s.mu.Lock()
	refs := append([]IndexRef(nil), s.partitions[res.PartitionID]...)
	s.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool {
		return string(refs[i].Digest[:]) < string(refs[j].Digest[:])
	})

	for _, ref := range refs {
		if startDigest != nil && string(ref.Digest[:]) <= string(startDigest[:]) {
			continue
		}
		if liveOnly && ref.Doomed {
			continue
		}
		if !cb(ref) {
			return nil
		}
	}
	return nil
}

func (s *fakeStore) OpenRecord(res *Reservation, ref IndexRef) (RecordHandle, error) {
	s.mu.Lock()
	bins := s.openedBins[ref.Digest]
	s.mu.Unlock()
	return &fakeRecordHandle{digest: ref.Digest, setID: ref.SetID, bins: bins}, nil
}

func (s *fakeStore) InMemory(namespace string) bool { return s.inMemory }

func (s *fakeStore) put(pid int, ref IndexRef, bins map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[pid] = append(s.partitions[pid], ref)
	s.openedBins[ref.Digest] = bins
}

var _ Store = (*fakeStore)(nil)

type fakeRecordHandle struct {
	digest Digest
	setID  uint16
	bins   map[string][]byte
}

func (h *fakeRecordHandle) Digest() Digest { return h.digest }
func (h *fakeRecordHandle) SetID() uint16  { return h.setID }
func (h *fakeRecordHandle) Bins(names []string) (map[string][]byte, error) {
	if len(names) == 0 {
		return h.bins, nil
	}
	out := map[string][]byte{}
	for _, n := range names {
		if v, ok := h.bins[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}
func (h *fakeRecordHandle) Close() {}

func digestFromByte(b byte) Digest {
	var d Digest
	d[len(d)-1] = b
	return d
}
