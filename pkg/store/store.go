// Package store is the bbolt-backed reference implementation of
// pkg/scan's Store collaborator interface: an on-disk index plus record
// bin storage, partition reservation, and set-name resolution. It exists
// so the scan core has a real, non-mocked backing store to run against
// (in scannode and in this package's tests); a production deployment could swap this package for
// one backed by the cluster's actual distributed storage engine without
// pkg/scan changing at all.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/gridscan/pkg/scan"
)

var recordsBucket = []byte("records")
var setsBucket = []byte("sets")
var metaBucket = []byte("meta")

var clusterKeyKey = []byte("cluster_key")

// keySize is pid (2 bytes) + digest (20 bytes); records for one
// partition sort contiguously under their 2-byte prefix.
const keySize = 2 + 20

// Record is one stored record: its set membership, tombstone state, and
// bin values. Persisted as JSON-marshaled bucket values rather than a
// binary codec.
type Record struct {
	SetID  uint16            `json:"set_id"`
	Doomed bool              `json:"doomed"`
	Bins   map[string][]byte `json:"bins"`
}

// Store is the bbolt-backed implementation of scan.Store.
type Store struct {
	db *bolt.DB

	mu         sync.RWMutex
	clusterKey uint64
	sets       map[string]map[string]uint16 // namespace -> set name -> id
	nextSetID  map[string]uint16
	unmastered map[string]map[int]bool // namespace -> pid -> true if NOT locally mastered
	inMemory   map[string]bool

	ptnLocks [scan.NumPartitions]sync.Mutex
}

var _ scan.Store = (*Store)(nil)

// Open opens (creating if absent) a bbolt database at path and returns a
// ready Store.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{
		db:         db,
		sets:       make(map[string]map[string]uint16),
		nextSetID:  make(map[string]uint16),
		unmastered: make(map[string]map[int]bool),
		inMemory:   make(map[string]bool),
	}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		sets, err := tx.CreateBucketIfNotExists(setsBucket)
		if err != nil {
			return err
		}
		if err := s.loadSets(sets); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if meta.Get(clusterKeyKey) == nil {
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], 1)
			if err := meta.Put(clusterKeyKey, v[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// loadSets rebuilds the in-memory set registry from the sets bucket, so
// set ids stay stable across restarts. Keys are "namespace\x00name",
// values the 2-byte set id.
func (s *Store) loadSets(b *bolt.Bucket) error {
	return b.ForEach(func(k, v []byte) error {
		sep := bytes.IndexByte(k, 0)
		if sep < 0 || len(v) != 2 {
			return fmt.Errorf("store: malformed set entry %q", k)
		}
		namespace, name := string(k[:sep]), string(k[sep+1:])
		id := binary.BigEndian.Uint16(v)
		if s.sets[namespace] == nil {
			s.sets[namespace] = make(map[string]uint16)
			s.nextSetID[namespace] = 1
		}
		s.sets[namespace][name] = id
		if id >= s.nextSetID[namespace] {
			s.nextSetID[namespace] = id + 1
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ClusterKey returns the current cluster topology generation.
func (s *Store) ClusterKey() uint64 {
	s.mu.RLock()
	if s.clusterKey != 0 {
		defer s.mu.RUnlock()
		return s.clusterKey
	}
	s.mu.RUnlock()

	var key uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(clusterKeyKey)
		if len(v) == 8 {
			key = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	s.mu.Lock()
	s.clusterKey = key
	s.mu.Unlock()
	return key
}

// SetClusterKey bumps the topology generation, e.g. in tests simulating
// a migration event mid-scan.
func (s *Store) SetClusterKey(key uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], key)
		return tx.Bucket(metaBucket).Put(clusterKeyKey, v[:])
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.clusterKey = key
	s.mu.Unlock()
	return nil
}

// DefineSet registers name in namespace, returning its assigned id. A
// second call for the same name returns the same id. Assignments are
// persisted so ids stay stable across restarts.
func (s *Store) DefineSet(namespace, name string) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[namespace] == nil {
		s.sets[namespace] = make(map[string]uint16)
		s.nextSetID[namespace] = 1 // 0 is scan.InvalidSetID
	}
	if id, ok := s.sets[namespace][name]; ok {
		return id
	}
	id := s.nextSetID[namespace]
	s.sets[namespace][name] = id
	s.nextSetID[namespace]++

	key := append(append([]byte(namespace), 0), name...)
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], id)
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(setsBucket).Put(key, v[:])
	})
	return id
}

func (s *Store) ResolveSet(namespace, name string) (uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sets[namespace][name]
	return id, ok
}

// SetMastered controls whether this Store reports mastering pid in
// namespace; defaults to true for every partition. Tests use this to
// exercise the not-mastered / UNAVAILABLE path.
func (s *Store) SetMastered(namespace string, pid int, mastered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unmastered[namespace] == nil {
		s.unmastered[namespace] = make(map[int]bool)
	}
	s.unmastered[namespace][pid] = !mastered
}

// SetInMemory marks namespace as fully in-memory storage, for the
// post-filter throttle-skip heuristic.
func (s *Store) SetInMemory(namespace string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inMemory[namespace] = v
}

func (s *Store) InMemory(namespace string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inMemory[namespace]
}

func (s *Store) ReservePartition(namespace string, pid int) (*scan.Reservation, error) {
	s.mu.RLock()
	notMastered := s.unmastered[namespace][pid]
	s.mu.RUnlock()
	if notMastered {
		return nil, &scan.ErrNotMastered{PartitionID: pid}
	}

	s.ptnLocks[pid].Lock()

	size := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		prefix := partitionPrefix(pid)
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			size++
		}
		return nil
	})

	return &scan.Reservation{Namespace: namespace, PartitionID: pid, PartitionSize: size}, nil
}

func (s *Store) ReleasePartition(res *scan.Reservation) {
	s.ptnLocks[res.PartitionID].Unlock()
}

func (s *Store) ReduceFrom(res *scan.Reservation, startDigest *scan.Digest, liveOnly bool, cb scan.ReduceCallback) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		prefix := partitionPrefix(res.PartitionID)

		seekKey := append([]byte(nil), prefix...)
		if startDigest != nil {
			seekKey = append(seekKey, startDigest[:]...)
			seekKey = incrementLast(seekKey) // resume strictly after startDigest
		}

		for k, v := c.Seek(seekKey); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("store: decode record: %w", err)
			}
			if liveOnly && rec.Doomed {
				continue
			}
			var digest scan.Digest
			copy(digest[:], k[2:])
			ref := scan.IndexRef{Digest: digest, SetID: rec.SetID, Doomed: rec.Doomed}
			if !cb(ref) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) OpenRecord(res *scan.Reservation, ref scan.IndexRef) (scan.RecordHandle, error) {
	key := recordKey(res.PartitionID, ref.Digest)
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get(key)
		if v == nil {
			return fmt.Errorf("store: record vanished")
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &recordHandle{digest: ref.Digest, setID: rec.SetID, bins: rec.Bins}, nil
}

// Put writes or overwrites one record under the partition its digest
// hashes to; used by tests and by the demo server's load path, standing
// in for the real write path that would normally put records through the
// cluster's replication pipeline.
func (s *Store) Put(namespace string, digest scan.Digest, setID uint16, bins map[string][]byte) error {
	rec := Record{SetID: setID, Bins: bins}
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(recordKey(scan.PartitionForDigest(digest), digest), v)
	})
}

// Tombstone marks a record doomed (past its grace period) rather than
// deleting it outright, matching how a real index tree retains
// tombstones for replication convergence before reaping them.
func (s *Store) Tombstone(digest scan.Digest) error {
	key := recordKey(scan.PartitionForDigest(digest), digest)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("store: record not found")
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.Doomed = true
		nv, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, nv)
	})
}

type recordHandle struct {
	digest scan.Digest
	setID  uint16
	bins   map[string][]byte
}

func (h *recordHandle) Digest() scan.Digest { return h.digest }
func (h *recordHandle) SetID() uint16       { return h.setID }

func (h *recordHandle) Bins(names []string) (map[string][]byte, error) {
	if len(names) == 0 {
		return h.bins, nil
	}
	sort.Strings(names)
	out := make(map[string][]byte, len(names))
	for _, n := range names {
		if v, ok := h.bins[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func (h *recordHandle) Close() {}

func partitionPrefix(pid int) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], uint16(pid))
	return p[:]
}

func recordKey(pid int, digest scan.Digest) []byte {
	key := make([]byte, 0, keySize)
	key = append(key, partitionPrefix(pid)...)
	key = append(key, digest[:]...)
	return key
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

// incrementLast bumps the final byte of a key to produce the smallest key
// strictly greater than k, for "seek after this digest" resumption. A
// full-0xFF suffix (astronomically unlikely for a 20-byte digest) simply
// falls through to the partition boundary, which is an acceptable
// approximation for a resume cursor.
func incrementLast(k []byte) []byte {
	out := append([]byte(nil), k...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out
		}
		out[i] = 0
	}
	return out
}
