package scan

import (
	"context"
	"encoding/binary"
)

// Digest identifies a record within a namespace.
type Digest [20]byte

// PartitionForDigest maps a digest to its partition: the low 12 bits of
// the digest's leading bytes. Every component that needs to place or
// locate a record by digest (digest-array requests, sub-transaction
// dispatch) derives the pid this way.
func PartitionForDigest(d Digest) int {
	return int(binary.BigEndian.Uint16(d[0:2])) % NumPartitions
}

// InvalidSetID marks "whole namespace" — no set filter in effect.
const InvalidSetID = uint16(0)

// IndexRef is what the index tree hands the core for each candidate record,
// before any storage handle is opened. It is the unit the core filters on
// (set, doomed, predicate-on-metadata) prior to paying for an open.
type IndexRef struct {
	Digest Digest
	SetID  uint16
	Doomed bool // tombstone past its grace period
}

// ReduceCallback is invoked once per index entry in digest order. Returning
// false stops the reduction early (used for abandonment, sampling limits,
// cluster-key mismatch).
type ReduceCallback func(ref IndexRef) bool

// Reservation is a short-lived exclusive-read claim on one partition's tree
// root, held for the duration of one slice's traversal.
type Reservation struct {
	Namespace     string
	PartitionID   int
	PartitionSize int // number of index entries at reservation time
}

// ErrNotMastered is returned by ReservePartition when this node does not
// locally master the requested partition (e.g. mid-migration).
type ErrNotMastered struct {
	PartitionID int
}

func (e *ErrNotMastered) Error() string {
	return "partition not locally mastered"
}

// RecordHandle is an opened storage handle for one record.
type RecordHandle interface {
	Digest() Digest
	SetID() uint16
	// Bins reads the named bins, or all bins when names is empty. Returns
	// an error if the record's bin data could not be loaded.
	Bins(names []string) (map[string][]byte, error)
	Close()
}

// Store is the external record-store collaborator: the on-disk/in-memory
// index tree and its reduce-from iterator, plus partition reservation. Not
// specified by the scan core — consumed through this interface only.
type Store interface {
	// ClusterKey returns the current cluster topology generation; scans
	// that set fail_on_cluster_change compare against a snapshot of this.
	ClusterKey() uint64

	// ResolveSet maps a set name to its id within a namespace. ok is false
	// when the set name does not resolve (per-partition scans of an
	// unknown set emit per-pid-done(OK) rather than scanning).
	ResolveSet(namespace, setName string) (setID uint16, ok bool)

	// ReservePartition claims partition pid of namespace for the duration
	// of one slice. Returns *ErrNotMastered if this node does not master
	// it right now.
	ReservePartition(namespace string, pid int) (*Reservation, error)

	// ReleasePartition releases a reservation acquired above.
	ReleasePartition(res *Reservation)

	// ReduceFrom walks the partition's index tree in digest order starting
	// after startDigest (nil means from the beginning), invoking cb for
	// each live-or-doomed entry until cb returns false or the tree is
	// exhausted. liveOnly restricts the walk to non-tombstone entries.
	ReduceFrom(res *Reservation, startDigest *Digest, liveOnly bool, cb ReduceCallback) error

	// OpenRecord opens a storage handle for one index entry observed
	// during a ReduceFrom callback. Returns an error if the record
	// vanished or its bin data failed to load.
	OpenRecord(res *Reservation, ref IndexRef) (RecordHandle, error)

	// InMemory reports whether this namespace's storage is fully
	// in-memory; the basic-scan slice skips the post-filter throttle
	// sleep when so, matching the source's device-latency heuristic.
	InMemory(namespace string) bool
}

// PredicateResult is the three-valued outcome of evaluating a predicate
// against record metadata only, before any bins are read.
type PredicateResult int

const (
	PredicateUnknown PredicateResult = iota
	PredicateTrue
	PredicateFalse
)

// Predicate is a compiled predicate expression (predexp). EvalMeta runs
// first and may resolve the filter without reading bins; if it returns
// PredicateUnknown, EvalBins is run once the record is open.
type Predicate interface {
	EvalMeta(ref IndexRef) PredicateResult
	EvalBins(rec RecordHandle) (bool, error)
}

// PredicateCompiler compiles the opaque PREDEXP wire bytes the core
// receives in a request into a Predicate. Not specified by the scan core.
type PredicateCompiler interface {
	Compile(raw []byte) (Predicate, error)
}

// AggrCallDescriptor names the UDF module/function/args an aggregation
// scan hands to the UDF runtime.
type AggrCallDescriptor struct {
	Filename string
	Function string
	Args     []any
}

// AggrHooks are the callbacks the UDF runtime invokes while running an
// aggregation stream over one partition's collected digests.
type AggrHooks struct {
	// OstreamWrite is called by the running UDF once per output value.
	OstreamWrite func(val any) error
	// PtnReserve returns the current slice's reservation so the runtime
	// can re-open records by digest within this partition.
	PtnReserve func() *Reservation
}

// UDFRuntime is the external UDF/aggregation execution collaborator
// (Lua or equivalent). Not specified by the scan core.
type UDFRuntime interface {
	// Enabled reports whether UDF/aggregation execution is permitted
	// process-wide (the udf_execution_disabled switch).
	Enabled() bool

	// RunAggregation streams digests through an aggregation UDF call,
	// invoking hooks.OstreamWrite for each produced value.
	RunAggregation(ctx context.Context, namespace string, call AggrCallDescriptor, digests []Digest, hooks AggrHooks) error

	// ApplyUDF runs a record-UDF application against one record, for
	// background UDF-apply jobs. Returns true if the record was filtered
	// out by the UDF's own predicate rather than updated.
	ApplyUDF(ctx context.Context, namespace string, call AggrCallDescriptor, digest Digest) (filtered bool, err error)
}

// SubTxResult is the terminal outcome of one enqueued sub-transaction.
type SubTxResult int

const (
	SubTxOK SubTxResult = iota
	SubTxNotFound
	SubTxFilteredOut
	SubTxFailed
)

// SubTransaction is one background write/UDF application targeting a
// single record, built from a job's origin template plus a digest.
type SubTransaction struct {
	Namespace string
	Digest    Digest
	// Origin carries the templated request the job was started with:
	// the UDF definition (UdfBgJob) or the ops blob (OpsBgJob), plus
	// flags (DurableDelete, UpdateOnly, ReplaceOnly).
	Origin OriginTemplate
	// Complete is invoked by the dispatcher, on an arbitrary goroutine,
	// exactly once, when the sub-transaction finishes.
	Complete func(SubTxResult)
}

// OriginTemplate is the per-job template background sub-transactions are
// built from.
type OriginTemplate struct {
	DurableDelete bool
	UpdateOnly    bool
	ReplaceOnly   bool
	// UDFCall is set for UdfBgJob.
	UDFCall *AggrCallDescriptor
	// Ops is set for OpsBgJob; opaque to the scan core.
	Ops []byte
}

// TxDispatcher is the external write-pipeline collaborator that executes
// background sub-transactions. Not specified by the scan core.
type TxDispatcher interface {
	Enqueue(tx *SubTransaction) error
}
