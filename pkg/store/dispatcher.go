package store

import (
	"context"
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/gridscan/pkg/scan"
)

// InlineDispatcher is a minimal scan.TxDispatcher: it runs each
// sub-transaction synchronously, in the caller's goroutine, against this
// Store. The real write pipeline (replication, durability, conflict
// resolution) is explicitly out of scope for the scan core — this
// stands in for it so a scannode binary can run standalone and so this
// package's background-job tests have a real, non-mocked dispatcher to
// exercise alongside the bbolt-backed Store.
type InlineDispatcher struct {
	store   *Store
	runtime scan.UDFRuntime
}

// NewInlineDispatcher builds a dispatcher that applies UDF sub-transactions
// through runtime and ops sub-transactions by tombstoning or passing the
// record through unchanged, according to the origin template's flags.
func NewInlineDispatcher(store *Store, runtime scan.UDFRuntime) *InlineDispatcher {
	return &InlineDispatcher{store: store, runtime: runtime}
}

var _ scan.TxDispatcher = (*InlineDispatcher)(nil)

func (d *InlineDispatcher) Enqueue(tx *scan.SubTransaction) error {
	result := d.apply(tx)
	if tx.Complete != nil {
		tx.Complete(result)
	}
	return nil
}

// apply resolves the record's partition from its digest and executes the
// templated operation. It deliberately reads the record without a
// partition reservation: the enqueuing slice may still hold this
// partition's reservation, and a sub-transaction re-reserving it would
// self-deadlock. It may also open a bbolt write transaction (Tombstone),
// so Enqueue must only ever be called outside any open read transaction
// on the same goroutine — the background slice guarantees this by
// enqueuing after its reduce has returned.
func (d *InlineDispatcher) apply(tx *scan.SubTransaction) scan.SubTxResult {
	if !d.recordExists(tx.Digest) {
		return scan.SubTxNotFound
	}

	if tx.Origin.UDFCall != nil {
		if d.runtime == nil || !d.runtime.Enabled() {
			return scan.SubTxFailed
		}
		filtered, err := d.runtime.ApplyUDF(context.Background(), tx.Namespace, *tx.Origin.UDFCall, tx.Digest)
		if err != nil {
			return scan.SubTxFailed
		}
		if filtered {
			return scan.SubTxFilteredOut
		}
		return scan.SubTxOK
	}

	if tx.Origin.DurableDelete {
		if err := d.store.Tombstone(tx.Digest); err != nil {
			return scan.SubTxFailed
		}
		return scan.SubTxOK
	}

	// An opaque ops blob with no UDF call and no delete flag: this
	// reference dispatcher has nothing store-specific to apply, so it
	// reports success without mutating the record. A real write pipeline
	// decodes tx.Origin.Ops and applies the named bin operations here.
	return scan.SubTxOK
}

func (d *InlineDispatcher) recordExists(digest scan.Digest) bool {
	pid := scan.PartitionForDigest(digest)
	found := false
	_ = d.store.db.View(func(btx *bolt.Tx) error {
		found = btx.Bucket(recordsBucket).Get(recordKey(pid, digest)) != nil
		return nil
	})
	return found
}

// DigestForPartition deterministically manufactures a digest that hashes
// into pid, for load tooling and tests that want to place records on a
// chosen partition. seed disambiguates digests within the partition.
func DigestForPartition(pid int, seed uint64) scan.Digest {
	var d scan.Digest
	binary.BigEndian.PutUint16(d[0:2], uint16(pid))
	binary.BigEndian.PutUint64(d[12:20], seed)
	return d
}
