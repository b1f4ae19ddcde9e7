/*
Package scan implements the scan execution core of a distributed key-value
node: parsing scan requests, instantiating per-scan job objects, dispatching
partition-by-partition work under a rate/throttling discipline, streaming
results back to a client socket with backpressure, and tearing down cleanly
on cancellation, socket failure, or cluster topology change.

# Job variants

Four job kinds share one lifecycle (ScanJob):

  - BasicJob streams record data, with percent or absolute-max sampling and
    an optional predicate filter.
  - AggrJob collects digests per partition and hands them to a UDF
    aggregation runtime, streaming the runtime's output values.
  - UdfBgJob and OpsBgJob enqueue per-record sub-transactions into the write
    pipeline in the background; they stream nothing back to the client.

ScanManager owns the worker pool that dispatches (job, partition) work units
and the registry of active and recently-finished jobs.

# External collaborators

The record store, its index-tree iterator, the partition-reservation
subsystem, the predicate compiler, the UDF/aggregation runtime, and the
background write pipeline are all consumed through the interfaces in
external.go; this package does not implement any of them. pkg/store supplies
one concrete, exercised implementation for tests and the demo node.
*/
package scan
