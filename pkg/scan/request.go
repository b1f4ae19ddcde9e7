package scan

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/go-playground/validator/v10"

	"github.com/cuemby/gridscan/pkg/log"
)

// Field ids for the request's field-value wire encoding: one byte id, one
// big-endian uint32 length, then that many bytes of value. Unknown field
// ids are skipped, matching the source protocol's forward-compatible
// field list.
const (
	fieldNamespace     byte = 1
	fieldSet           byte = 2
	fieldPidArray      byte = 3
	fieldDigestArray   byte = 4
	fieldClusterKey    byte = 5
	fieldSamplePct     byte = 6
	fieldSampleMax     byte = 7
	fieldRecsPerSec    byte = 8
	fieldPriority      byte = 9 // legacy: 1 == "low priority", translated to a fixed RPS
	fieldSocketTimeout byte = 10
	fieldCompress      byte = 11
	fieldInfoBits      byte = 12 // 3 bytes: info1, info2, info3
	fieldBinNames      byte = 13
	fieldPredexp       byte = 14
	fieldUDFFilename   byte = 15
	fieldUDFFunction   byte = 16
	fieldUDFArg        byte = 17 // repeatable
	fieldOps           byte = 18
	fieldUDFOp         byte = 19 // 1 byte: AGGREGATE=1, BACKGROUND=2
)

// info-bit masks within the request's three info bytes.
const (
	info1Read      byte = 0x01
	info1GetNoBins byte = 0x20

	info2Write         byte = 0x01
	info2DurableDelete byte = 0x10

	info3UpdateOnly  byte = 0x08
	info3ReplaceOnly byte = 0x20
)

// UDF_OP values.
const (
	udfOpNone       byte = 0
	udfOpAggregate  byte = 1
	udfOpBackground byte = 2
)

// ScanType identifies which of the four Start entry points a request
// resolves to. It is never sent on the wire: DecodeRequest infers it from
// the info bits and the UDF_OP field.
type ScanType byte

const (
	ScanTypeBasic ScanType = iota
	ScanTypeAggr
	ScanTypeUdfBg
	ScanTypeOpsBg
)

// legacyLowPriorityRPS is the fixed throttle the source system applied
// when a client set the legacy priority field to "low" instead of an
// explicit RPS.
const legacyLowPriorityRPS = 5000

// maxSetNameLen bounds the SET field on the wire.
const maxSetNameLen = 31

// Request is the fully parsed and validated scan request, independent of
// which of the four Start functions ultimately consumes it.
type Request struct {
	Trid      uint64 `validate:"required"`
	Namespace string `validate:"required,min=1"`
	SetName   string `validate:"max=31"`

	ScanType ScanType
	PerPid   bool
	Pids     *ScanPidSet

	Info1 byte
	Info2 byte
	Info3 byte
	UDFOp byte

	ClusterKey          uint64
	FailOnClusterChange bool
	SamplePct           int   `validate:"min=0,max=100"`
	SampleMax           int64 `validate:"min=0"`
	RecsPerSec          int   `validate:"min=0"`
	LegacyLowPriority   bool
	SocketTimeoutMS     int `validate:"min=0"`
	Compress            bool
	BinNames            []string

	Predexp []byte

	UDFFilename string
	UDFFunction string
	UDFArgs     []any

	Ops []byte

	Client string
}

// NoBinData reports whether the client asked for metadata-only records.
func (req *Request) NoBinData() bool { return req.Info1&info1GetNoBins != 0 }

// readBit reports info1.READ, which an ops-apply request must not carry.
func (req *Request) readBit() bool { return req.Info1&info1Read != 0 }

func (req *Request) writeBit() bool { return req.Info2&info2Write != 0 }

func (req *Request) DurableDelete() bool { return req.Info2&info2DurableDelete != 0 }
func (req *Request) UpdateOnly() bool    { return req.Info3&info3UpdateOnly != 0 }
func (req *Request) ReplaceOnly() bool   { return req.Info3&info3ReplaceOnly != 0 }

var validate = validator.New()

// DecodeRequest parses the field-value body of a scan-start message and
// infers the scan type from the info bits and UDF_OP.
func DecodeRequest(trid uint64, client string, raw []byte) (*Request, error) {
	req := &Request{Trid: trid, Client: client, SamplePct: 100}

	for off := 0; off < len(raw); {
		if off+5 > len(raw) {
			return nil, fmt.Errorf("%w: truncated field header", ErrParameter)
		}
		id := raw[off]
		length := binary.BigEndian.Uint32(raw[off+1 : off+5])
		off += 5
		if off+int(length) > len(raw) {
			return nil, fmt.Errorf("%w: truncated field value", ErrParameter)
		}
		val := raw[off : off+int(length)]
		off += int(length)

		if err := req.applyField(id, val); err != nil {
			return nil, err
		}
	}

	scanType, err := req.inferScanType()
	if err != nil {
		return nil, err
	}
	req.ScanType = scanType

	req.resolveRPS()
	req.resolveSamplePrecedence()

	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParameter, err)
	}
	return req, nil
}

// inferScanType maps the request's bits to one of the four variants:
// no UDF_OP and WRITE clear is a basic scan, no UDF_OP and WRITE set is an
// ops-apply background scan, UDF_OP selects aggregation or background UDF.
// Anything else is unknown and rejected.
func (req *Request) inferScanType() (ScanType, error) {
	switch req.UDFOp {
	case udfOpNone:
		if req.writeBit() {
			return ScanTypeOpsBg, nil
		}
		return ScanTypeBasic, nil
	case udfOpAggregate:
		return ScanTypeAggr, nil
	case udfOpBackground:
		return ScanTypeUdfBg, nil
	default:
		return 0, fmt.Errorf("%w: unknown udf op %d", ErrParameter, req.UDFOp)
	}
}

func (req *Request) applyField(id byte, val []byte) error {
	switch id {
	case fieldNamespace:
		req.Namespace = string(val)
	case fieldSet:
		if len(val) > maxSetNameLen {
			return fmt.Errorf("%w: set name too long", ErrParameter)
		}
		req.SetName = string(val)
	case fieldPidArray:
		req.PerPid = true
		if err := req.decodePidArray(val); err != nil {
			return err
		}
	case fieldDigestArray:
		req.PerPid = true
		if err := req.decodeDigestArray(val); err != nil {
			return err
		}
	case fieldClusterKey:
		if len(val) != 8 {
			return fmt.Errorf("%w: cluster_key", ErrParameter)
		}
		req.ClusterKey = binary.BigEndian.Uint64(val)
		req.FailOnClusterChange = true
	case fieldSamplePct:
		if len(val) != 1 {
			return fmt.Errorf("%w: sample_pct", ErrParameter)
		}
		req.SamplePct = int(val[0])
	case fieldSampleMax:
		if len(val) != 8 {
			return fmt.Errorf("%w: sample_max", ErrParameter)
		}
		req.SampleMax = int64(binary.BigEndian.Uint64(val))
	case fieldRecsPerSec:
		if len(val) != 4 {
			return fmt.Errorf("%w: recs_per_sec", ErrParameter)
		}
		req.RecsPerSec = int(binary.BigEndian.Uint32(val))
	case fieldPriority:
		if len(val) != 1 {
			return fmt.Errorf("%w: priority", ErrParameter)
		}
		req.LegacyLowPriority = val[0] == 1
	case fieldSocketTimeout:
		if len(val) != 4 {
			return fmt.Errorf("%w: socket_timeout", ErrParameter)
		}
		req.SocketTimeoutMS = int(binary.BigEndian.Uint32(val))
	case fieldCompress:
		req.Compress = len(val) == 1 && val[0] == 1
	case fieldInfoBits:
		if len(val) != 3 {
			return fmt.Errorf("%w: info bits", ErrParameter)
		}
		req.Info1, req.Info2, req.Info3 = val[0], val[1], val[2]
	case fieldBinNames:
		req.BinNames = append(req.BinNames, string(val))
	case fieldPredexp:
		req.Predexp = append([]byte(nil), val...)
	case fieldUDFFilename:
		req.UDFFilename = string(val)
	case fieldUDFFunction:
		req.UDFFunction = string(val)
	case fieldUDFArg:
		req.UDFArgs = append(req.UDFArgs, string(val))
	case fieldOps:
		req.Ops = append(req.Ops, val...)
	case fieldUDFOp:
		if len(val) != 1 {
			return fmt.Errorf("%w: udf_op", ErrParameter)
		}
		req.UDFOp = val[0]
	default:
		// forward-compatible: unknown fields are ignored
	}
	return nil
}

// decodePidArray reads a run of 2-byte partition ids. Duplicates are
// rejected at parse.
func (req *Request) decodePidArray(val []byte) error {
	if req.Pids == nil {
		req.Pids = &ScanPidSet{}
	}
	if len(val)%2 != 0 {
		return fmt.Errorf("%w: pid array length", ErrParameter)
	}
	for off := 0; off < len(val); off += 2 {
		pid := binary.BigEndian.Uint16(val[off : off+2])
		if int(pid) >= NumPartitions {
			return fmt.Errorf("%w: pid out of range", ErrParameter)
		}
		if req.Pids[pid].Requested {
			return fmt.Errorf("%w: duplicate pid %d", ErrParameter, pid)
		}
		req.Pids[pid] = ScanPid{Requested: true}
	}
	return nil
}

// decodeDigestArray reads a run of 20-byte resume digests; each one's
// partition is inferred from the digest itself. Two digests landing on the
// same partition is a duplicate-pid error, same as in the pid array.
func (req *Request) decodeDigestArray(val []byte) error {
	if req.Pids == nil {
		req.Pids = &ScanPidSet{}
	}
	size := len(Digest{})
	if len(val)%size != 0 {
		return fmt.Errorf("%w: digest array length", ErrParameter)
	}
	for off := 0; off < len(val); off += size {
		var d Digest
		copy(d[:], val[off:off+size])
		pid := PartitionForDigest(d)
		if req.Pids[pid].Requested {
			return fmt.Errorf("%w: duplicate pid %d", ErrParameter, pid)
		}
		req.Pids[pid] = ScanPid{Requested: true, HasDigest: true, StartDigest: d}
	}
	return nil
}

// resolveRPS applies the legacy priority->RPS translation: priority=1
// ("low") with no explicit recs_per_sec falls back to a fixed RPS rather
// than running unthrottled.
func (req *Request) resolveRPS() {
	if req.LegacyLowPriority && req.RecsPerSec == 0 {
		req.RecsPerSec = legacyLowPriorityRPS
	}
}

// resolveSamplePrecedence: SAMPLE_MAX and a percent sampling both set on
// the same request is contradictory; sample_max wins, and percent
// sampling is disabled rather than rejecting the request outright.
func (req *Request) resolveSamplePrecedence() {
	if req.SampleMax > 0 && req.SamplePct < 100 {
		lg := log.WithTrid(req.Trid)
		lg.Warn().
			Int("sample_pct", req.SamplePct).
			Int64("sample_max", req.SampleMax).
			Msg("sample_max and sample_pct both set; sample_max takes precedence")
		req.SamplePct = 100
	}
}

func (req *Request) pidsRequestedCount() int {
	if req.Pids == nil {
		return NumPartitions
	}
	n := req.Pids.requestedCount()
	if n == 0 {
		return NumPartitions
	}
	return n
}

// resolveSet maps req.SetName through store, leaving SetID at
// InvalidSetID (with SetName still populated) when the name does not
// resolve — Slice's own per-variant handling decides what that means.
func (req *Request) resolveSet(store Store) uint16 {
	if req.SetName == "" {
		return InvalidSetID
	}
	if id, ok := store.ResolveSet(req.Namespace, req.SetName); ok {
		return id
	}
	return InvalidSetID
}

// resolveBackgroundRPS applies the per-namespace ceiling to a background
// job's requested RPS: zero means "run at the namespace cap", anything
// above the cap is a parameter error.
func resolveBackgroundRPS(requested, ceiling int) (int, error) {
	if ceiling <= 0 {
		return requested, nil
	}
	if requested == 0 {
		return ceiling, nil
	}
	if requested > ceiling {
		return 0, fmt.Errorf("%w: background scan rps exceeds namespace ceiling", ErrParameter)
	}
	return requested, nil
}

// StartBasic builds a BasicJob from req, adopting conn as its response
// socket. The caller is responsible for registering the job and
// dispatching Slice across req.Pids (or all partitions).
func StartBasic(req *Request, conn net.Conn, store Store, compiler PredicateCompiler) (*BasicJob, error) {
	setID := req.resolveSet(store)
	if !req.PerPid && req.SetName != "" && setID == InvalidSetID {
		// Legacy whole-namespace scan of a set this namespace has never
		// heard of fails synchronously; per-partition scans instead report
		// per-pid-done(OK) from each slice.
		return nil, ErrSetNotFound
	}
	if req.FailOnClusterChange && store.ClusterKey() != req.ClusterKey {
		return nil, ErrClusterKeyMismatch
	}

	base := NewScanJob(req.Trid, req.Namespace, req.SetName, setID, req.PerPid, req.Pids, req.RecsPerSec, req.Client, store)

	job := &BasicJob{
		ScanJob: base,
		Extra: BasicJobExtra{
			ClusterKey:          req.ClusterKey,
			FailOnClusterChange: req.FailOnClusterChange,
			NoBinData:           req.NoBinData(),
			SamplePct:           req.SamplePct,
			SampleMax:           req.SampleMax,
			BinNames:            req.BinNames,
		},
	}
	if req.SampleMax > 0 {
		job.Extra.maxPerPartition = deriveMaxPerPartition(req.SampleMax, req.pidsRequestedCount())
	}
	if len(req.Predexp) > 0 {
		pred, err := compiler.Compile(req.Predexp)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrParameter, err)
		}
		job.Extra.Predicate = pred
	}
	job.ownFD(base, conn, req.SocketTimeoutMS, req.Compress)
	return job, nil
}

// StartAggr builds an AggrJob from req. Aggregation scans are
// whole-namespace only and do not take predicate filters.
func StartAggr(req *Request, conn net.Conn, store Store, runtime UDFRuntime, valueEncode func(any) []byte) (*AggrJob, error) {
	if !runtime.Enabled() {
		return nil, ErrForbidden
	}
	if req.UDFFilename == "" || req.UDFFunction == "" {
		return nil, fmt.Errorf("%w: udf filename/function required", ErrParameter)
	}
	if len(req.Predexp) > 0 {
		return nil, fmt.Errorf("%w: predicate filter on aggregation scan", ErrUnsupportedFeature)
	}
	if req.PerPid {
		return nil, fmt.Errorf("%w: per-partition aggregation scan", ErrUnsupportedFeature)
	}
	setID := req.resolveSet(store)

	base := NewScanJob(req.Trid, req.Namespace, req.SetName, setID, req.PerPid, req.Pids, req.RecsPerSec, req.Client, store)
	job := &AggrJob{
		ScanJob: base,
		Extra: AggrJobExtra{
			Call: AggrCallDescriptor{
				Filename: req.UDFFilename,
				Function: req.UDFFunction,
				Args:     req.UDFArgs,
			},
			Runtime:     runtime,
			ValueEncode: valueEncode,
		},
	}
	job.ownFD(base, conn, req.SocketTimeoutMS, req.Compress)
	return job, nil
}

// StartUdfBg builds a UdfBgJob from req. backgroundScanMaxRPS is the
// per-namespace ceiling; a requested RPS of zero runs at that ceiling.
func StartUdfBg(req *Request, store Store, dispatcher TxDispatcher, compiler PredicateCompiler, runtime UDFRuntime, backgroundScanMaxRPS int) (*UdfBgJob, error) {
	if !runtime.Enabled() {
		return nil, ErrForbidden
	}
	if req.UDFFilename == "" || req.UDFFunction == "" {
		return nil, fmt.Errorf("%w: udf filename/function required", ErrParameter)
	}
	rps, err := resolveBackgroundRPS(req.RecsPerSec, backgroundScanMaxRPS)
	if err != nil {
		return nil, err
	}
	setID := req.resolveSet(store)

	base := NewScanJob(req.Trid, req.Namespace, req.SetName, setID, req.PerPid, req.Pids, rps, req.Client, store)
	origin := OriginTemplate{
		DurableDelete: req.DurableDelete(),
		UpdateOnly:    req.UpdateOnly(),
		ReplaceOnly:   req.ReplaceOnly(),
		UDFCall: &AggrCallDescriptor{
			Filename: req.UDFFilename,
			Function: req.UDFFunction,
			Args:     req.UDFArgs,
		},
	}

	var predicate Predicate
	if len(req.Predexp) > 0 {
		pred, err := compiler.Compile(req.Predexp)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrParameter, err)
		}
		predicate = pred
	}
	return NewUdfBgJob(base, origin, dispatcher, predicate, runtime), nil
}

// StartOpsBg builds an OpsBgJob from req. Ops-apply jobs are write-only:
// the READ bit must be clear and the ops blob non-empty.
func StartOpsBg(req *Request, store Store, dispatcher TxDispatcher, compiler PredicateCompiler, backgroundScanMaxRPS int) (*OpsBgJob, error) {
	if req.readBit() {
		return nil, fmt.Errorf("%w: ops-apply scan must be write-only", ErrParameter)
	}
	if len(req.Ops) == 0 {
		return nil, fmt.Errorf("%w: ops-apply scan requires at least one operation", ErrParameter)
	}
	rps, err := resolveBackgroundRPS(req.RecsPerSec, backgroundScanMaxRPS)
	if err != nil {
		return nil, err
	}
	setID := req.resolveSet(store)

	base := NewScanJob(req.Trid, req.Namespace, req.SetName, setID, req.PerPid, req.Pids, rps, req.Client, store)
	origin := OriginTemplate{
		DurableDelete: req.DurableDelete(),
		UpdateOnly:    req.UpdateOnly(),
		ReplaceOnly:   req.ReplaceOnly(),
		Ops:           req.Ops,
	}

	var predicate Predicate
	if len(req.Predexp) > 0 {
		pred, err := compiler.Compile(req.Predexp)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrParameter, err)
		}
		predicate = pred
	}
	return NewOpsBgJob(base, origin, dispatcher, predicate), nil
}
