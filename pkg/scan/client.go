package scan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// RequestBuilder assembles the framed scan-start message a client sends.
// It is the encode-side counterpart of DecodeRequest, used by the
// operator CLI's smoke-test scan and by end-to-end tests.
type RequestBuilder struct {
	trid   uint64
	fields bytes.Buffer
}

func NewRequestBuilder(trid uint64) *RequestBuilder {
	return &RequestBuilder{trid: trid}
}

func (b *RequestBuilder) appendField(id byte, val []byte) *RequestBuilder {
	b.fields.WriteByte(id)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(val)))
	b.fields.Write(lenBuf[:])
	b.fields.Write(val)
	return b
}

func (b *RequestBuilder) Namespace(ns string) *RequestBuilder {
	return b.appendField(fieldNamespace, []byte(ns))
}

func (b *RequestBuilder) Set(name string) *RequestBuilder {
	return b.appendField(fieldSet, []byte(name))
}

func (b *RequestBuilder) InfoBits(info1, info2, info3 byte) *RequestBuilder {
	return b.appendField(fieldInfoBits, []byte{info1, info2, info3})
}

func (b *RequestBuilder) Pids(pids []uint16) *RequestBuilder {
	val := make([]byte, 0, len(pids)*2)
	for _, pid := range pids {
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], pid)
		val = append(val, p[:]...)
	}
	return b.appendField(fieldPidArray, val)
}

func (b *RequestBuilder) Digests(digests []Digest) *RequestBuilder {
	val := make([]byte, 0, len(digests)*len(Digest{}))
	for _, d := range digests {
		val = append(val, d[:]...)
	}
	return b.appendField(fieldDigestArray, val)
}

func (b *RequestBuilder) SamplePct(pct int) *RequestBuilder {
	return b.appendField(fieldSamplePct, []byte{byte(pct)})
}

func (b *RequestBuilder) SampleMax(max uint64) *RequestBuilder {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], max)
	return b.appendField(fieldSampleMax, v[:])
}

func (b *RequestBuilder) RecsPerSec(rps uint32) *RequestBuilder {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], rps)
	return b.appendField(fieldRecsPerSec, v[:])
}

func (b *RequestBuilder) SocketTimeoutMS(ms uint32) *RequestBuilder {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], ms)
	return b.appendField(fieldSocketTimeout, v[:])
}

func (b *RequestBuilder) Compress() *RequestBuilder {
	return b.appendField(fieldCompress, []byte{1})
}

func (b *RequestBuilder) ClusterKey(key uint64) *RequestBuilder {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], key)
	return b.appendField(fieldClusterKey, v[:])
}

func (b *RequestBuilder) BinName(name string) *RequestBuilder {
	return b.appendField(fieldBinNames, []byte(name))
}

func (b *RequestBuilder) UDF(filename, function string, op byte) *RequestBuilder {
	b.appendField(fieldUDFFilename, []byte(filename))
	b.appendField(fieldUDFFunction, []byte(function))
	return b.appendField(fieldUDFOp, []byte{op})
}

func (b *RequestBuilder) Ops(blob []byte) *RequestBuilder {
	return b.appendField(fieldOps, blob)
}

// Build frames the accumulated request for the wire: trid, then the
// field-value list, wrapped in the fixed proto header.
func (b *RequestBuilder) Build() []byte {
	payload := make([]byte, 8, 8+b.fields.Len())
	binary.BigEndian.PutUint64(payload[:8], b.trid)
	payload = append(payload, b.fields.Bytes()...)
	return frameMessage(payload, false)
}

// ChunkKind tags one decoded unit of a response payload.
type ChunkKind byte

const (
	ChunkRecord     ChunkKind = ChunkKind(chunkKindRecord)
	ChunkPidDone    ChunkKind = ChunkKind(chunkKindPidDone)
	ChunkValue      ChunkKind = ChunkKind(chunkKindValue)
	ChunkFin        ChunkKind = ChunkKind(chunkKindFin)
	ChunkStartError ChunkKind = ChunkKind(chunkKindStartError)
)

// ResponseChunk is one decoded unit of a response payload: a record, a
// per-pid-done marker, an aggregation value, or a terminal fin/error.
type ResponseChunk struct {
	Kind ChunkKind

	// Record fields
	Digest   Digest
	SetID    uint16
	MetaOnly bool
	Bins     map[string][]byte

	// PidDone fields
	Pid       int
	PidStatus PidStatus

	// Value fields
	Success bool
	Value   []byte

	// Fin / StartError code
	Code uint32
}

// ReadResponse reads one framed message off r and decodes its payload
// into chunks.
func ReadResponse(r io.Reader) ([]ResponseChunk, error) {
	_, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeChunks(payload)
}

// DecodeChunks parses a response payload into its chunk sequence.
func DecodeChunks(payload []byte) ([]ResponseChunk, error) {
	var chunks []ResponseChunk
	for off := 0; off < len(payload); {
		kind := payload[off]
		switch ChunkKind(kind) {
		case ChunkRecord:
			chunk, n, err := decodeRecordChunk(payload[off:])
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, chunk)
			off += n
		case ChunkPidDone:
			if off+4 > len(payload) {
				return nil, fmt.Errorf("scan: truncated pid-done chunk")
			}
			chunks = append(chunks, ResponseChunk{
				Kind:      ChunkPidDone,
				Pid:       int(binary.BigEndian.Uint16(payload[off+1 : off+3])),
				PidStatus: PidStatus(payload[off+3]),
			})
			off += 4
		case ChunkValue:
			if off+6 > len(payload) {
				return nil, fmt.Errorf("scan: truncated value chunk")
			}
			size := int(binary.BigEndian.Uint32(payload[off+2 : off+6]))
			if off+6+size > len(payload) {
				return nil, fmt.Errorf("scan: truncated value chunk body")
			}
			chunks = append(chunks, ResponseChunk{
				Kind:    ChunkValue,
				Success: payload[off+1] == 1,
				Value:   append([]byte(nil), payload[off+6:off+6+size]...),
			})
			off += 6 + size
		case ChunkFin, ChunkStartError:
			if off+5 > len(payload) {
				return nil, fmt.Errorf("scan: truncated terminal chunk")
			}
			chunks = append(chunks, ResponseChunk{
				Kind: ChunkKind(kind),
				Code: binary.BigEndian.Uint32(payload[off+1 : off+5]),
			})
			off += 5
		default:
			return nil, fmt.Errorf("scan: unknown chunk kind %d", kind)
		}
	}
	return chunks, nil
}

func decodeRecordChunk(b []byte) (ResponseChunk, int, error) {
	const hdr = 24
	if len(b) < hdr+4 {
		return ResponseChunk{}, 0, fmt.Errorf("scan: truncated record chunk")
	}
	chunk := ResponseChunk{Kind: ChunkRecord}
	copy(chunk.Digest[:], b[1:21])
	chunk.SetID = binary.BigEndian.Uint16(b[21:23])
	chunk.MetaOnly = b[23] == 1

	nBins := int(binary.BigEndian.Uint32(b[hdr : hdr+4]))
	off := hdr + 4
	if nBins > 0 {
		chunk.Bins = make(map[string][]byte, nBins)
	}
	for i := 0; i < nBins; i++ {
		if off+2 > len(b) {
			return ResponseChunk{}, 0, fmt.Errorf("scan: truncated bin name length")
		}
		nameLen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+nameLen+4 > len(b) {
			return ResponseChunk{}, 0, fmt.Errorf("scan: truncated bin name")
		}
		name := string(b[off : off+nameLen])
		off += nameLen
		valLen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if off+valLen > len(b) {
			return ResponseChunk{}, 0, fmt.Errorf("scan: truncated bin value")
		}
		chunk.Bins[name] = append([]byte(nil), b[off:off+valLen]...)
		off += valLen
	}
	return chunk, off, nil
}
