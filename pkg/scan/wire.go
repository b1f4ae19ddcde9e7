package scan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ChunkLimit is the payload size at which a response buffer is flushed.
const ChunkLimit = 1 << 20 // 1 MiB

// Proto header: 1 byte version, 1 byte message type, 6 bytes big-endian
// payload size (byte-swapped on the wire, network order).
const headerSize = 8

const protoVersion byte = 2

const (
	msgTypeAS         byte = 3 // AS_MSG
	msgTypeCompressed byte = 4
)

var zstdEncoderOnce sync.Once
var zstdEncoder *zstd.Encoder

func getZstdEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return zstdEncoder
}

// putUint48 writes the low 48 bits of v into b (len(b) == 6), big-endian.
func putUint48(b []byte, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	copy(b, tmp[2:])
}

// frameMessage wraps payload in the fixed proto header, optionally
// compressing it first. Compression is skipped if it does not shrink the
// payload (small chunks, already-compressed bin data).
func frameMessage(payload []byte, compress bool) []byte {
	msgType := msgTypeAS
	body := payload
	if compress && len(payload) > 0 {
		enc := getZstdEncoder()
		compressed := enc.EncodeAll(payload, make([]byte, 0, len(payload)))
		if len(compressed) < len(payload) {
			body = compressed
			msgType = msgTypeCompressed
		}
	}

	out := make([]byte, headerSize+len(body))
	out[0] = protoVersion
	out[1] = msgType
	putUint48(out[2:headerSize], uint64(len(body)))
	copy(out[headerSize:], body)
	return out
}

var zstdDecoderOnce sync.Once
var zstdDecoder *zstd.Decoder

func getZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdDecoder
}

// readFrame reads one framed message off r: the fixed header, then its
// payload, decompressing it first if the header says so.
func readFrame(r io.Reader) (msgType byte, payload []byte, err error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	if hdr[0] != protoVersion {
		return 0, nil, fmt.Errorf("scan: unsupported protocol version %d", hdr[0])
	}
	size := readUint48(hdr[2:headerSize])
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("scan: short read of frame body: %w", err)
	}
	msgType = hdr[1]
	if msgType == msgTypeCompressed {
		body, err = getZstdDecoder().DecodeAll(body, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("scan: zstd decode: %w", err)
		}
	}
	return msgType, body, nil
}

func readUint48(b []byte) uint64 {
	var tmp [8]byte
	copy(tmp[2:], b)
	return binary.BigEndian.Uint64(tmp[:])
}

// chunkBuffer is the growable per-slice response buffer. Its first
// headerSize bytes are reserved and kept out of the payload; a flush still
// copies the payload into a freshly framed buffer (frameMessage).
type chunkBuffer struct {
	buf bytes.Buffer
}

func newChunkBuffer() *chunkBuffer {
	cb := &chunkBuffer{}
	cb.reset()
	return cb
}

func (c *chunkBuffer) reset() {
	c.buf.Reset()
	var hdr [headerSize]byte
	c.buf.Write(hdr[:])
}

func (c *chunkBuffer) payload() []byte {
	return c.buf.Bytes()[headerSize:]
}

func (c *chunkBuffer) len() int {
	return c.buf.Len() - headerSize
}

func (c *chunkBuffer) hasPayload() bool {
	return c.len() > 0
}

// Chunk kinds tag each record within a response payload, so the client can
// tell a record chunk from a per-pid-done marker or an aggregation value
// inside the same framed message.
const (
	chunkKindRecord  byte = 1
	chunkKindPidDone byte = 2
	chunkKindValue   byte = 3
)

func putUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// appendPidDone appends a per-pid-done marker (per-partition scans only).
func (c *chunkBuffer) appendPidDone(pid int, status PidStatus) {
	var hdr [4]byte
	hdr[0] = chunkKindPidDone
	putUint16(hdr[1:3], uint16(pid))
	hdr[3] = byte(status)
	c.buf.Write(hdr[:])
}

// appendRecord appends one record chunk: digest, set id, metadata-only
// flag, and the serialized bin map (nil when metadata-only).
func (c *chunkBuffer) appendRecord(ref IndexRef, metaOnly bool, bins map[string][]byte) {
	var hdr [24]byte
	hdr[0] = chunkKindRecord
	copy(hdr[1:21], ref.Digest[:])
	putUint16(hdr[21:23], ref.SetID)
	if metaOnly {
		hdr[23] = 1
	}
	c.buf.Write(hdr[:])

	var n [4]byte
	putUint32(n[:], uint32(len(bins)))
	c.buf.Write(n[:])
	for name, val := range bins {
		var nameLen [2]byte
		putUint16(nameLen[:], uint16(len(name)))
		c.buf.Write(nameLen[:])
		c.buf.WriteString(name)
		var valLen [4]byte
		putUint32(valLen[:], uint32(len(val)))
		c.buf.Write(valLen[:])
		c.buf.Write(val)
	}
}

// appendValue appends one aggregation-stream output value.
func (c *chunkBuffer) appendValue(success bool, val []byte) {
	var hdr [6]byte
	hdr[0] = chunkKindValue
	if success {
		hdr[1] = 1
	}
	putUint32(hdr[2:6], uint32(len(val)))
	c.buf.Write(hdr[:])
	c.buf.Write(val)
}

// Terminal payload kinds: the last frame of a stream is either a fin
// (normal teardown, carrying the abandonment code) or a start error
// (synchronous rejection before any job existed).
const (
	chunkKindFin        byte = 4
	chunkKindStartError byte = 5
)

// encodeFin builds the terminal fin payload carrying the abandonment code.
func encodeFin(reason AbandonReason) []byte {
	var out [5]byte
	out[0] = chunkKindFin
	putUint32(out[1:], uint32(reason))
	return out[:]
}

// encodeStartError builds the single synchronous error payload a rejected
// scan-start request receives.
func encodeStartError(code StatusCode) []byte {
	var out [5]byte
	out[0] = chunkKindStartError
	putUint32(out[1:], uint32(code))
	return out[:]
}
