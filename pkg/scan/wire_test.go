package scan

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello scan stream")
	framed := frameMessage(payload, false)

	msgType, decoded, err := readFrame(bytes.NewReader(framed))
	require.NoError(t, err)
	assert.Equal(t, msgTypeAS, msgType)
	assert.Equal(t, payload, decoded)
}

func TestFrameRoundTripCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	framed := frameMessage(payload, true)

	// A highly repetitive payload must actually shrink on the wire.
	assert.Less(t, len(framed), len(payload))

	msgType, decoded, err := readFrame(bytes.NewReader(framed))
	require.NoError(t, err)
	assert.Equal(t, msgTypeCompressed, msgType)
	assert.Equal(t, payload, decoded)
}

func TestFrameSkipsCompressionWhenNotSmaller(t *testing.T) {
	payload := []byte{1}
	framed := frameMessage(payload, true)

	msgType, decoded, err := readFrame(bytes.NewReader(framed))
	require.NoError(t, err)
	assert.Equal(t, msgTypeAS, msgType)
	assert.Equal(t, payload, decoded)
}

func TestReadFrameRejectsWrongVersion(t *testing.T) {
	framed := frameMessage([]byte("x"), false)
	framed[0] = 99
	_, _, err := readFrame(bytes.NewReader(framed))
	assert.Error(t, err)
}

func TestReadFrameShortBody(t *testing.T) {
	framed := frameMessage([]byte("full payload"), false)
	_, _, err := readFrame(bytes.NewReader(framed[:len(framed)-3]))
	assert.Error(t, err)
}

func TestUint48RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 255, 1 << 20, 1<<48 - 1} {
		var b [6]byte
		putUint48(b[:], v)
		assert.Equal(t, v, readUint48(b[:]))
	}
}

func TestChunkBufferHeaderRoom(t *testing.T) {
	cb := newChunkBuffer()
	assert.False(t, cb.hasPayload())
	assert.Zero(t, cb.len())

	cb.appendPidDone(7, PidOK)
	assert.True(t, cb.hasPayload())

	cb.reset()
	assert.False(t, cb.hasPayload())
}

func TestChunkEncodeDecodeRoundTrip(t *testing.T) {
	cb := newChunkBuffer()
	ref := IndexRef{Digest: digestFromByte(9), SetID: 3}
	cb.appendRecord(ref, false, map[string][]byte{"name": []byte("a"), "age": []byte("30")})
	cb.appendRecord(IndexRef{Digest: digestFromByte(2)}, true, nil)
	cb.appendPidDone(42, PidUnavailable)
	cb.appendValue(true, []byte("agg"))

	chunks, err := DecodeChunks(cb.payload())
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	assert.Equal(t, ChunkRecord, chunks[0].Kind)
	assert.Equal(t, digestFromByte(9), chunks[0].Digest)
	assert.Equal(t, uint16(3), chunks[0].SetID)
	assert.Equal(t, []byte("a"), chunks[0].Bins["name"])
	assert.Equal(t, []byte("30"), chunks[0].Bins["age"])

	assert.Equal(t, ChunkRecord, chunks[1].Kind)
	assert.True(t, chunks[1].MetaOnly)
	assert.Empty(t, chunks[1].Bins)

	assert.Equal(t, ChunkPidDone, chunks[2].Kind)
	assert.Equal(t, 42, chunks[2].Pid)
	assert.Equal(t, PidUnavailable, chunks[2].PidStatus)

	assert.Equal(t, ChunkValue, chunks[3].Kind)
	assert.True(t, chunks[3].Success)
	assert.Equal(t, []byte("agg"), chunks[3].Value)
}

func TestTerminalChunkRoundTrip(t *testing.T) {
	chunks, err := DecodeChunks(encodeFin(ReasonClusterKeyMismatch))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkFin, chunks[0].Kind)
	assert.Equal(t, uint32(ReasonClusterKeyMismatch), chunks[0].Code)

	chunks, err = DecodeChunks(encodeStartError(StatusForbidden))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkStartError, chunks[0].Kind)
	assert.Equal(t, uint32(StatusForbidden), chunks[0].Code)
}

func TestRequestBuilderRoundTrip(t *testing.T) {
	framed := NewRequestBuilder(77).
		Namespace("ns").
		Set("players").
		SamplePct(25).
		RecsPerSec(500).
		InfoBits(info1Read, 0, 0).
		Build()

	_, payload, err := readFrame(bytes.NewReader(framed))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(payload), 8)

	req, err := DecodeRequest(77, "client", payload[8:])
	require.NoError(t, err)
	assert.Equal(t, "ns", req.Namespace)
	assert.Equal(t, "players", req.SetName)
	assert.Equal(t, 25, req.SamplePct)
	assert.Equal(t, 500, req.RecsPerSec)
	assert.Equal(t, ScanTypeBasic, req.ScanType)
}
