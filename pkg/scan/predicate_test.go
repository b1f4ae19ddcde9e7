package scan

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeSetIDEquals(id uint16) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, opSetIDEquals)
	binary.Write(&buf, binary.BigEndian, id)
	return buf.Bytes()
}

func encodeDoomedEquals(v bool) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, opDoomedEquals)
	var b uint8
	if v {
		b = 1
	}
	binary.Write(&buf, binary.BigEndian, b)
	return buf.Bytes()
}

func encodeAndOr(op uint16, children ...[]byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, op)
	binary.Write(&buf, binary.BigEndian, uint16(len(children)))
	for _, c := range children {
		buf.Write(c)
	}
	return buf.Bytes()
}

func encodeNot(child []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, opNot)
	buf.Write(child)
	return buf.Bytes()
}

func TestPredexpSetIDEquals(t *testing.T) {
	compiler := NewPredicateCompiler()
	pred, err := compiler.Compile(encodeSetIDEquals(7))
	require.NoError(t, err)

	assert.Equal(t, PredicateTrue, pred.EvalMeta(IndexRef{SetID: 7}))
	assert.Equal(t, PredicateFalse, pred.EvalMeta(IndexRef{SetID: 8}))
}

func TestPredexpAndShortCircuitsFalse(t *testing.T) {
	compiler := NewPredicateCompiler()
	raw := encodeAndOr(opAnd, encodeSetIDEquals(1), encodeDoomedEquals(true))
	pred, err := compiler.Compile(raw)
	require.NoError(t, err)

	assert.Equal(t, PredicateFalse, pred.EvalMeta(IndexRef{SetID: 1, Doomed: false}))
	assert.Equal(t, PredicateTrue, pred.EvalMeta(IndexRef{SetID: 1, Doomed: true}))
}

func TestPredexpOr(t *testing.T) {
	compiler := NewPredicateCompiler()
	raw := encodeAndOr(opOr, encodeSetIDEquals(1), encodeSetIDEquals(2))
	pred, err := compiler.Compile(raw)
	require.NoError(t, err)

	assert.Equal(t, PredicateTrue, pred.EvalMeta(IndexRef{SetID: 1}))
	assert.Equal(t, PredicateTrue, pred.EvalMeta(IndexRef{SetID: 2}))
	assert.Equal(t, PredicateFalse, pred.EvalMeta(IndexRef{SetID: 3}))
}

func TestPredexpNot(t *testing.T) {
	compiler := NewPredicateCompiler()
	raw := encodeNot(encodeSetIDEquals(5))
	pred, err := compiler.Compile(raw)
	require.NoError(t, err)

	assert.Equal(t, PredicateFalse, pred.EvalMeta(IndexRef{SetID: 5}))
	assert.Equal(t, PredicateTrue, pred.EvalMeta(IndexRef{SetID: 6}))
}

func TestPredexpEvalBinsAlwaysTrue(t *testing.T) {
	compiler := NewPredicateCompiler()
	pred, err := compiler.Compile(encodeSetIDEquals(1))
	require.NoError(t, err)

	ok, err := pred.EvalBins(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPredexpCompileTruncated(t *testing.T) {
	compiler := NewPredicateCompiler()
	_, err := compiler.Compile([]byte{0, 5}) // opSetIDEquals with no value
	assert.Error(t, err)
}

func TestPredexpCompileUnknownOpcode(t *testing.T) {
	compiler := NewPredicateCompiler()
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(999))
	_, err := compiler.Compile(buf.Bytes())
	assert.Error(t, err)
}
