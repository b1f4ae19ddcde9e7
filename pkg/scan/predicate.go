package scan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// predexpCompiler compiles the wire PREDEXP byte form into an executable
// Predicate tree.
//
// The example corpus carries no predicate-expression compiler or
// generic rule-expression evaluator in any of its dependency trees — the
// closest analogues (regexp, text/template) solve a different problem
// (matching/templating, not typed boolean expression evaluation over a
// small opcode set). A dedicated stack-machine evaluator is the standard
// shape for this exact feature in the source system itself, so it is
// implemented here directly against the standard library rather than
// forcing an ill-fitting ecosystem dependency. See DESIGN.md.
type predexpCompiler struct{}

// NewPredicateCompiler returns the stack-machine PREDEXP compiler.
func NewPredicateCompiler() PredicateCompiler {
	return predexpCompiler{}
}

// predexp opcodes: a small, closed set mirroring the source wire format's
// AND/OR/NOT plus a handful of metadata comparisons. Bin-level comparisons
// are opaque to this package past EvalBins' "ask the record" boundary.
const (
	opAnd uint16 = iota + 1
	opOr
	opNot
	opVoidAsFalse // unevaluated/unsupported subtree: defer to EvalBins as unknown
	opSetIDEquals
	opDoomedEquals
)

type predexpNode struct {
	op       uint16
	arg      uint64
	children []*predexpNode
}

func (c predexpCompiler) Compile(raw []byte) (Predicate, error) {
	r := bytes.NewReader(raw)
	root, err := parsePredexpNode(r)
	if err != nil {
		return nil, fmt.Errorf("scan: predexp compile: %w", err)
	}
	return &predexpTree{root: root}, nil
}

var errPredexpTruncated = errors.New("predexp: truncated expression")

func parsePredexpNode(r *bytes.Reader) (*predexpNode, error) {
	var op uint16
	if err := binary.Read(r, binary.BigEndian, &op); err != nil {
		return nil, errPredexpTruncated
	}
	switch op {
	case opAnd, opOr:
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, errPredexpTruncated
		}
		node := &predexpNode{op: op}
		for i := uint16(0); i < n; i++ {
			child, err := parsePredexpNode(r)
			if err != nil {
				return nil, err
			}
			node.children = append(node.children, child)
		}
		return node, nil
	case opNot:
		child, err := parsePredexpNode(r)
		if err != nil {
			return nil, err
		}
		return &predexpNode{op: op, children: []*predexpNode{child}}, nil
	case opSetIDEquals:
		var v uint16
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errPredexpTruncated
		}
		return &predexpNode{op: op, arg: uint64(v)}, nil
	case opDoomedEquals:
		var v uint8
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, errPredexpTruncated
		}
		return &predexpNode{op: op, arg: uint64(v)}, nil
	case opVoidAsFalse:
		return &predexpNode{op: op}, nil
	default:
		return nil, fmt.Errorf("predexp: unknown opcode %d", op)
	}
}

type predexpTree struct {
	root *predexpNode
}

func (t *predexpTree) EvalMeta(ref IndexRef) PredicateResult {
	return evalPredexpMeta(t.root, ref)
}

func evalPredexpMeta(n *predexpNode, ref IndexRef) PredicateResult {
	switch n.op {
	case opAnd:
		result := PredicateTrue
		for _, c := range n.children {
			switch evalPredexpMeta(c, ref) {
			case PredicateFalse:
				return PredicateFalse
			case PredicateUnknown:
				result = PredicateUnknown
			}
		}
		return result
	case opOr:
		result := PredicateFalse
		for _, c := range n.children {
			switch evalPredexpMeta(c, ref) {
			case PredicateTrue:
				return PredicateTrue
			case PredicateUnknown:
				result = PredicateUnknown
			}
		}
		return result
	case opNot:
		switch evalPredexpMeta(n.children[0], ref) {
		case PredicateTrue:
			return PredicateFalse
		case PredicateFalse:
			return PredicateTrue
		default:
			return PredicateUnknown
		}
	case opSetIDEquals:
		if uint64(ref.SetID) == n.arg {
			return PredicateTrue
		}
		return PredicateFalse
	case opDoomedEquals:
		doomed := n.arg != 0
		if ref.Doomed == doomed {
			return PredicateTrue
		}
		return PredicateFalse
	default:
		return PredicateUnknown
	}
}

// EvalBins is reached only for subtrees EvalMeta resolved as Unknown —
// in this minimal opcode set only opVoidAsFalse (or an AND/OR/NOT over
// it) resolves that way. No opcode reads bins, so this always returns true.
func (t *predexpTree) EvalBins(rec RecordHandle) (bool, error) {
	return true, nil
}
