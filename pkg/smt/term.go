// Package smt lowers micro-operation sequences into bit-vector
// formulas and talks to an external SMT solver. Terms form a small
// AST serialized to SMT-LIB 2; the memory model is an array from
// addresses to bytes.
package smt

import (
	"fmt"
	"strings"
)

// Sort describes the type of a term: a bit-vector of Bits width, an
// array from AddrBits-wide addresses to bytes, or a boolean.
type Sort struct {
	Bits     int
	Array    bool
	AddrBits int
	Bool     bool
}

func (s Sort) String() string {
	switch {
	case s.Bool:
		return "Bool"
	case s.Array:
		return fmt.Sprintf("(Array (_ BitVec %d) (_ BitVec 8))", s.AddrBits)
	default:
		return fmt.Sprintf("(_ BitVec %d)", s.Bits)
	}
}

func bvSort(bits int) Sort   { return Sort{Bits: bits} }
func memSort(addr int) Sort  { return Sort{Array: true, AddrBits: addr} }
func boolSort() Sort         { return Sort{Bool: true} }

// Term is a node of the formula AST.
type Term interface {
	Sort() Sort
	write(sb *strings.Builder)
}

// String serializes a term to SMT-LIB 2 text.
func String(t Term) string {
	var sb strings.Builder
	t.write(&sb)
	return sb.String()
}

// BitVecValue is a bit-vector constant.
type BitVecValue struct {
	Value uint64
	Bits  int
}

func (t BitVecValue) Sort() Sort { return bvSort(t.Bits) }
func (t BitVecValue) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "(_ bv%d %d)", t.Value&maskFor(t.Bits), t.Bits)
}

// BitVecSymbol is a named bit-vector variable.
type BitVecSymbol struct {
	Name string
	Bits int
}

func (t BitVecSymbol) Sort() Sort                 { return bvSort(t.Bits) }
func (t BitVecSymbol) write(sb *strings.Builder) { sb.WriteString(t.Name) }

// ArraySymbol is a named memory array variable.
type ArraySymbol struct {
	Name     string
	AddrBits int
}

func (t ArraySymbol) Sort() Sort                 { return memSort(t.AddrBits) }
func (t ArraySymbol) write(sb *strings.Builder) { sb.WriteString(t.Name) }

// BinOp applies a binary bit-vector operator. Both operands must share
// a width; the result has the same width.
type BinOp struct {
	Op   string // bvadd bvsub bvmul bvudiv bvurem bvand bvor bvxor bvshl bvlshr bvashr
	A, B Term
}

func (t BinOp) Sort() Sort { return t.A.Sort() }
func (t BinOp) write(sb *strings.Builder) {
	sb.WriteString("(" + t.Op + " ")
	t.A.write(sb)
	sb.WriteString(" ")
	t.B.write(sb)
	sb.WriteString(")")
}

// UnOp applies a unary bit-vector operator (bvneg, bvnot).
type UnOp struct {
	Op string
	A  Term
}

func (t UnOp) Sort() Sort { return t.A.Sort() }
func (t UnOp) write(sb *strings.Builder) {
	sb.WriteString("(" + t.Op + " ")
	t.A.write(sb)
	sb.WriteString(")")
}

// Extract selects bits High..Low (inclusive) of A.
type Extract struct {
	High, Low int
	A         Term
}

func (t Extract) Sort() Sort { return bvSort(t.High - t.Low + 1) }
func (t Extract) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "((_ extract %d %d) ", t.High, t.Low)
	t.A.write(sb)
	sb.WriteString(")")
}

// ZeroExtend widens A by N zero bits.
type ZeroExtend struct {
	N int
	A Term
}

func (t ZeroExtend) Sort() Sort { return bvSort(t.A.Sort().Bits + t.N) }
func (t ZeroExtend) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "((_ zero_extend %d) ", t.N)
	t.A.write(sb)
	sb.WriteString(")")
}

// SignExtend widens A by N copies of its sign bit.
type SignExtend struct {
	N int
	A Term
}

func (t SignExtend) Sort() Sort { return bvSort(t.A.Sort().Bits + t.N) }
func (t SignExtend) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "((_ sign_extend %d) ", t.N)
	t.A.write(sb)
	sb.WriteString(")")
}

// Concat joins A (high bits) and B (low bits).
type Concat struct {
	A, B Term
}

func (t Concat) Sort() Sort { return bvSort(t.A.Sort().Bits + t.B.Sort().Bits) }
func (t Concat) write(sb *strings.Builder) {
	sb.WriteString("(concat ")
	t.A.write(sb)
	sb.WriteString(" ")
	t.B.write(sb)
	sb.WriteString(")")
}

// Ite selects Then or Else by the boolean Cond.
type Ite struct {
	Cond, Then, Else Term
}

func (t Ite) Sort() Sort { return t.Then.Sort() }
func (t Ite) write(sb *strings.Builder) {
	sb.WriteString("(ite ")
	t.Cond.write(sb)
	sb.WriteString(" ")
	t.Then.write(sb)
	sb.WriteString(" ")
	t.Else.write(sb)
	sb.WriteString(")")
}

// BoolValue is a boolean constant.
type BoolValue bool

func (t BoolValue) Sort() Sort { return boolSort() }
func (t BoolValue) write(sb *strings.Builder) {
	if t {
		sb.WriteString("true")
	} else {
		sb.WriteString("false")
	}
}

// Eq asserts term equality.
type Eq struct {
	A, B Term
}

func (t Eq) Sort() Sort { return boolSort() }
func (t Eq) write(sb *strings.Builder) {
	sb.WriteString("(= ")
	t.A.write(sb)
	sb.WriteString(" ")
	t.B.write(sb)
	sb.WriteString(")")
}

// Ult is unsigned bit-vector less-than.
type Ult struct {
	A, B Term
}

func (t Ult) Sort() Sort { return boolSort() }
func (t Ult) write(sb *strings.Builder) {
	sb.WriteString("(bvult ")
	t.A.write(sb)
	sb.WriteString(" ")
	t.B.write(sb)
	sb.WriteString(")")
}

// BoolNot negates a boolean term.
type BoolNot struct {
	A Term
}

func (t BoolNot) Sort() Sort { return boolSort() }
func (t BoolNot) write(sb *strings.Builder) {
	sb.WriteString("(not ")
	t.A.write(sb)
	sb.WriteString(")")
}

// BoolOp combines boolean terms ("and", "or").
type BoolOp struct {
	Op   string
	Args []Term
}

func (t BoolOp) Sort() Sort { return boolSort() }
func (t BoolOp) write(sb *strings.Builder) {
	sb.WriteString("(" + t.Op)
	for _, a := range t.Args {
		sb.WriteString(" ")
		a.write(sb)
	}
	sb.WriteString(")")
}

// Select reads one byte of a memory array.
type Select struct {
	Array, Index Term
}

func (t Select) Sort() Sort { return bvSort(8) }
func (t Select) write(sb *strings.Builder) {
	sb.WriteString("(select ")
	t.Array.write(sb)
	sb.WriteString(" ")
	t.Index.write(sb)
	sb.WriteString(")")
}

// Store writes one byte of a memory array, yielding the new array.
type Store struct {
	Array, Index, Value Term
}

func (t Store) Sort() Sort { return t.Array.Sort() }
func (t Store) write(sb *strings.Builder) {
	sb.WriteString("(store ")
	t.Array.write(sb)
	sb.WriteString(" ")
	t.Index.write(sb)
	sb.WriteString(" ")
	t.Value.write(sb)
	sb.WriteString(")")
}

func maskFor(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(bits) - 1
}

// conj builds the conjunction of boolean terms, flattening the
// degenerate cases.
func conj(terms ...Term) Term {
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	return BoolOp{Op: "and", Args: terms}
}

// nonZero builds "t != 0".
func nonZero(t Term) Term {
	return BoolNot{A: Eq{A: t, B: BitVecValue{Value: 0, Bits: t.Sort().Bits}}}
}

// resize adapts a bit-vector term to the given width by zero-extension
// or truncation.
func resize(t Term, bits int) Term {
	w := t.Sort().Bits
	switch {
	case w == bits:
		return t
	case w < bits:
		if v, ok := t.(BitVecValue); ok {
			return BitVecValue{Value: v.Value & maskFor(w), Bits: bits}
		}
		return ZeroExtend{N: bits - w, A: t}
	default:
		if v, ok := t.(BitVecValue); ok {
			return BitVecValue{Value: v.Value & maskFor(bits), Bits: bits}
		}
		return Extract{High: bits - 1, Low: 0, A: t}
	}
}
