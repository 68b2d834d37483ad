package ir

import (
	"fmt"
	"strings"
)

// Address locates a micro-operation: the high bits hold the native
// instruction address, the low byte the position inside that
// instruction's expansion. All micro-operations lifted from one native
// instruction therefore share Native() and order by Index().
type Address uint64

// NewAddress builds a micro-operation address from a native address
// and an expansion index.
func NewAddress(native uint64, index uint8) Address {
	return Address(native<<8 | uint64(index))
}

// Native returns the address of the originating native instruction.
func (a Address) Native() uint64 { return uint64(a) >> 8 }

// Index returns the position within the native instruction's expansion.
func (a Address) Index() uint8 { return uint8(a) }

// Next returns the address of the following micro-operation slot.
func (a Address) Next() Address { return a + 1 }

func (a Address) String() string {
	return fmt.Sprintf("%#x:%02x", a.Native(), a.Index())
}

// Instruction is a single micro-operation: an opcode, two source
// slots, one destination slot, and its micro-address.
type Instruction struct {
	Op   Opcode
	Src1 Operand
	Src2 Operand
	Dst  Operand
	Addr Address
}

// Sources returns the non-empty source operands.
func (ins *Instruction) Sources() []Operand {
	var out []Operand
	if _, ok := ins.Src1.(Empty); !ok && ins.Src1 != nil {
		out = append(out, ins.Src1)
	}
	if _, ok := ins.Src2.(Empty); !ok && ins.Src2 != nil {
		out = append(out, ins.Src2)
	}
	return out
}

// Destination returns the destination operand, or nil when the slot is
// empty.
func (ins *Instruction) Destination() Operand {
	if _, ok := ins.Dst.(Empty); ok || ins.Dst == nil {
		return nil
	}
	return ins.Dst
}

// WritesRegister reports whether ins writes the named register.
func (ins *Instruction) WritesRegister(name string) bool {
	if ins.Op == Stm {
		return false
	}
	if r, ok := ins.Dst.(Register); ok {
		return r.Name == name
	}
	return false
}

// Validate checks the structural invariants of a micro-operation: all
// slots populated (possibly by Empty), non-empty operands carry a
// width, and no operand serves as both a source and the destination.
func (ins *Instruction) Validate() error {
	if ins.Op == 0 || ins.Op >= maxOpcode {
		return fmt.Errorf("%s: invalid opcode", ins.Addr)
	}
	if ins.Src1 == nil || ins.Src2 == nil || ins.Dst == nil {
		return fmt.Errorf("%s: nil operand slot", ins.Addr)
	}
	for _, op := range []Operand{ins.Src1, ins.Src2} {
		if _, empty := op.(Empty); empty {
			continue
		}
		if op.Width() == 0 {
			return fmt.Errorf("%s: source operand without width", ins.Addr)
		}
	}
	if dst := ins.Destination(); dst != nil {
		// Stm's "destination" slot is the store address, which is a
		// read; every other opcode writes its destination.
		if ins.Op != Stm {
			for _, src := range ins.Sources() {
				if src == dst {
					return fmt.Errorf("%s: operand %s is both source and destination", ins.Addr, dst)
				}
			}
		}
	}
	return nil
}

func operandText(op Operand) string {
	if _, ok := op.(Empty); ok {
		return "EMPTY"
	}
	return widthName(op.Width()) + " " + op.String()
}

func (ins *Instruction) String() string {
	parts := []string{
		operandText(ins.Src1),
		operandText(ins.Src2),
		operandText(ins.Dst),
	}
	return fmt.Sprintf("%-5s [%s]", ins.Op, strings.Join(parts, ", "))
}
