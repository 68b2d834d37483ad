package ir

import (
	"fmt"
	"strconv"
)

// Operand is one of the three operand slots of a micro-operation.
// Every non-empty operand carries an explicit width in bits.
type Operand interface {
	// Width returns the operand width in bits, 0 for the empty operand.
	Width() int
	String() string
	operand()
}

// Register names an architectural register or flag.
type Register struct {
	Name string
	Bits int
}

func (r Register) Width() int     { return r.Bits }
func (r Register) String() string { return r.Name }
func (r Register) operand()       {}

// Temporary is a lifter-introduced scratch value, local to one native
// instruction's expansion.
type Temporary struct {
	ID   int
	Bits int
}

func (t Temporary) Width() int     { return t.Bits }
func (t Temporary) String() string { return "t" + strconv.Itoa(t.ID) }
func (t Temporary) operand()       {}

// Immediate is a constant, stored in two's complement at its width.
type Immediate struct {
	Value uint64
	Bits  int
}

func (i Immediate) Width() int { return i.Bits }

func (i Immediate) String() string {
	mask := uint64(1)<<uint(i.Bits) - 1
	if i.Bits >= 64 {
		mask = ^uint64(0)
	}
	return fmt.Sprintf("%#x", i.Value&mask)
}

func (i Immediate) operand() {}

// Imm builds an immediate from a possibly negative value, storing its
// two's complement representation at the given width.
func Imm(v int64, bits int) Immediate {
	mask := uint64(1)<<uint(bits) - 1
	if bits >= 64 {
		mask = ^uint64(0)
	}
	return Immediate{Value: uint64(v) & mask, Bits: bits}
}

// Empty is the unused operand slot.
type Empty struct{}

func (Empty) Width() int     { return 0 }
func (Empty) String() string { return "EMPTY" }
func (Empty) operand()       {}

// widthName returns the size keyword used in the textual form.
func widthName(bits int) string {
	switch bits {
	case 1:
		return "BIT"
	case 8:
		return "BYTE"
	case 16:
		return "WORD"
	case 32:
		return "DWORD"
	case 64:
		return "QWORD"
	case 128:
		return "DQWORD"
	}
	return "UNK"
}

func widthFromName(name string) (int, bool) {
	switch name {
	case "BIT":
		return 1, true
	case "BYTE":
		return 8, true
	case "WORD":
		return 16, true
	case "DWORD":
		return 32, true
	case "QWORD":
		return 64, true
	case "DQWORD":
		return 128, true
	}
	return 0, false
}
