// Package ir defines the micro-operation intermediate representation
// that native instructions are lifted into. Each native instruction
// expands into an ordered run of micro-operations sharing the native
// address; all analyses in this module operate on this representation.
package ir

// Opcode identifies a micro-operation. The set is closed: the lifter
// and the formula translator both dispatch exhaustively over it, and
// their dispatch tables are checked for completeness at init time, so
// an opcode added here without templates fails fast.
type Opcode uint8

const (
	// Arithmetic. All arithmetic is unsigned; signed native semantics
	// are encoded explicitly by the lifter.
	Add Opcode = iota + 1
	Sub
	Mul
	Div
	Mod
	// Bsh shifts src1 by src2 bits: left when src2 is non-negative
	// (two's complement), right otherwise.
	Bsh

	// Bitwise.
	And
	Or
	Xor

	// Data transfer. Ldm loads from the address in src1, Stm stores
	// src1 to the address in dst, Str copies src1 to dst with zero
	// extension or truncation as widths dictate.
	Ldm
	Stm
	Str

	// Conditional. Bisz sets dst to 1 when src1 is zero, else 0. Jcc
	// jumps to the micro-address in dst when src1 is non-zero.
	Bisz
	Jcc

	// Other.
	Unkn
	Undef
	Nop

	// Ret marks a native return. It carries no operands; the stack
	// load and the jump that implement the return follow it in the
	// same expansion.
	Ret

	maxOpcode
)

var opcodeNames = map[Opcode]string{
	Add:   "add",
	Sub:   "sub",
	Mul:   "mul",
	Div:   "div",
	Mod:   "mod",
	Bsh:   "bsh",
	And:   "and",
	Or:    "or",
	Xor:   "xor",
	Ldm:   "ldm",
	Stm:   "stm",
	Str:   "str",
	Bisz:  "bisz",
	Jcc:   "jcc",
	Unkn:  "unkn",
	Undef: "undef",
	Nop:   "nop",
	Ret:   "ret",
}

var opcodeValues map[string]Opcode

func init() {
	opcodeValues = make(map[string]Opcode, len(opcodeNames))
	for op := Add; op < maxOpcode; op++ {
		name, ok := opcodeNames[op]
		if !ok {
			panic("ir: opcode without a name")
		}
		opcodeValues[name] = op
	}
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "invalid"
}

// OpcodeFromString returns the opcode named by s.
func OpcodeFromString(s string) (Opcode, bool) {
	op, ok := opcodeValues[s]
	return op, ok
}

// Opcodes returns every opcode in definition order.
func Opcodes() []Opcode {
	r := make([]Opcode, 0, int(maxOpcode)-1)
	for op := Add; op < maxOpcode; op++ {
		r = append(r, op)
	}
	return r
}
