// Package lift lowers decoded native instructions into micro-operation
// sequences. Lifting is a pure function of the architecture model and
// the instruction; a Lifter may be shared between goroutines.
package lift

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/ir"
	"github.com/scalpel-re/scalpel/pkg/logflags"
)

var (
	// ErrUnsupportedInstruction reports a mnemonic without a lifting
	// template. The failure is local to the instruction.
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	// ErrInvalidOperandWidth reports an operand whose width
	// contradicts the template's expectation.
	ErrInvalidOperandWidth = errors.New("invalid operand width")
)

// Mode selects how much of an instruction's semantics are lifted.
type Mode int

const (
	// Full lifts data flow and every modeled flag update.
	Full Mode = iota
	// Lite omits flag updates. The gadget scan uses it: candidate
	// discovery does not need flag semantics and the expansion is
	// several operations shorter per instruction.
	Lite
)

// Lifted pairs a native instruction with its micro-operation
// expansion.
type Lifted struct {
	Native arch.NativeInstruction
	IR     []ir.Instruction
	// Looping is set when the expansion contains an internal backward
	// edge (an iterative template, e.g. a variable-count shift). The
	// CFG builder keeps such subgraphs inside one semantic unit.
	Looping bool
}

// Lifter translates native instructions for one architecture.
type Lifter struct {
	arch arch.Arch
	mode Mode
}

// New returns a lifter for the given architecture model.
func New(a arch.Arch, mode Mode) *Lifter {
	return &Lifter{arch: a, mode: mode}
}

// Lift lowers one native instruction. On success every micro-operation
// in the result satisfies ir.Instruction.Validate.
func (l *Lifter) Lift(ins arch.NativeInstruction) (*Lifted, error) {
	tmpl, ok := templates[ins.Inst.Op]
	if !ok {
		return nil, fmt.Errorf("%w: %s at %#x", ErrUnsupportedInstruction, ins.Mnemonic(), ins.Address)
	}
	c := &liftctx{
		lifter: l,
		ins:    ins,
		b:      ir.NewBuilder(ins.Address),
	}
	if err := tmpl(c); err != nil {
		return nil, fmt.Errorf("lifting %s at %#x: %w", ins.Mnemonic(), ins.Address, err)
	}
	out := &Lifted{Native: ins, IR: c.b.Instructions(), Looping: c.looping}
	if len(out.IR) == 0 {
		c.b.Nop()
		out.IR = c.b.Instructions()
	}
	for i := range out.IR {
		if err := out.IR[i].Validate(); err != nil {
			return nil, fmt.Errorf("lifting %s at %#x: %v", ins.Mnemonic(), ins.Address, err)
		}
	}
	if logflags.Lifter() {
		logger := logflags.LifterLogger()
		for i := range out.IR {
			logger.Debugf("%s %s", out.IR[i].Addr, &out.IR[i])
		}
	}
	return out, nil
}

// LiftAll lifts a run of instructions, skipping the ones that cannot
// be lifted and reporting them in skipped. A translation failure is
// local: analysis of the remaining instructions continues.
func (l *Lifter) LiftAll(instrs []arch.NativeInstruction) (lifted []*Lifted, skipped []SkippedInstruction) {
	for _, ins := range instrs {
		lf, err := l.Lift(ins)
		if err != nil {
			skipped = append(skipped, SkippedInstruction{Address: ins.Address, Text: ins.Text, Err: err})
			continue
		}
		lifted = append(lifted, lf)
	}
	return lifted, skipped
}

// SkippedInstruction records an instruction dropped from analysis
// together with the reason.
type SkippedInstruction struct {
	Address uint64
	Text    string
	Err     error
}

// liftctx carries the state of one instruction's translation.
type liftctx struct {
	lifter  *Lifter
	ins     arch.NativeInstruction
	b       *ir.Builder
	looping bool
}

func (c *liftctx) full() bool { return c.lifter.mode == Full }

func (c *liftctx) wordBits() int { return c.lifter.arch.WordBits() }

func (c *liftctx) addrBits() int { return c.lifter.arch.AddrBits() }

func (c *liftctx) sp() ir.Register {
	return ir.Register{Name: c.lifter.arch.StackPointer(), Bits: c.wordBits()}
}

func (c *liftctx) flag(name string) ir.Register {
	return ir.Register{Name: name, Bits: 1}
}

// operandWidth determines the width in bits of a decoded operand.
func (c *liftctx) operandWidth(arg x86asm.Arg) (int, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		w, ok := c.lifter.arch.RegisterWidth(arch.RegisterName(a))
		if !ok {
			return 0, fmt.Errorf("%w: unknown register %s", ErrInvalidOperandWidth, arch.RegisterName(a))
		}
		return w, nil
	case x86asm.Mem:
		if c.ins.Inst.MemBytes > 0 {
			return c.ins.Inst.MemBytes * 8, nil
		}
		return c.ins.Inst.DataSize, nil
	case x86asm.Imm:
		return c.ins.Inst.DataSize, nil
	}
	return 0, fmt.Errorf("%w: unsupported operand %v", ErrInvalidOperandWidth, arg)
}

// register translates a decoder register to its IR operand.
func (c *liftctx) register(r x86asm.Reg) (ir.Register, error) {
	name := arch.RegisterName(r)
	w, ok := c.lifter.arch.RegisterWidth(name)
	if !ok {
		return ir.Register{}, fmt.Errorf("%w: unknown register %s", ErrInvalidOperandWidth, name)
	}
	return ir.Register{Name: name, Bits: w}, nil
}

// memAddress emits the address computation of a memory operand and
// returns the operand holding the effective address.
func (c *liftctx) memAddress(m x86asm.Mem) (ir.Operand, error) {
	bits := c.addrBits()
	var addr ir.Operand

	if m.Base != 0 {
		base, err := c.register(m.Base)
		if err != nil {
			return nil, err
		}
		addr = base
	}
	if m.Index != 0 && m.Scale != 0 {
		index, err := c.register(m.Index)
		if err != nil {
			return nil, err
		}
		scaled := c.b.Temp(bits)
		c.b.Mul(index, ir.Immediate{Value: uint64(m.Scale), Bits: bits}, scaled)
		if addr == nil {
			addr = scaled
		} else {
			sum := c.b.Temp(bits)
			c.b.Add(addr, scaled, sum)
			addr = sum
		}
	}
	if m.Disp != 0 || addr == nil {
		disp := ir.Imm(m.Disp, bits)
		if addr == nil {
			addr = disp
		} else {
			sum := c.b.Temp(bits)
			c.b.Add(addr, disp, sum)
			addr = sum
		}
	}
	return addr, nil
}

// readOperand emits the loads needed to make a decoded operand usable
// as a micro-operation source and returns the resulting operand.
func (c *liftctx) readOperand(arg x86asm.Arg) (ir.Operand, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return c.register(a)
	case x86asm.Imm:
		w, err := c.operandWidth(arg)
		if err != nil {
			return nil, err
		}
		return ir.Imm(int64(a), w), nil
	case x86asm.Mem:
		addr, err := c.memAddress(a)
		if err != nil {
			return nil, err
		}
		w, err := c.operandWidth(arg)
		if err != nil {
			return nil, err
		}
		dst := c.b.Temp(w)
		c.b.Ldm(addr, dst)
		return dst, nil
	}
	return nil, fmt.Errorf("%w: unsupported operand %v", ErrInvalidOperandWidth, arg)
}

// writeOperand emits the stores needed to commit val to a decoded
// destination operand.
func (c *liftctx) writeOperand(arg x86asm.Arg, val ir.Operand) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		dst, err := c.register(a)
		if err != nil {
			return err
		}
		// Writing a 32-bit register in 64-bit mode zero-extends into
		// the full parent register.
		if c.wordBits() == 64 && dst.Bits == 32 {
			if v, ok := c.lifter.arch.Alias(dst.Name); ok && v.Parent != dst.Name {
				wide := c.b.Temp(64)
				c.b.Str(val, wide)
				c.b.Str(wide, ir.Register{Name: v.Parent, Bits: 64})
				return nil
			}
		}
		// A direct register-to-itself copy would put the same operand
		// in a source and the destination slot; route it through a
		// temporary instead.
		if r, ok := val.(ir.Register); ok && r == dst {
			tmp := c.b.Temp(dst.Bits)
			c.b.Str(val, tmp)
			val = tmp
		}
		c.b.Str(val, dst)
		return nil
	case x86asm.Mem:
		addr, err := c.memAddress(a)
		if err != nil {
			return err
		}
		c.b.Stm(val, addr)
		return nil
	}
	return fmt.Errorf("%w: unsupported destination %v", ErrInvalidOperandWidth, arg)
}
