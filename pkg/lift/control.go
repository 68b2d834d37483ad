package lift

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/scalpel-re/scalpel/pkg/ir"
)

// Control transfer templates. Jump targets are always full
// micro-addresses: a direct target becomes the 64-bit immediate
// native<<8, an indirect target is shifted left by 8 at run time so
// that it lands on micro-index 0 of the destination.

// jumpTarget builds the micro-address operand for a branch target.
func (c *liftctx) jumpTarget(arg x86asm.Arg) (ir.Operand, error) {
	if imm, ok := arg.(x86asm.Imm); ok {
		return ir.Immediate{Value: uint64(imm) << 8, Bits: 64}, nil
	}
	val, err := c.readOperand(arg)
	if err != nil {
		return nil, err
	}
	widened := c.b.Temp(64)
	c.b.Str(val, widened)
	shifted := c.b.Temp(64)
	c.b.Bsh(widened, ir.Immediate{Value: 8, Bits: 64}, shifted)
	return shifted, nil
}

func liftJmp(c *liftctx) error {
	target, err := c.jumpTarget(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	c.b.Jcc(ir.Immediate{Value: 1, Bits: 1}, target)
	return nil
}

// condJumps maps each conditional jump to the construction of its
// 1-bit condition.
var condJumps = map[x86asm.Op]func(*liftctx) ir.Operand{
	x86asm.JE:  func(c *liftctx) ir.Operand { return c.flag("zf") },
	x86asm.JNE: func(c *liftctx) ir.Operand { return c.notBit(c.flag("zf")) },
	x86asm.JB:  func(c *liftctx) ir.Operand { return c.flag("cf") },
	x86asm.JAE: func(c *liftctx) ir.Operand { return c.notBit(c.flag("cf")) },
	x86asm.JBE: func(c *liftctx) ir.Operand { return c.orBit(c.flag("cf"), c.flag("zf")) },
	x86asm.JA: func(c *liftctx) ir.Operand {
		return c.notBit(c.orBit(c.flag("cf"), c.flag("zf")))
	},
	x86asm.JS:  func(c *liftctx) ir.Operand { return c.flag("sf") },
	x86asm.JNS: func(c *liftctx) ir.Operand { return c.notBit(c.flag("sf")) },
	x86asm.JO:  func(c *liftctx) ir.Operand { return c.flag("of") },
	x86asm.JNO: func(c *liftctx) ir.Operand { return c.notBit(c.flag("of")) },
	x86asm.JP:  func(c *liftctx) ir.Operand { return c.flag("pf") },
	x86asm.JNP: func(c *liftctx) ir.Operand { return c.notBit(c.flag("pf")) },
	x86asm.JL:  func(c *liftctx) ir.Operand { return c.xorBit(c.flag("sf"), c.flag("of")) },
	x86asm.JGE: func(c *liftctx) ir.Operand {
		return c.notBit(c.xorBit(c.flag("sf"), c.flag("of")))
	},
	x86asm.JLE: func(c *liftctx) ir.Operand {
		return c.orBit(c.xorBit(c.flag("sf"), c.flag("of")), c.flag("zf"))
	},
	x86asm.JG: func(c *liftctx) ir.Operand {
		return c.notBit(c.orBit(c.xorBit(c.flag("sf"), c.flag("of")), c.flag("zf")))
	},
	x86asm.JCXZ:  func(c *liftctx) ir.Operand { return c.zeroBit(ir.Register{Name: "cx", Bits: 16}) },
	x86asm.JECXZ: func(c *liftctx) ir.Operand { return c.zeroBit(ir.Register{Name: "ecx", Bits: 32}) },
	x86asm.JRCXZ: func(c *liftctx) ir.Operand { return c.zeroBit(ir.Register{Name: "rcx", Bits: 64}) },
}

func (c *liftctx) notBit(v ir.Operand) ir.Operand {
	t := c.b.Temp(1)
	c.b.Bisz(v, t)
	return t
}

func (c *liftctx) orBit(a, b ir.Operand) ir.Operand {
	t := c.b.Temp(1)
	c.b.Or(a, b, t)
	return t
}

func (c *liftctx) xorBit(a, b ir.Operand) ir.Operand {
	t := c.b.Temp(1)
	c.b.Xor(a, b, t)
	return t
}

func (c *liftctx) zeroBit(v ir.Operand) ir.Operand {
	t := c.b.Temp(1)
	c.b.Bisz(v, t)
	return t
}

func liftCondJump(c *liftctx) error {
	mk, ok := condJumps[c.ins.Inst.Op]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedInstruction, c.ins.Mnemonic())
	}
	imm, ok := c.ins.Inst.Args[0].(x86asm.Imm)
	if !ok {
		return fmt.Errorf("%w: conditional jump with indirect target", ErrUnsupportedInstruction)
	}
	cond := mk(c)
	c.b.Jcc(cond, ir.Immediate{Value: uint64(imm) << 8, Bits: 64})
	return nil
}

func liftCall(c *liftctx) error {
	word := c.wordBits()
	ret := c.ins.Address + uint64(c.ins.Len)

	sp := c.sp()
	newsp := c.b.Temp(word)
	c.b.Sub(sp, ir.Immediate{Value: uint64(c.lifter.arch.PtrSize()), Bits: word}, newsp)
	c.b.Stm(ir.Immediate{Value: ret, Bits: word}, newsp)
	c.b.Str(newsp, sp)

	target, err := c.jumpTarget(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	c.b.Jcc(ir.Immediate{Value: 1, Bits: 1}, target)
	return nil
}

func liftRet(c *liftctx) error {
	word := c.wordBits()
	sp := c.sp()

	addr := c.b.Temp(word)
	c.b.Ldm(sp, addr)
	pop := uint64(c.lifter.arch.PtrSize())
	// ret imm16 releases additional callee stack after the pop.
	if imm, ok := c.ins.Inst.Args[0].(x86asm.Imm); ok {
		pop += uint64(imm)
	}
	newsp := c.b.Temp(word)
	c.b.Add(sp, ir.Immediate{Value: pop, Bits: word}, newsp)
	c.b.Str(newsp, sp)

	widened := c.b.Temp(64)
	c.b.Str(addr, widened)
	shifted := c.b.Temp(64)
	c.b.Bsh(widened, ir.Immediate{Value: 8, Bits: 64}, shifted)
	c.b.Jcc(ir.Immediate{Value: 1, Bits: 1}, shifted)
	// The marker lets scanners recognize a return without pattern
	// matching on the stack accesses above.
	c.b.Ret()
	return nil
}

func liftLeave(c *liftctx) error {
	word := c.wordBits()
	sp := c.sp()
	fp := ir.Register{Name: c.lifter.arch.FramePointer(), Bits: word}

	c.b.Str(fp, sp)
	val := c.b.Temp(word)
	c.b.Ldm(sp, val)
	newsp := c.b.Temp(word)
	c.b.Add(sp, ir.Immediate{Value: uint64(c.lifter.arch.PtrSize()), Bits: word}, newsp)
	c.b.Str(newsp, sp)
	c.b.Str(val, fp)
	return nil
}
