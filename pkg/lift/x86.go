package lift

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/scalpel-re/scalpel/pkg/ir"
)

// templates maps every supported native opcode to its lifting
// template. The set is closed; a mnemonic outside it fails with
// ErrUnsupportedInstruction.
var templates map[x86asm.Op]func(*liftctx) error

func init() {
	templates = map[x86asm.Op]func(*liftctx) error{
		// Data movement.
		x86asm.MOV:    liftMov,
		x86asm.MOVZX:  liftMovzx,
		x86asm.MOVSX:  liftMovsx,
		x86asm.MOVSXD: liftMovsx,
		x86asm.XCHG:   liftXchg,
		x86asm.LEA:    liftLea,
		x86asm.PUSH:   liftPush,
		x86asm.POP:    liftPop,

		// Arithmetic.
		x86asm.ADD:  liftAdd,
		x86asm.SUB:  liftSub,
		x86asm.CMP:  liftCmp,
		x86asm.INC:  liftInc,
		x86asm.DEC:  liftDec,
		x86asm.NEG:  liftNeg,
		x86asm.MUL:  liftMul,
		x86asm.IMUL: liftImul,
		x86asm.DIV:  liftDiv,

		// Logic.
		x86asm.AND:  liftAnd,
		x86asm.OR:   liftOr,
		x86asm.XOR:  liftXor,
		x86asm.NOT:  liftNot,
		x86asm.TEST: liftTest,

		// Shifts.
		x86asm.SHL: liftShl,
		x86asm.SHR: liftShr,
		x86asm.SAR: liftSar,

		// Control transfer.
		x86asm.JMP:   liftJmp,
		x86asm.CALL:  liftCall,
		x86asm.RET:   liftRet,
		x86asm.LEAVE: liftLeave,

		x86asm.NOP: liftNop,
	}
	for op := range condJumps {
		templates[op] = liftCondJump
	}
}

// coerce adapts an operand to the given width: immediates are
// re-masked, everything else is copied through a temporary.
func (c *liftctx) coerce(op ir.Operand, bits int) ir.Operand {
	if op.Width() == bits {
		return op
	}
	if imm, ok := op.(ir.Immediate); ok {
		return ir.Imm(int64(imm.Value), bits)
	}
	t := c.b.Temp(bits)
	c.b.Str(op, t)
	return t
}

func liftMov(c *liftctx) error {
	val, err := c.readOperand(c.ins.Inst.Args[1])
	if err != nil {
		return err
	}
	w, err := c.operandWidth(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	if val.Width() != w {
		if _, ok := val.(ir.Immediate); !ok {
			return fmt.Errorf("%w: %d-bit source for %d-bit mov", ErrInvalidOperandWidth, val.Width(), w)
		}
		val = c.coerce(val, w)
	}
	return c.writeOperand(c.ins.Inst.Args[0], val)
}

func liftMovzx(c *liftctx) error {
	val, err := c.readOperand(c.ins.Inst.Args[1])
	if err != nil {
		return err
	}
	w, err := c.operandWidth(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	if val.Width() >= w {
		return fmt.Errorf("%w: movzx source not narrower than destination", ErrInvalidOperandWidth)
	}
	// Str zero extends on widening.
	widened := c.b.Temp(w)
	c.b.Str(val, widened)
	return c.writeOperand(c.ins.Inst.Args[0], widened)
}

func liftMovsx(c *liftctx) error {
	val, err := c.readOperand(c.ins.Inst.Args[1])
	if err != nil {
		return err
	}
	w, err := c.operandWidth(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	m := val.Width()
	if m >= w {
		return fmt.Errorf("%w: movsx source not narrower than destination", ErrInvalidOperandWidth)
	}
	// Sign extension is built explicitly: widen unsigned, then or in
	// a mask of the upper bits when the sign bit is set.
	widened := c.b.Temp(w)
	c.b.Str(val, widened)
	sign := c.b.Temp(w)
	c.b.Bsh(widened, ir.Imm(int64(-(m-1)), w), sign)
	ones := c.b.Temp(w)
	c.b.Sub(ir.Immediate{Value: 0, Bits: w}, sign, ones)
	mask := c.b.Temp(w)
	c.b.Bsh(ones, ir.Imm(int64(m), w), mask)
	r := c.b.Temp(w)
	c.b.Or(widened, mask, r)
	return c.writeOperand(c.ins.Inst.Args[0], r)
}

func liftXchg(c *liftctx) error {
	a, err := c.readOperand(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	b, err := c.readOperand(c.ins.Inst.Args[1])
	if err != nil {
		return err
	}
	// Snapshot both values before the writes clobber them.
	ta := c.b.Temp(a.Width())
	c.b.Str(a, ta)
	tb := c.b.Temp(b.Width())
	c.b.Str(b, tb)
	if err := c.writeOperand(c.ins.Inst.Args[0], tb); err != nil {
		return err
	}
	return c.writeOperand(c.ins.Inst.Args[1], ta)
}

func liftLea(c *liftctx) error {
	mem, ok := c.ins.Inst.Args[1].(x86asm.Mem)
	if !ok {
		return fmt.Errorf("%w: lea source is not a memory operand", ErrInvalidOperandWidth)
	}
	addr, err := c.memAddress(mem)
	if err != nil {
		return err
	}
	w, err := c.operandWidth(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	return c.writeOperand(c.ins.Inst.Args[0], c.coerce(addr, w))
}

func liftPush(c *liftctx) error {
	word := c.wordBits()
	var val ir.Operand
	if imm, ok := c.ins.Inst.Args[0].(x86asm.Imm); ok {
		val = ir.Imm(int64(imm), word)
	} else {
		v, err := c.readOperand(c.ins.Inst.Args[0])
		if err != nil {
			return err
		}
		val = c.coerce(v, word)
	}
	sp := c.sp()
	newsp := c.b.Temp(word)
	c.b.Sub(sp, ir.Immediate{Value: uint64(c.lifter.arch.PtrSize()), Bits: word}, newsp)
	c.b.Stm(val, newsp)
	c.b.Str(newsp, sp)
	return nil
}

func liftPop(c *liftctx) error {
	word := c.wordBits()
	sp := c.sp()
	val := c.b.Temp(word)
	c.b.Ldm(sp, val)
	newsp := c.b.Temp(word)
	c.b.Add(sp, ir.Immediate{Value: uint64(c.lifter.arch.PtrSize()), Bits: word}, newsp)
	c.b.Str(newsp, sp)
	w, err := c.operandWidth(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	return c.writeOperand(c.ins.Inst.Args[0], c.coerce(val, w))
}

// binaryOperands reads the two operands of a dst-op-src instruction,
// coercing the source to the destination width.
func (c *liftctx) binaryOperands() (a, b ir.Operand, err error) {
	a, err = c.readOperand(c.ins.Inst.Args[0])
	if err != nil {
		return nil, nil, err
	}
	b, err = c.readOperand(c.ins.Inst.Args[1])
	if err != nil {
		return nil, nil, err
	}
	if _, ok := b.(ir.Immediate); !ok && a.Width() != b.Width() {
		return nil, nil, fmt.Errorf("%w: %d-bit source against %d-bit destination", ErrInvalidOperandWidth, b.Width(), a.Width())
	}
	return a, c.coerce(b, a.Width()), nil
}

// liftAddSub emits the shared expansion of add, sub and cmp. The
// operation is computed at double width so that the carry or borrow is
// an ordinary result bit.
func (c *liftctx) liftAddSub(sub, writeback bool) error {
	a, b, err := c.binaryOperands()
	if err != nil {
		return err
	}
	n := a.Width()
	wide := c.b.Temp(2 * n)
	if sub {
		c.b.Sub(a, b, wide)
	} else {
		c.b.Add(a, b, wide)
	}
	r := c.b.Temp(n)
	c.b.Str(wide, r)
	if c.full() {
		c.setCF(wide, n)
		if sub {
			c.setOFSub(a, b, r, n)
		} else {
			c.setOFAdd(a, b, r, n)
		}
		c.resultFlags(r, n)
		c.undefFlags("af")
	}
	if !writeback {
		return nil
	}
	return c.writeOperand(c.ins.Inst.Args[0], r)
}

func liftAdd(c *liftctx) error { return c.liftAddSub(false, true) }
func liftSub(c *liftctx) error { return c.liftAddSub(true, true) }
func liftCmp(c *liftctx) error { return c.liftAddSub(true, false) }

// liftIncDec emits inc/dec, which leave cf untouched.
func (c *liftctx) liftIncDec(sub bool) error {
	a, err := c.readOperand(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	n := a.Width()
	one := ir.Immediate{Value: 1, Bits: n}
	r := c.b.Temp(n)
	if sub {
		c.b.Sub(a, one, r)
	} else {
		c.b.Add(a, one, r)
	}
	if c.full() {
		if sub {
			c.setOFSub(a, one, r, n)
		} else {
			c.setOFAdd(a, one, r, n)
		}
		c.resultFlags(r, n)
		c.undefFlags("af")
	}
	return c.writeOperand(c.ins.Inst.Args[0], r)
}

func liftInc(c *liftctx) error { return c.liftIncDec(false) }
func liftDec(c *liftctx) error { return c.liftIncDec(true) }

func liftNeg(c *liftctx) error {
	a, err := c.readOperand(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	n := a.Width()
	zero := ir.Immediate{Value: 0, Bits: n}
	r := c.b.Temp(n)
	c.b.Sub(zero, a, r)
	if c.full() {
		// cf is set unless the operand was zero.
		z := c.b.Temp(1)
		c.b.Bisz(a, z)
		c.b.Bisz(z, c.flag("cf"))
		c.setOFSub(zero, a, r, n)
		c.resultFlags(r, n)
		c.undefFlags("af")
	}
	return c.writeOperand(c.ins.Inst.Args[0], r)
}

// mulRegs returns the implicit (high, low) register pair of the
// one-operand multiply and divide family for an operand width.
func mulRegs(bits int) (hi, lo string, err error) {
	switch bits {
	case 8:
		return "ah", "al", nil
	case 16:
		return "dx", "ax", nil
	case 32:
		return "edx", "eax", nil
	case 64:
		return "rdx", "rax", nil
	}
	return "", "", fmt.Errorf("%w: %d-bit multiply", ErrInvalidOperandWidth, bits)
}

func liftMul(c *liftctx) error {
	src, err := c.readOperand(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	n := src.Width()
	hiName, loName, err := mulRegs(n)
	if err != nil {
		return err
	}
	hi := ir.Register{Name: hiName, Bits: n}
	lo := ir.Register{Name: loName, Bits: n}
	wide := c.b.Temp(2 * n)
	c.b.Mul(lo, src, wide)
	r := c.b.Temp(n)
	c.b.Str(wide, r)
	c.b.Str(r, lo)
	upper := c.b.Temp(2 * n)
	c.b.Bsh(wide, ir.Imm(int64(-n), 2*n), upper)
	hr := c.b.Temp(n)
	c.b.Str(upper, hr)
	c.b.Str(hr, hi)
	if c.full() {
		// cf and of report a non-zero upper half.
		z := c.b.Temp(1)
		c.b.Bisz(hr, z)
		nz := c.b.Temp(1)
		c.b.Bisz(z, nz)
		c.b.Str(nz, c.flag("cf"))
		c.b.Str(nz, c.flag("of"))
		c.undefFlags("zf", "sf", "pf", "af")
	}
	return nil
}

func liftImul(c *liftctx) error {
	// Only the two-operand form is modeled.
	if c.ins.Inst.Args[1] == nil || c.ins.Inst.Args[2] != nil {
		return fmt.Errorf("%w: imul form", ErrUnsupportedInstruction)
	}
	a, b, err := c.binaryOperands()
	if err != nil {
		return err
	}
	n := a.Width()
	wide := c.b.Temp(2 * n)
	c.b.Mul(a, b, wide)
	r := c.b.Temp(n)
	c.b.Str(wide, r)
	if c.full() {
		c.undefFlags("cf", "of", "zf", "sf", "pf", "af")
	}
	return c.writeOperand(c.ins.Inst.Args[0], r)
}

func liftDiv(c *liftctx) error {
	src, err := c.readOperand(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	n := src.Width()
	hiName, loName, err := mulRegs(n)
	if err != nil {
		return err
	}
	hi := ir.Register{Name: hiName, Bits: n}
	lo := ir.Register{Name: loName, Bits: n}
	// Dividend is hi:lo at double width.
	hiw := c.b.Temp(2 * n)
	c.b.Str(hi, hiw)
	his := c.b.Temp(2 * n)
	c.b.Bsh(hiw, ir.Imm(int64(n), 2*n), his)
	low := c.b.Temp(2 * n)
	c.b.Str(lo, low)
	num := c.b.Temp(2 * n)
	c.b.Or(his, low, num)
	den := c.b.Temp(2 * n)
	c.b.Str(src, den)
	q := c.b.Temp(2 * n)
	c.b.Div(num, den, q)
	rem := c.b.Temp(2 * n)
	c.b.Mod(num, den, rem)
	qn := c.b.Temp(n)
	c.b.Str(q, qn)
	c.b.Str(qn, lo)
	rn := c.b.Temp(n)
	c.b.Str(rem, rn)
	c.b.Str(rn, hi)
	if c.full() {
		c.undefFlags("cf", "of", "zf", "sf", "pf", "af")
	}
	return nil
}

// liftLogic emits and/or/xor/test: result flags with cf and of
// cleared.
func (c *liftctx) liftLogic(op ir.Opcode, writeback bool) error {
	a, b, err := c.binaryOperands()
	if err != nil {
		return err
	}
	n := a.Width()
	r := c.b.Temp(n)
	switch op {
	case ir.And:
		c.b.And(a, b, r)
	case ir.Or:
		c.b.Or(a, b, r)
	case ir.Xor:
		c.b.Xor(a, b, r)
	}
	if c.full() {
		c.clearFlag("cf")
		c.clearFlag("of")
		c.resultFlags(r, n)
		c.undefFlags("af")
	}
	if !writeback {
		return nil
	}
	return c.writeOperand(c.ins.Inst.Args[0], r)
}

func liftAnd(c *liftctx) error  { return c.liftLogic(ir.And, true) }
func liftOr(c *liftctx) error   { return c.liftLogic(ir.Or, true) }
func liftXor(c *liftctx) error  { return c.liftLogic(ir.Xor, true) }
func liftTest(c *liftctx) error { return c.liftLogic(ir.And, false) }

func liftNot(c *liftctx) error {
	a, err := c.readOperand(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	n := a.Width()
	ones := ir.Immediate{Value: maskBits(n), Bits: n}
	r := c.b.Temp(n)
	c.b.Xor(a, ones, r)
	return c.writeOperand(c.ins.Inst.Args[0], r)
}

func liftNop(c *liftctx) error {
	c.b.Nop()
	return nil
}

func maskBits(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(n) - 1
}
