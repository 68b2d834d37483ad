package lift

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/scalpel-re/scalpel/pkg/ir"
)

// Shift templates. An immediate count expands to a fixed sequence; a
// count taken from cl expands to a counted micro-loop, since the shift
// opcode takes a constant direction and the count is only known at run
// time. Looping expansions are marked so the graph builder keeps them
// whole.

func liftShl(c *liftctx) error { return c.liftShift(false, false) }
func liftShr(c *liftctx) error { return c.liftShift(true, false) }
func liftSar(c *liftctx) error { return c.liftShift(true, true) }

func (c *liftctx) liftShift(right, arith bool) error {
	a, err := c.readOperand(c.ins.Inst.Args[0])
	if err != nil {
		return err
	}
	n := a.Width()
	countMask := int64(31)
	if n == 64 {
		countMask = 63
	}

	switch cnt := c.ins.Inst.Args[1].(type) {
	case x86asm.Imm:
		k := int(int64(cnt) & countMask)
		if k == 0 {
			// A zero count leaves the destination and every flag
			// untouched.
			c.b.Nop()
			return nil
		}
		r, wide := c.immShift(a, k, right, arith)
		if c.full() {
			c.shiftFlags(a, r, wide, k, right, arith)
		}
		return c.writeOperand(c.ins.Inst.Args[0], r)
	case x86asm.Reg:
		r := c.varShift(a, countMask, right, arith)
		if c.full() {
			// The count may be zero at run time, in which case the
			// flags keep their prior values. Modeling that needs
			// conditional flag writes; havocing is the sound
			// approximation.
			c.undefFlags("cf", "of", "zf", "sf", "pf", "af")
		}
		return c.writeOperand(c.ins.Inst.Args[0], r)
	}
	return fmt.Errorf("%w: shift count operand %v", ErrInvalidOperandWidth, c.ins.Inst.Args[1])
}

// immShift expands a shift by a known count. For a left shift it also
// returns the double-width intermediate, which holds the bits shifted
// off the top.
func (c *liftctx) immShift(a ir.Operand, k int, right, arith bool) (r, wide ir.Operand) {
	n := a.Width()
	if !right {
		// Shift left at double width so the bits that fall off the top
		// stay observable for the carry computation.
		w := c.b.Temp(2 * n)
		c.b.Str(a, w)
		shifted := c.b.Temp(2 * n)
		c.b.Bsh(w, ir.Imm(int64(k), 2*n), shifted)
		r := c.b.Temp(n)
		c.b.Str(shifted, r)
		return r, shifted
	}
	out := c.b.Temp(n)
	c.b.Bsh(a, ir.Imm(int64(-k), n), out)
	if !arith {
		return out, nil
	}
	// Arithmetic right shift: or in the sign extension mask.
	sign := c.b.Temp(n)
	c.b.Bsh(a, ir.Imm(int64(-(n-1)), n), sign)
	ones := c.b.Temp(n)
	c.b.Sub(ir.Immediate{Value: 0, Bits: n}, sign, ones)
	mask := c.b.Temp(n)
	c.b.Bsh(ones, ir.Imm(int64(n-k), n), mask)
	sr := c.b.Temp(n)
	c.b.Or(out, mask, sr)
	return sr, nil
}

// shiftFlags emits the flag updates of an immediate-count shift.
func (c *liftctx) shiftFlags(a, r, wide ir.Operand, k int, right, arith bool) {
	n := a.Width()
	if !right {
		// cf is the last bit shifted out: bit n of the double-width
		// result.
		carry := c.b.Temp(2 * n)
		c.b.Bsh(wide, ir.Imm(int64(-n), 2*n), carry)
		c.b.Str(carry, c.flag("cf"))
	} else {
		// cf is bit k-1 of the original value.
		t := c.b.Temp(n)
		c.b.Bsh(a, ir.Imm(int64(-(k-1)), n), t)
		c.b.Str(t, c.flag("cf"))
	}
	if k == 1 {
		switch {
		case !right:
			x := c.b.Temp(n)
			c.b.Xor(a, r, x)
			c.setFlagFromMSB(x, n, "of")
		case arith:
			c.clearFlag("of")
		default:
			c.setFlagFromMSB(a, n, "of")
		}
	} else {
		c.undefFlags("of")
	}
	c.resultFlags(r, n)
	c.undefFlags("af")
}

// varShift expands a shift whose count comes from cl. The expansion is
// a loop over single-bit shifts:
//
//	      str  value      -> acc
//	      and  cl, mask   -> cnt
//	head: bisz cnt        -> done
//	      jcc  done       -> exit
//	      bsh  acc, +/-1  -> t
//	      str  t          -> acc
//	      sub  cnt, 1     -> t2
//	      str  t2         -> cnt
//	      jcc  1          -> head
//	exit: ...
func (c *liftctx) varShift(a ir.Operand, countMask int64, right, arith bool) ir.Operand {
	n := a.Width()
	native := c.ins.Address

	acc := c.b.Temp(n)
	c.b.Str(a, acc)
	masked := c.b.Temp(8)
	c.b.And(ir.Register{Name: "cl", Bits: 8}, ir.Imm(countMask, 8), masked)
	cnt := c.b.Temp(8)
	c.b.Str(masked, cnt)

	// The sign bit of an arithmetic right shift never changes, so the
	// extension mask can be computed once up front.
	var signMask ir.Operand
	if arith {
		sign := c.b.Temp(n)
		c.b.Bsh(acc, ir.Imm(int64(-(n-1)), n), sign)
		sm := c.b.Temp(n)
		c.b.Bsh(sign, ir.Imm(int64(n-1), n), sm)
		signMask = sm
	}

	head := uint64(c.b.Len())
	bodyLen := uint64(5)
	if arith {
		bodyLen = 6
	}
	exit := head + 2 + bodyLen

	done := c.b.Temp(1)
	c.b.Bisz(cnt, done)
	c.b.Jcc(done, ir.Immediate{Value: native<<8 | exit, Bits: 64})

	step := int64(1)
	if right {
		step = -1
	}
	t := c.b.Temp(n)
	c.b.Bsh(acc, ir.Imm(step, n), t)
	cur := ir.Operand(t)
	if arith {
		ext := c.b.Temp(n)
		c.b.Or(t, signMask, ext)
		cur = ext
	}
	c.b.Str(cur, acc)
	t2 := c.b.Temp(8)
	c.b.Sub(cnt, ir.Immediate{Value: 1, Bits: 8}, t2)
	c.b.Str(t2, cnt)
	c.b.Jcc(ir.Immediate{Value: 1, Bits: 1}, ir.Immediate{Value: native<<8 | head, Bits: 64})

	c.looping = true
	return acc
}
