package lift

import (
	"github.com/scalpel-re/scalpel/pkg/ir"
)

// Flag updates. Each helper writes one single-bit flag register; the
// formula translator folds these into the architectural flags
// bitfield. Flags an instruction leaves architecturally undefined are
// havoced with Undef so that no analysis can rely on their value.

// setZF sets zf to 1 when r is zero.
func (c *liftctx) setZF(r ir.Operand) {
	c.b.Bisz(r, c.flag("zf"))
}

// setSF copies the most significant bit of r into sf.
func (c *liftctx) setSF(r ir.Operand, bits int) {
	msb := c.b.Temp(bits)
	c.b.Bsh(r, ir.Imm(int64(-(bits-1)), bits), msb)
	c.b.Str(msb, c.flag("sf"))
}

// setPF computes even parity of the low byte of r.
func (c *liftctx) setPF(r ir.Operand) {
	low := c.b.Temp(8)
	c.b.Str(r, low)
	p := ir.Operand(low)
	for _, shift := range []int64{-4, -2, -1} {
		shifted := c.b.Temp(8)
		c.b.Bsh(p, ir.Imm(shift, 8), shifted)
		folded := c.b.Temp(8)
		c.b.Xor(p, shifted, folded)
		p = folded
	}
	bit := c.b.Temp(8)
	c.b.And(p, ir.Immediate{Value: 1, Bits: 8}, bit)
	// pf is set when the popcount is even, i.e. the xor fold is 0.
	c.b.Bisz(bit, c.flag("pf"))
}

// setCF extracts bit `bits` of the double-width result wide into cf:
// the carry of an addition or the borrow of a subtraction.
func (c *liftctx) setCF(wide ir.Operand, bits int) {
	carry := c.b.Temp(wide.Width())
	c.b.Bsh(wide, ir.Imm(int64(-bits), wide.Width()), carry)
	c.b.Str(carry, c.flag("cf"))
}

// setOFAdd computes signed overflow of r = a + b as the sign of
// (a ^ r) & (b ^ r).
func (c *liftctx) setOFAdd(a, b, r ir.Operand, bits int) {
	x := c.b.Temp(bits)
	c.b.Xor(a, r, x)
	y := c.b.Temp(bits)
	c.b.Xor(b, r, y)
	v := c.b.Temp(bits)
	c.b.And(x, y, v)
	c.setFlagFromMSB(v, bits, "of")
}

// setOFSub computes signed overflow of r = a - b as the sign of
// (a ^ b) & (a ^ r).
func (c *liftctx) setOFSub(a, b, r ir.Operand, bits int) {
	x := c.b.Temp(bits)
	c.b.Xor(a, b, x)
	y := c.b.Temp(bits)
	c.b.Xor(a, r, y)
	v := c.b.Temp(bits)
	c.b.And(x, y, v)
	c.setFlagFromMSB(v, bits, "of")
}

func (c *liftctx) setFlagFromMSB(v ir.Operand, bits int, flag string) {
	msb := c.b.Temp(bits)
	c.b.Bsh(v, ir.Imm(int64(-(bits-1)), bits), msb)
	c.b.Str(msb, c.flag(flag))
}

// clearFlag writes 0 into the named flag.
func (c *liftctx) clearFlag(name string) {
	c.b.Str(ir.Immediate{Value: 0, Bits: 1}, c.flag(name))
}

// undefFlags havocs the named flags.
func (c *liftctx) undefFlags(names ...string) {
	for _, name := range names {
		c.b.Undef(c.flag(name))
	}
}

// resultFlags sets the zf/sf/pf triple every arithmetic and logic
// instruction derives from its result.
func (c *liftctx) resultFlags(r ir.Operand, bits int) {
	c.setZF(r)
	c.setSF(r, bits)
	c.setPF(r)
}
