package ir

// Builder assembles the micro-operation expansion of one native
// instruction. It numbers temporaries and assigns consecutive
// micro-addresses.
type Builder struct {
	native uint64
	next   int
	instrs []Instruction
}

// NewBuilder returns a builder for the native instruction at addr.
func NewBuilder(addr uint64) *Builder {
	return &Builder{native: addr}
}

// Temp allocates a fresh temporary of the given width.
func (b *Builder) Temp(bits int) Temporary {
	t := Temporary{ID: b.next, Bits: bits}
	b.next++
	return t
}

// Len returns the number of micro-operations emitted so far, which is
// also the index the next emitted operation will receive.
func (b *Builder) Len() int { return len(b.instrs) }

// Instructions returns the accumulated expansion.
func (b *Builder) Instructions() []Instruction { return b.instrs }

func (b *Builder) emit(op Opcode, src1, src2, dst Operand) {
	b.instrs = append(b.instrs, Instruction{
		Op:   op,
		Src1: src1,
		Src2: src2,
		Dst:  dst,
		Addr: NewAddress(b.native, uint8(len(b.instrs))),
	})
}

// Arithmetic and bitwise operations take two sources and a destination.

func (b *Builder) Add(src1, src2, dst Operand) { b.emit(Add, src1, src2, dst) }
func (b *Builder) Sub(src1, src2, dst Operand) { b.emit(Sub, src1, src2, dst) }
func (b *Builder) Mul(src1, src2, dst Operand) { b.emit(Mul, src1, src2, dst) }
func (b *Builder) Div(src1, src2, dst Operand) { b.emit(Div, src1, src2, dst) }
func (b *Builder) Mod(src1, src2, dst Operand) { b.emit(Mod, src1, src2, dst) }
func (b *Builder) Bsh(src1, src2, dst Operand) { b.emit(Bsh, src1, src2, dst) }
func (b *Builder) And(src1, src2, dst Operand) { b.emit(And, src1, src2, dst) }
func (b *Builder) Or(src1, src2, dst Operand)  { b.emit(Or, src1, src2, dst) }
func (b *Builder) Xor(src1, src2, dst Operand) { b.emit(Xor, src1, src2, dst) }

// Ldm loads from the address in src into dst.
func (b *Builder) Ldm(src, dst Operand) { b.emit(Ldm, src, Empty{}, dst) }

// Stm stores src to the address in dst.
func (b *Builder) Stm(src, dst Operand) { b.emit(Stm, src, Empty{}, dst) }

// Str copies src into dst, zero extending or truncating as the widths
// dictate.
func (b *Builder) Str(src, dst Operand) { b.emit(Str, src, Empty{}, dst) }

// Bisz sets dst to 1 when src is zero, 0 otherwise.
func (b *Builder) Bisz(src, dst Operand) { b.emit(Bisz, src, Empty{}, dst) }

// Jcc jumps to the micro-address in target when cond is non-zero.
func (b *Builder) Jcc(cond, target Operand) { b.emit(Jcc, cond, Empty{}, target) }

func (b *Builder) Unkn()             { b.emit(Unkn, Empty{}, Empty{}, Empty{}) }
func (b *Builder) Undef(dst Operand) { b.emit(Undef, Empty{}, Empty{}, dst) }
func (b *Builder) Nop()              { b.emit(Nop, Empty{}, Empty{}, Empty{}) }
func (b *Builder) Ret()              { b.emit(Ret, Empty{}, Empty{}, Empty{}) }
