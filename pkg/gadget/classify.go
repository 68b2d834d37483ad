package gadget

import (
	"fmt"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/ir"
	"github.com/scalpel-re/scalpel/pkg/lift"
	"github.com/scalpel-re/scalpel/pkg/logflags"
	"github.com/scalpel-re/scalpel/pkg/smt"
)

// Kind names a semantic gadget template.
type Kind int

const (
	// MoveRegister copies one register into another.
	MoveRegister Kind = iota
	// LoadConstant sets a register to a fixed value.
	LoadConstant
	// LoadMemory reads a register from [base+offset].
	LoadMemory
	// StoreMemory writes a register to [base+offset].
	StoreMemory
	// Arithmetic combines two registers with a binary operation.
	Arithmetic
	// NoOp changes nothing beyond the stack pointer.
	NoOp
)

var kindNames = map[Kind]string{
	MoveRegister: "move-register",
	LoadConstant: "load-constant",
	LoadMemory:   "load-memory",
	StoreMemory:  "store-memory",
	Arithmetic:   "arithmetic",
	NoOp:         "no-op",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Classification binds a template to concrete parameters. The
// unchanged set is implied: every parent register other than Dst and
// the stack pointer must keep its value, the flags register too unless
// ClobbersFlags, and memory must be untouched except for StoreMemory's
// declared footprint.
type Classification struct {
	Kind Kind
	// Bits is the operand width of the transform.
	Bits int
	// Dst and Src name parent registers. Src2 is the second operand of
	// Arithmetic; Src is the stored register of StoreMemory.
	Dst, Src, Src2 string
	// Op is the arithmetic operation: add, sub, and, or, xor.
	Op string
	// Value is the constant of LoadConstant.
	Value uint64
	// Base and Offset describe the memory address of LoadMemory and
	// StoreMemory.
	Base   string
	Offset uint64
	// ClobbersFlags permits the template to modify the flags register.
	ClobbersFlags bool
}

func (c *Classification) String() string {
	switch c.Kind {
	case MoveRegister:
		return fmt.Sprintf("move-register %s <- %s", c.Dst, c.Src)
	case LoadConstant:
		return fmt.Sprintf("load-constant %s <- %#x", c.Dst, c.Value)
	case LoadMemory:
		return fmt.Sprintf("load-memory %s <- [%s+%#x]", c.Dst, c.Base, c.Offset)
	case StoreMemory:
		return fmt.Sprintf("store-memory [%s+%#x] <- %s", c.Base, c.Offset, c.Src)
	case Arithmetic:
		return fmt.Sprintf("arithmetic %s <- %s %s %s", c.Dst, c.Src, c.Op, c.Src2)
	case NoOp:
		return "no-op"
	}
	return kindNames[c.Kind]
}

var arithOps = map[string]string{
	"bvadd": "add",
	"bvsub": "sub",
	"bvand": "and",
	"bvor":  "or",
	"bvxor": "xor",
}

// Classifier matches candidates against the template catalog using
// closed-form symbolic evaluation; no solver runs here.
type Classifier struct {
	arch   arch.Arch
	lifter *lift.Lifter
}

// NewClassifier returns a classifier for one architecture.
func NewClassifier(a arch.Arch) *Classifier {
	return &Classifier{arch: a, lifter: lift.New(a, lift.Full)}
}

// state is the evaluated post-state of a candidate.
type state struct {
	f     *smt.Formula
	insym map[string]string // input symbol name -> component
	// regs maps parent registers (stack pointer excluded) to their
	// simplified final terms; only changed components appear.
	regs map[string]smt.Term
	mem  smt.Term // nil when memory is untouched
}

// evaluate lifts the candidate with full flag semantics and resolves
// every output to a closed form over the inputs.
func (cl *Classifier) evaluate(c *Candidate) (*state, error) {
	var instrs []ir.Instruction
	for _, ins := range c.Instrs {
		lf, err := cl.lifter.Lift(ins)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, lf.IR...)
	}
	f, err := smt.NewTranslator(cl.arch).TranslateSequence(instrs)
	if err != nil {
		return nil, err
	}

	st := &state{
		f:     f,
		insym: make(map[string]string),
		regs:  make(map[string]smt.Term),
	}
	for comp, in := range f.Inputs {
		if sym, ok := in.(smt.BitVecSymbol); ok {
			st.insym[sym.Name] = comp
		}
	}
	sp := cl.arch.StackPointer()
	for comp, out := range f.Outputs {
		if comp == sp {
			continue
		}
		if comp == smt.MemoryKey {
			st.mem = smt.Simplify(f.Resolve(out))
			if smt.Equal(st.mem, f.Inputs[smt.MemoryKey]) {
				st.mem = nil
			}
			continue
		}
		t := smt.Simplify(f.Resolve(out))
		if in, ok := f.Inputs[comp]; ok && smt.Equal(t, in) {
			continue // written back unchanged
		}
		st.regs[comp] = t
	}
	return st, nil
}

// inputReg resolves a term to the parent register whose input symbol
// it is.
func (st *state) inputReg(t smt.Term) (string, bool) {
	sym, ok := t.(smt.BitVecSymbol)
	if !ok {
		return "", false
	}
	comp, ok := st.insym[sym.Name]
	if !ok || comp == smt.MemoryKey {
		return "", false
	}
	return comp, true
}

// unwrapExtend strips an optional zero-extension to parent width,
// returning the inner term and its width.
func unwrapExtend(t smt.Term) (smt.Term, int) {
	if z, ok := t.(smt.ZeroExtend); ok {
		return z.A, z.A.Sort().Bits
	}
	return t, t.Sort().Bits
}

// lowView matches Extract(bits-1, 0, input reg) or a full-width input
// register read.
func (st *state) lowView(t smt.Term, bits int) (string, bool) {
	if e, ok := t.(smt.Extract); ok {
		if e.Low != 0 || e.High != bits-1 {
			return "", false
		}
		return st.inputReg(e.A)
	}
	if t.Sort().Bits != bits {
		return "", false
	}
	return st.inputReg(t)
}

// splitAddr decomposes an address term into an input base register and
// a constant offset.
func (st *state) splitAddr(t smt.Term) (string, uint64, bool) {
	if b, ok := t.(smt.BinOp); ok && b.Op == "bvadd" {
		if v, ok := b.B.(smt.BitVecValue); ok {
			base, ok := st.inputReg(b.A)
			return base, v.Value, ok
		}
	}
	base, ok := st.inputReg(t)
	return base, 0, ok
}

// matchLoad recognizes a little-endian byte concatenation read from
// the input memory at base+offset.
func (st *state) matchLoad(t smt.Term) (base string, offset uint64, bits int, ok bool) {
	memIn := st.f.Inputs[smt.MemoryKey]
	if memIn == nil {
		return "", 0, 0, false
	}
	// Collect the concat spine, high byte first.
	var bytes []smt.Term
	for {
		if c, isConcat := t.(smt.Concat); isConcat {
			bytes = append(bytes, c.A)
			t = c.B
			continue
		}
		bytes = append(bytes, t)
		break
	}
	n := len(bytes)
	var addrBase smt.Term
	var addrOff uint64
	for i, bt := range bytes {
		sel, isSel := bt.(smt.Select)
		if !isSel || !smt.Equal(sel.Array, memIn) {
			return "", 0, 0, false
		}
		wantOff := uint64(n - 1 - i) // bytes run high to low
		b, off := addrParts(sel.Index)
		if b == nil {
			return "", 0, 0, false
		}
		if addrBase == nil {
			addrBase = b
			addrOff = off - wantOff
		}
		if !smt.Equal(b, addrBase) || off != addrOff+wantOff {
			return "", 0, 0, false
		}
	}
	baseReg, ok := st.inputReg(addrBase)
	if !ok {
		return "", 0, 0, false
	}
	return baseReg, addrOff, n * 8, true
}

// matchStore recognizes a byte-granular store chain writing the bytes
// of one input register to base+offset in the input memory.
func (st *state) matchStore(t smt.Term) (base string, offset uint64, src string, bits int, ok bool) {
	memIn := st.f.Inputs[smt.MemoryKey]
	type byteWrite struct {
		off uint64
		val smt.Term
	}
	var writes []byteWrite
	var addrBase smt.Term
	for {
		s, isStore := t.(smt.Store)
		if !isStore {
			break
		}
		b, off := addrParts(s.Index)
		if b == nil {
			return "", 0, "", 0, false
		}
		if addrBase == nil {
			addrBase = b
		} else if !smt.Equal(b, addrBase) {
			return "", 0, "", 0, false
		}
		writes = append(writes, byteWrite{off: off, val: s.Value})
		t = s.Array
	}
	if !smt.Equal(t, memIn) || len(writes) == 0 {
		return "", 0, "", 0, false
	}

	// The chain is built low byte innermost, so writes arrive high to
	// low.
	n := len(writes)
	lowOff := writes[n-1].off
	var srcSym smt.Term
	for i, w := range writes {
		wantByte := n - 1 - i
		if w.off != lowOff+uint64(wantByte) {
			return "", 0, "", 0, false
		}
		e, isExtract := w.val.(smt.Extract)
		if !isExtract || e.Low != 8*wantByte || e.High != 8*wantByte+7 {
			return "", 0, "", 0, false
		}
		if srcSym == nil {
			srcSym = e.A
		} else if !smt.Equal(e.A, srcSym) {
			return "", 0, "", 0, false
		}
	}
	srcReg, ok := st.inputReg(srcSym)
	if !ok {
		return "", 0, "", 0, false
	}
	baseReg, ok := st.inputReg(addrBase)
	if !ok {
		return "", 0, "", 0, false
	}
	return baseReg, lowOff, srcReg, n * 8, true
}

// addrParts splits an index term into (base term, constant offset).
// Returns a nil base for constant-only addresses.
func addrParts(t smt.Term) (smt.Term, uint64) {
	if b, ok := t.(smt.BinOp); ok && b.Op == "bvadd" {
		if v, ok := b.B.(smt.BitVecValue); ok {
			return b.A, v.Value
		}
		if v, ok := b.A.(smt.BitVecValue); ok {
			return b.B, v.Value
		}
	}
	return t, 0
}

// Classify matches a candidate against the template catalog. The
// boolean result is false when no template matches, including when a
// transform matches but a component the template must preserve
// changes.
func (cl *Classifier) Classify(c *Candidate) (*Classification, bool) {
	st, err := cl.evaluate(c)
	if err != nil {
		if logflags.Gadget() {
			logflags.GadgetLogger().Debugf("classify %#x: %v", c.Start, err)
		}
		return nil, false
	}

	flagsReg := cl.arch.FlagsRegister()
	flagsChanged := false
	var changed []string
	for comp := range st.regs {
		if comp == flagsReg {
			flagsChanged = true
			continue
		}
		changed = append(changed, comp)
	}

	if st.mem != nil {
		// Only StoreMemory may touch memory, and it must touch nothing
		// else.
		if len(changed) != 0 || flagsChanged {
			return nil, false
		}
		base, off, src, bits, ok := st.matchStore(st.mem)
		if !ok {
			return nil, false
		}
		return &Classification{Kind: StoreMemory, Bits: bits, Src: src, Base: base, Offset: off}, true
	}

	switch len(changed) {
	case 0:
		if flagsChanged {
			return nil, false
		}
		return &Classification{Kind: NoOp}, true
	case 1:
		// fall through to single-destination templates
	default:
		return nil, false
	}

	dst := changed[0]
	term := st.regs[dst]
	inner, bits := unwrapExtend(term)

	if src, ok := st.lowView(inner, bits); ok && src != dst && !flagsChanged {
		return &Classification{Kind: MoveRegister, Bits: bits, Dst: dst, Src: src}, true
	}
	// Constant loads are commonly built from flag-setting idioms (xor
	// reg, reg), so the template tolerates a flags clobber.
	if v, ok := inner.(smt.BitVecValue); ok {
		return &Classification{Kind: LoadConstant, Bits: bits, Dst: dst, Value: v.Value, ClobbersFlags: flagsChanged}, true
	}
	if base, off, bits, ok := st.matchLoad(inner); ok && !flagsChanged {
		return &Classification{Kind: LoadMemory, Bits: bits, Dst: dst, Base: base, Offset: off}, true
	}
	if b, ok := inner.(smt.BinOp); ok {
		if op, known := arithOps[b.Op]; known {
			s1, ok1 := st.lowView(b.A, bits)
			s2, ok2 := st.lowView(b.B, bits)
			if ok1 && ok2 {
				return &Classification{
					Kind: Arithmetic, Bits: bits, Dst: dst,
					Src: s1, Src2: s2, Op: op,
					ClobbersFlags: true,
				}, true
			}
		}
	}
	return nil, false
}
