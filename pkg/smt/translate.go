package smt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/ir"
	"github.com/scalpel-re/scalpel/pkg/logflags"
)

var (
	// ErrUnsupportedOpcode reports a micro-operation without a formula
	// template (Unkn).
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	// ErrInvalidWidth reports an operand width the memory model cannot
	// express.
	ErrInvalidWidth = errors.New("invalid operand width")
)

// MemoryKey names the memory array in a formula's input and output
// maps. Register components are keyed by their parent register name.
const MemoryKey = "mem"

// Formula is a conjunction of assertions over versioned bit-vector
// variables, together with the input and output variables of every
// state component the translated sequence touched. Components absent
// from Outputs are untouched.
type Formula struct {
	AddrBits int
	Asserts  []Term
	Inputs   map[string]Term
	Outputs  map[string]Term

	decls []Term
	defs  map[string]Term
}

// Decls returns every declared symbol in declaration order.
func (f *Formula) Decls() []Term { return f.decls }

// Fresh declares a new unconstrained bit-vector symbol. The verifier
// uses it for universally quantified side conditions.
func (f *Formula) Fresh(name string, bits int) BitVecSymbol {
	s := BitVecSymbol{Name: name, Bits: bits}
	f.decls = append(f.decls, s)
	return s
}

// Script serializes the formula and any extra assertions to an
// SMT-LIB 2 script ending in (check-sat).
func (f *Formula) Script(extra ...Term) string {
	var sb strings.Builder
	logic := "QF_BV"
	for _, d := range f.decls {
		if d.Sort().Array {
			logic = "QF_ABV"
			break
		}
	}
	fmt.Fprintf(&sb, "(set-logic %s)\n", logic)
	for _, d := range f.decls {
		switch s := d.(type) {
		case BitVecSymbol:
			fmt.Fprintf(&sb, "(declare-fun %s () %s)\n", s.Name, s.Sort())
		case ArraySymbol:
			fmt.Fprintf(&sb, "(declare-fun %s () %s)\n", s.Name, s.Sort())
		}
	}
	for _, a := range f.Asserts {
		fmt.Fprintf(&sb, "(assert %s)\n", String(a))
	}
	for _, a := range extra {
		fmt.Fprintf(&sb, "(assert %s)\n", String(a))
	}
	sb.WriteString("(check-sat)\n")
	return sb.String()
}

// loopBudget bounds the unrolling of internal backward edges. The only
// iterative expansions the lifter emits are count-masked shifts, whose
// trip count never exceeds 63.
const loopBudget = 64

// Translator lowers micro-operation sequences into formulas. A
// Translator serves one sequence and is not reused.
type Translator struct {
	arch arch.Arch
	f    *Formula

	reg map[string]int // parent register -> current version
	tmp map[int]int    // temporary id -> current version
	mem int
}

// NewTranslator returns a translator for one sequence.
func NewTranslator(a arch.Arch) *Translator {
	return &Translator{
		arch: a,
		f: &Formula{
			AddrBits: a.AddrBits(),
			Inputs:   make(map[string]Term),
			Outputs:  make(map[string]Term),
			defs:     make(map[string]Term),
		},
		reg: make(map[string]int),
		tmp: make(map[int]int),
		mem: -1,
	}
}

func (tr *Translator) declare(s Term) {
	tr.f.decls = append(tr.f.decls, s)
}

// parentTerm returns the current version of a parent register,
// creating the input version on first access.
func (tr *Translator) parentTerm(parent string) Term {
	w, _ := tr.arch.RegisterWidth(parent)
	v, ok := tr.reg[parent]
	if !ok {
		s := BitVecSymbol{Name: fmt.Sprintf("%s_0", parent), Bits: w}
		tr.declare(s)
		tr.f.Inputs[parent] = s
		tr.reg[parent] = 0
		return s
	}
	return BitVecSymbol{Name: fmt.Sprintf("%s_%d", parent, v), Bits: w}
}

// memTerm returns the current memory array, creating the input version
// on first access.
func (tr *Translator) memTerm() Term {
	if tr.mem < 0 {
		s := ArraySymbol{Name: "MEM_0", AddrBits: tr.f.AddrBits}
		tr.declare(s)
		tr.f.Inputs[MemoryKey] = s
		tr.mem = 0
		return s
	}
	return ArraySymbol{Name: fmt.Sprintf("MEM_%d", tr.mem), AddrBits: tr.f.AddrBits}
}

// readReg builds the term for a register read, extracting alias views
// out of the parent.
func (tr *Translator) readReg(name string) (Term, error) {
	view, ok := tr.arch.Alias(name)
	if !ok {
		return nil, fmt.Errorf("unknown register %s", name)
	}
	parent := tr.parentTerm(view.Parent)
	if view.Shift == 0 && view.Width == parent.Sort().Bits {
		return parent, nil
	}
	return Extract{High: view.Shift + view.Width - 1, Low: view.Shift, A: parent}, nil
}

// writeReg commits val to a register: alias writes splice the value
// into the parent, leaving the remaining bits constrained equal to the
// prior version. A non-nil guard makes the write conditional.
func (tr *Translator) writeReg(name string, val, guard Term) error {
	view, ok := tr.arch.Alias(name)
	if !ok {
		return fmt.Errorf("unknown register %s", name)
	}
	old := tr.parentTerm(view.Parent)
	pw := old.Sort().Bits
	val = resize(val, view.Width)

	nv := val
	if view.Shift != 0 || view.Width != pw {
		nv = val
		if view.Shift > 0 {
			nv = Concat{A: nv, B: Extract{High: view.Shift - 1, Low: 0, A: old}}
		}
		if top := view.Shift + view.Width; top < pw {
			nv = Concat{A: Extract{High: pw - 1, Low: top, A: old}, B: nv}
		}
	}
	if guard != nil {
		nv = Ite{Cond: guard, Then: nv, Else: old}
	}

	tr.reg[view.Parent]++
	s := BitVecSymbol{Name: fmt.Sprintf("%s_%d", view.Parent, tr.reg[view.Parent]), Bits: pw}
	tr.declare(s)
	tr.f.defs[s.Name] = nv
	tr.f.Asserts = append(tr.f.Asserts, Eq{A: s, B: nv})
	tr.f.Outputs[view.Parent] = s
	return nil
}

func (tr *Translator) tmpName(id, version int) string {
	return fmt.Sprintf("t%d_%d", id, version)
}

func (tr *Translator) readTmp(t ir.Temporary) Term {
	v, ok := tr.tmp[t.ID]
	if !ok {
		// Reads before any write only happen on loop re-entry paths;
		// treat the temporary as an unconstrained input.
		s := BitVecSymbol{Name: tr.tmpName(t.ID, 0), Bits: t.Bits}
		tr.declare(s)
		tr.tmp[t.ID] = 0
		return s
	}
	return BitVecSymbol{Name: tr.tmpName(t.ID, v), Bits: t.Bits}
}

func (tr *Translator) writeTmp(t ir.Temporary, val, guard Term) {
	val = resize(val, t.Bits)
	if guard != nil {
		val = Ite{Cond: guard, Then: val, Else: tr.readTmp(t)}
	}
	tr.tmp[t.ID]++
	s := BitVecSymbol{Name: tr.tmpName(t.ID, tr.tmp[t.ID]), Bits: t.Bits}
	tr.declare(s)
	tr.f.defs[s.Name] = val
	tr.f.Asserts = append(tr.f.Asserts, Eq{A: s, B: val})
}

// operand builds the term for a source operand.
func (tr *Translator) operand(op ir.Operand) (Term, error) {
	switch o := op.(type) {
	case ir.Immediate:
		return BitVecValue{Value: o.Value, Bits: o.Bits}, nil
	case ir.Register:
		return tr.readReg(o.Name)
	case ir.Temporary:
		return tr.readTmp(o), nil
	}
	return nil, fmt.Errorf("unsupported operand %v", op)
}

// assign commits a value to a destination operand.
func (tr *Translator) assign(dst ir.Operand, val, guard Term) error {
	switch d := dst.(type) {
	case ir.Register:
		return tr.writeReg(d.Name, val, guard)
	case ir.Temporary:
		tr.writeTmp(d, val, guard)
		return nil
	}
	return fmt.Errorf("unsupported destination %v", dst)
}

// havoc assigns a fresh unconstrained value to dst.
func (tr *Translator) havoc(dst ir.Operand, guard Term) error {
	w := dst.Width()
	s := BitVecSymbol{Name: fmt.Sprintf("havoc_%d", len(tr.f.decls)), Bits: w}
	tr.declare(s)
	return tr.assign(dst, s, guard)
}

var binOps = map[ir.Opcode]string{
	ir.Add: "bvadd",
	ir.Sub: "bvsub",
	ir.Mul: "bvmul",
	ir.Div: "bvudiv",
	ir.Mod: "bvurem",
	ir.And: "bvand",
	ir.Or:  "bvor",
	ir.Xor: "bvxor",
}

// instruction translates one micro-operation under an optional guard.
// Control transfers assert nothing; the caller owns control flow.
func (tr *Translator) instruction(ins *ir.Instruction, guard Term) error {
	switch ins.Op {
	case ir.Add, ir.Sub, ir.Mul, ir.Div, ir.Mod, ir.And, ir.Or, ir.Xor:
		a, err := tr.operand(ins.Src1)
		if err != nil {
			return err
		}
		b, err := tr.operand(ins.Src2)
		if err != nil {
			return err
		}
		w := ins.Dst.Width()
		return tr.assign(ins.Dst, BinOp{Op: binOps[ins.Op], A: resize(a, w), B: resize(b, w)}, guard)

	case ir.Bsh:
		return tr.shift(ins, guard)

	case ir.Str:
		a, err := tr.operand(ins.Src1)
		if err != nil {
			return err
		}
		return tr.assign(ins.Dst, resize(a, ins.Dst.Width()), guard)

	case ir.Bisz:
		a, err := tr.operand(ins.Src1)
		if err != nil {
			return err
		}
		w := ins.Dst.Width()
		z := Ite{
			Cond: Eq{A: a, B: BitVecValue{Value: 0, Bits: a.Sort().Bits}},
			Then: BitVecValue{Value: 1, Bits: w},
			Else: BitVecValue{Value: 0, Bits: w},
		}
		return tr.assign(ins.Dst, z, guard)

	case ir.Ldm:
		return tr.load(ins, guard)

	case ir.Stm:
		return tr.store(ins, guard)

	case ir.Undef:
		return tr.havoc(ins.Dst, guard)

	case ir.Unkn:
		return fmt.Errorf("%w: unkn at %s", ErrUnsupportedOpcode, ins.Addr)

	case ir.Jcc, ir.Nop, ir.Ret:
		return nil
	}
	return fmt.Errorf("%w: %s at %s", ErrUnsupportedOpcode, ins.Op, ins.Addr)
}

// shift translates Bsh: a non-negative two's-complement count shifts
// left, a negative count shifts right by the magnitude. Constant
// counts fold to a single direction.
func (tr *Translator) shift(ins *ir.Instruction, guard Term) error {
	a, err := tr.operand(ins.Src1)
	if err != nil {
		return err
	}
	w := ins.Dst.Width()
	av := resize(a, w)

	if imm, ok := ins.Src2.(ir.Immediate); ok {
		m := imm.Bits
		v := imm.Value & maskFor(m)
		neg := m < 64 && v&(1<<uint(m-1)) != 0 || m == 64 && int64(v) < 0
		if neg {
			mag := (-v) & maskFor(m)
			return tr.assign(ins.Dst, BinOp{Op: "bvlshr", A: av, B: BitVecValue{Value: mag, Bits: w}}, guard)
		}
		return tr.assign(ins.Dst, BinOp{Op: "bvshl", A: av, B: BitVecValue{Value: v, Bits: w}}, guard)
	}

	b, err := tr.operand(ins.Src2)
	if err != nil {
		return err
	}
	m := b.Sort().Bits
	sign := Eq{A: Extract{High: m - 1, Low: m - 1, A: b}, B: BitVecValue{Value: 1, Bits: 1}}
	left := BinOp{Op: "bvshl", A: av, B: resize(b, w)}
	right := BinOp{Op: "bvlshr", A: av, B: resize(UnOp{Op: "bvneg", A: b}, w)}
	return tr.assign(ins.Dst, Ite{Cond: sign, Then: right, Else: left}, guard)
}

// load reads Dst.Width()/8 little-endian bytes at the address in Src1.
func (tr *Translator) load(ins *ir.Instruction, guard Term) error {
	w := ins.Dst.Width()
	if w%8 != 0 {
		return fmt.Errorf("%w: %d-bit load at %s", ErrInvalidWidth, w, ins.Addr)
	}
	addr, err := tr.operand(ins.Src1)
	if err != nil {
		return err
	}
	addr = resize(addr, tr.f.AddrBits)
	mem := tr.memTerm()

	var val Term
	for i := 0; i < w/8; i++ {
		idx := addr
		if i > 0 {
			idx = BinOp{Op: "bvadd", A: addr, B: BitVecValue{Value: uint64(i), Bits: tr.f.AddrBits}}
		}
		b := Select{Array: mem, Index: idx}
		if val == nil {
			val = b
		} else {
			val = Concat{A: b, B: val}
		}
	}
	return tr.assign(ins.Dst, val, guard)
}

// store writes Src1 as little-endian bytes at the address in the Dst
// slot. Sub-word stores touch only their own bytes; read-modify-write
// falls out of the byte-granular array.
func (tr *Translator) store(ins *ir.Instruction, guard Term) error {
	w := ins.Src1.Width()
	if w%8 != 0 {
		return fmt.Errorf("%w: %d-bit store at %s", ErrInvalidWidth, w, ins.Addr)
	}
	val, err := tr.operand(ins.Src1)
	if err != nil {
		return err
	}
	addr, err := tr.operand(ins.Dst)
	if err != nil {
		return err
	}
	addr = resize(addr, tr.f.AddrBits)
	old := tr.memTerm()

	nv := old
	for i := 0; i < w/8; i++ {
		idx := addr
		if i > 0 {
			idx = BinOp{Op: "bvadd", A: addr, B: BitVecValue{Value: uint64(i), Bits: tr.f.AddrBits}}
		}
		nv = Store{Array: nv, Index: idx, Value: Extract{High: 8*i + 7, Low: 8 * i, A: val}}
	}
	if guard != nil {
		nv = Ite{Cond: guard, Then: nv, Else: old}
	}

	tr.mem++
	s := ArraySymbol{Name: fmt.Sprintf("MEM_%d", tr.mem), AddrBits: tr.f.AddrBits}
	tr.declare(s)
	tr.f.defs[s.Name] = nv
	tr.f.Asserts = append(tr.f.Asserts, Eq{A: s, B: nv})
	tr.f.Outputs[MemoryKey] = s
	return nil
}

// guardFrame scopes a branch condition over the instructions between a
// conditional jump and its forward target.
type guardFrame struct {
	until int
	cond  Term
}

// TranslateSequence lowers an ordered micro-operation run. Internal
// forward branches become guards on the skipped region's writes;
// internal backward branches are unrolled up to loopBudget times, with
// every re-executed write guarded by the accumulated loop conditions.
// Transfers out of the run assert nothing.
func (tr *Translator) TranslateSequence(instrs []ir.Instruction) (*Formula, error) {
	pos := make(map[ir.Address]int, len(instrs))
	for i := range instrs {
		pos[instrs[i].Addr] = i
	}

	var frames []guardFrame
	budget := make(map[int]int)
	activeGuard := func() Term {
		if len(frames) == 0 {
			return nil
		}
		conds := make([]Term, len(frames))
		for i, fr := range frames {
			conds[i] = fr.cond
		}
		return conj(conds...)
	}

	for i := 0; i < len(instrs); {
		kept := frames[:0]
		for _, fr := range frames {
			if fr.until > i {
				kept = append(kept, fr)
			}
		}
		frames = kept

		ins := &instrs[i]
		if ins.Op == ir.Jcc {
			imm, direct := ins.Dst.(ir.Immediate)
			if !direct {
				i++
				continue
			}
			tgt, internal := pos[ir.Address(imm.Value)]
			if !internal {
				i++
				continue
			}
			cond, err := tr.operand(ins.Src1)
			if err != nil {
				return nil, err
			}
			constTrue := false
			if c, ok := ins.Src1.(ir.Immediate); ok && c.Value != 0 {
				constTrue = true
			}
			if tgt > i {
				if constTrue {
					i = tgt
					continue
				}
				// Fall-through region executes when the branch is not
				// taken.
				frames = append(frames, guardFrame{until: tgt, cond: Eq{A: cond, B: BitVecValue{Value: 0, Bits: cond.Sort().Bits}}})
				i++
				continue
			}
			// Backward edge: unroll.
			if _, ok := budget[i]; !ok {
				budget[i] = loopBudget
			}
			if budget[i] > 0 {
				budget[i]--
				if !constTrue {
					frames = append(frames, guardFrame{until: i + 1, cond: nonZero(cond)})
				}
				i = tgt
				continue
			}
			i++
			continue
		}

		if err := tr.instruction(ins, activeGuard()); err != nil {
			return nil, err
		}
		i++
	}

	if logflags.SMT() {
		logflags.SMTLogger().Debugf("translated %d micro-operations: %d assertions, %d symbols", len(instrs), len(tr.f.Asserts), len(tr.f.decls))
	}
	return tr.f, nil
}
