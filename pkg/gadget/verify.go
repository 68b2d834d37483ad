package gadget

import (
	"context"
	"fmt"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/ir"
	"github.com/scalpel-re/scalpel/pkg/lift"
	"github.com/scalpel-re/scalpel/pkg/logflags"
	"github.com/scalpel-re/scalpel/pkg/smt"
)

// Outcome is the result of verifying one classification.
type Outcome int

const (
	// Proven: the transform and frame hold for every input.
	Proven Outcome = iota
	// Refuted: a counterexample input violates the claim.
	Refuted
	// Unknown: the solver failed; never treated as proof.
	Unknown
	// TimedOut: the solver exceeded its deadline; never treated as
	// proof.
	TimedOut
)

var outcomeNames = map[Outcome]string{
	Proven:   "proven",
	Refuted:  "refuted",
	Unknown:  "unknown",
	TimedOut: "timeout",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result carries the verdict and, for Refuted, a witness assignment of
// the formula's inputs.
type Result struct {
	Outcome        Outcome
	Counterexample map[string]uint64
}

// Verifier proves or refutes classifications through an SMT solver.
type Verifier struct {
	arch   arch.Arch
	lifter *lift.Lifter
	solver smt.Solver
}

// NewVerifier returns a verifier backed by the given solver.
func NewVerifier(a arch.Arch, solver smt.Solver) *Verifier {
	return &Verifier{arch: a, lifter: lift.New(a, lift.Full), solver: solver}
}

// claimContext builds the claim terms for one verification.
type claimContext struct {
	f     *smt.Formula
	arch  arch.Arch
	fresh int
	// claim accumulates the conjuncts of the proposition to prove.
	claim []smt.Term
	// assume accumulates side constraints on fresh symbols; they are
	// assumptions, not part of the negated claim.
	assume []smt.Term
}

// inTerm returns the input value of a component, declaring an
// unconstrained symbol when the sequence never touched it.
func (cc *claimContext) inTerm(comp string) smt.Term {
	if t, ok := cc.f.Inputs[comp]; ok {
		return t
	}
	w, _ := cc.arch.RegisterWidth(comp)
	s := cc.f.Fresh(fmt.Sprintf("%s_in", comp), w)
	cc.f.Inputs[comp] = s
	return s
}

// outTerm returns the final value of a component; untouched components
// end equal to their input.
func (cc *claimContext) outTerm(comp string) smt.Term {
	if t, ok := cc.f.Outputs[comp]; ok {
		return t
	}
	return cc.inTerm(comp)
}

func (cc *claimContext) freshSym(bits int) smt.BitVecSymbol {
	cc.fresh++
	return cc.f.Fresh(fmt.Sprintf("fr_%d", cc.fresh), bits)
}

// widen adapts a claimed b-bit transform to the parent register width:
// narrow destinations write zero-extended on this architecture.
func widen(t smt.Term, pw int) smt.Term {
	w := t.Sort().Bits
	if w == pw {
		return t
	}
	return smt.ZeroExtend{N: pw - w, A: t}
}

// low returns the b-bit low view of a parent input value.
func low(t smt.Term, b int) smt.Term {
	if t.Sort().Bits == b {
		return t
	}
	return smt.Extract{High: b - 1, Low: 0, A: t}
}

// transform asserts the classification's claimed post-state.
func (cc *claimContext) transform(cls *Classification) error {
	switch cls.Kind {
	case NoOp:
		return nil

	case MoveRegister:
		pw := cc.outTerm(cls.Dst).Sort().Bits
		want := widen(low(cc.inTerm(cls.Src), cls.Bits), pw)
		cc.claim = append(cc.claim, smt.Eq{A: cc.outTerm(cls.Dst), B: want})
		return nil

	case LoadConstant:
		pw := cc.outTerm(cls.Dst).Sort().Bits
		cc.claim = append(cc.claim, smt.Eq{A: cc.outTerm(cls.Dst), B: smt.BitVecValue{Value: cls.Value, Bits: pw}})
		return nil

	case LoadMemory:
		memIn, ok := cc.f.Inputs[smt.MemoryKey]
		if !ok {
			return fmt.Errorf("load-memory claim against a sequence that never reads memory")
		}
		addr := cc.addr(cls)
		var val smt.Term
		for i := 0; i < cls.Bits/8; i++ {
			b := smt.Select{Array: memIn, Index: cc.offset(addr, uint64(i))}
			if val == nil {
				val = b
			} else {
				val = smt.Concat{A: b, B: val}
			}
		}
		pw := cc.outTerm(cls.Dst).Sort().Bits
		cc.claim = append(cc.claim, smt.Eq{A: cc.outTerm(cls.Dst), B: widen(val, pw)})
		return nil

	case StoreMemory:
		memOut, ok := cc.f.Outputs[smt.MemoryKey]
		if !ok {
			return fmt.Errorf("store-memory claim against a sequence that never writes memory")
		}
		addr := cc.addr(cls)
		src := cc.inTerm(cls.Src)
		for i := 0; i < cls.Bits/8; i++ {
			sel := smt.Select{Array: memOut, Index: cc.offset(addr, uint64(i))}
			cc.claim = append(cc.claim, smt.Eq{A: sel, B: smt.Extract{High: 8*i + 7, Low: 8 * i, A: src}})
		}
		return nil

	case Arithmetic:
		op := ""
		for bv, name := range arithOps {
			if name == cls.Op {
				op = bv
			}
		}
		if op == "" {
			return fmt.Errorf("unknown arithmetic operation %q", cls.Op)
		}
		a := low(cc.inTerm(cls.Src), cls.Bits)
		b := low(cc.inTerm(cls.Src2), cls.Bits)
		pw := cc.outTerm(cls.Dst).Sort().Bits
		want := widen(smt.BinOp{Op: op, A: a, B: b}, pw)
		cc.claim = append(cc.claim, smt.Eq{A: cc.outTerm(cls.Dst), B: want})
		return nil
	}
	return fmt.Errorf("unknown template %v", cls.Kind)
}

func (cc *claimContext) addr(cls *Classification) smt.Term {
	return cc.offset(resizeAddr(cc.inTerm(cls.Base), cc.f.AddrBits), cls.Offset)
}

func (cc *claimContext) offset(base smt.Term, off uint64) smt.Term {
	if off == 0 {
		return base
	}
	return smt.BinOp{Op: "bvadd", A: base, B: smt.BitVecValue{Value: off, Bits: base.Sort().Bits}}
}

func resizeAddr(t smt.Term, bits int) smt.Term {
	w := t.Sort().Bits
	switch {
	case w == bits:
		return t
	case w < bits:
		return smt.ZeroExtend{N: bits - w, A: t}
	}
	return smt.Extract{High: bits - 1, Low: 0, A: t}
}

// frame asserts that every component outside the template's declared
// targets is unchanged.
func (cc *claimContext) frame(cls *Classification) {
	sp := cc.arch.StackPointer()
	flags := cc.arch.FlagsRegister()
	for comp := range cc.f.Outputs {
		if comp == smt.MemoryKey || comp == sp {
			continue
		}
		if comp == flags && cls.ClobbersFlags {
			continue
		}
		if comp == cls.Dst && cls.Kind != NoOp && cls.Kind != StoreMemory {
			continue
		}
		cc.claim = append(cc.claim, smt.Eq{A: cc.f.Outputs[comp], B: cc.inTerm(comp)})
	}

	memOut, touched := cc.f.Outputs[smt.MemoryKey]
	if !touched {
		return
	}
	memIn := cc.f.Inputs[smt.MemoryKey]
	z := cc.freshSym(cc.f.AddrBits)
	if cls.Kind == StoreMemory {
		// Locations outside the declared footprint must read back
		// unchanged. The test is on the distance z-addr, which stays
		// correct when addr+size wraps modulo 2^AddrBits.
		addr := cc.addr(cls)
		dist := smt.BinOp{Op: "bvsub", A: z, B: addr}
		size := smt.BitVecValue{Value: uint64(cls.Bits / 8), Bits: cc.f.AddrBits}
		cc.assume = append(cc.assume, smt.BoolNot{A: smt.Ult{A: dist, B: size}})
	}
	cc.claim = append(cc.claim, smt.Eq{
		A: smt.Select{Array: memOut, Index: z},
		B: smt.Select{Array: memIn, Index: z},
	})
}

// Verify checks a classification by negation: the claim (transform and
// frame) is conjoined, negated, and checked for satisfiability. An
// unsatisfiable negation proves the claim for all inputs; a
// satisfiable one yields a counterexample.
func (v *Verifier) Verify(ctx context.Context, c *Candidate, cls *Classification) (Result, error) {
	var instrs []ir.Instruction
	for _, ins := range c.Instrs {
		lf, err := v.lifter.Lift(ins)
		if err != nil {
			return Result{Outcome: Unknown}, err
		}
		instrs = append(instrs, lf.IR...)
	}
	f, err := smt.NewTranslator(v.arch).TranslateSequence(instrs)
	if err != nil {
		return Result{Outcome: Unknown}, err
	}

	cc := &claimContext{f: f, arch: v.arch}
	if err := cc.transform(cls); err != nil {
		return Result{Outcome: Unknown}, err
	}
	cc.frame(cls)
	if len(cc.claim) == 0 {
		// Nothing to falsify: the claim holds vacuously.
		return Result{Outcome: Proven}, nil
	}

	extra := append([]smt.Term{}, cc.assume...)
	negated := cc.claim[0]
	if len(cc.claim) > 1 {
		negated = smt.BoolOp{Op: "and", Args: cc.claim}
	}
	extra = append(extra, smt.BoolNot{A: negated})

	verdict, err := v.solver.Check(ctx, f, extra...)
	if err != nil {
		return Result{Outcome: Unknown}, err
	}
	if logflags.Gadget() {
		logflags.GadgetLogger().Debugf("verify %#x %s: %s", c.Start, cls, verdict.Status)
	}
	switch verdict.Status {
	case smt.Unsat:
		return Result{Outcome: Proven}, nil
	case smt.Sat:
		return Result{Outcome: Refuted, Counterexample: verdict.Model}, nil
	case smt.Timeout:
		return Result{Outcome: TimedOut}, nil
	}
	return Result{Outcome: Unknown}, nil
}
