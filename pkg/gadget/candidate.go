// Package gadget discovers, classifies, and formally verifies short
// instruction sequences ending in a control transfer. Discovery scans
// decoded streams, classification is solver-free symbolic evaluation,
// verification proves or refutes a classification with an SMT solver.
package gadget

import (
	"strings"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/ir"
	"github.com/scalpel-re/scalpel/pkg/lift"
	"github.com/scalpel-re/scalpel/pkg/logflags"
	"github.com/scalpel-re/scalpel/pkg/smt"
)

// Candidate is a contiguous run of instructions ending in a return or
// an indirect transfer, with no interior control transfer.
type Candidate struct {
	Start  uint64
	Instrs []arch.NativeInstruction
	// Terminator is the final, control-transferring instruction.
	Terminator arch.NativeInstruction
	// Lifted holds the Lite-mode expansion used for stack-delta
	// extraction.
	Lifted []*lift.Lifted
	// Signature is the address-independent canonical IR text of the
	// Full-mode expansion. Two candidates with equal signatures have
	// identical semantics, flag effects included.
	Signature string
	// StackDelta is the net change of the stack pointer, when it
	// resolves to a constant.
	StackDelta int64
}

// Text returns the candidate's disassembly, one instruction per line.
func (c *Candidate) Text() string {
	var sb strings.Builder
	for i, ins := range c.Instrs {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(ins.Text)
	}
	return sb.String()
}

// signature canonicalizes the lifted expansion. Micro-addresses are
// not part of Instruction.String, and temporaries number from zero per
// instruction, so the text is position-independent.
func signature(lifted []*lift.Lifted) string {
	var sb strings.Builder
	for _, lf := range lifted {
		for i := range lf.IR {
			sb.WriteString(lf.IR[i].String())
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// stackDelta resolves the net stack pointer change of a lifted run.
func stackDelta(a arch.Arch, lifted []*lift.Lifted) (int64, bool) {
	var instrs []ir.Instruction
	for _, lf := range lifted {
		instrs = append(instrs, lf.IR...)
	}
	f, err := smt.NewTranslator(a).TranslateSequence(instrs)
	if err != nil {
		return 0, false
	}
	sp := a.StackPointer()
	out, ok := f.Outputs[sp]
	if !ok {
		return 0, true
	}
	in, ok := f.Inputs[sp].(smt.BitVecSymbol)
	if !ok {
		return 0, false
	}
	t := smt.Simplify(f.Resolve(out))
	if b, ok := t.(smt.BinOp); ok && b.Op == "bvadd" {
		if sym, ok := b.A.(smt.BitVecSymbol); ok && sym.Name == in.Name {
			if v, ok := b.B.(smt.BitVecValue); ok {
				return int64(v.Value), true
			}
		}
	}
	if smt.Equal(t, in) {
		return 0, true
	}
	return 0, false
}

// isTerminator reports whether ins ends a gadget: a return or a
// transfer through a computed target.
func isTerminator(ins *arch.NativeInstruction) bool {
	return arch.IsRet(ins) || arch.IsIndirectTransfer(ins)
}

// Find scans a decoded stream for every run of 1..maxLen instructions
// ending in a terminator with no interior control transfer. Runs that
// lower to an already-seen signature are dropped: they verify to the
// same verdict, so one representative suffices. maxLen 0 yields
// nothing.
func Find(a arch.Arch, stream []arch.NativeInstruction, maxLen int) []*Candidate {
	if maxLen <= 0 {
		return nil
	}
	lifter := lift.New(a, lift.Lite)
	// Signatures come from the Full expansion: classification and
	// verification run in Full mode, so dedup must distinguish runs
	// that differ only in their flag effects.
	full := lift.New(a, lift.Full)
	seen := make(map[string]bool)
	var out []*Candidate

	for end := range stream {
		if !isTerminator(&stream[end]) {
			continue
		}
		for n := 1; n <= maxLen && n <= end+1; n++ {
			start := end - n + 1
			if n > 1 && a.IsControlTransfer(&stream[start]) {
				break
			}
			run := stream[start : end+1]

			lifted := make([]*lift.Lifted, 0, len(run))
			flagged := make([]*lift.Lifted, 0, len(run))
			ok := true
			for _, ins := range run {
				lf, err := lifter.Lift(ins)
				if err != nil {
					ok = false
					break
				}
				ff, err := full.Lift(ins)
				if err != nil {
					ok = false
					break
				}
				lifted = append(lifted, lf)
				flagged = append(flagged, ff)
			}
			if !ok {
				break
			}

			sig := signature(flagged)
			if seen[sig] {
				continue
			}
			seen[sig] = true

			c := &Candidate{
				Start:      run[0].Address,
				Instrs:     run,
				Terminator: run[len(run)-1],
				Lifted:     lifted,
				Signature:  sig,
			}
			c.StackDelta, _ = stackDelta(a, lifted)
			out = append(out, c)
		}
	}

	if logflags.Gadget() {
		logflags.GadgetLogger().Debugf("scan: %d candidates after dedup", len(out))
	}
	return out
}
