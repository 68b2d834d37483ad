package cfg

import (
	"github.com/scalpel-re/scalpel/pkg/ir"
)

// MicroEdge is an outgoing edge of a micro-operation block. Targets
// are micro-addresses; a native block entry corresponds to micro-index
// zero of its first instruction.
type MicroEdge struct {
	To   ir.Address
	Kind EdgeKind
}

// MicroBlock is a basic block at micro-operation granularity. It may
// cover only part of one native instruction's expansion when that
// expansion branches internally.
type MicroBlock struct {
	Start  ir.Address
	Instrs []ir.Instruction
	Edges  []MicroEdge
}

// Micro splits the block's flattened micro-operation stream at
// internal branches and their targets. Backward edges from iterative
// expansions appear exactly once. The native block's outgoing edges
// are attached, translated to micro-addresses, to every micro block
// that leaves the expansion.
func (b *Block) Micro() []*MicroBlock {
	var flat []ir.Instruction
	for _, lf := range b.Instrs {
		flat = append(flat, lf.IR...)
	}
	if len(flat) == 0 {
		return nil
	}

	pos := make(map[ir.Address]int, len(flat))
	for i := range flat {
		pos[flat[i].Addr] = i
	}

	leaders := map[int]bool{0: true}
	for i := range flat {
		if flat[i].Op != ir.Jcc {
			continue
		}
		if i+1 < len(flat) {
			leaders[i+1] = true
		}
		if imm, ok := flat[i].Dst.(ir.Immediate); ok {
			if j, in := pos[ir.Address(imm.Value)]; in {
				leaders[j] = true
			}
		}
	}

	nativeEdges := func() []MicroEdge {
		out := make([]MicroEdge, 0, len(b.Edges))
		for _, e := range b.Edges {
			out = append(out, MicroEdge{To: ir.NewAddress(e.To, 0), Kind: e.Kind})
		}
		return out
	}

	var blocks []*MicroBlock
	var cur *MicroBlock
	for i := range flat {
		if cur == nil || leaders[i] {
			cur = &MicroBlock{Start: flat[i].Addr}
			blocks = append(blocks, cur)
		}
		cur.Instrs = append(cur.Instrs, flat[i])

		switch flat[i].Op {
		case ir.Ret:
			cur = nil
		case ir.Jcc:
			imm, direct := flat[i].Dst.(ir.Immediate)
			switch {
			case !direct:
				cur.Edges = append(cur.Edges, MicroEdge{Kind: IndirectUnresolved})
			case isConstTrue(flat[i].Src1):
				cur.Edges = append(cur.Edges, MicroEdge{To: ir.Address(imm.Value), Kind: Uncond})
			default:
				cur.Edges = append(cur.Edges, MicroEdge{To: ir.Address(imm.Value), Kind: CondTaken})
				if i+1 < len(flat) {
					cur.Edges = append(cur.Edges, MicroEdge{To: flat[i+1].Addr, Kind: CondNotTaken})
				} else {
					// The not-taken path leaves the block.
					for _, e := range nativeEdges() {
						if e.Kind == CondNotTaken || e.Kind == Fallthrough {
							cur.Edges = append(cur.Edges, e)
						}
					}
				}
			}
			cur = nil
		default:
			if i+1 == len(flat) {
				cur.Edges = append(cur.Edges, nativeEdges()...)
				cur = nil
			} else if leaders[i+1] {
				cur.Edges = append(cur.Edges, MicroEdge{To: flat[i+1].Addr, Kind: Fallthrough})
				cur = nil
			}
		}
	}
	return blocks
}

// HasBackEdge reports whether any micro block branches to an earlier
// micro-address within the same native block, i.e. whether the block
// contains an iterative expansion.
func (b *Block) HasBackEdge() bool {
	for _, mb := range b.Micro() {
		last := mb.Instrs[len(mb.Instrs)-1]
		for _, e := range mb.Edges {
			if e.Kind == IndirectUnresolved {
				continue
			}
			if e.To <= last.Addr && e.To.Native() >= b.Start {
				return true
			}
		}
	}
	return false
}
