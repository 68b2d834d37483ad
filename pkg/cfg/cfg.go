// Package cfg reconstructs control flow over lifted instruction
// streams. The graph carries two consistent views: native-granularity
// blocks whose boundaries align to native instruction addresses, and a
// micro-operation view that exposes the internal branching of
// iterative expansions.
package cfg

import (
	"fmt"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/ir"
	"github.com/scalpel-re/scalpel/pkg/lift"
	"github.com/scalpel-re/scalpel/pkg/logflags"
)

// EdgeKind classifies an outgoing control-flow edge.
type EdgeKind int

const (
	// Fallthrough connects a block to the next address when the block
	// does not end in a control transfer.
	Fallthrough EdgeKind = iota
	// CondTaken is the taken edge of a conditional jump.
	CondTaken
	// CondNotTaken is the not-taken edge of a conditional jump.
	CondNotTaken
	// Uncond is a direct unconditional transfer.
	Uncond
	// IndirectUnresolved marks a transfer through a computed address.
	// The edge is recorded without a target, never dropped.
	IndirectUnresolved
)

var edgeKindNames = map[EdgeKind]string{
	Fallthrough:        "fallthrough",
	CondTaken:          "cond-taken",
	CondNotTaken:       "cond-not-taken",
	Uncond:             "uncond",
	IndirectUnresolved: "indirect-unresolved",
}

func (k EdgeKind) String() string {
	if s, ok := edgeKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EdgeKind(%d)", int(k))
}

// Edge is an outgoing edge of a native-granularity block. To is zero
// for IndirectUnresolved edges.
type Edge struct {
	To   uint64
	Kind EdgeKind
}

// Block is a native-granularity basic block: a maximal run of lifted
// instructions with a single entry and no internal native control
// transfer. Iterative expansions stay inside one Instrs element; their
// internal branching is visible through Micro.
type Block struct {
	Start  uint64
	Instrs []*lift.Lifted
	Edges  []Edge
}

// End returns the address one past the block's last instruction.
func (b *Block) End() uint64 {
	last := b.Instrs[len(b.Instrs)-1]
	return last.Native.Address + uint64(last.Native.Len)
}

// Graph is a control-flow graph over one contiguous region.
type Graph struct {
	blocks map[uint64]*Block
	// Order lists block entry addresses in construction order.
	Order []uint64
	// Unresolved records the micro-addresses of transfers through
	// computed targets.
	Unresolved []ir.Address
}

// Block returns the block entered at addr, or nil.
func (g *Graph) Block(addr uint64) *Block {
	return g.blocks[addr]
}

// Blocks returns every block in construction order.
func (g *Graph) Blocks() []*Block {
	out := make([]*Block, 0, len(g.Order))
	for _, addr := range g.Order {
		out = append(out, g.blocks[addr])
	}
	return out
}

// isConstTrue reports whether a jump condition is a non-zero constant.
func isConstTrue(op ir.Operand) bool {
	imm, ok := op.(ir.Immediate)
	return ok && imm.Value != 0
}

// terminator describes how a lifted instruction leaves its expansion.
type terminator struct {
	kind    int // termNone, termRet, ...
	target  uint64
	condSrc ir.Address
}

const (
	termNone = iota
	termRet
	termJump
	termCondJump
	termIndirect
)

// classify inspects the lifted expansion for its external control
// effect. Jumps whose target lies inside the same expansion are
// internal loop edges and do not end a block.
func classify(lf *lift.Lifted) terminator {
	for i := len(lf.IR) - 1; i >= 0; i-- {
		ins := &lf.IR[i]
		switch ins.Op {
		case ir.Ret:
			return terminator{kind: termRet}
		case ir.Jcc:
			imm, direct := ins.Dst.(ir.Immediate)
			if direct && ir.Address(imm.Value).Native() == lf.Native.Address {
				// Internal backward edge.
				continue
			}
			if !direct {
				return terminator{kind: termIndirect, condSrc: ins.Addr}
			}
			if isConstTrue(ins.Src1) {
				return terminator{kind: termJump, target: ir.Address(imm.Value).Native()}
			}
			return terminator{kind: termCondJump, target: ir.Address(imm.Value).Native()}
		}
	}
	return terminator{kind: termNone}
}

// Build assembles the control-flow graph of an ordered, address-sorted
// run of lifted instructions. Direct targets outside the run produce
// edges whose target has no block; callers treat those as region
// exits.
func Build(lifted []*lift.Lifted) *Graph {
	g := &Graph{blocks: make(map[uint64]*Block)}
	if len(lifted) == 0 {
		return g
	}

	index := make(map[uint64]int, len(lifted))
	for i, lf := range lifted {
		index[lf.Native.Address] = i
	}

	// Leaders: the entry, every direct jump target, and every
	// instruction following a control transfer.
	leaders := map[uint64]bool{lifted[0].Native.Address: true}
	for i, lf := range lifted {
		t := classify(lf)
		if t.kind == termNone {
			continue
		}
		if t.kind == termJump || t.kind == termCondJump {
			leaders[t.target] = true
		}
		if i+1 < len(lifted) {
			leaders[lifted[i+1].Native.Address] = true
		}
	}

	var cur *Block
	for i, lf := range lifted {
		addr := lf.Native.Address
		if cur == nil || leaders[addr] {
			cur = &Block{Start: addr}
			g.blocks[addr] = cur
			g.Order = append(g.Order, addr)
		}
		cur.Instrs = append(cur.Instrs, lf)

		t := classify(lf)
		next := uint64(0)
		if i+1 < len(lifted) {
			next = lifted[i+1].Native.Address
		}
		switch t.kind {
		case termRet:
			cur = nil
		case termJump:
			if arch.IsCall(&lf.Native) {
				// A call transfers to the target and resumes at the
				// return site once the callee returns.
				cur.Edges = append(cur.Edges, Edge{To: t.target, Kind: Uncond})
				if next != 0 {
					cur.Edges = append(cur.Edges, Edge{To: next, Kind: Fallthrough})
				}
			} else {
				cur.Edges = append(cur.Edges, Edge{To: t.target, Kind: Uncond})
			}
			cur = nil
		case termCondJump:
			cur.Edges = append(cur.Edges, Edge{To: t.target, Kind: CondTaken})
			if next != 0 {
				cur.Edges = append(cur.Edges, Edge{To: next, Kind: CondNotTaken})
			}
			cur = nil
		case termIndirect:
			cur.Edges = append(cur.Edges, Edge{Kind: IndirectUnresolved})
			g.Unresolved = append(g.Unresolved, t.condSrc)
			if arch.IsCall(&lf.Native) && next != 0 {
				cur.Edges = append(cur.Edges, Edge{To: next, Kind: Fallthrough})
			}
			cur = nil
		case termNone:
			if next != 0 && leaders[next] {
				cur.Edges = append(cur.Edges, Edge{To: next, Kind: Fallthrough})
				cur = nil
			}
		}
	}

	if logflags.CFGBuild() {
		logflags.CFGBuildLogger().Debugf("built graph: %d blocks, %d unresolved transfers", len(g.Order), len(g.Unresolved))
	}
	return g
}
