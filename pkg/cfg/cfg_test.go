package cfg

import (
	"testing"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/lift"
)

// liftCode decodes and lifts a contiguous run of machine code.
func liftCode(t *testing.T, code []byte, base uint64) []*lift.Lifted {
	t.Helper()
	a, err := arch.New("amd64")
	if err != nil {
		t.Fatal(err)
	}
	l := lift.New(a, lift.Full)
	var out []*lift.Lifted
	pc := base
	for off := 0; off < len(code); {
		ins, err := a.Decode(code[off:], pc)
		if err != nil {
			t.Fatalf("decoding at %#x: %v", pc, err)
		}
		lf, err := l.Lift(ins)
		if err != nil {
			t.Fatalf("lifting at %#x: %v", pc, err)
		}
		out = append(out, lf)
		off += ins.Len
		pc += uint64(ins.Len)
	}
	return out
}

func edgeKinds(b *Block) map[EdgeKind]uint64 {
	m := make(map[EdgeKind]uint64)
	for _, e := range b.Edges {
		m[e.Kind] = e.To
	}
	return m
}

func TestBuildStraightLine(t *testing.T) {
	code := []byte{
		0x31, 0xc0, // xor eax, eax
		0xff, 0xc0, // inc eax
		0xc3, // ret
	}
	g := Build(liftCode(t, code, 0x1000))
	if len(g.Order) != 1 {
		t.Fatalf("blocks = %d; want 1", len(g.Order))
	}
	b := g.Block(0x1000)
	if b == nil {
		t.Fatal("no block at 0x1000")
	}
	if len(b.Instrs) != 3 {
		t.Errorf("block holds %d instructions; want 3", len(b.Instrs))
	}
	if len(b.Edges) != 0 {
		t.Errorf("return block has %d edges; want 0", len(b.Edges))
	}
	if b.End() != 0x1005 {
		t.Errorf("block end = %#x; want 0x1005", b.End())
	}
}

func TestBuildConditional(t *testing.T) {
	code := []byte{
		0x85, 0xc0, // 0x1000: test eax, eax
		0x74, 0x02, // 0x1002: je 0x1006
		0x31, 0xc0, // 0x1004: xor eax, eax
		0xc3, // 0x1006: ret
	}
	g := Build(liftCode(t, code, 0x1000))
	if len(g.Order) != 3 {
		t.Fatalf("blocks = %d; want 3", len(g.Order))
	}

	head := edgeKinds(g.Block(0x1000))
	if to, ok := head[CondTaken]; !ok || to != 0x1006 {
		t.Errorf("cond-taken edge = %#x, %v; want 0x1006", to, ok)
	}
	if to, ok := head[CondNotTaken]; !ok || to != 0x1004 {
		t.Errorf("cond-not-taken edge = %#x, %v; want 0x1004", to, ok)
	}

	mid := edgeKinds(g.Block(0x1004))
	if to, ok := mid[Fallthrough]; !ok || to != 0x1006 {
		t.Errorf("fallthrough edge = %#x, %v; want 0x1006", to, ok)
	}

	// Every edge lands on a block entry.
	for _, b := range g.Blocks() {
		for _, e := range b.Edges {
			if e.Kind == IndirectUnresolved {
				continue
			}
			if g.Block(e.To) == nil {
				t.Errorf("edge from %#x to %#x has no block", b.Start, e.To)
			}
		}
	}
}

func TestBuildUnconditional(t *testing.T) {
	code := []byte{
		0xeb, 0x02, // 0x1000: jmp 0x1004
		0x90,       // 0x1002: nop
		0x90,       // 0x1003: nop
		0xc3,       // 0x1004: ret
	}
	g := Build(liftCode(t, code, 0x1000))
	if len(g.Order) != 3 {
		t.Fatalf("blocks = %d; want 3", len(g.Order))
	}
	head := edgeKinds(g.Block(0x1000))
	if to, ok := head[Uncond]; !ok || to != 0x1004 {
		t.Errorf("uncond edge = %#x, %v; want 0x1004", to, ok)
	}
	if len(g.Block(0x1000).Edges) != 1 {
		t.Errorf("jump block has %d edges; want 1", len(g.Block(0x1000).Edges))
	}
}

func TestBuildIndirect(t *testing.T) {
	code := []byte{
		0xff, 0xe0, // jmp rax
	}
	g := Build(liftCode(t, code, 0x1000))
	b := g.Block(0x1000)
	if b == nil {
		t.Fatal("no block at 0x1000")
	}
	kinds := edgeKinds(b)
	if _, ok := kinds[IndirectUnresolved]; !ok {
		t.Fatal("indirect jump produced no indirect-unresolved edge")
	}
	if len(g.Unresolved) != 1 {
		t.Fatalf("unresolved sites = %d; want 1", len(g.Unresolved))
	}
	if g.Unresolved[0].Native() != 0x1000 {
		t.Errorf("unresolved site = %#x; want 0x1000", g.Unresolved[0].Native())
	}
}

func TestBuildEmpty(t *testing.T) {
	g := Build(nil)
	if len(g.Order) != 0 {
		t.Fatalf("blocks = %d; want 0", len(g.Order))
	}
}

func TestNonTerminalBlocksHaveEdges(t *testing.T) {
	code := []byte{
		0x85, 0xc0, // test eax, eax
		0x74, 0x02, // je +2
		0x31, 0xc0, // xor eax, eax
		0xff, 0xc0, // inc eax
		0xc3, // ret
	}
	g := Build(liftCode(t, code, 0x1000))
	for _, b := range g.Blocks() {
		last := b.Instrs[len(b.Instrs)-1]
		if arch.IsRet(&last.Native) {
			continue
		}
		if len(b.Edges) == 0 {
			t.Errorf("non-terminal block at %#x has no outgoing edge", b.Start)
		}
	}
}

func TestIterativeExpansionBackEdge(t *testing.T) {
	code := []byte{
		0x48, 0xd3, 0xe0, // shl rax, cl
		0xc3, // ret
	}
	g := Build(liftCode(t, code, 0x1000))
	if len(g.Order) != 1 {
		t.Fatalf("blocks = %d; want 1 (iterative expansion must not split the native block)", len(g.Order))
	}
	b := g.Block(0x1000)
	if !b.HasBackEdge() {
		t.Fatal("variable-count shift produced no backward edge")
	}

	// The micro view must expose the loop structure explicitly.
	micro := b.Micro()
	if len(micro) < 3 {
		t.Fatalf("micro blocks = %d; want at least 3", len(micro))
	}
	var backward int
	for _, mb := range micro {
		last := mb.Instrs[len(mb.Instrs)-1]
		for _, e := range mb.Edges {
			if e.Kind != IndirectUnresolved && e.To <= last.Addr {
				backward++
			}
		}
	}
	if backward != 1 {
		t.Errorf("backward micro edges = %d; want exactly 1", backward)
	}
}

func TestMicroStraightLine(t *testing.T) {
	code := []byte{
		0x48, 0x89, 0xd8, // mov rax, rbx
		0xc3, // ret
	}
	g := Build(liftCode(t, code, 0x1000))
	b := g.Block(0x1000)
	micro := b.Micro()
	if len(micro) == 0 {
		t.Fatal("no micro blocks")
	}
	// Micro blocks tile the flattened stream without gaps.
	var total int
	for _, mb := range micro {
		total += len(mb.Instrs)
	}
	var want int
	for _, lf := range b.Instrs {
		want += len(lf.IR)
	}
	if total != want {
		t.Errorf("micro view covers %d micro-operations; want %d", total, want)
	}
}
