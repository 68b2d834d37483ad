package gadget

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/ir"
	"github.com/scalpel-re/scalpel/pkg/lift"
	"github.com/scalpel-re/scalpel/pkg/smt"
)

func amd64(t *testing.T) arch.Arch {
	t.Helper()
	a, err := arch.New("amd64")
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// decode turns raw machine code into a decoded stream at base.
func decode(t *testing.T, a arch.Arch, code []byte, base uint64) []arch.NativeInstruction {
	t.Helper()
	var stream []arch.NativeInstruction
	pc := base
	for off := 0; off < len(code); {
		ins, err := a.Decode(code[off:], pc)
		if err != nil {
			t.Fatalf("decoding at %#x: %v", pc, err)
		}
		stream = append(stream, ins)
		off += ins.Len
		pc += uint64(ins.Len)
	}
	return stream
}

// fullCandidate returns the candidate spanning the entire stream.
func fullCandidate(t *testing.T, a arch.Arch, code []byte) *Candidate {
	t.Helper()
	stream := decode(t, a, code, 0x1000)
	for _, c := range Find(a, stream, len(stream)) {
		if c.Start == 0x1000 && len(c.Instrs) == len(stream) {
			return c
		}
	}
	t.Fatalf("no candidate covers the whole stream")
	return nil
}

// fakeSolver scripts a fixed verdict and records every query.
type fakeSolver struct {
	status smt.Status
	model  map[string]uint64

	mu    sync.Mutex
	calls int
	last  string
}

func (s *fakeSolver) Check(ctx context.Context, f *smt.Formula, extra ...smt.Term) (smt.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = f.Script(extra...)
	return smt.Verdict{Status: s.status, Model: s.model}, nil
}

func (s *fakeSolver) queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSolver) lastScript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func TestFindMaxLenZero(t *testing.T) {
	a := amd64(t)
	stream := decode(t, a, []byte{0x48, 0x89, 0xd8, 0xc3}, 0x1000) // mov rax, rbx; ret
	if got := Find(a, stream, 0); got != nil {
		t.Errorf("Find with maxLen 0 returned %d candidates; want none", len(got))
	}
}

func TestFindMaxLenOne(t *testing.T) {
	a := amd64(t)
	stream := decode(t, a, []byte{0x48, 0x89, 0xd8, 0xc3}, 0x1000)
	got := Find(a, stream, 1)
	if len(got) != 1 {
		t.Fatalf("Find returned %d candidates; want 1", len(got))
	}
	c := got[0]
	if c.Start != 0x1003 || len(c.Instrs) != 1 {
		t.Errorf("candidate = %d instructions at %#x; want the bare return at 0x1003", len(c.Instrs), c.Start)
	}
	if !arch.IsRet(&c.Terminator) {
		t.Errorf("terminator = %s; want ret", c.Terminator.Text)
	}
}

func TestFindStopsAtInteriorTransfer(t *testing.T) {
	code := []byte{
		0xeb, 0x00, // jmp +0
		0x48, 0x89, 0xd8, // mov rax, rbx
		0xc3, // ret
	}
	a := amd64(t)
	got := Find(a, decode(t, a, code, 0x1000), 3)
	if len(got) != 2 {
		t.Fatalf("Find returned %d candidates; want 2", len(got))
	}
	for _, c := range got {
		if c.Start <= 0x1001 {
			t.Errorf("candidate at %#x crosses the direct jump", c.Start)
		}
	}
}

func TestFindDeduplicatesBySignature(t *testing.T) {
	code := []byte{
		0x58, 0xc3, // pop rax; ret
		0x58, 0xc3, // pop rax; ret
	}
	a := amd64(t)
	got := Find(a, decode(t, a, code, 0x1000), 2)
	if len(got) != 2 {
		t.Fatalf("Find returned %d candidates; want 2 after dedup", len(got))
	}
	seen := make(map[string]bool)
	for _, c := range got {
		if seen[c.Signature] {
			t.Errorf("duplicate signature survived at %#x", c.Start)
		}
		seen[c.Signature] = true
	}
}

func TestStackDelta(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int64
	}{
		{"ret", []byte{0xc3}, 8},
		{"pop rax; ret", []byte{0x58, 0xc3}, 16},
		{"push rax; ret", []byte{0x50, 0xc3}, 0},
		{"ret 0x10", []byte{0xc2, 0x10, 0x00}, 24},
	}
	a := amd64(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fullCandidate(t, a, tt.code)
			if c.StackDelta != tt.want {
				t.Errorf("StackDelta = %d; want %d", c.StackDelta, tt.want)
			}
		})
	}
}

func TestClassifyMoveRegister(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x89, 0xd8, 0xc3}) // mov rax, rbx; ret
	cls, ok := NewClassifier(a).Classify(c)
	if !ok {
		t.Fatal("candidate did not classify")
	}
	if cls.Kind != MoveRegister || cls.Dst != "rax" || cls.Src != "rbx" || cls.Bits != 64 {
		t.Errorf("classified as %s (%d bits); want move-register rax <- rbx at 64 bits", cls, cls.Bits)
	}
	if cls.ClobbersFlags {
		t.Error("move-register must preserve flags")
	}
}

func TestClassifyLoadConstant(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x31, 0xc0, 0xc3}) // xor rax, rax; ret
	cls, ok := NewClassifier(a).Classify(c)
	if !ok {
		t.Fatal("candidate did not classify")
	}
	if cls.Kind != LoadConstant || cls.Dst != "rax" || cls.Value != 0 {
		t.Errorf("classified as %s; want load-constant rax <- 0", cls)
	}
	if !cls.ClobbersFlags {
		t.Error("the zeroing idiom sets flags; ClobbersFlags should be true")
	}
}

func TestClassifyLoadMemory(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x8b, 0x03, 0xc3}) // mov rax, [rbx]; ret
	cls, ok := NewClassifier(a).Classify(c)
	if !ok {
		t.Fatal("candidate did not classify")
	}
	if cls.Kind != LoadMemory || cls.Dst != "rax" || cls.Base != "rbx" || cls.Offset != 0 || cls.Bits != 64 {
		t.Errorf("classified as %s; want load-memory rax <- [rbx+0]", cls)
	}
}

func TestClassifyStoreMemory(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x89, 0x03, 0xc3}) // mov [rbx], rax; ret
	cls, ok := NewClassifier(a).Classify(c)
	if !ok {
		t.Fatal("candidate did not classify")
	}
	if cls.Kind != StoreMemory || cls.Src != "rax" || cls.Base != "rbx" || cls.Offset != 0 || cls.Bits != 64 {
		t.Errorf("classified as %s; want store-memory [rbx+0] <- rax", cls)
	}
}

func TestClassifyArithmetic(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x01, 0xd8, 0xc3}) // add rax, rbx; ret
	cls, ok := NewClassifier(a).Classify(c)
	if !ok {
		t.Fatal("candidate did not classify")
	}
	if cls.Kind != Arithmetic || cls.Dst != "rax" || cls.Op != "add" {
		t.Errorf("classified as %s; want arithmetic rax <- rax add rbx", cls)
	}
	if cls.Src != "rax" || cls.Src2 != "rbx" {
		t.Errorf("operands = %s, %s; want rax, rbx", cls.Src, cls.Src2)
	}
	if !cls.ClobbersFlags {
		t.Error("arithmetic sets flags; ClobbersFlags should be true")
	}
}

func TestClassifyNoOp(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x90, 0xc3}) // nop; ret
	cls, ok := NewClassifier(a).Classify(c)
	if !ok {
		t.Fatal("candidate did not classify")
	}
	if cls.Kind != NoOp {
		t.Errorf("classified as %s; want no-op", cls)
	}
}

func TestClassifyRejectsExtraWrites(t *testing.T) {
	code := []byte{
		0x48, 0x89, 0xd8, // mov rax, rbx
		0x48, 0xff, 0xc1, // inc rcx
		0xc3, // ret
	}
	a := amd64(t)
	c := fullCandidate(t, a, code)
	if cls, ok := NewClassifier(a).Classify(c); ok {
		t.Errorf("classified as %s; want no match when a second register changes", cls)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	a := amd64(t)
	cl := NewClassifier(a)
	c := fullCandidate(t, a, []byte{0x48, 0x89, 0xd8, 0xc3})
	c1, ok1 := cl.Classify(c)
	c2, ok2 := cl.Classify(c)
	if ok1 != ok2 || c1.String() != c2.String() {
		t.Errorf("repeated classification diverged: %v vs %v", c1, c2)
	}
}

func TestVerifyOutcomeMapping(t *testing.T) {
	tests := []struct {
		status smt.Status
		want   Outcome
	}{
		{smt.Unsat, Proven},
		{smt.Sat, Refuted},
		{smt.Timeout, TimedOut},
		{smt.SolverError, Unknown},
	}
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x89, 0xd8, 0xc3})
	cls, ok := NewClassifier(a).Classify(c)
	if !ok {
		t.Fatal("candidate did not classify")
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			solver := &fakeSolver{status: tt.status, model: map[string]uint64{"rbx_0": 7}}
			res, err := NewVerifier(a, solver).Verify(context.Background(), c, cls)
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != tt.want {
				t.Errorf("outcome = %s; want %s", res.Outcome, tt.want)
			}
			if tt.want == Refuted && res.Counterexample["rbx_0"] != 7 {
				t.Errorf("counterexample = %v; want the solver model", res.Counterexample)
			}
			if tt.want != Refuted && res.Counterexample != nil {
				t.Errorf("unexpected counterexample on %s", res.Outcome)
			}
		})
	}
}

func TestVerifyQueriesNegatedClaim(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x89, 0xd8, 0xc3})
	cls, ok := NewClassifier(a).Classify(c)
	if !ok {
		t.Fatal("candidate did not classify")
	}
	solver := &fakeSolver{status: smt.Unsat}
	if _, err := NewVerifier(a, solver).Verify(context.Background(), c, cls); err != nil {
		t.Fatal(err)
	}
	script := solver.lastScript()
	if !strings.Contains(script, "(assert (not ") {
		t.Error("query does not negate the claim")
	}
	if !strings.Contains(script, "(check-sat)") {
		t.Error("query lacks a check-sat command")
	}
}

func TestVerifyStoreMemoryConstrainsFootprint(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x89, 0x03, 0xc3}) // mov [rbx], rax; ret
	cls, ok := NewClassifier(a).Classify(c)
	if !ok || cls.Kind != StoreMemory {
		t.Fatalf("classified as %v; want store-memory", cls)
	}
	solver := &fakeSolver{status: smt.Unsat}
	res, err := NewVerifier(a, solver).Verify(context.Background(), c, cls)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Proven {
		t.Errorf("outcome = %s; want proven", res.Outcome)
	}
	script := solver.lastScript()
	// The fresh address must be assumed outside the written range and
	// claimed to read back unchanged.
	if !strings.Contains(script, "bvult") {
		t.Error("query lacks the outside-footprint range assumption")
	}
	if !strings.Contains(script, "select") {
		t.Error("query never reads memory back")
	}
}

func TestStoreFootprintWrapsAroundAddressSpace(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x89, 0x03, 0xc3}) // mov [rbx], rax; ret
	cls, ok := NewClassifier(a).Classify(c)
	if !ok || cls.Kind != StoreMemory {
		t.Fatalf("classified as %v; want store-memory", cls)
	}
	lifter := lift.New(a, lift.Full)
	var instrs []ir.Instruction
	for _, ins := range c.Instrs {
		lf, err := lifter.Lift(ins)
		if err != nil {
			t.Fatal(err)
		}
		instrs = append(instrs, lf.IR...)
	}
	f, err := smt.NewTranslator(a).TranslateSequence(instrs)
	if err != nil {
		t.Fatal(err)
	}
	cc := &claimContext{f: f, arch: a}
	cc.frame(cls)
	if len(cc.assume) != 1 {
		t.Fatalf("frame produced %d assumptions; want 1", len(cc.assume))
	}

	// An 8-byte store based at the top of the address space covers
	// 0xffffffffffffffff and wraps to bytes 0 through 6. Written
	// locations must never satisfy the outside-footprint assumption,
	// or a correct store gadget gets refuted by its own write.
	base := uint64(0xffffffffffffffff)
	tests := []struct {
		z       uint64
		outside bool
	}{
		{base, false},
		{0, false},
		{6, false},
		{7, true},
		{base - 1, true},
	}
	for _, tt := range tests {
		env := map[string]smt.Term{
			"rbx_0": smt.BitVecValue{Value: base, Bits: 64},
			"fr_1":  smt.BitVecValue{Value: tt.z, Bits: 64},
		}
		got := smt.Simplify(smt.Substitute(cc.assume[0], env))
		bv, isBool := got.(smt.BoolValue)
		if !isBool {
			t.Fatalf("footprint term did not fold to a constant: %v", got)
		}
		if bool(bv) != tt.outside {
			t.Errorf("z = %#x: outside = %v; want %v", tt.z, bool(bv), tt.outside)
		}
	}
}

func TestSignatureCoversFlagEffects(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x01, 0xd8, 0xc3}) // add rax, rbx; ret
	// Classification and verification see flag writes, so dedup has to
	// distinguish runs by them too.
	if !strings.Contains(c.Signature, "zf") {
		t.Error("signature omits flag effects")
	}
	// The expansion backing stack-delta extraction stays flag-free.
	if sig := signature(c.Lifted); strings.Contains(sig, "zf") {
		t.Error("stack-delta expansion unexpectedly carries flag effects")
	}
}

func TestVerifyRefutesFalseMemoryClaim(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0x48, 0x89, 0x03, 0xc3}) // mov [rbx], rax; ret
	// Claim the sequence has no side effects. The store makes this
	// false, so a sound solver answers sat with a witness.
	solver := &fakeSolver{status: smt.Sat, model: map[string]uint64{"rbx_0": 0x7fff0000}}
	res, err := NewVerifier(a, solver).Verify(context.Background(), c, &Classification{Kind: NoOp})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Refuted {
		t.Fatalf("outcome = %s; want refuted", res.Outcome)
	}
	if res.Counterexample["rbx_0"] != 0x7fff0000 {
		t.Errorf("counterexample = %v; want the solver model", res.Counterexample)
	}
	if solver.queries() != 1 {
		t.Errorf("solver queried %d times; want 1", solver.queries())
	}
}

func TestVerifyNoOpReturnIsVacuous(t *testing.T) {
	a := amd64(t)
	c := fullCandidate(t, a, []byte{0xc3})
	solver := &fakeSolver{status: smt.Sat}
	res, err := NewVerifier(a, solver).Verify(context.Background(), c, &Classification{Kind: NoOp})
	if err != nil {
		t.Fatal(err)
	}
	// A bare return moves only the stack pointer, which every template
	// exempts; there is nothing to falsify.
	if res.Outcome != Proven {
		t.Errorf("outcome = %s; want proven", res.Outcome)
	}
	if solver.queries() != 0 {
		t.Errorf("solver queried %d times; want 0", solver.queries())
	}
}

func TestPipelineRun(t *testing.T) {
	code := []byte{
		0x0f, 0xa2, // cpuid (unliftable)
		0x48, 0x89, 0xd8, // mov rax, rbx
		0xc3, // ret
	}
	a := amd64(t)
	solver := &fakeSolver{status: smt.Unsat}
	p, err := NewPipeline(a, solver, 4, 128)
	if err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background(), decode(t, a, code, 0x1000), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Gadgets) != 2 {
		t.Fatalf("report holds %d gadgets; want 2", len(report.Gadgets))
	}
	kinds := make(map[Kind]bool)
	for _, g := range report.Gadgets {
		if g.Result.Outcome != Proven {
			t.Errorf("%s: outcome = %s; want proven", g.Candidate.Text(), g.Result.Outcome)
		}
		kinds[g.Classification.Kind] = true
	}
	if !kinds[MoveRegister] || !kinds[NoOp] {
		t.Errorf("gadget kinds = %v; want move-register and no-op", kinds)
	}
	if report.Unclassified != 0 || report.Inconclusive != 0 {
		t.Errorf("unclassified = %d, inconclusive = %d; want 0, 0", report.Unclassified, report.Inconclusive)
	}
	if len(report.Skipped) != 1 {
		t.Errorf("skipped = %d instructions; want 1 for the unliftable one", len(report.Skipped))
	}
}

func TestPipelineCountsUnclassified(t *testing.T) {
	code := []byte{
		0x48, 0x03, 0x03, // add rax, [rbx] (no template combines a register and memory)
		0xc3, // ret
	}
	a := amd64(t)
	solver := &fakeSolver{status: smt.Unsat}
	p, err := NewPipeline(a, solver, 2, 128)
	if err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background(), decode(t, a, code, 0x1000), 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.Unclassified != 1 {
		t.Errorf("unclassified = %d; want 1", report.Unclassified)
	}
	if len(report.Gadgets) != 1 {
		t.Errorf("report holds %d gadgets; want the bare return only", len(report.Gadgets))
	}
}

func TestPipelineCountsInconclusive(t *testing.T) {
	a := amd64(t)
	solver := &fakeSolver{status: smt.Timeout}
	p, err := NewPipeline(a, solver, 2, 128)
	if err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background(), decode(t, a, []byte{0x48, 0x89, 0xd8, 0xc3}, 0x1000), 2)
	if err != nil {
		t.Fatal(err)
	}
	// The bare return proves vacuously; the move times out.
	if report.Inconclusive != 1 {
		t.Errorf("inconclusive = %d; want 1", report.Inconclusive)
	}
	if len(report.Gadgets) != 2 {
		t.Errorf("report holds %d gadgets; want 2", len(report.Gadgets))
	}
}

func TestPipelineCachesVerdicts(t *testing.T) {
	a := amd64(t)
	solver := &fakeSolver{status: smt.Unsat}
	p, err := NewPipeline(a, solver, 2, 128)
	if err != nil {
		t.Fatal(err)
	}
	stream := decode(t, a, []byte{0x48, 0x89, 0xd8, 0xc3}, 0x1000)
	if _, err := p.Run(context.Background(), stream, 2); err != nil {
		t.Fatal(err)
	}
	first := solver.queries()
	if first != 1 {
		t.Fatalf("first run queried %d times; want 1", first)
	}
	report, err := p.Run(context.Background(), stream, 2)
	if err != nil {
		t.Fatal(err)
	}
	if solver.queries() != first {
		t.Errorf("second run queried the solver %d more times; want cache hits", solver.queries()-first)
	}
	if len(report.Gadgets) != 2 {
		t.Errorf("cached run holds %d gadgets; want 2", len(report.Gadgets))
	}
}
