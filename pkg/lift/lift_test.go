package lift

import (
	"errors"
	"testing"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/ir"
)

func amd64(t *testing.T) arch.Arch {
	t.Helper()
	a, err := arch.New("amd64")
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func decode(t *testing.T, a arch.Arch, code []byte, pc uint64) arch.NativeInstruction {
	t.Helper()
	ins, err := a.Decode(code, pc)
	if err != nil {
		t.Fatalf("decoding % x: %v", code, err)
	}
	return ins
}

func liftOne(t *testing.T, mode Mode, code []byte, pc uint64) *Lifted {
	t.Helper()
	a := amd64(t)
	lf, err := New(a, mode).Lift(decode(t, a, code, pc))
	if err != nil {
		t.Fatalf("lifting % x: %v", code, err)
	}
	return lf
}

func TestLiftValidates(t *testing.T) {
	// Every lifted sequence must pass per-instruction validation;
	// Lift checks this itself, so a non-error result is the assertion.
	tests := []struct {
		name string
		code []byte
	}{
		{"mov_reg_reg", []byte{0x48, 0x89, 0xd8}},       // mov rax, rbx
		{"mov_reg_imm", []byte{0xb8, 0x01, 0x00, 0x00, 0x00}}, // mov eax, 1
		{"mov_reg_mem", []byte{0x48, 0x8b, 0x03}},       // mov rax, [rbx]
		{"mov_mem_reg", []byte{0x48, 0x89, 0x03}},       // mov [rbx], rax
		{"lea", []byte{0x48, 0x8d, 0x44, 0x9f, 0x08}},   // lea rax, [rdi+rbx*4+8]
		{"xchg", []byte{0x48, 0x87, 0xd8}},              // xchg rax, rbx
		{"movzx", []byte{0x0f, 0xb6, 0xc3}},             // movzx eax, bl
		{"movsx", []byte{0x48, 0x0f, 0xbe, 0xc3}},       // movsx rax, bl
		{"push", []byte{0x50}},                          // push rax
		{"pop", []byte{0x5b}},                           // pop rbx
		{"add", []byte{0x48, 0x01, 0xd8}},               // add rax, rbx
		{"sub_imm", []byte{0x48, 0x83, 0xec, 0x08}},     // sub rsp, 8
		{"cmp", []byte{0x48, 0x39, 0xd8}},               // cmp rax, rbx
		{"inc", []byte{0x48, 0xff, 0xc0}},               // inc rax
		{"dec", []byte{0x48, 0xff, 0xc8}},               // dec rax
		{"neg", []byte{0x48, 0xf7, 0xd8}},               // neg rax
		{"mul", []byte{0x48, 0xf7, 0xe3}},               // mul rbx
		{"imul", []byte{0x48, 0x0f, 0xaf, 0xc3}},        // imul rax, rbx
		{"div", []byte{0x48, 0xf7, 0xf3}},               // div rbx
		{"and", []byte{0x48, 0x21, 0xd8}},               // and rax, rbx
		{"or", []byte{0x48, 0x09, 0xd8}},                // or rax, rbx
		{"xor_self", []byte{0x48, 0x31, 0xc0}},          // xor rax, rax
		{"not", []byte{0x48, 0xf7, 0xd0}},               // not rax
		{"test", []byte{0x48, 0x85, 0xc0}},              // test rax, rax
		{"shl_imm", []byte{0x48, 0xc1, 0xe0, 0x04}},     // shl rax, 4
		{"shr_imm", []byte{0x48, 0xc1, 0xe8, 0x01}},     // shr rax, 1
		{"sar_imm", []byte{0x48, 0xc1, 0xf8, 0x02}},     // sar rax, 2
		{"shl_cl", []byte{0x48, 0xd3, 0xe0}},            // shl rax, cl
		{"jmp_rel", []byte{0xeb, 0x10}},                 // jmp +0x10
		{"jmp_reg", []byte{0xff, 0xe0}},                 // jmp rax
		{"je", []byte{0x74, 0x05}},                      // je +5
		{"jg", []byte{0x7f, 0x05}},                      // jg +5
		{"call_rel", []byte{0xe8, 0x00, 0x10, 0x00, 0x00}}, // call +0x1000
		{"ret", []byte{0xc3}},
		{"ret_imm", []byte{0xc2, 0x08, 0x00}}, // ret 8
		{"leave", []byte{0xc9}},
		{"nop", []byte{0x90}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lf := liftOne(t, Full, tc.code, 0x400000)
			if len(lf.IR) == 0 {
				t.Fatal("empty expansion")
			}
			for i := range lf.IR {
				if lf.IR[i].Addr.Native() != 0x400000 {
					t.Errorf("instr %d: native address = %#x; want 0x400000", i, lf.IR[i].Addr.Native())
				}
				if lf.IR[i].Addr.Index() != uint8(i) {
					t.Errorf("instr %d: micro index = %d; want %d", i, lf.IR[i].Addr.Index(), i)
				}
			}
		})
	}
}

func TestLiftUnsupported(t *testing.T) {
	a := amd64(t)
	ins := decode(t, a, []byte{0x0f, 0xa2}, 0x1000) // cpuid
	_, err := New(a, Full).Lift(ins)
	if !errors.Is(err, ErrUnsupportedInstruction) {
		t.Fatalf("err = %v; want ErrUnsupportedInstruction", err)
	}
}

func TestLiftAllSkipsUnsupported(t *testing.T) {
	a := amd64(t)
	instrs := []arch.NativeInstruction{
		decode(t, a, []byte{0x48, 0x89, 0xd8}, 0x1000), // mov rax, rbx
		decode(t, a, []byte{0x0f, 0xa2}, 0x1003),       // cpuid
		decode(t, a, []byte{0xc3}, 0x1005),             // ret
	}
	lifted, skipped := New(a, Full).LiftAll(instrs)
	if len(lifted) != 2 {
		t.Fatalf("len(lifted) = %d; want 2", len(lifted))
	}
	if len(skipped) != 1 {
		t.Fatalf("len(skipped) = %d; want 1", len(skipped))
	}
	if skipped[0].Address != 0x1003 {
		t.Errorf("skipped address = %#x; want 0x1003", skipped[0].Address)
	}
	if !errors.Is(skipped[0].Err, ErrUnsupportedInstruction) {
		t.Errorf("skipped err = %v; want ErrUnsupportedInstruction", skipped[0].Err)
	}
}

func TestLiteModeOmitsFlags(t *testing.T) {
	code := []byte{0x48, 0x01, 0xd8} // add rax, rbx
	full := liftOne(t, Full, code, 0x1000)
	lite := liftOne(t, Lite, code, 0x1000)
	if len(lite.IR) >= len(full.IR) {
		t.Fatalf("lite expansion (%d ops) not shorter than full (%d ops)", len(lite.IR), len(full.IR))
	}
	for i := range lite.IR {
		if d, ok := lite.IR[i].Dst.(ir.Register); ok {
			switch d.Name {
			case "cf", "pf", "af", "zf", "sf", "of":
				t.Errorf("lite expansion writes flag %s", d.Name)
			}
		}
	}
}

func TestMovWritesDestination(t *testing.T) {
	lf := liftOne(t, Lite, []byte{0x48, 0x89, 0xd8}, 0x1000) // mov rax, rbx
	last := lf.IR[len(lf.IR)-1]
	if last.Op != ir.Str {
		t.Fatalf("last op = %v; want str", last.Op)
	}
	d, ok := last.Dst.(ir.Register)
	if !ok || d.Name != "rax" || d.Bits != 64 {
		t.Fatalf("destination = %v; want rax/64", last.Dst)
	}
}

func TestDirectJumpTarget(t *testing.T) {
	// je +5 at 0x1000 is 2 bytes long; the taken target is 0x1007.
	lf := liftOne(t, Full, []byte{0x74, 0x05}, 0x1000)
	last := lf.IR[len(lf.IR)-1]
	if last.Op != ir.Jcc {
		t.Fatalf("last op = %v; want jcc", last.Op)
	}
	imm, ok := last.Dst.(ir.Immediate)
	if !ok {
		t.Fatalf("jcc target = %v; want immediate", last.Dst)
	}
	want := uint64(0x1007) << 8
	if imm.Value != want {
		t.Errorf("jcc target = %#x; want %#x", imm.Value, want)
	}
}

func TestIndirectJumpShiftsTarget(t *testing.T) {
	lf := liftOne(t, Full, []byte{0xff, 0xe0}, 0x1000) // jmp rax
	last := lf.IR[len(lf.IR)-1]
	if last.Op != ir.Jcc {
		t.Fatalf("last op = %v; want jcc", last.Op)
	}
	if _, ok := last.Dst.(ir.Immediate); ok {
		t.Fatal("indirect jump target must not be an immediate")
	}
	var shifts bool
	for i := range lf.IR {
		if lf.IR[i].Op == ir.Bsh {
			shifts = true
		}
	}
	if !shifts {
		t.Error("indirect jump expansion has no shift to micro-address space")
	}
}

func TestRetEndsWithMarker(t *testing.T) {
	lf := liftOne(t, Full, []byte{0xc3}, 0x1000)
	last := lf.IR[len(lf.IR)-1]
	if last.Op != ir.Ret {
		t.Fatalf("last op = %v; want ret", last.Op)
	}
	var loads, jumps bool
	for i := range lf.IR {
		switch lf.IR[i].Op {
		case ir.Ldm:
			loads = true
		case ir.Jcc:
			jumps = true
		}
	}
	if !loads || !jumps {
		t.Errorf("ret expansion: loads=%v jumps=%v; want both", loads, jumps)
	}
}

func TestVariableShiftLoops(t *testing.T) {
	lf := liftOne(t, Full, []byte{0x48, 0xd3, 0xe0}, 0x1000) // shl rax, cl
	if !lf.Looping {
		t.Fatal("variable-count shift not marked as looping")
	}
	// The backward edge targets a micro-address inside this
	// instruction's own expansion.
	var backward bool
	for i := range lf.IR {
		if lf.IR[i].Op != ir.Jcc {
			continue
		}
		imm, ok := lf.IR[i].Dst.(ir.Immediate)
		if !ok {
			continue
		}
		if imm.Value>>8 == 0x1000 && imm.Value&0xff < uint64(i) {
			backward = true
		}
	}
	if !backward {
		t.Error("no backward edge in looping expansion")
	}
}

func TestImmediateShiftDoesNotLoop(t *testing.T) {
	lf := liftOne(t, Full, []byte{0x48, 0xc1, 0xe0, 0x04}, 0x1000) // shl rax, 4
	if lf.Looping {
		t.Fatal("immediate-count shift marked as looping")
	}
}

func TestPushPopStackDiscipline(t *testing.T) {
	push := liftOne(t, Lite, []byte{0x50}, 0x1000) // push rax
	var stores int
	for i := range push.IR {
		if push.IR[i].Op == ir.Stm {
			stores++
		}
	}
	if stores != 1 {
		t.Errorf("push emits %d stores; want 1", stores)
	}

	pop := liftOne(t, Lite, []byte{0x58}, 0x1000) // pop rax
	var loads int
	for i := range pop.IR {
		if pop.IR[i].Op == ir.Ldm {
			loads++
		}
	}
	if loads != 1 {
		t.Errorf("pop emits %d loads; want 1", loads)
	}
}

func TestCallPushesReturnAddress(t *testing.T) {
	// call +0x1000 at 0x2000 is 5 bytes; the return address is 0x2005.
	lf := liftOne(t, Full, []byte{0xe8, 0x00, 0x10, 0x00, 0x00}, 0x2000)
	var found bool
	for i := range lf.IR {
		if lf.IR[i].Op != ir.Stm {
			continue
		}
		if imm, ok := lf.IR[i].Src1.(ir.Immediate); ok && imm.Value == 0x2005 {
			found = true
		}
	}
	if !found {
		t.Error("call expansion does not push the return address")
	}
}
