package ir

import "testing"

func TestAddress(t *testing.T) {
	a := NewAddress(0x401000, 3)
	if a.Native() != 0x401000 {
		t.Errorf("Native() = %#x; want 0x401000", a.Native())
	}
	if a.Index() != 3 {
		t.Errorf("Index() = %d; want 3", a.Index())
	}
	if a.Next().Index() != 4 || a.Next().Native() != 0x401000 {
		t.Errorf("Next() = %s; want index 4 at the same native address", a.Next())
	}
	if got := a.String(); got != "0x401000:03" {
		t.Errorf("String() = %q; want %q", got, "0x401000:03")
	}
}

func TestBuilderAddresses(t *testing.T) {
	b := NewBuilder(0x1000)
	t0 := b.Temp(64)
	t1 := b.Temp(64)
	if t0.ID == t1.ID {
		t.Fatal("temporaries share an ID")
	}
	b.Str(Register{Name: "rax", Bits: 64}, t0)
	b.Add(t0, Imm(1, 64), t1)
	b.Str(t1, Register{Name: "rax", Bits: 64})
	instrs := b.Instructions()
	if len(instrs) != 3 {
		t.Fatalf("emitted %d instructions; want 3", len(instrs))
	}
	for i, ins := range instrs {
		if ins.Addr.Native() != 0x1000 || int(ins.Addr.Index()) != i {
			t.Errorf("instruction %d at %s; want index %d at 0x1000", i, ins.Addr, i)
		}
		if err := ins.Validate(); err != nil {
			t.Errorf("instruction %d: %v", i, err)
		}
	}
}

func TestValidateRejectsSharedSlot(t *testing.T) {
	r := Register{Name: "rax", Bits: 64}
	ins := Instruction{Op: Add, Src1: r, Src2: Imm(1, 64), Dst: r}
	if err := ins.Validate(); err == nil {
		t.Error("Validate accepted an operand serving as both source and destination")
	}
}

func TestValidateAllowsStmAddressReuse(t *testing.T) {
	// Stm's destination slot holds the store address, which is a read,
	// so it may legally repeat a source.
	r := Register{Name: "rax", Bits: 64}
	ins := Instruction{Op: Stm, Src1: r, Src2: Empty{}, Dst: r}
	if err := ins.Validate(); err != nil {
		t.Errorf("Validate rejected a store through its own value: %v", err)
	}
}

func TestValidateRejectsWidthlessSource(t *testing.T) {
	ins := Instruction{Op: Str, Src1: Register{Name: "rax"}, Src2: Empty{}, Dst: Register{Name: "rbx", Bits: 64}}
	if err := ins.Validate(); err == nil {
		t.Error("Validate accepted a source operand without a width")
	}
}

func TestImmTwosComplement(t *testing.T) {
	tests := []struct {
		v    int64
		bits int
		want uint64
	}{
		{-1, 8, 0xff},
		{-1, 64, 0xffffffffffffffff},
		{-8, 64, 0xfffffffffffffff8},
		{5, 32, 5},
	}
	for _, tt := range tests {
		got := Imm(tt.v, tt.bits)
		if got.Value != tt.want {
			t.Errorf("Imm(%d, %d).Value = %#x; want %#x", tt.v, tt.bits, got.Value, tt.want)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	b := NewBuilder(0x1000)
	t0 := b.Temp(32)
	b.Str(Register{Name: "eax", Bits: 32}, t0)
	b.Add(t0, Imm(-1, 32), Register{Name: "eax", Bits: 32})
	b.Bisz(Register{Name: "eax", Bits: 32}, Register{Name: "zf", Bits: 1})
	b.Jcc(Register{Name: "zf", Bits: 1}, Immediate{Value: 0x2000 << 8, Bits: 64})
	b.Nop()

	for _, ins := range b.Instructions() {
		got, err := ParseInstruction(ins.String())
		if err != nil {
			t.Fatalf("parsing %q: %v", ins.String(), err)
		}
		// The address is not part of the textual form.
		got.Addr = ins.Addr
		if got != ins {
			t.Errorf("round trip of %q = %+v; want %+v", ins.String(), got, ins)
		}
	}
}

func TestParseSkipsBlanksAndComments(t *testing.T) {
	instrs, err := Parse("\n; setup\nstr   [QWORD rax, EMPTY, QWORD t0]\n\nnop   [EMPTY, EMPTY, EMPTY]\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(instrs) != 2 {
		t.Fatalf("parsed %d instructions; want 2", len(instrs))
	}
	if instrs[0].Op != Str || instrs[1].Op != Nop {
		t.Errorf("opcodes = %s, %s; want str, nop", instrs[0].Op, instrs[1].Op)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"frob [EMPTY, EMPTY, EMPTY]",             // unknown mnemonic
		"add [QWORD rax, QWORD rbx]",             // missing operand
		"add [TWORD rax, QWORD rbx, QWORD rcx]",  // unknown size
		"nop [EMPTY, EMPTY, EMPTY] trailing",     // trailing input
		"add [QWORD 0xzz, QWORD rbx, QWORD rcx]", // bad immediate
	}
	for _, in := range tests {
		if _, err := ParseInstruction(in); err == nil {
			t.Errorf("ParseInstruction(%q) succeeded; want error", in)
		}
	}
}
