package arch

// amd64 register tables. Parent registers carry the architectural
// state; everything else is an (offset, width) view over a parent.

var amd64Parents = []string{
	"rax", "rbx", "rcx", "rdx", "rdi", "rsi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags",
}

var amd64Aliases = map[string]AliasView{
	"eax": {Parent: "rax", Shift: 0, Width: 32},
	"ebx": {Parent: "rbx", Shift: 0, Width: 32},
	"ecx": {Parent: "rcx", Shift: 0, Width: 32},
	"edx": {Parent: "rdx", Shift: 0, Width: 32},
	"edi": {Parent: "rdi", Shift: 0, Width: 32},
	"esi": {Parent: "rsi", Shift: 0, Width: 32},
	"ebp": {Parent: "rbp", Shift: 0, Width: 32},
	"esp": {Parent: "rsp", Shift: 0, Width: 32},
	"eip": {Parent: "rip", Shift: 0, Width: 32},

	"ax": {Parent: "rax", Shift: 0, Width: 16},
	"bx": {Parent: "rbx", Shift: 0, Width: 16},
	"cx": {Parent: "rcx", Shift: 0, Width: 16},
	"dx": {Parent: "rdx", Shift: 0, Width: 16},
	"di": {Parent: "rdi", Shift: 0, Width: 16},
	"si": {Parent: "rsi", Shift: 0, Width: 16},
	"bp": {Parent: "rbp", Shift: 0, Width: 16},
	"sp": {Parent: "rsp", Shift: 0, Width: 16},

	"al": {Parent: "rax", Shift: 0, Width: 8},
	"bl": {Parent: "rbx", Shift: 0, Width: 8},
	"cl": {Parent: "rcx", Shift: 0, Width: 8},
	"dl": {Parent: "rdx", Shift: 0, Width: 8},
	"ah": {Parent: "rax", Shift: 8, Width: 8},
	"bh": {Parent: "rbx", Shift: 8, Width: 8},
	"ch": {Parent: "rcx", Shift: 8, Width: 8},
	"dh": {Parent: "rdx", Shift: 8, Width: 8},

	"dil": {Parent: "rdi", Shift: 0, Width: 8},
	"sil": {Parent: "rsi", Shift: 0, Width: 8},
	"bpl": {Parent: "rbp", Shift: 0, Width: 8},
	"spl": {Parent: "rsp", Shift: 0, Width: 8},
}

func init() {
	for _, r := range []string{"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"} {
		amd64Aliases[r+"d"] = AliasView{Parent: r, Shift: 0, Width: 32}
		amd64Aliases[r+"w"] = AliasView{Parent: r, Shift: 0, Width: 16}
		amd64Aliases[r+"b"] = AliasView{Parent: r, Shift: 0, Width: 8}
	}
}

func newAMD64() (Arch, error) {
	widths := make(map[string]int)
	var regs []Register
	for _, name := range amd64Parents {
		widths[name] = 64
		regs = append(regs, Register{Name: name, Width: 64})
	}
	for name, v := range amd64Aliases {
		widths[name] = v.Width
		regs = append(regs, Register{Name: name, Width: v.Width})
	}
	flags := x86FlagViews("rflags")
	for name := range flags {
		widths[name] = 1
		regs = append(regs, Register{Name: name, Width: 1})
	}

	a := &x86Arch{
		name:     "amd64",
		mode:     64,
		ptrSize:  8,
		regs:     regs,
		widths:   widths,
		aliases:  amd64Aliases,
		flags:    flags,
		base:     amd64Parents,
		sp:       "rsp",
		fp:       "rbp",
		ip:       "rip",
		flagsReg: "rflags",
	}
	if err := checkTables(regs, widths, amd64Aliases, flags, amd64Parents); err != nil {
		return nil, err
	}
	return a, nil
}
