package arch

var i386Parents = []string{
	"eax", "ebx", "ecx", "edx", "edi", "esi", "ebp", "esp",
	"eip", "eflags",
}

var i386Aliases = map[string]AliasView{
	"ax": {Parent: "eax", Shift: 0, Width: 16},
	"bx": {Parent: "ebx", Shift: 0, Width: 16},
	"cx": {Parent: "ecx", Shift: 0, Width: 16},
	"dx": {Parent: "edx", Shift: 0, Width: 16},
	"di": {Parent: "edi", Shift: 0, Width: 16},
	"si": {Parent: "esi", Shift: 0, Width: 16},
	"bp": {Parent: "ebp", Shift: 0, Width: 16},
	"sp": {Parent: "esp", Shift: 0, Width: 16},

	"al": {Parent: "eax", Shift: 0, Width: 8},
	"bl": {Parent: "ebx", Shift: 0, Width: 8},
	"cl": {Parent: "ecx", Shift: 0, Width: 8},
	"dl": {Parent: "edx", Shift: 0, Width: 8},
	"ah": {Parent: "eax", Shift: 8, Width: 8},
	"bh": {Parent: "ebx", Shift: 8, Width: 8},
	"ch": {Parent: "ecx", Shift: 8, Width: 8},
	"dh": {Parent: "edx", Shift: 8, Width: 8},
}

func newI386() (Arch, error) {
	widths := make(map[string]int)
	var regs []Register
	for _, name := range i386Parents {
		widths[name] = 32
		regs = append(regs, Register{Name: name, Width: 32})
	}
	for name, v := range i386Aliases {
		widths[name] = v.Width
		regs = append(regs, Register{Name: name, Width: v.Width})
	}
	flags := x86FlagViews("eflags")
	for name := range flags {
		widths[name] = 1
		regs = append(regs, Register{Name: name, Width: 1})
	}

	a := &x86Arch{
		name:     "386",
		mode:     32,
		ptrSize:  4,
		regs:     regs,
		widths:   widths,
		aliases:  i386Aliases,
		flags:    flags,
		base:     i386Parents,
		sp:       "esp",
		fp:       "ebp",
		ip:       "eip",
		flagsReg: "eflags",
	}
	if err := checkTables(regs, widths, i386Aliases, flags, i386Parents); err != nil {
		return nil, err
	}
	return a, nil
}
