package arch

// x86Arch is the shared implementation behind the AMD64 and I386
// models. The two differ only in their register tables and decode mode.
type x86Arch struct {
	name     string
	mode     int // x86asm decode mode: 32 or 64
	ptrSize  int
	regs     []Register
	widths   map[string]int
	aliases  map[string]AliasView
	flags    map[string]AliasView
	base     []string
	sp       string
	fp       string
	ip       string
	flagsReg string
}

func (a *x86Arch) Name() string               { return a.name }
func (a *x86Arch) PtrSize() int               { return a.ptrSize }
func (a *x86Arch) AddrBits() int              { return a.ptrSize * 8 }
func (a *x86Arch) WordBits() int              { return a.ptrSize * 8 }
func (a *x86Arch) StackPointer() string       { return a.sp }
func (a *x86Arch) FramePointer() string       { return a.fp }
func (a *x86Arch) InstructionPointer() string { return a.ip }
func (a *x86Arch) FlagsRegister() string      { return a.flagsReg }

func (a *x86Arch) Registers() []Register {
	return a.regs
}

func (a *x86Arch) RegisterWidth(name string) (int, bool) {
	w, ok := a.widths[name]
	return w, ok
}

func (a *x86Arch) Alias(name string) (AliasView, bool) {
	if v, ok := a.aliases[name]; ok {
		return v, true
	}
	if v, ok := a.flags[name]; ok {
		return v, true
	}
	if w, ok := a.widths[name]; ok {
		return AliasView{Parent: name, Shift: 0, Width: w}, true
	}
	return AliasView{}, false
}

func (a *x86Arch) FlagAlias(name string) (AliasView, bool) {
	v, ok := a.flags[name]
	return v, ok
}

func (a *x86Arch) BaseRegisters() []string {
	return a.base
}

// x86Flags is the layout of the x86 flags bitfield. It is identical in
// 32 and 64 bit mode; only the width of the containing register changes.
var x86Flags = map[string]int{
	"cf": 0,
	"pf": 2,
	"af": 4,
	"zf": 6,
	"sf": 7,
	"df": 10,
	"of": 11,
}

func x86FlagViews(parent string) map[string]AliasView {
	m := make(map[string]AliasView, len(x86Flags))
	for name, bit := range x86Flags {
		m[name] = AliasView{Parent: parent, Shift: bit, Width: 1}
	}
	return m
}
