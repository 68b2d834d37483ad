package arch

import (
	"fmt"
)

// Arch defines an interface for representing a CPU architecture to the
// lifter and the formula translator. Implementations are immutable after
// construction and may be shared freely between goroutines.
type Arch interface {
	// Name returns the canonical architecture name ("amd64", "386").
	Name() string
	// PtrSize returns the size of a pointer, in bytes.
	PtrSize() int
	// AddrBits returns the width of a memory address, in bits.
	AddrBits() int
	// WordBits returns the width of the native machine word, in bits.
	WordBits() int
	// Registers returns every register the architecture exposes,
	// parents and aliases alike.
	Registers() []Register
	// RegisterWidth returns the width in bits of the named register.
	RegisterWidth(name string) (int, bool)
	// Alias resolves a register name to a view over its parent
	// register. Parent registers resolve to a view over themselves.
	Alias(name string) (AliasView, bool)
	// FlagAlias resolves a flag name to its single-bit view over the
	// flags register.
	FlagAlias(name string) (AliasView, bool)
	// BaseRegisters returns the parent registers that make up the
	// architecture state: general purpose parents, the instruction
	// pointer and the flags register.
	BaseRegisters() []string
	// StackPointer returns the name of the stack pointer register.
	StackPointer() string
	// FramePointer returns the name of the frame pointer register.
	FramePointer() string
	// InstructionPointer returns the name of the instruction pointer.
	InstructionPointer() string
	// FlagsRegister returns the name of the flags bitfield register.
	FlagsRegister() string
	// Decode decodes the instruction starting at mem[0] located at pc.
	Decode(mem []byte, pc uint64) (NativeInstruction, error)
	// IsControlTransfer reports whether ins redirects control flow.
	IsControlTransfer(ins *NativeInstruction) bool
}

// Register describes a single named register.
type Register struct {
	Name  string
	Width int // bits
}

// AliasView describes how a register alias maps onto its parent: the
// alias occupies Width bits of Parent starting at bit Shift. Flag views
// always have Width 1; only the least significant bit of any wider
// value written through a flag alias is meaningful.
type AliasView struct {
	Parent string
	Shift  int
	Width  int
}

// New returns the architecture model for the given name.
func New(name string) (Arch, error) {
	switch name {
	case "amd64", "x86_64":
		return newAMD64()
	case "386", "i386", "x86":
		return newI386()
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}

// checkTables validates the register and alias tables of an
// architecture at construction time. A malformed model is fatal: no
// per-instruction recovery is possible if the register file itself is
// inconsistent.
func checkTables(regs []Register, widths map[string]int, aliases map[string]AliasView, flags map[string]AliasView, base []string) error {
	for _, r := range regs {
		if r.Width <= 0 {
			return fmt.Errorf("register %s has invalid width %d", r.Name, r.Width)
		}
	}
	for name, v := range aliases {
		pw, ok := widths[v.Parent]
		if !ok {
			return fmt.Errorf("alias %s references unknown parent %s", name, v.Parent)
		}
		if v.Shift+v.Width > pw {
			return fmt.Errorf("alias %s exceeds parent %s (%d+%d > %d)", name, v.Parent, v.Shift, v.Width, pw)
		}
		if w, ok := widths[name]; !ok || w != v.Width {
			return fmt.Errorf("alias %s width mismatch", name)
		}
	}
	for name, v := range flags {
		if v.Width != 1 {
			return fmt.Errorf("flag %s must be a single-bit view", name)
		}
		if _, ok := widths[v.Parent]; !ok {
			return fmt.Errorf("flag %s references unknown register %s", name, v.Parent)
		}
	}
	for _, name := range base {
		if _, ok := widths[name]; !ok {
			return fmt.Errorf("base register %s not in register table", name)
		}
	}
	return nil
}
