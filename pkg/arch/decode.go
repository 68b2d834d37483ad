package arch

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionLength is the longest encodable x86 instruction.
const MaxInstructionLength = 15

// NativeInstruction is one decoded machine instruction. It wraps the
// decoder's representation so that consumers do not depend on the
// decoder package directly.
type NativeInstruction struct {
	Address uint64
	Bytes   []byte
	Len     int
	Inst    x86asm.Inst
	Text    string
}

// Mnemonic returns the lower-case instruction mnemonic.
func (ins *NativeInstruction) Mnemonic() string {
	return strings.ToLower(ins.Inst.Op.String())
}

// Decode decodes the instruction starting at mem[0], located at pc.
func (a *x86Arch) Decode(mem []byte, pc uint64) (NativeInstruction, error) {
	inst, err := x86asm.Decode(mem, a.mode)
	if err != nil {
		return NativeInstruction{}, err
	}
	patchPCRel(pc, &inst)
	return NativeInstruction{
		Address: pc,
		Bytes:   mem[:inst.Len],
		Len:     inst.Len,
		Inst:    inst,
		Text:    x86asm.IntelSyntax(inst, pc, nil),
	}, nil
}

// patchPCRel converts PC relative arguments to absolute addresses.
func patchPCRel(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}

// IsControlTransfer reports whether ins redirects control flow: a
// return, any jump, a call, or an interrupt-style transfer.
func (a *x86Arch) IsControlTransfer(ins *NativeInstruction) bool {
	switch ins.Inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET,
		x86asm.JMP, x86asm.LJMP,
		x86asm.CALL, x86asm.LCALL,
		x86asm.SYSCALL, x86asm.SYSRET, x86asm.INT,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return isCondJump(ins.Inst.Op)
}

func isCondJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JO, x86asm.JNO, x86asm.JP, x86asm.JNP,
		x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return true
	}
	return false
}

// IsCondJump reports whether ins is a conditional jump.
func IsCondJump(ins *NativeInstruction) bool {
	return isCondJump(ins.Inst.Op)
}

// IsRet reports whether ins is a near or far return.
func IsRet(ins *NativeInstruction) bool {
	return ins.Inst.Op == x86asm.RET || ins.Inst.Op == x86asm.LRET
}

// IsCall reports whether ins is a near or far call.
func IsCall(ins *NativeInstruction) bool {
	return ins.Inst.Op == x86asm.CALL || ins.Inst.Op == x86asm.LCALL
}

// IsIndirectTransfer reports whether ins is a jump or call through a
// register or memory operand, i.e. a transfer whose target cannot be
// resolved statically.
func IsIndirectTransfer(ins *NativeInstruction) bool {
	switch ins.Inst.Op {
	case x86asm.JMP, x86asm.CALL, x86asm.LJMP, x86asm.LCALL:
		switch ins.Inst.Args[0].(type) {
		case x86asm.Reg, x86asm.Mem:
			return true
		}
	}
	return false
}

// RegisterName returns the canonical lower-case name of a decoder
// register value.
func RegisterName(r x86asm.Reg) string {
	return strings.ToLower(r.String())
}
