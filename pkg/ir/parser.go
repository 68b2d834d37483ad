package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// The textual form of the IR is parsed by a hand-written scanner. The
// grammar, in EBNF:
//
//	instruction = mnemonic "[" operand "," operand "," operand "]" .
//	operand     = "EMPTY" | size value .
//	size        = "BIT" | "BYTE" | "WORD" | "DWORD" | "QWORD" | "DQWORD" .
//	value       = immediate | temporary | register .
//	immediate   = [ "0x" ] digits .
//	temporary   = "t" digits .
//	register    = letter { letter | digit } .
//	mnemonic    = one of the Opcode names .
//
// Whitespace between tokens is insignificant. The printed form of any
// Instruction parses back to an equal Instruction.

// ParseInstruction parses a single micro-operation in its textual form.
// The address is not part of the textual form; the caller assigns it.
func ParseInstruction(s string) (Instruction, error) {
	p := &parser{input: s}
	ins, err := p.instruction()
	if err != nil {
		return Instruction{}, fmt.Errorf("parsing %q: %w", s, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return Instruction{}, fmt.Errorf("parsing %q: trailing input at %d", s, p.pos)
	}
	return ins, nil
}

// Parse parses newline-separated micro-operations. Blank lines and
// lines starting with ';' are skipped.
func Parse(s string) ([]Instruction, error) {
	var out []Instruction
	for i, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		ins, err := ParseInstruction(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, ins)
	}
	return out, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) word() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == ',' || c == '[' || c == ']' {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != c {
		return fmt.Errorf("expected %q at offset %d", string(c), p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) instruction() (Instruction, error) {
	mnemonic := p.word()
	op, ok := OpcodeFromString(mnemonic)
	if !ok {
		return Instruction{}, fmt.Errorf("unknown mnemonic %q", mnemonic)
	}
	if err := p.expect('['); err != nil {
		return Instruction{}, err
	}
	var operands [3]Operand
	for i := 0; i < 3; i++ {
		if i > 0 {
			if err := p.expect(','); err != nil {
				return Instruction{}, err
			}
		}
		o, err := p.operand()
		if err != nil {
			return Instruction{}, err
		}
		operands[i] = o
	}
	if err := p.expect(']'); err != nil {
		return Instruction{}, err
	}
	return Instruction{Op: op, Src1: operands[0], Src2: operands[1], Dst: operands[2]}, nil
}

func (p *parser) operand() (Operand, error) {
	sizeOrEmpty := p.word()
	if sizeOrEmpty == "EMPTY" {
		return Empty{}, nil
	}
	bits, ok := widthFromName(sizeOrEmpty)
	if !ok {
		return nil, fmt.Errorf("unknown operand size %q", sizeOrEmpty)
	}
	value := p.word()
	if value == "" {
		return nil, fmt.Errorf("operand value missing at offset %d", p.pos)
	}
	if isImmediate(value) {
		v, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), immBase(value), 64)
		if err != nil {
			return nil, fmt.Errorf("bad immediate %q: %v", value, err)
		}
		return Immediate{Value: v, Bits: bits}, nil
	}
	if id, ok := temporaryID(value); ok {
		return Temporary{ID: id, Bits: bits}, nil
	}
	return Register{Name: value, Bits: bits}, nil
}

func isImmediate(s string) bool {
	if strings.HasPrefix(s, "0x") {
		return len(s) > 2
	}
	return s[0] >= '0' && s[0] <= '9'
}

func immBase(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

func temporaryID(s string) (int, bool) {
	if len(s) < 2 || s[0] != 't' {
		return 0, false
	}
	id, err := strconv.Atoi(s[1:])
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
