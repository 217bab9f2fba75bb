package bytecode

import (
	"fmt"
	"sort"
	"strings"
)

// Disassemble returns a human-readable listing with byte offsets.
// Decoding stops at the first malformed instruction, which is reported
// both in the listing and as the error.
func Disassemble(code []byte, addrSize int) (string, error) {
	return DisassembleWithName(code, addrSize, "")
}

// DisassembleWithName returns a human-readable listing with a name header.
func DisassembleWithName(code []byte, addrSize int, name string) (string, error) {
	var sb strings.Builder

	// Header
	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; %d bytes, address size %d\n", len(code), addrSize))

	offset := 0
	for offset < len(code) {
		in, err := Decode(code, offset, addrSize)
		if err != nil {
			sb.WriteString(fmt.Sprintf("%04X  <%v>\n", offset, err))
			return sb.String(), err
		}

		line := formatInstruction(in, "")
		if in.Op.IsJump() {
			sb.WriteString(fmt.Sprintf("%04X  %-30s ; -> %04X\n", offset, line, in.Target()))
		} else {
			sb.WriteString(fmt.Sprintf("%04X  %s\n", offset, line))
		}
		offset = in.Next()
	}

	return sb.String(), nil
}

// Listing returns assembler source for code: one operation per line, with
// jump targets replaced by labels. Assembling the listing reproduces the
// original bytes.
func Listing(code []byte, addrSize int) (string, error) {
	instrs, err := DecodeAll(code, addrSize)
	if err != nil {
		return "", err
	}

	starts := make(map[int]bool, len(instrs)+1)
	for _, in := range instrs {
		starts[in.Offset] = true
	}
	starts[len(code)] = true

	// Jumps into the middle of an instruction keep their numeric offset.
	labels := make(map[int]string)
	for _, in := range instrs {
		if in.Op.IsJump() && starts[in.Target()] {
			labels[in.Target()] = fmt.Sprintf("L%04X", in.Target())
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(".address_size %d\n", addrSize))
	for _, in := range instrs {
		if l, ok := labels[in.Offset]; ok {
			sb.WriteString(l + ":\n")
		}
		label := ""
		if in.Op.IsJump() {
			label = labels[in.Target()]
		}
		sb.WriteString("    " + formatInstruction(in, label) + "\n")
	}
	if l, ok := labels[len(code)]; ok {
		sb.WriteString(l + ":\n")
	}
	return sb.String(), nil
}

// formatInstruction renders an instruction as "name operand...". A
// non-empty label replaces a jump offset.
func formatInstruction(in Instruction, label string) string {
	info := GetOpcodeInfo(in.Op)
	if len(info.Operands) == 0 {
		return info.Name
	}
	parts := []string{info.Name}
	for i, kind := range info.Operands {
		switch {
		case kind == OperandRel16 && label != "":
			parts = append(parts, label)
		case kind == OperandRel16:
			parts = append(parts, fmt.Sprintf("%+d", in.SignedArg(i)))
		case kind.Signed():
			parts = append(parts, fmt.Sprintf("%d", in.SignedArg(i)))
		case kind == OperandU8:
			parts = append(parts, fmt.Sprintf("%d", in.Arg(i)))
		default:
			parts = append(parts, fmt.Sprintf("0x%x", in.Arg(i)))
		}
	}
	return strings.Join(parts, " ")
}

// OpcodeTable returns a listing of every defined opcode with its code,
// stack effect and operands, in numeric order.
func OpcodeTable() string {
	var sb strings.Builder
	ops := AllOpcodes()
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	for _, op := range ops {
		info := GetOpcodeInfo(op)
		kinds := make([]string, len(info.Operands))
		for i, k := range info.Operands {
			kinds[i] = k.String()
		}
		note := ""
		if !info.Evaluable {
			note = "  (location only)"
		}
		sb.WriteString(fmt.Sprintf("0x%02X  %-12s pop=%d push=%d  %s%s\n",
			byte(op), info.Name, info.StackPop, info.StackPush, strings.Join(kinds, ","), note))
	}
	return sb.String()
}
