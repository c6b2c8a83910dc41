package inst

import "fmt"

// operandSizes maps each opcode to the number of operand bytes that follow
// it in the encoded stream.
var operandSizes = genOperandSizes()

func genOperandSizes() [OpcodeCount]int {
	var sizes [OpcodeCount]int
	for _, op := range []Opcode{ENTER, LEAVE, CONST, LOCAL, BLOCK_COPY} {
		sizes[op] = 4
	}
	for op := EQ; op <= GEF; op++ {
		sizes[op] = 4
	}
	sizes[ARG] = 1
	return sizes
}

// OperandSize returns the encoded operand width of op in bytes: 0, 1, or 4.
func OperandSize(op Opcode) int {
	if op >= OpcodeCount {
		return 0
	}
	return operandSizes[op]
}

var opcodeNames = [OpcodeCount]string{
	"UNDEF", "IGNORE", "BREAK", "ENTER", "LEAVE", "CALL", "PUSH", "POP",
	"CONST", "LOCAL", "JUMP",
	"EQ", "NE", "LTI", "LEI", "GTI", "GEI", "LTU", "LEU", "GTU", "GEU",
	"EQF", "NEF", "LTF", "LEF", "GTF", "GEF",
	"LOAD1", "LOAD2", "LOAD4", "STORE1", "STORE2", "STORE4",
	"ARG", "BLOCK_COPY", "SEX8", "SEX16",
	"NEGI", "ADD", "SUB", "DIVI", "DIVU", "MODI", "MODU", "MULI", "MULU",
	"BAND", "BOR", "BXOR", "BCOM", "LSH", "RSHI", "RSHU",
	"NEGF", "ADDF", "SUBF", "DIVF", "MULF", "CVIF", "CVFI",
}

func (op Opcode) String() string {
	if op >= OpcodeCount {
		return fmt.Sprintf("Opcode(%d)", uint8(op))
	}
	return opcodeNames[op]
}

// String renders the instruction the way a disassembly listing would show
// it, e.g. "CONST 0x7b" or "PUSH".
func (i Instruction) String() string {
	switch i.Kind {
	case OperandFloat:
		return fmt.Sprintf("%s %g", i.Op, i.Float)
	case OperandInt:
		return fmt.Sprintf("%s %#x", i.Op, i.Int)
	default:
		return i.Op.String()
	}
}
