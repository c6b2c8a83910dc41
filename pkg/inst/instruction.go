// Package inst defines the Quake 3 VM instruction set and its byte-level
// encoding. See https://www.icculus.org/~phaethon/q3mc/q3vm_specs.html for
// the semantics of the opcodes themselves; this package only assembles and
// disassembles them.
package inst

import (
	"math"

	"github.com/pkg/errors"
)

// Opcode is the operation performed by an instruction.
type Opcode uint8

const (
	UNDEF Opcode = iota
	IGNORE
	BREAK
	ENTER
	LEAVE
	CALL
	PUSH
	POP
	CONST
	LOCAL
	JUMP
	EQ
	NE
	LTI
	LEI
	GTI
	GEI
	LTU
	LEU
	GTU
	GEU
	EQF
	NEF
	LTF
	LEF
	GTF
	GEF
	LOAD1
	LOAD2
	LOAD4
	STORE1
	STORE2
	STORE4
	ARG
	BLOCK_COPY
	SEX8
	SEX16
	NEGI
	ADD
	SUB
	DIVI
	DIVU
	MODI
	MODU
	MULI
	MULU
	BAND
	BOR
	BXOR
	BCOM
	LSH
	RSHI
	RSHU
	NEGF
	ADDF
	SUBF
	DIVF
	MULF
	CVIF
	CVFI

	OpcodeCount
)

// OperandKind says which of an Instruction's operand fields is meaningful.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandInt
	OperandFloat
)

// Instruction is a single qvm instruction: an opcode plus an optional
// operand.
//
// ENTER, LEAVE, LOCAL, BLOCK_COPY, and the comparisons EQ through GEF take a
// 32-bit integer operand. CONST takes either a 32-bit integer or a 32-bit
// float; it is the only opcode that may carry a float. Assembling an
// instruction leaves its operand kind as it is, but Disassemble sees only
// bytes and returns a float operand as an integer with the same bits. ARG
// takes an 8-bit integer. All other opcodes take no operand.
//
// Operand values are validated when the instruction is assembled.
type Instruction struct {
	Op    Opcode
	Kind  OperandKind
	Int   int64
	Float float32
}

// New returns an instruction with no operand.
func New(op Opcode) Instruction {
	return Instruction{Op: op}
}

// NewInt returns an instruction with an integer operand.
func NewInt(op Opcode, operand int64) Instruction {
	return Instruction{Op: op, Kind: OperandInt, Int: operand}
}

// NewFloat returns a CONST instruction with a float operand.
func NewFloat(operand float32) Instruction {
	return Instruction{Op: CONST, Kind: OperandFloat, Float: operand}
}

// Errors reported by the codec.
var (
	ErrInvalidOperand = errors.New("invalid operand")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrTruncated      = errors.New("truncated instruction stream")
)

// Validate checks that the operand matches the opcode's operand size.
func (i Instruction) Validate() error {
	if i.Op >= OpcodeCount {
		return errors.Wrapf(ErrUnknownOpcode, "%d", i.Op)
	}
	size := OperandSize(i.Op)

	switch i.Kind {
	case OperandNone:
		if size != 0 {
			return errors.Wrapf(ErrInvalidOperand, "%s requires an operand", i.Op)
		}

	case OperandFloat:
		if i.Op != CONST {
			return errors.Wrapf(ErrInvalidOperand, "only CONST can take a float operand, not %s", i.Op)
		}

	case OperandInt:
		if size == 0 {
			return errors.Wrapf(ErrInvalidOperand, "%s does not take an operand", i.Op)
		}
		min := int64(-1) << (size*8 - 1)
		max := int64(1)<<(size*8) - 1
		if i.Int < min || i.Int > max {
			return errors.Wrapf(ErrInvalidOperand, "%#x out of range for %s", i.Int, i.Op)
		}

	default:
		return errors.Wrapf(ErrInvalidOperand, "bad operand kind %d", i.Kind)
	}

	return nil
}

// Assemble encodes the instruction as an opcode byte followed by the
// little-endian encoding of its operand, if any. Negative integer operands
// are encoded in two's complement.
func (i Instruction) Assemble() ([]byte, error) {
	return i.appendTo(nil)
}

func (i Instruction) appendTo(code []byte) ([]byte, error) {
	if err := i.Validate(); err != nil {
		return nil, err
	}

	code = append(code, byte(i.Op))

	switch i.Kind {
	case OperandFloat:
		bits := math.Float32bits(i.Float)
		code = append(code, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	case OperandInt:
		v := uint64(i.Int)
		for b := 0; b < OperandSize(i.Op); b++ {
			code = append(code, byte(v>>(8*b)))
		}
	}

	return code, nil
}

// Assemble encodes a sequence of instructions back to back, with no padding.
func Assemble(instructions []Instruction) ([]byte, error) {
	var code []byte
	var err error
	for _, instruction := range instructions {
		if code, err = instruction.appendTo(code); err != nil {
			return nil, err
		}
	}
	return code, nil
}

// Disassemble decodes instructions until the input is exhausted. Integer
// operands are decoded as unsigned; CONST operands come back as integers
// because the raw bytes alone do not say whether they were meant as floats.
func Disassemble(code []byte) ([]Instruction, error) {
	var instructions []Instruction

	for pos := 0; pos < len(code); {
		op := Opcode(code[pos])
		if op >= OpcodeCount {
			return nil, errors.Wrapf(ErrUnknownOpcode, "%#x at offset %#x", code[pos], pos)
		}
		pos++

		size := OperandSize(op)
		if size == 0 {
			instructions = append(instructions, New(op))
			continue
		}

		if pos+size > len(code) {
			return nil, errors.Wrapf(ErrTruncated, "%s at offset %#x needs %d operand bytes", op, pos-1, size)
		}
		var operand uint64
		for b := 0; b < size; b++ {
			operand |= uint64(code[pos+b]) << (8 * b)
		}
		pos += size

		instructions = append(instructions, NewInt(op, int64(operand)))
	}

	return instructions, nil
}
