package inst

import (
	"bytes"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestOperandSizes(t *testing.T) {
	tests := []struct {
		op   Opcode
		want int
	}{
		{ENTER, 4},
		{LEAVE, 4},
		{CONST, 4},
		{LOCAL, 4},
		{BLOCK_COPY, 4},
		{EQ, 4},
		{GEF, 4},
		{LTU, 4},
		{ARG, 1},
		{UNDEF, 0},
		{BREAK, 0},
		{CALL, 0},
		{PUSH, 0},
		{LOAD4, 0},
		{STORE4, 0},
		{SEX8, 0},
		{CVFI, 0},
	}
	for _, tc := range tests {
		if got := OperandSize(tc.op); got != tc.want {
			t.Errorf("OperandSize(%s) = %d, want %d", tc.op, got, tc.want)
		}
	}

	// every comparison between EQ and GEF takes a 4-byte branch target
	for op := EQ; op <= GEF; op++ {
		if OperandSize(op) != 4 {
			t.Errorf("OperandSize(%s) = %d, want 4", op, OperandSize(op))
		}
	}
}

func TestAssembleOne(t *testing.T) {
	tests := []struct {
		name string
		in   Instruction
		want []byte
	}{
		{"no operand", New(PUSH), []byte{0x06}},
		{"const", NewInt(CONST, 0x7B), []byte{0x08, 0x7B, 0x00, 0x00, 0x00}},
		{"arg", NewInt(ARG, 0x14), []byte{0x21, 0x14}},
		{"negative", NewInt(ENTER, -4), []byte{0x03, 0xFC, 0xFF, 0xFF, 0xFF}},
		{"unsigned max", NewInt(CONST, 0xFFFFFFFF), []byte{0x08, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"float", NewFloat(1.5), []byte{0x08, 0x00, 0x00, 0xC0, 0x3F}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.in.Assemble()
			if err != nil {
				t.Fatalf("Assemble: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("Assemble(%v) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		in   Instruction
	}{
		{"missing operand", New(CONST)},
		{"unwanted operand", NewInt(PUSH, 1)},
		{"float on non-CONST", Instruction{Op: ENTER, Kind: OperandFloat, Float: 1}},
		{"arg too big", NewInt(ARG, 0x100)},
		{"arg too small", NewInt(ARG, -0x81)},
		{"const too big", NewInt(CONST, 0x100000000)},
		{"const too small", NewInt(CONST, -0x80000001)},
		{"bad opcode", New(OpcodeCount)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.in.Assemble(); err == nil {
				t.Errorf("Assemble(%v) should fail", tc.in)
			}
		})
	}
}

func TestDisassemble(t *testing.T) {
	got, err := Disassemble([]byte{0x06, 0x08, 0x7B, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	want := []Instruction{New(PUSH), NewInt(CONST, 0x7B)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Disassemble mismatch (-want +got):\n%s", diff)
	}
}

func TestDisassembleEmpty(t *testing.T) {
	got, err := Disassemble(nil)
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Disassemble(nil) = %v, want none", got)
	}
}

func TestDisassembleErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"unknown opcode", []byte{60}, ErrUnknownOpcode},
		{"unknown opcode later", []byte{0x06, 0xFF}, ErrUnknownOpcode},
		{"truncated operand", []byte{0x08, 0x7B}, ErrTruncated},
		{"missing operand", []byte{0x21}, ErrTruncated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Disassemble(tc.in)
			if !errors.Is(err, tc.want) {
				t.Errorf("Disassemble(%v) error = %v, want %v", tc.in, err, tc.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	instructions := []Instruction{
		NewInt(ENTER, 0x14),
		NewInt(LOCAL, 0x10),
		New(LOAD4),
		NewInt(CONST, -1),
		New(ADD),
		NewInt(ARG, 0x08),
		NewInt(EQ, 0x2A),
		New(PUSH),
		NewInt(LEAVE, 0x14),
	}

	code, err := Assemble(instructions)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	got, err := Disassemble(code)
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}

	// integers come back decoded as unsigned
	want := make([]Instruction, len(instructions))
	copy(want, instructions)
	want[3] = NewInt(CONST, 0xFFFFFFFF)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	recoded, err := Assemble(got)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !bytes.Equal(code, recoded) {
		t.Errorf("re-assembly changed bytes: %#v vs %#v", code, recoded)
	}
}

func TestFloatSurvivesRoundTrip(t *testing.T) {
	original := NewFloat(3.14159)

	code, err := original.Assemble()
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	decoded, err := Disassemble(code)
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("got %d instructions, want 1", len(decoded))
	}

	// the decoder cannot know the operand was a float, but the bit
	// pattern must be intact
	if got := uint32(decoded[0].Int); got != math.Float32bits(original.Float) {
		t.Errorf("float bits = %#x, want %#x", got, math.Float32bits(original.Float))
	}

	recoded, err := decoded[0].Assemble()
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !bytes.Equal(code, recoded) {
		t.Errorf("float re-assembly changed bytes: %#v vs %#v", code, recoded)
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		in   Instruction
		want string
	}{
		{New(PUSH), "PUSH"},
		{NewInt(CONST, 0x7B), "CONST 0x7b"},
		{NewFloat(1.5), "CONST 1.5"},
		{NewInt(BLOCK_COPY, 8), "BLOCK_COPY 0x8"},
	}
	for _, tc := range tests {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("String(%#v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
