// Package qvm loads, patches, and writes Quake 3 VM program images.
//
// A Qvm is constructed from an existing .qvm file. Code and data can then be
// appended, calls rerouted, and the result written back out. Data appended
// after load is not part of the file's persistent DATA+LIT prefix, so the
// writer installs a hook on the engine-invoked init function that stores the
// added bytes into place at load time.
package qvm

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/birdstakes/quatch/pkg/inst"
	"github.com/birdstakes/quatch/pkg/memory"
	"github.com/birdstakes/quatch/pkg/q3asm"
	"github.com/birdstakes/quatch/pkg/vmutil"
)

// StackSize is the number of bytes reserved at the top of BSS for the
// program stack.
const StackSize = 0x10000

const headerSize = 32

// Errors reported by the image builder.
var (
	ErrFormat            = errors.New("malformed qvm file")
	ErrMissingInitSymbol = errors.New("cannot find a symbol for G_InitGame, CG_Init, or UI_Init")
	ErrInitNeverCalled   = errors.New("init function is never called")
	ErrUnknownSymbol     = errors.New("unknown symbol")
)

// Qvm is a patchable Quake 3 VM program.
type Qvm struct {
	// VMMagic is the magic number of the qvm file format version,
	// preserved verbatim.
	VMMagic uint32

	// Instructions is the disassembly of the code section.
	Instructions []inst.Instruction

	// Memory is the program's initial memory contents.
	Memory *memory.Memory

	// Symbols maps names to absolute addresses. It starts with the
	// caller-provided map and grows as C code is added.
	Symbols map[string]q3asm.Symbol

	originalDataLength int
	originalLitLength  int
	originalCRC        uint32

	// calls maps call target addresses to the indices of the CONST
	// instructions that feed them, built once at load.
	calls map[int64][]int

	compiler string
}

// Load reads a .qvm file.
//
// A mapping from names to addresses may be provided in symbols. Anything
// defined here is available to C code added with AddCCode, and is how the
// writer finds the init function to hook.
func Load(path string, symbols map[string]int64) (*Qvm, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "qvm")
	}

	if len(file) < headerSize {
		return nil, errors.Wrapf(ErrFormat, "%s: %d byte file is too short for a header", path, len(file))
	}
	header := file[:headerSize]
	q := &Qvm{
		VMMagic: binary.LittleEndian.Uint32(header[0:]),
		Memory:  memory.New(),
		Symbols: make(map[string]q3asm.Symbol, len(symbols)),
		calls:   make(map[int64][]int),
	}
	instructionCount := int(binary.LittleEndian.Uint32(header[4:]))
	codeOffset := int(binary.LittleEndian.Uint32(header[8:]))
	codeLength := int(binary.LittleEndian.Uint32(header[12:]))
	dataOffset := int(binary.LittleEndian.Uint32(header[16:]))
	dataLength := int(binary.LittleEndian.Uint32(header[20:]))
	litLength := int(binary.LittleEndian.Uint32(header[24:]))
	bssLength := int(binary.LittleEndian.Uint32(header[28:]))

	if codeOffset < 0 || codeLength < 0 || codeOffset+codeLength > len(file) {
		return nil, errors.Wrapf(ErrFormat, "%s: code section out of bounds", path)
	}
	if dataOffset < 0 || dataLength < 0 || litLength < 0 ||
		dataOffset+dataLength+litLength > len(file) {
		return nil, errors.Wrapf(ErrFormat, "%s: data section out of bounds", path)
	}
	if bssLength < StackSize {
		return nil, errors.Wrapf(ErrFormat, "%s: bss is smaller than the reserved stack", path)
	}

	q.Instructions, err = inst.Disassemble(file[codeOffset : codeOffset+codeLength])
	if err != nil {
		return nil, errors.Wrapf(err, "%s: code section", path)
	}
	if len(q.Instructions) < instructionCount {
		return nil, errors.Wrapf(ErrFormat, "%s: code section holds %d of %d instructions",
			path, len(q.Instructions), instructionCount)
	}
	// trailing instructions are padding
	q.Instructions = q.Instructions[:instructionCount]

	// StackSize bytes are reserved at the end of bss for the program
	// stack. Added data goes there instead, and the writer reserves
	// StackSize fresh bytes on top.
	q.originalDataLength = dataLength
	q.originalLitLength = litLength
	if _, err := q.AddData(file[dataOffset:dataOffset+dataLength], 4); err != nil {
		return nil, errors.Wrapf(err, "%s: data section", path)
	}
	if _, err := q.AddLit(file[dataOffset+dataLength:dataOffset+dataLength+litLength], 1); err != nil {
		return nil, errors.Wrapf(err, "%s: lit section", path)
	}
	if _, err := q.AddBSS(bssLength-StackSize, 1); err != nil {
		return nil, errors.Wrapf(err, "%s: bss section", path)
	}

	q.originalCRC = vmutil.CRC32(file)

	for name, address := range symbols {
		q.Symbols[name] = q3asm.Symbol{Address: address}
	}

	for i := 0; i+1 < len(q.Instructions); i++ {
		first, second := q.Instructions[i], q.Instructions[i+1]
		if first.Op == inst.CONST && first.Kind == inst.OperandInt && second.Op == inst.CALL {
			q.calls[first.Int] = append(q.calls[first.Int], i)
		}
	}

	return q, nil
}

// OriginalCRC returns the CRC-32 checksum of the file as loaded.
func (q *Qvm) OriginalCRC() uint32 {
	return q.originalCRC
}

// SetCompiler overrides lcc discovery with an explicit executable path.
func (q *Qvm) SetCompiler(path string) {
	q.compiler = path
}

// AddData appends data to the DATA section and returns its address.
//
// The DATA section holds 4-byte words that may be byte-swapped at load
// time, so alignment and len(data) must both be multiples of 4.
func (q *Qvm) AddData(data []byte, alignment int) (int, error) {
	return q.Memory.Add(memory.Data, data, alignment)
}

// AddLit appends data to the LIT section and returns its address. LIT bytes
// are never byte-swapped, which is what strings want.
func (q *Qvm) AddLit(data []byte, alignment int) (int, error) {
	return q.Memory.Add(memory.Lit, data, alignment)
}

// AddBSS appends size zero-initialized bytes to the BSS section and returns
// their address.
func (q *Qvm) AddBSS(size int, alignment int) (int, error) {
	return q.Memory.AddZeroed(memory.Bss, size, alignment)
}

// AddCode appends instructions and returns the address of the first one.
//
// The call index used by ReplaceCalls is built at load and does not track
// CONST/CALL pairs appended here.
func (q *Qvm) AddCode(instructions []inst.Instruction) int {
	address := len(q.Instructions)
	q.Instructions = append(q.Instructions, instructions...)
	return address
}

// ReplaceCalls reroutes every load-time call to old so it calls new
// instead, and returns the number of calls replaced.
func (q *Qvm) ReplaceCalls(old, new int64) int {
	for _, call := range q.calls[old] {
		q.Instructions[call].Int = new
	}
	return len(q.calls[old])
}

// ReplaceCallsNamed is ReplaceCalls with both functions resolved through
// the symbol table.
func (q *Qvm) ReplaceCallsNamed(old, new string) (int, error) {
	oldSym, ok := q.Symbols[old]
	if !ok {
		return 0, errors.Wrap(ErrUnknownSymbol, old)
	}
	newSym, ok := q.Symbols[new]
	if !ok {
		return 0, errors.Wrap(ErrUnknownSymbol, new)
	}
	return q.ReplaceCalls(oldSym.Address, newSym.Address), nil
}
