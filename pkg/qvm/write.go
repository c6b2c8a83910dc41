package qvm

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/birdstakes/quatch/pkg/inst"
	"github.com/birdstakes/quatch/pkg/memory"
	"github.com/birdstakes/quatch/pkg/vmutil"
)

// Write writes a .qvm file reflecting every mutation made so far.
//
// Only the original DATA+LIT prefix is persisted by the file format, so if
// any data regions were added a hook on one of the G_InitGame, CG_Init, or
// UI_Init functions is installed to initialize them at load time; a symbol
// for one of those functions must then be present.
//
// If forgeCRC is true the written file has the same CRC-32 checksum as the
// file that was loaded, using the reserved null word at the start of the
// data section as scratch space.
func (q *Qvm) Write(path string, forgeCRC bool) error {
	if q.hasAddedData() {
		if err := q.addDataInitCode(); err != nil {
			return err
		}
	}

	code, err := inst.Assemble(q.Instructions)
	if err != nil {
		return errors.Wrap(err, "qvm")
	}
	code = vmutil.Pad(code, 4, 0)

	codeOffset := headerSize
	dataOffset := codeOffset + len(code)
	prefix := q.Memory.Slice(0, q.originalDataLength+q.originalLitLength)
	bssLength := q.Memory.Len() - q.originalDataLength - q.originalLitLength + StackSize

	file := make([]byte, 0, dataOffset+len(prefix))
	file = binary.LittleEndian.AppendUint32(file, q.VMMagic)
	file = binary.LittleEndian.AppendUint32(file, uint32(len(q.Instructions)))
	file = binary.LittleEndian.AppendUint32(file, uint32(codeOffset))
	file = binary.LittleEndian.AppendUint32(file, uint32(len(code)))
	file = binary.LittleEndian.AppendUint32(file, uint32(dataOffset))
	file = binary.LittleEndian.AppendUint32(file, uint32(q.originalDataLength))
	file = binary.LittleEndian.AppendUint32(file, uint32(q.originalLitLength))
	file = binary.LittleEndian.AppendUint32(file, uint32(bssLength))
	file = append(file, code...)
	file = append(file, prefix...)

	if forgeCRC {
		// nobody can use address 0, so its word absorbs the correction
		if err := vmutil.ForgeCRC32(file, dataOffset, q.originalCRC); err != nil {
			return errors.Wrap(err, "qvm")
		}
	}

	return errors.Wrap(os.WriteFile(path, file, 0o644), "qvm")
}

// hasAddedData reports whether any DATA or LIT region beyond the original
// prefix exists. Added BSS needs no init hook; the engine zeroes it anyway.
func (q *Qvm) hasAddedData() bool {
	for _, region := range q.Memory.RegionsWithTag(memory.Data) {
		if !(region.Begin == 0 && region.End == q.originalDataLength) {
			return true
		}
	}
	for _, region := range q.Memory.RegionsWithTag(memory.Lit) {
		if !(region.Begin == q.originalDataLength &&
			region.End == q.originalDataLength+q.originalLitLength) {
			return true
		}
	}
	return false
}

// addDataInitCode appends a wrapper function that stores every nonzero
// added DATA word and LIT byte into place and then tail-calls the init
// function the engine invokes, forwarding its three arguments. The first
// call site of the init function is repointed at the wrapper.
//
// The current operand of that call site is re-read each time, so patching
// an already patched image chains the wrappers rather than losing one.
func (q *Qvm) addDataInitCode() error {
	var initAddress int64
	var initName string
	found := false
	for _, name := range []string{"G_InitGame", "CG_Init", "UI_Init"} {
		if sym, ok := q.Symbols[name]; ok {
			initAddress, initName, found = sym.Address, name, true
			break
		}
	}
	if !found {
		return ErrMissingInitSymbol
	}

	if len(q.calls[initAddress]) == 0 {
		return errors.Wrap(ErrInitNeverCalled, initName)
	}

	// only hook the first call site in case there are multiple; this is
	// the one called from vmMain when the qvm is first loaded, and it may
	// already point at a previously installed wrapper
	initCall := q.calls[initAddress][0]
	currentInit := q.Instructions[initCall].Int

	initWrapper := q.AddCode([]inst.Instruction{inst.NewInt(inst.ENTER, 0x100)})

	for _, region := range q.Memory.RegionsWithTag(memory.Data) {
		// skip the qvm's own data section
		if region.Begin == 0 && region.End == q.originalDataLength {
			continue
		}
		for offset := 0; offset < region.Size(); offset += 4 {
			value := binary.LittleEndian.Uint32(region.Contents[offset:])
			if value != 0 {
				q.AddCode([]inst.Instruction{
					inst.NewInt(inst.CONST, int64(region.Begin+offset)),
					inst.NewInt(inst.CONST, int64(value)),
					inst.New(inst.STORE4),
				})
			}
		}
	}

	for _, region := range q.Memory.RegionsWithTag(memory.Lit) {
		// skip the qvm's own lit section
		if region.Begin == q.originalDataLength &&
			region.End == q.originalDataLength+q.originalLitLength {
			continue
		}
		for offset, value := range region.Contents {
			if value != 0 {
				q.AddCode([]inst.Instruction{
					inst.NewInt(inst.CONST, int64(region.Begin+offset)),
					inst.NewInt(inst.CONST, int64(value)),
					inst.New(inst.STORE1),
				})
			}
		}
	}

	q.AddCode([]inst.Instruction{
		// call the original init function with our own arguments
		inst.NewInt(inst.LOCAL, 0x108),
		inst.New(inst.LOAD4),
		inst.NewInt(inst.ARG, 0x8),
		inst.NewInt(inst.LOCAL, 0x10C),
		inst.New(inst.LOAD4),
		inst.NewInt(inst.ARG, 0xC),
		inst.NewInt(inst.LOCAL, 0x110),
		inst.New(inst.LOAD4),
		inst.NewInt(inst.ARG, 0x10),
		inst.NewInt(inst.CONST, currentInit),
		inst.New(inst.CALL),
		inst.NewInt(inst.LEAVE, 0x100),
		// dummy end proc so strict interpreters don't complain
		inst.New(inst.PUSH),
		inst.NewInt(inst.LEAVE, 0x100),
	})

	q.Instructions[initCall].Int = int64(initWrapper)
	return nil
}
