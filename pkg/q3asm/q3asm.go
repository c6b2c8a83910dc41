// Package q3asm assembles lcc's bytecode intermediate assembly into qvm
// instructions and data segments.
//
// It is a two-pass assembler: the first pass walks every input file to
// collect symbol definitions and segment sizes, the second re-walks them
// with all bases known and emits the final instructions and images.
package q3asm

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/birdstakes/quatch/pkg/inst"
	"github.com/birdstakes/quatch/pkg/vmutil"
)

// MissingSymbolSentinel is the address substituted for unresolved symbols
// when Options.SuppressMissingSymbols is set.
const MissingSymbolSentinel = 0xC0DEDA7A

// SymbolType classifies a symbol as an instruction address or a data
// address.
type SymbolType uint8

const (
	SymbolUnknown SymbolType = iota
	SymbolCode
	SymbolData
)

// Symbol is a named absolute address.
type Symbol struct {
	Address int64
	Type    SymbolType
}

// Segment is an assembled byte image and the address it was assembled at.
type Segment struct {
	Base  int
	Image []byte
}

// Result holds everything one Assemble call produced.
type Result struct {
	Instructions []inst.Instruction
	CodeBase     int
	Data         Segment
	Lit          Segment
	Bss          Segment

	// Symbols maps every symbol, including the seeds, to its absolute
	// address.
	Symbols map[string]Symbol

	// Unresolved lists symbols that were replaced with
	// MissingSymbolSentinel, in first-reference order.
	Unresolved []string
}

// Options configures an Assemble call.
type Options struct {
	// CodeBase is the instruction index the code is assembled at.
	CodeBase int

	// DataBase is the address the data segment is assembled at. When it is
	// 0 the first data word is reserved for null pointers, like q3asm does.
	DataBase int

	// LitBase and BssBase override the default segment chaining
	// (lit follows data, bss follows lit).
	LitBase *int
	BssBase *int

	// PadSegments pads each segment image to a multiple of 4.
	PadSegments bool

	// SuppressMissingSymbols substitutes MissingSymbolSentinel for
	// undefined symbols instead of failing.
	SuppressMissingSymbols bool

	// Symbols seeds the symbol table. Seed addresses are absolute,
	// regardless of CodeBase and DataBase.
	Symbols map[string]Symbol
}

// DefaultOptions returns the options q3asm proper would use.
func DefaultOptions() Options {
	return Options{PadSegments: true}
}

// Error is an assembly failure, carrying the source position lcc reported
// last.
type Error struct {
	File string
	Line int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

type segment struct {
	base  int
	image []byte
}

type symbol struct {
	seg   *segment // nil for absolute symbols
	value int64
	typ   SymbolType
}

func (s *symbol) address() int64 {
	if s.seg == nil {
		return s.value
	}
	return int64(s.seg.base) + s.value
}

type assembler struct {
	opts Options

	passNumber int
	fileIndex  int
	file       string
	line       int

	code, data, lit, bss *segment
	current              *segment
	instructions         []inst.Instruction

	symbols    map[string]*symbol
	lastSymbol *symbol
	unresolved []string

	curLocals    int64
	curArgs      int64
	curArgOffset int64
}

// Assemble runs both passes over the given assembly files, in order.
// Local symbols ($-prefixed) are scoped per file.
func Assemble(paths []string, opts Options) (*Result, error) {
	a := &assembler{
		opts:    opts,
		file:    "unknown",
		symbols: make(map[string]*symbol),
	}

	// seed symbols are relative to 0 no matter what the bases are
	for name, sym := range opts.Symbols {
		a.symbols[name] = &symbol{value: sym.Address, typ: sym.Type}
	}

	a.code = &segment{}
	a.data = &segment{}
	a.lit = &segment{}
	a.bss = &segment{}

	for pass := 0; pass < 2; pass++ {
		a.passNumber = pass

		a.data.base = opts.DataBase
		if opts.LitBase != nil {
			a.lit.base = *opts.LitBase
		} else {
			a.lit.base = a.data.base + len(a.data.image)
		}
		if opts.BssBase != nil {
			a.bss.base = *opts.BssBase
		} else {
			a.bss.base = a.lit.base + len(a.lit.image)
		}

		a.data.image = nil
		a.lit.image = nil
		a.bss.image = nil
		if opts.DataBase == 0 {
			// q3asm reserves address 0 for null pointers
			a.data.image = make([]byte, 4)
		}
		a.instructions = nil
		a.current = a.code

		for fileIndex, path := range paths {
			a.fileIndex = fileIndex
			if err := a.assembleFile(path); err != nil {
				return nil, err
			}
		}

		if opts.PadSegments {
			a.data.image = vmutil.Pad(a.data.image, 4, 0)
			a.lit.image = vmutil.Pad(a.lit.image, 4, 0)
			a.bss.image = vmutil.Pad(a.bss.image, 4, 0)
		}
	}

	result := &Result{
		Instructions: a.instructions,
		CodeBase:     opts.CodeBase,
		Data:         Segment{Base: a.data.base, Image: a.data.image},
		Lit:          Segment{Base: a.lit.base, Image: a.lit.image},
		Bss:          Segment{Base: a.bss.base, Image: a.bss.image},
		Symbols:      make(map[string]Symbol, len(a.symbols)),
		Unresolved:   a.unresolved,
	}
	for name, sym := range a.symbols {
		result.Symbols[name] = Symbol{Address: sym.address(), Type: sym.typ}
	}
	return result, nil
}

func (a *assembler) assembleFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "q3asm")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		emitted, err := a.assembleLine(scanner.Text(), a.opts.CodeBase+len(a.instructions))
		if err != nil {
			return err
		}
		a.instructions = append(a.instructions, emitted...)
	}
	return errors.Wrap(scanner.Err(), "q3asm")
}

func (a *assembler) assembleLine(line string, address int) ([]inst.Instruction, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, nil
	}

	if op, ok := opcodeMap[tokens[0]]; ok {
		switch op {
		case inst.UNDEF:
			return nil, a.errorf("undefined opcode %s", tokens[0])
		case inst.IGNORE:
			return nil, nil
		case inst.SEX8:
			// sign extensions pick their width from the next parm
			if len(tokens) < 2 {
				return nil, a.errorf("missing sign extension parameter")
			}
			switch tokens[1][0] {
			case '1':
				op = inst.SEX8
			case '2':
				op = inst.SEX16
			default:
				return nil, a.errorf("bad sign extension %s", tokens[1])
			}
			// drop the parm now that we have the right opcode
			tokens = tokens[:1]
		}

		if len(tokens) >= 2 && op != inst.CVIF && op != inst.CVFI {
			operand, err := a.parseExpression(tokens[1])
			if err != nil {
				return nil, err
			}
			if op == inst.BLOCK_COPY {
				operand = int64(vmutil.Align(int(operand), 4))
			}
			return []inst.Instruction{inst.NewInt(op, operand)}, nil
		}
		return []inst.Instruction{inst.New(op)}, nil
	}

	switch {
	case strings.HasPrefix(tokens[0], "CALL"):
		a.curArgOffset = 0
		return []inst.Instruction{inst.New(inst.CALL)}, nil

	case strings.HasPrefix(tokens[0], "ARG"):
		a.curArgOffset += 4
		return []inst.Instruction{inst.NewInt(inst.ARG, 8+a.curArgOffset-4)}, nil

	case strings.HasPrefix(tokens[0], "RET"):
		return []inst.Instruction{inst.NewInt(inst.LEAVE, 8+a.curLocals+a.curArgs)}, nil

	case strings.HasPrefix(tokens[0], "pop"):
		return []inst.Instruction{inst.New(inst.POP)}, nil

	case strings.HasPrefix(tokens[0], "ADDRF"):
		offset, err := a.parseOperand(tokens)
		if err != nil {
			return nil, err
		}
		return []inst.Instruction{inst.NewInt(inst.LOCAL, offset+16+a.curArgs+a.curLocals)}, nil

	case strings.HasPrefix(tokens[0], "ADDRL"):
		offset, err := a.parseOperand(tokens)
		if err != nil {
			return nil, err
		}
		return []inst.Instruction{inst.NewInt(inst.LOCAL, offset+8+a.curArgs)}, nil

	case tokens[0] == "proc":
		if len(tokens) < 4 {
			return nil, a.errorf("proc needs a name, local size, and arg size")
		}
		if err := a.defineSymbol(tokens[1], int64(address)); err != nil {
			return nil, err
		}
		localSize, err1 := strconv.Atoi(tokens[2])
		argSize, err2 := strconv.Atoi(tokens[3])
		if err1 != nil || err2 != nil {
			return nil, a.errorf("bad proc frame sizes %s %s", tokens[2], tokens[3])
		}
		a.curLocals = int64(vmutil.Align(localSize, 4))
		a.curArgs = int64(vmutil.Align(argSize, 4))
		return []inst.Instruction{inst.NewInt(inst.ENTER, 8+a.curLocals+a.curArgs)}, nil

	case tokens[0] == "endproc":
		return []inst.Instruction{
			inst.New(inst.PUSH),
			inst.NewInt(inst.LEAVE, 8+a.curLocals+a.curArgs),
		}, nil

	case tokens[0] == "address":
		value, err := a.parseOperand(tokens)
		if err != nil {
			return nil, err
		}
		a.hackToSegment(a.data)
		a.emitInt(uint64(value), 4)
		return nil, nil

	case tokens[0] == "code":
		a.current = a.code
		return nil, nil
	case tokens[0] == "data":
		a.current = a.data
		return nil, nil
	case tokens[0] == "lit":
		a.current = a.lit
		return nil, nil
	case tokens[0] == "bss":
		a.current = a.bss
		return nil, nil

	case tokens[0] == "equ":
		if len(tokens) < 3 {
			return nil, a.errorf("equ needs a name and a value")
		}
		value, err := strconv.ParseInt(tokens[2], 10, 64)
		if err != nil {
			return nil, a.errorf("bad equ value %s", tokens[2])
		}
		return nil, a.defineAbsolute(tokens[1], value)

	case tokens[0] == "align":
		alignment, err := a.parseCount(tokens)
		if err != nil {
			return nil, err
		}
		if a.current == a.code {
			return nil, a.errorf("align is not valid in the code segment")
		}
		position := a.current.base + len(a.current.image)
		a.current.image = append(a.current.image, make([]byte, vmutil.Align(position, alignment)-position)...)
		return nil, nil

	case tokens[0] == "skip":
		size, err := a.parseCount(tokens)
		if err != nil {
			return nil, err
		}
		if a.current == a.code {
			return nil, a.errorf("skip is not valid in the code segment")
		}
		a.current.image = append(a.current.image, make([]byte, size)...)
		return nil, nil

	case tokens[0] == "byte":
		if len(tokens) < 3 {
			return nil, a.errorf("byte needs a size and a value")
		}
		size, err := strconv.Atoi(tokens[1])
		if err != nil || size < 1 || size > 4 {
			return nil, a.errorf("bad byte size %s", tokens[1])
		}
		value, err := strconv.ParseInt(tokens[2], 10, 64)
		if err != nil {
			return nil, a.errorf("bad byte value %s", tokens[2])
		}
		switch size {
		case 1:
			a.hackToSegment(a.lit)
		case 4:
			a.hackToSegment(a.data)
		}
		if a.current == a.code {
			return nil, a.errorf("byte is not valid in the code segment")
		}
		a.emitInt(uint64(value), size)
		return nil, nil

	case strings.HasPrefix(tokens[0], "LABEL"):
		if len(tokens) < 2 {
			return nil, a.errorf("LABEL needs a name")
		}
		if a.current == a.code {
			return nil, a.defineSymbol(tokens[1], int64(address))
		}
		return nil, a.defineSymbol(tokens[1], int64(len(a.current.image)))

	case tokens[0] == "file":
		a.file = strings.Trim(tokens[1], "\"")
		return nil, nil

	case tokens[0] == "line":
		n, err := strconv.Atoi(tokens[1])
		if err != nil {
			return nil, a.errorf("bad line number %s", tokens[1])
		}
		a.line = n
		return nil, nil

	case tokens[0] == "import", tokens[0] == "export":
		return nil, nil

	case strings.HasPrefix(tokens[0], ";"):
		// debug annotation from -Wf-g, not semantic
		return nil, nil
	}

	return nil, a.errorf("syntax error: %s", strings.TrimSpace(line))
}

// parseOperand evaluates the expression in tokens[1].
func (a *assembler) parseOperand(tokens []string) (int64, error) {
	if len(tokens) < 2 {
		return 0, a.errorf("%s needs an operand", tokens[0])
	}
	return a.parseExpression(tokens[1])
}

func (a *assembler) parseCount(tokens []string) (int, error) {
	if len(tokens) < 2 {
		return 0, a.errorf("%s needs a size", tokens[0])
	}
	n, err := strconv.Atoi(tokens[1])
	if err != nil || n < 0 {
		return 0, a.errorf("bad %s size %s", tokens[0], tokens[1])
	}
	return n, nil
}

// parseExpression evaluates terms joined by + and -, left to right. A '-'
// past the first character separates terms, so a leading sign is still part
// of the first term. Only the first term may be a symbol; the rest must be
// integer literals.
func (a *assembler) parseExpression(expr string) (int64, error) {
	var value int64
	var lastOp byte
	start := 0

	for i := 0; i <= len(expr); i++ {
		if i != len(expr) && expr[i] != '+' && (expr[i] != '-' || i == 0) {
			continue
		}
		term := expr[start:i]
		start = i + 1

		switch lastOp {
		case '+', '-':
			n, err := strconv.ParseInt(term, 10, 64)
			if err != nil {
				return 0, a.errorf("bad expression term %q in %q", term, expr)
			}
			if lastOp == '+' {
				value += n
			} else {
				value -= n
			}
		default:
			if term == "" {
				return 0, a.errorf("bad expression %q", expr)
			}
			if c := term[0]; c == '+' || c == '-' || (c >= '0' && c <= '9') {
				n, err := strconv.ParseInt(term, 10, 64)
				if err != nil {
					return 0, a.errorf("bad expression term %q in %q", term, expr)
				}
				value = n
			} else {
				n, err := a.lookupSymbol(term)
				if err != nil {
					return 0, err
				}
				value = n
			}
		}

		if i < len(expr) {
			lastOp = expr[i]
		}
	}

	return value, nil
}

func (a *assembler) defineSymbol(name string, value int64) error {
	typ := SymbolData
	if a.current == a.code {
		typ = SymbolCode
	}
	return a.define(name, &symbol{seg: a.current, value: value, typ: typ})
}

func (a *assembler) defineAbsolute(name string, value int64) error {
	return a.define(name, &symbol{value: value, typ: SymbolData})
}

// define records a symbol. Definitions happen on the first pass only; the
// second pass walks identical input, so redefinition would only report
// every symbol as a duplicate.
func (a *assembler) define(name string, sym *symbol) error {
	if a.passNumber == 1 {
		return nil
	}

	if strings.HasPrefix(name, "$") {
		name = a.localName(name)
	}
	if _, ok := a.symbols[name]; ok {
		return a.errorf("multiple definitions for %s", name)
	}

	a.symbols[name] = sym
	a.lastSymbol = sym
	return nil
}

// lookupSymbol resolves a symbol to its absolute address. On the first pass
// everything resolves to 0; definitions are not complete yet.
func (a *assembler) lookupSymbol(name string) (int64, error) {
	if a.passNumber == 0 {
		return 0, nil
	}

	if strings.HasPrefix(name, "$") {
		name = a.localName(name)
	}

	sym, ok := a.symbols[name]
	if !ok {
		if a.opts.SuppressMissingSymbols {
			a.noteUnresolved(name)
			return MissingSymbolSentinel, nil
		}
		return 0, a.errorf("symbol %s undefined", name)
	}
	return sym.address(), nil
}

// localName scopes a $-prefixed symbol to the file it appears in.
func (a *assembler) localName(name string) string {
	return fmt.Sprintf("%s_%d", name, a.fileIndex)
}

func (a *assembler) noteUnresolved(name string) {
	for _, seen := range a.unresolved {
		if seen == name {
			return
		}
	}
	a.unresolved = append(a.unresolved, name)
}

// hackToSegment redirects emission to another segment. lcc puts the LABEL
// for a datum before the directive that reveals which segment the datum
// belongs in, so on the defining pass the most recent symbol moves along.
func (a *assembler) hackToSegment(seg *segment) {
	if a.current == seg {
		return
	}
	a.current = seg
	if a.passNumber == 0 && a.lastSymbol != nil {
		a.lastSymbol.seg = seg
		a.lastSymbol.value = int64(len(seg.image))
	}
}

func (a *assembler) emitInt(value uint64, size int) {
	for b := 0; b < size; b++ {
		a.current.image = append(a.current.image, byte(value>>(8*b)))
	}
}

func (a *assembler) errorf(format string, args ...interface{}) error {
	return &Error{File: a.file, Line: a.line, Msg: fmt.Sprintf(format, args...)}
}
