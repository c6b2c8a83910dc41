package q3asm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/birdstakes/quatch/pkg/inst"
)

func writeAsm(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.asm")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func assembleString(t *testing.T, source string, opts Options) *Result {
	t.Helper()
	result, err := Assemble([]string{writeAsm(t, source)}, opts)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return result
}

func TestProcLowering(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"code",
		"proc foo 8 4",
		"CNSTI4 42",
		"RETI4",
		"endproc",
	}, "\n"), DefaultOptions())

	want := []inst.Instruction{
		inst.NewInt(inst.ENTER, 0x14),
		inst.NewInt(inst.CONST, 0x2A),
		inst.NewInt(inst.LEAVE, 0x14),
		inst.New(inst.PUSH),
		inst.NewInt(inst.LEAVE, 0x14),
	}
	if diff := cmp.Diff(want, result.Instructions); diff != "" {
		t.Errorf("instructions mismatch (-want +got):\n%s", diff)
	}

	foo, ok := result.Symbols["foo"]
	if !ok {
		t.Fatal("symbol foo not defined")
	}
	if foo.Address != 0 || foo.Type != SymbolCode {
		t.Errorf("foo = %+v, want address 0, code", foo)
	}
}

func TestProcFrameSizesAreAligned(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"code",
		"proc f 6 3",
		"endproc",
	}, "\n"), DefaultOptions())

	// locals and args round up to 8 and 4
	want := inst.NewInt(inst.ENTER, 8+8+4)
	if result.Instructions[0] != want {
		t.Errorf("ENTER = %v, want %v", result.Instructions[0], want)
	}
}

func TestCodeBaseOffsetsSymbols(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"code",
		"proc foo 0 0",
		"endproc",
	}, "\n"), Options{CodeBase: 100, DataBase: 0x1000, PadSegments: true})

	if got := result.Symbols["foo"].Address; got != 100 {
		t.Errorf("foo address = %d, want 100", got)
	}
}

func TestCallAndArgLowering(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"code",
		"proc f 0 8",
		"CNSTI4 1",
		"ARGI4",
		"CNSTI4 2",
		"ARGI4",
		"ADDRGP4 g",
		"CALLI4",
		"pop",
		"endproc",
	}, "\n"), Options{
		DataBase:    0x100,
		PadSegments: true,
		Symbols:     map[string]Symbol{"g": {Address: 0x2B7, Type: SymbolCode}},
	})

	want := []inst.Instruction{
		inst.NewInt(inst.ENTER, 0x10),
		inst.NewInt(inst.CONST, 1),
		inst.NewInt(inst.ARG, 8),
		inst.NewInt(inst.CONST, 2),
		inst.NewInt(inst.ARG, 12),
		inst.NewInt(inst.CONST, 0x2B7),
		inst.New(inst.CALL),
		inst.New(inst.POP),
		inst.New(inst.PUSH),
		inst.NewInt(inst.LEAVE, 0x10),
	}
	if diff := cmp.Diff(want, result.Instructions); diff != "" {
		t.Errorf("instructions mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalAddressing(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"code",
		"proc f 8 4",
		"ADDRLP4 0",
		"ADDRFP4 4",
		"endproc",
	}, "\n"), DefaultOptions())

	// ADDRL: expr + 8 + args; ADDRF: expr + 16 + args + locals
	want := []inst.Instruction{
		inst.NewInt(inst.ENTER, 0x14),
		inst.NewInt(inst.LOCAL, 0+8+4),
		inst.NewInt(inst.LOCAL, 4+16+4+8),
		inst.New(inst.PUSH),
		inst.NewInt(inst.LEAVE, 0x14),
	}
	if diff := cmp.Diff(want, result.Instructions); diff != "" {
		t.Errorf("instructions mismatch (-want +got):\n%s", diff)
	}
}

func TestBlockCopyOperandRoundsUp(t *testing.T) {
	result := assembleString(t, "code\nASGNB 6\n", DefaultOptions())
	want := inst.NewInt(inst.BLOCK_COPY, 8)
	if result.Instructions[0] != want {
		t.Errorf("got %v, want %v", result.Instructions[0], want)
	}
}

func TestSignExtension(t *testing.T) {
	result := assembleString(t, "code\nCVII4 1\nCVII4 2\n", DefaultOptions())
	want := []inst.Instruction{inst.New(inst.SEX8), inst.New(inst.SEX16)}
	if diff := cmp.Diff(want, result.Instructions); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	_, err := Assemble([]string{writeAsm(t, "code\nCVII4 4\n")}, DefaultOptions())
	if err == nil {
		t.Error("bad sign extension should fail")
	}
}

func TestConversionsDropOperandToken(t *testing.T) {
	result := assembleString(t, "code\nCVIF4 4\nCVFI4 4\n", DefaultOptions())
	want := []inst.Instruction{inst.New(inst.CVIF), inst.New(inst.CVFI)}
	if diff := cmp.Diff(want, result.Instructions); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestIgnoredAndUndefinedMnemonics(t *testing.T) {
	result := assembleString(t, "code\nCVIU4 4\nINDIRB\n", DefaultOptions())
	if len(result.Instructions) != 0 {
		t.Errorf("ignored mnemonics emitted %v", result.Instructions)
	}

	for _, mnemonic := range []string{"LOADI4 4", "CVFF4"} {
		_, err := Assemble([]string{writeAsm(t, "code\n"+mnemonic+"\n")}, DefaultOptions())
		if err == nil {
			t.Errorf("%s should fail", mnemonic)
		}
	}
}

func TestDataLitSegments(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"data",
		"LABEL nums",
		"byte 4 258",
		"byte 4 -1",
		"lit",
		"LABEL text",
		"byte 1 65",
		"byte 1 66",
	}, "\n"), DefaultOptions())

	// data_base 0 reserves the null word
	wantData := []byte{0, 0, 0, 0, 0x02, 0x01, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	if diff := cmp.Diff(wantData, result.Data.Image); diff != "" {
		t.Errorf("data image mismatch (-want +got):\n%s", diff)
	}
	wantLit := []byte{'A', 'B', 0, 0} // padded to 4
	if diff := cmp.Diff(wantLit, result.Lit.Image); diff != "" {
		t.Errorf("lit image mismatch (-want +got):\n%s", diff)
	}

	if got := result.Symbols["nums"]; got.Address != 4 || got.Type != SymbolData {
		t.Errorf("nums = %+v, want address 4, data", got)
	}
	// lit chains after data
	if got := result.Lit.Base; got != len(result.Data.Image) {
		t.Errorf("lit base = %d, want %d", got, len(result.Data.Image))
	}
	if got := result.Symbols["text"]; got.Address != int64(result.Lit.Base) {
		t.Errorf("text address = %d, want %d", got.Address, result.Lit.Base)
	}
}

func TestHackToSegmentRehomesLabel(t *testing.T) {
	// lcc puts the LABEL before the byte directive that decides the
	// segment, so a label defined under "data" must follow its datum into
	// lit
	result := assembleString(t, strings.Join([]string{
		"data",
		"LABEL s",
		"byte 1 72",
	}, "\n"), DefaultOptions())

	if got := result.Symbols["s"]; got.Address != int64(result.Lit.Base) {
		t.Errorf("s address = %d, want lit base %d", got.Address, result.Lit.Base)
	}
}

func TestAddressDirective(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"data",
		"LABEL ptrs",
		"address 4919",
	}, "\n"), DefaultOptions())

	wantData := []byte{0, 0, 0, 0, 0x37, 0x13, 0x00, 0x00}
	if diff := cmp.Diff(wantData, result.Data.Image); diff != "" {
		t.Errorf("data image mismatch (-want +got):\n%s", diff)
	}
}

func TestSkipAndAlign(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"lit",
		"byte 1 1",
		"align 8",
		"byte 1 2",
		"skip 2",
		"byte 1 3",
	}, "\n"), Options{DataBase: 0x10, PadSegments: true})

	want := []byte{1, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 3}
	if diff := cmp.Diff(want, result.Lit.Image); diff != "" {
		t.Errorf("lit image mismatch (-want +got):\n%s", diff)
	}
}

func TestBssAccumulatesSize(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"bss",
		"LABEL buf",
		"skip 32",
		"LABEL buf2",
		"skip 4",
	}, "\n"), Options{DataBase: 0x100, PadSegments: true})

	if got := len(result.Bss.Image); got != 36 {
		t.Errorf("bss size = %d, want 36", got)
	}
	if got := result.Symbols["buf"].Address; got != int64(result.Bss.Base) {
		t.Errorf("buf = %d, want %d", got, result.Bss.Base)
	}
	if got := result.Symbols["buf2"].Address; got != int64(result.Bss.Base)+32 {
		t.Errorf("buf2 = %d, want %d", got, result.Bss.Base+32)
	}
}

func TestEquIsAbsolute(t *testing.T) {
	result := assembleString(t, "code\nequ MAX_CLIENTS 64\n", Options{DataBase: 0x1000, PadSegments: true})
	if got := result.Symbols["MAX_CLIENTS"].Address; got != 64 {
		t.Errorf("MAX_CLIENTS = %d, want 64", got)
	}
}

func TestExpressions(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"data",
		"LABEL arr",
		"skip 16",
		"code",
		"ADDRGP4 arr+8",
		"ADDRGP4 arr+8-4",
		"CNSTI4 -5",
	}, "\n"), DefaultOptions())

	arr := result.Symbols["arr"].Address
	want := []inst.Instruction{
		inst.NewInt(inst.CONST, arr+8),
		inst.NewInt(inst.CONST, arr+4),
		inst.NewInt(inst.CONST, -5),
	}
	if diff := cmp.Diff(want, result.Instructions); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestUndefinedSymbol(t *testing.T) {
	source := "code\nfile \"game.c\"\nline 7\nADDRGP4 nowhere\n"

	_, err := Assemble([]string{writeAsm(t, source)}, DefaultOptions())
	if err == nil {
		t.Fatal("undefined symbol should fail")
	}
	asmErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type %T, want *Error", err)
	}
	if asmErr.File != "game.c" || asmErr.Line != 7 {
		t.Errorf("error position = %s:%d, want game.c:7", asmErr.File, asmErr.Line)
	}

	// with suppression the sentinel is substituted instead
	result, err := Assemble([]string{writeAsm(t, source)}, Options{
		PadSegments:            true,
		SuppressMissingSymbols: true,
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := result.Instructions[0]; got != inst.NewInt(inst.CONST, MissingSymbolSentinel) {
		t.Errorf("got %v, want CONST sentinel", got)
	}
	if diff := cmp.Diff([]string{"nowhere"}, result.Unresolved); diff != "" {
		t.Errorf("unresolved mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateSymbol(t *testing.T) {
	_, err := Assemble([]string{writeAsm(t, "code\nproc foo 0 0\nendproc\nproc foo 0 0\nendproc\n")},
		DefaultOptions())
	if err == nil {
		t.Fatal("duplicate definition should fail")
	}
	if !strings.Contains(err.Error(), "multiple definitions") {
		t.Errorf("error = %v", err)
	}
}

func TestLocalSymbolsAreFileScoped(t *testing.T) {
	dir := t.TempDir()
	sources := []string{
		"code\nproc f 0 0\nLABEL $loop\nADDRGP4 $loop\nendproc\n",
		"code\nproc g 0 0\nLABEL $loop\nADDRGP4 $loop\nendproc\n",
	}
	var paths []string
	for i, source := range sources {
		path := filepath.Join(dir, []string{"a.asm", "b.asm"}[i])
		if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}

	result, err := Assemble(paths, DefaultOptions())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	// each file resolved its own $loop: f's label is at instruction 1,
	// g's at instruction 5
	if got := result.Instructions[1]; got != inst.NewInt(inst.CONST, 1) {
		t.Errorf("file 0 $loop = %v, want CONST 0x1", got)
	}
	if got := result.Instructions[5]; got != inst.NewInt(inst.CONST, 5) {
		t.Errorf("file 1 $loop = %v, want CONST 0x5", got)
	}
}

func TestSeedSymbolsSurviveAndStayAbsolute(t *testing.T) {
	seeds := map[string]Symbol{"G_InitGame": {Address: 0x2B7, Type: SymbolCode}}
	result := assembleString(t, "code\nADDRGP4 G_InitGame\nCALLV\n",
		Options{CodeBase: 50, DataBase: 0x4000, PadSegments: true, Symbols: seeds})

	if got := result.Instructions[0]; got != inst.NewInt(inst.CONST, 0x2B7) {
		t.Errorf("seeded lookup = %v, want CONST 0x2b7", got)
	}
	if got := result.Symbols["G_InitGame"]; got != (Symbol{Address: 0x2B7, Type: SymbolCode}) {
		t.Errorf("seed symbol changed: %+v", got)
	}
}

func TestAssembleIsIdempotent(t *testing.T) {
	source := strings.Join([]string{
		"data",
		"LABEL table",
		"byte 4 1",
		"byte 4 2",
		"lit",
		"LABEL name",
		"byte 1 113",
		"code",
		"proc f 4 0",
		"ADDRGP4 table+4",
		"INDIRI4",
		"RETI4",
		"endproc",
	}, "\n")
	opts := Options{DataBase: 0x80, PadSegments: true}

	first := assembleString(t, source, opts)
	second := assembleString(t, source, opts)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-assembly differs (-first +second):\n%s", diff)
	}
}

func TestCommentsAndNoise(t *testing.T) {
	result := assembleString(t, strings.Join([]string{
		"",
		"; a debug comment: int x",
		"export foo",
		"import G_Printf",
		"code",
		"proc foo 0 0",
		"endproc",
	}, "\n"), DefaultOptions())

	if len(result.Instructions) != 3 {
		t.Errorf("got %d instructions, want 3", len(result.Instructions))
	}
}

func TestSyntaxError(t *testing.T) {
	_, err := Assemble([]string{writeAsm(t, "code\nFROBNICATE 1\n")}, DefaultOptions())
	if err == nil {
		t.Fatal("unknown directive should fail")
	}
}
