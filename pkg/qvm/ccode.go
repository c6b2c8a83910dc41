package qvm

import (
	"os"

	"github.com/pkg/errors"

	"github.com/birdstakes/quatch/pkg/compile"
	"github.com/birdstakes/quatch/pkg/q3asm"
	"github.com/birdstakes/quatch/pkg/vmutil"
)

// AddCCode compiles a string of C code and adds it to the Qvm.
//
// Symbols defined by the code are added to Symbols, and the Qvm's current
// symbols are visible to it, so added code can call (and be wired in place
// of) existing functions.
//
// Additional include search directories can be given in includeDirs. The
// compiler's combined output is returned so callers can surface warnings;
// compilation failures are reported as *compile.Error.
func (q *Qvm) AddCCode(code string, includeDirs []string) (string, error) {
	cFile, err := os.CreateTemp("", "quatch*.c")
	if err != nil {
		return "", errors.Wrap(err, "qvm")
	}
	defer os.Remove(cFile.Name())

	_, err = cFile.WriteString(code)
	// lcc on windows cannot open the file until we close it
	if closeErr := cFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", errors.Wrap(err, "qvm")
	}

	return q.AddCFile(cFile.Name(), includeDirs)
}

// AddCFile compiles a C file and adds the code to the Qvm. See AddCCode.
func (q *Qvm) AddCFile(path string, includeDirs []string) (string, error) {
	return q.AddCFiles([]string{path}, includeDirs)
}

// AddCFiles compiles C files and adds the code to the Qvm. All files are
// assembled together, so they share the Qvm's symbols but keep their own
// file-local ones. See AddCCode.
//
// Either every file's instructions, segments, and symbols become part of
// the Qvm, or an error is returned and the Qvm is unchanged.
func (q *Qvm) AddCFiles(paths []string, includeDirs []string) (string, error) {
	lcc := q.compiler
	if lcc == "" {
		lcc = compile.FindCompiler()
	}

	var output string
	var asmPaths []string
	defer func() {
		for _, path := range asmPaths {
			os.Remove(path)
		}
	}()

	for _, path := range paths {
		asmFile, err := os.CreateTemp("", "quatch*.asm")
		if err != nil {
			return "", errors.Wrap(err, "qvm")
		}
		asmPaths = append(asmPaths, asmFile.Name())
		if err := asmFile.Close(); err != nil {
			return "", errors.Wrap(err, "qvm")
		}

		out, err := compile.CompileFile(lcc, path, asmFile.Name(), includeDirs)
		if err != nil {
			return "", err
		}
		output += out
	}

	// the data base must be word-aligned; the memory itself is aligned
	// only once assembly has succeeded so a failure leaves the Qvm
	// untouched
	dataBase := vmutil.Align(q.Memory.Len(), 4)

	result, err := q3asm.Assemble(asmPaths, q3asm.Options{
		CodeBase:    len(q.Instructions),
		DataBase:    dataBase,
		PadSegments: true,
		Symbols:     q.Symbols,
	})
	if err != nil {
		return output, errors.Wrap(err, "assembling compiled C code")
	}

	q.Memory.Align(4)
	q.AddCode(result.Instructions)
	if _, err := q.AddData(result.Data.Image, 4); err != nil {
		return output, err
	}
	if _, err := q.AddLit(result.Lit.Image, 1); err != nil {
		return output, err
	}
	if _, err := q.AddBSS(len(result.Bss.Image), 1); err != nil {
		return output, err
	}

	for name, sym := range result.Symbols {
		q.Symbols[name] = sym
	}

	return output, nil
}
