// Package compile drives Quake 3's lcc compiler to turn C source into
// bytecode intermediate assembly for q3asm.
package compile

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
)

// ErrCompilerNotFound is returned when no lcc executable could be located.
// Set the LCC environment variable or put lcc/q3lcc on the PATH.
var ErrCompilerNotFound = errors.New("unable to locate lcc")

// Error is a failed compiler run. Output holds lcc's combined
// stdout/stderr.
type Error struct {
	Output string
}

func (e *Error) Error() string {
	return "lcc: " + e.Output
}

// FindCompiler locates the lcc executable: the LCC environment variable
// first, then lcc or q3lcc on the current directory and PATH, then the
// stock Windows install locations. Returns "" if nothing was found.
func FindCompiler() string {
	if lcc := os.Getenv("LCC"); lcc != "" {
		return lcc
	}

	// the current directory is searched before PATH
	cwd, _ := os.Getwd()
	for _, name := range []string{"lcc", "q3lcc"} {
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		if candidate := filepath.Join(cwd, name); isExecutable(candidate) {
			return candidate
		}
		if lcc, err := exec.LookPath(name); err == nil {
			return lcc
		}
	}

	if runtime.GOOS == "windows" {
		for _, binDir := range []string{"bin_nt", "bin"} {
			lcc := filepath.Join(`C:\`, "quake3", binDir, "lcc.exe")
			if _, err := os.Stat(lcc); err == nil {
				return lcc
			}
		}
	}

	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return runtime.GOOS == "windows" || info.Mode()&0111 != 0
}

// CompileFile compiles a C file into lcc bytecode assembly at outputPath
// and returns the compiler's combined output. Additional include search
// directories can be given in includeDirs.
//
// A compilation failure is reported as *Error carrying the compiler's
// output.
func CompileFile(lcc, inputPath, outputPath string, includeDirs []string) (string, error) {
	if lcc == "" {
		return "", ErrCompilerNotFound
	}

	args := []string{"-DQ3_VM", "-S", "-Wf-target=bytecode", "-Wf-g"}
	for _, dir := range includeDirs {
		args = append(args, "-I"+dir)
	}
	args = append(args, "-o", outputPath, inputPath)

	cmd := exec.Command(lcc, args...)

	// lcc execs its helper passes (cpp, rcc) from its own directory
	lccDir, err := filepath.Abs(filepath.Dir(lcc))
	if err != nil {
		return "", errors.Wrap(err, "compile")
	}
	cmd.Env = append(os.Environ(), "PATH="+lccDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return "", &Error{Output: string(output)}
		}
		return "", errors.Wrap(err, "compile")
	}
	return string(output), nil
}
