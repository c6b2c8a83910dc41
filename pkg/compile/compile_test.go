package compile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/pkg/errors"
)

func TestFindCompilerEnvOverride(t *testing.T) {
	t.Setenv("LCC", "/opt/q3/lcc")
	if got := FindCompiler(); got != "/opt/q3/lcc" {
		t.Errorf("FindCompiler = %q, want /opt/q3/lcc", got)
	}
}

func TestFindCompilerOnPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix executable bits")
	}

	dir := t.TempDir()
	lcc := filepath.Join(dir, "q3lcc")
	if err := os.WriteFile(lcc, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LCC", "")
	t.Setenv("PATH", dir)

	if got := FindCompiler(); got != lcc {
		t.Errorf("FindCompiler = %q, want %q", got, lcc)
	}
}

func TestCompileFileWithoutCompiler(t *testing.T) {
	_, err := CompileFile("", "in.c", "out.asm", nil)
	if !errors.Is(err, ErrCompilerNotFound) {
		t.Errorf("error = %v, want ErrCompilerNotFound", err)
	}
}

func TestCompileFileMissingExecutable(t *testing.T) {
	lcc := filepath.Join(t.TempDir(), "no-such-lcc")
	if _, err := CompileFile(lcc, "in.c", "out.asm", nil); err == nil {
		t.Error("CompileFile with a missing executable should fail")
	}
}
