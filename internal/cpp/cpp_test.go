package cpp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestLineMapMacroExpansion(t *testing.T) {
	t.Parallel()

	// Build output where original line 42 of inode.c lands on output line 5000.
	var b strings.Builder
	b.WriteString("# 1 \"fs/ext4/inode.c\"\n")
	b.WriteString("# 1 \"<built-in>\"\n")
	b.WriteString("# 1 \"<command-line>\"\n")
	b.WriteString("# 1 \"./include/linux/fs.h\" 1\n")
	for i := 5; i < 4999; i++ {
		b.WriteString("int x;\n")
	}
	b.WriteString("# 42 \"fs/ext4/inode.c\" 2\n")
	b.WriteString("static int f(void) { return ({ int __x = 1; __x; }); }\n")
	b.WriteString("int g;\n")

	lm := ParseLineMap([]byte(b.String()))

	file, line, ok := lm.Lookup(5000)
	if !ok {
		t.Fatal("line 5000 unmapped")
	}
	if file != "fs/ext4/inode.c" || line != 42 {
		t.Errorf("Lookup(5000) = %s:%d, want fs/ext4/inode.c:42", file, line)
	}

	file, line, ok = lm.Lookup(5001)
	if !ok || file != "fs/ext4/inode.c" || line != 43 {
		t.Errorf("Lookup(5001) = %s:%d %v", file, line, ok)
	}

	file, line, ok = lm.Lookup(5)
	if !ok || file != "include/linux/fs.h" || line != 1 {
		t.Errorf("Lookup(5) = %s:%d %v, want include/linux/fs.h:1", file, line, ok)
	}
}

func TestLineMapUnmappedLines(t *testing.T) {
	t.Parallel()

	text := "typedef int a;\n# 1 \"<built-in>\"\n#define X 1\n# 7 \"a.c\"\nint y;\n"
	lm := ParseLineMap([]byte(text))

	for _, pp := range []int{1, 2, 3, 4} {
		if f, l, ok := lm.Lookup(pp); ok {
			t.Errorf("Lookup(%d) = %s:%d, want unmapped", pp, f, l)
		}
	}
	if f, l, ok := lm.Lookup(5); !ok || f != "a.c" || l != 7 {
		t.Errorf("Lookup(5) = %s:%d %v, want a.c:7", f, l, ok)
	}
	if _, _, ok := lm.Lookup(99); ok {
		t.Error("line past end should be unmapped")
	}
}

func TestLineMapLineDirective(t *testing.T) {
	t.Parallel()

	lm := ParseLineMap([]byte("#line 10 \"gen.c\"\nint a;\nint b;\n"))
	if f, l, ok := lm.Lookup(3); !ok || f != "gen.c" || l != 11 {
		t.Errorf("Lookup(3) = %s:%d %v, want gen.c:11", f, l, ok)
	}
	if got := len(lm.Entries()); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
}

func TestIdentity(t *testing.T) {
	t.Parallel()

	lm := Identity("fs/a.c", 3)
	for i := 1; i <= 3; i++ {
		f, l, ok := lm.Lookup(i)
		if !ok || f != "fs/a.c" || l != i {
			t.Errorf("Lookup(%d) = %s:%d %v", i, f, l, ok)
		}
	}
	if _, _, ok := lm.Lookup(4); ok {
		t.Error("Lookup(4) should be unmapped")
	}
}

func TestRunDisabledReadsRaw(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "fs/x/a.c", "int a;\nint b;")

	p := New(root, "fs/x", Config{})
	res, err := p.Run(context.Background(), "fs/x/a.c")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Text) != "int a;\nint b;" {
		t.Errorf("text = %q", res.Text)
	}
	if f, l, ok := res.LineMap.Lookup(2); !ok || f != "fs/x/a.c" || l != 2 {
		t.Errorf("Lookup(2) = %s:%d %v", f, l, ok)
	}
}

func TestRunMissingFile(t *testing.T) {
	t.Parallel()

	p := New(t.TempDir(), "fs/x", Config{})
	_, err := p.Run(context.Background(), "fs/x/missing.c")
	var pe *PreprocessError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PreprocessError", err)
	}
	if pe.File != "fs/x/missing.c" {
		t.Errorf("File = %q", pe.File)
	}
}

func TestRunCompilerFailure(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("shell script compiler")
	}

	root := t.TempDir()
	writeFile(t, root, "fs/x/a.c", "#include <missing.h>\n")
	cc := filepath.Join(root, "fakecc")
	writeFile(t, root, "fakecc", "#!/bin/sh\necho 'fatal error: missing.h' >&2\nexit 1\n")
	if err := os.Chmod(cc, 0o755); err != nil {
		t.Fatal(err)
	}

	p := New(root, "fs/x", Config{Enabled: true, Compiler: cc})
	_, err := p.Run(context.Background(), "fs/x/a.c")
	var pe *PreprocessError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PreprocessError", err)
	}
	if !strings.Contains(pe.Stderr, "missing.h") {
		t.Errorf("Stderr = %q", pe.Stderr)
	}
}

func TestRunCompilerOutput(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("shell script compiler")
	}

	root := t.TempDir()
	writeFile(t, root, "fs/x/a.c", "int a;\n")
	writeFile(t, root, "fakecc", "#!/bin/sh\nprintf '# 1 \"fs/x/a.c\"\\nint a;\\n'\n")
	cc := filepath.Join(root, "fakecc")
	if err := os.Chmod(cc, 0o755); err != nil {
		t.Fatal(err)
	}

	p := New(root, "fs/x", Config{Enabled: true, Compiler: cc})
	res, err := p.Run(context.Background(), "fs/x/a.c")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f, l, ok := res.LineMap.Lookup(2); !ok || f != "fs/x/a.c" || l != 1 {
		t.Errorf("Lookup(2) = %s:%d %v", f, l, ok)
	}
}

func TestBuildArgsDefaults(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "include", "uapi"), 0o755); err != nil {
		t.Fatal(err)
	}

	args := strings.Join(New(root, "fs/ext4", Config{Enabled: true}).Args(), " ")
	for _, want := range []string{"-E", "-nostdinc", "-D__KERNEL__", "-DKBUILD_MODNAME=ext4", "-I include", "-I include/uapi"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if strings.Contains(args, "arch/x86/include") {
		t.Errorf("args %q include a directory that does not exist", args)
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
