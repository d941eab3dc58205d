package discover

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverSubsystemFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, "fs/ext4/inode.c", "int a;")
	writeFile(t, dir, "fs/ext4/super.c", "int b;")
	// Headers reach the parser through the preprocessor only.
	writeFile(t, dir, "fs/ext4/ext4.h", "int c;")
	writeFile(t, dir, "fs/ext4/Makefile", "obj-y += inode.o")
	// Hidden file should be ignored
	writeFile(t, dir, "fs/ext4/.inode.o.cmd", "x")
	// Outside the subsystem
	writeFile(t, dir, "fs/xfs/xfs_inode.c", "int d;")

	entries, err := Files(dir, "fs/ext4", Options{})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	paths := Paths(entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), paths)
	}
	if entries[0].Path != "fs/ext4/inode.c" {
		t.Errorf("entry 0: got %q", entries[0].Path)
	}
	if entries[1].Path != "fs/ext4/super.c" {
		t.Errorf("entry 1: got %q", entries[1].Path)
	}
	for _, e := range entries {
		if e.Language != "c" {
			t.Errorf("entry %q: language = %q, want c", e.Path, e.Language)
		}
	}
}

func TestDiscoverRecursive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, "drivers/net/core.c", "int a;")
	writeFile(t, dir, "drivers/net/phy/phy.c", "int b;")
	writeFile(t, dir, "drivers/net/.cache/gen.c", "int c;")

	flat, err := Files(dir, "drivers/net", Options{})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(flat) != 1 || flat[0].Path != "drivers/net/core.c" {
		t.Fatalf("non-recursive = %v", Paths(flat))
	}

	deep, err := Files(dir, "drivers/net/", Options{Recursive: true})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(deep) != 2 || deep[1].Path != "drivers/net/phy/phy.c" {
		t.Fatalf("recursive = %v", Paths(deep))
	}
}

func TestDiscoverSkipsKUnitTests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, "fs/ext4/inode.c", "int a;")
	writeFile(t, dir, "fs/ext4/inode-test.c", "int b;")
	writeFile(t, dir, "fs/ext4/mballoc_test.c", "int c;")

	entries, err := Files(dir, "fs/ext4", Options{})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %v", Paths(entries))
	}

	entries, err = Files(dir, "fs/ext4", Options{IncludeTests: true})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries with tests, got %v", Paths(entries))
	}
}

func TestDiscoverGitignore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writeFile(t, dir, ".gitignore", "*.mod.c\n")
	writeFile(t, dir, "fs/ext4/inode.c", "int a;")
	writeFile(t, dir, "fs/ext4/ext4.mod.c", "int b;")

	entries, err := Files(dir, "fs/ext4", Options{})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "fs/ext4/inode.c" {
		t.Fatalf("got %v", Paths(entries))
	}
}

func TestDiscoverMissingSubsystem(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "fs/ext4", "not a directory")

	if _, err := Files(dir, "fs/btrfs", Options{}); err == nil {
		t.Error("expected error for missing subsystem")
	}
	if _, err := Files(dir, "fs/ext4", Options{}); err == nil {
		t.Error("expected error for non-directory subsystem")
	}
}

func TestDiscoverSymlinksSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "fs/x/real.c", "int a;")

	err := os.Symlink(filepath.Join(dir, "fs/x/real.c"), filepath.Join(dir, "fs/x/link.c"))
	if err != nil {
		t.Skip("symlinks not supported")
	}

	entries, err := Files(dir, "fs/x", Options{})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry (no symlink), got %d", len(entries))
	}
	if entries[0].Path != "fs/x/real.c" {
		t.Errorf("expected fs/x/real.c, got %q", entries[0].Path)
	}
}

func TestIsTestSource(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		want bool
	}{
		{"inode-test.c", true},
		{"mballoc_test.c", true},
		{"kunit-example.c", true},
		{"ext4_kunit.c", true},
		{"inode.c", false},
		{"testing.c", false},
		{"test.c", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTestSource(tc.name); got != tc.want {
				t.Errorf("IsTestSource(%q) = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "fs/ext4/inode.c", "int a;\nint b;\nint c;\n")
	writeFile(t, dir, "fs/ext4/super.c", "int d;")
	writeFile(t, dir, "fs/ext4/ext4.h", "int e;\nint f;\n")
	writeFile(t, dir, "fs/ext4/mballoc-test.c", "int g;\n")
	writeFile(t, dir, "fs/ext4/Kconfig", "config EXT4_FS\n")
	writeFile(t, dir, "fs/ext4/Makefile", "obj-y += inode.o\n")
	writeFile(t, dir, "fs/ext4/.inode.o.cmd", "x")
	// Not counted: below the subsystem directory.
	writeFile(t, dir, "fs/ext4/sub/deep.c", "int h;\n")

	sum, err := Summarize(dir, "fs/ext4")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Sources != 2 || sum.Headers != 1 || sum.Tests != 1 {
		t.Errorf("sources=%d headers=%d tests=%d, want 2, 1, 1", sum.Sources, sum.Headers, sum.Tests)
	}
	if sum.Kconfig != 1 || sum.Makefiles != 1 || sum.Total != 6 {
		t.Errorf("kconfig=%d makefiles=%d total=%d, want 1, 1, 6", sum.Kconfig, sum.Makefiles, sum.Total)
	}
	if !sum.HasTests() || !sum.HasKconfig() {
		t.Error("expected tests and Kconfig to be reported")
	}
	if sum.Lines != 7 {
		t.Errorf("lines = %d, want 7", sum.Lines)
	}
	if sum.Largest != "fs/ext4/inode.c" || sum.LargestLines != 3 {
		t.Errorf("largest = %s (%d)", sum.Largest, sum.LargestLines)
	}
	if sum.AverageLines != 1.75 {
		t.Errorf("average = %v, want 1.75", sum.AverageLines)
	}
}

func TestSummarizeMissingSubsystem(t *testing.T) {
	t.Parallel()

	if _, err := Summarize(t.TempDir(), "fs/nope"); err == nil {
		t.Fatal("expected error for missing subsystem")
	}
}
