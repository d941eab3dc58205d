// Package cpp runs the C preprocessor over kernel sources and maps
// preprocessed line numbers back to original file locations.
package cpp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultCompiler = "gcc"
	defaultArch     = "x86"
	defaultTimeout  = 60 * time.Second
	maxStderr       = 2048
)

// Config describes how sources of one tree are preprocessed.
type Config struct {
	Enabled     bool          `yaml:"enabled"`
	Compiler    string        `yaml:"compiler"`
	Arch        string        `yaml:"arch"`
	IncludeDirs []string      `yaml:"include_dirs"`
	Defines     []string      `yaml:"defines"`
	ExtraFlags  []string      `yaml:"extra_flags"`
	Timeout     time.Duration `yaml:"timeout"`
}

// PreprocessError reports that a single file could not be preprocessed.
// The file is skipped; the run continues.
type PreprocessError struct {
	File   string
	Stderr string
	Err    error
}

func (e *PreprocessError) Error() string {
	msg := fmt.Sprintf("preprocessing %s: %v", e.File, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *PreprocessError) Unwrap() error { return e.Err }

// Result is the preprocessed text of one file and its line map.
type Result struct {
	Text    []byte
	LineMap *LineMap
}

// Preprocessor runs the compiler's preprocessing stage inside a source tree.
type Preprocessor struct {
	root string
	cfg  Config
	args []string
}

// New returns a Preprocessor for the tree at root. Include directories that
// do not exist are dropped. The subsystem name becomes KBUILD_MODNAME.
func New(root, subsystem string, cfg Config) *Preprocessor {
	if cfg.Compiler == "" {
		cfg.Compiler = defaultCompiler
	}
	if cfg.Arch == "" {
		cfg.Arch = defaultArch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	p := &Preprocessor{root: root, cfg: cfg}
	p.args = p.buildArgs(subsystem)
	return p
}

// Enabled reports whether files should be preprocessed at all.
func (p *Preprocessor) Enabled() bool {
	return p.cfg.Enabled
}

// Args returns the compiler arguments used before the file name.
func (p *Preprocessor) Args() []string {
	return append([]string(nil), p.args...)
}

func (p *Preprocessor) buildArgs(subsystem string) []string {
	args := []string{"-E", "-nostdinc"}

	defines := p.cfg.Defines
	if len(defines) == 0 {
		defines = []string{"__KERNEL__", "CONFIG_64BIT", "CONFIG_SMP", "__linux__"}
		if subsystem != "" {
			defines = append(defines, "KBUILD_MODNAME="+filepath.Base(subsystem))
		}
	}
	for _, d := range defines {
		args = append(args, "-D"+d)
	}

	dirs := p.cfg.IncludeDirs
	if len(dirs) == 0 {
		arch := filepath.Join("arch", p.cfg.Arch, "include")
		dirs = []string{
			filepath.Join(arch, "generated"),
			arch,
			filepath.Join(arch, "generated", "uapi"),
			filepath.Join(arch, "uapi"),
			"include",
			filepath.Join("include", "uapi"),
			filepath.Join("include", "generated", "uapi"),
		}
	}
	for _, d := range dirs {
		abs := d
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(p.root, d)
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			continue
		}
		args = append(args, "-I", d)
	}

	return append(args, p.cfg.ExtraFlags...)
}

// Run preprocesses relPath (relative to the tree root). When preprocessing
// is disabled the raw file is returned with an identity line map.
func (p *Preprocessor) Run(ctx context.Context, relPath string) (*Result, error) {
	if !p.cfg.Enabled {
		data, err := os.ReadFile(filepath.Join(p.root, relPath))
		if err != nil {
			return nil, &PreprocessError{File: relPath, Err: err}
		}
		return &Result{Text: data, LineMap: Identity(filepath.ToSlash(relPath), countLines(data))}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := append(p.Args(), relPath)
	cmd := exec.CommandContext(ctx, p.cfg.Compiler, args...)
	cmd.Dir = p.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", p.cfg.Timeout)
		}
		return nil, &PreprocessError{File: relPath, Stderr: truncate(stderr.String()), Err: err}
	}

	text := stdout.Bytes()
	return &Result{Text: text, LineMap: ParseLineMap(text)}, nil
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[:maxStderr] + "..."
	}
	return s
}
