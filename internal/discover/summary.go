package discover

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/phobologic/kernelgraph/internal/lang"
)

// Summary counts the files of one subsystem directory, not descending into
// subdirectories.
type Summary struct {
	Subsystem string `json:"subsystem"`
	Sources   int    `json:"source_files"`
	Headers   int    `json:"header_files"`
	Tests     int    `json:"test_files"`
	Kconfig   int    `json:"kconfig_files"`
	Makefiles int    `json:"makefiles"`
	Total     int    `json:"total_files"`

	Lines        int     `json:"lines_of_code"`
	AverageLines float64 `json:"average_lines_per_file"`
	Largest      string  `json:"largest_file,omitempty"`
	LargestLines int     `json:"largest_file_lines"`
}

// HasTests reports whether the subsystem carries KUnit sources.
func (s Summary) HasTests() bool { return s.Tests > 0 }

// HasKconfig reports whether the subsystem has its own Kconfig.
func (s Summary) HasKconfig() bool { return s.Kconfig > 0 }

// Summarize counts the sources, headers, tests and build files of subsystem
// under root. Lines are counted over C sources and headers.
func Summarize(root, subsystem string) (Summary, error) {
	sum := Summary{Subsystem: filepath.ToSlash(filepath.Clean(subsystem))}
	dir := filepath.Join(root, filepath.FromSlash(subsystem))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return sum, fmt.Errorf("subsystem %s: %w", subsystem, err)
	}

	counted := 0
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		sum.Total++

		switch {
		case name == "Kconfig" || strings.HasPrefix(name, "Kconfig."):
			sum.Kconfig++
			continue
		case name == "Makefile" || name == "Kbuild":
			sum.Makefiles++
			continue
		}

		ext := filepath.Ext(name)
		if lang.ForExtension(ext) == "" && ext != ".h" {
			continue
		}
		switch {
		case ext == ".h":
			sum.Headers++
		case IsTestSource(name):
			sum.Tests++
		default:
			sum.Sources++
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		n := countLines(data)
		counted++
		sum.Lines += n
		if n > sum.LargestLines {
			sum.LargestLines = n
			sum.Largest = sum.Subsystem + "/" + name
		}
	}
	if counted > 0 {
		sum.AverageLines = float64(sum.Lines) / float64(counted)
	}
	return sum, nil
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
