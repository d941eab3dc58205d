package cpp

import (
	"bufio"
	"bytes"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// markerRe matches both GNU line markers (`# 42 "file" 1 3`) and standard
// `#line 42 "file"` directives.
var markerRe = regexp.MustCompile(`^#\s*(?:line\s+)?(\d+)\s+"((?:[^"\\]|\\.)*)"`)

// Entry maps the preprocessed lines [Start, End) to File starting at Line.
type Entry struct {
	Start int
	End   int
	File  string
	Line  int
}

// LineMap translates preprocessed line numbers back to original locations.
// Entries are ordered by Start and do not overlap.
type LineMap struct {
	entries []Entry
}

// ParseLineMap builds a LineMap from preprocessor output. Lines before the
// first marker, marker lines themselves, and lines attributed to the
// compiler's pseudo-files are left unmapped.
func ParseLineMap(text []byte) *LineMap {
	lm := &LineMap{}
	var cur *Entry

	sc := bufio.NewScanner(bytes.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	ppLine := 0
	for sc.Scan() {
		ppLine++
		m := markerRe.FindSubmatch(sc.Bytes())
		if m == nil {
			continue
		}
		if cur != nil {
			cur.End = ppLine
			lm.add(*cur)
			cur = nil
		}
		file := unescape(string(m[2]))
		if isPseudoFile(file) {
			continue
		}
		n, err := strconv.Atoi(string(m[1]))
		if err != nil {
			continue
		}
		cur = &Entry{Start: ppLine + 1, File: normalize(file), Line: n}
	}
	if cur != nil {
		cur.End = ppLine + 1
		lm.add(*cur)
	}
	return lm
}

// Identity returns a LineMap that maps every line of an unpreprocessed file
// to itself.
func Identity(file string, lines int) *LineMap {
	if lines <= 0 {
		return &LineMap{}
	}
	return &LineMap{entries: []Entry{{Start: 1, End: lines + 1, File: file, Line: 1}}}
}

func (lm *LineMap) add(e Entry) {
	if e.End > e.Start {
		lm.entries = append(lm.entries, e)
	}
}

// Lookup returns the original file and line for a 1-based preprocessed line.
func (lm *LineMap) Lookup(ppLine int) (file string, line int, ok bool) {
	i := sort.Search(len(lm.entries), func(i int) bool {
		return lm.entries[i].End > ppLine
	})
	if i == len(lm.entries) || lm.entries[i].Start > ppLine {
		return "", 0, false
	}
	e := lm.entries[i]
	return e.File, e.Line + (ppLine - e.Start), true
}

// Entries returns the ordered mapping table.
func (lm *LineMap) Entries() []Entry {
	return lm.entries
}

func isPseudoFile(name string) bool {
	return strings.HasPrefix(name, "<") && strings.HasSuffix(name, ">")
}

func normalize(file string) string {
	if filepath.IsAbs(file) {
		return filepath.Clean(file)
	}
	return filepath.ToSlash(filepath.Clean(file))
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
