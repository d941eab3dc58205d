package lang

import (
	"github.com/smacker/go-tree-sitter/c"
)

// Headers are not translation units; they reach the parser through the
// preprocessor.
func init() {
	Languages["c"] = &Language{
		Name:       "c",
		Extensions: []string{".c"},
		lang:       c.GetLanguage(),
	}
}

// C returns the registered C language.
func C() *Language {
	return Languages["c"]
}
