package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phobologic/kernelgraph/internal/config"
)

const (
	sentinelStart = "# kernelgraph:start"
	sentinelEnd   = "# kernelgraph:end"
)

func newInitCmd(stdout, stderr io.Writer) *cobra.Command {
	var dryRun, force bool
	cmd := &cobra.Command{
		Use:   "init [DIR]",
		Short: "Write a default " + config.DefaultFile + " and ignore the graph database in git",
		Long: `Write a default ` + config.DefaultFile + ` to DIR (default: the current
directory) and add the graph database files to DIR/.gitignore. The ignore
entries are wrapped in sentinel comments so they can be updated in place on
subsequent runs without touching surrounding content.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(dir, dryRun, force, stdout, stderr)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying any file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing "+config.DefaultFile)
	return cmd
}

func runInit(dir string, dryRun, force bool, stdout, stderr io.Writer) error {
	cfg := config.Default()
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	cfgPath := filepath.Join(dir, config.DefaultFile)
	ignorePath := filepath.Join(dir, ".gitignore")
	existing, err := os.ReadFile(ignorePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", ignorePath, err)
	}
	ignore := applySection(string(existing), generateSection(cfg.Database))

	if dryRun {
		_, _ = fmt.Fprintf(stdout, "# %s\n%s\n# %s\n%s", cfgPath, data, ignorePath, ignore)
		return nil
	}

	_, statErr := os.Stat(cfgPath)
	switch {
	case statErr == nil && !force:
		_, _ = fmt.Fprintf(stderr, "%s exists, leaving it alone (use --force to overwrite)\n", cfgPath)
	case statErr != nil && !errors.Is(statErr, fs.ErrNotExist):
		return statErr
	default:
		if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", cfgPath, err)
		}
		_, _ = fmt.Fprintf(stderr, "wrote %s\n", cfgPath)
	}

	if err := os.WriteFile(ignorePath, []byte(ignore), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", ignorePath, err)
	}
	_, _ = fmt.Fprintf(stderr, "updated %s\n", ignorePath)
	return nil
}

// generateSection returns the sentinel-wrapped ignore block for the database
// at db, including SQLite's WAL side files.
func generateSection(db string) string {
	db = filepath.ToSlash(db)
	lines := []string{
		sentinelStart,
		"/" + strings.TrimPrefix(db, "/"),
		"/" + strings.TrimPrefix(db, "/") + "-wal",
		"/" + strings.TrimPrefix(db, "/") + "-shm",
		"*.prom",
		sentinelEnd,
	}
	return strings.Join(lines, "\n")
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if len(content) > 0 {
		content += "\n"
	}
	return content + section + "\n"
}
