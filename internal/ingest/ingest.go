// Package ingest runs a subsystem through preprocessing and extraction on a
// pool of workers and commits the facts through a single store writer.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"golang.org/x/sync/errgroup"

	"github.com/phobologic/kernelgraph/internal/cpp"
	"github.com/phobologic/kernelgraph/internal/discover"
	"github.com/phobologic/kernelgraph/internal/lang"
	"github.com/phobologic/kernelgraph/internal/model"
	"github.com/phobologic/kernelgraph/internal/parse"
	"github.com/phobologic/kernelgraph/internal/store"
)

const defaultMaxFileSize = 4_000_000 // 4 MB of source before preprocessing

// Options describes one ingestion run.
type Options struct {
	Root      string
	Subsystem string
	// Workers is the size of the extraction pool; zero uses GOMAXPROCS.
	Workers    int
	Discover   discover.Options
	Preprocess cpp.Config
	// IncludeHeaders also emits functions defined in headers that live
	// inside the subsystem directory, such as static inline helpers.
	IncludeHeaders bool
	DropUnresolved bool
	MaxFileSize    int64
}

// FileResult is the outcome for one translation unit.
type FileResult struct {
	Path       string        `json:"path"`
	OK         bool          `json:"ok"`
	Functions  int           `json:"functions"`
	Calls      int           `json:"calls"`
	Variables  int           `json:"variables"`
	Flows      int           `json:"flows"`
	Unresolved int           `json:"unresolved"`
	Warnings   int           `json:"warnings"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// Totals sums FileResults over a run.
type Totals struct {
	FilesOK     int `json:"files_ok"`
	FilesFailed int `json:"files_failed"`
	Functions   int `json:"functions"`
	Calls       int `json:"calls"`
	Variables   int `json:"variables"`
	Flows       int `json:"flows"`
	Unresolved  int `json:"unresolved"`
}

// Report summarises a run.
type Report struct {
	RunID      string          `json:"run_id"`
	Subsystem  string          `json:"subsystem"`
	Files      []FileResult    `json:"files"`
	Warnings   []model.Warning `json:"warnings"`
	Pruned     int             `json:"pruned"`
	Reconciled int             `json:"reconciled"`
	Totals     Totals          `json:"totals"`
}

func (r *Report) add(fr FileResult) {
	r.Files = append(r.Files, fr)
	if !fr.OK {
		r.Totals.FilesFailed++
		return
	}
	r.Totals.FilesOK++
	r.Totals.Functions += fr.Functions
	r.Totals.Calls += fr.Calls
	r.Totals.Variables += fr.Variables
	r.Totals.Flows += fr.Flows
	r.Totals.Unresolved += fr.Unresolved
}

type outcome struct {
	path     string
	facts    *model.FileFacts
	err      error
	warnings []model.Warning
	duration time.Duration
}

// Run ingests opts.Subsystem into s. Per-file preprocessing and parse
// failures are recorded in the report and do not stop the run; store
// failures and cancellation do.
func Run(ctx context.Context, s *store.Store, opts Options, logger *slog.Logger, metrics *Metrics) (*Report, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	subsystem := strings.Trim(filepath.ToSlash(filepath.Clean(opts.Subsystem)), "/")

	files, err := discover.Files(opts.Root, subsystem, opts.Discover)
	if err != nil {
		return nil, fmt.Errorf("discovering files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no translation units found in %s", subsystem)
	}

	query, err := lang.C().GetQuery()
	if err != nil {
		return nil, err
	}

	w, err := s.NewWriter()
	if err != nil {
		return nil, err
	}
	defer w.Close()

	runID, err := w.BeginRun(ctx, subsystem)
	if err != nil {
		return nil, err
	}
	logger.Info("ingesting subsystem", "subsystem", subsystem, "files", len(files), "run", runID)

	pp := cpp.New(opts.Root, subsystem, opts.Preprocess)
	if pp.Enabled() {
		logger.Debug("preprocessor", "args", strings.Join(pp.Args(), " "))
	} else {
		logger.Warn("preprocessing disabled; functions using macro-expanded syntax may be skipped")
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	numWorkers = min(numWorkers, len(files))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	work := make(chan discover.FileEntry)
	results := make(chan outcome, numWorkers)

	g.Go(func() error {
		defer close(work)
		for _, f := range files {
			select {
			case work <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range numWorkers {
		g.Go(func() error {
			// Each goroutine gets its own parser
			parser := lang.C().NewParser()
			defer parser.Close()
			for f := range work {
				o := processFile(gctx, pp, parser, query, f.Path, subsystem, opts)
				select {
				case results <- o:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	var poolErr error
	go func() {
		poolErr = g.Wait()
		close(results)
	}()

	report := &Report{RunID: runID, Subsystem: subsystem, Warnings: []model.Warning{}}
	var fatal error
	for o := range results {
		if fatal != nil {
			continue
		}
		fr, err := commit(ctx, w, runID, o)
		if err != nil {
			fatal = err
			cancel()
			continue
		}
		report.add(fr)
		report.Warnings = append(report.Warnings, o.warnings...)
		metrics.observe(fr, o.warnings)

		if fr.OK {
			logger.Debug("committed file", "file", fr.Path, "functions", fr.Functions, "calls", fr.Calls, "duration", fr.Duration)
		} else {
			logger.Warn("file skipped", "file", fr.Path, "error", fr.Error)
		}
	}
	if fatal != nil {
		return nil, fatal
	}
	if poolErr != nil {
		return nil, poolErr
	}

	report.Pruned, err = w.Prune(ctx, discover.Paths(files))
	if err != nil {
		return nil, fmt.Errorf("pruning: %w", err)
	}
	report.Reconciled, err = w.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciling: %w", err)
	}
	if err := w.FinishRun(ctx, runID, report.Totals.FilesOK, report.Totals.FilesFailed); err != nil {
		return nil, fmt.Errorf("finishing run: %w", err)
	}

	logger.Info("ingestion complete",
		"subsystem", subsystem,
		"files_ok", report.Totals.FilesOK,
		"files_failed", report.Totals.FilesFailed,
		"functions", report.Totals.Functions,
		"calls", report.Totals.Calls,
		"unresolved", report.Totals.Unresolved,
		"pruned", report.Pruned,
		"reconciled", report.Reconciled)
	return report, nil
}

func processFile(ctx context.Context, pp *cpp.Preprocessor, parser *sitter.Parser, query *sitter.Query, relPath, subsystem string, opts Options) outcome {
	start := time.Now()
	o := outcome{path: relPath}

	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	if fi, err := os.Stat(filepath.Join(opts.Root, filepath.FromSlash(relPath))); err == nil && fi.Size() > maxSize {
		o.err = fmt.Errorf("skipped (>%d bytes)", maxSize)
		o.warnings = []model.Warning{{File: relPath, Kind: model.WarnSkipped, Message: o.err.Error()}}
		o.duration = time.Since(start)
		return o
	}

	res, err := pp.Run(ctx, relPath)
	if err != nil {
		o.err = err
		o.warnings = []model.Warning{{File: relPath, Kind: model.WarnPreprocess, Message: err.Error()}}
		o.duration = time.Since(start)
		return o
	}

	facts, err := parse.Extract(ctx, parser, query, res.Text, res.LineMap, parse.Options{
		Path:           relPath,
		Subsystem:      subsystem,
		Include:        includeFunc(relPath, subsystem, opts.IncludeHeaders),
		DropUnresolved: opts.DropUnresolved,
	})
	if err != nil {
		o.err = err
		o.warnings = []model.Warning{{File: relPath, Kind: model.WarnParse, Message: err.Error()}}
		o.duration = time.Since(start)
		return o
	}
	o.facts = facts
	o.warnings = facts.Warnings
	o.duration = time.Since(start)
	return o
}

func includeFunc(relPath, subsystem string, headers bool) func(string) bool {
	if !headers {
		return nil
	}
	prefix := subsystem + "/"
	return func(file string) bool {
		if file == relPath {
			return true
		}
		return strings.HasPrefix(file, prefix) && path.Ext(file) == ".h"
	}
}

func commit(ctx context.Context, w *store.Writer, runID string, o outcome) (FileResult, error) {
	fr := FileResult{Path: o.path, Duration: o.duration, Warnings: len(o.warnings)}
	if err := ctx.Err(); err != nil {
		return fr, err
	}
	if o.err != nil {
		fr.Error = o.err.Error()
		if err := w.MarkFailed(ctx, runID, o.path, o.err); err != nil {
			return fr, fmt.Errorf("recording failure of %s: %w", o.path, err)
		}
		return fr, nil
	}

	if err := w.CommitFile(ctx, runID, o.facts); err != nil {
		return fr, fmt.Errorf("committing %s: %w", o.path, err)
	}
	fr.OK = true
	fr.Functions = len(o.facts.Functions)
	for i := range o.facts.Functions {
		ff := &o.facts.Functions[i]
		fr.Calls += len(ff.Calls)
		fr.Variables += len(ff.Variables)
		fr.Flows += len(ff.Flows)
	}
	fr.Unresolved = o.facts.Unresolved()
	return fr, nil
}
