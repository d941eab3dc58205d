// kernelgraph ingests a kernel subsystem into a call graph and reports the
// blast radius of changing a function.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/phobologic/kernelgraph/internal/config"
	"github.com/phobologic/kernelgraph/internal/discover"
	"github.com/phobologic/kernelgraph/internal/export"
	"github.com/phobologic/kernelgraph/internal/graph"
	"github.com/phobologic/kernelgraph/internal/impact"
	"github.com/phobologic/kernelgraph/internal/ingest"
	"github.com/phobologic/kernelgraph/internal/ranking"
	"github.com/phobologic/kernelgraph/internal/store"
	"github.com/phobologic/kernelgraph/internal/toon"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := runContext(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	return runContext(context.Background(), args, stdout, stderr)
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// app carries the state shared by every subcommand of one invocation.
type app struct {
	stdout, stderr io.Writer

	configPath string
	envFiles   []string
	dbPath     string
	srcRoot    string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "kernelgraph",
		Short:         "Call graph and change-impact analysis for kernel subsystems",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetVersionTemplate("kernelgraph {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ./"+config.DefaultFile+" if present)")
	pf.StringSliceVar(&a.envFiles, "env-file", nil, "env files to load (default ./.env if present)")
	pf.StringVar(&a.dbPath, "db", "", "graph database path")
	pf.StringVar(&a.srcRoot, "root", "", "kernel source tree root")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.newIngestCmd(),
		a.newImpactCmd(),
		a.newExportCmd(),
		a.newHotspotsCmd(),
		a.newEntryPointsCmd(),
		a.newStatsCmd(),
		newInitCmd(stdout, stderr),
		newVersionCmd(stdout),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "init" || cmd.Name() == "version" {
		return nil
	}
	cfg, err := config.Load(a.configPath, a.envFiles...)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database = a.dbPath
	}
	if a.srcRoot != "" {
		cfg.Root = a.srcRoot
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	if a.verbose {
		level = slog.LevelDebug
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if dir := filepath.Dir(a.cfg.Database); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", store.ErrUnavailable, a.cfg.Database, err)
		}
	}
	return store.Open(ctx, a.cfg.Database)
}

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) newIngestCmd() *cobra.Command {
	var (
		workers        int
		noPreprocess   bool
		includeHeaders bool
		dropUnresolved bool
		recursive      bool
		metricsFile    string
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:   "ingest SUBSYSTEM",
		Short: "Parse a subsystem (e.g. fs/ext4) into the graph store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			f := cmd.Flags()
			if f.Changed("workers") {
				cfg.Workers = workers
			}
			if noPreprocess {
				cfg.Preprocess.Enabled = false
			}
			if f.Changed("include-headers") {
				cfg.IncludeHeaders = includeHeaders
			}
			if dropUnresolved {
				cfg.Unresolved = config.UnresolvedDrop
			}
			if f.Changed("recursive") {
				cfg.Discover.Recursive = recursive
			}
			if metricsFile != "" {
				cfg.MetricsFile = metricsFile
			}

			root, err := filepath.Abs(cfg.Root)
			if err != nil {
				return fmt.Errorf("resolving root: %w", err)
			}

			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			var reg *prometheus.Registry
			var metrics *ingest.Metrics
			if cfg.MetricsFile != "" {
				reg = prometheus.NewRegistry()
				metrics = ingest.NewMetrics(reg)
			}

			report, err := ingest.Run(cmd.Context(), s, ingest.Options{
				Root:           root,
				Subsystem:      args[0],
				Workers:        cfg.Workers,
				Discover:       cfg.Discover,
				Preprocess:     cfg.Preprocess,
				IncludeHeaders: cfg.IncludeHeaders,
				DropUnresolved: cfg.DropUnresolved(),
				MaxFileSize:    cfg.MaxFileSize,
			}, a.logger, metrics)
			if err != nil {
				return err
			}

			if reg != nil {
				if err := prometheus.WriteToTextfile(cfg.MetricsFile, reg); err != nil {
					return fmt.Errorf("writing metrics: %w", err)
				}
			}

			if asJSON {
				return a.writeJSON(report)
			}
			t := report.Totals
			_, _ = fmt.Fprintf(a.stdout, "ingested %s: %d files ok, %d failed; %d functions, %d calls (%d unresolved sites), %d variables, %d flows; pruned %d, reconciled %d\n",
				report.Subsystem, t.FilesOK, t.FilesFailed, t.Functions, t.Calls, t.Unresolved, t.Variables, t.Flows, report.Pruned, report.Reconciled)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&workers, "workers", "j", 0, "parallel workers (default: all cores)")
	f.BoolVar(&noPreprocess, "no-preprocess", false, "parse raw sources without running the preprocessor (macro-generated definitions and calls are missed)")
	f.BoolVar(&includeHeaders, "include-headers", false, "also record functions defined in the subsystem's headers")
	f.BoolVar(&dropUnresolved, "drop-unresolved", false, "omit placeholder edges for calls through pointers")
	f.BoolVarP(&recursive, "recursive", "r", false, "descend into subdirectories of the subsystem")
	f.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	f.BoolVar(&asJSON, "json", false, "print the full run report as JSON")
	return cmd
}

func (a *app) analyzer(s *store.Store) (*impact.Analyzer, error) {
	reader, err := graph.NewCachedReader(s, max(a.cfg.CacheSize, 1))
	if err != nil {
		return nil, err
	}
	an := &impact.Analyzer{
		Reader:    reader,
		Lookup:    s,
		MaxDepth:  a.cfg.Impact.MaxDepth,
		MaxChains: a.cfg.Impact.MaxChains,
		Logger:    a.logger,
	}
	if a.cfg.Impact.Coverage != "" {
		cov, err := impact.LoadCoverage(a.cfg.Impact.Coverage)
		if err != nil {
			return nil, err
		}
		an.Coverage = cov
	}
	return an, nil
}

// explain turns lookup failures into messages that list what the user can
// try instead.
func explain(ctx context.Context, s *store.Store, name string, err error) error {
	var amb *impact.AmbiguousError
	switch {
	case errors.As(err, &amb):
		var b strings.Builder
		fmt.Fprintf(&b, "%q matches %d functions; pick one with --file or use --all:", name, len(amb.Candidates))
		for _, c := range amb.Candidates {
			fmt.Fprintf(&b, "\n  %s:%d (%s)", c.File, c.StartLine, c.Storage)
		}
		return errors.New(b.String())
	case errors.Is(err, impact.ErrNotFound):
		similar, serr := s.Search(ctx, name, 5)
		if serr != nil || len(similar) == 0 {
			return err
		}
		names := make([]string, len(similar))
		for i, f := range similar {
			names[i] = f.Name
		}
		return fmt.Errorf("%w (similar: %s)", err, strings.Join(names, ", "))
	}
	return err
}

func (a *app) newImpactCmd() *cobra.Command {
	var (
		file     string
		depth    int
		chains   int
		coverage string
		format   string
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "impact FUNCTION",
		Short: "Report callers, callees, call chains and risk of changing a function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if depth > 0 {
				a.cfg.Impact.MaxDepth = depth
			}
			if chains > 0 {
				a.cfg.Impact.MaxChains = chains
			}
			if coverage != "" {
				a.cfg.Impact.Coverage = coverage
			}
			if format != "json" && format != "toon" {
				return fmt.Errorf("unsupported format %q", format)
			}

			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			an, err := a.analyzer(s)
			if err != nil {
				return err
			}

			var results []*impact.Result
			if all {
				results, err = an.AnalyzeAll(ctx, args[0])
			} else {
				var r *impact.Result
				r, err = an.Analyze(ctx, args[0], file)
				results = []*impact.Result{r}
			}
			if err != nil {
				return explain(ctx, s, args[0], err)
			}

			if format == "toon" {
				for _, r := range results {
					_, _ = fmt.Fprintln(a.stdout, toon.EncodeImpact(r))
				}
				return nil
			}
			if all {
				return a.writeJSON(results)
			}
			return a.writeJSON(results[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "file that defines the function, to disambiguate statics")
	f.IntVarP(&depth, "depth", "d", 0, "maximum traversal depth (default from config)")
	f.IntVar(&chains, "max-chains", 0, "maximum call chains reported (default from config)")
	f.StringVar(&coverage, "coverage", "", "YAML file mapping functions to test counts")
	f.StringVarP(&format, "format", "f", "json", "output format: json or toon")
	f.BoolVar(&all, "all", false, "analyze every function with this name")
	return cmd
}

func (a *app) newExportCmd() *cobra.Command {
	var (
		file      string
		depth     int
		direction string
		variables bool
		format    string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "export FUNCTION",
		Short: "Export the call graph around a function as JSON, DOT, Mermaid or TOON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fmtName, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			opts := export.Options{Variables: variables}
			switch direction {
			case "both":
				opts.Callers, opts.Callees = true, true
			case "callers":
				opts.Callers = true
			case "callees":
				opts.Callees = true
			default:
				return fmt.Errorf("direction must be both, callers or callees, got %q", direction)
			}

			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			an, err := a.analyzer(s)
			if err != nil {
				return err
			}
			target, err := an.Resolve(ctx, args[0], file)
			if err != nil {
				return explain(ctx, s, args[0], err)
			}

			sg, err := export.Build(ctx, an.Reader, target, depth, opts)
			if err != nil {
				return err
			}

			w := a.stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := export.Write(w, sg, fmtName); err != nil {
				return err
			}
			if output != "" {
				a.logger.Info("wrote subgraph", "file", output, "nodes", len(sg.Nodes), "edges", len(sg.Edges))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&file, "file", "", "file that defines the function, to disambiguate statics")
	f.IntVarP(&depth, "depth", "d", 2, "hops to include around the function")
	f.StringVar(&direction, "direction", "both", "both, callers or callees")
	f.BoolVar(&variables, "variables", false, "include variables and data-flow edges")
	f.StringVarP(&format, "format", "f", "mermaid", "json, dot, mermaid or toon")
	f.StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func (a *app) newHotspotsCmd() *cobra.Command {
	var (
		n          int
		fileFilter string
		nameFilter string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "hotspots [SUBSYSTEM]",
		Short: "Rank functions by call-graph centrality",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			subsystem := ""
			if len(args) > 0 {
				subsystem = subsystemArg(args[0])
			}

			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			fns, err := s.Functions(ctx, subsystem)
			if err != nil {
				return err
			}
			if fileFilter != "" {
				fns = ranking.FilterByFile(fns, fileFilter)
			}
			if nameFilter != "" {
				fns = ranking.FilterByName(fns, nameFilter)
			}
			if len(fns) == 0 {
				return fmt.Errorf("no functions found")
			}

			snap, err := s.Snapshot(ctx, subsystem)
			if err != nil {
				return err
			}
			hot, err := ranking.Hotspots(ctx, snap, fns, n)
			if err != nil {
				return err
			}
			switch format {
			case "toon":
				_, _ = fmt.Fprintln(a.stdout, toon.EncodeHotspots(subsystem, hot))
				return nil
			case "json":
				return a.writeJSON(hot)
			}
			return fmt.Errorf("unsupported format %q", format)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&n, "top", "n", 20, "number of functions to show (0 for all)")
	f.StringVar(&fileFilter, "file", "", "only functions whose file path contains this")
	f.StringVar(&nameFilter, "name", "", "only functions whose name contains this")
	f.StringVarP(&format, "format", "f", "toon", "output format: toon or json")
	return cmd
}

func subsystemArg(arg string) string {
	return strings.Trim(filepath.ToSlash(filepath.Clean(arg)), "/")
}

func (a *app) newEntryPointsCmd() *cobra.Command {
	var (
		n        int
		outgoing bool
		format   string
	)
	cmd := &cobra.Command{
		Use:   "entrypoints SUBSYSTEM",
		Short: "List the functions of a subsystem that other subsystems call",
		Long: `List the functions of SUBSYSTEM called from other subsystems, most
external callers first. With --outgoing, list the calls SUBSYSTEM makes into
functions defined by other subsystems instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			subsystem := subsystemArg(args[0])
			if format != "toon" && format != "json" {
				return fmt.Errorf("unsupported format %q", format)
			}

			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if outgoing {
				edges, err := s.CrossSubsystemCalls(ctx, subsystem)
				if err != nil {
					return err
				}
				if format == "json" {
					return a.writeJSON(edges)
				}
				_, _ = fmt.Fprintln(a.stdout, toon.EncodeCrossCalls(subsystem, edges))
				return nil
			}

			eps, err := s.EntryPoints(ctx, subsystem, n)
			if err != nil {
				return err
			}
			if format == "json" {
				return a.writeJSON(eps)
			}
			_, _ = fmt.Fprintln(a.stdout, toon.EncodeEntryPoints(subsystem, eps))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&n, "top", "n", 50, "number of entry points to show (0 for all)")
	f.BoolVar(&outgoing, "outgoing", false, "list calls into other subsystems instead")
	f.StringVarP(&format, "format", "f", "toon", "output format: toon or json")
	return cmd
}

// subsystemStats is the stats output for one subsystem. Tree is omitted
// when the source tree is not available.
type subsystemStats struct {
	Graph store.SubsystemCounts `json:"graph"`
	Tree  *discover.Summary     `json:"tree,omitempty"`
}

func (a *app) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [SUBSYSTEM]",
		Short: "Show node and edge counts of the graph store or of one subsystem",
		Long: `Without arguments, show the node and edge counts of the whole graph
store. With SUBSYSTEM, show its graph counts and a summary of its directory
in the source tree.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 0 {
				counts, err := s.Counts(ctx)
				if err != nil {
					return err
				}
				return a.writeJSON(counts)
			}

			subsystem := subsystemArg(args[0])
			out := subsystemStats{}
			if out.Graph, err = s.SubsystemCounts(ctx, subsystem); err != nil {
				return err
			}
			sum, err := discover.Summarize(a.cfg.Root, subsystem)
			if err != nil {
				a.logger.Warn("source tree unavailable, omitting tree summary", "subsystem", subsystem, "error", err)
			} else {
				out.Tree = &sum
			}
			return a.writeJSON(out)
		},
	}
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			_, _ = fmt.Fprintf(stdout, "kernelgraph %s\n", version)
		},
	}
}

