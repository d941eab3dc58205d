package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestFile(t *testing.T, root, rel, content string) {
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

// createSampleTree writes a two-file subsystem and a config that points at
// it with preprocessing disabled. It returns the config path.
func createSampleTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "fs/demo/super.c", `static int fill_super(int *sb)
{
	return read_block(sb, 0);
}

int demo_mount(int *sb, int flags)
{
	int err = fill_super(sb);
	return err;
}
`)
	writeTestFile(t, dir, "fs/demo/io.c", `int read_block(int *sb, int nr)
{
	return nr;
}

static void demo_kill(int *sb)
{
	demo_mount(sb, 0);
	kfree(sb);
}
`)
	cfg := "root: " + dir + "\ndatabase: " + filepath.Join(dir, "graph.db") + "\npreprocess:\n  enabled: false\nlog_level: warn\n"
	writeTestFile(t, dir, "kernelgraph.yaml", cfg)
	writeTestFile(t, dir, "empty.env", "")
	return filepath.Join(dir, "kernelgraph.yaml")
}

// runCmd runs the CLI with the sample config and fails the test on error.
func runCmd(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", cfg, "--env-file", filepath.Join(filepath.Dir(cfg), "empty.env")}, args...)
	if err := run(full, &stdout, &stderr); err != nil {
		t.Fatalf("run %v: %v\nstderr: %s", args, err, stderr.String())
	}
	return stdout.String()
}

func ingested(t *testing.T) string {
	t.Helper()
	cfg := createSampleTree(t)
	runCmd(t, cfg, "ingest", "fs/demo")
	return cfg
}

func TestRunIngest(t *testing.T) {
	t.Parallel()
	cfg := createSampleTree(t)

	out := runCmd(t, cfg, "ingest", "fs/demo")
	if !strings.Contains(out, "ingested fs/demo: 2 files ok, 0 failed") {
		t.Errorf("unexpected summary: %q", out)
	}
	if !strings.Contains(out, "4 functions") {
		t.Errorf("expected 4 functions: %q", out)
	}
}

func TestRunIngestJSONAndMetrics(t *testing.T) {
	t.Parallel()
	cfg := createSampleTree(t)
	metrics := filepath.Join(t.TempDir(), "ingest.prom")

	out := runCmd(t, cfg, "ingest", "--json", "--metrics-file", metrics, "fs/demo")
	var report struct {
		Subsystem string `json:"subsystem"`
		Totals    struct {
			FilesOK int `json:"files_ok"`
		} `json:"totals"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decoding report: %v\n%s", err, out)
	}
	if report.Subsystem != "fs/demo" || report.Totals.FilesOK != 2 {
		t.Errorf("unexpected report: %+v", report)
	}

	data, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if !strings.Contains(string(data), `kernelgraph_ingest_files_total{result="ok"} 2`) {
		t.Errorf("metrics missing file counter:\n%s", data)
	}
}

func TestRunIngestMissingSubsystem(t *testing.T) {
	t.Parallel()
	cfg := createSampleTree(t)

	var stdout, stderr bytes.Buffer
	err := run([]string{"--config", cfg, "ingest", "fs/nope"}, &stdout, &stderr)
	if err == nil {
		t.Fatal("expected error for missing subsystem")
	}
}

func TestRunImpact(t *testing.T) {
	t.Parallel()
	cfg := ingested(t)

	out := runCmd(t, cfg, "impact", "demo_mount")
	var res struct {
		Target struct {
			Name string `json:"name"`
		} `json:"target_function"`
		Callers    []json.RawMessage `json:"direct_callers"`
		Callees    []json.RawMessage `json:"direct_callees"`
		Complexity int               `json:"complexity_score"`
		Risk       string            `json:"risk_tier"`
		Coverage   *int              `json:"test_coverage_count"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decoding result: %v\n%s", err, out)
	}
	if res.Target.Name != "demo_mount" {
		t.Errorf("target = %q", res.Target.Name)
	}
	if len(res.Callers) != 1 || len(res.Callees) != 1 {
		t.Errorf("callers=%d callees=%d, want 1 and 1", len(res.Callers), len(res.Callees))
	}
	// demo_kill calls us; we reach fill_super and read_block.
	if res.Complexity != 3 {
		t.Errorf("complexity = %d, want 3", res.Complexity)
	}
	if res.Risk != "LOW" {
		t.Errorf("risk = %q, want LOW", res.Risk)
	}
	if res.Coverage != nil {
		t.Errorf("coverage should be unknown, got %d", *res.Coverage)
	}
}

func TestRunImpactTOONWithCoverage(t *testing.T) {
	t.Parallel()
	cfg := ingested(t)
	coverage := filepath.Join(t.TempDir(), "coverage.yaml")
	writeTestFile(t, filepath.Dir(coverage), "coverage.yaml", "read_block: 0\n")

	out := runCmd(t, cfg, "impact", "--format", "toon", "--coverage", coverage, "read_block")
	if !strings.Contains(out, `target: "fs/demo/io.c::read_block"`) {
		t.Errorf("missing target line:\n%s", out)
	}
	// Zero tests raise LOW to MEDIUM.
	if !strings.Contains(out, "risk: MEDIUM") {
		t.Errorf("expected MEDIUM risk:\n%s", out)
	}
	if !strings.Contains(out, "tests: 0") {
		t.Errorf("expected zero test count:\n%s", out)
	}
}

func TestRunImpactNotFound(t *testing.T) {
	t.Parallel()
	cfg := ingested(t)

	var stdout, stderr bytes.Buffer
	err := run([]string{"--config", cfg, "impact", "demo"}, &stdout, &stderr)
	if err == nil {
		t.Fatal("expected error for unknown function")
	}
	if !strings.Contains(err.Error(), "similar: demo_") {
		t.Errorf("expected suggestions, got: %v", err)
	}
}

func TestRunExport(t *testing.T) {
	t.Parallel()
	cfg := ingested(t)

	out := runCmd(t, cfg, "export", "--format", "dot", "--depth", "1", "demo_mount")
	if !strings.HasPrefix(out, "digraph callgraph {") {
		t.Errorf("expected DOT output, got:\n%s", out)
	}
	for _, name := range []string{"demo_mount", "demo_kill", "fill_super"} {
		if !strings.Contains(out, name) {
			t.Errorf("missing %s:\n%s", name, out)
		}
	}
	if strings.Contains(out, "read_block") {
		t.Errorf("depth 1 should not reach read_block:\n%s", out)
	}
}

func TestRunExportToFile(t *testing.T) {
	t.Parallel()
	cfg := ingested(t)
	path := filepath.Join(t.TempDir(), "graph.mmd")

	if out := runCmd(t, cfg, "export", "--direction", "callers", "-o", path, "read_block"); out != "" {
		t.Errorf("stdout should be empty when writing to a file, got %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "graph TD\n") {
		t.Errorf("expected mermaid output:\n%s", data)
	}
	if strings.Contains(string(data), "kfree") {
		t.Errorf("callers-only export should not include callees:\n%s", data)
	}
}

func TestRunExportBadDirection(t *testing.T) {
	t.Parallel()
	cfg := ingested(t)

	var stdout, stderr bytes.Buffer
	err := run([]string{"--config", cfg, "export", "--direction", "up", "read_block"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "direction") {
		t.Errorf("expected direction error, got %v", err)
	}
}

func TestRunHotspots(t *testing.T) {
	t.Parallel()
	cfg := ingested(t)

	out := runCmd(t, cfg, "hotspots", "-n", "2", "fs/demo")
	if !strings.Contains(out, "subsystem: fs/demo") {
		t.Errorf("missing subsystem header:\n%s", out)
	}
	if !strings.Contains(out, "hotspots[2]") {
		t.Errorf("expected 2 rows:\n%s", out)
	}
}

func TestRunStats(t *testing.T) {
	t.Parallel()
	cfg := ingested(t)

	out := runCmd(t, cfg, "stats")
	var counts map[string]int
	if err := json.Unmarshal([]byte(out), &counts); err != nil {
		t.Fatalf("decoding stats: %v\n%s", err, out)
	}
	if counts["functions"] != 4 || counts["files"] != 2 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

// ingestedWithUser adds fs/user, which calls into fs/demo, to the sample
// tree and ingests both subsystems.
func ingestedWithUser(t *testing.T) string {
	t.Helper()
	cfg := createSampleTree(t)
	writeTestFile(t, filepath.Dir(cfg), "fs/user/user.c", `int user_mount(int *sb)
{
	read_block(sb, 1);
	return demo_mount(sb, 1);
}

int user_remount(int *sb)
{
	return demo_mount(sb, 2);
}
`)
	runCmd(t, cfg, "ingest", "fs/demo")
	runCmd(t, cfg, "ingest", "fs/user")
	return cfg
}

func TestRunEntryPoints(t *testing.T) {
	t.Parallel()
	cfg := ingestedWithUser(t)

	out := runCmd(t, cfg, "entrypoints", "--format", "json", "fs/demo")
	var eps []struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
		ExternalCallers int `json:"external_callers"`
	}
	if err := json.Unmarshal([]byte(out), &eps); err != nil {
		t.Fatalf("decoding entry points: %v\n%s", err, out)
	}
	if len(eps) != 2 {
		t.Fatalf("expected 2 entry points, got %d:\n%s", len(eps), out)
	}
	if eps[0].Function.Name != "demo_mount" || eps[0].ExternalCallers != 2 {
		t.Errorf("first entry point = %s (%d), want demo_mount (2)", eps[0].Function.Name, eps[0].ExternalCallers)
	}
	if eps[1].Function.Name != "read_block" || eps[1].ExternalCallers != 1 {
		t.Errorf("second entry point = %s (%d), want read_block (1)", eps[1].Function.Name, eps[1].ExternalCallers)
	}

	top := runCmd(t, cfg, "entrypoints", "-n", "1", "fs/demo")
	if !strings.Contains(top, "entry_points[1]") || !strings.Contains(top, "demo_mount") {
		t.Errorf("expected only demo_mount:\n%s", top)
	}
}

func TestRunEntryPointsOutgoing(t *testing.T) {
	t.Parallel()
	cfg := ingestedWithUser(t)

	out := runCmd(t, cfg, "entrypoints", "--outgoing", "fs/user")
	if !strings.Contains(out, "outgoing[3]") {
		t.Errorf("expected 3 outgoing calls:\n%s", out)
	}
	if !strings.Contains(out, "user_mount,fs/user/user.c,read_block,fs/demo/io.c,fs/demo,3") {
		t.Errorf("missing read_block call:\n%s", out)
	}

	// fs/demo calls kfree, which is a stub, not another subsystem.
	none := runCmd(t, cfg, "entrypoints", "--outgoing", "fs/demo")
	if !strings.Contains(none, "outgoing[0]") {
		t.Errorf("fs/demo should have no outgoing calls:\n%s", none)
	}
}

func TestRunStatsSubsystem(t *testing.T) {
	t.Parallel()
	cfg := ingestedWithUser(t)

	out := runCmd(t, cfg, "stats", "fs/demo")
	var stats struct {
		Graph struct {
			Files         int `json:"files"`
			Functions     int `json:"functions"`
			Static        int `json:"static"`
			InternalCalls int `json:"internal_calls"`
			ExternalCalls int `json:"external_calls"`
			IncomingCalls int `json:"incoming_calls"`
			EntryPoints   int `json:"entry_points"`
		} `json:"graph"`
		Tree *struct {
			Sources int `json:"source_files"`
		} `json:"tree"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decoding stats: %v\n%s", err, out)
	}
	g := stats.Graph
	if g.Files != 2 || g.Functions != 4 || g.Static != 2 {
		t.Errorf("files=%d functions=%d static=%d, want 2, 4, 2", g.Files, g.Functions, g.Static)
	}
	// demo_mount->fill_super, fill_super->read_block, demo_kill->demo_mount.
	if g.InternalCalls != 3 || g.ExternalCalls != 1 {
		t.Errorf("internal=%d external=%d, want 3 and 1", g.InternalCalls, g.ExternalCalls)
	}
	if g.IncomingCalls != 3 || g.EntryPoints != 2 {
		t.Errorf("incoming=%d entry points=%d, want 3 and 2", g.IncomingCalls, g.EntryPoints)
	}
	if stats.Tree == nil || stats.Tree.Sources != 2 {
		t.Errorf("tree summary = %+v, want 2 sources", stats.Tree)
	}
}

func TestRunStatsSubsystemWithoutTree(t *testing.T) {
	t.Parallel()
	cfg := ingested(t)
	if err := os.RemoveAll(filepath.Join(filepath.Dir(cfg), "fs")); err != nil {
		t.Fatal(err)
	}

	out := runCmd(t, cfg, "stats", "fs/demo")
	if strings.Contains(out, `"tree"`) {
		t.Errorf("tree summary should be omitted:\n%s", out)
	}
	if !strings.Contains(out, `"functions": 4`) {
		t.Errorf("graph counts should still be reported:\n%s", out)
	}
}

func TestRunVersion(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if err := run([]string{"version"}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), "kernelgraph") {
		t.Errorf("version output: %q", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if err := run([]string{"frobnicate"}, &stdout, &stderr); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
