package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yoanbernabeu/codegrep/config"
	"github.com/yoanbernabeu/codegrep/engine"
	"github.com/yoanbernabeu/codegrep/workspace"
)

// resetFlags restores every package-level flag to its default, since cobra
// keeps values between Execute calls.
func resetFlags() {
	dataDir, verbose = "", false
	searchLimit, searchJSON, searchTOON, searchCompact = 0, false, false, false
	searchExts, searchPrefix, searchTextOnly, searchPath = nil, "", false, ""
	indexEmbeddings, indexRebuild, indexJSON = false, false, false
	statusDetailed, statusJSON = false, false
	indexesJSON = false
	watchBackground, watchLogDir, watchStatus, watchStop = false, "", false, false
	initProvider, initModel, initForce = "", "", false
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	return filepath.Join(home, "indexes")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"src/auth.rs": "use crate::token::Token;\n\npub fn login(user: &str) -> Result<Token> { ... }\n",
		"web/app.php": "<?php\n$user_id = $request->get('id');\n",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestIndexSearchStatus(t *testing.T) {
	data := isolate(t)
	root := writeWorkspace(t)

	out, err := run(t, "index", root, "--data-dir", data, "--json")
	if err != nil {
		t.Fatalf("index failed: %v\n%s", err, out)
	}
	var report engine.IndexReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode report: %v\n%s", err, out)
	}
	if report.DocumentsIndexed < 2 {
		t.Errorf("DocumentsIndexed = %d, want at least 2", report.DocumentsIndexed)
	}

	out, err = run(t, "search", "fn login", "--path", root, "--data-dir", data, "--json")
	if err != nil {
		t.Fatalf("search failed: %v\n%s", err, out)
	}
	var results []SearchResultJSON
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("failed to decode results: %v\n%s", err, out)
	}
	if len(results) == 0 || results[0].FilePath != "src/auth.rs" {
		t.Fatalf("results = %+v, want src/auth.rs first", results)
	}
	if results[0].StartLine > 3 || results[0].EndLine < 3 || results[0].Score <= 0 {
		t.Errorf("unexpected hit %+v", results[0])
	}

	out, err = run(t, "search", "--path", root, "--data-dir", data, "--json", "--ext", "rs", "--", "->get(")
	if err != nil {
		t.Fatalf("search failed: %v\n%s", err, out)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("expected no hits, got %s", out)
	}

	out, err = run(t, "search", "--path", root, "--data-dir", data, "--json", "--", "->get(")
	if err != nil {
		t.Fatalf("search failed: %v\n%s", err, out)
	}
	results = nil
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("failed to decode results: %v\n%s", err, out)
	}
	if len(results) != 1 || results[0].FilePath != "web/app.php" {
		t.Errorf("results = %+v, want web/app.php", results)
	}

	out, err = run(t, "status", root, "--data-dir", data, "--json", "--detailed")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	var st engine.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("failed to decode status: %v\n%s", err, out)
	}
	if !st.Indexed || st.DocumentCount != report.DocumentsIndexed || st.Extensions["rs"] != 1 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestSearchErrors(t *testing.T) {
	data := isolate(t)
	root := writeWorkspace(t)

	if _, err := run(t, "search", "login", "--compact", "--path", root, "--data-dir", data); err == nil {
		t.Error("expected --compact without --json or --toon to fail")
	}

	out, err := run(t, "search", "login", "--path", root, "--data-dir", data, "--json")
	if err == nil {
		t.Fatal("expected search of unindexed workspace to fail")
	}
	if !strings.Contains(out, `"error"`) || !strings.Contains(out, "not indexed") {
		t.Errorf("expected JSON error output, got %s", out)
	}
}

func TestIndexesCommands(t *testing.T) {
	data := isolate(t)
	kept := writeWorkspace(t)
	gone := writeWorkspace(t)

	for _, root := range []string{kept, gone} {
		if out, err := run(t, "index", root, "--data-dir", data); err != nil {
			t.Fatalf("index failed: %v\n%s", err, out)
		}
	}

	out, err := run(t, "indexes", "list", "--data-dir", data, "--json")
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	var entries []workspace.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("failed to decode entries: %v\n%s", err, out)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 indexes, got %d", len(entries))
	}

	if err := os.RemoveAll(gone); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "indexes", "clean", "--data-dir", data, "--json")
	if err != nil {
		t.Fatalf("clean failed: %v\n%s", err, out)
	}
	var report workspace.CleanReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode clean report: %v\n%s", err, out)
	}
	if len(report.Removed) != 1 || report.BytesReclaimed <= 0 {
		t.Errorf("unexpected clean report %+v", report)
	}

	out, err = run(t, "indexes", "remove", kept, "--data-dir", data)
	if err != nil {
		t.Fatalf("remove failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Removed index of") {
		t.Errorf("unexpected remove output: %s", out)
	}

	out, err = run(t, "indexes", "list", "--data-dir", data)
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No indexes") {
		t.Errorf("expected empty list, got %s", out)
	}
}

func TestWatchFlagsMutuallyExclusive(t *testing.T) {
	isolate(t)
	if _, err := run(t, "watch", "--background", "--stop"); err == nil {
		t.Fatal("expected mutually exclusive flags to fail")
	}
}

func TestWatchStatusNotRunning(t *testing.T) {
	data := isolate(t)
	logDir := t.TempDir()
	out, err := run(t, "watch", "--status", "--log-dir", logDir, "--data-dir", data)
	if err != nil {
		t.Fatalf("watch --status failed: %v", err)
	}
	if !strings.Contains(out, "Status: not running") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestResolveWorkspace(t *testing.T) {
	got, err := resolveWorkspace([]string{"/some/path"})
	if err != nil || got != "/some/path" {
		t.Fatalf("resolveWorkspace() = %q, %v", got, err)
	}

	dir := t.TempDir()
	if _, err := exec.LookPath("git"); err == nil {
		if err := exec.Command("git", "init", dir).Run(); err != nil {
			t.Fatalf("git init failed: %v", err)
		}
	} else if err := os.Mkdir(filepath.Join(dir, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(sub)

	got, err = resolveWorkspace(nil)
	if err != nil {
		t.Fatalf("resolveWorkspace() error: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Errorf("resolveWorkspace() = %q, want %q", got, dir)
	}
}

func TestInit(t *testing.T) {
	isolate(t)
	root := t.TempDir()

	out, err := run(t, "init", root, "--provider", "hash")
	if err != nil {
		t.Fatalf("init failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Created") {
		t.Errorf("unexpected output: %s", out)
	}
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("config.Load() = %v", err)
	}
	if cfg.Embedder.Provider != "hash" {
		t.Errorf("Provider = %q, want hash", cfg.Embedder.Provider)
	}

	out, err = run(t, "init", root)
	if err != nil || !strings.Contains(out, "already initialized") {
		t.Errorf("second init = %v, %s", err, out)
	}

	if _, err := run(t, "init", root, "--force", "--provider", "nope"); err == nil {
		t.Error("expected unknown provider to fail")
	}
}
