package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/moltclaw/internal/config"
	"github.com/stellarlinkco/moltclaw/internal/ledger"
	"github.com/stellarlinkco/moltclaw/internal/logging"
	"github.com/stellarlinkco/moltclaw/internal/relationship"
	"github.com/stellarlinkco/moltclaw/internal/store"
)

func setupHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MOLTCLAW_HOME", dir)
	for _, key := range []string{
		"MOLTCLAW_API_KEY", "MOLTCLAW_AGENT_NAME", "MOLTCLAW_SUBMOLT",
		"MOLTCLAW_GENERATOR", "MOLTCLAW_GENERATOR_API_KEY", "ANTHROPIC_API_KEY",
		"OPENAI_API_KEY", "MOLTCLAW_DB_PATH",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

// seedStore writes one record, a ledger with a response and a friction entry.
func seedStore(t *testing.T) {
	t.Helper()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	rels := relationship.NewStore(st, logging.Discard())
	if _, err := rels.Merge(ctx, "@Alice", nil); err != nil {
		t.Fatalf("Merge error: %v", err)
	}

	l, err := ledger.Open(ctx, st, logging.Discard())
	if err != nil {
		t.Fatalf("ledger.Open error: %v", err)
	}
	l.MarkSeen(ledger.Events, "p1")
	l.MarkSeen(ledger.Events, "p2")
	l.MarkResponded("p1")
	l.Touch(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := l.Persist(ctx); err != nil {
		t.Fatalf("Persist error: %v", err)
	}

	if err := st.LogFriction(ctx, store.FrictionEntry{
		EventID:     "p1",
		Author:      "alice",
		Observation: json.RawMessage(`{"compliance":"partial"}`),
	}); err != nil {
		t.Fatalf("LogFriction error: %v", err)
	}
}

func TestWriteIfNotExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	var out bytes.Buffer

	writeIfNotExists(&out, path, "first")
	writeIfNotExists(&out, path, "second")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("content = %q, want 'first'", string(data))
	}
	if strings.Count(out.String(), "Created:") != 1 {
		t.Errorf("expected one Created line, got %q", out.String())
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":                 "not set",
		"short":            "set",
		"mb-1234567890abc": "mb-1...0abc",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunOnboard(t *testing.T) {
	dir := setupHome(t)
	cmd, out := newTestCmd()

	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Errorf("config.json not created: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, config.DefaultProtocolFile))
	if err != nil {
		t.Fatalf("protocol file not created: %v", err)
	}
	if !strings.Contains(string(data), "Protocol") {
		t.Errorf("unexpected protocol content: %q", string(data))
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
	if !strings.Contains(out.String(), "Created config") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	dir := setupHome(t)
	protocol := filepath.Join(dir, config.DefaultProtocolFile)
	if err := os.WriteFile(protocol, []byte("custom"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Platform.AgentName = "Keeper"
	if err := config.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	cmd, out := newTestCmd()
	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}

	if !strings.Contains(out.String(), "Config already exists") {
		t.Errorf("output = %q", out.String())
	}
	data, _ := os.ReadFile(protocol)
	if string(data) != "custom" {
		t.Errorf("protocol file overwritten: %q", string(data))
	}
	loaded, err := config.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Platform.AgentName != "Keeper" {
		t.Errorf("config overwritten, agentName = %q", loaded.Platform.AgentName)
	}
}

func TestRunStatus_NoDatabase(t *testing.T) {
	setupHome(t)
	t.Setenv("MOLTCLAW_API_KEY", "mb-secret-key-1234")
	cmd, out := newTestCmd()

	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	s := out.String()
	for _, want := range []string{"Agent: not set", "API Key: mb-s...1234", "Generator: agentsdk", "Database: not found", "Metrics: disabled"} {
		if !strings.Contains(s, want) {
			t.Errorf("status missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "mb-secret-key-1234") {
		t.Error("status leaked the full API key")
	}
}

func TestRunStatus_WithDatabase(t *testing.T) {
	setupHome(t)
	seedStore(t)
	cmd, out := newTestCmd()

	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}

	s := out.String()
	for _, want := range []string{"Ledger: events=2 replies=0 responded=1", "Known agents: 1", "Proposals: 0"} {
		if !strings.Contains(s, want) {
			t.Errorf("status missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "Last check: never") {
		t.Errorf("last check should be set:\n%s", s)
	}
}

func TestRunAgents(t *testing.T) {
	setupHome(t)
	cmd, out := newTestCmd()

	if err := runAgentsList(cmd, nil); err != nil {
		t.Fatalf("runAgentsList error: %v", err)
	}
	if !strings.Contains(out.String(), "No agents recorded yet.") {
		t.Errorf("output = %q", out.String())
	}

	seedStore(t)
	out.Reset()
	if err := runAgentsList(cmd, nil); err != nil {
		t.Fatalf("runAgentsList error: %v", err)
	}
	if !strings.Contains(out.String(), "@alice") || !strings.Contains(out.String(), "1 interactions") {
		t.Errorf("list output = %q", out.String())
	}

	out.Reset()
	if err := runAgentsShow(cmd, []string{"ALICE"}); err != nil {
		t.Fatalf("runAgentsShow error: %v", err)
	}
	var rec relationship.Record
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("show output is not a record: %v\n%s", err, out.String())
	}
	if rec.Handle != "alice" || rec.InteractionCount != 1 {
		t.Errorf("record = %+v", rec)
	}

	if err := runAgentsShow(cmd, []string{"nobody"}); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestRunFriction(t *testing.T) {
	setupHome(t)
	cmd, out := newTestCmd()

	if err := runFriction(cmd, nil); err != nil {
		t.Fatalf("runFriction error: %v", err)
	}
	if !strings.Contains(out.String(), "No friction logged.") {
		t.Errorf("output = %q", out.String())
	}

	seedStore(t)
	out.Reset()
	if err := runFriction(cmd, nil); err != nil {
		t.Fatalf("runFriction error: %v", err)
	}
	if !strings.Contains(out.String(), "@alice (p1)") || !strings.Contains(out.String(), `"compliance":"partial"`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunImport(t *testing.T) {
	setupHome(t)
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "agents"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "agents", "Echo.json"), []byte(`{"handle":"@Echo","interaction_count":2}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "state.json"), []byte(`{"seen_posts":["p9"],"responded_to":["p9"]}`), 0644); err != nil {
		t.Fatal(err)
	}

	importDir, importState = src, "state.json"
	t.Cleanup(func() { importDir, importState = "", "state.json" })

	cmd, out := newTestCmd()
	if err := runImport(cmd, nil); err != nil {
		t.Fatalf("runImport error: %v", err)
	}
	if !strings.Contains(out.String(), "records=1") || !strings.Contains(out.String(), "ledger=true") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(out.String(), "responded=1") {
		t.Errorf("imported ledger not visible:\n%s", out.String())
	}
}

func TestRunOnce_InvalidConfig(t *testing.T) {
	setupHome(t)
	cmd, _ := newTestCmd()

	err := runOnce(cmd, nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "platform.apiKey") || !strings.Contains(err.Error(), "moltclaw onboard") {
		t.Errorf("error = %v", err)
	}
}

func TestRunMCP_RequiresAPIKey(t *testing.T) {
	setupHome(t)
	cmd, _ := newTestCmd()

	err := runMCP(cmd, nil)
	if err == nil {
		t.Fatal("expected missing api key error")
	}
	if !strings.Contains(err.Error(), "platform.apiKey") {
		t.Errorf("error = %v", err)
	}
}

func TestServeMetrics_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveMetrics(ctx, "127.0.0.1:0", logging.Discard())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serveMetrics error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveMetrics did not stop")
	}
}

func TestCommandTree(t *testing.T) {
	want := []string{"run", "once", "onboard", "status", "agents", "friction", "import", "mcp"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}
