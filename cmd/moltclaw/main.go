package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/moltclaw/internal/config"
	"github.com/stellarlinkco/moltclaw/internal/daemon"
	"github.com/stellarlinkco/moltclaw/internal/ledger"
	"github.com/stellarlinkco/moltclaw/internal/logging"
	"github.com/stellarlinkco/moltclaw/internal/metrics"
	"github.com/stellarlinkco/moltclaw/internal/platform"
	"github.com/stellarlinkco/moltclaw/internal/relationship"
	"github.com/stellarlinkco/moltclaw/internal/store"
	"github.com/stellarlinkco/moltclaw/internal/tools"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:          "moltclaw",
	Short:        "moltclaw - autonomous social agent daemon",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon (poll, respond, sleep, repeat)",
	RunE:  runDaemon,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single cycle and exit",
	RunE:  runOnce,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and protocol file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show moltclaw status",
	RunE:  runStatus,
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect relationship records",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known agents",
	RunE:  runAgentsList,
}

var agentsShowCmd = &cobra.Command{
	Use:   "show <handle>",
	Short: "Print one relationship record",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsShow,
}

var frictionCmd = &cobra.Command{
	Use:   "friction",
	Short: "Show recent protocol friction observations",
	RunE:  runFriction,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a file-based data directory into the database",
	RunE:  runImport,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve platform tools to an MCP client over stdin/stdout",
	RunE:  runMCP,
}

var (
	frictionLimit int
	importDir     string
	importState   string
)

func init() {
	frictionCmd.Flags().IntVarP(&frictionLimit, "limit", "n", 10, "Number of entries to show")
	importCmd.Flags().StringVar(&importDir, "dir", "", "Directory holding agents/, maip/ and the state file (default: config dir)")
	importCmd.Flags().StringVar(&importState, "state", "state.json", "Ledger state file name inside --dir")

	agentsCmd.AddCommand(agentsListCmd, agentsShowCmd)
	rootCmd.AddCommand(runCmd, onceCmd, onboardCmd, statusCmd, agentsCmd, frictionCmd, importCmd, mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadValidConfig loads the config and builds the process logger. The caller
// closes the returned closer.
func loadValidConfig() (*config.Config, *log.Logger, io.Closer, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w\nRun 'moltclaw onboard' and edit %s", err, config.ConfigPath())
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closer, nil
}

// newLogger writes to stderr and the configured log file. Stdout stays free
// for command output and the MCP stream.
func newLogger(cfg *config.Config) (*log.Logger, io.Closer, error) {
	logCfg := cfg.Log
	logCfg.File = cfg.LogFile()
	logger, closer, err := logging.New(os.Stderr, logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	return logger, closer, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadValidConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := daemon.NewWithOptions(cfg, daemon.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The daemon returns on signal; stop the metrics server with it.
		defer cancel()
		return d.Run(ctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Addr, logging.Component(logger, "metrics"))
		})
	}
	return g.Wait()
}

// runMCP serves the platform tools until the client closes stdin. Only the
// platform credentials are needed; no generator is started.
func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.Platform.APIKey) == "" {
		return fmt.Errorf("platform.apiKey is required (or set MOLTCLAW_API_KEY)\nRun 'moltclaw onboard' and edit %s", config.ConfigPath())
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	client := platform.NewClient(cfg.Platform.APIBase, cfg.Platform.APIKey,
		platform.WithTimeout(cfg.RequestTimeout()),
		platform.WithRetry(cfg.Daemon.MaxRetries, cfg.RetryInitial()),
		platform.WithLogger(logger),
	)
	srv := tools.NewServer(client, version, logging.Component(logger, "mcp"))
	logger.Info("mcp server ready", "tools", len(tools.Names()))
	return srv.Run(commandContext(cmd), &mcp.StdioTransport{})
}

func serveMetrics(ctx context.Context, addr string, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := loadValidConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := daemon.NewWithOptions(cfg, daemon.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Shutdown()

	ctx := commandContext(cmd)
	if err := d.Bootstrap(ctx); err != nil {
		return err
	}
	report, err := d.RunCycle(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cycle %s finished in %s\n", report.ID, report.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  fetched=%d duplicates=%d self=%d responded=%d failed=%d unprocessed=%d\n",
		report.Fetched, report.Duplicates, report.Self, report.Responded, report.Failed, report.Unprocessed)
	stats := d.Ledger().Stats()
	fmt.Fprintf(out, "  ledger: events=%d replies=%d responded=%d\n", stats.Events, stats.Replies, stats.Responded)
	if n := d.Pending(); n > 0 {
		fmt.Fprintf(out, "  %d failed candidates will not be retried after exit\n", n)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(config.DataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if p := cfg.ProtocolPath(); p != "" {
		writeIfNotExists(out, p, defaultProtocolMD)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set platform.apiKey and platform.agentName\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MOLTCLAW_API_KEY / MOLTCLAW_AGENT_NAME (a .env file works too)")
	fmt.Fprintln(out, "  3. Run 'moltclaw once' to try a single cycle")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Agent: %s\n", valueOr(cfg.Platform.AgentName, "not set"))
	fmt.Fprintf(out, "Submolt: %s\n", cfg.Platform.Submolt)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Platform.APIKey))
	fmt.Fprintf(out, "Generator: %s (%s)\n", cfg.Generator.Type, generatorDetail(cfg))
	fmt.Fprintf(out, "Budget: %d responses every %s\n", cfg.Daemon.MaxResponsesPerCycle, cfg.PollInterval())
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Notify.Telegram.Enabled)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "Metrics: http://%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "Metrics: disabled")
	}

	dbPath := cfg.DBPath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintln(out, "Database: not found (run 'moltclaw once' or 'moltclaw import')")
		return nil
	}
	fmt.Fprintf(out, "Database: %s\n", dbPath)

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	ctx := context.Background()
	l, err := ledger.Open(ctx, st, logging.Discard())
	if err != nil {
		fmt.Fprintf(out, "Ledger: error (%v)\n", err)
	} else {
		stats := l.Stats()
		fmt.Fprintf(out, "Ledger: events=%d replies=%d responded=%d\n", stats.Events, stats.Replies, stats.Responded)
		if stats.LastCheck.IsZero() {
			fmt.Fprintln(out, "Last check: never")
		} else {
			fmt.Fprintf(out, "Last check: %s\n", stats.LastCheck.Local().Format(time.DateTime))
		}
	}

	if handles, err := st.ListHandles(ctx); err == nil {
		fmt.Fprintf(out, "Known agents: %d\n", len(handles))
	}
	if proposals, err := st.ListProposals(ctx); err == nil {
		fmt.Fprintf(out, "Proposals: %d\n", len(proposals))
	}
	return nil
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	return withRelationships(func(ctx context.Context, rels *relationship.Store) error {
		out := cmd.OutOrStdout()
		handles, err := rels.List(ctx)
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			fmt.Fprintln(out, "No agents recorded yet.")
			return nil
		}
		for _, h := range handles {
			rec, err := rels.Get(ctx, h)
			if err != nil {
				fmt.Fprintf(out, "@%-24s error: %v\n", h, err)
				continue
			}
			if rec == nil {
				continue
			}
			fmt.Fprintf(out, "@%-24s %4d interactions  last %s\n",
				rec.Handle, rec.InteractionCount, rec.LastInteraction.Local().Format(time.DateTime))
		}
		return nil
	})
}

func runAgentsShow(cmd *cobra.Command, args []string) error {
	return withRelationships(func(ctx context.Context, rels *relationship.Store) error {
		rec, err := rels.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no record for @%s", args[0])
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	})
}

func runFriction(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.RecentFriction(context.Background(), frictionLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No friction logged.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "[%s] @%s (%s)\n  %s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Author, e.EventID, string(e.Observation))
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	dir := importDir
	if dir == "" {
		dir = config.ConfigDir()
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := st.ImportFiles(context.Background(), dir, importState)
	if err != nil {
		return fmt.Errorf("import %s: %w", dir, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported from %s: records=%d skipped=%d ledger=%v friction=%d proposals=%d\n",
		dir, report.Records, report.Skipped, report.Ledger, report.Friction, report.Proposals)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func openStore() (*store.Store, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func withRelationships(fn func(ctx context.Context, rels *relationship.Store) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(context.Background(), relationship.NewStore(st, logging.Discard()))
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func generatorDetail(cfg *config.Config) string {
	if cfg.Generator.Type == config.GeneratorCLI {
		return "command " + cfg.Generator.Command
	}
	return "model " + cfg.Generator.Model
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultProtocolMD = `# Agent Interaction Protocol

Conventions this agent follows when talking to other agents.

## Replies
- Answer the substance of the message before anything else.
- Ask at most one open question per reply.
- Keep replies under 200 words unless asked for detail.

## Relationships
- Remember who you talked to and what was left open.
- Follow up on unanswered questions when the same agent appears again.

## Friction
- When a message is hard to parse or the conventions above get in the way,
  note it so the protocol can be improved.
`
