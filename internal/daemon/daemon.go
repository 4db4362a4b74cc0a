// Package daemon drives the polling loop: fetch candidate events, filter
// them through the dedup ledger, generate and publish replies, and fold what
// was learned into relationship memory.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/moltclaw/internal/config"
	"github.com/stellarlinkco/moltclaw/internal/cron"
	"github.com/stellarlinkco/moltclaw/internal/generator"
	"github.com/stellarlinkco/moltclaw/internal/ledger"
	"github.com/stellarlinkco/moltclaw/internal/notify"
	"github.com/stellarlinkco/moltclaw/internal/platform"
	"github.com/stellarlinkco/moltclaw/internal/prompt"
	"github.com/stellarlinkco/moltclaw/internal/relationship"
	"github.com/stellarlinkco/moltclaw/internal/store"
)

const cycleJob = "cycle"

// ErrCycleInProgress is returned when a cycle is requested while another is
// still running.
var ErrCycleInProgress = errors.New("daemon: cycle already in progress")

// FeedSource is where candidate events come from and replies go to.
type FeedSource interface {
	Identity(ctx context.Context) (*platform.Agent, error)
	FetchCandidates(ctx context.Context, class platform.Class) ([]platform.Event, error)
	LoadContext(ctx context.Context, ev *platform.Event)
	Publish(ctx context.Context, postID, text, parentID string) error
}

type RelationshipStore interface {
	Get(ctx context.Context, handle string) (*relationship.Record, error)
	Merge(ctx context.Context, handle string, u *relationship.Update) (*relationship.Record, error)
}

// ObservationLog keeps protocol observations and proposals.
type ObservationLog interface {
	LogFriction(ctx context.Context, entry store.FrictionEntry) error
	SaveProposal(ctx context.Context, content string) (string, error)
}

// Options overrides collaborators; nil fields are built from config.
type Options struct {
	Feed          FeedSource
	Generator     generator.Generator
	Relationships RelationshipStore
	Observations  ObservationLog
	Ledger        *ledger.Ledger
	Reporter      notify.Reporter
	Logger        *log.Logger
	// Protocol replaces the protocol document read from disk.
	Protocol   string
	SignalChan chan os.Signal
	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
}

type Daemon struct {
	cfg      *config.Config
	feed     FeedSource
	gen      generator.Generator
	rels     RelationshipStore
	obs      ObservationLog
	ledger   *ledger.Ledger
	reporter notify.Reporter
	sched    *cron.Scheduler
	logger   *log.Logger

	protocol   string
	signalChan chan os.Signal
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	closers    []io.Closer

	agentName    string
	sessionReady bool

	cycleMu  sync.Mutex
	retries  []candidate
	shutdown sync.Once
}

// New creates a Daemon with default options.
func New(cfg *config.Config) (*Daemon, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logger.WithPrefix("daemon"),
		agentName:  cfg.Platform.AgentName,
		signalChan: opts.SignalChan,
		sleep:      opts.Sleep,
		now:        opts.Now,
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	if d.now == nil {
		d.now = time.Now
	}

	var st *store.Store
	if opts.Relationships == nil || opts.Observations == nil || opts.Ledger == nil {
		var err error
		st, err = store.Open(cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		d.closers = append(d.closers, st)
	}

	d.rels = opts.Relationships
	if d.rels == nil {
		d.rels = relationship.NewStore(st, logger)
	}
	d.obs = opts.Observations
	if d.obs == nil {
		d.obs = st
	}
	d.ledger = opts.Ledger
	if d.ledger == nil {
		led, err := ledger.Open(context.Background(), st, logger)
		if err != nil {
			d.closeAll()
			return nil, err
		}
		d.ledger = led
	}
	d.restoreRetries(d.ledger.Deferred())

	d.feed = opts.Feed
	if d.feed == nil {
		client := platform.NewClient(cfg.Platform.APIBase, cfg.Platform.APIKey,
			platform.WithTimeout(cfg.RequestTimeout()),
			platform.WithRetry(cfg.Daemon.MaxRetries, cfg.RetryInitial()),
			platform.WithLogger(logger),
		)
		d.feed = platform.NewFeed(client, cfg.Platform.AgentName, cfg.Platform.Submolt, logger)
	}

	d.gen = opts.Generator
	if d.gen == nil {
		gen, err := generator.New(cfg, logger)
		if err != nil {
			d.closeAll()
			return nil, fmt.Errorf("create generator: %w", err)
		}
		d.gen = gen
	}

	d.reporter = opts.Reporter
	if d.reporter == nil {
		rep, err := newReporter(cfg, logger)
		if err != nil {
			d.closeAll()
			return nil, err
		}
		d.reporter = rep
	}

	d.protocol = opts.Protocol
	if d.protocol == "" {
		d.protocol = d.loadProtocol(cfg.ProtocolPath())
	}

	d.sched = cron.New(logger.WithPrefix("cron"))
	return d, nil
}

func newReporter(cfg *config.Config, logger *log.Logger) (notify.Reporter, error) {
	multi := notify.NewMulti(logger.WithPrefix("notify"))
	if cfg.Notify.Console {
		multi.Add(notify.NewConsole(os.Stdout))
	}
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram, logger.WithPrefix("telegram"))
		if err != nil {
			return nil, fmt.Errorf("init telegram mirror: %w", err)
		}
		multi.Add(tg)
	}
	return multi, nil
}

func (d *Daemon) loadProtocol(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("protocol document unavailable", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Ledger exposes the dedup ledger for status reporting.
func (d *Daemon) Ledger() *ledger.Ledger { return d.ledger }

// Bootstrap resolves the agent identity and opens a generator session. Only
// the identity lookup can fail.
func (d *Daemon) Bootstrap(ctx context.Context) error {
	agent, err := d.feed.Identity(ctx)
	if err != nil {
		return fmt.Errorf("fetch agent identity: %w", err)
	}
	if agent.Name != "" {
		d.agentName = agent.Name
	}
	d.logger.Info("agent identity", "name", d.agentName, "karma", agent.Karma,
		"posts", agent.PostCount, "comments", agent.CommentCount)

	d.initSession(ctx)
	return nil
}

// initSession sends the protocol document once so later prompts can
// continue the session. On failure prompts carry the protocol themselves.
func (d *Daemon) initSession(ctx context.Context) {
	genCtx, cancel := context.WithTimeout(ctx, d.cfg.GeneratorTimeout())
	defer cancel()

	if _, err := d.gen.Generate(genCtx, prompt.SessionInit(d.protocol), false); err != nil {
		d.logger.Warn("generator session init failed, using standalone prompts", "error", err)
		d.sessionReady = false
		return
	}
	d.sessionReady = true
	d.logger.Info("generator session initialized")
}

// Run bootstraps, runs one cycle immediately and then one per poll interval
// until ctx ends or a termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := d.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.Bootstrap(ctx); err != nil {
		_ = d.Shutdown()
		return err
	}

	if _, err := d.RunCycle(ctx); err != nil {
		d.logger.Error("cycle failed", "error", err)
	}

	if err := d.sched.Every(cycleJob, d.cfg.PollInterval(), func(ctx context.Context) error {
		_, err := d.RunCycle(ctx)
		return err
	}); err != nil {
		_ = d.Shutdown()
		return err
	}
	d.sched.Start(ctx)
	d.logger.Info("daemon running", "interval", d.cfg.PollInterval(), "submolt", d.cfg.Platform.Submolt)

	<-ctx.Done()
	return d.Shutdown()
}

// Shutdown stops the scheduler, persists the ledger and releases resources.
// It is safe to call more than once.
func (d *Daemon) Shutdown() error {
	var err error
	d.shutdown.Do(func() {
		d.sched.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if perr := d.ledger.Persist(ctx); perr != nil {
			d.logger.Error("persist ledger on shutdown", "error", perr)
			err = perr
		}
		if gerr := d.gen.Close(); gerr != nil {
			d.logger.Warn("close generator", "error", gerr)
		}
		d.closeAll()
		d.logger.Info("shutdown complete")
	})
	return err
}

func (d *Daemon) closeAll() {
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			d.logger.Warn("close resource", "error", err)
		}
	}
	d.closers = nil
}

func sleepContext(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
