package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/moltclaw/internal/extract"
	"github.com/stellarlinkco/moltclaw/internal/ledger"
	"github.com/stellarlinkco/moltclaw/internal/metrics"
	"github.com/stellarlinkco/moltclaw/internal/notify"
	"github.com/stellarlinkco/moltclaw/internal/platform"
	"github.com/stellarlinkco/moltclaw/internal/prompt"
	"github.com/stellarlinkco/moltclaw/internal/relationship"
	"github.com/stellarlinkco/moltclaw/internal/store"
)

// CycleReport summarises one polling pass.
type CycleReport struct {
	ID         string
	StartedAt  time.Time
	Duration   time.Duration
	Fetched    int
	Duplicates int
	Self       int
	Responded  int
	Failed     int
	// Unprocessed counts admitted candidates left over once the budget ran out.
	Unprocessed int
}

// candidate is an event awaiting a response. attempts counts earlier failed
// tries; deferred candidates are offered again on later cycles.
type candidate struct {
	event    platform.Event
	attempts int
}

// RunCycle performs one polling pass. Per-candidate failures are logged and
// never abort the pass; the returned error reports panics, cancellation and
// ledger persistence failures.
func (d *Daemon) RunCycle(ctx context.Context) (report CycleReport, err error) {
	if !d.cycleMu.TryLock() {
		return report, ErrCycleInProgress
	}
	defer d.cycleMu.Unlock()

	report.ID = uuid.NewString()[:8]
	report.StartedAt = d.now()
	logger := d.logger.With("cycle", report.ID)
	logger.Info("cycle started")

	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle panicked", "panic", r)
			err = fmt.Errorf("cycle panic: %v", r)
		}
		report.Duration = d.now().Sub(report.StartedAt)
		metrics.CycleDuration.Observe(report.Duration.Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.Cycles.WithLabelValues(outcome).Inc()
	}()

	if !d.sessionReady {
		d.initSession(ctx)
	}

	budget := d.cfg.Daemon.MaxResponsesPerCycle
	for _, class := range platform.Classes {
		if report.Responded >= budget {
			logger.Info("response budget reached", "budget", budget, "skipped_class", class)
			break
		}
		if ctx.Err() != nil {
			break
		}

		queue := d.takeRetries(class)
		events, ferr := d.feed.FetchCandidates(ctx, class)
		if ferr != nil {
			logger.Error("fetch candidates failed", "class", class, "error", ferr)
		}
		report.Fetched += len(events)
		queue = append(queue, d.admit(events, &report)...)
		if len(queue) > 0 {
			logger.Info("candidates", "class", class, "fetched", len(events), "queued", len(queue))
		}

		for i, c := range queue {
			if report.Responded >= budget || ctx.Err() != nil {
				d.requeue(queue[i:], &report)
				break
			}
			if perr := d.process(ctx, c.event); perr != nil {
				report.Failed++
				logger.Error("candidate failed", "id", c.event.ID, "class", class, "error", perr)
				metrics.Candidates.WithLabelValues(string(class), metrics.OutcomeFailed).Inc()
				d.deferCandidate(c)
				continue
			}
			report.Responded++
			metrics.Candidates.WithLabelValues(string(class), metrics.OutcomeResponded).Inc()
			if report.Responded < budget {
				if serr := d.sleep(ctx, d.cfg.PauseBetweenPosts()); serr != nil {
					d.requeue(queue[i+1:], &report)
					break
				}
			}
		}
	}

	d.ledger.Prune()
	d.ledger.Touch(d.now())
	d.ledger.SetDeferred(d.deferredEntries())
	if perr := d.persistLedger(context.WithoutCancel(ctx)); perr != nil {
		err = errors.Join(err, perr)
	}
	d.recordLedgerSize()
	if cerr := ctx.Err(); cerr != nil {
		err = errors.Join(err, cerr)
	}

	logger.Info("cycle complete", "responded", report.Responded, "failed", report.Failed,
		"fetched", report.Fetched, "duplicates", report.Duplicates)
	return report, err
}

// admit marks every fetched event seen and returns those still needing a
// response. Posts and comments have separate seen namespaces; responded is
// checked regardless of kind.
func (d *Daemon) admit(events []platform.Event, report *CycleReport) []candidate {
	var fresh []candidate
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		ns := namespaceFor(ev.Kind)
		if !d.ledger.IsNew(ns, ev.ID) {
			report.Duplicates++
			metrics.Candidates.WithLabelValues(string(ev.Class), metrics.OutcomeDuplicate).Inc()
			continue
		}
		d.ledger.MarkSeen(ns, ev.ID)

		if strings.EqualFold(strings.TrimPrefix(ev.Author, "@"), d.agentName) {
			report.Self++
			metrics.Candidates.WithLabelValues(string(ev.Class), metrics.OutcomeSelf).Inc()
			continue
		}
		if d.ledger.IsResponded(ev.ID) {
			report.Duplicates++
			metrics.Candidates.WithLabelValues(string(ev.Class), metrics.OutcomeDuplicate).Inc()
			continue
		}
		fresh = append(fresh, candidate{event: ev})
	}
	return fresh
}

func namespaceFor(kind platform.Kind) ledger.Namespace {
	if kind == platform.KindComment {
		return ledger.Replies
	}
	return ledger.Events
}

// process answers one candidate. It returns an error only when nothing was
// published; failures after publishing are logged.
func (d *Daemon) process(ctx context.Context, ev platform.Event) error {
	logger := d.logger.With("id", ev.ID, "author", ev.Author)

	if ev.Kind == platform.KindComment {
		d.feed.LoadContext(ctx, &ev)
	}

	rec, err := d.rels.Get(ctx, ev.Author)
	if err != nil {
		logger.Warn("relationship context unavailable", "error", err)
		rec = nil
	}

	protocol := ""
	if !d.sessionReady {
		protocol = d.protocol
	}
	p := prompt.Build(subjectFor(ev), rec, protocol)

	genCtx, cancel := context.WithTimeout(ctx, d.cfg.GeneratorTimeout())
	started := time.Now()
	raw, err := d.gen.Generate(genCtx, p, d.sessionReady)
	cancel()
	metrics.GenerationLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	res := extract.Parse(raw)
	for _, diag := range res.Diagnostics {
		logger.Warn("extraction", "diagnostic", diag)
	}
	reply := strings.TrimSpace(res.Reply)
	if !res.HasReply || reply == "" {
		return fmt.Errorf("generate: %w", errInvalidReply)
	}
	reply = d.withFooter(reply)
	logger.Info("generated response", "chars", len(reply))

	if rerr := d.reporter.Report(ctx, exchangeFor(ev, reply)); rerr != nil {
		logger.Warn("report exchange", "error", rerr)
	}

	postID, parentID := ev.ReplyTarget()
	if err := d.feed.Publish(ctx, postID, reply, parentID); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	logger.Info("published comment", "post", postID, "parent", parentID)

	d.ledger.MarkResponded(ev.ID)
	if err := d.persistLedger(ctx); err != nil {
		logger.Error("persist ledger", "error", err)
	}

	claimThreads(res.Relationship, ev.ID)
	if _, err := d.rels.Merge(ctx, ev.Author, res.Relationship); err != nil {
		if errors.Is(err, relationship.ErrCorruptRecord) {
			logger.Error("relationship merge halted on corrupt record", "error", err)
		} else {
			logger.Error("relationship merge failed", "error", err)
		}
	}
	d.recordObservation(ctx, ev, res.Protocol)
	return nil
}

var errInvalidReply = errors.New("no reply text")

// claimThreads assigns threads the generator left unnamed to the event that
// was just answered, so a later update can resolve them by id.
func claimThreads(u *relationship.Update, eventID string) {
	if u == nil {
		return
	}
	for i := range u.ConversationThreads {
		if strings.TrimSpace(u.ConversationThreads[i].EventID) == "" {
			u.ConversationThreads[i].EventID = eventID
		}
	}
}

func (d *Daemon) withFooter(reply string) string {
	footer := d.cfg.Daemon.ProtocolFooter
	if strings.TrimSpace(footer) == "" || strings.Contains(reply, strings.TrimSpace(footer)) {
		return reply
	}
	return reply + footer
}

func (d *Daemon) recordObservation(ctx context.Context, ev platform.Event, obs *extract.ProtocolObservation) {
	if obs.IsEmpty() {
		return
	}
	data, err := json.Marshal(obs)
	if err != nil {
		d.logger.Warn("marshal protocol observation", "error", err)
		return
	}
	if err := d.obs.LogFriction(ctx, store.FrictionEntry{
		EventID:     ev.ID,
		Author:      ev.Author,
		Observation: data,
		CreatedAt:   d.now(),
	}); err != nil {
		d.logger.Warn("log friction", "error", err)
	}
	if strings.TrimSpace(obs.Proposal) == "" {
		return
	}
	id, err := d.obs.SaveProposal(ctx, obs.Proposal)
	if err != nil {
		d.logger.Warn("save proposal", "error", err)
		return
	}
	d.logger.Info("saved protocol proposal", "proposal", id, "author", ev.Author)
}

func (d *Daemon) persistLedger(ctx context.Context) error {
	return d.ledger.Persist(ctx)
}

func (d *Daemon) recordLedgerSize() {
	st := d.ledger.Stats()
	metrics.LedgerEntries.WithLabelValues(string(ledger.Events)).Set(float64(st.Events))
	metrics.LedgerEntries.WithLabelValues(string(ledger.Replies)).Set(float64(st.Replies))
	metrics.LedgerEntries.WithLabelValues(string(ledger.Responded)).Set(float64(st.Responded))
}

// takeRetries removes and returns deferred candidates of class that still
// need a response.
func (d *Daemon) takeRetries(class platform.Class) []candidate {
	var out []candidate
	kept := d.retries[:0]
	for _, p := range d.retries {
		switch {
		case p.event.Class != class:
			kept = append(kept, p)
		case d.ledger.IsResponded(p.event.ID):
		default:
			out = append(out, p)
		}
	}
	d.retries = kept
	return out
}

// deferCandidate queues a failed candidate for a later cycle until it has used up
// MaxRetries attempts.
func (d *Daemon) deferCandidate(c candidate) {
	attempts := c.attempts + 1
	if attempts >= d.cfg.Daemon.MaxRetries {
		d.logger.Warn("giving up on candidate", "id", c.event.ID, "attempts", attempts)
		return
	}
	d.retries = append(d.retries, candidate{event: c.event, attempts: attempts})
	metrics.Candidates.WithLabelValues(string(c.event.Class), metrics.OutcomeDeferred).Inc()
}

// requeue handles candidates left over when the budget ran out. Deferred
// ones keep their place; fresh ones stay seen and are not answered.
func (d *Daemon) requeue(rest []candidate, report *CycleReport) {
	for _, c := range rest {
		report.Unprocessed++
		if c.attempts > 0 {
			d.retries = append(d.retries, c)
		}
	}
}

// deferredEntries converts the retry queue to its persisted form.
func (d *Daemon) deferredEntries() []ledger.Deferred {
	out := make([]ledger.Deferred, 0, len(d.retries))
	for _, c := range d.retries {
		data, err := json.Marshal(c.event)
		if err != nil {
			d.logger.Warn("marshal deferred candidate", "id", c.event.ID, "error", err)
			continue
		}
		out = append(out, ledger.Deferred{ID: c.event.ID, Attempts: c.attempts, Event: data})
	}
	return out
}

// restoreRetries rebuilds the retry queue saved by an earlier run.
func (d *Daemon) restoreRetries(entries []ledger.Deferred) {
	for _, e := range entries {
		var ev platform.Event
		if err := json.Unmarshal(e.Event, &ev); err != nil || ev.ID != e.ID {
			d.logger.Warn("dropping unreadable deferred candidate", "id", e.ID, "error", err)
			continue
		}
		d.retries = append(d.retries, candidate{event: ev, attempts: e.Attempts})
	}
	if len(d.retries) > 0 {
		d.logger.Info("restored deferred candidates", "count", len(d.retries))
	}
}

// Pending returns the number of deferred candidates.
func (d *Daemon) Pending() int {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	return len(d.retries)
}

func subjectFor(ev platform.Event) prompt.Subject {
	s := prompt.Subject{
		EventID: ev.ID,
		Author:  ev.Author,
		Title:   ev.Title,
		Content: ev.Content,
		IsReply: ev.Kind == platform.KindComment,
	}
	if s.IsReply && ev.Context != nil {
		s.ParentTitle = ev.Context.Title
		s.ParentContent = ev.Context.Text()
	}
	return s
}

func exchangeFor(ev platform.Event, reply string) notify.Exchange {
	label := notify.LabelPost
	switch ev.Class {
	case platform.ClassReply:
		label = notify.LabelReply
	case platform.ClassMention:
		label = notify.LabelMention
	}
	return notify.Exchange{
		Label:    label,
		Author:   ev.Author,
		Title:    ev.Title,
		Original: ev.Content,
		Response: reply,
	}
}
