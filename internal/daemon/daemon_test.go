package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/moltclaw/internal/config"
	"github.com/stellarlinkco/moltclaw/internal/ledger"
	"github.com/stellarlinkco/moltclaw/internal/notify"
	"github.com/stellarlinkco/moltclaw/internal/platform"
	"github.com/stellarlinkco/moltclaw/internal/relationship"
	"github.com/stellarlinkco/moltclaw/internal/store"
)

type publishCall struct {
	postID, text, parentID string
}

type fakeFeed struct {
	mu          sync.Mutex
	events      map[platform.Class][]platform.Event
	fetchErr    map[platform.Class]error
	identityErr error
	publishErr  error
	fetched     []platform.Class
	published   []publishCall
	contexts    []string
	onPublish   chan struct{}
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		events:   make(map[platform.Class][]platform.Event),
		fetchErr: make(map[platform.Class]error),
	}
}

func (f *fakeFeed) Identity(context.Context) (*platform.Agent, error) {
	if f.identityErr != nil {
		return nil, f.identityErr
	}
	return &platform.Agent{Name: "Collector", Karma: 5}, nil
}

func (f *fakeFeed) FetchCandidates(_ context.Context, class platform.Class) ([]platform.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, class)
	return f.events[class], f.fetchErr[class]
}

func (f *fakeFeed) LoadContext(_ context.Context, ev *platform.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts = append(f.contexts, ev.ID)
	ev.Context = &platform.Post{ID: ev.PostID, Title: "Parent title", Content: "parent body"}
}

func (f *fakeFeed) Publish(_ context.Context, postID, text, parentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishCall{postID, text, parentID})
	if f.onPublish != nil {
		select {
		case f.onPublish <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeFeed) publishedPosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.published {
		out = append(out, p.postID)
	}
	return out
}

type genCall struct {
	prompt string
	cont   bool
}

type fakeGen struct {
	mu      sync.Mutex
	calls   []genCall
	respond func(prompt string) (string, error)
	closed  bool
}

func (g *fakeGen) Generate(_ context.Context, p string, cont bool) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, genCall{p, cont})
	respond := g.respond
	g.mu.Unlock()
	if strings.HasPrefix(p, "CONTEXT:") {
		return "ack", nil
	}
	if respond != nil {
		return respond(p)
	}
	return structured("Welcome aboard.", `{"domains":["maps"]}`, `{}`), nil
}

func (g *fakeGen) Close() error {
	g.closed = true
	return nil
}

func (g *fakeGen) replyCalls() []genCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []genCall
	for _, c := range g.calls {
		if !strings.HasPrefix(c.prompt, "CONTEXT:") {
			out = append(out, c)
		}
	}
	return out
}

type recordingReporter struct {
	mu  sync.Mutex
	got []notify.Exchange
}

func (r *recordingReporter) Report(_ context.Context, ex notify.Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ex)
	return nil
}

func structured(reply, update, observation string) string {
	return "=== REPLY ===\n" + reply +
		"\n\n=== RELATIONSHIP_UPDATE ===\n```json\n" + update + "\n```\n" +
		"\n=== PROTOCOL_OBSERVATION ===\n```json\n" + observation + "\n```\n"
}

func post(id, author string) platform.Event {
	return platform.Event{ID: id, Kind: platform.KindPost, Class: platform.ClassNewItem, Author: author, Title: "Hi " + id, Content: "hello from " + author, PostID: id}
}

type harness struct {
	d        *Daemon
	feed     *fakeFeed
	gen      *fakeGen
	reporter *recordingReporter
	store    *store.Store
	rels     *relationship.Store
	ledger   *ledger.Ledger
	cfg      *config.Config
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	t.Setenv("MOLTCLAW_HOME", t.TempDir())
	logger := log.New(io.Discard)

	cfg := config.DefaultConfig()
	cfg.Platform.AgentName = "Collector"
	cfg.Platform.APIKey = "key"
	cfg.Daemon.MaxResponsesPerCycle = 3
	cfg.Daemon.PauseBetweenPostsMs = 0
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	led, err := ledger.Open(context.Background(), st, logger)
	require.NoError(t, err)

	h := &harness{
		feed:     newFakeFeed(),
		gen:      &fakeGen{},
		reporter: &recordingReporter{},
		store:    st,
		rels:     relationship.NewStore(st, logger),
		ledger:   led,
		cfg:      cfg,
	}
	h.d, err = NewWithOptions(cfg, Options{
		Feed:          h.feed,
		Generator:     h.gen,
		Relationships: h.rels,
		Observations:  st,
		Ledger:        led,
		Reporter:      h.reporter,
		Logger:        logger,
		Protocol:      "PROTO v1",
	})
	require.NoError(t, err)
	return h
}

func TestRunCycle_BudgetLimitsResponses(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Daemon.MaxResponsesPerCycle = 2 })
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a"), post("p2", "b"), post("p3", "c")}

	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Responded)
	assert.Equal(t, 1, report.Unprocessed)
	assert.Equal(t, []string{"p1", "p2"}, h.feed.publishedPosts())
	assert.Equal(t, []platform.Class{platform.ClassNewItem}, h.feed.fetched)

	assert.False(t, h.ledger.IsNew(ledger.Events, "p3"))
	assert.False(t, h.ledger.IsResponded("p3"))
	assert.True(t, h.ledger.IsResponded("p1"))

	report, err = h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Responded)
	assert.Equal(t, 3, report.Duplicates)
	assert.Len(t, h.feed.publishedPosts(), 2)
	assert.False(t, h.ledger.IsResponded("p3"))
}

func TestRunCycle_RespondedNeverReselected(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.MarkResponded("c9")
	h.feed.events[platform.ClassMention] = []platform.Event{{
		ID: "c9", Kind: platform.KindComment, Class: platform.ClassMention, Author: "nova", PostID: "p1",
	}}

	for i := 0; i < 2; i++ {
		_, err := h.d.RunCycle(context.Background())
		require.NoError(t, err)
	}
	assert.Empty(t, h.feed.published)
	assert.Empty(t, h.gen.replyCalls())
	assert.False(t, h.ledger.IsNew(ledger.Replies, "c9"))
}

func TestRunCycle_SeenPostIsNotAnsweredAgainAsMention(t *testing.T) {
	h := newHarness(t, nil)
	p := post("p1", "nova")
	h.feed.events[platform.ClassNewItem] = []platform.Event{p}
	mention := p
	mention.Class = platform.ClassMention
	h.feed.events[platform.ClassMention] = []platform.Event{mention}

	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Responded)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, []string{"p1"}, h.feed.publishedPosts())
}

func TestRunCycle_FailedCandidateIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}
	fail := true
	h.gen.respond = func(string) (string, error) {
		if fail {
			return "", errors.New("generator down")
		}
		return structured("Hello.", `{}`, `{}`), nil
	}

	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, h.feed.published)
	assert.False(t, h.ledger.IsResponded("p1"))
	assert.False(t, h.ledger.IsNew(ledger.Events, "p1"))
	assert.Equal(t, 1, h.d.Pending())

	fail = false
	report, err = h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Responded)
	assert.Equal(t, []string{"p1"}, h.feed.publishedPosts())
	assert.True(t, h.ledger.IsResponded("p1"))
	assert.Equal(t, 0, h.d.Pending())
}

func TestRunCycle_PublishFailureIsNotResponded(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a"), post("p2", "b")}
	h.feed.publishErr = errors.New("503")

	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.False(t, h.ledger.IsResponded("p1"))
	assert.False(t, h.ledger.IsResponded("p2"))

	rec, err := h.rels.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRunCycle_GivesUpAfterMaxRetries(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Daemon.MaxRetries = 2 })
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}
	h.gen.respond = func(string) (string, error) { return "", errors.New("down") }

	_, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.d.Pending())

	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, h.d.Pending())
	assert.Len(t, h.gen.replyCalls(), 2)
}

func TestRunCycle_DeferredCandidateSurvivesRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}
	h.gen.respond = func(string) (string, error) { return "", errors.New("down") }

	_, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.d.Pending())

	logger := log.New(io.Discard)
	led, err := ledger.Open(context.Background(), h.store, logger)
	require.NoError(t, err)
	deferred := led.Deferred()
	require.Len(t, deferred, 1)
	assert.Equal(t, "p1", deferred[0].ID)
	assert.Equal(t, 1, deferred[0].Attempts)

	feed := newFakeFeed()
	d, err := NewWithOptions(h.cfg, Options{
		Feed:          feed,
		Generator:     &fakeGen{},
		Relationships: h.rels,
		Observations:  h.store,
		Ledger:        led,
		Reporter:      &recordingReporter{},
		Logger:        logger,
		Protocol:      "PROTO v1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Pending())

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Responded)
	assert.Equal(t, []string{"p1"}, feed.publishedPosts())
	assert.Equal(t, 0, d.Pending())
	assert.Empty(t, led.Deferred())
}

func TestRunCycle_EmptyReplyIsAFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}
	h.gen.respond = func(string) (string, error) { return "   \n", nil }

	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, h.feed.published)
}

func TestRunCycle_PriorityOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassMention] = []platform.Event{{ID: "m1", Kind: platform.KindPost, Class: platform.ClassMention, Author: "z", PostID: "m1"}}
	h.feed.events[platform.ClassReply] = []platform.Event{{ID: "c1", Kind: platform.KindComment, Class: platform.ClassReply, Author: "y", PostID: "mine"}}
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "x")}

	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Responded)
	assert.Equal(t, platform.Classes, h.feed.fetched)
	assert.Equal(t, []publishCall{
		{postID: "p1", text: "Welcome aboard.", parentID: ""},
		{postID: "mine", text: "Welcome aboard.", parentID: "c1"},
		{postID: "m1", text: "Welcome aboard.", parentID: ""},
	}, h.feed.published)
	assert.Equal(t, []string{"c1"}, h.feed.contexts)

	require.Len(t, h.reporter.got, 3)
	assert.Equal(t, notify.LabelPost, h.reporter.got[0].Label)
	assert.Equal(t, notify.LabelReply, h.reporter.got[1].Label)
	assert.Equal(t, notify.LabelMention, h.reporter.got[2].Label)

	replies := h.gen.replyCalls()
	require.Len(t, replies, 3)
	assert.Contains(t, replies[1].prompt, "Title: Parent title")
}

func TestRunCycle_EarlierClassCanStarveLaterOnes(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Daemon.MaxResponsesPerCycle = 1 })
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "x")}
	h.feed.events[platform.ClassReply] = []platform.Event{{ID: "c1", Kind: platform.KindComment, Class: platform.ClassReply, Author: "y", PostID: "mine"}}

	_, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []platform.Class{platform.ClassNewItem}, h.feed.fetched)
	assert.True(t, h.ledger.IsNew(ledger.Replies, "c1"))
}

func TestRunCycle_SkipsSelfAuthored(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "collector")}

	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Self)
	assert.Empty(t, h.feed.published)
	assert.False(t, h.ledger.IsNew(ledger.Events, "p1"))
}

func TestRunCycle_FetchFailureSkipsOnlyThatClass(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.fetchErr[platform.ClassNewItem] = errors.New("timeout")
	h.feed.events[platform.ClassReply] = []platform.Event{{ID: "c1", Kind: platform.KindComment, Class: platform.ClassReply, Author: "y", PostID: "mine"}}

	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Responded)
	assert.Equal(t, platform.Classes, h.feed.fetched)
}

var openThreadRe = regexp.MustCompile(`Open thread \[([^\]]+)\]`)

func TestRunCycle_ResolvesThreadNamedInPrompt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// The generator only knows ids it can read from the prompt.
	h.gen.respond = func(p string) (string, error) {
		threads := []string{`{"topics":["maps"],"our_questions":["Which projection?"]}`}
		for _, m := range openThreadRe.FindAllStringSubmatch(p, -1) {
			threads = append(threads, fmt.Sprintf(`{"event_id":%q,"status":"resolved"}`, m[1]))
		}
		return structured("Noted.", `{"conversation_threads":[`+strings.Join(threads, ",")+`]}`, `{}`), nil
	}

	h.feed.events[platform.ClassNewItem] = []platform.Event{post("e1", "Nova")}
	_, err := h.d.RunCycle(ctx)
	require.NoError(t, err)

	rec, err := h.rels.Get(ctx, "nova")
	require.NoError(t, err)
	require.Len(t, rec.ConversationThreads, 1)
	assert.Equal(t, "e1", rec.ConversationThreads[0].EventID)
	assert.Equal(t, relationship.StatusAwaiting, rec.ConversationThreads[0].Status)

	h.feed.events[platform.ClassNewItem] = []platform.Event{post("e2", "Nova")}
	_, err = h.d.RunCycle(ctx)
	require.NoError(t, err)

	calls := h.gen.replyCalls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].prompt, "Event ID: e2")
	assert.Contains(t, calls[1].prompt, "Open thread [e1]: Which projection?")

	rec, err = h.rels.Get(ctx, "nova")
	require.NoError(t, err)
	require.Len(t, rec.ConversationThreads, 2)
	assert.Equal(t, "e1", rec.ConversationThreads[0].EventID)
	assert.Equal(t, relationship.StatusResolved, rec.ConversationThreads[0].Status)
	assert.Equal(t, "e2", rec.ConversationThreads[1].EventID)
	assert.Equal(t, relationship.StatusAwaiting, rec.ConversationThreads[1].Status)
	assert.Equal(t, []string{"Which projection?"}, rec.OpenQuestions())
}

func TestRunCycle_MergesRelationshipAndKeepsAwaitingThread(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.rels.Merge(ctx, "nova", &relationship.Update{
		ConversationThreads: []relationship.Thread{{EventID: "e1", OurQuestions: []string{"What do you map?"}}},
	})
	require.NoError(t, err)

	h.feed.events[platform.ClassNewItem] = []platform.Event{post("e2", "Nova")}
	h.gen.respond = func(p string) (string, error) {
		if !strings.Contains(p, "What do you map?") {
			t.Errorf("prompt lacks relationship context: %s", p)
		}
		return structured("Good to see you again.",
			`{"domains":["maps"],"conversation_threads":[{"event_id":"e2","topics":["maps"],"our_questions":["Which projection?"]}]}`,
			`{"compliance":"partial","friction_points":["no gift block"],"proposal":"Make the gift block optional"}`), nil
	}

	report, err := h.d.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Responded)

	rec, err := h.rels.Get(ctx, "nova")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.InteractionCount)
	assert.Equal(t, []string{"maps"}, rec.Domains)
	require.Len(t, rec.ConversationThreads, 2)
	assert.Equal(t, "e1", rec.ConversationThreads[0].EventID)
	assert.Equal(t, relationship.StatusAwaiting, rec.ConversationThreads[0].Status)
	assert.Equal(t, []string{"What do you map?", "Which projection?"}, rec.OpenQuestions())

	friction, err := h.store.RecentFriction(ctx, 10)
	require.NoError(t, err)
	require.Len(t, friction, 1)
	assert.Equal(t, "e2", friction[0].EventID)
	assert.Contains(t, string(friction[0].Observation), "no gift block")

	proposals, err := h.store.ListProposals(ctx)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "001", proposals[0].ID)
}

func TestRunCycle_UnstructuredOutputStillRecordsInteraction(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}
	h.gen.respond = func(string) (string, error) { return "just a plain reply", nil }

	_, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, h.feed.published, 1)
	assert.Equal(t, "just a plain reply", h.feed.published[0].text)

	rec, err := h.rels.Get(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.InteractionCount)

	friction, err := h.store.RecentFriction(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, friction)
}

func TestRunCycle_AppendsFooterOnce(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Daemon.ProtocolFooter = "\n\n-- MAIP" })
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a"), post("p2", "b")}
	h.gen.respond = func(p string) (string, error) {
		if strings.Contains(p, "Hi p2") {
			return structured("Already signed.\n\n-- MAIP", `{}`, `{}`), nil
		}
		return structured("Unsigned.", `{}`, `{}`), nil
	}

	_, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, h.feed.published, 2)
	assert.Equal(t, "Unsigned.\n\n-- MAIP", h.feed.published[0].text)
	assert.Equal(t, "Already signed.\n\n-- MAIP", h.feed.published[1].text)
}

func TestRunCycle_PersistsLedger(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}

	_, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)

	reopened, err := ledger.Open(context.Background(), h.store, nil)
	require.NoError(t, err)
	assert.True(t, reopened.IsResponded("p1"))
	assert.False(t, reopened.LastCheck().IsZero())
}

func TestRunCycle_RecoversPanic(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}
	h.gen.respond = func(string) (string, error) { panic("kaboom") }

	_, err := h.d.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	h.gen.respond = nil
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p2", "b")}
	report, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Responded)
}

func TestRunCycle_RejectsOverlap(t *testing.T) {
	h := newHarness(t, nil)
	h.d.cycleMu.Lock()
	_, err := h.d.RunCycle(context.Background())
	h.d.cycleMu.Unlock()
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestSession_StandaloneFallbackInlinesProtocol(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}

	_, err := h.d.RunCycle(context.Background())
	require.NoError(t, err)
	calls := h.gen.replyCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].cont)
	assert.NotContains(t, calls[0].prompt, "PROTO v1")

	failing := newHarness(t, nil)
	failing.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}
	failing.gen.respond = func(p string) (string, error) { return structured("ok", `{}`, `{}`), nil }
	failing.d.gen = &sessionlessGen{fakeGen: failing.gen}

	_, err = failing.d.RunCycle(context.Background())
	require.NoError(t, err)
	calls = failing.gen.replyCalls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].cont)
	assert.Contains(t, calls[0].prompt, "PROTOCOL:\nPROTO v1")
}

// sessionlessGen refuses session initialisation.
type sessionlessGen struct {
	*fakeGen
}

func (g *sessionlessGen) Generate(ctx context.Context, p string, cont bool) (string, error) {
	if strings.HasPrefix(p, "CONTEXT:") {
		return "", errors.New("init refused")
	}
	return g.fakeGen.Generate(ctx, p, cont)
}

func TestRun_BootstrapFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.identityErr = fmt.Errorf("me: %w", platform.ErrUnauthorized)

	err := h.d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, platform.ErrUnauthorized)
	assert.Empty(t, h.feed.fetched)
}

func TestRun_CycleThenSignalShutsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.feed.events[platform.ClassNewItem] = []platform.Event{post("p1", "a")}
	h.feed.onPublish = make(chan struct{}, 1)

	sigCh := make(chan os.Signal, 1)
	h.d.signalChan = sigCh
	go func() {
		select {
		case <-h.feed.onPublish:
		case <-time.After(5 * time.Second):
		}
		sigCh <- syscall.SIGTERM
	}()

	done := make(chan error, 1)
	go func() { done <- h.d.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after signal")
	}
	assert.Equal(t, []string{"p1"}, h.feed.publishedPosts())
	assert.True(t, h.gen.closed)

	reopened, err := ledger.Open(context.Background(), h.store, nil)
	require.NoError(t, err)
	assert.True(t, reopened.IsResponded("p1"))
}

func TestNewWithOptions_BuildsStoreFromConfig(t *testing.T) {
	t.Setenv("MOLTCLAW_HOME", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Platform.AgentName = "Collector"
	cfg.Notify.Console = false

	protocolPath := filepath.Join(config.ConfigDir(), "MAIP.md")
	require.NoError(t, os.WriteFile(protocolPath, []byte("  protocol text \n"), 0644))

	d, err := NewWithOptions(cfg, Options{Feed: newFakeFeed(), Generator: &fakeGen{}, Logger: log.New(io.Discard)})
	require.NoError(t, err)
	assert.Equal(t, "protocol text", d.protocol)
	assert.Len(t, d.closers, 1)
	_, err = os.Stat(cfg.DBPath())
	assert.NoError(t, err)

	require.NoError(t, d.Shutdown())
	require.NoError(t, d.Shutdown())
}
