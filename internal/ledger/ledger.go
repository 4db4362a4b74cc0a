// Package ledger remembers which platform events have already been seen and
// which have been answered, so redelivered events are never answered twice.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// MaxEntries bounds every namespace; the oldest ids are evicted first.
const MaxEntries = 1000

// DocumentName is the key the ledger is stored under.
const DocumentName = "ledger"

type Namespace string

const (
	Events    Namespace = "events"
	Replies   Namespace = "replies"
	Responded Namespace = "responded"
)

// Document is the persisted form.
type Document struct {
	SeenPosts    []string   `json:"seen_posts"`
	SeenComments []string   `json:"seen_comments"`
	RespondedTo  []string   `json:"responded_to"`
	LastCheck    time.Time  `json:"last_check,omitzero"`
	Deferred     []Deferred `json:"deferred,omitempty"`
}

// Deferred is a candidate whose response failed and will be retried. Event
// is kept opaque so the ledger does not depend on the platform types.
type Deferred struct {
	ID       string          `json:"id"`
	Attempts int             `json:"attempts"`
	Event    json.RawMessage `json:"event"`
}

// Backend stores whole JSON documents by name.
type Backend interface {
	LoadDocument(ctx context.Context, name string) ([]byte, bool, error)
	SaveDocument(ctx context.Context, name string, doc []byte) error
}

type Stats struct {
	Events    int
	Replies   int
	Responded int
	LastCheck time.Time
}

type Ledger struct {
	mu        sync.RWMutex
	sets      map[Namespace]*idSet
	lastCheck time.Time
	deferred  []Deferred

	backend Backend
	logger  *log.Logger
}

func New() *Ledger {
	return &Ledger{
		sets: map[Namespace]*idSet{
			Events:    newIDSet(),
			Replies:   newIDSet(),
			Responded: newIDSet(),
		},
		logger: log.Default(),
	}
}

// Open loads the ledger from backend. An unreadable document is kept aside
// under "<name>.corrupt" and the ledger starts empty.
func Open(ctx context.Context, backend Backend, logger *log.Logger) (*Ledger, error) {
	l := New()
	l.backend = backend
	if logger != nil {
		l.logger = logger.WithPrefix("ledger")
	}

	data, ok, err := backend.LoadDocument(ctx, DocumentName)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if !ok {
		return l, nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		l.logger.Error("ledger document unreadable, starting empty", "error", err)
		if saveErr := backend.SaveDocument(ctx, DocumentName+".corrupt", data); saveErr != nil {
			l.logger.Warn("failed to back up corrupt ledger", "error", saveErr)
		}
		return l, nil
	}
	l.Restore(doc)
	return l, nil
}

func (l *Ledger) IsNew(ns Namespace, id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set, ok := l.sets[ns]
	if !ok {
		return false
	}
	return !set.has(id)
}

func (l *Ledger) MarkSeen(ns Namespace, id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.sets[ns]; ok {
		set.add(id)
	}
}

func (l *Ledger) IsResponded(id string) bool {
	return !l.IsNew(Responded, id)
}

func (l *Ledger) MarkResponded(id string) {
	l.MarkSeen(Responded, id)
}

// Prune trims every namespace to its most recent MaxEntries ids.
func (l *Ledger) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, set := range l.sets {
		set.trim(MaxEntries)
	}
}

func (l *Ledger) Touch(now time.Time) {
	l.mu.Lock()
	l.lastCheck = now.UTC()
	l.mu.Unlock()
}

func (l *Ledger) LastCheck() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastCheck
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Events:    l.sets[Events].size(),
		Replies:   l.sets[Replies].size(),
		Responded: l.sets[Responded].size(),
		LastCheck: l.lastCheck,
	}
}

// Snapshot returns the persisted form, already capped to MaxEntries.
func (l *Ledger) Snapshot() Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Document{
		SeenPosts:    l.sets[Events].tail(MaxEntries),
		SeenComments: l.sets[Replies].tail(MaxEntries),
		RespondedTo:  l.sets[Responded].tail(MaxEntries),
		LastCheck:    l.lastCheck,
		Deferred:     slices.Clone(l.deferred),
	}
}

func (l *Ledger) Restore(doc Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sets[Events] = newIDSet(doc.SeenPosts...)
	l.sets[Replies] = newIDSet(doc.SeenComments...)
	l.sets[Responded] = newIDSet(doc.RespondedTo...)
	for _, set := range l.sets {
		set.trim(MaxEntries)
	}
	l.lastCheck = doc.LastCheck
	l.deferred = nil
	for _, d := range doc.Deferred {
		if d.ID != "" && !l.sets[Responded].has(d.ID) {
			l.deferred = append(l.deferred, d)
		}
	}
}

// SetDeferred replaces the retry queue saved with the next Persist.
func (l *Ledger) SetDeferred(entries []Deferred) {
	l.mu.Lock()
	l.deferred = slices.Clone(entries)
	l.mu.Unlock()
}

// Deferred returns the retry queue as last set or restored.
func (l *Ledger) Deferred() []Deferred {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.deferred)
}

// Persist writes the snapshot to the backend the ledger was opened with.
func (l *Ledger) Persist(ctx context.Context) error {
	if l.backend == nil {
		return nil
	}
	data, err := json.Marshal(l.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := l.backend.SaveDocument(ctx, DocumentName, data); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// idSet is an insertion-ordered set of ids.
type idSet struct {
	order []string
	index map[string]struct{}
}

func newIDSet(ids ...string) *idSet {
	s := &idSet{index: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.add(id)
	}
	return s
}

func (s *idSet) has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *idSet) add(id string) {
	if id == "" || s.has(id) {
		return
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *idSet) size() int { return len(s.order) }

func (s *idSet) trim(n int) {
	if len(s.order) <= n {
		return
	}
	drop := s.order[:len(s.order)-n]
	for _, id := range drop {
		delete(s.index, id)
	}
	s.order = append([]string(nil), s.order[len(s.order)-n:]...)
}

func (s *idSet) tail(n int) []string {
	start := 0
	if len(s.order) > n {
		start = len(s.order) - n
	}
	return append([]string{}, s.order[start:]...)
}
