package relationship

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// Backend persists whole record documents keyed by normalized handle.
type Backend interface {
	GetRecord(ctx context.Context, handle string) ([]byte, bool, error)
	PutRecord(ctx context.Context, handle string, doc []byte) error
	ListHandles(ctx context.Context) ([]string, error)
}

// Store owns the merge policy on top of a Backend. Calls for different
// handles may run concurrently; callers serialise writes for one handle.
type Store struct {
	backend Backend
	logger  *log.Logger
	now     func() time.Time
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(backend Backend, logger *log.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		backend: backend,
		logger:  logger.WithPrefix("relationship"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the record for handle, or nil when none exists. A stored
// document that cannot be decoded yields ErrCorruptRecord.
func (s *Store) Get(ctx context.Context, handle string) (*Record, error) {
	key, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, key)
}

func (s *Store) load(ctx context.Context, key string) (*Record, error) {
	doc, ok, err := s.backend.GetRecord(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		s.logger.Error("corrupt correspondent record", "handle", key, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
	}
	return &rec, nil
}

// Merge applies u to the stored record for handle and writes the result.
// A nil update still records the interaction. Merge refuses to run on top of
// a corrupt record so that history is never replaced by an empty base.
func (s *Store) Merge(ctx context.Context, handle string, u *Update) (*Record, error) {
	key, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}

	existing, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}

	merged := Apply(existing, key, u, s.now())
	doc, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", key, err)
	}
	if err := s.backend.PutRecord(ctx, key, doc); err != nil {
		return nil, fmt.Errorf("put record %s: %w", key, err)
	}

	s.logger.Info("saved correspondent", "handle", key, "interaction", merged.InteractionCount)
	return merged, nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	handles, err := s.backend.ListHandles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	return handles, nil
}
