package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stellarlinkco/moltclaw/internal/ledger"
	"github.com/stellarlinkco/moltclaw/internal/relationship"
)

// ImportReport counts what ImportFiles brought in.
type ImportReport struct {
	Records   int
	Skipped   int
	Ledger    bool
	Friction  int
	Proposals int
}

// ImportFiles loads a file-based data directory (agents/*.json, a ledger
// state file, maip/friction-log.json, maip/proposals/*.md) into the store.
// Rows that already exist are left alone, so running it twice is harmless.
func (s *Store) ImportFiles(ctx context.Context, dir, stateFile string) (ImportReport, error) {
	var report ImportReport

	if err := s.importRecords(ctx, filepath.Join(dir, "agents"), &report); err != nil {
		return report, err
	}
	if stateFile != "" {
		if !filepath.IsAbs(stateFile) {
			stateFile = filepath.Join(dir, stateFile)
		}
		if err := s.importState(ctx, stateFile, &report); err != nil {
			return report, err
		}
	}
	if err := s.importFriction(ctx, filepath.Join(dir, "maip", "friction-log.json"), &report); err != nil {
		return report, err
	}
	if err := s.importProposals(ctx, filepath.Join(dir, "maip", "proposals"), &report); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Store) importRecords(ctx context.Context, agentsDir string, report *ImportReport) error {
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read agents dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		handle, err := relationship.NormalizeHandle(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			report.Skipped++
			continue
		}
		if _, exists, err := s.GetRecord(ctx, handle); err != nil {
			return err
		} else if exists {
			continue
		}

		data, err := os.ReadFile(filepath.Join(agentsDir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var rec relationship.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			report.Skipped++
			continue
		}
		rec.Handle = handle
		doc, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", handle, err)
		}
		if err := s.PutRecord(ctx, handle, doc); err != nil {
			return err
		}
		report.Records++
	}
	return nil
}

type legacyState struct {
	SeenPosts    []string `json:"seen_posts"`
	SeenComments []string `json:"seen_comments"`
	RespondedTo  []string `json:"responded_to"`
	LastCheck    *string  `json:"last_check"`
}

func (s *Store) importState(ctx context.Context, path string, report *ImportReport) error {
	if _, exists, err := s.LoadDocument(ctx, ledger.DocumentName); err != nil {
		return err
	} else if exists {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}
	var st legacyState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}

	doc := ledger.Document{
		SeenPosts:    nonNil(st.SeenPosts),
		SeenComments: nonNil(st.SeenComments),
		RespondedTo:  nonNil(st.RespondedTo),
	}
	if st.LastCheck != nil {
		doc.LastCheck = parseLegacyTime(*st.LastCheck)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := s.SaveDocument(ctx, ledger.DocumentName, out); err != nil {
		return err
	}
	report.Ledger = true
	return nil
}

func (s *Store) importFriction(ctx context.Context, path string, report *ImportReport) error {
	var existing int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM friction_log`).Scan(&existing); err != nil {
		return fmt.Errorf("count friction: %w", err)
	}
	if existing > 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read friction log: %w", err)
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse friction log: %w", err)
	}
	if len(entries) > MaxFrictionEntries {
		entries = entries[len(entries)-MaxFrictionEntries:]
	}

	for _, raw := range entries {
		entry := FrictionEntry{
			EventID: rawString(raw["event_id"]),
			Author:  rawString(raw["author"]),
		}
		if ts := rawString(raw["timestamp"]); ts != "" {
			entry.CreatedAt = parseLegacyTime(ts)
		}
		delete(raw, "timestamp")
		obs, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("marshal friction entry: %w", err)
		}
		entry.Observation = obs
		if err := s.LogFriction(ctx, entry); err != nil {
			return err
		}
		report.Friction++
	}
	return nil
}

func (s *Store) importProposals(ctx context.Context, dir string, report *ImportReport) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read proposals dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".md")
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}

		s.mu.Lock()
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO proposals (id, content, created_at) VALUES (?, ?, ?)`,
			id, strings.TrimSpace(string(content)), s.timestamp(),
		)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("import proposal %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			report.Proposals++
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// parseLegacyTime accepts RFC 3339 and the zone-less ISO form, which is read
// as UTC. Unparseable values yield the zero time.
func parseLegacyTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
