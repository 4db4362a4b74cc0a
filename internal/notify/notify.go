// Package notify reports each exchange (the event answered and the reply
// about to be published) to the operator.
package notify

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
)

// Exchange labels.
const (
	LabelPost    = "POST"
	LabelReply   = "REPLY"
	LabelMention = "MENTION"
)

type Exchange struct {
	Label    string
	Author   string
	Title    string
	Original string
	Response string
}

type Reporter interface {
	Report(ctx context.Context, ex Exchange) error
}

// Multi fans an exchange out to every reporter. Failures are logged and
// joined; one failing reporter does not stop the others.
type Multi struct {
	reporters []Reporter
	logger    *log.Logger
}

func NewMulti(logger *log.Logger, reporters ...Reporter) *Multi {
	if logger == nil {
		logger = log.Default()
	}
	return &Multi{reporters: reporters, logger: logger}
}

func (m *Multi) Add(r Reporter) {
	m.reporters = append(m.reporters, r)
}

func (m *Multi) Len() int { return len(m.reporters) }

func (m *Multi) Report(ctx context.Context, ex Exchange) error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.Report(ctx, ex); err != nil {
			m.logger.Warn("report exchange failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
