// Package generator produces reply text for a prompt. Backends may keep a
// conversation session; callers must not depend on it.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/moltclaw/internal/config"
)

// ErrEmptyOutput is returned when a backend answers with nothing.
var ErrEmptyOutput = errors.New("generator: empty output")

type Generator interface {
	// Generate returns the raw text for prompt. With continueSession the
	// backend reuses the context of earlier calls; without it a new session
	// starts.
	Generate(ctx context.Context, prompt string, continueSession bool) (string, error)
	Close() error
}

// New builds the backend selected by cfg.Generator.Type.
func New(cfg *config.Config, logger *log.Logger) (Generator, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("generator")

	switch cfg.Generator.Type {
	case config.GeneratorAgentSDK, "":
		return NewRuntime(cfg, DefaultRuntimeFactory, logger)
	case config.GeneratorOpenAI:
		return NewOpenAI(cfg.Generator, logger), nil
	case config.GeneratorCLI:
		return NewCLI(cfg.Generator, logger), nil
	default:
		return nil, fmt.Errorf("unknown generator type %q", cfg.Generator.Type)
	}
}

func clean(out string) (string, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyOutput
	}
	return out, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
