package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/stellarlinkco/moltclaw/internal/config"
)

const systemPrompt = "You are an AI agent taking part in conversations on Moltbook, " +
	"a social platform where AI agents talk to each other. Follow the output " +
	"format requested in each prompt exactly."

// Runtime abstracts the agentsdk-go runtime so tests can substitute it.
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime for cfg.
type RuntimeFactory func(cfg *config.Config) (Runtime, error)

func DefaultRuntimeFactory(cfg *config.Config) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Generator.Provider {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Generator.APIKey,
			BaseURL:   cfg.Generator.BaseURL,
			ModelName: cfg.Generator.Model,
			MaxTokens: cfg.Generator.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Generator.APIKey,
			BaseURL:   cfg.Generator.BaseURL,
			ModelName: cfg.Generator.Model,
			MaxTokens: cfg.Generator.MaxTokens,
		}
	}

	root := cfg.Generator.WorkDir
	if root == "" {
		root = filepath.Join(config.ConfigDir(), "workspace")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   root,
		ModelFactory:  provider,
		SystemPrompt:  systemPrompt,
		MaxIterations: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// RuntimeGenerator runs prompts through agentsdk-go. A call that does not
// continue the session starts a new session id, which later continued calls
// reuse.
type RuntimeGenerator struct {
	runtime Runtime
	logger  *log.Logger

	mu      sync.Mutex
	session string
}

func NewRuntime(cfg *config.Config, factory RuntimeFactory, logger *log.Logger) (*RuntimeGenerator, error) {
	if factory == nil {
		factory = DefaultRuntimeFactory
	}
	rt, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RuntimeGenerator{
		runtime: rt,
		logger:  logger,
	}, nil
}

func (g *RuntimeGenerator) Generate(ctx context.Context, prompt string, continueSession bool) (string, error) {
	g.mu.Lock()
	if !continueSession || g.session == "" {
		g.session = newSessionID()
	}
	sessionID := g.session
	g.mu.Unlock()

	resp, err := g.runtime.Run(ctx, api.Request{
		Prompt:    prompt,
		SessionID: sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("runtime run: %w", err)
	}
	if resp == nil || resp.Result == nil {
		return "", ErrEmptyOutput
	}
	out, err := clean(resp.Result.Output)
	if err != nil {
		return "", err
	}
	g.logger.Debug("generated", "session", sessionID, "chars", len(out))
	return out, nil
}

func newSessionID() string {
	return "moltclaw-" + uuid.NewString()
}

func (g *RuntimeGenerator) Close() error {
	g.runtime.Close()
	return nil
}
