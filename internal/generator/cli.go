package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/moltclaw/internal/config"
)

// Runner executes name with args in dir and returns stdout and stderr.
type Runner func(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)

func execRunner(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// CLIGenerator shells out to a command-line model client ("claude" by
// default): "<cmd> -p <prompt>", or "<cmd> -c -p <prompt>" to continue the
// most recent session.
type CLIGenerator struct {
	command string
	dir     string
	run     Runner
	logger  *log.Logger
}

func NewCLI(cfg config.GeneratorConfig, logger *log.Logger) *CLIGenerator {
	return NewCLIWithRunner(cfg, execRunner, logger)
}

func NewCLIWithRunner(cfg config.GeneratorConfig, run Runner, logger *log.Logger) *CLIGenerator {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		command = config.DefaultCLICommand
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CLIGenerator{command: command, dir: cfg.WorkDir, run: run, logger: logger}
}

func (g *CLIGenerator) Generate(ctx context.Context, prompt string, continueSession bool) (string, error) {
	args := []string{"-p", prompt}
	if continueSession {
		args = []string{"-c", "-p", prompt}
	}

	stdout, stderr, err := g.run(ctx, g.dir, g.command, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%s timed out: %w", g.command, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s exited with code %d: %s", g.command, exitErr.ExitCode(), truncate(strings.TrimSpace(stderr), 200))
		}
		return "", fmt.Errorf("run %s: %w", g.command, err)
	}
	return clean(stdout)
}

func (g *CLIGenerator) Close() error { return nil }
