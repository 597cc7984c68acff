package packer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"
	"unicode"

	"github.com/cochaviz/aibmoe/internal/logging"
)

// CommandConfig describes an external packing tool. Command is a text/template
// rendered with .Primary, .Secondary and .Output and run through "sh -c".
type CommandConfig struct {
	Command string        `yaml:"command" toml:"command"`
	Timeout time.Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

// Parse builds the CommandPacker described by c.
func (c *CommandConfig) Parse(logger *slog.Logger) (*CommandPacker, error) {
	if c == nil {
		return nil, errors.New("command packer config cannot be nil")
	}
	return NewCommandPacker(*c, logger)
}

// CommandPacker runs an external packing tool.
type CommandPacker struct {
	template *template.Template
	timeout  time.Duration
	name     string
	logger   *slog.Logger
}

type commandArgs struct {
	Primary   string
	Secondary string
	Output    string
}

// NewCommandPacker validates cfg and prepares its command template.
func NewCommandPacker(cfg CommandConfig, logger *slog.Logger) (*CommandPacker, error) {
	text := strings.TrimSpace(cfg.Command)
	if text == "" {
		return nil, errors.New("command template is required")
	}
	tmpl, err := template.New("packer").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse packer command template: %w", err)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("packer timeout must not be negative, got %s", cfg.Timeout)
	}
	name := labelFromCommand(text)
	if name == "" {
		name = "command"
	}
	return &CommandPacker{
		template: tmpl,
		timeout:  cfg.Timeout,
		name:     name,
		logger:   logging.Component(logger, "packer").With("packer", name),
	}, nil
}

// Name returns a short label derived from the configured executable.
func (p *CommandPacker) Name() string {
	return p.name
}

// Pack implements Packer. Any file left at output by a failed run is removed.
func (p *CommandPacker) Pack(ctx context.Context, primary, secondary, output string) error {
	var rendered bytes.Buffer
	args := commandArgs{
		Primary:   shellQuote(primary),
		Secondary: shellQuote(secondary),
		Output:    shellQuote(output),
	}
	if err := p.template.Execute(&rendered, args); err != nil {
		return &Error{Reason: "render packer command", Err: err}
	}
	command := strings.TrimSpace(rendered.String())
	if command == "" {
		return errors.New("packer command rendered empty")
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = filepath.Dir(output)
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	p.logger.Debug("running packer command", "command", command)
	start := time.Now()
	runErr := cmd.Run()
	p.logger.Debug("packer command finished", "duration", time.Since(start), "error", runErr)

	if runErr != nil {
		if rmErr := os.Remove(output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			p.logger.Warn("failed to remove partial packer output", "path", output, "error", rmErr)
		}
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = fmt.Sprintf("%s failed", p.name)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &Error{Reason: reason, Err: ctxErr}
		}
		return &Error{Reason: reason, Err: runErr}
	}

	info, err := os.Stat(output)
	if err != nil {
		return &Error{Reason: fmt.Sprintf("%s exited cleanly but wrote no output", p.name), Err: err}
	}
	if info.IsDir() {
		return &Error{Reason: fmt.Sprintf("%s produced a directory at %s", p.name, output)}
	}
	return nil
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func labelFromCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range filepath.Base(fields[0]) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case r == '.', r == ' ', r == ':':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-_")
}
