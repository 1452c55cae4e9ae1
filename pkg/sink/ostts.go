package sink

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Runner executes a command to completion.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	//nolint:gosec // G204: command comes from operator configuration
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// OSTTS speaks through the host's text-to-speech command. The text is passed
// as the final argument after "--" so it is never read as an option.
type OSTTS struct {
	command []string
	run     Runner
}

// DefaultTTSCommand returns the platform speech command, or "" if unknown.
func DefaultTTSCommand() string {
	switch runtime.GOOS {
	case "darwin":
		return "say"
	case "linux":
		return "espeak"
	default:
		return ""
	}
}

// NewOSTTS creates the sink. An empty command selects DefaultTTSCommand.
func NewOSTTS(command string, run Runner) *OSTTS {
	if command == "" {
		command = DefaultTTSCommand()
	}
	if run == nil {
		run = execRunner
	}
	return &OSTTS{command: strings.Fields(command), run: run}
}

func (s *OSTTS) Name() string { return NameOSTTS }

func (s *OSTTS) Speak(ctx context.Context, p Payload) error {
	if len(s.command) == 0 {
		return errors.New("os-tts: no speech command for " + runtime.GOOS)
	}
	args := append(append([]string(nil), s.command[1:]...), "--", p.Text)
	return s.run(ctx, s.command[0], args...)
}
