// Package runner executes provisioning shell commands. Module
// implementations and the rollback executor both go through the
// CommandRunner interface so tests can substitute a capturing fake.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// CommandRunner runs a single shell command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// ShellRunner executes commands through the system shell.
type ShellRunner struct {
	// Shell is the interpreter to use. Defaults to /bin/sh.
	Shell string

	// Env is appended to the inherited environment, entries as KEY=VALUE.
	Env []string
}

// NewShellRunner creates a runner using /bin/sh.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{Shell: "/bin/sh"}
}

// Run executes the command with `sh -c` semantics and returns combined
// stdout/stderr. A non-zero exit status is returned as an error wrapping the
// exec failure, with the trailing output attached for diagnostics.
func (r *ShellRunner) Run(ctx context.Context, command string) (string, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if err != nil {
		return output, fmt.Errorf("command %q: %w (output: %s)", command, err, tail(output, 512))
	}
	return output, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Recorder is a CommandRunner for tests: it records every command in order
// and fails those matching the configured failure set.
type Recorder struct {
	mu       sync.Mutex
	commands []string

	// FailOn maps a command string to the error message returned for it.
	FailOn map[string]string

	// Output is returned for every successful command.
	Output string
}

// Run records the command and returns the configured result.
func (r *Recorder) Run(_ context.Context, command string) (string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	msg, fail := "", false
	if r.FailOn != nil {
		msg, fail = r.FailOn[command]
	}
	r.mu.Unlock()

	if fail {
		return "", fmt.Errorf("%s", msg)
	}
	return r.Output, nil
}

// Commands returns a copy of the recorded command sequence.
func (r *Recorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Reset clears the recorded command sequence.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}
