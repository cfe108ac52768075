// Package run abstracts external process execution so pipeline components
// can be exercised in tests without spawning real build tools.
package run

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command describes one external tool invocation.
type Command struct {
	Name string   // program name, resolved through PATH
	Args []string // arguments, excluding the program name
	Dir  string   // working directory; empty means inherit
	Env  []string // extra KEY=value entries appended to the host environment
}

// String renders the invocation for diagnostics.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes external commands. Run returns the combined output and a
// non-nil error whenever the tool exits non-zero.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands as real subprocesses. Output is captured and, when
// Echo is set, streamed to it as the tool produces it.
type ExecRunner struct {
	Echo io.Writer
}

// Run executes the command, returning its combined stdout and stderr.
func (r *ExecRunner) Run(ctx context.Context, command Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}

	var buf bytes.Buffer
	out := io.Writer(&buf)
	if r.Echo != nil {
		out = io.MultiWriter(&buf, r.Echo)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return buf.Bytes(), fmt.Errorf("%s: %w", command.String(), err)
	}
	return buf.Bytes(), nil
}
