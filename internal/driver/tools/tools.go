// Package tools implements the small, fixed tool set that agentic driver
// sessions expose to the model: running a shell command, and reading or
// writing a file in the workflow's worktree. These are the only tools the
// Developer agent relies on (see spec §4.F structured-mode step execution).
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// MaxOutputBytes bounds how much of a tool's output is retained; anything
// past this is truncated before it reaches an AgenticMessage or the event
// log, matching the "toolOutput truncated to a bounded size" contract.
const MaxOutputBytes = 16 * 1024

const (
	RunShellCommand = "run_shell_command"
	WriteFile       = "write_file"
	ReadFile        = "read_file"
)

// Execute runs the named builtin tool against cwd and returns its truncated
// output plus whether it represents an error. Unknown tool names are
// reported as a tool-level error rather than a Go error so the model can see
// and recover from the mistake.
func Execute(ctx context.Context, name string, input map[string]any, cwd string) (output string, isError bool) {
	switch name {
	case RunShellCommand:
		return runShellCommand(ctx, input, cwd)
	case WriteFile:
		return writeFile(input, cwd)
	case ReadFile:
		return readFile(input, cwd)
	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

func runShellCommand(ctx context.Context, input map[string]any, cwd string) (string, bool) {
	command, _ := input["command"].(string)
	if command == "" {
		return "command argument is required", true
	}
	if dir, ok := input["cwd"].(string); ok && dir != "" {
		cwd = dir
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := truncate(buf.String())
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Sprintf("%s\nexit status %d", out, exitErr.ExitCode()), true
		}
		return fmt.Sprintf("%s\n%s", out, err), true
	}
	return out, false
}

func writeFile(input map[string]any, cwd string) (string, bool) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	if path == "" {
		return "path argument is required", true
	}
	full := resolve(cwd, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err.Error(), true
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return err.Error(), true
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), false
}

func readFile(input map[string]any, cwd string) (string, bool) {
	path, _ := input["path"].(string)
	if path == "" {
		return "path argument is required", true
	}
	data, err := os.ReadFile(resolve(cwd, path))
	if err != nil {
		return err.Error(), true
	}
	return truncate(string(data)), false
}

func resolve(cwd, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cwd, path)
}

func truncate(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes] + "\n...(truncated)"
}
