package agents

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agentflow/agentflow/internal/driver/tools"
	"github.com/agentflow/agentflow/internal/state"
)

// FilesystemCheckResult is the outcome of _filesystem_checks.
type FilesystemCheckResult struct {
	OK          bool
	Issue       string
	Suggestions []string
}

// FilesystemChecks implements the pre-validation filesystem checks from
// spec §4.F: for a code step, either the target file already exists or its
// parent directory does; for a command step, the first token must resolve
// on PATH and any declared cwd must exist.
func FilesystemChecks(step state.PlanStep, cwd string) FilesystemCheckResult {
	switch step.ActionType {
	case state.ActionCode:
		path := resolvePath(cwd, step.FilePath)
		if _, err := os.Stat(path); err == nil {
			return FilesystemCheckResult{OK: true}
		}
		if _, err := os.Stat(filepath.Dir(path)); err == nil {
			return FilesystemCheckResult{OK: true}
		}
		return FilesystemCheckResult{
			OK:          false,
			Issue:       "neither the target file nor its parent directory exists: " + path,
			Suggestions: []string{"create the parent directory first", "double-check the step's filePath"},
		}
	case state.ActionCommand, state.ActionValidation:
		command := step.Command
		if command == "" {
			command = step.ValidationCommand
		}
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return FilesystemCheckResult{OK: false, Issue: "step has no command to execute"}
		}
		if _, err := exec.LookPath(fields[0]); err != nil {
			return FilesystemCheckResult{
				OK:          false,
				Issue:       "command not found on PATH: " + fields[0],
				Suggestions: []string{"install the required tool", "use an absolute path"},
			}
		}
		if step.Cwd != "" {
			if _, err := os.Stat(resolvePath(cwd, step.Cwd)); err != nil {
				return FilesystemCheckResult{OK: false, Issue: "step cwd does not exist: " + step.Cwd}
			}
		}
		return FilesystemCheckResult{OK: true}
	default:
		return FilesystemCheckResult{OK: true}
	}
}

// PreValidateStep runs the filesystem checks only; LLM-based validation is
// reserved for higher risk levels and is currently a no-op placeholder, per
// spec §4.F.
func PreValidateStep(step state.PlanStep, cwd string) FilesystemCheckResult {
	return FilesystemChecks(step, cwd)
}

var ansiStripForOutput = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// ValidateCommandResult implements validate_command_result: the exit code
// must equal step.ExpectExitCode (default 0), and if
// step.ExpectedOutputPattern is set, a regex search against the
// ANSI-stripped stdout must succeed.
func ValidateCommandResult(exitCode int, stdout string, step state.PlanStep) bool {
	want := step.ExpectExitCode
	if exitCode != want {
		return false
	}
	if step.ExpectedOutputPattern == "" {
		return true
	}
	re, err := regexp.Compile(step.ExpectedOutputPattern)
	if err != nil {
		return false
	}
	return re.MatchString(ansiStripForOutput.ReplaceAllString(stdout, ""))
}

// ExecuteStepWithFallbacks runs step's primary command action and, for
// command actions, iterates fallbackCommands in order on failure until one
// succeeds or all fail. For code actions it writes the file, then runs
// validationCommand if given.
func ExecuteStepWithFallbacks(ctx context.Context, step state.PlanStep, cwd string) state.StepResult {
	start := time.Now()
	result := state.StepResult{StepID: step.ID}

	switch step.ActionType {
	case state.ActionCode:
		if step.CodeChange == nil {
			result.Status = state.StepFailed
			result.Error = "code step has no codeChange payload"
			result.DurationSeconds = time.Since(start).Seconds()
			return result
		}
		output, isErr := tools.Execute(ctx, tools.WriteFile, map[string]any{
			"path": step.FilePath, "content": step.CodeChange.Content,
		}, cwd)
		if isErr {
			result.Status = state.StepFailed
			result.Error = output
			result.DurationSeconds = time.Since(start).Seconds()
			return result
		}
		if step.ValidationCommand != "" {
			out, isErr := tools.Execute(ctx, tools.RunShellCommand, map[string]any{"command": step.ValidationCommand}, cwd)
			exitCode := exitCodeFromOutput(isErr)
			result.Output = out
			result.ExecutedCommand = step.ValidationCommand
			if !ValidateCommandResult(exitCode, out, step) {
				result.Status = state.StepFailed
				result.Error = "validation command failed"
				result.DurationSeconds = time.Since(start).Seconds()
				return result
			}
		}
		result.Status = state.StepCompleted
		result.DurationSeconds = time.Since(start).Seconds()
		return result

	case state.ActionCommand, state.ActionValidation:
		command := step.Command
		if command == "" {
			command = step.ValidationCommand
		}
		candidates := append([]string{command}, step.FallbackCommands...)
		var lastOutput string
		for _, cmd := range candidates {
			args := map[string]any{"command": cmd}
			if step.Cwd != "" {
				args["cwd"] = step.Cwd
			}
			out, isErr := tools.Execute(ctx, tools.RunShellCommand, args, cwd)
			lastOutput = out
			exitCode := exitCodeFromOutput(isErr)
			if ValidateCommandResult(exitCode, out, step) {
				result.Status = state.StepCompleted
				result.Output = out
				result.ExecutedCommand = cmd
				result.DurationSeconds = time.Since(start).Seconds()
				return result
			}
		}
		result.Status = state.StepFailed
		result.Output = lastOutput
		result.Error = "all commands (primary + fallbacks) failed"
		result.ExecutedCommand = command
		result.DurationSeconds = time.Since(start).Seconds()
		return result

	default:
		result.Status = state.StepFailed
		result.Error = "unknown action type"
		result.DurationSeconds = time.Since(start).Seconds()
		return result
	}
}

// exitCodeFromOutput derives a 0/1 exit code from the builtin tool's
// isError flag; it does not parse the numeric status the builtin shell tool
// appends to its output text, so every failure maps to 1.
func exitCodeFromOutput(isErr bool) int {
	if isErr {
		return 1
	}
	return 0
}

// BlockerFor builds a BlockerReport from a failed step, mapping the cause to
// a blockerType per spec §4.F: pre-validation failure -> unexpected_state,
// code-action failure -> validation_failed, command failure -> command_failed.
func BlockerFor(step state.PlanStep, cause string, result state.StepResult) state.BlockerReport {
	var blockerType state.BlockerType
	switch {
	case cause == "pre_validation":
		blockerType = state.BlockerUnexpectedState
	case step.ActionType == state.ActionCode:
		blockerType = state.BlockerValidationFailed
	default:
		blockerType = state.BlockerCommandFailed
	}
	return state.BlockerReport{
		StepID:               step.ID,
		StepDescription:      step.Description,
		BlockerType:           blockerType,
		ErrorMessage:         result.Error,
		AttemptedActions:     append([]string{step.Command}, step.FallbackCommands...),
		SuggestedResolutions: []string{"skip", "abort", "provide a corrected command"},
	}
}

func resolvePath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cwd, path)
}

var errRepoNotFound = errors.New("agents: not a git repository")

// takeGitSnapshotOutput is implemented against the `git` binary rather than
// go-git's porcelain layer: go-git's Worktree.Status walks the entire tree on
// every call, which is slow on large worktrees; shelling out to
// `git status --porcelain` matches what a human operator would run.
func takeGitSnapshotOutput(ctx context.Context, cwd string) (head string, dirty []string, err error) {
	headOut, isErr := tools.Execute(ctx, tools.RunShellCommand, map[string]any{"command": "git rev-parse HEAD"}, cwd)
	if isErr {
		return "", nil, errRepoNotFound
	}
	head = strings.TrimSpace(headOut)

	statusOut, isErr := tools.Execute(ctx, tools.RunShellCommand, map[string]any{"command": "git status --porcelain"}, cwd)
	if isErr {
		return head, nil, nil
	}
	for _, line := range strings.Split(statusOut, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		dirty = append(dirty, fields[len(fields)-1])
	}
	return head, dirty, nil
}

// TakeGitSnapshot records HEAD and the set of dirty files in cwd. No graph
// node calls it: developer_node re-anchors baseCommit through
// Deps.HeadCommit and records no snapshot before a batch.
func TakeGitSnapshot(ctx context.Context, cwd string) (state.GitSnapshot, error) {
	head, dirty, err := takeGitSnapshotOutput(ctx, cwd)
	if err != nil {
		return state.GitSnapshot{}, err
	}
	return state.GitSnapshot{HeadCommit: head, DirtyFiles: dirty}, nil
}
