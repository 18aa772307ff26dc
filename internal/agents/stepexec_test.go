package agents

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/state"
)

func TestValidateCommandResultExitCodeOnly(t *testing.T) {
	step := state.PlanStep{ExpectExitCode: 0}
	require.True(t, ValidateCommandResult(0, "anything", step))
	require.False(t, ValidateCommandResult(1, "anything", step))
}

func TestValidateCommandResultWithPatternStripsANSI(t *testing.T) {
	step := state.PlanStep{ExpectExitCode: 0, ExpectedOutputPattern: `^ok$`}
	require.True(t, ValidateCommandResult(0, "\x1b[32mok\x1b[0m", step))
	require.False(t, ValidateCommandResult(0, "not ok", step))
}

func TestValidateCommandResultNonDefaultExitCode(t *testing.T) {
	step := state.PlanStep{ExpectExitCode: 127}
	require.True(t, ValidateCommandResult(127, "", step))
	require.False(t, ValidateCommandResult(0, "", step))
}

func TestFilesystemChecksCommandRejectsMissingBinary(t *testing.T) {
	step := state.PlanStep{ActionType: state.ActionCommand, Command: "definitely-not-a-real-binary-xyz"}
	res := FilesystemChecks(step, t.TempDir())
	require.False(t, res.OK)
}

func TestFilesystemChecksCodeAcceptsExistingParentDir(t *testing.T) {
	dir := t.TempDir()
	step := state.PlanStep{ActionType: state.ActionCode, FilePath: "new_file.go"}
	res := FilesystemChecks(step, dir)
	require.True(t, res.OK)
}
