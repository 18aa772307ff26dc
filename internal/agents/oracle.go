package agents

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/state"
)

// charsPerToken approximates a token as 4 characters, a rough-but-standard
// heuristic used only to keep the bundled context under budget; it never
// needs to be exact.
const charsPerToken = 4

// Oracle bundles workspace files (respecting .gitignore, capped to a token
// budget) into a single driver call and surfaces the exchange as
// ORACLE_*-typed events under a fresh session id.
type Oracle struct {
	Driver driver.Driver
}

// Consult drives an agentic session asking the model to reason about
// problem, with workingDir's files (optionally narrowed to files) bundled
// into the prompt up to tokenBudget tokens. It returns the events observed
// and the driver's final textual result.
func (o *Oracle) Consult(ctx context.Context, workflowID, problem, workingDir string, files []string, tokenBudget int) ([]state.WorkflowEvent, string, error) {
	sessionID := uuid.NewString()

	bundle, err := bundleFiles(workingDir, files, tokenBudget)
	if err != nil {
		return nil, "", fmt.Errorf("oracle: bundle files: %w", err)
	}

	prompt := fmt.Sprintf("%s\n\n--- relevant files ---\n%s", problem, bundle)

	start := time.Now()
	events := []state.WorkflowEvent{{
		WorkflowID: workflowID, Timestamp: start, Agent: "oracle",
		EventType: state.EventOracleConsultationStarted, SessionID: sessionID,
	}}

	ch, err := o.Driver.ExecuteAgentic(ctx, driver.AgenticRequest{Prompt: prompt, Cwd: workingDir, SessionID: sessionID})
	if err != nil {
		events = append(events, state.WorkflowEvent{
			WorkflowID: workflowID, Timestamp: time.Now(), Agent: "oracle",
			EventType: state.EventOracleConsultationFailed, SessionID: sessionID, Message: err.Error(), IsError: true,
		})
		return events, "", err
	}

	var final string
	for msg := range ch {
		switch msg.Type {
		case driver.MessageToolCall:
			events = append(events, state.WorkflowEvent{
				WorkflowID: workflowID, Timestamp: time.Now(), Agent: "oracle",
				EventType: state.EventOracleToolCall, SessionID: sessionID,
				ToolName: msg.ToolCall.ToolName, ToolInput: msg.ToolCall.ToolInput,
			})
		case driver.MessageToolResult:
			events = append(events, state.WorkflowEvent{
				WorkflowID: workflowID, Timestamp: time.Now(), Agent: "oracle",
				EventType: state.EventOracleToolResult, SessionID: sessionID,
				ToolName: msg.ToolResult.ToolName, ToolOutput: msg.ToolResult.ToolOutput, IsError: msg.ToolResult.IsError,
			})
		case driver.MessageResult:
			final = msg.Result.Content
			events = append(events, state.WorkflowEvent{
				WorkflowID: workflowID, Timestamp: time.Now(), Agent: "oracle",
				EventType: state.EventOracleConsultationComplete, SessionID: sessionID, Message: final,
			})
		}
	}
	return events, final, nil
}

// bundleFiles walks workingDir (or just the given files, if non-empty),
// skipping anything matched by .gitignore, and concatenates file contents
// until tokenBudget (approximated via charsPerToken) is exhausted.
func bundleFiles(workingDir string, files []string, tokenBudget int) (string, error) {
	matcher := loadGitignore(workingDir)
	budgetChars := tokenBudget * charsPerToken
	if budgetChars <= 0 {
		budgetChars = 32_000 * charsPerToken
	}

	var candidates []string
	if len(files) > 0 {
		candidates = files
	} else {
		err := filepath.WalkDir(workingDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, _ := filepath.Rel(workingDir, path)
			if matcher.Match(splitPath(rel), false) {
				return nil
			}
			candidates = append(candidates, rel)
			return nil
		})
		if err != nil {
			return "", err
		}
	}

	var b strings.Builder
	for _, rel := range candidates {
		if b.Len() >= budgetChars {
			break
		}
		content, err := os.ReadFile(filepath.Join(workingDir, rel))
		if err != nil {
			continue
		}
		remaining := budgetChars - b.Len()
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining]
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", rel, text)
	}
	return b.String(), nil
}

func loadGitignore(workingDir string) gitignore.Matcher {
	f, err := os.Open(filepath.Join(workingDir, ".gitignore"))
	if err != nil {
		return gitignore.NewMatcher(nil)
	}
	defer f.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return gitignore.NewMatcher(patterns)
}

func splitPath(rel string) []string {
	return strings.Split(filepath.ToSlash(rel), "/")
}
