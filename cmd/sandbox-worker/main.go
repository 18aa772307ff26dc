// Command sandbox-worker is the subprocess invoked by internal/sandbox for
// agent roles configured with driver.KindSandbox, so agent tool calls run
// inside an isolated process. It streams driver.AgenticMessage values as one JSON
// object per line to stdout and always ends with a USAGE line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/driver/anthropic"
	"github.com/agentflow/agentflow/internal/driver/bedrock"
	"github.com/agentflow/agentflow/internal/driver/openai"
	"github.com/agentflow/agentflow/internal/sandbox"
)

type flags struct {
	promptFile   string
	model        string
	systemPrompt string
	cwd          string
	sessionID    string
	schemaFile   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sandbox-worker",
		Short: "Runs one driver call inside an isolated worker process",
	}
	root.AddCommand(newAgenticCmd(), newGenerateCmd())
	return root
}

func newAgenticCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "agentic",
		Short: "Runs a multi-turn, tool-using execution and streams its messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentic(cmd.Context(), f)
		},
	}
	bindCommonFlags(cmd, f)
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "working directory for builtin tool execution")
	return cmd
}

func newGenerateCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Runs a single-turn call and streams its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd.Context(), f)
		},
	}
	bindCommonFlags(cmd, f)
	cmd.Flags().StringVar(&f.schemaFile, "schema-file", "", "path to a JSON Schema the result must validate against")
	return cmd
}

func bindCommonFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.promptFile, "prompt-file", "", "path to a file containing the prompt")
	cmd.Flags().StringVar(&f.model, "model", "", "model identifier")
	cmd.Flags().StringVar(&f.systemPrompt, "system-prompt", "", "optional system prompt")
	cmd.Flags().StringVar(&f.sessionID, "session-id", "", "optional conversational session id")
	cmd.MarkFlagRequired("prompt-file")
	cmd.MarkFlagRequired("model")
}

func runAgentic(ctx context.Context, f *flags) error {
	d, err := resolveDriver(ctx, f.model)
	if err != nil {
		return err
	}
	prompt, err := os.ReadFile(f.promptFile)
	if err != nil {
		return fmt.Errorf("sandbox-worker: read prompt file: %w", err)
	}

	ch, err := d.ExecuteAgentic(ctx, driver.AgenticRequest{
		Prompt:       string(prompt),
		SystemPrompt: f.systemPrompt,
		Cwd:          f.cwd,
		SessionID:    f.sessionID,
	})
	if err != nil {
		return fmt.Errorf("sandbox-worker: start agentic execution: %w", err)
	}

	enc := sandbox.NewEncoder(os.Stdout)
	for msg := range ch {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("sandbox-worker: write message: %w", err)
		}
	}
	return enc.Encode(driver.AgenticMessage{Type: driver.MessageUsage, Usage: d.GetUsage()})
}

func runGenerate(ctx context.Context, f *flags) error {
	d, err := resolveDriver(ctx, f.model)
	if err != nil {
		return err
	}
	prompt, err := os.ReadFile(f.promptFile)
	if err != nil {
		return fmt.Errorf("sandbox-worker: read prompt file: %w", err)
	}
	req := driver.GenerateRequest{Prompt: string(prompt), SystemPrompt: f.systemPrompt, SessionID: f.sessionID}
	if f.schemaFile != "" {
		schema, err := os.ReadFile(f.schemaFile)
		if err != nil {
			return fmt.Errorf("sandbox-worker: read schema file: %w", err)
		}
		req.Schema = schema
	}

	result, err := d.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("sandbox-worker: generate: %w", err)
	}

	enc := sandbox.NewEncoder(os.Stdout)
	if err := enc.Encode(driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
		Content: result.Text, SessionID: result.NewSessionID, Model: d.Model(),
	}}); err != nil {
		return fmt.Errorf("sandbox-worker: write message: %w", err)
	}
	return enc.Encode(driver.AgenticMessage{Type: driver.MessageUsage, Usage: d.GetUsage()})
}

// resolveDriver picks a concrete HTTP-backed driver transport for model.
// Sandboxed workers never nest another sandbox transport: the worker is the
// isolation boundary, so it always talks to a provider directly.
func resolveDriver(ctx context.Context, model string) (driver.Driver, error) {
	switch kind := os.Getenv("AGENTFLOW_DRIVER_KIND"); driver.Kind(kind) {
	case driver.KindOpenAI:
		return openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), model)
	case driver.KindBedrock:
		return bedrock.NewFromEnv(ctx, model)
	case driver.KindAnthropic, "":
		return anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), model)
	default:
		return nil, fmt.Errorf("sandbox-worker: unknown AGENTFLOW_DRIVER_KIND %q", kind)
	}
}
