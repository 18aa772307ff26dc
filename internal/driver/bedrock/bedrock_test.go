package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/driver"
)

type stubRuntimeClient struct {
	responses []*bedrockruntime.ConverseOutput
	calls     int
}

func (s *stubRuntimeClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
		}},
	}
}

func TestGenerateReturnsText(t *testing.T) {
	stub := &stubRuntimeClient{responses: []*bedrockruntime.ConverseOutput{textOutput("hello")}}
	client, err := New(stub, "anthropic.claude-test")
	require.NoError(t, err)

	result, err := client.Generate(context.Background(), driver.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", result.Text)
}

func TestGenerateValidatesSchema(t *testing.T) {
	stub := &stubRuntimeClient{responses: []*bedrockruntime.ConverseOutput{textOutput(`{"goal":"ship it"}`)}}
	client, err := New(stub, "anthropic.claude-test")
	require.NoError(t, err)

	result, err := client.Generate(context.Background(), driver.GenerateRequest{
		Prompt: "hi",
		Schema: []byte(`{"type":"object","required":["goal"],"properties":{"goal":{"type":"string"}}}`),
	})
	require.NoError(t, err)
	require.Equal(t, "ship it", result.Parsed["goal"])
}

func TestGenerateRejectsSchemaMismatch(t *testing.T) {
	stub := &stubRuntimeClient{responses: []*bedrockruntime.ConverseOutput{textOutput(`{"wrong":"field"}`)}}
	client, err := New(stub, "anthropic.claude-test")
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), driver.GenerateRequest{
		Prompt: "hi",
		Schema: []byte(`{"type":"object","required":["goal"]}`),
	})
	require.Error(t, err)
}

func TestExecuteAgenticEmitsResultWhenNoToolsRequested(t *testing.T) {
	stub := &stubRuntimeClient{responses: []*bedrockruntime.ConverseOutput{textOutput("all done")}}
	client, err := New(stub, "anthropic.claude-test")
	require.NoError(t, err)

	ch, err := client.ExecuteAgentic(context.Background(), driver.AgenticRequest{Prompt: "do the thing"})
	require.NoError(t, err)

	var messages []driver.AgenticMessage
	for msg := range ch {
		messages = append(messages, msg)
	}
	require.NotEmpty(t, messages)
	last := messages[len(messages)-1]
	require.Equal(t, driver.MessageUsage, last.Type)

	var sawResult bool
	for _, m := range messages {
		if m.Type == driver.MessageResult {
			sawResult = true
			require.Equal(t, "all done", m.Result.Content)
		}
	}
	require.True(t, sawResult)
}

func TestNewRejectsMissingModel(t *testing.T) {
	_, err := New(&stubRuntimeClient{}, "")
	require.Error(t, err)
}
