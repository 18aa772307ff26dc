package openai

import (
	"context"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/driver"
)

type stubChatClient struct {
	responses []*openai.ChatCompletion
	calls     int
}

func (s *stubChatClient) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func textCompletion(text string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Content: text},
		}},
	}
}

func TestGenerateReturnsText(t *testing.T) {
	stub := &stubChatClient{responses: []*openai.ChatCompletion{textCompletion("hello")}}
	client, err := New(stub, "gpt-test")
	require.NoError(t, err)

	result, err := client.Generate(context.Background(), driver.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", result.Text)
}

func TestExecuteAgenticEmitsResultWhenNoToolsRequested(t *testing.T) {
	stub := &stubChatClient{responses: []*openai.ChatCompletion{textCompletion("all done")}}
	client, err := New(stub, "gpt-test")
	require.NoError(t, err)

	ch, err := client.ExecuteAgentic(context.Background(), driver.AgenticRequest{Prompt: "do the thing"})
	require.NoError(t, err)

	var sawResult, sawUsage bool
	for msg := range ch {
		if msg.Type == driver.MessageResult {
			sawResult = true
			require.Equal(t, "all done", msg.Result.Content)
		}
		if msg.Type == driver.MessageUsage {
			sawUsage = true
		}
	}
	require.True(t, sawResult)
	require.True(t, sawUsage)
}
