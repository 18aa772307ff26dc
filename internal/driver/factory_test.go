package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDriver struct{ model string }

func (f *fakeDriver) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	return GenerateResult{}, nil
}
func (f *fakeDriver) ExecuteAgentic(ctx context.Context, req AgenticRequest) (<-chan AgenticMessage, error) {
	return nil, nil
}
func (f *fakeDriver) GetUsage() *Usage { return nil }
func (f *fakeDriver) Model() string    { return f.model }

func TestRegistryResolvesRegisteredFactory(t *testing.T) {
	r := NewRegistry()
	r.Register(KindAnthropic, func(ctx context.Context, model string) (Driver, error) {
		return &fakeDriver{model: model}, nil
	})

	d, err := r.New(context.Background(), KindAnthropic, "claude-test")
	require.NoError(t, err)
	require.Equal(t, "claude-test", d.Model())
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.New(context.Background(), KindOpenAI, "gpt-test")
	require.Error(t, err)
}

func TestKindsReflectsRegistrations(t *testing.T) {
	r := NewRegistry()
	r.Register(KindBedrock, func(ctx context.Context, model string) (Driver, error) {
		return &fakeDriver{model: model}, nil
	})
	require.Equal(t, []Kind{KindBedrock}, r.Kinds())
}
