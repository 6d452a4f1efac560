package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/capability-server/internal/config"
	"github.com/developer-mesh/capability-server/internal/discovery"
	"github.com/developer-mesh/capability-server/internal/dispatcher"
	"github.com/developer-mesh/capability-server/internal/registry"
	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

type fakeGenerator struct {
	reply string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	f.calls++
	return f.reply, f.err
}

func setup(t *testing.T, gen Generator) (*Provider, *dispatcher.Dispatcher, *registry.Registry) {
	t.Helper()
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoopMetrics()

	reg := registry.New(logger, nil)
	provider := NewProvider(reg, gen)
	handlers := dispatcher.NewHandlerRegistry()
	require.NoError(t, provider.RegisterHandlers(handlers))

	disc := discovery.NewEngine(config.DiscoveryConfig{}, reg, logger, metrics, nil)
	disc.AddSource(provider.Source())
	report := disc.Refresh(context.Background())
	require.Empty(t, report.Rejected)
	require.Len(t, report.Accepted, 4)

	disp := dispatcher.New(reg, handlers, config.DispatcherConfig{
		DefaultTimeout: 2 * time.Second,
	}, logger, metrics, nil)
	return provider, disp, reg
}

func invoke(t *testing.T, disp *dispatcher.Dispatcher, kind models.Kind, name string,
	args map[string]interface{}) (*dispatcher.Response, error) {
	t.Helper()
	return disp.Invoke(context.Background(), dispatcher.Request{
		RequestID: "req-1",
		Kind:      kind,
		Name:      name,
		Arguments: args,
	})
}

func TestEchoEndToEnd(t *testing.T) {
	_, disp, _ := setup(t, nil)

	resp, err := invoke(t, disp, models.KindTool, "echo", map[string]interface{}{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Result)
}

func TestSummarizeUsesGenerator(t *testing.T) {
	gen := &fakeGenerator{reply: "a short summary"}
	_, disp, _ := setup(t, gen)

	resp, err := invoke(t, disp, models.KindTool, "summarize",
		map[string]interface{}{"text": "a very long document"})
	require.NoError(t, err)
	assert.Equal(t, "a short summary", resp.Result)
	assert.Equal(t, 1, gen.calls)
}

func TestSummarizeWithoutGenerator(t *testing.T) {
	_, disp, _ := setup(t, nil)

	_, err := invoke(t, disp, models.KindTool, "summarize",
		map[string]interface{}{"text": "anything"})
	require.Error(t, err)
	assert.Equal(t, models.ErrUpstreamUnavailable, models.KindOf(err))
}

func TestCapabilityReportPrompt(t *testing.T) {
	_, disp, _ := setup(t, nil)

	resp, err := invoke(t, disp, models.KindPrompt, "capability_report",
		map[string]interface{}{"capability": "echo", "audience": "operators"})
	require.NoError(t, err)

	messages := resp.Result.([]dispatcher.PromptMessage)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "capability echo")
	assert.Contains(t, messages[0].Content, "for operators")

	_, err = invoke(t, disp, models.KindPrompt, "capability_report", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidArgument, models.KindOf(err))
}

func TestStatsResourceReflectsCounters(t *testing.T) {
	_, disp, _ := setup(t, nil)

	for i := 0; i < 3; i++ {
		_, err := invoke(t, disp, models.KindTool, "echo", map[string]interface{}{"msg": "x"})
		require.NoError(t, err)
	}

	resp, err := invoke(t, disp, models.KindResource, "stats", nil)
	require.NoError(t, err)
	contents := resp.Result.([]dispatcher.ResourceContent)
	require.Len(t, contents, 1)
	assert.Equal(t, "server://stats", contents[0].URI)

	var stats struct {
		Capabilities int `json:"capabilities"`
		Counters     []struct {
			Name        string `json:"name"`
			Invocations int64  `json:"invocations"`
		} `json:"counters"`
	}
	require.NoError(t, json.Unmarshal([]byte(contents[0].Text), &stats))
	assert.Equal(t, 4, stats.Capabilities)

	var echoInvocations int64
	for _, c := range stats.Counters {
		if c.Name == "echo" {
			echoInvocations = c.Invocations
		}
	}
	assert.Equal(t, int64(3), echoInvocations)
}
