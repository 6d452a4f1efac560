package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

func newTestRegistry() *Registry {
	return New(observability.NewNoopLogger(), nil)
}

func testTool(name string) *models.Capability {
	return &models.Capability{
		Kind:        models.KindTool,
		Name:        name,
		Description: "test tool " + name,
		Tool: &models.ToolSpec{
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"msg": map[string]interface{}{"type": "string"},
				},
			},
			HandlerRef: "builtin.echo",
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	cap := testTool("echo")
	require.NoError(t, r.Register(ctx, cap))

	got, err := r.Get(models.KindTool, "echo")
	require.NoError(t, err)
	assert.Equal(t, cap.Name, got.Name)
	assert.Equal(t, cap.DefinitionHash, got.DefinitionHash)
	assert.False(t, got.RegisteredAt.IsZero())
	assert.NotNil(t, got.Counters)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	tests := []struct {
		name string
		cap  *models.Capability
	}{
		{"nil capability", nil},
		{"unknown kind", &models.Capability{Kind: "widget", Name: "x"}},
		{"empty name", testToolNamed("")},
		{"bad name chars", testToolNamed("has space")},
		{"tool without handler", &models.Capability{
			Kind: models.KindTool, Name: "t",
			Tool: &models.ToolSpec{InputSchema: map[string]interface{}{"type": "object"}},
		}},
		{"prompt without template", &models.Capability{
			Kind: models.KindPrompt, Name: "p", Prompt: &models.PromptSpec{},
		}},
		{"resource without uri", &models.Capability{
			Kind: models.KindResource, Name: "r", Resource: &models.ResourceSpec{ReaderRef: "x"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(ctx, tt.cap)
			require.Error(t, err)
			assert.Equal(t, models.ErrInvalidArgument, models.KindOf(err))
		})
	}
}

func testToolNamed(name string) *models.Capability {
	c := testTool("placeholder")
	c.Name = name
	return c
}

func TestRegisterRejectsHashMismatch(t *testing.T) {
	r := newTestRegistry()
	cap := testTool("echo")
	cap.DefinitionHash = "deadbeef"

	err := r.Register(context.Background(), cap)
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidArgument, models.KindOf(err))
}

func TestRegisterConflict(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testTool("echo")))

	// Same definition registers idempotently.
	require.NoError(t, r.Register(ctx, testTool("echo")))

	// Different definition under the same name conflicts.
	other := testTool("echo")
	other.Description = "changed"
	err := r.Register(ctx, other)
	require.Error(t, err)
	assert.Equal(t, models.ErrConflict, models.KindOf(err))
}

func TestReplacePreservesCounters(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	v1 := testTool("echo")
	require.NoError(t, r.Register(ctx, v1))

	got, err := r.Get(models.KindTool, "echo")
	require.NoError(t, err)
	got.Counters.RecordInvocation(5*time.Millisecond, false)
	registeredAt := got.RegisteredAt

	v2 := testTool("echo")
	v2.Description = "echoes the message back"
	require.NoError(t, r.Replace(ctx, v2))

	got2, err := r.Get(models.KindTool, "echo")
	require.NoError(t, err)
	assert.NotEqual(t, v1.DefinitionHash, got2.DefinitionHash)
	assert.Equal(t, int64(1), got2.Counters.Invocations.Load())
	assert.Equal(t, registeredAt, got2.RegisteredAt)
}

func TestReplaceNotFound(t *testing.T) {
	r := newTestRegistry()
	err := r.Replace(context.Background(), testTool("ghost"))
	require.Error(t, err)
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testTool("echo")))
	require.NoError(t, r.Deregister(ctx, models.KindTool, "echo"))

	_, err := r.Get(models.KindTool, "echo")
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))

	err = r.Deregister(ctx, models.KindTool, "echo")
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
}

func TestListFilters(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	a := testTool("web_fetch")
	a.Category = "web"
	b := testTool("data_query")
	b.Category = "data"
	p := &models.Capability{
		Kind: models.KindPrompt, Name: "report", Description: "report prompt",
		Prompt: &models.PromptSpec{Template: "Summarize {topic}"},
	}
	require.NoError(t, r.Register(ctx, a))
	require.NoError(t, r.Register(ctx, b))
	require.NoError(t, r.Register(ctx, p))

	assert.Len(t, r.List(ListFilter{}), 3)
	assert.Len(t, r.List(ListFilter{Kind: models.KindTool}), 2)
	assert.Len(t, r.List(ListFilter{Category: "web"}), 1)
	assert.Len(t, r.List(ListFilter{NameContains: "FETCH"}), 1)

	// Snapshot ordering is deterministic.
	tools := r.List(ListFilter{Kind: models.KindTool})
	assert.Equal(t, "data_query", tools[0].Name)
	assert.Equal(t, "web_fetch", tools[1].Name)
}

func TestChangeFeedOrdering(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sub, err := r.Subscribe(0)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Register(ctx, testTool("a")))
	v2 := testTool("a")
	v2.Description = "updated"
	require.NoError(t, r.Replace(ctx, v2))
	require.NoError(t, r.Deregister(ctx, models.KindTool, "a"))

	var events []ChangeEvent
	for i := 0; i < 3; i++ {
		select {
		case e := <-sub.C:
			events = append(events, e)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change event")
		}
	}

	assert.Equal(t, []ChangeType{ChangeAdded, ChangeReplaced, ChangeRemoved},
		[]ChangeType{events[0].Type, events[1].Type, events[2].Type})
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq, "sequence numbers are gap-free from 1")
	}
}

func TestChangeFeedReplay(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Register(ctx, testTool(fmt.Sprintf("tool_%d", i))))
	}

	sub, err := r.Subscribe(3)
	require.NoError(t, err)
	defer sub.Close()

	for want := uint64(3); want <= 5; want++ {
		select {
		case e := <-sub.C:
			assert.Equal(t, want, e.Seq)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replayed event")
		}
	}
}

func TestChangeFeedTruncatedReplay(t *testing.T) {
	f := newFeed(observability.NewNoopLogger())
	cap := testTool("x")
	for i := 0; i < feedBufferSize+10; i++ {
		f.publish(ChangeAdded, cap)
	}

	_, err := f.Subscribe(1)
	require.Error(t, err)
	assert.Equal(t, models.ErrConflict, models.KindOf(err))
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sub, err := r.Subscribe(0)
	require.NoError(t, err)

	// Never drain; the subscriber buffer fills and the feed must drop it
	// instead of blocking the writer.
	for i := 0; i < subscriberBufferSize+10; i++ {
		require.NoError(t, r.Register(ctx, testTool(fmt.Sprintf("t%d", i))))
	}

	// Channel must eventually be closed.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber was not dropped")
		}
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				name := fmt.Sprintf("tool_%d_%d", n, j)
				assert.NoError(t, r.Register(ctx, testTool(name)))
				_, err := r.Get(models.KindTool, name)
				assert.NoError(t, err)
				r.List(ListFilter{Kind: models.KindTool})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 400, r.Len())
}
