package merge

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninndb/pkg/gateway"
	"github.com/orneryd/muninndb/pkg/record"
	"github.com/orneryd/muninndb/pkg/scheduler"
	"github.com/orneryd/muninndb/pkg/similarity"
)

// mockClient scripts Merge responses per prompt substring.
type mockClient struct {
	consolidation gateway.Consolidation
	mergeErr      error
}

func (m *mockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("not scripted")
}

func (m *mockClient) Judge(ctx context.Context, prompt string) (gateway.Judgement, error) {
	return gateway.Judgement{}, errors.New("not scripted")
}

func (m *mockClient) Merge(ctx context.Context, prompt string) (gateway.Consolidation, error) {
	if m.mergeErr != nil {
		return gateway.Consolidation{}, m.mergeErr
	}
	return m.consolidation, nil
}

func (m *mockClient) Refine(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("not scripted")
}

func (m *mockClient) Dimensions() int { return 3 }
func (m *mockClient) Model() string   { return "mock" }

func testPool() *scheduler.Pool {
	return scheduler.NewPool(&scheduler.Config{Ceiling: 4, Retries: 0})
}

func logicalClock() func() uint64 {
	var tick uint64
	return func() uint64 { return atomic.AddUint64(&tick, 1) }
}

func testRecords() []record.Record {
	return []record.Record{
		{ID: "a", Question: "battery life?", Answer: "8 hours", Provenance: []string{"doc1"}, Status: record.StatusActive},
		{ID: "b", Question: "how long does battery last?", Answer: "about 8 hours", Provenance: []string{"doc2", "doc1"}, Status: record.StatusActive},
		{ID: "c", Question: "what color is the case?", Answer: "black", Provenance: []string{"doc3"}, Status: record.StatusActive},
	}
}

func TestMergeGroups(t *testing.T) {
	t.Run("creates_consolidated_successor", func(t *testing.T) {
		mock := &mockClient{
			consolidation: gateway.Consolidation{
				Question: "battery life?",
				Answer:   "approximately 8 hours",
			},
		}
		engine := NewEngine(mock, testPool())
		records := testRecords()
		groups := []similarity.Group{{Members: []int{0, 1}, Confidence: 0.95}}

		out := engine.MergeGroups(context.Background(), records, groups, logicalClock())
		require.Len(t, out.Merged, 1)
		assert.Zero(t, out.Failed)

		successor := out.Merged[0]
		assert.Equal(t, "battery life?", successor.Question)
		assert.Equal(t, "approximately 8 hours", successor.Answer)
		assert.Equal(t, record.StatusActive, successor.Status)
		assert.NotEmpty(t, successor.ID)
		assert.Equal(t, []record.ID{"a", "b"}, successor.MergeHistory)
	})

	t.Run("provenance_is_union_in_first_seen_order", func(t *testing.T) {
		mock := &mockClient{
			consolidation: gateway.Consolidation{Question: "q", Answer: "a"},
		}
		engine := NewEngine(mock, testPool())
		records := testRecords()
		groups := []similarity.Group{{Members: []int{0, 1}, Confidence: 0.95}}

		out := engine.MergeGroups(context.Background(), records, groups, logicalClock())
		require.Len(t, out.Merged, 1)
		assert.Equal(t, []string{"doc1", "doc2"}, out.Merged[0].Provenance)
	})

	t.Run("members_marked_merged_pointing_at_successor", func(t *testing.T) {
		mock := &mockClient{
			consolidation: gateway.Consolidation{Question: "q", Answer: "a"},
		}
		engine := NewEngine(mock, testPool())
		records := testRecords()
		groups := []similarity.Group{{Members: []int{0, 1}, Confidence: 0.95}}

		out := engine.MergeGroups(context.Background(), records, groups, logicalClock())
		require.Len(t, out.Merged, 1)

		for _, i := range []int{0, 1} {
			assert.Equal(t, record.StatusMerged, records[i].Status)
			assert.Equal(t, out.Merged[0].ID, records[i].MergedInto)
		}
		assert.Equal(t, record.StatusActive, records[2].Status)
	})

	t.Run("failure_leaves_group_untouched", func(t *testing.T) {
		mock := &mockClient{
			mergeErr: gateway.NewPermanentError(400, errors.New("model refused")),
		}
		engine := NewEngine(mock, testPool())
		records := testRecords()
		groups := []similarity.Group{{Members: []int{0, 1}, Confidence: 0.95}}

		out := engine.MergeGroups(context.Background(), records, groups, logicalClock())
		assert.Empty(t, out.Merged)
		assert.Equal(t, 1, out.Failed)

		for _, r := range records {
			assert.Equal(t, record.StatusActive, r.Status)
			assert.Empty(t, r.MergedInto)
		}
	})

	t.Run("empty_groups_is_noop", func(t *testing.T) {
		engine := NewEngine(&mockClient{}, testPool())
		records := testRecords()

		out := engine.MergeGroups(context.Background(), records, nil, logicalClock())
		assert.Empty(t, out.Merged)
		assert.Zero(t, out.Failed)
	})
}

func TestBuildMergePrompt(t *testing.T) {
	records := testRecords()
	prompt := buildMergePrompt(records, []int{0, 1})

	assert.True(t, strings.Contains(prompt, "battery life?"))
	assert.True(t, strings.Contains(prompt, "about 8 hours"))
	assert.False(t, strings.Contains(prompt, "black"))
	assert.True(t, strings.Contains(prompt, `"question"`))
}
