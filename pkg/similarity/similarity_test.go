package similarity

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
)

// mockClient returns scripted embeddings by text and judgements in
// order of Judge calls.
type mockClient struct {
	embeddings map[string][]float32
	judgements []gateway.Judgement
	judgeErr   error
	judgeCalls int64
}

func (m *mockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := m.embeddings[text]; ok {
		return vec, nil
	}
	return nil, gateway.NewPermanentError(0, errors.New("no embedding scripted for "+text))
}

func (m *mockClient) Judge(ctx context.Context, prompt string) (gateway.Judgement, error) {
	n := atomic.AddInt64(&m.judgeCalls, 1)
	if m.judgeErr != nil {
		return gateway.Judgement{}, m.judgeErr
	}
	if int(n) > len(m.judgements) {
		return gateway.Judgement{}, errors.New("unexpected judge call")
	}
	return m.judgements[n-1], nil
}

func (m *mockClient) Merge(ctx context.Context, prompt string) (gateway.Consolidation, error) {
	return gateway.Consolidation{}, errors.New("not scripted")
}

func (m *mockClient) Refine(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("not scripted")
}

func (m *mockClient) Dimensions() int { return 3 }
func (m *mockClient) Model() string   { return "mock" }

func testRecords() []record.Record {
	return []record.Record{
		{ID: "a", Question: "battery life?", Answer: "8 hours"},
		{ID: "b", Question: "how long does battery last?", Answer: "about 8 hours"},
		{ID: "c", Question: "what color is the case?", Answer: "black"},
	}
}

// Near-identical vectors for a and b, orthogonal one for c.
func testEmbeddings() map[string][]float32 {
	return map[string][]float32{
		"battery life?":               {1, 0, 0},
		"8 hours":                     {0.99, 0.14, 0},
		"how long does battery last?": {0.995, 0.1, 0},
		"about 8 hours":               {0.98, 0.2, 0},
		"what color is the case?":     {0, 0, 1},
		"black":                       {0, 0.1, 0.995},
	}
}

func testEngine(client gateway.Client, config *Config) *Engine {
	pool := scheduler.NewPool(&scheduler.Config{Ceiling: 4, Retries: 0})
	return NewEngine(client, pool, config)
}

func TestFindGroups(t *testing.T) {
	t.Run("confirms_duplicate_pair", func(t *testing.T) {
		mock := &mockClient{
			embeddings: testEmbeddings(),
			judgements: []gateway.Judgement{{Verdict: gateway.VerdictSame, Confidence: 0.95}},
		}
		engine := testEngine(mock, nil)

		groups, err := engine.FindGroups(context.Background(), testRecords())
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, []int{0, 1}, groups[0].Members)
		assert.InDelta(t, 0.95, groups[0].Confidence, 1e-9)
	})

	t.Run("low_confidence_rejects_group", func(t *testing.T) {
		mock := &mockClient{
			embeddings: testEmbeddings(),
			judgements: []gateway.Judgement{{Verdict: gateway.VerdictSame, Confidence: 0.80}},
		}
		engine := testEngine(mock, nil)

		groups, err := engine.FindGroups(context.Background(), testRecords())
		require.NoError(t, err)
		assert.Empty(t, groups)
	})

	t.Run("distinct_verdict_rejects_group", func(t *testing.T) {
		mock := &mockClient{
			embeddings: testEmbeddings(),
			judgements: []gateway.Judgement{{Verdict: gateway.VerdictDistinct, Confidence: 0.99}},
		}
		engine := testEngine(mock, nil)

		groups, err := engine.FindGroups(context.Background(), testRecords())
		require.NoError(t, err)
		assert.Empty(t, groups)
	})

	t.Run("readjudication_is_idempotent", func(t *testing.T) {
		// Same records, same verdicts: a second pass over an
		// already-confirmed group reproduces it exactly.
		mock := &mockClient{
			embeddings: testEmbeddings(),
			judgements: []gateway.Judgement{
				{Verdict: gateway.VerdictSame, Confidence: 0.95},
				{Verdict: gateway.VerdictSame, Confidence: 0.95},
			},
		}
		engine := testEngine(mock, nil)

		first, err := engine.FindGroups(context.Background(), testRecords())
		require.NoError(t, err)
		second, err := engine.FindGroups(context.Background(), testRecords())
		require.NoError(t, err)

		assert.Equal(t, first, second)
		require.Len(t, second, 1)
		assert.Equal(t, []int{0, 1}, second[0].Members)
		assert.InDelta(t, 0.95, second[0].Confidence, 1e-9)
	})

	t.Run("outlier_stays_singleton", func(t *testing.T) {
		mock := &mockClient{
			embeddings: testEmbeddings(),
			judgements: []gateway.Judgement{{Verdict: gateway.VerdictSame, Confidence: 0.99}},
		}
		engine := testEngine(mock, nil)

		groups, err := engine.FindGroups(context.Background(), testRecords())
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.NotContains(t, groups[0].Members, 2)
	})

	t.Run("too_few_records_is_noop", func(t *testing.T) {
		mock := &mockClient{embeddings: testEmbeddings()}
		engine := testEngine(mock, nil)

		groups, err := engine.FindGroups(context.Background(), testRecords()[:1])
		require.NoError(t, err)
		assert.Empty(t, groups)
		assert.Zero(t, atomic.LoadInt64(&mock.judgeCalls))
	})

	t.Run("embedding_failure_excludes_record", func(t *testing.T) {
		embeddings := testEmbeddings()
		delete(embeddings, "8 hours") // record a can no longer embed
		mock := &mockClient{embeddings: embeddings}
		engine := testEngine(mock, nil)

		groups, err := engine.FindGroups(context.Background(), testRecords())
		require.NoError(t, err)
		assert.Empty(t, groups)
		assert.Zero(t, atomic.LoadInt64(&mock.judgeCalls))
	})

	t.Run("adjudication_failure_degrades_to_passthrough", func(t *testing.T) {
		mock := &mockClient{
			embeddings: testEmbeddings(),
			judgeErr:   gateway.NewPermanentError(400, errors.New("model refused")),
		}
		engine := testEngine(mock, nil)

		groups, err := engine.FindGroups(context.Background(), testRecords())
		require.NoError(t, err)
		assert.Empty(t, groups)
	})
}

func TestAdjudicationSplit(t *testing.T) {
	// Three near-duplicates plus one looser relative (d). First verdict
	// fails, d is dropped as the weakest member, second verdict confirms.
	records := []record.Record{
		{ID: "a", Question: "battery life?", Answer: "8 hours"},
		{ID: "b", Question: "how long does battery last?", Answer: "about 8 hours"},
		{ID: "c", Question: "battery duration?", Answer: "roughly 8 hours"},
		{ID: "d", Question: "battery charge time?", Answer: "2 hours"},
	}
	embeddings := map[string][]float32{
		"battery life?":               {1, 0, 0},
		"8 hours":                     {0.999, 0.045, 0},
		"how long does battery last?": {0.999, 0.04, 0},
		"about 8 hours":               {0.998, 0.06, 0},
		"battery duration?":           {0.999, 0.05, 0},
		"roughly 8 hours":             {0.998, 0.055, 0},
		"battery charge time?":        {0.90, 0.436, 0},
		"2 hours":                     {0.89, 0.456, 0},
	}

	mock := &mockClient{
		embeddings: embeddings,
		judgements: []gateway.Judgement{
			{Verdict: gateway.VerdictDistinct, Confidence: 0.6},
			{Verdict: gateway.VerdictSame, Confidence: 0.97},
		},
	}
	engine := testEngine(mock, nil)

	groups, err := engine.FindGroups(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []int{0, 1, 2}, groups[0].Members)
	assert.Equal(t, int64(2), atomic.LoadInt64(&mock.judgeCalls))
}

func TestCluster(t *testing.T) {
	t.Run("groups_nearby_vectors", func(t *testing.T) {
		vecs := [][]float32{
			{1, 0, 0},
			{0.99, 0.14, 0},
			{0, 0, 1},
		}
		clusters := Cluster(vecs, 0.15, 2)
		require.Len(t, clusters, 1)
		assert.Equal(t, []int{0, 1}, clusters[0])
	})

	t.Run("outliers_belong_to_no_cluster", func(t *testing.T) {
		vecs := [][]float32{
			{1, 0, 0},
			{0, 1, 0},
			{0, 0, 1},
		}
		clusters := Cluster(vecs, 0.15, 2)
		assert.Empty(t, clusters)
	})

	t.Run("nil_vectors_are_skipped", func(t *testing.T) {
		vecs := [][]float32{
			{1, 0, 0},
			nil,
			{0.99, 0.14, 0},
		}
		clusters := Cluster(vecs, 0.15, 2)
		require.Len(t, clusters, 1)
		assert.Equal(t, []int{0, 2}, clusters[0])
	})

	t.Run("empty_input", func(t *testing.T) {
		assert.Empty(t, Cluster(nil, 0.15, 2))
	})

	t.Run("deterministic_output_order", func(t *testing.T) {
		vecs := [][]float32{
			{0, 0, 1},
			{0, 0.05, 0.999},
			{1, 0, 0},
			{0.999, 0.045, 0},
		}
		a := Cluster(vecs, 0.15, 2)
		b := Cluster(vecs, 0.15, 2)
		assert.Equal(t, a, b)
		require.Len(t, a, 2)
		assert.Equal(t, []int{0, 1}, a[0])
		assert.Equal(t, []int{2, 3}, a[1])
	})
}

func TestResolveOverlaps(t *testing.T) {
	t.Run("record_goes_to_higher_confidence_group", func(t *testing.T) {
		groups := []Group{
			{Members: []int{0, 1, 2}, Confidence: 0.94},
			{Members: []int{2, 3}, Confidence: 0.97},
		}
		resolved := resolveOverlaps(groups, 2)
		require.Len(t, resolved, 2)
		assert.Equal(t, []int{0, 1}, resolved[0].Members)
		assert.Equal(t, []int{2, 3}, resolved[1].Members)
	})

	t.Run("loser_group_dropped_when_too_small", func(t *testing.T) {
		groups := []Group{
			{Members: []int{0, 1}, Confidence: 0.94},
			{Members: []int{1, 2}, Confidence: 0.97},
		}
		resolved := resolveOverlaps(groups, 2)
		require.Len(t, resolved, 1)
		assert.Equal(t, []int{1, 2}, resolved[0].Members)
	})

	t.Run("disjoint_groups_untouched", func(t *testing.T) {
		groups := []Group{
			{Members: []int{0, 1}, Confidence: 0.94},
			{Members: []int{2, 3}, Confidence: 0.97},
		}
		resolved := resolveOverlaps(groups, 2)
		assert.Len(t, resolved, 2)
	})
}

func TestBuildJudgePrompt(t *testing.T) {
	records := testRecords()
	prompt := buildJudgePrompt(records, []int{0, 1})

	assert.True(t, strings.Contains(prompt, "battery life?"))
	assert.True(t, strings.Contains(prompt, "how long does battery last?"))
	assert.False(t, strings.Contains(prompt, "what color is the case?"))
	assert.True(t, strings.Contains(prompt, `"verdict"`))
}
