// Package similarity finds groups of knowledge records that express the
// same fact, using a three-stage pipeline:
//
//  1. Pre-filter: embed every record and cluster the vectors by density.
//     This stage over-includes on purpose — a missed candidate cannot be
//     recovered this cycle, a false candidate is filtered next.
//  2. Adjudication: ask the language model whether each candidate
//     cluster's members really are the same fact. Clusters below the
//     confidence threshold are split by dropping their weakest member
//     and re-adjudicated, or discarded once too small.
//  3. Handoff: confirmed groups go to the merge engine; everything else
//     passes through compaction unchanged.
package similarity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/muninndb/pkg/gateway"
	"github.com/orneryd/muninndb/pkg/record"
	"github.com/orneryd/muninndb/pkg/scheduler"
	"github.com/orneryd/muninndb/pkg/vector"
)

// Config holds similarity engine configuration.
type Config struct {
	PrefilterThreshold  float64 // Min cosine similarity for stage-1 candidates (default: 0.85)
	ConfidenceThreshold float64 // Min adjudication confidence to confirm (default: 0.93)
	MinGroupSize        int     // Smallest cluster worth adjudicating (default: 2)
	QuestionWeight      float64 // Question share of the record embedding (default: 0.6)
	AnswerWeight        float64 // Answer share of the record embedding (default: 0.4)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PrefilterThreshold:  0.85,
		ConfidenceThreshold: 0.93,
		MinGroupSize:        2,
		QuestionWeight:      0.6,
		AnswerWeight:        0.4,
	}
}

// Group is a confirmed set of duplicate records. Members are indexes
// into the record slice the engine was given, in ascending order.
type Group struct {
	Members    []int
	Confidence float64
}

// Engine runs the three-stage duplicate detection pipeline.
type Engine struct {
	client gateway.Client
	pool   *scheduler.Pool
	config *Config
}

// NewEngine creates a similarity engine. If config is nil,
// DefaultConfig() is used.
func NewEngine(client gateway.Client, pool *scheduler.Pool, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{client: client, pool: pool, config: config}
}

// FindGroups runs all three stages over records and returns the
// confirmed duplicate groups. Records whose embedding fails are left
// out of clustering and therefore pass through untouched; per-cluster
// adjudication failures likewise degrade to pass-through.
func (e *Engine) FindGroups(ctx context.Context, records []record.Record) ([]Group, error) {
	if len(records) < e.config.MinGroupSize {
		return nil, nil
	}

	vecs, err := e.embedAll(ctx, records)
	if err != nil {
		return nil, err
	}

	eps := 1 - e.config.PrefilterThreshold
	candidates := Cluster(vecs, eps, e.config.MinGroupSize)
	if len(candidates) == 0 {
		return nil, nil
	}

	groups := e.adjudicateAll(ctx, records, vecs, candidates)
	return resolveOverlaps(groups, e.config.MinGroupSize), nil
}

// embedAll produces one vector per record: the weighted, normalized
// blend of the question and answer embeddings. A record whose embedding
// fails gets a nil vector, which excludes it from clustering.
func (e *Engine) embedAll(ctx context.Context, records []record.Record) ([][]float32, error) {
	tasks := make([]scheduler.Task[[]float32], len(records))
	for i := range records {
		rec := records[i]
		tasks[i] = func(ctx context.Context) ([]float32, error) {
			q, err := e.client.Embed(ctx, rec.Question)
			if err != nil {
				return nil, fmt.Errorf("embed question: %w", err)
			}
			a, err := e.client.Embed(ctx, rec.Answer)
			if err != nil {
				return nil, fmt.Errorf("embed answer: %w", err)
			}
			combined := vector.WeightedCombine(q, a, e.config.QuestionWeight, e.config.AnswerWeight)
			if combined == nil {
				return nil, fmt.Errorf("embedding dimensions diverged: %d vs %d", len(q), len(a))
			}
			return combined, nil
		}
	}

	results := scheduler.Run(ctx, e.pool, tasks)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	vecs := make([][]float32, len(records))
	failed := 0
	for i, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		vecs[i] = r.Value
	}
	if failed > 0 {
		fmt.Printf("⚠️  Embedding failed for %d/%d records; they pass through unclustered\n",
			failed, len(records))
	}
	return vecs, nil
}

// adjudicateAll dispatches one adjudication task per candidate cluster.
// Each task owns its cluster's full lifecycle: judge, split on a weak
// verdict, re-judge, until confirmed or too small.
func (e *Engine) adjudicateAll(ctx context.Context, records []record.Record, vecs [][]float32, candidates [][]int) []Group {
	tasks := make([]scheduler.Task[Group], len(candidates))
	for i := range candidates {
		members := candidates[i]
		tasks[i] = func(ctx context.Context) (Group, error) {
			return e.adjudicate(ctx, records, vecs, members)
		}
	}

	results := scheduler.Run(ctx, e.pool, tasks)

	var groups []Group
	for i, r := range results {
		if r.Err != nil {
			fmt.Printf("⚠️  Adjudication failed for cluster of %d: %v\n", len(candidates[i]), r.Err)
			continue
		}
		if len(r.Value.Members) >= e.config.MinGroupSize {
			groups = append(groups, r.Value)
		}
	}
	return groups
}

// adjudicate judges one cluster, splitting off the weakest member after
// each failed verdict. Returns a zero Group when nothing confirmable
// remains.
func (e *Engine) adjudicate(ctx context.Context, records []record.Record, vecs [][]float32, members []int) (Group, error) {
	for len(members) >= e.config.MinGroupSize {
		j, err := e.client.Judge(ctx, buildJudgePrompt(records, members))
		if err != nil {
			return Group{}, err
		}
		if j.Verdict == gateway.VerdictSame && j.Confidence >= e.config.ConfidenceThreshold {
			return Group{Members: members, Confidence: j.Confidence}, nil
		}
		if len(members) == e.config.MinGroupSize {
			return Group{}, nil
		}
		members = dropWeakest(vecs, members)
	}
	return Group{}, nil
}

// dropWeakest removes the member with the lowest mean cosine similarity
// to the rest of the cluster — the one most likely responsible for a
// failed verdict.
func dropWeakest(vecs [][]float32, members []int) []int {
	weakest := 0
	weakestScore := 2.0
	for i, m := range members {
		var sum float64
		for j, other := range members {
			if i == j {
				continue
			}
			sum += vector.CosineSimilarity(vecs[m], vecs[other])
		}
		score := sum / float64(len(members)-1)
		if score < weakestScore {
			weakestScore = score
			weakest = i
		}
	}

	kept := make([]int, 0, len(members)-1)
	kept = append(kept, members[:weakest]...)
	kept = append(kept, members[weakest+1:]...)
	return kept
}

// resolveOverlaps assigns every record to at most one group. When a
// record appears in two groups, it stays with the higher-confidence
// group; groups shrinking below minSize are dropped.
func resolveOverlaps(groups []Group, minSize int) []Group {
	// Highest confidence claims first.
	sort.SliceStable(groups, func(a, b int) bool {
		return groups[a].Confidence > groups[b].Confidence
	})

	claimed := make(map[int]bool)
	var resolved []Group
	for _, g := range groups {
		var kept []int
		for _, m := range g.Members {
			if !claimed[m] {
				kept = append(kept, m)
			}
		}
		if len(kept) < minSize {
			continue
		}
		for _, m := range kept {
			claimed[m] = true
		}
		sort.Ints(kept)
		resolved = append(resolved, Group{Members: kept, Confidence: g.Confidence})
	}

	// Stable output order for callers and tests.
	sort.Slice(resolved, func(a, b int) bool {
		return resolved[a].Members[0] < resolved[b].Members[0]
	})
	return resolved
}

// buildJudgePrompt renders one cluster as a numbered list of Q/A pairs
// with strict JSON output instructions.
func buildJudgePrompt(records []record.Record, members []int) string {
	var sb strings.Builder
	sb.WriteString("You are deduplicating a knowledge base. Decide whether ALL of the following ")
	sb.WriteString("question/answer records express the same underlying fact.\n\n")
	for n, m := range members {
		fmt.Fprintf(&sb, "Record %d:\nQ: %s\nA: %s\n\n", n+1, records[m].Question, records[m].Answer)
	}
	sb.WriteString("Respond with only a JSON object:\n")
	sb.WriteString(`{"verdict": "same" or "distinct", "confidence": <number between 0 and 1>}`)
	return sb.String()
}
