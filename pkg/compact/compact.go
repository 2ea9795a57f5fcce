// Package compact runs one compaction cycle over a frozen snapshot of
// knowledge records: exact duplicates collapse by content hash, near
// duplicates go through the similarity and merge engines, and
// everything else passes through unchanged.
//
// The pipeline never mutates its input slice; it works on clones and
// returns the full compacted record set, merged members included with
// status merged so their lineage stays traversable.
package compact

import (
	"context"
	"fmt"
	"time"

	"github.com/orneryd/muninndb/pkg/gleaning"
	"github.com/orneryd/muninndb/pkg/merge"
	"github.com/orneryd/muninndb/pkg/record"
	"github.com/orneryd/muninndb/pkg/scheduler"
	"github.com/orneryd/muninndb/pkg/similarity"
)

// Stats reports one compaction cycle.
type Stats struct {
	Input           int           `json:"input"`
	Refined         int           `json:"refined"`
	ExactDuplicates int           `json:"exact_duplicates"`
	CandidateGroups int           `json:"candidate_groups"`
	Merged          int           `json:"merged"`
	MergeFailed     int           `json:"merge_failed"`
	VisibleBefore   int           `json:"visible_before"`
	VisibleAfter    int           `json:"visible_after"`
	Duration        time.Duration `json:"duration"`
}

// Pipeline composes the compaction stages.
type Pipeline struct {
	similarity *similarity.Engine
	merge      *merge.Engine

	refiner     *gleaning.Refiner
	refinerPool *scheduler.Pool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithRefinement adds a gleaning pre-stage: visible answers are cleaned
// up before duplicate detection, which also helps near-duplicates
// converge on the same wording.
func WithRefinement(r *gleaning.Refiner, pool *scheduler.Pool) Option {
	return func(p *Pipeline) {
		p.refiner = r
		p.refinerPool = pool
	}
}

// NewPipeline creates a compaction pipeline from the two stage engines.
func NewPipeline(sim *similarity.Engine, mrg *merge.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{similarity: sim, merge: mrg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run compacts snapshot and returns the compacted set plus cycle stats.
// now supplies logical timestamps for records created or updated during
// the cycle. Any stage failure that cannot be isolated per-group aborts
// the cycle with an error and no partial output.
func (p *Pipeline) Run(ctx context.Context, snapshot []record.Record, now func() uint64) ([]record.Record, Stats, error) {
	started := time.Now()
	stats := Stats{Input: len(snapshot)}

	records := make([]record.Record, len(snapshot))
	for i, r := range snapshot {
		records[i] = r.Clone()
		if r.Visible() {
			stats.VisibleBefore++
		}
	}

	if p.refiner != nil {
		stats.Refined = p.refineAnswers(ctx, records, now)
	}

	stats.ExactDuplicates = collapseExact(records, now)

	// Only visible survivors are worth embedding.
	var visible []int
	for i := range records {
		if records[i].Visible() {
			visible = append(visible, i)
		}
	}
	candidates := make([]record.Record, len(visible))
	for i, idx := range visible {
		candidates[i] = records[idx]
	}

	groups, err := p.similarity.FindGroups(ctx, candidates)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("similarity stage: %w", err)
	}
	stats.CandidateGroups = len(groups)

	out := p.merge.MergeGroups(ctx, candidates, groups, now)
	stats.Merged = len(out.Merged)
	stats.MergeFailed = out.Failed

	// Fold the mutated candidates back into the full set, then append
	// the successors.
	for i, idx := range visible {
		records[idx] = candidates[i]
	}
	records = append(records, out.Merged...)

	for i := range records {
		if records[i].Visible() {
			stats.VisibleAfter++
		}
	}
	stats.Duration = time.Since(started)
	return records, stats, nil
}

// refineAnswers runs the gleaning loop over visible answers. A failed
// refinement keeps the original answer. Returns how many answers
// changed.
func (p *Pipeline) refineAnswers(ctx context.Context, records []record.Record, now func() uint64) int {
	var visible []int
	var texts []string
	for i := range records {
		if records[i].Visible() {
			visible = append(visible, i)
			texts = append(texts, records[i].Answer)
		}
	}
	if len(texts) == 0 {
		return 0
	}

	results := p.refiner.RefineAll(ctx, p.refinerPool, texts)
	changed := 0
	for i, r := range results {
		if r.Err != nil || r.Value == records[visible[i]].Answer {
			continue
		}
		records[visible[i]].Answer = r.Value
		records[visible[i]].UpdatedAt = now()
		changed++
	}
	return changed
}

// collapseExact merges records with identical content hashes into the
// first occurrence without spending gateway calls: the survivor absorbs
// the duplicates' provenance, the duplicates are marked merged into it.
// Returns the number of records collapsed.
func collapseExact(records []record.Record, now func() uint64) int {
	seen := make(map[[32]byte]int)
	collapsed := 0
	for i := range records {
		if !records[i].Visible() {
			continue
		}
		fp := Fingerprint(records[i].Question, records[i].Answer)
		first, ok := seen[fp]
		if !ok {
			seen[fp] = i
			continue
		}

		survivor := &records[first]
		survivor.Provenance = record.UnionProvenance(*survivor, records[i])
		survivor.MergeHistory = append(survivor.MergeHistory, records[i].ID)
		survivor.UpdatedAt = now()
		if err := records[i].MarkMerged(survivor.ID, now()); err != nil {
			fmt.Printf("⚠️  Mark merged %s: %v\n", records[i].ID, err)
			continue
		}
		collapsed++
	}
	return collapsed
}
