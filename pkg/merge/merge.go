// Package merge consolidates confirmed duplicate groups into single
// records. Each group costs one gateway call; a failed call leaves the
// group's members untouched, so merge failure degrades to "no
// compression for this group" and never to data loss.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/orneryd/muninndb/pkg/gateway"
	"github.com/orneryd/muninndb/pkg/record"
	"github.com/orneryd/muninndb/pkg/scheduler"
	"github.com/orneryd/muninndb/pkg/similarity"
)

// ErrMergeFailure marks a per-group consolidation failure. It is logged
// and counted, never propagated as a cycle failure.
var ErrMergeFailure = errors.New("merge failure")

// Outcome reports one consolidation pass.
type Outcome struct {
	Merged []record.Record // Newly created consolidated records
	Failed int             // Groups that fell back to pass-through
}

// Engine turns confirmed similarity groups into consolidated records.
type Engine struct {
	client gateway.Client
	pool   *scheduler.Pool
}

// NewEngine creates a merge engine.
func NewEngine(client gateway.Client, pool *scheduler.Pool) *Engine {
	return &Engine{client: client, pool: pool}
}

// MergeGroups consolidates each group with one gateway call. Member
// records in records are marked merged in place, pointing at their
// successor; the successors are returned in Outcome.Merged. now supplies
// logical timestamps for the new and updated records.
//
// Groups are processed independently: one failure never affects another
// group or aborts the pass.
func (e *Engine) MergeGroups(ctx context.Context, records []record.Record, groups []similarity.Group, now func() uint64) Outcome {
	if len(groups) == 0 {
		return Outcome{}
	}

	tasks := make([]scheduler.Task[gateway.Consolidation], len(groups))
	for i := range groups {
		members := groups[i].Members
		tasks[i] = func(ctx context.Context) (gateway.Consolidation, error) {
			return e.client.Merge(ctx, buildMergePrompt(records, members))
		}
	}
	results := scheduler.Run(ctx, e.pool, tasks)

	var out Outcome
	for i, r := range results {
		if r.Err != nil {
			out.Failed++
			fmt.Printf("⚠️  %v for group of %d: %v\n", ErrMergeFailure, len(groups[i].Members), r.Err)
			continue
		}

		successor := consolidate(records, groups[i].Members, r.Value, now())
		for _, m := range groups[i].Members {
			if err := records[m].MarkMerged(successor.ID, now()); err != nil {
				fmt.Printf("⚠️  Mark merged %s: %v\n", records[m].ID, err)
			}
		}
		out.Merged = append(out.Merged, successor)
	}
	return out
}

// consolidate builds the successor record for one group: provenance is
// the first-seen-order union across members, merge history lists every
// member id.
func consolidate(records []record.Record, members []int, c gateway.Consolidation, at uint64) record.Record {
	group := make([]record.Record, len(members))
	history := make([]record.ID, len(members))
	for i, m := range members {
		group[i] = records[m]
		history[i] = records[m].ID
	}

	return record.Record{
		ID:           record.NewID(),
		Question:     c.Question,
		Answer:       c.Answer,
		Provenance:   record.UnionProvenance(group...),
		Status:       record.StatusActive,
		MergeHistory: history,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

// buildMergePrompt renders a group's members with instructions that
// forbid dropping any variant's distinguishing detail.
func buildMergePrompt(records []record.Record, members []int) string {
	var sb strings.Builder
	sb.WriteString("Consolidate the following duplicate question/answer records into ONE record. ")
	sb.WriteString("Preserve every distinguishing constraint or detail from every variant; ")
	sb.WriteString("do not summarize information away.\n\n")
	for n, m := range members {
		fmt.Fprintf(&sb, "Record %d:\nQ: %s\nA: %s\n\n", n+1, records[m].Question, records[m].Answer)
	}
	sb.WriteString("Respond with only a JSON object:\n")
	sb.WriteString(`{"question": "<consolidated question>", "answer": "<consolidated answer>"}`)
	return sb.String()
}
