// Package gleaning applies bounded-round, model-assisted refinement to
// answer texts. Each round is a pure transition (text, round) ->
// (text', done): the loop stops when the model converges on a stable
// text or the round budget runs out. Gleaning is a pre-compaction
// collaborator, not store logic — the store never sees a half-refined
// record.
package gleaning

import (
	"context"
	"fmt"
	"strings"

	"github.com/orneryd/muninndb/pkg/gateway"
	"github.com/orneryd/muninndb/pkg/scheduler"
)

// Config holds refinement configuration.
type Config struct {
	MaxRounds int // Round budget per text (default: 3)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxRounds: 3}
}

// Refiner drives the refinement loop against the gateway.
type Refiner struct {
	client gateway.Client
	config *Config
}

// NewRefiner creates a refiner. If config is nil, DefaultConfig() is
// used.
func NewRefiner(client gateway.Client, config *Config) *Refiner {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRounds < 1 {
		config.MaxRounds = 1
	}
	return &Refiner{client: client, config: config}
}

// Step runs one refinement round. done is true when the text has
// converged (the model returned it unchanged) or the round budget is
// exhausted.
func (r *Refiner) Step(ctx context.Context, text string, round int) (string, bool, error) {
	refined, err := r.client.Refine(ctx, buildRefinePrompt(text, round))
	if err != nil {
		return text, false, err
	}
	refined = strings.TrimSpace(refined)
	if refined == "" {
		refined = text
	}
	done := refined == text || round+1 >= r.config.MaxRounds
	return refined, done, nil
}

// Refine applies Step until done, returning the final text and the
// number of rounds spent. A mid-loop gateway failure returns the last
// good text along with the error, so callers can keep the partial
// improvement or fall back to the original.
func (r *Refiner) Refine(ctx context.Context, text string) (string, int, error) {
	current := text
	for round := 0; round < r.config.MaxRounds; round++ {
		next, done, err := r.Step(ctx, current, round)
		if err != nil {
			return current, round, err
		}
		current = next
		if done {
			return current, round + 1, nil
		}
	}
	return current, r.config.MaxRounds, nil
}

// RefineAll refines a batch of texts through the scheduler. Results
// line up with inputs; a failed text keeps its original form in the
// result value alongside the error.
func (r *Refiner) RefineAll(ctx context.Context, pool *scheduler.Pool, texts []string) []scheduler.Result[string] {
	tasks := make([]scheduler.Task[string], len(texts))
	for i := range texts {
		text := texts[i]
		tasks[i] = func(ctx context.Context) (string, error) {
			refined, _, err := r.Refine(ctx, text)
			if err != nil {
				return text, err
			}
			return refined, nil
		}
	}
	return scheduler.Run(ctx, pool, tasks)
}

// buildRefinePrompt asks for the cleaned text and nothing else, so a
// converged model echoes its input back.
func buildRefinePrompt(text string, round int) string {
	var sb strings.Builder
	sb.WriteString("Clean up the following answer text: fix grammar, remove filler and ")
	sb.WriteString("repetition, keep every fact and constraint intact. ")
	if round > 0 {
		fmt.Fprintf(&sb, "This is refinement round %d; if the text is already clean, return it unchanged. ", round+1)
	}
	sb.WriteString("Respond with only the cleaned text.\n\n")
	sb.WriteString(text)
	return sb.String()
}
