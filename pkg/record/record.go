// Package record defines the question/answer record model for MuninnDB.
//
// A Record is the unit of knowledge the store accumulates: one question,
// one answer, and the provenance trail pointing back at the transcript
// segments it was extracted from. Records are immutable once created;
// the compaction pipeline is the only writer of status, provenance and
// merge history, and deletion is replaced by tombstoning so the full
// audit trail survives every compaction cycle.
//
// Example Usage:
//
//	rec := &record.Record{
//		Question:   "battery life?",
//		Answer:     "8 hours",
//		Provenance: []string{"call-0142/seg-07"},
//	}
//	if err := rec.Validate(); err != nil {
//		log.Fatal(err)
//	}
package record

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrValidation = errors.New("invalid record")
	ErrNotFound   = errors.New("record not found")
)

// ID is a strongly-typed unique identifier for records.
//
// IDs are assigned once at creation and never reused, even after the
// record has been merged away or tombstoned.
type ID string

// NewID returns a fresh, globally unique record ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// Status describes where a record is in its lifecycle.
type Status string

const (
	// StatusActive is a live record visible to readers.
	StatusActive Status = "active"

	// StatusMerged marks a record subsumed by another. The successor is
	// recorded in MergedInto; the record itself is retained for audit.
	StatusMerged Status = "merged"

	// StatusTombstoned replaces deletion. Tombstoned records are invisible
	// to readers but never physically removed by the compaction pipeline.
	StatusTombstoned Status = "tombstoned"
)

// Record is an immutable-once-created question/answer unit.
//
// CreatedAt and UpdatedAt are logical timestamps drawn from the store's
// monotonic clock, not wall-clock time: ordering between records must not
// depend on the host clock.
type Record struct {
	ID       ID     `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`

	// Provenance is the ordered set of source identifiers (transcript or
	// segment references). It grows on merge and never shrinks.
	Provenance []string `json:"provenance"`

	Status Status `json:"status"`

	// MergedInto is the successor ID when Status == StatusMerged.
	MergedInto ID `json:"merged_into,omitempty"`

	// MergeHistory lists the IDs of prior records subsumed into this one,
	// in the order they were consolidated.
	MergeHistory []ID `json:"merge_history,omitempty"`

	CreatedAt uint64 `json:"created_at"`
	UpdatedAt uint64 `json:"updated_at"`
}

// Validate checks the producer contract: a record must carry a non-empty
// question and answer. Whitespace-only payloads are rejected.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("%w: empty question", ErrValidation)
	}
	if strings.TrimSpace(r.Answer) == "" {
		return fmt.Errorf("%w: empty answer", ErrValidation)
	}
	return nil
}

// Terminal reports whether the record is an endpoint of the merge graph,
// i.e. it has not been superseded by a successor.
func (r *Record) Terminal() bool {
	return r.Status != StatusMerged
}

// Visible reports whether readers should see the record.
func (r *Record) Visible() bool {
	return r.Status == StatusActive
}

// Clone returns a deep copy. Buffers hand out clones so that callers can
// never mutate stored state through a shared slice header.
func (r Record) Clone() Record {
	cp := r
	if r.Provenance != nil {
		cp.Provenance = append([]string(nil), r.Provenance...)
	}
	if r.MergeHistory != nil {
		cp.MergeHistory = append([]ID(nil), r.MergeHistory...)
	}
	return cp
}

// MarkMerged transitions the record to StatusMerged with the given
// successor. A merged record must always carry a successor ID.
func (r *Record) MarkMerged(successor ID, at uint64) error {
	if successor == "" {
		return fmt.Errorf("%w: merged record requires a successor id", ErrValidation)
	}
	if successor == r.ID {
		return fmt.Errorf("%w: record cannot merge into itself", ErrValidation)
	}
	r.Status = StatusMerged
	r.MergedInto = successor
	r.UpdatedAt = at
	return nil
}

// UnionProvenance merges the provenance sets of the given records in
// first-seen order. Duplicates are dropped; order within one record's
// provenance is preserved.
func UnionProvenance(records ...Record) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range records {
		for _, p := range r.Provenance {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
