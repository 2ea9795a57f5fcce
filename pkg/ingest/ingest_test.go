package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninndb/pkg/record"
	"github.com/orneryd/muninndb/pkg/store"
)

func TestHandle(t *testing.T) {
	t.Run("valid_message_lands_in_store", func(t *testing.T) {
		s := store.New(nil)
		sub := NewSubscriber(nil, s)

		sub.handle([]byte(`{"question":"battery life?","answer":"8 hours","provenance":["doc1"]}`))

		require.Equal(t, 1, s.Len())
		records := s.Export()
		assert.Equal(t, "battery life?", records[0].Question)
		assert.Equal(t, []string{"doc1"}, records[0].Provenance)
		assert.Equal(t, Stats{Accepted: 1}, sub.Stats())
	})

	t.Run("malformed_json_is_rejected", func(t *testing.T) {
		s := store.New(nil)
		sub := NewSubscriber(nil, s)

		sub.handle([]byte(`{not json`))

		assert.Zero(t, s.Len())
		assert.Equal(t, Stats{Rejected: 1}, sub.Stats())
	})

	t.Run("empty_fields_are_rejected", func(t *testing.T) {
		s := store.New(nil)
		sub := NewSubscriber(nil, s)

		sub.handle([]byte(`{"question":"","answer":"something"}`))
		sub.handle([]byte(`{"question":"something?","answer":"  "}`))

		assert.Zero(t, s.Len())
		assert.Equal(t, Stats{Rejected: 2}, sub.Stats())
	})

	t.Run("provenance_is_optional", func(t *testing.T) {
		s := store.New(nil)
		sub := NewSubscriber(nil, s)

		sub.handle([]byte(`{"question":"q?","answer":"a"}`))

		require.Equal(t, 1, s.Len())
		var rec record.Record = s.Export()[0]
		assert.Empty(t, rec.Provenance)
	})
}
