package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChangedColumns(t *testing.T) {
	before := map[string]any{"name": "Finance", "head_count": 10, "region": "emea"}
	after := map[string]any{"name": "Finance", "head_count": 12, "budget": 5000.0}

	changed := ChangedColumns(before, after)
	assert.Equal(t, []string{"budget", "head_count", "region"}, changed)
}

func TestChangedColumnsNumericTypesCompareLoosely(t *testing.T) {
	// drivers return int64 where the payload carried float64
	before := map[string]any{"head_count": int64(10)}
	after := map[string]any{"head_count": float64(10)}
	assert.Empty(t, ChangedColumns(before, after))
}

func TestChangedColumnsEmptyWhenIdentical(t *testing.T) {
	m := map[string]any{"a": 1, "b": "x"}
	assert.Empty(t, ChangedColumns(m, m))
}
