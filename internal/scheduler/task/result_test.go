package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeSearchResults(t *testing.T) {
	a := &SearchResult{
		Ids:       [][]int64{{1, 4}, {10}},
		Distances: [][]float32{{0.1, 0.4}, {1.0}},
	}
	b := &SearchResult{
		Ids:       [][]int64{{2, 3}, {11, 12}},
		Distances: [][]float32{{0.2, 0.3}, {0.5, 2.0}},
	}
	tests := map[string]struct {
		a, b      *SearchResult
		topk      int
		ids       [][]int64
		distances [][]float32
	}{
		"topk 3": {
			a: a, b: b, topk: 3,
			ids:       [][]int64{{1, 2, 3}, {11, 10, 12}},
			distances: [][]float32{{0.1, 0.2, 0.3}, {0.5, 1.0, 2.0}},
		},
		"topk 1": {
			a: a, b: b, topk: 1,
			ids:       [][]int64{{1}, {11}},
			distances: [][]float32{{0.1}, {0.5}},
		},
		"nil left truncates right": {
			a: nil, b: b, topk: 1,
			ids:       [][]int64{{2}, {11}},
			distances: [][]float32{{0.2}, {0.5}},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			merged, err := MergeSearchResults(tc.a, tc.b, tc.topk)
			require.NoError(t, err)
			assert.Equal(t, tc.ids, merged.Ids)
			assert.Equal(t, tc.distances, merged.Distances)
		})
	}
}

func TestMergeSearchResults_QueryCountMismatch(t *testing.T) {
	_, err := MergeSearchResults(NewSearchResult(1), NewSearchResult(2), 5)
	assert.Error(t, err)
}

func TestSortQuery(t *testing.T) {
	ids := []int64{3, 1, 2}
	distances := []float32{0.3, 0.1, 0.2}
	SortQuery(ids, distances)
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, distances)
}
