package task

import (
	"sort"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
)

// SearchResult holds, per query, ids and distances ordered by ascending distance.
type SearchResult struct {
	Ids       [][]int64
	Distances [][]float32
}

func NewSearchResult(nq int) *SearchResult {
	return &SearchResult{
		Ids:       make([][]int64, nq),
		Distances: make([][]float32, nq),
	}
}

func (r *SearchResult) NQ() int {
	if r == nil {
		return 0
	}
	return len(r.Ids)
}

// MergeSearchResults combines two result sets query by query keeping the topk smallest distances.
// Either argument may be nil.
func MergeSearchResults(a, b *SearchResult, topk int) (*SearchResult, error) {
	if a == nil {
		return truncate(b, topk), nil
	}
	if b == nil {
		return truncate(a, topk), nil
	}
	if a.NQ() != b.NQ() {
		return nil, schederrors.Newf(schederrors.ValidationError, "cannot merge results for %d and %d queries", a.NQ(), b.NQ())
	}
	merged := NewSearchResult(a.NQ())
	for q := 0; q < a.NQ(); q++ {
		ids, distances := mergeQuery(a.Ids[q], a.Distances[q], b.Ids[q], b.Distances[q], topk)
		merged.Ids[q] = ids
		merged.Distances[q] = distances
	}
	return merged, nil
}

func mergeQuery(aIds []int64, aDist []float32, bIds []int64, bDist []float32, topk int) ([]int64, []float32) {
	n := len(aIds) + len(bIds)
	if topk > 0 && n > topk {
		n = topk
	}
	ids := make([]int64, 0, n)
	distances := make([]float32, 0, n)
	i, j := 0, 0
	for len(ids) < n {
		if j >= len(bIds) || (i < len(aIds) && aDist[i] <= bDist[j]) {
			ids = append(ids, aIds[i])
			distances = append(distances, aDist[i])
			i++
		} else {
			ids = append(ids, bIds[j])
			distances = append(distances, bDist[j])
			j++
		}
	}
	return ids, distances
}

func truncate(r *SearchResult, topk int) *SearchResult {
	if r == nil || topk <= 0 {
		return r
	}
	out := NewSearchResult(r.NQ())
	for q := range r.Ids {
		n := len(r.Ids[q])
		if n > topk {
			n = topk
		}
		out.Ids[q] = r.Ids[q][:n]
		out.Distances[q] = r.Distances[q][:n]
	}
	return out
}

// SortQuery orders one query's hits by ascending distance.
func SortQuery(ids []int64, distances []float32) {
	sort.Sort(&byDistance{ids: ids, distances: distances})
}

type byDistance struct {
	ids       []int64
	distances []float32
}

func (b *byDistance) Len() int           { return len(b.ids) }
func (b *byDistance) Less(i, j int) bool { return b.distances[i] < b.distances[j] }
func (b *byDistance) Swap(i, j int) {
	b.ids[i], b.ids[j] = b.ids[j], b.ids[i]
	b.distances[i], b.distances[j] = b.distances[j], b.distances[i]
}
