package device

import (
	"context"
	"sort"

	"github.com/viant/vec/search"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// FlatEngine is an exhaustive euclidean search. Every engine type is served by the same scan; builds
// re-tag the segment with the requested engine.
type FlatEngine struct{}

func (FlatEngine) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.Segment == nil {
		return nil, schederrors.Newf(schederrors.ExecutionError, "task %s has no segment loaded", req.Task.Id)
	}
	switch req.Task.Kind {
	case task.Search:
		result, err := Search(ctx, req.Segment, req.Queries, req.Params.TopK)
		if err != nil {
			return nil, err
		}
		return &ExecuteResult{Search: result}, nil
	case task.Build:
		built := *req.Segment
		built.Engine = req.Task.Engine
		index, err := built.MarshalBinary()
		if err != nil {
			return nil, schederrors.Newf(schederrors.ExecutionError, "serialising index: %s", err)
		}
		return &ExecuteResult{Index: index}, nil
	default:
		return nil, schederrors.Newf(schederrors.ExecutionError, "cannot execute %s", req.Task)
	}
}

// Search returns, per query, the topk nearest rows of seg.
func Search(ctx context.Context, seg *Segment, queries [][]float32, topk int) (*task.SearchResult, error) {
	result := task.NewSearchResult(len(queries))
	for q, query := range queries {
		if err := ctx.Err(); err != nil {
			return nil, schederrors.Newf(schederrors.Cancelled, "search interrupted: %s", err)
		}
		if seg.Len() > 0 && len(query) != seg.Dim {
			return nil, schederrors.Newf(schederrors.ExecutionError, "query %d has dimension %d, segment has %d", q, len(query), seg.Dim)
		}
		order := make([]int, seg.Len())
		distances := make([]float32, seg.Len())
		for i := range order {
			order[i] = i
			distances[i] = search.Float32s(seg.Row(i)).EuclideanDistance(query)
		}
		sort.SliceStable(order, func(a, b int) bool { return distances[order[a]] < distances[order[b]] })
		k := topk
		if k <= 0 || k > len(order) {
			k = len(order)
		}
		result.Ids[q] = make([]int64, k)
		result.Distances[q] = make([]float32, k)
		for n := 0; n < k; n++ {
			result.Ids[q][n] = seg.Ids[order[n]]
			result.Distances[q][n] = distances[order[n]]
		}
	}
	return result, nil
}
