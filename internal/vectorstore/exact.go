package vectorstore

import (
	"container/heap"
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ExactIndex scores every candidate with a single matrix-vector product and
// keeps the best k in a bounded min-heap. It holds no state of its own.
type ExactIndex struct{}

func NewExactIndex() *ExactIndex {
	return &ExactIndex{}
}

func (x *ExactIndex) Kind() Kind        { return KindExact }
func (x *ExactIndex) IsPersisted() bool { return false }

func (x *ExactIndex) Add(context.Context, string, []float32) error { return nil }
func (x *ExactIndex) Delete(context.Context, string) error         { return nil }
func (x *ExactIndex) Rebuild(context.Context, []Item) error        { return nil }

// Search returns the top k candidates by dot product with query. Both the
// query and the candidate rows are expected to be unit vectors.
func (x *ExactIndex) Search(_ context.Context, query []float32, k int, cands Candidates) ([]Match, error) {
	if k <= 0 || cands.Matrix == nil || cands.Len() == 0 {
		return nil, nil
	}
	rows, cols := cands.Matrix.Dims()
	if rows != len(cands.IDs) {
		return nil, fmt.Errorf("exact search: %d ids for %d matrix rows", len(cands.IDs), rows)
	}
	if cols != len(query) {
		return nil, fmt.Errorf("exact search: query dim %d, candidates dim %d", len(query), cols)
	}

	q := make([]float64, cols)
	for i, v := range query {
		q[i] = float64(v)
	}
	scores := mat.NewVecDense(rows, nil)
	scores.MulVec(cands.Matrix, mat.NewVecDense(cols, q))

	return topK(cands.IDs, scores.RawVector().Data, k), nil
}

// topK selects the k best (id, score) pairs without sorting the full set.
func topK(ids []string, scores []float64, k int) []Match {
	h := &matchHeap{}
	for i, id := range ids {
		m := Match{ID: id, Score: scores[i]}
		if h.Len() < k {
			heap.Push(h, m)
		} else if worse((*h)[0], m) {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}

	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}
	return out
}

// worse reports whether a ranks below b: lower score, or equal score with a
// larger id.
func worse(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

// matchHeap keeps the worst retained match at the root.
type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
