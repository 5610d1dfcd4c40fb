package vindex

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/incentive-matcher/internal/model"
)

func newMemIndex(t *testing.T, shards int) *Index {
	t.Helper()
	idx, err := Open("", true, shards)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() }) //nolint:errcheck
	return idx
}

func TestIndex_SearchOrdersBySimilarity(t *testing.T) {
	idx := newMemIndex(t, 4)
	ctx := context.Background()

	require.NoError(t, idx.PutBatch(ctx, map[string][]float32{
		"east":      {1, 0},
		"north":     {0, 1},
		"northeast": {1, 1},
		"west":      {-1, 0},
	}))

	hits, err := idx.Search(ctx, []float32{2, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "east", hits[0].CompanyID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Equal(t, "northeast", hits[1].CompanyID)
	assert.InDelta(t, math.Sqrt2/2, hits[1].Similarity, 1e-6)
	assert.Equal(t, "north", hits[2].CompanyID)
	assert.InDelta(t, 0, hits[2].Similarity, 1e-6)
}

func TestIndex_TiesBreakByCompanyID(t *testing.T) {
	idx := newMemIndex(t, 3)
	ctx := context.Background()
	require.NoError(t, idx.PutBatch(ctx, map[string][]float32{
		"c": {1, 0}, "a": {1, 0}, "b": {1, 0}, "d": {0, 1},
	}))

	hits, err := idx.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].CompanyID)
	assert.Equal(t, "b", hits[1].CompanyID)
}

func TestIndex_NegativeSimilarityKept(t *testing.T) {
	idx := newMemIndex(t, 1)
	require.NoError(t, idx.Put(context.Background(), "opposite", []float32{-1, 0}))

	hits, err := idx.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, -1.0, hits[0].Similarity, 1e-6)
}

func TestIndex_PutReplaces(t *testing.T) {
	idx := newMemIndex(t, 2)
	ctx := context.Background()
	require.NoError(t, idx.Put(ctx, "x", []float32{1, 0}))
	require.NoError(t, idx.Put(ctx, "x", []float32{0, 1}))

	assert.Equal(t, 1, idx.Len())
	hits, err := idx.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
}

func TestIndex_Delete(t *testing.T) {
	idx := newMemIndex(t, 1)
	ctx := context.Background()
	require.NoError(t, idx.PutBatch(ctx, map[string][]float32{"a": {1, 0}, "b": {0, 1}, "c": {1, 1}}))

	require.NoError(t, idx.Delete(ctx, "a"))
	require.NoError(t, idx.Delete(ctx, "missing"))
	assert.Equal(t, 2, idx.Len())
	assert.False(t, idx.Has("a"))
	assert.True(t, idx.Has("c"))

	hits, err := idx.Search(ctx, []float32{1, 1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "c", hits[0].CompanyID)
}

func TestIndex_DimensionChecks(t *testing.T) {
	idx := newMemIndex(t, 1)
	ctx := context.Background()
	require.NoError(t, idx.Put(ctx, "a", []float32{1, 0, 0}))

	assert.ErrorIs(t, idx.Put(ctx, "b", []float32{1, 0}), ErrDimension)
	_, err := idx.Search(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrDimension)
	assert.Error(t, idx.Put(ctx, "z", []float32{0, 0, 0}))
	assert.Equal(t, 3, idx.Dim())
}

func TestIndex_EmptySearch(t *testing.T) {
	idx := newMemIndex(t, 2)
	hits, err := idx.Search(context.Background(), []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(context.Background(), []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_PersistsAcrossOpen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vindex")
	ctx := context.Background()

	idx, err := Open(dir, false, 4)
	require.NoError(t, err)
	require.NoError(t, idx.PutBatch(ctx, map[string][]float32{"a": {3, 4}, "b": {0, 1}}))
	require.NoError(t, idx.Close())

	idx, err = Open(dir, false, 2)
	require.NoError(t, err)
	defer idx.Close() //nolint:errcheck

	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, 2, idx.Dim())
	hits, err := idx.Search(ctx, []float32{0.6, 0.8}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].CompanyID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
}

// bruteForce is the reference ranking for the sharded search.
func bruteForce(vecs map[string][]float32, q []float32, n int) []Hit {
	qn, _ := normalize(q)
	var all []Hit
	for id, v := range vecs {
		vn, _ := normalize(v)
		all = append(all, Hit{CompanyID: id, Similarity: dot(qn, vn)})
	}
	sort.Slice(all, func(i, j int) bool { return less(all[i], all[j]) })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func TestIndex_ShardedSearchMatchesBruteForce(t *testing.T) {
	idx := newMemIndex(t, 8)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))

	vecs := make(map[string][]float32, 500)
	for i := range 500 {
		v := make([]float32, 16)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		vecs[fmt.Sprintf("co-%04d", i)] = v
	}
	require.NoError(t, idx.PutBatch(ctx, vecs))

	for range 5 {
		q := make([]float32, 16)
		for j := range q {
			q[j] = float32(rng.NormFloat64())
		}
		got, err := idx.Search(ctx, q, 25)
		require.NoError(t, err)
		want := bruteForce(vecs, q, 25)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].CompanyID, got[i].CompanyID)
		}
	}
}

func TestIndex_SelfSimilarityStaysInRange(t *testing.T) {
	idx := newMemIndex(t, 4)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	for i := range 200 {
		v := make([]float32, 384)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		id := fmt.Sprintf("co-%03d", i)
		require.NoError(t, idx.Put(ctx, id, v))

		hits, err := idx.Search(ctx, v, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.LessOrEqual(t, hits[0].Similarity, 1.0)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)

		rec := &model.MatchRecord{
			IncentiveID: "inc-1",
			Kind:        model.KindSemantic,
			Entries: []model.MatchEntry{{
				CompanyID:     hits[0].CompanyID,
				Rank:          1,
				FinalScore:    hits[0].Similarity,
				SemanticScore: hits[0].Similarity,
			}},
		}
		require.NoError(t, rec.Validate(), "vector %s", id)
	}
}

func TestIndex_SearchDeterministic(t *testing.T) {
	idx := newMemIndex(t, 4)
	ctx := context.Background()
	require.NoError(t, idx.PutBatch(ctx, map[string][]float32{
		"a": {1, 2}, "b": {2, 1}, "c": {1, 1}, "d": {-1, 2},
	}))

	first, err := idx.Search(ctx, []float32{1, 1.5}, 4)
	require.NoError(t, err)
	for range 10 {
		again, err := idx.Search(ctx, []float32{1, 1.5}, 4)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestIndex_SearchCancelled(t *testing.T) {
	idx := newMemIndex(t, 2)
	require.NoError(t, idx.Put(context.Background(), "a", []float32{1, 0}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Search(ctx, []float32{1, 0}, 1)
	assert.Error(t, err)
}

func TestTopK_KeepsBest(t *testing.T) {
	tk := newTopK(3)
	for i, s := range []float64{0.1, 0.9, 0.5, 0.7, 0.2, 0.9} {
		tk.offer(Hit{CompanyID: fmt.Sprintf("c%d", i), Similarity: s})
	}
	hits := tk.hits()
	require.Len(t, hits, 3)
	assert.Equal(t, "c1", hits[0].CompanyID)
	assert.Equal(t, "c5", hits[1].CompanyID)
	assert.Equal(t, "c3", hits[2].CompanyID)
}

func TestEncodeDecode(t *testing.T) {
	v := []float32{0, 1.5, -2.25, float32(math.Pi)}
	assert.Equal(t, v, decode(encode(v)))
}
