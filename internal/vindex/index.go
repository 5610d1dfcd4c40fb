// Package vindex is the embedding index over company profiles. Vectors are
// held in memory for exact cosine search and persisted in badger.
package vindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/incentive-matcher/internal/kv"
)

const (
	vectorPrefix = "vec:"
	dimKey       = "meta:dim"
)

// ErrDimension is returned when a vector does not match the index dimension.
var ErrDimension = eris.New("vindex: vector dimension mismatch")

// Hit is one search result.
type Hit struct {
	CompanyID  string  `json:"company_id"`
	Similarity float64 `json:"similarity"`
}

// Index is an exact cosine-similarity index. Reads may run concurrently with
// each other; writes take an exclusive lock.
type Index struct {
	db *badger.DB

	mu     sync.RWMutex
	dim    int
	shards []*shard
}

// shard holds a contiguous block of normalized vectors.
type shard struct {
	ids  []string
	vecs []float32 // len(ids) * dim
	pos  map[string]int
}

// Open opens the index at dir and loads every persisted vector. nShards
// controls search parallelism.
func Open(dir string, inMemory bool, nShards int) (*Index, error) {
	db, err := kv.Open(dir, inMemory)
	if err != nil {
		return nil, eris.Wrap(err, "vindex: open")
	}
	if nShards <= 0 {
		nShards = 1
	}
	idx := &Index{db: db, shards: make([]*shard, nShards)}
	for i := range idx.shards {
		idx.shards[i] = &shard{pos: make(map[string]int)}
	}
	if err := idx.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	zap.L().Info("vindex: loaded", zap.Int("vectors", idx.Len()), zap.Int("dim", idx.dim))
	return idx, nil
}

func (idx *Index) load() error {
	return idx.db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get([]byte(dimKey)); err == nil {
			if err := item.Value(func(v []byte) error {
				idx.dim = int(binary.LittleEndian.Uint32(v))
				return nil
			}); err != nil {
				return eris.Wrap(err, "vindex: read dimension")
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return eris.Wrap(err, "vindex: read dimension")
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(vectorPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(bytes.TrimPrefix(item.Key(), []byte(vectorPrefix)))
			err := item.Value(func(v []byte) error {
				vec := decode(v)
				if len(vec) != idx.dim {
					return eris.Wrapf(ErrDimension, "vindex: stored vector %s has %d dims, index %d", id, len(vec), idx.dim)
				}
				idx.shardFor(id).put(id, vec, idx.dim)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Len returns the number of indexed companies.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, s := range idx.shards {
		n += len(s.ids)
	}
	return n
}

// Dim returns the vector dimension, or 0 for an empty index.
func (idx *Index) Dim() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Has reports whether companyID is indexed.
func (idx *Index) Has(companyID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.shardFor(companyID).pos[companyID]
	return ok
}

// Put indexes one vector, replacing any previous vector for the company.
func (idx *Index) Put(ctx context.Context, companyID string, vec []float32) error {
	return idx.PutBatch(ctx, map[string][]float32{companyID: vec})
}

// PutBatch indexes many vectors in one write. Re-putting a company replaces
// its vector, so builds can be rerun safely.
func (idx *Index) PutBatch(ctx context.Context, vecs map[string][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "vindex: put")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	dim := idx.dim
	normalized := make(map[string][]float32, len(vecs))
	for id, v := range vecs {
		if id == "" {
			return eris.New("vindex: empty company id")
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) == 0 || len(v) != dim {
			return eris.Wrapf(ErrDimension, "vindex: %s has %d dims, want %d", id, len(v), dim)
		}
		n, ok := normalize(v)
		if !ok {
			return eris.Errorf("vindex: zero vector for %s", id)
		}
		normalized[id] = n
	}

	wb := idx.db.NewWriteBatch()
	defer wb.Cancel()
	if idx.dim == 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(dim))
		if err := wb.Set([]byte(dimKey), b[:]); err != nil {
			return eris.Wrap(err, "vindex: write dimension")
		}
	}
	for id, v := range normalized {
		if err := wb.Set([]byte(vectorPrefix+id), encode(v)); err != nil {
			return eris.Wrapf(err, "vindex: write %s", id)
		}
	}
	if err := wb.Flush(); err != nil {
		return eris.Wrap(err, "vindex: flush")
	}

	idx.dim = dim
	for id, v := range normalized {
		idx.shardFor(id).put(id, v, dim)
	}
	return nil
}

// Delete removes a company from the index. Missing ids are ignored.
func (idx *Index) Delete(_ context.Context, companyID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	err := idx.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(vectorPrefix + companyID))
	})
	if err != nil {
		return eris.Wrapf(err, "vindex: delete %s", companyID)
	}
	idx.shardFor(companyID).remove(companyID, idx.dim)
	return nil
}

// Search returns the n companies most similar to query, ordered by
// similarity descending and then company id ascending.
func (idx *Index) Search(ctx context.Context, query []float32, n int) ([]Hit, error) {
	if n <= 0 {
		return nil, nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.dim == 0 {
		return nil, nil
	}
	if len(query) != idx.dim {
		return nil, eris.Wrapf(ErrDimension, "vindex: query has %d dims, index %d", len(query), idx.dim)
	}
	q, ok := normalize(query)
	if !ok {
		return nil, eris.New("vindex: zero query vector")
	}

	partial := make([][]Hit, len(idx.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range idx.shards {
		g.Go(func() error {
			hits, err := s.topN(gctx, q, idx.dim, n)
			partial[i] = hits
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "vindex: search")
	}

	var all []Hit
	for _, p := range partial {
		all = append(all, p...)
	}
	sortHits(all)
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (idx *Index) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return idx.shards[h.Sum32()%uint32(len(idx.shards))]
}

func (s *shard) put(id string, v []float32, dim int) {
	if i, ok := s.pos[id]; ok {
		copy(s.vecs[i*dim:(i+1)*dim], v)
		return
	}
	s.pos[id] = len(s.ids)
	s.ids = append(s.ids, id)
	s.vecs = append(s.vecs, v...)
}

// remove swaps the last vector into the removed slot.
func (s *shard) remove(id string, dim int) {
	i, ok := s.pos[id]
	if !ok {
		return
	}
	last := len(s.ids) - 1
	if i != last {
		s.ids[i] = s.ids[last]
		copy(s.vecs[i*dim:(i+1)*dim], s.vecs[last*dim:(last+1)*dim])
		s.pos[s.ids[i]] = i
	}
	s.ids = s.ids[:last]
	s.vecs = s.vecs[:last*dim]
	delete(s.pos, id)
}

// checkEvery is how many vectors a shard scans between context checks.
const checkEvery = 4096

func (s *shard) topN(ctx context.Context, q []float32, dim, n int) ([]Hit, error) {
	h := newTopK(n)
	for i, id := range s.ids {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		h.offer(Hit{CompanyID: id, Similarity: dot(q, s.vecs[i*dim:(i+1)*dim])})
	}
	return h.hits(), nil
}

// dot is the cosine of two unit vectors. Rounding in the stored float32
// components can push it just past ±1, so it is clamped.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return max(-1, min(1, sum))
}

func normalize(v []float32) ([]float32, bool) {
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	if sq == 0 || math.IsNaN(sq) || math.IsInf(sq, 0) {
		return nil, false
	}
	inv := float32(1 / math.Sqrt(sq))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out, true
}

func encode(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	return b
}

func decode(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// less orders hits by similarity descending then company id ascending.
func less(a, b Hit) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.CompanyID < b.CompanyID
}

func sortHits(h []Hit) {
	sort.Slice(h, func(i, j int) bool { return less(h[i], h[j]) })
}
