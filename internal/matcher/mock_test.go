package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/incentive-matcher/internal/geocache"
	"github.com/sells-group/incentive-matcher/internal/geofilter"
	"github.com/sells-group/incentive-matcher/internal/llm"
	"github.com/sells-group/incentive-matcher/internal/locate"
	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/resilience"
	"github.com/sells-group/incentive-matcher/internal/scoring"
	"github.com/sells-group/incentive-matcher/internal/store"
	"github.com/sells-group/incentive-matcher/internal/vindex"
	"github.com/sells-group/incentive-matcher/pkg/geocode"
)

// memStore is an in-memory Store.
type memStore struct {
	mu         sync.Mutex
	incentives map[string]*model.Incentive
	companies  map[string]model.Company
	semantic   map[string]*model.MatchRecord
	scored     map[string]*model.MatchRecord
	saveErr    error
	saves      int
}

func newMemStore() *memStore {
	return &memStore{
		incentives: make(map[string]*model.Incentive),
		companies:  make(map[string]model.Company),
		semantic:   make(map[string]*model.MatchRecord),
		scored:     make(map[string]*model.MatchRecord),
	}
}

func (m *memStore) GetIncentive(_ context.Context, id string) (*model.Incentive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incentives[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

func (m *memStore) GetCompanies(_ context.Context, ids []string) (map[string]model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Company, len(ids))
	for _, id := range ids {
		if c, ok := m.companies[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *memStore) HasScoredMatch(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scored[id]
	return ok, nil
}

func (m *memStore) SaveMatchResults(_ context.Context, semantic, scored *model.MatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if err := semantic.Validate(); err != nil {
		return err
	}
	if err := scored.Validate(); err != nil {
		return err
	}
	m.saves++
	m.semantic[semantic.IncentiveID] = semantic
	m.scored[scored.IncentiveID] = scored
	return nil
}

func (m *memStore) ListPendingIncentives(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.incentives {
		if _, ok := m.scored[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) record(id string) *model.MatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scored[id]
}

// fakeSearcher returns a fixed ranking truncated to k.
type fakeSearcher struct {
	mu      sync.Mutex
	hits    []vindex.Hit
	ks      []int
	queries int
}

func (f *fakeSearcher) QueryVector(context.Context, *model.Incentive) ([]float32, error) {
	f.mu.Lock()
	f.queries++
	f.mu.Unlock()
	return []float32{1}, nil
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, k int) ([]vindex.Hit, error) {
	f.mu.Lock()
	f.ks = append(f.ks, k)
	f.mu.Unlock()
	return append([]vindex.Hit(nil), f.hits[:min(k, len(f.hits))]...), nil
}

// fakeGeocoder resolves company names from a fixed address book. Missing
// names are not found.
type fakeGeocoder struct {
	mu    sync.Mutex
	book  map[string]string
	calls map[string]int
}

func (f *fakeGeocoder) Lookup(_ context.Context, q geocode.Query) (*geocode.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[q.Name]++
	addr, ok := f.book[q.Name]
	if !ok {
		return &geocode.Result{Found: false}, nil
	}
	return &geocode.Result{Found: true, Address: addr, Lat: 41.15, Lon: -8.61}, nil
}

func (f *fakeGeocoder) callsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// scriptedLLM marks a company eligible when its id is in yes. Batches whose
// prompt contains a poisoned id get a malformed answer.
type scriptedLLM struct {
	mu       sync.Mutex
	yes      map[string]bool
	poison   string
	prompts  int
	subjects map[string]int
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts++
	if s.poison != "" && strings.Contains(req.Prompt, s.poison+":") {
		return &llm.Response{Text: "Sorry, I cannot help with that."}, nil
	}
	var parts []string
	for _, line := range strings.Split(req.Prompt, "\n") {
		i := strings.Index(line, ": ")
		if i <= 0 || !strings.HasPrefix(line, "c") {
			continue
		}
		id := line[:i]
		s.subjects[id]++
		parts = append(parts, fmt.Sprintf("%q: %t", id, s.yes[id]))
	}
	return &llm.Response{Text: "{" + strings.Join(parts, ", ") + "}"}, nil
}

type harness struct {
	store    *memStore
	search   *fakeSearcher
	geo      *fakeGeocoder
	llm      *scriptedLLM
	resolver *locate.Resolver
	engine   *Engine
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
}

// newHarness builds an engine over n companies c00..c(n-1) ranked by
// descending similarity. Every company is located in Porto unless
// addresses overrides it ("" means the geocoder finds nothing).
func newHarness(t *testing.T, n int, addresses map[string]string, cfg Config) *harness {
	t.Helper()
	st := newMemStore()
	search := &fakeSearcher{}
	geo := &fakeGeocoder{book: make(map[string]string), calls: make(map[string]int)}
	for i := range n {
		id := fmt.Sprintf("c%02d", i)
		st.companies[id] = model.Company{ID: id, Name: id, LegalForm: "Lda"}
		search.hits = append(search.hits, vindex.Hit{CompanyID: id, Similarity: 0.95 - float64(i)*0.01})
		addr, ok := addresses[id]
		if !ok {
			addr = "Rua " + id + ", 4000-001 Porto, Portugal"
		}
		if addr != "" {
			geo.book[id] = addr
		}
	}

	cache, err := geocache.OpenBadger("", true)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() }) //nolint:errcheck

	resolver := locate.NewResolver(geocache.NewDeduped(cache), geo, locate.NewBudget(0), locate.Options{
		Concurrency: 4,
		Retry:       fastRetry(),
		Circuit:     resilience.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Second},
	})
	script := &scriptedLLM{yes: make(map[string]bool), subjects: make(map[string]int)}
	filter := geofilter.New(script, geofilter.Options{BatchSize: 30, Retry: fastRetry()})

	e := NewEngine(st, search, resolver, filter, scoring.New(scoring.DefaultWeights()), cfg)
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	e.newRunID = func() string { return "run-1" }

	return &harness{store: st, search: search, geo: geo, llm: script, resolver: resolver, engine: e}
}

func (h *harness) addIncentive(id, geo string) {
	h.store.incentives[id] = &model.Incentive{
		ID:              id,
		Title:           "Programa " + id,
		Sector:          "indústria",
		EligibleActions: "modernização",
		GeoRequirement:  geo,
	}
}

func entryIDs(r *model.MatchRecord) []string {
	ids := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		ids[i] = e.CompanyID
	}
	return ids
}
