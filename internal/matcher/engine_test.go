package matcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/incentive-matcher/internal/geofilter"
	"github.com/sells-group/incentive-matcher/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestProcess_NationalKeepsTopFiveBySimilarity(t *testing.T) {
	h := newHarness(t, 8, nil, DefaultConfig())
	h.addIncentive("i1", "Nacional")

	out, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)

	assert.False(t, out.Skipped)
	assert.Equal(t, 8, out.Eligible)
	assert.Equal(t, 5, out.Matches)
	assert.Equal(t, 1, out.Iterations)
	assert.True(t, out.Exhausted)
	assert.Zero(t, h.llm.prompts, "national scope needs no model call")

	sem := h.store.semantic["i1"]
	require.NotNil(t, sem)
	assert.Equal(t, []string{"c00", "c01", "c02", "c03", "c04"}, entryIDs(sem))

	rec := h.store.record("i1")
	require.NotNil(t, rec)
	require.Len(t, rec.Entries, 5)
	assert.ElementsMatch(t, []string{"c00", "c01", "c02", "c03", "c04"}, entryIDs(rec))
	assert.Equal(t, 8, rec.EligibleCount)
	assert.Equal(t, 8, rec.CandidatesSearched)
	assert.Equal(t, "run-1", rec.RunID)
	require.NoError(t, rec.Validate())
}

func TestProcess_RegionalExpandsToCeiling(t *testing.T) {
	h := newHarness(t, 40, nil, Config{InitialK: 20, Step: 10, MaxK: 30, Target: 5})
	h.addIncentive("i1", "Norte")
	for _, id := range []string{"c03", "c11", "c17", "c24"} {
		h.llm.yes[id] = true
	}

	out, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)

	assert.Equal(t, []int{20, 30}, h.search.ks)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, 30, out.FinalK)
	assert.Equal(t, 30, out.Evaluated)
	assert.Equal(t, 4, out.Eligible)
	assert.False(t, out.Exhausted)

	rec := h.store.record("i1")
	require.NotNil(t, rec)
	require.Len(t, rec.Entries, 4)
	for i, e := range rec.Entries {
		assert.Equal(t, i+1, e.Rank)
	}
	assert.ElementsMatch(t, []string{"c03", "c11", "c17", "c24"}, entryIDs(rec))
	assert.Equal(t, 1, h.search.queries, "query vector is embedded once per incentive")
}

func TestProcess_NeverReevaluatesCompanies(t *testing.T) {
	h := newHarness(t, 60, nil, Config{InitialK: 10, Step: 10, MaxK: 50, Target: 5})
	h.addIncentive("i1", "Algarve")

	out, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)

	assert.Equal(t, 50, out.Evaluated)
	for id, n := range h.llm.subjects {
		assert.Equal(t, 1, n, id)
	}
	for i := range 50 {
		assert.Equal(t, 1, h.geo.callsFor(fmt.Sprintf("c%02d", i)))
	}
}

func TestProcess_TerminatesWithNoEligible(t *testing.T) {
	h := newHarness(t, 100, nil, Config{InitialK: 10, Step: 7, MaxK: 45, Target: 5})
	h.addIncentive("i1", "Centro")

	out, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)

	// 10, 17, 24, 31, 38, 45
	assert.Equal(t, []int{10, 17, 24, 31, 38, 45}, h.search.ks)
	assert.Equal(t, 6, out.Iterations)
	assert.Zero(t, out.Matches)

	rec := h.store.record("i1")
	require.NotNil(t, rec)
	assert.Empty(t, rec.Entries)
	assert.Equal(t, 45, rec.CandidatesSearched)
}

func TestProcess_StopsWhenCorpusExhausted(t *testing.T) {
	h := newHarness(t, 12, nil, Config{InitialK: 10, Step: 10, MaxK: 50, Target: 5})
	h.addIncentive("i1", "Lisboa")
	h.llm.yes["c01"] = true

	out, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)

	assert.Equal(t, []int{10, 20}, h.search.ks)
	assert.True(t, out.Exhausted)
	assert.Equal(t, 1, out.Matches)
}

func TestProcess_FailedGeocodeIsCachedAcrossIncentives(t *testing.T) {
	h := newHarness(t, 10, map[string]string{"c02": ""}, DefaultConfig())
	h.addIncentive("i1", "Norte")
	h.addIncentive("i2", "Centro")
	for i := range 10 {
		h.llm.yes[fmt.Sprintf("c%02d", i)] = true
	}

	_, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.geo.callsFor("c02"))

	_, err = h.engine.Process(context.Background(), "i2")
	require.NoError(t, err)
	assert.Equal(t, 1, h.geo.callsFor("c02"), "known not_found must not be geocoded again")

	assert.NotContains(t, entryIDs(h.store.record("i2")), "c02")
	assert.Zero(t, h.llm.subjects["c02"], "unlocated companies are never sent to the classifier")

	st := h.resolver.Stats()
	assert.Equal(t, int64(10), st.Hits)
	assert.Equal(t, int64(10), st.Misses)
}

func TestProcess_MalformedBatchFailsClosedAndCompletes(t *testing.T) {
	h := newHarness(t, 10, nil, DefaultConfig())
	h.addIncentive("i1", "Norte")
	for i := range 10 {
		h.llm.yes[fmt.Sprintf("c%02d", i)] = true
	}
	h.llm.poison = "c00"

	out, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)

	assert.Positive(t, out.GeoFailed)
	assert.Zero(t, out.Eligible)
	rec := h.store.record("i1")
	require.NotNil(t, rec)
	assert.Empty(t, rec.Entries)
}

func TestProcess_IneligibleNeverInRecord(t *testing.T) {
	h := newHarness(t, 30, nil, DefaultConfig())
	h.addIncentive("i1", "Norte")
	for i := 0; i < 30; i += 3 {
		h.llm.yes[fmt.Sprintf("c%02d", i)] = true
	}

	_, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)
	for _, id := range entryIDs(h.store.record("i1")) {
		assert.True(t, h.llm.yes[id], id)
	}
	for _, id := range entryIDs(h.store.semantic["i1"]) {
		assert.True(t, h.llm.yes[id], id)
	}
}

func TestProcess_SkipsScoredIncentive(t *testing.T) {
	h := newHarness(t, 8, nil, DefaultConfig())
	h.addIncentive("i1", "Nacional")

	_, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)

	out, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, 1, h.store.saves)
	assert.Equal(t, 1, h.search.queries)
}

func TestProcess_InvalidIncentive(t *testing.T) {
	h := newHarness(t, 8, nil, DefaultConfig())
	h.addIncentive("i1", "")

	out, err := h.engine.Process(context.Background(), "i1")
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	assert.True(t, out.Invalid)
	assert.Zero(t, h.search.queries)
	assert.Zero(t, h.store.saves)
}

type failingLocator struct{}

func (failingLocator) Resolve(context.Context, []model.Company) (map[string]model.Location, error) {
	return nil, errors.New("cache unavailable")
}

func TestProcess_LocateFailurePersistsNothing(t *testing.T) {
	h := newHarness(t, 8, nil, DefaultConfig())
	h.addIncentive("i1", "Nacional")
	h.engine.locator = failingLocator{}

	_, err := h.engine.Process(context.Background(), "i1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matcher: locate")
	assert.Zero(t, h.store.saves)
}

func TestProcess_PersistFailure(t *testing.T) {
	h := newHarness(t, 8, nil, DefaultConfig())
	h.addIncentive("i1", "Nacional")
	h.store.saveErr = errors.New("disk full")

	out, err := h.engine.Process(context.Background(), "i1")
	require.Error(t, err)
	assert.Nil(t, out.Scored)
}

func TestProcess_Cancelled(t *testing.T) {
	h := newHarness(t, 8, nil, DefaultConfig())
	h.addIncentive("i1", "Nacional")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Process(ctx, "i1")
	require.Error(t, err)
	assert.Zero(t, h.store.saves)
}

func TestProcess_Deterministic(t *testing.T) {
	run := func() *model.MatchRecord {
		h := newHarness(t, 40, map[string]string{"c05": "", "c09": ""}, Config{InitialK: 10, Step: 10, MaxK: 40, Target: 5})
		h.addIncentive("i1", "Norte")
		for i := 0; i < 40; i += 2 {
			h.llm.yes[fmt.Sprintf("c%02d", i)] = true
		}
		_, err := h.engine.Process(context.Background(), "i1")
		require.NoError(t, err)
		return h.store.record("i1")
	}
	first := run()
	for range 3 {
		assert.Equal(t, first, run())
	}
}

type fixedClassifier map[string]bool

func (f fixedClassifier) Classify(_ context.Context, _ string, subjects []geofilter.Subject) (map[string]bool, *geofilter.Report, error) {
	out := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		out[s.CompanyID] = f[s.CompanyID]
	}
	return out, &geofilter.Report{}, nil
}

func TestProcess_SmallDirectionDemotesStockCompany(t *testing.T) {
	h := newHarness(t, 2, nil, DefaultConfig())
	h.store.companies["c00"] = model.Company{ID: "c00", Name: "c00", LegalForm: "S.A."}
	h.store.companies["c01"] = model.Company{ID: "c01", Name: "c01", LegalForm: "Unipessoal, Lda"}
	h.search.hits[1].Similarity = h.search.hits[0].Similarity
	h.engine.filter = fixedClassifier{"c00": true, "c01": true}

	dir := model.DirectionSmall
	h.store.incentives["i1"] = &model.Incentive{ID: "i1", Sector: "comércio", GeoRequirement: "Norte", OrgDirection: &dir}

	_, err := h.engine.Process(context.Background(), "i1")
	require.NoError(t, err)

	rec := h.store.record("i1")
	require.Len(t, rec.Entries, 2)
	assert.Equal(t, "c01", rec.Entries[0].CompanyID)
	assert.Equal(t, 0.0, rec.Entries[1].Components.OPrime)
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{InitialK: 20, MaxK: 5, Target: 9}.withDefaults()
	assert.Equal(t, 20, c.InitialK)
	assert.Equal(t, 10, c.Step)
	assert.Equal(t, 20, c.MaxK)
	assert.Equal(t, model.MaxMatches, c.Target)
}

func TestNewEngine_DefaultScorer(t *testing.T) {
	e := NewEngine(newMemStore(), &fakeSearcher{}, failingLocator{}, fixedClassifier{}, nil, Config{})
	assert.NotNil(t, e.scorer)
	assert.Equal(t, DefaultConfig(), e.cfg)
}
