package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/incentive-matcher/internal/config"
	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/store"
	"github.com/sells-group/incentive-matcher/internal/vindex"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"match", "status", "index", "reverse", "migrate", "config"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "incentive-matcher", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestMatchCommand_Flags(t *testing.T) {
	for _, name := range []string{"incentive", "limit", "concurrency", "json"} {
		require.NotNil(t, matchCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "0", matchCmd.Flags().Lookup("limit").DefValue)
}

func TestIndexCommand_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range indexCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["build"])
	assert.True(t, names["search"])
	require.NotNil(t, indexBuildCmd.Flags().Lookup("rebuild"))
	assert.Equal(t, "10", indexSearchCmd.Flags().Lookup("n").DefValue)
}

func TestReverseCommand_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range reverseCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["build"])
	assert.True(t, names["show"])
}

func TestFormatCounts(t *testing.T) {
	var buf bytes.Buffer
	formatCounts(&buf, &store.IncentiveCounts{Total: 10, Scored: 7, Pending: 3})
	assert.Contains(t, buf.String(), "PENDING")
	assert.Regexp(t, `10\s+7\s+3`, buf.String())
}

func TestFormatRecord(t *testing.T) {
	rec := &model.MatchRecord{
		IncentiveID: "i1",
		Kind:        model.KindScored,
		ProcessedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Entries: []model.MatchEntry{{
			CompanyID: "c1", CompanyName: "Acme", Rank: 1, FinalScore: 0.8123, SemanticScore: 0.71,
			Components: model.ScoreComponents{S: 1, M: 0.25, G: 1, OPrime: 0.5, W: 1},
		}},
	}
	var buf bytes.Buffer
	formatRecord(&buf, rec)
	out := buf.String()
	assert.Contains(t, out, "scored matches for i1")
	assert.Contains(t, out, "c1 Acme")
	assert.Contains(t, out, "0.812")

	buf.Reset()
	rec.Kind = model.KindSemantic
	formatRecord(&buf, rec)
	assert.Contains(t, buf.String(), "SIM")
	assert.NotContains(t, buf.String(), "FINAL")
}

func TestFormatReverse(t *testing.T) {
	var buf bytes.Buffer
	formatReverse(&buf, &model.ReverseIndexEntry{
		CompanyID: "c1",
		Entries:   []model.ReverseEntry{{IncentiveID: "i9", IncentiveTitle: "Inovação", Rank: 1, IncentiveRank: 2, Score: 0.7}},
	})
	assert.Contains(t, buf.String(), "incentives for company c1")
	assert.Regexp(t, `1\s+i9\s+Inovação\s+0\.700\s+2`, buf.String())
}

func TestFormatHits(t *testing.T) {
	var buf bytes.Buffer
	formatHits(&buf, []vindex.Hit{{CompanyID: "c1", Similarity: 0.5}}, map[string]model.Company{"c1": {ID: "c1", Name: "Acme"}})
	assert.Regexp(t, `1\s+c1\s+Acme\s+0\.5000`, buf.String())
}

func TestWriteConfig_MasksSecrets(t *testing.T) {
	c := &config.Config{}
	c.Store.DatabaseURL = "postgres://user:secret@db/matcher"
	c.OpenAI.Key = "sk-abcdefghijkl"
	c.Anthropic.Key = "short"
	c.Matcher.MaxK = 50

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, c))
	out := buf.String()
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "abcdefghijkl")
	assert.Contains(t, out, "sk-a****")

	var back config.Config
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, 50, back.Matcher.MaxK)
	assert.Equal(t, "****", back.Anthropic.Key)
	assert.Equal(t, "sk-abcdefghijkl", c.OpenAI.Key, "original config is not modified")
}
