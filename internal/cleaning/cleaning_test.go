package cleaning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/tabular"
)

func metricFrame(t *testing.T, rows ...[]any) *tabular.Frame {
	t.Helper()
	f := tabular.New("la", "ld", "author_name")
	for _, r := range rows {
		require.NoError(t, f.AppendRow(r...))
	}
	return f
}

func TestDropNARows(t *testing.T) {
	f := metricFrame(t,
		[]any{1.0, 2.0, "alice"},
		[]any{nil, 2.0, "bob"},
		[]any{3.0, nil, "carol"},
	)
	r, err := Lookup("drop_na_rows")
	require.NoError(t, err)

	out, err := r.Apply(f, nil, Env{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.NumRows())

	onlyLA, err := r.Apply(f, map[string]json.RawMessage{"columns": json.RawMessage(`["la"]`)}, Env{})
	require.NoError(t, err)
	assert.Equal(t, 2, onlyLA.NumRows())

	_, err = r.Apply(f, map[string]json.RawMessage{"columns": json.RawMessage(`["bogus"]`)}, Env{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestClipOutliersWinsorizes(t *testing.T) {
	f := tabular.New("x")
	for _, v := range []float64{1, 2, 3, 4, 1000} {
		require.NoError(t, f.AppendRow(v))
	}
	r, err := Lookup("clip_outliers")
	require.NoError(t, err)

	out, err := r.Apply(f, map[string]json.RawMessage{
		"lower_quantile": json.RawMessage(`0.0`),
		"upper_quantile": json.RawMessage(`0.75`),
	}, Env{})
	require.NoError(t, err)

	top, ok := out.Float(4, "x")
	require.True(t, ok)
	assert.Less(t, top, 1000.0)

	// The source frame stays untouched.
	orig, _ := f.Float(4, "x")
	assert.Equal(t, 1000.0, orig)
}

func TestRemoveLargeCommits(t *testing.T) {
	f := metricFrame(t,
		[]any{10.0, 5.0, "alice"},
		[]any{9000.0, 2000.0, "bob"},
	)
	r, err := Lookup("remove_large_commits")
	require.NoError(t, err)

	out, err := r.Apply(f, map[string]json.RawMessage{"max_churn": json.RawMessage(`100`)}, Env{})
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, "alice", out.String(0, "author_name"))
}

func TestFilterBotAuthorsHonorsExclusions(t *testing.T) {
	f := metricFrame(t,
		[]any{1.0, 1.0, "dependabot[bot]"},
		[]any{1.0, 1.0, "release-bot"},
		[]any{1.0, 1.0, "alice"},
	)
	r, err := Lookup("filter_bot_authors")
	require.NoError(t, err)

	env := Env{BotPatterns: []domain.BotPattern{
		{Pattern: "*bot*", Type: domain.BotPatternWildcard},
		{Pattern: "release-bot", Type: domain.BotPatternExact, IsExclusion: true},
	}}
	out, err := r.Apply(f, nil, env)
	require.NoError(t, err)
	require.Equal(t, 2, out.NumRows())
	assert.Equal(t, "release-bot", out.String(0, "author_name"))
	assert.Equal(t, "alice", out.String(1, "author_name"))
}

func TestBotMatcherRegexAndInvalid(t *testing.T) {
	m, err := NewBotMatcher([]domain.BotPattern{
		{Pattern: `^ci-.*$`, Type: domain.BotPatternRegex},
	})
	require.NoError(t, err)
	assert.True(t, m.IsBot("ci-runner"))
	assert.False(t, m.IsBot("alice"))

	_, err = NewBotMatcher([]domain.BotPattern{
		{Pattern: `([`, Type: domain.BotPatternRegex},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDropDuplicatesIsGlobalOnly(t *testing.T) {
	r, err := Lookup("drop_duplicates")
	require.NoError(t, err)
	assert.False(t, r.BatchSafe())

	f := metricFrame(t,
		[]any{1.0, 1.0, "alice"},
		[]any{1.0, 1.0, "alice"},
	)
	out, err := r.Apply(f, nil, Env{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.NumRows())
}

func TestValidateRuleList(t *testing.T) {
	err := Validate([]domain.CleaningRuleConfig{{Name: "drop_na_rows"}})
	assert.NoError(t, err)

	err = Validate([]domain.CleaningRuleConfig{{Name: "no_such_rule"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = Validate([]domain.CleaningRuleConfig{{
		Name:   "clip_outliers",
		Params: map[string]json.RawMessage{"bogus": json.RawMessage(`1`)},
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCapabilitiesProjection(t *testing.T) {
	caps := Capabilities()
	require.Len(t, caps, 5)
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		assert.True(t, c.IsImplemented)
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "filter_bot_authors")
	assert.Contains(t, names, "drop_duplicates")
}
