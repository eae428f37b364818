package cleaning

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/tabular"
)

func init() {
	Register(dropNARows{})
	Register(clipOutliers{})
	Register(dropDuplicates{})
	Register(removeLargeCommits{})
	Register(filterBotAuthors{})
}

// dropNARows removes rows with a nil cell in any (or the named) columns.
type dropNARows struct{}

func (dropNARows) Name() string        { return "drop_na_rows" }
func (dropNARows) DisplayName() string { return "Drop rows with missing values" }
func (dropNARows) Description() string {
	return "Removes rows where any of the inspected columns is null."
}
func (dropNARows) BatchSafe() bool { return true }
func (dropNARows) Schema() []domain.ParamSpec {
	return []domain.ParamSpec{
		{Name: "columns", Type: domain.ParamString, Description: "JSON array of column names; empty means all columns."},
	}
}

func (dropNARows) Apply(f *tabular.Frame, params map[string]json.RawMessage, _ Env) (*tabular.Frame, error) {
	cols := stringsParam(params, "columns")
	if len(cols) == 0 {
		cols = f.Columns()
	}
	for _, c := range cols {
		if !f.Has(c) {
			return nil, fmt.Errorf("drop_na_rows: unknown column %q: %w", c, domain.ErrInvalidArgument)
		}
	}
	return f.Filter(func(i int) bool {
		for _, c := range cols {
			if f.Value(i, c) == nil {
				return false
			}
		}
		return true
	}), nil
}

// clipOutliers winsorizes numeric columns to quantile bounds.
type clipOutliers struct{}

func (clipOutliers) Name() string        { return "clip_outliers" }
func (clipOutliers) DisplayName() string { return "Clip outliers" }
func (clipOutliers) Description() string {
	return "Clips numeric columns to the [lower, upper] quantile range."
}

// Clipping bounds depend on the full distribution, so this runs globally.
func (clipOutliers) BatchSafe() bool { return false }

func (clipOutliers) Schema() []domain.ParamSpec {
	return []domain.ParamSpec{
		{Name: "columns", Type: domain.ParamString, Description: "JSON array of column names; empty means all numeric columns."},
		{Name: "lower_quantile", Type: domain.ParamFloat, Default: json.RawMessage(`0.01`),
			Range: &domain.ParamRange{Min: ptr(0), Max: ptr(0.5)}},
		{Name: "upper_quantile", Type: domain.ParamFloat, Default: json.RawMessage(`0.99`),
			Range: &domain.ParamRange{Min: ptr(0.5), Max: ptr(1)}},
	}
}

func (clipOutliers) Apply(f *tabular.Frame, params map[string]json.RawMessage, _ Env) (*tabular.Frame, error) {
	lower := floatParam(params, "lower_quantile", 0.01)
	upper := floatParam(params, "upper_quantile", 0.99)
	if lower >= upper {
		return nil, fmt.Errorf("clip_outliers: lower_quantile %v >= upper_quantile %v: %w", lower, upper, domain.ErrInvalidArgument)
	}
	cols := stringsParam(params, "columns")
	if len(cols) == 0 {
		cols = numericColumns(f)
	}
	out := f.Filter(func(int) bool { return true })
	for _, c := range cols {
		vals := make([]float64, 0, out.NumRows())
		for i := 0; i < out.NumRows(); i++ {
			if v, ok := out.Float(i, c); ok {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		lo := quantile(vals, lower)
		hi := quantile(vals, upper)
		for i := 0; i < out.NumRows(); i++ {
			if v, ok := out.Float(i, c); ok {
				if err := out.SetValue(i, c, math.Min(math.Max(v, lo), hi)); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	i := int(pos)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}

func numericColumns(f *tabular.Frame) []string {
	var out []string
	for _, c := range f.Columns() {
		numeric := f.NumRows() > 0
		for i := 0; i < f.NumRows(); i++ {
			if f.Value(i, c) == nil {
				continue
			}
			if _, ok := f.Float(i, c); !ok {
				numeric = false
				break
			}
		}
		if numeric {
			out = append(out, c)
		}
	}
	return out
}

// dropDuplicates removes exact duplicate rows. Duplicates can span batch
// boundaries, so this always runs on the concatenated frame.
type dropDuplicates struct{}

func (dropDuplicates) Name() string        { return "drop_duplicates" }
func (dropDuplicates) DisplayName() string { return "Drop duplicate rows" }
func (dropDuplicates) Description() string {
	return "Removes rows whose full cell tuple repeats, keeping the first occurrence."
}
func (dropDuplicates) BatchSafe() bool              { return false }
func (dropDuplicates) Schema() []domain.ParamSpec   { return nil }
func (dropDuplicates) Apply(f *tabular.Frame, _ map[string]json.RawMessage, _ Env) (*tabular.Frame, error) {
	return f.DropDuplicates(), nil
}

// removeLargeCommits drops rows whose churn exceeds a threshold. Oversized
// commits are usually vendoring or refactors and drown the defect signal.
type removeLargeCommits struct{}

func (removeLargeCommits) Name() string        { return "remove_large_commits" }
func (removeLargeCommits) DisplayName() string { return "Remove large commits" }
func (removeLargeCommits) Description() string {
	return "Drops rows where lines added plus lines deleted exceeds the threshold."
}
func (removeLargeCommits) BatchSafe() bool { return true }
func (removeLargeCommits) Schema() []domain.ParamSpec {
	return []domain.ParamSpec{
		{Name: "max_churn", Type: domain.ParamFloat, Default: json.RawMessage(`10000`),
			Range: &domain.ParamRange{Min: ptr(1)}},
	}
}

func (removeLargeCommits) Apply(f *tabular.Frame, params map[string]json.RawMessage, _ Env) (*tabular.Frame, error) {
	maxChurn := floatParam(params, "max_churn", 10000)
	return f.Filter(func(i int) bool {
		la, _ := f.Float(i, "la")
		ld, _ := f.Float(i, "ld")
		return la+ld <= maxChurn
	}), nil
}

// filterBotAuthors drops rows whose author matches the repository's bot
// patterns, honoring exclusions.
type filterBotAuthors struct{}

func (filterBotAuthors) Name() string        { return "filter_bot_authors" }
func (filterBotAuthors) DisplayName() string { return "Filter bot authors" }
func (filterBotAuthors) Description() string {
	return "Drops rows authored by accounts matching the repository bot patterns."
}
func (filterBotAuthors) BatchSafe() bool            { return true }
func (filterBotAuthors) Schema() []domain.ParamSpec { return nil }

func (filterBotAuthors) Apply(f *tabular.Frame, _ map[string]json.RawMessage, env Env) (*tabular.Frame, error) {
	col := env.AuthorColumn
	if col == "" {
		col = "author_name"
	}
	if !f.Has(col) || len(env.BotPatterns) == 0 {
		return f, nil
	}
	m, err := NewBotMatcher(env.BotPatterns)
	if err != nil {
		return nil, err
	}
	return f.Filter(func(i int) bool { return !m.IsBot(f.String(i, col)) }), nil
}

func ptr(v float64) *float64 { return &v }
