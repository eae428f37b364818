// Package featureselect holds the feature-selection algorithms applied after
// global cleaning during dataset generation. Algorithms pick a subset of the
// candidate feature columns; the target column is never dropped.
package featureselect

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/tabular"
)

// Algorithm is one feature-selection strategy.
type Algorithm interface {
	Name() string
	DisplayName() string
	Description() string
	Schema() []domain.ParamSpec
	// Select returns the kept subset of features, preserving input order.
	Select(f *tabular.Frame, features []string, params map[string]json.RawMessage) ([]string, error)
}

var registry = map[string]Algorithm{}

// Register adds an algorithm; duplicate names panic at init time.
func Register(a Algorithm) {
	if _, dup := registry[a.Name()]; dup {
		panic(fmt.Sprintf("featureselect: duplicate algorithm %q", a.Name()))
	}
	registry[a.Name()] = a
}

// Lookup returns the algorithm registered under name.
func Lookup(name string) (Algorithm, error) {
	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown feature-selection algorithm %q: %w", name, domain.ErrInvalidArgument)
	}
	return a, nil
}

// All returns every registered algorithm sorted by name.
func All() []Algorithm {
	out := make([]Algorithm, 0, len(registry))
	for _, a := range registry {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Capabilities projects the registry into capability rows for sync.
func Capabilities() []domain.Capability {
	algos := All()
	out := make([]domain.Capability, 0, len(algos))
	for _, a := range algos {
		out = append(out, domain.Capability{
			Name:          a.Name(),
			DisplayName:   a.DisplayName(),
			Description:   a.Description(),
			ParameterSpec: a.Schema(),
			IsImplemented: true,
		})
	}
	return out
}

func init() {
	Register(varianceThreshold{})
	Register(correlationFilter{})
	Register(topKVariance{})
}

func columnStats(f *tabular.Frame, col string) (mean, variance float64, err error) {
	vals, err := f.FloatColumn(col)
	if err != nil {
		return 0, 0, fmt.Errorf("feature column: %w: %w", domain.ErrInvalidArgument, err)
	}
	if len(vals) == 0 {
		return 0, 0, nil
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return mean, variance, nil
}

func floatParam(params map[string]json.RawMessage, name string, def float64) float64 {
	if raw, ok := params[name]; ok {
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return def
}

func intParam(params map[string]json.RawMessage, name string, def int) int {
	if raw, ok := params[name]; ok {
		var v int
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return def
}

func ptr(v float64) *float64 { return &v }

// varianceThreshold drops features whose variance falls below a threshold.
type varianceThreshold struct{}

func (varianceThreshold) Name() string        { return "variance_threshold" }
func (varianceThreshold) DisplayName() string { return "Variance threshold" }
func (varianceThreshold) Description() string {
	return "Drops features whose variance is at or below the threshold."
}
func (varianceThreshold) Schema() []domain.ParamSpec {
	return []domain.ParamSpec{
		{Name: "threshold", Type: domain.ParamFloat, Default: json.RawMessage(`0`),
			Range: &domain.ParamRange{Min: ptr(0)}},
	}
}

func (varianceThreshold) Select(f *tabular.Frame, features []string, params map[string]json.RawMessage) ([]string, error) {
	threshold := floatParam(params, "threshold", 0)
	var kept []string
	for _, c := range features {
		_, v, err := columnStats(f, c)
		if err != nil {
			return nil, err
		}
		if v > threshold {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// correlationFilter drops the later of any feature pair whose absolute
// Pearson correlation exceeds the threshold.
type correlationFilter struct{}

func (correlationFilter) Name() string        { return "correlation_filter" }
func (correlationFilter) DisplayName() string { return "Correlation filter" }
func (correlationFilter) Description() string {
	return "Drops one of each feature pair with absolute correlation above the threshold."
}
func (correlationFilter) Schema() []domain.ParamSpec {
	return []domain.ParamSpec{
		{Name: "threshold", Type: domain.ParamFloat, Default: json.RawMessage(`0.95`),
			Range: &domain.ParamRange{Min: ptr(0), Max: ptr(1)}},
	}
}

func (correlationFilter) Select(f *tabular.Frame, features []string, params map[string]json.RawMessage) ([]string, error) {
	threshold := floatParam(params, "threshold", 0.95)
	cols := make(map[string][]float64, len(features))
	for _, c := range features {
		vals, err := f.FloatColumn(c)
		if err != nil {
			return nil, fmt.Errorf("feature column: %w: %w", domain.ErrInvalidArgument, err)
		}
		cols[c] = vals
	}
	dropped := map[string]bool{}
	for i, a := range features {
		if dropped[a] {
			continue
		}
		for _, b := range features[i+1:] {
			if dropped[b] {
				continue
			}
			if math.Abs(pearson(cols[a], cols[b])) > threshold {
				dropped[b] = true
			}
		}
	}
	var kept []string
	for _, c := range features {
		if !dropped[c] {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

func pearson(a, b []float64) float64 {
	n := float64(len(a))
	if n == 0 {
		return 0
	}
	var ma, mb float64
	for i := range a {
		ma += a[i]
		mb += b[i]
	}
	ma /= n
	mb /= n
	var cov, va, vb float64
	for i := range a {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	return cov / math.Sqrt(va*vb)
}

// topKVariance keeps the k features with the highest variance.
type topKVariance struct{}

func (topKVariance) Name() string        { return "top_k_variance" }
func (topKVariance) DisplayName() string { return "Top-k by variance" }
func (topKVariance) Description() string {
	return "Keeps the k features with the highest variance."
}
func (topKVariance) Schema() []domain.ParamSpec {
	return []domain.ParamSpec{
		{Name: "k", Type: domain.ParamInteger, Default: json.RawMessage(`10`),
			Range: &domain.ParamRange{Min: ptr(1)}, Required: true},
	}
}

func (topKVariance) Select(f *tabular.Frame, features []string, params map[string]json.RawMessage) ([]string, error) {
	k := intParam(params, "k", 10)
	if k < 1 {
		return nil, fmt.Errorf("top_k_variance: k must be positive: %w", domain.ErrInvalidArgument)
	}
	if k >= len(features) {
		return append([]string(nil), features...), nil
	}
	type fv struct {
		name string
		v    float64
	}
	ranked := make([]fv, 0, len(features))
	for _, c := range features {
		_, v, err := columnStats(f, c)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, fv{c, v})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].v > ranked[j].v })
	top := map[string]bool{}
	for _, r := range ranked[:k] {
		top[r.name] = true
	}
	var kept []string
	for _, c := range features {
		if top[c] {
			kept = append(kept, c)
		}
	}
	return kept, nil
}
