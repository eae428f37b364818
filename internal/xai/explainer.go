// Package xai holds the explanation strategies fanned out after a successful
// inference. Each strategy turns a fitted model plus one instance into a
// self-describing JSON payload stored on the xai_result job.
package xai

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/ml"
)

// Explainer is one explanation strategy.
type Explainer interface {
	// Type returns the xai_type this explainer produces.
	Type() string
	// RequiresTreeModel limits the strategy to tree-based models.
	RequiresTreeModel() bool
	// Explain computes the explanation for one instance. background carries
	// rows drawn from the training distribution; strategies that do not need
	// it ignore it.
	Explain(model ml.Strategy, instance []float64, background [][]float64) (json.RawMessage, error)
}

var registry = map[string]Explainer{}

// Register adds an explainer; duplicate types panic at init time.
func Register(e Explainer) {
	if _, dup := registry[e.Type()]; dup {
		panic(fmt.Sprintf("xai: duplicate explainer %q", e.Type()))
	}
	registry[e.Type()] = e
}

// Lookup returns the explainer for xaiType.
func Lookup(xaiType string) (Explainer, error) {
	e, ok := registry[xaiType]
	if !ok {
		return nil, fmt.Errorf("unknown xai_type %q: %w", xaiType, domain.ErrInvalidArgument)
	}
	return e, nil
}

// Applicable returns the xai types applicable to model, sorted. Tree-only
// strategies are skipped for non-tree models.
func Applicable(model ml.Strategy) []string {
	var out []string
	for typ, e := range registry {
		if e.RequiresTreeModel() && !model.TreeBased() {
			continue
		}
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// AllTypes returns every registered xai type, sorted.
func AllTypes() []string {
	out := make([]string, 0, len(registry))
	for typ := range registry {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// probaOf returns P(class==1) for one instance, falling back to the hard
// label for strategies without probability support.
func probaOf(model ml.Strategy, instance []float64) (float64, error) {
	if pp, ok := model.(ml.ProbaPredictor); ok {
		probs, err := pp.PredictProba([][]float64{instance})
		if err != nil {
			return 0, err
		}
		return probs[0], nil
	}
	labels, err := model.Predict([][]float64{instance})
	if err != nil {
		return 0, err
	}
	return labels[0], nil
}

// contribution pairs a feature with its attributed weight, used by several
// result payloads.
type contribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
	Weight  float64 `json:"weight"`
}

func sortByAbsWeight(cs []contribution) {
	sort.SliceStable(cs, func(i, j int) bool {
		wi, wj := cs[i].Weight, cs[j].Weight
		if wi < 0 {
			wi = -wi
		}
		if wj < 0 {
			wj = -wj
		}
		return wi > wj
	})
}

// columnMeans averages background rows per feature.
func columnMeans(background [][]float64, nFeat int) []float64 {
	means := make([]float64, nFeat)
	if len(background) == 0 {
		return means
	}
	for _, row := range background {
		for j := 0; j < nFeat && j < len(row); j++ {
			means[j] += row[j]
		}
	}
	for j := range means {
		means[j] /= float64(len(background))
	}
	return means
}
