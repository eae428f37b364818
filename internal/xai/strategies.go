package xai

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/ml"
)

func init() {
	Register(shapExplainer{})
	Register(limeExplainer{})
	Register(featureImportance{})
	Register(counterfactual{})
	Register(decisionPath{})
}

// shapExplainer approximates Shapley values by sampled feature permutations
// against the background distribution.
type shapExplainer struct{}

func (shapExplainer) Type() string            { return domain.XAITypeSHAP }
func (shapExplainer) RequiresTreeModel() bool { return false }

const shapPermutations = 50

func (shapExplainer) Explain(model ml.Strategy, instance []float64, background [][]float64) (json.RawMessage, error) {
	if len(background) == 0 {
		return nil, fmt.Errorf("shap needs a background sample: %w", domain.ErrDependency)
	}
	nFeat := len(instance)
	base := columnMeans(background, nFeat)
	baseProba, err := probaOf(model, base)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(17))
	phi := make([]float64, nFeat)
	for p := 0; p < shapPermutations; p++ {
		perm := rng.Perm(nFeat)
		current := append([]float64(nil), base...)
		prev, err := probaOf(model, current)
		if err != nil {
			return nil, err
		}
		for _, j := range perm {
			current[j] = instance[j]
			next, err := probaOf(model, current)
			if err != nil {
				return nil, err
			}
			phi[j] += next - prev
			prev = next
		}
	}
	for j := range phi {
		phi[j] /= shapPermutations
	}

	names := model.FeatureNames()
	contribs := make([]contribution, nFeat)
	for j := range phi {
		contribs[j] = contribution{Feature: names[j], Value: instance[j], Weight: phi[j]}
	}
	sortByAbsWeight(contribs)
	proba, err := probaOf(model, instance)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"xai_type":      domain.XAITypeSHAP,
		"base_value":    baseProba,
		"predicted":     proba,
		"contributions": contribs,
	})
}

// limeExplainer fits a local linear surrogate on gaussian perturbations of
// the instance, scaled by background spread.
type limeExplainer struct{}

func (limeExplainer) Type() string            { return domain.XAITypeLIME }
func (limeExplainer) RequiresTreeModel() bool { return false }

const (
	limeSamples = 200
	limeEpochs  = 300
)

func (limeExplainer) Explain(model ml.Strategy, instance []float64, background [][]float64) (json.RawMessage, error) {
	if len(background) == 0 {
		return nil, fmt.Errorf("lime needs a background sample: %w", domain.ErrDependency)
	}
	nFeat := len(instance)
	means := columnMeans(background, nFeat)
	stds := make([]float64, nFeat)
	for _, row := range background {
		for j := 0; j < nFeat && j < len(row); j++ {
			d := row[j] - means[j]
			stds[j] += d * d
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / float64(len(background)))
		if stds[j] == 0 {
			stds[j] = 1
		}
	}

	rng := rand.New(rand.NewSource(23))
	X := make([][]float64, limeSamples)
	for i := range X {
		row := make([]float64, nFeat)
		for j := range row {
			row[j] = instance[j] + rng.NormFloat64()*stds[j]
		}
		X[i] = row
	}
	y := make([]float64, limeSamples)
	for i, row := range X {
		p, err := probaOf(model, row)
		if err != nil {
			return nil, err
		}
		y[i] = p
	}

	// Least-squares surrogate on standardized perturbations, trained by
	// gradient descent.
	w := make([]float64, nFeat)
	var b float64
	lr := 0.05
	for epoch := 0; epoch < limeEpochs; epoch++ {
		grad := make([]float64, nFeat)
		var gradB float64
		for i, row := range X {
			pred := b
			for j := range w {
				pred += w[j] * (row[j] - instance[j]) / stds[j]
			}
			err := pred - y[i]
			for j := range grad {
				grad[j] += err * (row[j] - instance[j]) / stds[j]
			}
			gradB += err
		}
		for j := range w {
			w[j] -= lr * grad[j] / limeSamples
		}
		b -= lr * gradB / limeSamples
	}

	names := model.FeatureNames()
	contribs := make([]contribution, nFeat)
	for j := range w {
		contribs[j] = contribution{Feature: names[j], Value: instance[j], Weight: w[j]}
	}
	sortByAbsWeight(contribs)
	return json.Marshal(map[string]any{
		"xai_type":      domain.XAITypeLIME,
		"intercept":     b,
		"contributions": contribs,
	})
}

// featureImportance surfaces the model's intrinsic global importances.
type featureImportance struct{}

func (featureImportance) Type() string            { return domain.XAITypeFeatureImportance }
func (featureImportance) RequiresTreeModel() bool { return false }

func (featureImportance) Explain(model ml.Strategy, instance []float64, _ [][]float64) (json.RawMessage, error) {
	rep, ok := model.(ml.ImportanceReporter)
	if !ok {
		return nil, fmt.Errorf("model %s reports no importances: %w", model.ModelType(), domain.ErrInvalidArgument)
	}
	names := model.FeatureNames()
	imp := rep.FeatureImportances()
	contribs := make([]contribution, len(imp))
	for j, v := range imp {
		var cell float64
		if j < len(instance) {
			cell = instance[j]
		}
		contribs[j] = contribution{Feature: names[j], Value: cell, Weight: v}
	}
	sortByAbsWeight(contribs)
	return json.Marshal(map[string]any{
		"xai_type":    domain.XAITypeFeatureImportance,
		"importances": contribs,
	})
}

// counterfactual greedily walks features toward the background mean until the
// predicted class flips, reporting the minimal changed set it found.
type counterfactual struct{}

func (counterfactual) Type() string            { return domain.XAITypeCounterfactual }
func (counterfactual) RequiresTreeModel() bool { return false }

const counterfactualSteps = 10

func (counterfactual) Explain(model ml.Strategy, instance []float64, background [][]float64) (json.RawMessage, error) {
	if len(background) == 0 {
		return nil, fmt.Errorf("counterfactual needs a background sample: %w", domain.ErrDependency)
	}
	labels, err := model.Predict([][]float64{instance})
	if err != nil {
		return nil, err
	}
	original := labels[0]
	means := columnMeans(background, len(instance))
	names := model.FeatureNames()

	current := append([]float64(nil), instance...)
	type change struct {
		Feature string  `json:"feature"`
		From    float64 `json:"from"`
		To      float64 `json:"to"`
	}
	var changes []change
	found := false
	for round := 0; round < len(instance) && !found; round++ {
		// Pick the single-feature move that shifts the probability most.
		bestJ, bestDelta := -1, 0.0
		for j := range current {
			if current[j] == means[j] {
				continue
			}
			trial := append([]float64(nil), current...)
			trial[j] = means[j]
			p, err := probaOf(model, trial)
			if err != nil {
				return nil, err
			}
			delta := p - 0.5
			if original == 1 {
				delta = -delta
			}
			if bestJ < 0 || delta > bestDelta {
				bestJ, bestDelta = j, delta
			}
		}
		if bestJ < 0 {
			break
		}
		// Move toward the mean in small steps; stop at the first flip.
		from := current[bestJ]
		for s := 1; s <= counterfactualSteps; s++ {
			current[bestJ] = from + (means[bestJ]-from)*float64(s)/counterfactualSteps
			lab, err := model.Predict([][]float64{current})
			if err != nil {
				return nil, err
			}
			if lab[0] != original {
				found = true
				break
			}
		}
		changes = append(changes, change{Feature: names[bestJ], From: from, To: current[bestJ]})
	}
	return json.Marshal(map[string]any{
		"xai_type":       domain.XAITypeCounterfactual,
		"original_class": original,
		"found":          found,
		"changes":        changes,
	})
}

// decisionPath reports the root-to-leaf trace of a tree-based model.
type decisionPath struct{}

func (decisionPath) Type() string            { return domain.XAITypeDecisionPath }
func (decisionPath) RequiresTreeModel() bool { return true }

type pathReporter interface {
	DecisionPath(row []float64) []ml.PathStep
}

func (decisionPath) Explain(model ml.Strategy, instance []float64, _ [][]float64) (json.RawMessage, error) {
	rep, ok := model.(pathReporter)
	if !ok {
		return nil, fmt.Errorf("model %s exposes no decision path: %w", model.ModelType(), domain.ErrInvalidArgument)
	}
	names := model.FeatureNames()
	type step struct {
		Feature   string  `json:"feature,omitempty"`
		Threshold float64 `json:"threshold"`
		WentLeft  bool    `json:"went_left"`
		Value     float64 `json:"value"`
		Leaf      bool    `json:"leaf"`
	}
	var steps []step
	for _, s := range rep.DecisionPath(instance) {
		out := step{Threshold: s.Threshold, WentLeft: s.WentLeft, Value: s.Value, Leaf: s.Feature < 0}
		if s.Feature >= 0 && s.Feature < len(names) {
			out.Feature = names[s.Feature]
		}
		steps = append(steps, out)
	}
	return json.Marshal(map[string]any{
		"xai_type": domain.XAITypeDecisionPath,
		"path":     steps,
	})
}
