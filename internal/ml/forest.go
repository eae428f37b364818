package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/riskline/defector/internal/domain"
)

// RandomForest is a bagged ensemble of CART trees with per-split feature
// subsampling. Registered as "sklearn_randomforest" for parity with the
// historical dataset schemas.
type RandomForest struct {
	Features        []string        `json:"features"`
	NEstimators     int             `json:"n_estimators"`
	MaxDepth        int             `json:"max_depth"`
	MinSamplesSplit int             `json:"min_samples_split"`
	MaxFeatures     string          `json:"max_features"`
	Seed            int64           `json:"seed"`
	Trees           []*decisionTree `json:"trees,omitempty"`
}

const forestName = "sklearn_randomforest"

func newRandomForest(features []string, hp map[string]json.RawMessage, seed int64) (Strategy, error) {
	return &RandomForest{
		Features:        features,
		NEstimators:     intParam(hp, "n_estimators", 100),
		MaxDepth:        intParam(hp, "max_depth", 10),
		MinSamplesSplit: intParam(hp, "min_samples_split", 2),
		MaxFeatures:     stringParam(hp, "max_features", "sqrt"),
		Seed:            seed,
	}, nil
}

func (f *RandomForest) ModelType() string      { return forestName }
func (f *RandomForest) FeatureNames() []string { return f.Features }
func (f *RandomForest) TreeBased() bool        { return true }

func (f *RandomForest) maxFeaturesFor(n int) int {
	switch f.MaxFeatures {
	case "sqrt":
		return int(math.Max(1, math.Sqrt(float64(n))))
	case "log2":
		return int(math.Max(1, math.Log2(float64(n))))
	default:
		return n
	}
}

// Fit trains NEstimators trees, each on a bootstrap sample of the rows.
func (f *RandomForest) Fit(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return fmt.Errorf("forest: %d rows vs %d labels: %w", len(X), len(y), domain.ErrInvalidArgument)
	}
	rng := rand.New(rand.NewSource(f.Seed))
	maxF := f.maxFeaturesFor(len(X[0]))
	f.Trees = make([]*decisionTree, 0, f.NEstimators)
	n := len(X)
	for t := 0; t < f.NEstimators; t++ {
		bx := make([][]float64, n)
		by := make([]float64, n)
		for i := 0; i < n; i++ {
			j := rng.Intn(n)
			bx[i], by[i] = X[j], y[j]
		}
		tree := &decisionTree{
			MaxDepth:        f.MaxDepth,
			MinSamplesSplit: f.MinSamplesSplit,
			MaxFeatures:     maxF,
			rng:             rand.New(rand.NewSource(rng.Int63())),
		}
		if err := tree.fit(bx, by); err != nil {
			return err
		}
		f.Trees = append(f.Trees, tree)
	}
	return nil
}

// PredictProba averages leaf fractions across the ensemble.
func (f *RandomForest) PredictProba(X [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, fmt.Errorf("forest: not fitted: %w", domain.ErrInternal)
	}
	out := make([]float64, len(X))
	for i, row := range X {
		var sum float64
		for _, t := range f.Trees {
			sum += t.proba(row)
		}
		out[i] = sum / float64(len(f.Trees))
	}
	return out, nil
}

func (f *RandomForest) Predict(X [][]float64) ([]float64, error) {
	probs, err := f.PredictProba(X)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(probs))
	for i, p := range probs {
		if p >= 0.5 {
			out[i] = 1
		}
	}
	return out, nil
}

// FeatureImportances returns normalized split-sample importances.
func (f *RandomForest) FeatureImportances() []float64 {
	out := make([]float64, len(f.Features))
	for _, t := range f.Trees {
		for i, v := range t.importances(len(f.Features)) {
			out[i] += v
		}
	}
	var total float64
	for _, v := range out {
		total += v
	}
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}

// DecisionPath returns the path of the first tree for one row, each step
// naming the feature, threshold and branch taken.
func (f *RandomForest) DecisionPath(row []float64) []PathStep {
	if len(f.Trees) == 0 {
		return nil
	}
	return f.Trees[0].path(row)
}

func (f *RandomForest) Save() ([]byte, error) {
	return json.Marshal(modelEnvelope{Type: forestName, Features: f.Features, Model: mustRaw(f)})
}

func (f *RandomForest) Load(data []byte) error {
	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("forest: decode artifact: %w: %w", domain.ErrArtifact, err)
	}
	if env.Type != forestName {
		return fmt.Errorf("forest: artifact is %q: %w", env.Type, domain.ErrArtifact)
	}
	if err := json.Unmarshal(env.Model, f); err != nil {
		return fmt.Errorf("forest: decode model: %w: %w", domain.ErrArtifact, err)
	}
	return nil
}

// modelEnvelope is the on-disk artifact shape shared by all strategies.
type modelEnvelope struct {
	Type     string          `json:"model_type"`
	Features []string        `json:"features"`
	Model    json.RawMessage `json:"model"`
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func init() {
	Register(Descriptor{
		Name:        forestName,
		DisplayName: "Random Forest",
		Description: "Bagged decision-tree ensemble with per-split feature subsampling.",
		TreeBased:   true,
		New:         newRandomForest,
		Schema: []domain.ParamSpec{
			{Name: "n_estimators", Type: domain.ParamInteger, Default: json.RawMessage(`100`),
				Range: &domain.ParamRange{Min: ptrFloat(1), Max: ptrFloat(1000)}},
			{Name: "max_depth", Type: domain.ParamInteger, Default: json.RawMessage(`10`),
				Range: &domain.ParamRange{Min: ptrFloat(1), Max: ptrFloat(64)}},
			{Name: "min_samples_split", Type: domain.ParamInteger, Default: json.RawMessage(`2`),
				Range: &domain.ParamRange{Min: ptrFloat(2), Max: ptrFloat(100)}},
			{Name: "max_features", Type: domain.ParamTextChoice, Default: json.RawMessage(`"sqrt"`),
				Options: []string{"sqrt", "log2", "all"}},
		},
	})
}
