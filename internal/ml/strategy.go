// Package ml contains the model strategy abstraction: a uniform
// fit/predict/save/load contract over concrete learners, plus the data-driven
// registry the capability sync projects into the control plane.
package ml

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/riskline/defector/internal/domain"
)

// Strategy is the uniform contract every model type implements.
type Strategy interface {
	// ModelType returns the registered strategy name.
	ModelType() string
	// FeatureNames returns the feature list the model was constructed with.
	FeatureNames() []string
	// Fit trains on X (rows x features) against binary labels y.
	Fit(X [][]float64, y []float64) error
	// Predict returns a 0/1 label per row.
	Predict(X [][]float64) ([]float64, error)
	// Save serializes the fitted model to a JSON artifact.
	Save() ([]byte, error)
	// Load restores a fitted model from a JSON artifact.
	Load(data []byte) error
	// TreeBased reports whether decision-path explanations apply.
	TreeBased() bool
}

// ProbaPredictor is implemented by strategies that can report class
// probabilities. Callers discover it by interface assertion.
type ProbaPredictor interface {
	// PredictProba returns P(label==1) per row.
	PredictProba(X [][]float64) ([]float64, error)
}

// ImportanceReporter is implemented by strategies with intrinsic feature
// importances.
type ImportanceReporter interface {
	FeatureImportances() []float64
}

// Factory constructs an unfitted strategy from hyperparameters.
type Factory func(features []string, hp map[string]json.RawMessage, seed int64) (Strategy, error)

// Descriptor registers one model type.
type Descriptor struct {
	Name        string
	DisplayName string
	Description string
	Schema      []domain.ParamSpec
	TreeBased   bool
	New         Factory
}

var registry = map[string]Descriptor{}

// Register adds a model type; duplicate names panic at init time.
func Register(d Descriptor) {
	if _, dup := registry[d.Name]; dup {
		panic(fmt.Sprintf("ml: duplicate model type %q", d.Name))
	}
	registry[d.Name] = d
}

// Lookup returns the descriptor for name.
func Lookup(name string) (Descriptor, error) {
	d, ok := registry[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("unsupported model_type %q: %w", name, domain.ErrInvalidArgument)
	}
	return d, nil
}

// New constructs an unfitted strategy for name.
func New(name string, features []string, hp map[string]json.RawMessage, seed int64) (Strategy, error) {
	d, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := ValidateParams(d.Schema, hp); err != nil {
		return nil, err
	}
	return d.New(features, hp, seed)
}

// Descriptors returns all registered model types sorted by name.
func Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Capabilities projects the registry into capability rows for sync.
func Capabilities() []domain.Capability {
	ds := Descriptors()
	out := make([]domain.Capability, 0, len(ds))
	for _, d := range ds {
		out = append(out, domain.Capability{
			Name:          d.Name,
			DisplayName:   d.DisplayName,
			Description:   d.Description,
			ParameterSpec: d.Schema,
			IsImplemented: true,
		})
	}
	return out
}
