package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/riskline/defector/internal/domain"
)

// LogisticRegression is a gradient-descent binary classifier with optional
// L2 regularization. Features are standardized at fit time; the scaler is
// part of the artifact so inference sees the same transform.
type LogisticRegression struct {
	Features     []string  `json:"features"`
	LearningRate float64   `json:"learning_rate"`
	MaxIter      int       `json:"max_iter"`
	L2           float64   `json:"l2"`
	FitIntercept bool      `json:"fit_intercept"`
	Seed         int64     `json:"seed"`
	Weights      []float64 `json:"weights,omitempty"`
	Intercept    float64   `json:"intercept"`
	Means        []float64 `json:"means,omitempty"`
	Stds         []float64 `json:"stds,omitempty"`
}

const logisticName = "logistic_regression"

func newLogisticRegression(features []string, hp map[string]json.RawMessage, seed int64) (Strategy, error) {
	return &LogisticRegression{
		Features:     features,
		LearningRate: floatParam(hp, "learning_rate", 0.1),
		MaxIter:      intParam(hp, "max_iter", 500),
		L2:           floatParam(hp, "l2", 0.0),
		FitIntercept: boolParam(hp, "fit_intercept", true),
		Seed:         seed,
	}, nil
}

func (l *LogisticRegression) ModelType() string      { return logisticName }
func (l *LogisticRegression) FeatureNames() []string { return l.Features }
func (l *LogisticRegression) TreeBased() bool        { return false }

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

func (l *LogisticRegression) scale(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = (v - l.Means[i]) / l.Stds[i]
	}
	return out
}

func (l *LogisticRegression) Fit(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return fmt.Errorf("logistic: %d rows vs %d labels: %w", len(X), len(y), domain.ErrInvalidArgument)
	}
	nFeat := len(X[0])
	l.Means = make([]float64, nFeat)
	l.Stds = make([]float64, nFeat)
	for j := 0; j < nFeat; j++ {
		var sum float64
		for i := range X {
			sum += X[i][j]
		}
		mean := sum / float64(len(X))
		var ss float64
		for i := range X {
			d := X[i][j] - mean
			ss += d * d
		}
		std := math.Sqrt(ss / float64(len(X)))
		if std == 0 {
			std = 1
		}
		l.Means[j], l.Stds[j] = mean, std
	}

	scaled := make([][]float64, len(X))
	for i, row := range X {
		scaled[i] = l.scale(row)
	}

	rng := rand.New(rand.NewSource(l.Seed))
	l.Weights = make([]float64, nFeat)
	for j := range l.Weights {
		l.Weights[j] = rng.NormFloat64() * 0.01
	}
	l.Intercept = 0

	n := float64(len(scaled))
	for iter := 0; iter < l.MaxIter; iter++ {
		grad := make([]float64, nFeat)
		var gradB float64
		for i, row := range scaled {
			z := l.Intercept
			for j, w := range l.Weights {
				z += w * row[j]
			}
			err := sigmoid(z) - y[i]
			for j := range grad {
				grad[j] += err * row[j]
			}
			gradB += err
		}
		for j := range l.Weights {
			l.Weights[j] -= l.LearningRate * (grad[j]/n + l.L2*l.Weights[j])
		}
		if l.FitIntercept {
			l.Intercept -= l.LearningRate * gradB / n
		}
	}
	return nil
}

func (l *LogisticRegression) PredictProba(X [][]float64) ([]float64, error) {
	if l.Weights == nil {
		return nil, fmt.Errorf("logistic: not fitted: %w", domain.ErrInternal)
	}
	out := make([]float64, len(X))
	for i, raw := range X {
		row := l.scale(raw)
		z := l.Intercept
		for j, w := range l.Weights {
			z += w * row[j]
		}
		out[i] = sigmoid(z)
	}
	return out, nil
}

func (l *LogisticRegression) Predict(X [][]float64) ([]float64, error) {
	probs, err := l.PredictProba(X)
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

// FeatureImportances returns absolute standardized coefficients, normalized.
func (l *LogisticRegression) FeatureImportances() []float64 {
	out := make([]float64, len(l.Weights))
	var total float64
	for i, w := range l.Weights {
		out[i] = math.Abs(w)
		total += out[i]
	}
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}

func (l *LogisticRegression) Save() ([]byte, error) {
	return json.Marshal(modelEnvelope{Type: logisticName, Features: l.Features, Model: mustRaw(l)})
}

func (l *LogisticRegression) Load(data []byte) error {
	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("logistic: decode artifact: %w: %w", domain.ErrArtifact, err)
	}
	if env.Type != logisticName {
		return fmt.Errorf("logistic: artifact is %q: %w", env.Type, domain.ErrArtifact)
	}
	if err := json.Unmarshal(env.Model, l); err != nil {
		return fmt.Errorf("logistic: decode model: %w: %w", domain.ErrArtifact, err)
	}
	return nil
}

func init() {
	Register(Descriptor{
		Name:        logisticName,
		DisplayName: "Logistic Regression",
		Description: "L2-regularized logistic regression trained by gradient descent on standardized features.",
		TreeBased:   false,
		New:         newLogisticRegression,
		Schema: []domain.ParamSpec{
			{Name: "learning_rate", Type: domain.ParamFloat, Default: json.RawMessage(`0.1`),
				Range: &domain.ParamRange{Min: ptrFloat(1e-5), Max: ptrFloat(10), Log: true}},
			{Name: "max_iter", Type: domain.ParamInteger, Default: json.RawMessage(`500`),
				Range: &domain.ParamRange{Min: ptrFloat(10), Max: ptrFloat(10000)}},
			{Name: "l2", Type: domain.ParamFloat, Default: json.RawMessage(`0`),
				Range: &domain.ParamRange{Min: ptrFloat(0), Max: ptrFloat(10)}},
			{Name: "fit_intercept", Type: domain.ParamBoolean, Default: json.RawMessage(`true`)},
		},
	})
}
