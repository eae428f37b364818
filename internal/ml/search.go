package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/riskline/defector/internal/domain"
)

// Trial is one evaluated point of a hyper-parameter search.
type Trial struct {
	Number int                        `json:"number"`
	Params map[string]json.RawMessage `json:"params"`
	Value  float64                    `json:"value"`
	Pruned bool                       `json:"pruned"`
}

// SearchResult is the outcome of a completed study.
type SearchResult struct {
	BestTrial *Trial  `json:"best_trial,omitempty"`
	Trials    []Trial `json:"trials"`
}

// Search runs a study over a typed search space, scoring each trial by
// k-fold cross-validation on the objective metric.
type Search struct {
	ModelType       string
	Features        []string
	Space           map[string]domain.ParamDist
	NTrials         int
	Sampler         string // "random" (default) or "grid"
	ObjectiveMetric string // key into Evaluate's bundle, default f1_weighted
	CVFolds         int
	EnablePruning   bool
	Seed            int64

	// OnTrial, when set, is called after each trial; returning an error stops
	// the study. Cancellation checks hook in here.
	OnTrial func(t Trial) error
}

// Run executes the study. Every trial failure is a study failure; a study
// with zero completed trials returns ErrInternal.
func (s *Search) Run(X [][]float64, y []float64) (SearchResult, error) {
	if len(s.Space) == 0 {
		return SearchResult{}, fmt.Errorf("empty search_space: %w", domain.ErrInvalidArgument)
	}
	metric := s.ObjectiveMetric
	if metric == "" {
		metric = "f1_weighted"
	}
	folds := s.CVFolds
	if folds < 2 {
		folds = 3
	}
	kf, err := KFold(len(X), folds, s.Seed)
	if err != nil {
		return SearchResult{}, err
	}

	var candidates []map[string]json.RawMessage
	rng := rand.New(rand.NewSource(s.Seed))
	switch s.Sampler {
	case "grid":
		candidates, err = gridSpace(s.Space)
		if err != nil {
			return SearchResult{}, err
		}
	default:
		for i := 0; i < s.NTrials; i++ {
			p, err := sampleSpace(s.Space, rng)
			if err != nil {
				return SearchResult{}, err
			}
			candidates = append(candidates, p)
		}
	}
	if s.NTrials > 0 && len(candidates) > s.NTrials {
		candidates = candidates[:s.NTrials]
	}

	pruner := newMedianPruner(folds)
	result := SearchResult{}
	for num, params := range candidates {
		trial := Trial{Number: num, Params: params}
		value, pruned, err := s.crossValidate(params, X, y, kf, metric, pruner)
		if err != nil {
			return result, fmt.Errorf("trial %d: %w", num, err)
		}
		trial.Value, trial.Pruned = value, pruned
		if !pruned {
			pruner.record(trial.Value)
			if result.BestTrial == nil || trial.Value > result.BestTrial.Value {
				best := trial
				result.BestTrial = &best
			}
		}
		result.Trials = append(result.Trials, trial)
		if s.OnTrial != nil {
			if err := s.OnTrial(trial); err != nil {
				return result, err
			}
		}
	}
	if result.BestTrial == nil {
		return result, fmt.Errorf("study completed no trials: %w", domain.ErrInternal)
	}
	return result, nil
}

func (s *Search) crossValidate(params map[string]json.RawMessage, X [][]float64, y []float64, kf []Fold, metric string, pruner *medianPruner) (float64, bool, error) {
	var sum float64
	for step, fold := range kf {
		model, err := New(s.ModelType, s.Features, params, s.Seed+int64(step))
		if err != nil {
			return 0, false, err
		}
		tx, ty := Gather(X, y, fold.Train)
		vx, vy := Gather(X, y, fold.Val)
		if err := model.Fit(tx, ty); err != nil {
			return 0, false, err
		}
		yhat, err := model.Predict(vx)
		if err != nil {
			return 0, false, err
		}
		scores := Evaluate(vy, yhat)
		v, ok := scores[metric]
		if !ok {
			return 0, false, fmt.Errorf("unknown objective_metric %q: %w", metric, domain.ErrInvalidArgument)
		}
		sum += v
		if s.EnablePruning && pruner.shouldPrune(step, sum/float64(step+1)) {
			return sum / float64(step + 1), true, nil
		}
	}
	return sum / float64(len(kf)), false, nil
}

// sampleSpace draws one point from the space.
func sampleSpace(space map[string]domain.ParamDist, rng *rand.Rand) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(space))
	names := sortedKeys(space)
	for _, name := range names {
		d := space[name]
		switch d.Type {
		case "categorical":
			if len(d.Choices) == 0 {
				return nil, fmt.Errorf("dimension %q has no choices: %w", name, domain.ErrInvalidArgument)
			}
			out[name] = d.Choices[rng.Intn(len(d.Choices))]
		case "int":
			lo, hi, err := bounds(name, d)
			if err != nil {
				return nil, err
			}
			var v int64
			switch {
			case d.Log:
				v = int64(math.Round(math.Exp(math.Log(lo) + rng.Float64()*(math.Log(hi)-math.Log(lo)))))
			default:
				step := 1.0
				if d.Step != nil {
					if *d.Step <= 0 {
						return nil, fmt.Errorf("dimension %q step must be positive: %w", name, domain.ErrInvalidArgument)
					}
					step = *d.Step
				}
				n := int64((hi-lo)/step) + 1
				v = int64(lo + step*float64(rng.Int63n(n)))
			}
			v = min(max(v, int64(lo)), int64(hi))
			out[name] = json.RawMessage(fmt.Sprintf("%d", v))
		case "float":
			lo, hi, err := bounds(name, d)
			if err != nil {
				return nil, err
			}
			var v float64
			switch {
			case d.Step != nil:
				if *d.Step <= 0 {
					return nil, fmt.Errorf("dimension %q step must be positive: %w", name, domain.ErrInvalidArgument)
				}
				n := int64((hi-lo) / *d.Step)
				v = lo + *d.Step*float64(rng.Int63n(n+1))
			case d.Log:
				v = math.Exp(math.Log(lo) + rng.Float64()*(math.Log(hi)-math.Log(lo)))
			default:
				v = lo + rng.Float64()*(hi-lo)
			}
			out[name] = json.RawMessage(fmt.Sprintf("%g", v))
		default:
			return nil, fmt.Errorf("dimension %q has unknown type %q: %w", name, d.Type, domain.ErrInvalidArgument)
		}
	}
	return out, nil
}

// gridSpace enumerates the cartesian product of the space. Float dimensions
// need an explicit step; ints default to step 1.
func gridSpace(space map[string]domain.ParamDist) ([]map[string]json.RawMessage, error) {
	names := sortedKeys(space)
	axes := make([][]json.RawMessage, len(names))
	for i, name := range names {
		d := space[name]
		switch d.Type {
		case "categorical":
			if len(d.Choices) == 0 {
				return nil, fmt.Errorf("dimension %q has no choices: %w", name, domain.ErrInvalidArgument)
			}
			axes[i] = d.Choices
		case "int", "float":
			lo, hi, err := bounds(name, d)
			if err != nil {
				return nil, err
			}
			step := 1.0
			if d.Step != nil {
				step = *d.Step
			} else if d.Type == "float" {
				return nil, fmt.Errorf("grid sampler needs a step for float dimension %q: %w", name, domain.ErrInvalidArgument)
			}
			if step <= 0 {
				return nil, fmt.Errorf("dimension %q step must be positive: %w", name, domain.ErrInvalidArgument)
			}
			for v := lo; v <= hi+1e-12; v += step {
				if d.Type == "int" {
					axes[i] = append(axes[i], json.RawMessage(fmt.Sprintf("%d", int64(v))))
				} else {
					axes[i] = append(axes[i], json.RawMessage(fmt.Sprintf("%g", v)))
				}
			}
		default:
			return nil, fmt.Errorf("dimension %q has unknown type %q: %w", name, d.Type, domain.ErrInvalidArgument)
		}
	}

	out := []map[string]json.RawMessage{{}}
	for i, name := range names {
		var next []map[string]json.RawMessage
		for _, base := range out {
			for _, v := range axes[i] {
				p := make(map[string]json.RawMessage, len(base)+1)
				for k, b := range base {
					p[k] = b
				}
				p[name] = v
				next = append(next, p)
			}
		}
		out = next
	}
	return out, nil
}

func bounds(name string, d domain.ParamDist) (float64, float64, error) {
	if d.Low == nil || d.High == nil || *d.Low > *d.High {
		return 0, 0, fmt.Errorf("dimension %q needs low <= high: %w", name, domain.ErrInvalidArgument)
	}
	if d.Log && *d.Low <= 0 {
		return 0, 0, fmt.Errorf("dimension %q log-scale needs low > 0: %w", name, domain.ErrInvalidArgument)
	}
	return *d.Low, *d.High, nil
}

func sortedKeys(space map[string]domain.ParamDist) []string {
	names := make([]string, 0, len(space))
	for k := range space {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// medianPruner stops a trial early when its running mean at a fold step falls
// below the median of completed trial values. Pruning waits for a small
// warm-up so the median is meaningful.
type medianPruner struct {
	steps     int
	completed []float64
}

func newMedianPruner(steps int) *medianPruner { return &medianPruner{steps: steps} }

func (p *medianPruner) record(value float64) { p.completed = append(p.completed, value) }

func (p *medianPruner) shouldPrune(step int, running float64) bool {
	if step+1 >= p.steps || len(p.completed) < 3 {
		return false
	}
	vals := append([]float64(nil), p.completed...)
	sort.Float64s(vals)
	median := vals[len(vals)/2]
	return running < median
}
