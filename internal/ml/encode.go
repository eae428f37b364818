package ml

import (
	"fmt"
	"sort"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/tabular"
)

// Matrix extracts the feature columns of a frame as a dense row-major matrix.
// Any non-numeric feature cell is a hard error.
func Matrix(f *tabular.Frame, features []string) ([][]float64, error) {
	cols := make([][]float64, len(features))
	for i, name := range features {
		c, err := f.FloatColumn(name)
		if err != nil {
			return nil, fmt.Errorf("feature column: %w: %w", domain.ErrInvalidArgument, err)
		}
		cols[i] = c
	}
	X := make([][]float64, f.NumRows())
	for r := range X {
		row := make([]float64, len(features))
		for c := range features {
			row[c] = cols[c][r]
		}
		X[r] = row
	}
	return X, nil
}

// Labels extracts the target column as 0/1 floats. Numeric targets pass
// through; string targets are label-encoded by sorted distinct value, which
// handles boolean-like labels ("clean"/"buggy") deterministically. More than
// two classes is rejected.
func Labels(f *tabular.Frame, target string) ([]float64, error) {
	n := f.NumRows()
	out := make([]float64, n)
	numeric := true
	for i := 0; i < n; i++ {
		v, ok := f.Float(i, target)
		if !ok {
			numeric = false
			break
		}
		out[i] = v
	}
	if numeric {
		for _, v := range out {
			if v != 0 && v != 1 {
				return nil, fmt.Errorf("target column %q has non-binary value %v: %w", target, v, domain.ErrInvalidArgument)
			}
		}
		return out, nil
	}

	distinct := map[string]bool{}
	for i := 0; i < n; i++ {
		s := f.String(i, target)
		if s == "" && f.Value(i, target) == nil {
			return nil, fmt.Errorf("target column %q row %d is null: %w", target, i, domain.ErrInvalidArgument)
		}
		distinct[s] = true
	}
	if len(distinct) > 2 {
		return nil, fmt.Errorf("target column %q has %d classes, want 2: %w", target, len(distinct), domain.ErrInvalidArgument)
	}
	values := make([]string, 0, len(distinct))
	for s := range distinct {
		values = append(values, s)
	}
	sort.Strings(values)
	codes := map[string]float64{}
	for i, s := range values {
		codes[s] = float64(i)
	}
	for i := 0; i < n; i++ {
		out[i] = codes[f.String(i, target)]
	}
	return out, nil
}
