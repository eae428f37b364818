package ml

import (
	"fmt"
	"math/rand"

	"github.com/riskline/defector/internal/domain"
)

// TrainTestSplit shuffles rows with the given seed and holds out testSize
// (a fraction in (0,1)) for evaluation. A degenerate split that would leave
// either side empty is rejected.
func TrainTestSplit(X [][]float64, y []float64, testSize float64, seed int64) (trainX, testX [][]float64, trainY, testY []float64, err error) {
	if testSize <= 0 || testSize >= 1 {
		return nil, nil, nil, nil, fmt.Errorf("test_split %v out of (0,1): %w", testSize, domain.ErrInvalidArgument)
	}
	n := len(X)
	nTest := int(float64(n) * testSize)
	if nTest == 0 || nTest == n {
		return nil, nil, nil, nil, fmt.Errorf("test_split %v leaves an empty side for %d rows: %w", testSize, n, domain.ErrInvalidArgument)
	}
	idx := rand.New(rand.NewSource(seed)).Perm(n)
	for k, i := range idx {
		if k < nTest {
			testX = append(testX, X[i])
			testY = append(testY, y[i])
		} else {
			trainX = append(trainX, X[i])
			trainY = append(trainY, y[i])
		}
	}
	return trainX, testX, trainY, testY, nil
}

// KFold yields k shuffled (train, validation) index folds.
type Fold struct {
	Train []int
	Val   []int
}

func KFold(n, k int, seed int64) ([]Fold, error) {
	if k < 2 || k > n {
		return nil, fmt.Errorf("cv_folds %d invalid for %d rows: %w", k, n, domain.ErrInvalidArgument)
	}
	idx := rand.New(rand.NewSource(seed)).Perm(n)
	folds := make([]Fold, k)
	for i, v := range idx {
		folds[i%k].Val = append(folds[i%k].Val, v)
	}
	for f := range folds {
		val := map[int]bool{}
		for _, v := range folds[f].Val {
			val[v] = true
		}
		for _, v := range idx {
			if !val[v] {
				folds[f].Train = append(folds[f].Train, v)
			}
		}
	}
	return folds, nil
}

// Gather materializes rows by index.
func Gather(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	gx := make([][]float64, len(idx))
	gy := make([]float64, len(idx))
	for k, i := range idx {
		gx[k], gy[k] = X[i], y[i]
	}
	return gx, gy
}
