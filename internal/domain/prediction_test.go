package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatePredictionsEmpty(t *testing.T) {
	res := AggregatePredictions(nil, true)
	assert.Equal(t, -1, res.CommitPrediction)
	assert.Equal(t, float64(-1), res.MaxBugProbability)
	assert.Equal(t, 0, res.NumFilesAnalyzed)
	require.NotNil(t, res.Error)
	assert.Equal(t, "no features", *res.Error)
}

func TestAggregatePredictionsAnyBuggy(t *testing.T) {
	details := []FilePrediction{
		{File: "a.java", Prediction: 0, Probability: 0.2},
		{File: "b.java", Prediction: 1, Probability: 0.9},
		{File: "c.java", Prediction: 0, Probability: 0.4},
	}
	res := AggregatePredictions(details, true)
	assert.Equal(t, 1, res.CommitPrediction)
	assert.Equal(t, 0.9, res.MaxBugProbability)
	assert.Equal(t, 3, res.NumFilesAnalyzed)
	assert.Nil(t, res.Error)
}

func TestAggregatePredictionsNoProba(t *testing.T) {
	details := []FilePrediction{{File: "a.java", Prediction: 0, Probability: 0.8}}
	res := AggregatePredictions(details, false)
	assert.Equal(t, 0, res.CommitPrediction)
	assert.Equal(t, float64(-1), res.MaxBugProbability)
}
