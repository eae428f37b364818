package domain

// FilePrediction is one row of the commit-level prediction package. The wire
// field is "class" for compatibility; everywhere else the column is
// class_name.
type FilePrediction struct {
	File        string  `json:"file"`
	ClassName   *string `json:"class"`
	Prediction  int     `json:"prediction"`
	Probability float64 `json:"probability"`
}

// PredictionResult is the commit-level aggregation of per-row predictions.
// CommitPrediction is 1 when any file is predicted buggy, 0 when none is and
// -1 when no rows were analyzed. MaxBugProbability is -1 when probabilities
// were unavailable.
type PredictionResult struct {
	CommitPrediction  int              `json:"commit_prediction"`
	MaxBugProbability float64          `json:"max_bug_probability"`
	NumFilesAnalyzed  int              `json:"num_files_analyzed"`
	Details           []FilePrediction `json:"details"`
	Error             *string          `json:"error"`
}

// AggregatePredictions folds per-row predictions into the commit package.
func AggregatePredictions(details []FilePrediction, hasProba bool) PredictionResult {
	if len(details) == 0 {
		msg := "no features"
		return PredictionResult{
			CommitPrediction:  -1,
			MaxBugProbability: -1,
			NumFilesAnalyzed:  0,
			Details:           nil,
			Error:             &msg,
		}
	}
	res := PredictionResult{
		CommitPrediction:  0,
		MaxBugProbability: -1,
		NumFilesAnalyzed:  len(details),
		Details:           details,
	}
	for _, d := range details {
		if d.Prediction == 1 {
			res.CommitPrediction = 1
		}
		if hasProba && d.Probability > res.MaxBugProbability {
			res.MaxBugProbability = d.Probability
		}
	}
	return res
}
