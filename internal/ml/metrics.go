package ml

// Evaluation metrics over binary predictions. All take parallel y/yhat
// slices of 0/1 labels.

// Accuracy is the fraction of exact matches.
func Accuracy(y, yhat []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	var hits float64
	for i := range y {
		if y[i] == yhat[i] {
			hits++
		}
	}
	return hits / float64(len(y))
}

type classCounts struct{ tp, fp, fn, support float64 }

func countPerClass(y, yhat []float64) map[float64]*classCounts {
	counts := map[float64]*classCounts{}
	get := func(c float64) *classCounts {
		if counts[c] == nil {
			counts[c] = &classCounts{}
		}
		return counts[c]
	}
	for i := range y {
		get(y[i]).support++
		if yhat[i] == y[i] {
			get(y[i]).tp++
		} else {
			get(yhat[i]).fp++
			get(y[i]).fn++
		}
	}
	return counts
}

// F1Weighted is the support-weighted mean of per-class F1 scores, matching
// the objective used for model selection.
func F1Weighted(y, yhat []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	counts := countPerClass(y, yhat)
	var weighted float64
	for _, c := range counts {
		var precision, recall float64
		if c.tp+c.fp > 0 {
			precision = c.tp / (c.tp + c.fp)
		}
		if c.tp+c.fn > 0 {
			recall = c.tp / (c.tp + c.fn)
		}
		var f1 float64
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		weighted += f1 * c.support
	}
	return weighted / float64(len(y))
}

// PrecisionRecall returns precision and recall for the positive class.
func PrecisionRecall(y, yhat []float64) (precision, recall float64) {
	var tp, fp, fn float64
	for i := range y {
		switch {
		case y[i] == 1 && yhat[i] == 1:
			tp++
		case y[i] == 0 && yhat[i] == 1:
			fp++
		case y[i] == 1 && yhat[i] == 0:
			fn++
		}
	}
	if tp+fp > 0 {
		precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		recall = tp / (tp + fn)
	}
	return precision, recall
}

// Evaluate computes the standard metric bundle reported by training jobs.
func Evaluate(y, yhat []float64) map[string]float64 {
	precision, recall := PrecisionRecall(y, yhat)
	return map[string]float64{
		"accuracy":    Accuracy(y, yhat),
		"f1_weighted": F1Weighted(y, yhat),
		"precision":   precision,
		"recall":      recall,
	}
}
