package ml

import (
	"fmt"
	"math/rand"
	"sort"
)

// treeNode is one CART node. Leaves carry the positive-class fraction.
type treeNode struct {
	Feature  int       `json:"feature"`
	Thresh   float64   `json:"thresh"`
	Left     *treeNode `json:"left,omitempty"`
	Right    *treeNode `json:"right,omitempty"`
	Value    float64   `json:"value"`
	NSamples int       `json:"n_samples"`
}

func (n *treeNode) leaf() bool { return n.Left == nil && n.Right == nil }

// decisionTree is a binary CART classifier on the gini criterion.
type decisionTree struct {
	Root            *treeNode `json:"root"`
	MaxDepth        int       `json:"max_depth"`
	MinSamplesSplit int       `json:"min_samples_split"`
	MaxFeatures     int       `json:"max_features"`
	rng             *rand.Rand
}

func (t *decisionTree) fit(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return fmt.Errorf("tree: %d rows vs %d labels", len(X), len(y))
	}
	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}
	t.Root = t.build(X, y, idx, 0)
	return nil
}

func gini(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	var pos float64
	for _, i := range idx {
		if y[i] == 1 {
			pos++
		}
	}
	p := pos / float64(len(idx))
	return 2 * p * (1 - p)
}

func (t *decisionTree) build(X [][]float64, y []float64, idx []int, depth int) *treeNode {
	node := &treeNode{Feature: -1, NSamples: len(idx)}
	var pos float64
	for _, i := range idx {
		if y[i] == 1 {
			pos++
		}
	}
	node.Value = pos / float64(len(idx))

	if depth >= t.MaxDepth || len(idx) < t.MinSamplesSplit || node.Value == 0 || node.Value == 1 {
		return node
	}

	nFeatures := len(X[0])
	candidates := t.candidateFeatures(nFeatures)

	bestGain := 0.0
	bestFeature := -1
	bestThresh := 0.0
	parent := gini(y, idx)

	for _, f := range candidates {
		vals := make([]float64, len(idx))
		for k, i := range idx {
			vals[k] = X[i][f]
		}
		sort.Float64s(vals)
		for k := 1; k < len(vals); k++ {
			if vals[k] == vals[k-1] {
				continue
			}
			thresh := (vals[k] + vals[k-1]) / 2
			var left, right []int
			for _, i := range idx {
				if X[i][f] <= thresh {
					left = append(left, i)
				} else {
					right = append(right, i)
				}
			}
			if len(left) == 0 || len(right) == 0 {
				continue
			}
			wl := float64(len(left)) / float64(len(idx))
			gain := parent - wl*gini(y, left) - (1-wl)*gini(y, right)
			if gain > bestGain {
				bestGain, bestFeature, bestThresh = gain, f, thresh
			}
		}
	}

	if bestFeature < 0 {
		return node
	}

	var left, right []int
	for _, i := range idx {
		if X[i][bestFeature] <= bestThresh {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	node.Feature = bestFeature
	node.Thresh = bestThresh
	node.Left = t.build(X, y, left, depth+1)
	node.Right = t.build(X, y, right, depth+1)
	return node
}

func (t *decisionTree) candidateFeatures(n int) []int {
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	if t.MaxFeatures <= 0 || t.MaxFeatures >= n || t.rng == nil {
		return all
	}
	t.rng.Shuffle(n, func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:t.MaxFeatures]
}

// proba walks one row to its leaf and returns the positive fraction there.
func (t *decisionTree) proba(row []float64) float64 {
	n := t.Root
	for n != nil && !n.leaf() {
		if row[n.Feature] <= n.Thresh {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	if n == nil {
		return 0
	}
	return n.Value
}

// path returns the decision path for one row as (feature, thresh, went-left)
// triples down to the leaf.
type PathStep struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	WentLeft  bool    `json:"went_left"`
	Value     float64 `json:"value"`
}

func (t *decisionTree) path(row []float64) []PathStep {
	var steps []PathStep
	n := t.Root
	for n != nil && !n.leaf() {
		left := row[n.Feature] <= n.Thresh
		steps = append(steps, PathStep{Feature: n.Feature, Threshold: n.Thresh, WentLeft: left, Value: n.Value})
		if left {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	if n != nil {
		steps = append(steps, PathStep{Feature: -1, Value: n.Value})
	}
	return steps
}

// importances accumulates split-count importance per feature.
func (t *decisionTree) importances(n int) []float64 {
	out := make([]float64, n)
	var walk func(node *treeNode)
	walk = func(node *treeNode) {
		if node == nil || node.leaf() {
			return
		}
		out[node.Feature] += float64(node.NSamples)
		walk(node.Left)
		walk(node.Right)
	}
	walk(t.Root)
	return out
}
