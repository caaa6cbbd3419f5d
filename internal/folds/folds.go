// Package folds implements the stratified k-fold split of a labeled dataset into training and validation sets.
//
// Samples are stratified by their label rounded to the nearest integer, so every fold sees about the same
// distribution of affinities.
package folds

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/janpfeifer/gateaffinity/internal/generics"
	"github.com/pkg/errors"
)

// ErrStratumTooSmall is returned when some stratum has fewer samples than the number of folds, in which case
// it's not possible to place at least one of its samples in every validation set.
var ErrStratumTooSmall = errors.New("stratum has fewer samples than folds")

// Fold holds one train/validation partition of the sample indices. Both are sorted.
type Fold struct {
	Train, Validation []int
}

// Stratum returns the stratification key of a label: the label rounded to the nearest integer, with ties
// rounded to even (so 2.5 and 1.5 both go to 2).
func Stratum(label float32) int {
	return int(math.RoundToEven(float64(label)))
}

// Stratify splits the indices of labels into k folds. Each index shows up in exactly one validation set, and
// in the training set of all the other folds.
//
// Within each stratum indices are shuffled (using seed) and dealt to the folds in turns. The fold that receives
// the first sample of a stratum rotates, so that fold sizes differ by at most one.
//
// It returns an error wrapping ErrStratumTooSmall, listing every offending stratum, if any stratum has fewer
// than k samples.
func Stratify(labels []float32, k int, seed uint64) ([]Fold, error) {
	if k < 2 {
		return nil, errors.Errorf("number of folds must be at least 2, got %d", k)
	}
	if k > len(labels) {
		return nil, errors.Errorf("cannot split %d samples into %d folds", len(labels), k)
	}

	strata := make(map[int][]int)
	for idx, label := range labels {
		key := Stratum(label)
		strata[key] = append(strata[key], idx)
	}
	var tooSmall []string
	for key, members := range generics.SortedKeysAndValues(strata) {
		if len(members) < k {
			tooSmall = append(tooSmall, fmt.Sprintf("%d (%d samples)", key, len(members)))
		}
	}
	if len(tooSmall) > 0 {
		return nil, errors.Wrapf(ErrStratumTooSmall,
			"%d folds requested, but strata %s are too small: use fewer folds, or clip the extreme labels of "+
				"the index so the tail strata merge with their neighbors",
			k, strings.Join(tooSmall, ", "))
	}

	rng := rand.New(rand.NewPCG(seed, uint64(k)))
	validation := make([][]int, k)
	nextFold := 0
	for _, members := range generics.SortedKeysAndValues(strata) {
		members = slices.Clone(members)
		rng.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		for _, idx := range members {
			validation[nextFold] = append(validation[nextFold], idx)
			nextFold = (nextFold + 1) % k
		}
	}

	folds := make([]Fold, k)
	for foldIdx := range folds {
		val := validation[foldIdx]
		slices.Sort(val)
		train := make([]int, 0, len(labels)-len(val))
		inValidation := generics.SetWith(val...)
		for idx := range labels {
			if !inValidation.Has(idx) {
				train = append(train, idx)
			}
		}
		folds[foldIdx] = Fold{Train: train, Validation: val}
	}
	return folds, nil
}

// StrataCounts returns the number of samples per stratum.
func StrataCounts(labels []float32) map[int]int {
	counts := make(map[int]int)
	for _, label := range labels {
		counts[Stratum(label)]++
	}
	return counts
}
