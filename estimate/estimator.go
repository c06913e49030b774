package estimate

import (
	"fmt"
	"math"
	"sort"

	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/matrix"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Kind is a kind of particle filter estimator
type Kind string

const (
	// WeightedMeanKind estimates state as particle weighted mean
	WeightedMeanKind Kind = "weighted_mean"
	// MAPKind estimates state as the particle with the largest weight
	MAPKind Kind = "MAP"
	// RobustMeanKind estimates state as weighted mean of the heaviest particles
	RobustMeanKind Kind = "robust_mean"
)

// New returns a new estimator of the given kind.
// k is the number of particles averaged by RobustMean; it's ignored by other estimators.
// It returns error if kind is unknown or if k is non-positive for RobustMean.
func New(kind Kind, k int) (pftrack.Estimator, error) {
	switch kind {
	case WeightedMeanKind:
		return WeightedMean{}, nil
	case MAPKind:
		return MAP{}, nil
	case RobustMeanKind:
		if k <= 0 {
			return nil, fmt.Errorf("invalid robust mean particle count: %d", k)
		}
		return RobustMean{K: k}, nil
	}

	return nil, fmt.Errorf("unknown estimator: %q", kind)
}

// WeightedMean estimates state as the weighted mean of particles.
type WeightedMean struct{}

// Estimate returns the weighted mean of particles x with weights w and their weighted covariance.
// Weights are expected to sum up to 1.
func (WeightedMean) Estimate(x mat.Matrix, w []float64) (pftrack.Estimate, error) {
	if err := checkDims(x, w); err != nil {
		return nil, err
	}

	mean := matrix.WeightedRowSums(x, w)

	return NewBaseWithCov(mean, weightedCov(x, w, mean))
}

// MAP estimates state as the maximum a posteriori particle.
type MAP struct{}

// Estimate returns the particle with the largest weight.
// If several particles share the largest weight the first one is returned.
func (MAP) Estimate(x mat.Matrix, w []float64) (pftrack.Estimate, error) {
	if err := checkDims(x, w); err != nil {
		return nil, err
	}

	idx := floats.MaxIdx(w)
	val := mat.NewVecDense(rowCount(x), mat.Col(nil, idx, x))

	return NewBase(val)
}

// RobustMean estimates state as the weighted mean of the K particles with the largest weights.
type RobustMean struct {
	// K is the number of the heaviest particles to average
	K int
}

// Estimate sorts particles by descending weight, renormalizes the weights of the first K
// and returns their weighted mean. Particles with equal weights keep their index order.
// If K is not smaller than the number of particles, Estimate equals WeightedMean.
func (r RobustMean) Estimate(x mat.Matrix, w []float64) (pftrack.Estimate, error) {
	if err := checkDims(x, w); err != nil {
		return nil, err
	}

	if r.K <= 0 {
		return nil, fmt.Errorf("invalid robust mean particle count: %d", r.K)
	}

	if r.K >= len(w) {
		return WeightedMean{}.Estimate(x, w)
	}

	order := make([]int, len(w))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return w[order[i]] > w[order[j]] })

	rows := rowCount(x)
	top := mat.NewDense(rows, r.K, nil)
	topW := make([]float64, r.K)
	for c := 0; c < r.K; c++ {
		top.SetCol(c, mat.Col(nil, order[c], x))
		topW[c] = w[order[c]]
	}

	sum := floats.Sum(topW)
	if sum <= 0 || math.IsNaN(sum) {
		return nil, fmt.Errorf("invalid robust mean weight sum: %v", sum)
	}
	floats.Scale(1/sum, topW)

	mean := matrix.WeightedRowSums(top, topW)

	return NewBaseWithCov(mean, weightedCov(top, topW, mean))
}

// weightedCov returns weighted covariance of column vectors in x around mean.
func weightedCov(x mat.Matrix, w []float64, mean mat.Vector) *mat.SymDense {
	rows := mean.Len()
	cov := mat.NewSymDense(rows, nil)
	diff := mat.NewVecDense(rows, nil)
	col := make([]float64, rows)

	for c := range w {
		mat.Col(col, c, x)
		diff.SubVec(mat.NewVecDense(rows, col), mean)
		cov.SymRankOne(cov, w[c], diff)
	}

	return cov
}

func checkDims(x mat.Matrix, w []float64) error {
	if x == nil {
		return fmt.Errorf("invalid particles: %v", x)
	}

	rows, cols := x.Dims()
	if rows == 0 || cols == 0 || cols != len(w) {
		return fmt.Errorf("invalid dimensions. Particles: %d x %d, Weights: %d", rows, cols, len(w))
	}

	return nil
}

func rowCount(x mat.Matrix) int {
	rows, _ := x.Dims()
	return rows
}
