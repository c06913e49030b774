package rand

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewSource returns a new random source seeded with seed.
// If seed is 0 the source is seeded with the current time.
func NewSource(seed uint64) rnd.Source {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return rnd.NewSource(seed)
}

// lockedSource is a random source safe for concurrent use
type lockedSource struct {
	mu  sync.Mutex
	src rnd.Source
}

// NewLockedSource returns a random source seeded with seed which is safe for concurrent use.
// If seed is 0 the source is seeded with the current time.
func NewLockedSource(seed uint64) rnd.Source {
	return &lockedSource{src: NewSource(seed)}
}

// Uint64 returns a pseudo-random 64-bit integer
func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.src.Uint64()
}

// Seed reseeds the source
func (s *lockedSource) Seed(seed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.src.Seed(seed)
}

// WithCovN draws n random samples from a zero-mean Normal (aka Gaussian) distribution with covariance cov.
// It returns matrix which contains the randomly generated samples stored in its columns.
// If src is nil the global x/exp/rand source is used.
// It fails with error if n is non-positive or if SVD factorization of cov fails.
func WithCovN(cov mat.Symmetric, n int, src rnd.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid number of samples requested: %d", n)
	}

	// Use SVD instead of Cholesky as Cholesky can be numerically unstable if cov is (almost) singular
	var svd mat.SVD
	ok := svd.Factorize(cov, mat.SVDFull)
	if !ok {
		return nil, fmt.Errorf("SVD factorization failed")
	}

	U := new(mat.Dense)
	svd.UTo(U)
	vals := svd.Values(nil)
	for i := range vals {
		vals[i] = math.Sqrt(vals[i])
	}
	diag := mat.NewDiagDense(len(vals), vals)
	U.Mul(U, diag)

	norm := rnd.NormFloat64
	if src != nil {
		norm = rnd.New(src).NormFloat64
	}

	rows := cov.SymmetricDim()
	data := make([]float64, rows*n)
	for i := range data {
		data[i] = norm()
	}
	samples := mat.NewDense(rows, n, data)
	samples.Mul(U, samples)

	return samples, nil
}

// WithMeanCovN draws n random samples from a Normal distribution with the given mean and covariance cov.
// The samples are stored in the columns of the returned matrix.
// It fails with error if mean and cov dimensions don't match or if WithCovN fails.
func WithMeanCovN(mean mat.Vector, cov mat.Symmetric, n int, src rnd.Source) (*mat.Dense, error) {
	if mean.Len() != cov.SymmetricDim() {
		return nil, fmt.Errorf("invalid mean dimension: %d != %d", mean.Len(), cov.SymmetricDim())
	}

	samples, err := WithCovN(cov, n, src)
	if err != nil {
		return nil, err
	}

	rows, cols := samples.Dims()
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			samples.Set(r, c, samples.At(r, c)+mean.AtVec(r))
		}
	}

	return samples, nil
}

// CDF returns the discrete cumulative distribution function of weights p.
// The CDF is scaled so that its last element is exactly 1.
// It fails with error if p is empty, contains negative or NaN values or sums up to zero.
func CDF(p []float64) ([]float64, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("invalid probability weights: %v", p)
	}

	for i := range p {
		if p[i] < 0 || math.IsNaN(p[i]) || math.IsInf(p[i], 0) {
			return nil, fmt.Errorf("invalid probability weight %d: %v", i, p[i])
		}
	}

	cdf := make([]float64, len(p))
	floats.CumSum(cdf, p)

	total := cdf[len(cdf)-1]
	if total <= 0 {
		return nil, fmt.Errorf("probability weights sum up to %v", total)
	}

	floats.Scale(1/total, cdf)
	cdf[len(cdf)-1] = 1.0

	return cdf, nil
}

// SearchCDF returns the smallest index i such that cdf[i] > val.
// The returned index is clamped to the last cdf index so that round-off never yields an invalid index.
func SearchCDF(cdf []float64, val float64) int {
	i := sort.Search(len(cdf), func(i int) bool { return cdf[i] > val })
	if i >= len(cdf) {
		i = len(cdf) - 1
	}

	return i
}

// RouletteDrawN draws n numbers randomly from a probability mass function (PMF) defined by weights in p.
// RouletteDrawN implements the Roulette Wheel Draw a.k.a. Fitness Proportionate Selection:
// - https://en.wikipedia.org/wiki/Fitness_proportionate_selection
// - http://www.keithschwarz.com/darts-dice-coins/
// It returns a slice of n indices into the vector p.
// It fails with error if p is empty, nil or does not define a valid PMF.
func RouletteDrawN(p []float64, n int, src rnd.Source) ([]int, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid number of draws: %d", n)
	}

	// Initialization: create the discrete CDF
	// We know that cdf is sorted in ascending order
	cdf, err := CDF(p)
	if err != nil {
		return nil, err
	}

	unit := distuv.Uniform{Min: 0, Max: 1, Src: src}

	// Generation:
	// 1. Generate a uniformly-random value x in the range [0,1)
	// 2. Using a binary search, find the index of the smallest element in cdf larger than x
	indices := make([]int, n)
	for i := range indices {
		indices[i] = SearchCDF(cdf, unit.Rand())
	}

	return indices, nil
}
