// Package resample implements particle filter resampling schemes.
// Every scheme maps a vector of N particle weights into N particle indices
// drawn proportionally to the weights. Particles with zero weight are never drawn.
package resample

import (
	"fmt"
	"math"

	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/rand"
	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Method is resampling method
type Method string

const (
	// MultinomialMethod draws N independent samples from the weights
	MultinomialMethod Method = "multinomial"
	// SystematicMethod samples N evenly spaced points with a single random offset
	SystematicMethod Method = "systematic"
	// StratifiedMethod samples one random point in each of N evenly sized strata
	StratifiedMethod Method = "stratified"
	// ResidualMethod copies particles deterministically and samples the remainder
	ResidualMethod Method = "residual"
)

// New returns a new resampler which implements method m.
// src is a source of randomness; if src is nil the global x/exp/rand source is used.
// It returns error if m is not a known resampling method.
func New(m Method, src rnd.Source) (pftrack.Resampler, error) {
	switch m {
	case MultinomialMethod:
		return &Multinomial{src: src}, nil
	case SystematicMethod:
		return &Systematic{src: src}, nil
	case StratifiedMethod:
		return &Stratified{src: src}, nil
	case ResidualMethod:
		return &Residual{src: src}, nil
	}

	return nil, fmt.Errorf("unknown resampling method: %q", m)
}

// Multinomial is multinomial resampling
type Multinomial struct {
	src rnd.Source
}

// NewMultinomial creates new multinomial resampler
func NewMultinomial(src rnd.Source) *Multinomial {
	return &Multinomial{src: src}
}

// Resample draws len(w) independent samples from categorical distribution defined by w.
func (m *Multinomial) Resample(w []float64) ([]int, error) {
	return rand.RouletteDrawN(w, len(w), m.src)
}

// Systematic is systematic resampling
type Systematic struct {
	src rnd.Source
}

// NewSystematic creates new systematic resampler
func NewSystematic(src rnd.Source) *Systematic {
	return &Systematic{src: src}
}

// Resample draws a single offset r from [0, 1/N) and maps points r + i/N into weights w.
func (s *Systematic) Resample(w []float64) ([]int, error) {
	if len(w) == 0 {
		return nil, fmt.Errorf("invalid weights: %v", w)
	}

	u := distuv.Uniform{Min: 0, Max: 1 / float64(len(w)), Src: s.src}

	return SystematicIndices(w, u.Rand())
}

// SystematicIndices maps points r + i/N, i = 0..N-1 into weights w and returns the indices.
// It returns error if w is not a valid probability weight vector or r is outside [0, 1/N).
func SystematicIndices(w []float64, r float64) ([]int, error) {
	cdf, err := rand.CDF(w)
	if err != nil {
		return nil, err
	}

	n := float64(len(w))
	if r < 0 || r >= 1/n || math.IsNaN(r) {
		return nil, fmt.Errorf("invalid systematic offset: %v", r)
	}

	indices := make([]int, len(w))
	// points are increasing so the search can resume from the previous index
	j := 0
	for i := range indices {
		p := r + float64(i)/n
		for j < len(cdf)-1 && cdf[j] <= p {
			j++
		}
		indices[i] = j
	}

	return indices, nil
}

// Stratified is stratified resampling
type Stratified struct {
	src rnd.Source
}

// NewStratified creates new stratified resampler
func NewStratified(src rnd.Source) *Stratified {
	return &Stratified{src: src}
}

// Resample draws one point from each stratum [i/N, (i+1)/N) and maps it into weights w.
func (s *Stratified) Resample(w []float64) ([]int, error) {
	cdf, err := rand.CDF(w)
	if err != nil {
		return nil, err
	}

	n := float64(len(w))
	u := distuv.Uniform{Min: 0, Max: 1, Src: s.src}

	indices := make([]int, len(w))
	for i := range indices {
		p := (float64(i) + u.Rand()) / n
		indices[i] = rand.SearchCDF(cdf, p)
	}

	return indices, nil
}

// Residual is residual resampling
type Residual struct {
	src rnd.Source
}

// NewResidual creates new residual resampler
func NewResidual(src rnd.Source) *Residual {
	return &Residual{src: src}
}

// Resample replicates every particle i floor(N*w[i]) times and fills the remaining
// slots by multinomial sampling from the residual weights w[i] - floor(N*w[i])/N.
// Weights which don't sum up to 1 are normalized first.
func (r *Residual) Resample(w []float64) ([]int, error) {
	// validates w
	if _, err := rand.CDF(w); err != nil {
		return nil, err
	}

	n := len(w)
	indices := make([]int, 0, n)
	residual := make([]float64, n)

	// copies are counted from normalized weights
	sum := floats.Sum(w)

	for i := range w {
		nw := float64(n) * w[i] / sum
		copies := int(math.Floor(nw))
		for c := 0; c < copies && len(indices) < n; c++ {
			indices = append(indices, i)
		}
		residual[i] = nw - float64(copies)
	}

	if len(indices) == n {
		return indices, nil
	}

	// rand.CDF renormalizes the residuals and clamps the last CDF element to 1
	cdf, err := rand.CDF(residual)
	if err != nil {
		return nil, fmt.Errorf("invalid residual weights: %v", err)
	}

	u := distuv.Uniform{Min: 0, Max: 1, Src: r.src}
	for len(indices) < n {
		indices = append(indices, rand.SearchCDF(cdf, u.Rand()))
	}

	return indices, nil
}
