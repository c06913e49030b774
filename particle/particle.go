// Package particle implements particle filter tracking engine.
// The engine runs one of SIS, SIR, generic (G_PF) or auxiliary (APF) particle filter
// algorithms over a tracking model, one cycle per observation.
package particle

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/particle/auxiliary"
	"gonum.org/v1/gonum/mat"
)

// State is particle filter run state.
// State values are never modified by the engine: every cycle returns a new State.
type State struct {
	// id identifies the run
	id uuid.UUID
	// cycle is the number of completed cycles
	cycle int
	// x stores particles as column vectors
	x *mat.Dense
	// w stores particle weights
	w []float64
	// aux is auxiliary predictor; APF only
	aux *auxiliary.Predictor
}

// ID returns run ID
func (s *State) ID() uuid.UUID {
	return s.id
}

// Cycle returns the number of completed cycles
func (s *State) Cycle() int {
	return s.cycle
}

// Particles returns filter particles stored in columns
func (s *State) Particles() *mat.Dense {
	return mat.DenseCopyOf(s.x)
}

// Weights returns particle weights
func (s *State) Weights() []float64 {
	w := make([]float64, len(s.w))
	copy(w, s.w)

	return w
}

// ESS returns effective sample size of the particle weights
func (s *State) ESS() float64 {
	return ESS(s.w)
}

func (s *State) clone() *State {
	c := &State{
		id:    s.id,
		cycle: s.cycle,
		x:     mat.DenseCopyOf(s.x),
		w:     s.Weights(),
	}

	if s.aux != nil {
		c.aux = s.aux.Clone()
	}

	return c
}

// ESS computes effective sample size of weights w: 1 / sum(w[i]^2).
func ESS(w []float64) float64 {
	sum := 0.0
	for i := range w {
		sum += w[i] * w[i]
	}

	return 1 / sum
}

// AlphaGauss computes optimal regularization parameter for Gaussian kernel
// for r-dimensional particles and c particles and returns it.
func AlphaGauss(r, c int) float64 {
	return math.Pow(4.0/(float64(c)*(float64(r)+2.0)), 1/(float64(r)+4.0))
}

// uniform returns n weights of 1/n
func uniform(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}

	return w
}

// normalize scales w so that it sums up to 1.
// It returns error if w sums up to zero or to a non-finite number.
func normalize(w []float64) error {
	sum := 0.0
	for i := range w {
		sum += w[i]
	}

	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return fmt.Errorf("%w: weights sum up to %v", pftrack.ErrDegenerateWeights, sum)
	}

	for i := range w {
		w[i] /= sum
	}

	return nil
}

// gather returns particles x stored in columns picked by indices
func gather(x *mat.Dense, indices []int) *mat.Dense {
	rows, _ := x.Dims()
	g := mat.NewDense(rows, len(indices), nil)

	// length of indices slice is the same as number of columns: number of particles
	for c := range indices {
		g.Slice(0, rows, c, c+1).(*mat.Dense).Copy(x.ColView(indices[c]))
	}

	return g
}

// checkParticles checks particles x have d rows and n columns
func checkParticles(x *mat.Dense, d, n int) error {
	if x == nil {
		return fmt.Errorf("%w: no particles returned", pftrack.ErrModelContract)
	}

	if rows, cols := x.Dims(); rows != d || cols != n {
		return fmt.Errorf("%w: invalid particle dimensions: [%d x %d], expected [%d x %d]",
			pftrack.ErrModelContract, rows, cols, d, n)
	}

	return nil
}

// checkLikelihoods checks l contains n non-negative numbers
func checkLikelihoods(l []float64, n int) error {
	if len(l) != n {
		return fmt.Errorf("%w: invalid number of likelihoods: %d, expected %d", pftrack.ErrModelContract, len(l), n)
	}

	for i := range l {
		if l[i] < 0 || math.IsNaN(l[i]) || math.IsInf(l[i], 0) {
			return fmt.Errorf("%w: invalid likelihood %d: %v", pftrack.ErrModelContract, i, l[i])
		}
	}

	return nil
}
