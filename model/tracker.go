package model

import (
	"errors"
	"fmt"
	"math"

	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/rand"
	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// widthIdx is the index of bounding box width in 5 and 6 variable states
const widthIdx = 4

// Projection returns the matrix which projects d-dimensional state onto the measured state:
// (x, y) for d = 4 and (x, y, w) for d = 5 and d = 6.
// It returns error if d is not supported.
func Projection(d int) (*mat.Dense, error) {
	switch d {
	case 4:
		h := mat.NewDense(2, d, nil)
		h.Set(0, 0, 1)
		h.Set(1, 1, 1)
		return h, nil
	case 5, 6:
		h := mat.NewDense(3, d, nil)
		h.Set(0, 0, 1)
		h.Set(1, 1, 1)
		h.Set(2, widthIdx, 1)
		return h, nil
	}

	return nil, fmt.Errorf("unsupported state dimension: %d", d)
}

// Bounds are image bounds particle positions are clipped into
type Bounds struct {
	// Width is image width in pixels
	Width float64
	// Height is image height in pixels
	Height float64
}

// Option configures Tracker
type Option func(*Tracker)

// WithBounds clips particle positions into [0, Width-1] x [0, Height-1] and rounds
// positions and bounding box width to whole pixels.
func WithBounds(b Bounds) Option {
	return func(t *Tracker) {
		t.bounds = &b
	}
}

// WithSeed seeds the source of initial particle draws.
func WithSeed(seed uint64) Option {
	return func(t *Tracker) {
		t.src = rand.NewSource(seed)
	}
}

// Tracker is a reference tracking model.
// It propagates particles with Motion and weighs them with Gaussian likelihood
// of the difference between projected particles and observations streamed from Source.
type Tracker struct {
	motion *Motion
	init   pftrack.InitCond
	source Source
	// h projects particles onto measurement space
	h *mat.Dense
	// errPDF is PDF of the measurement error
	errPDF *distmv.Normal
	bounds *Bounds
	src    rnd.Source
	// z is the last observation read from source
	z mat.Vector
}

// NewTracker creates new Tracker and returns it.
// It accepts the following parameters:
//   - m:      motion model
//   - init:   initial condition particles are drawn around
//   - source: stream of observations
//   - cov:    measurement error covariance
//
// It returns error if model dimensions are not supported or if the parameters have mismatched dimensions.
func NewTracker(m *Motion, init pftrack.InitCond, source Source, cov mat.Symmetric, opts ...Option) (*Tracker, error) {
	if m == nil || init == nil || source == nil || cov == nil {
		return nil, fmt.Errorf("invalid tracker parameters")
	}

	h, err := Projection(m.Dim())
	if err != nil {
		return nil, err
	}

	if init.State().Len() != m.Dim() || init.Cov().SymmetricDim() != m.Dim() {
		return nil, fmt.Errorf("invalid initial condition dimension: %d != %d", init.State().Len(), m.Dim())
	}

	ny, _ := h.Dims()
	if cov.SymmetricDim() != ny {
		return nil, fmt.Errorf("invalid measurement covariance dimension: %d != %d", cov.SymmetricDim(), ny)
	}

	errPDF, ok := distmv.NewNormal(make([]float64, ny), cov, nil)
	if !ok {
		return nil, fmt.Errorf("measurement covariance is not positive definite")
	}

	t := &Tracker{
		motion: m,
		init:   init,
		source: source,
		h:      h,
		errPDF: errPDF,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Init draws n particles from the Gaussian defined by the initial condition.
func (t *Tracker) Init(n int) (*mat.Dense, error) {
	x, err := rand.WithMeanCovN(t.init.State(), t.init.Cov(), n, t.src)
	if err != nil {
		return nil, fmt.Errorf("failed to draw initial particles: %v", err)
	}
	t.clip(x)

	return x, nil
}

// Predict propagates particles x with the motion model.
// Characterization is not clipped.
func (t *Tracker) Predict(x mat.Matrix) (pred, char *mat.Dense, err error) {
	pred, char, err = t.motion.Move(x)
	if err != nil {
		return nil, nil, err
	}
	t.clip(pred)

	return pred, char, nil
}

// Evaluate reads the next observation and returns likelihoods of particles x.
// It returns pftrack.ErrEndOfStream when the source is exhausted.
func (t *Tracker) Evaluate(x mat.Matrix) ([]float64, error) {
	z, err := t.source.Next()
	if err != nil {
		if errors.Is(err, pftrack.ErrEndOfStream) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read observation: %w", err)
	}

	ny, _ := t.h.Dims()
	if z.Len() != ny {
		return nil, fmt.Errorf("invalid observation dimension: %d != %d", z.Len(), ny)
	}
	t.z = z

	return t.likelihood(x)
}

// EvaluateAux returns likelihoods of particles x given the last observation read by Evaluate.
func (t *Tracker) EvaluateAux(x mat.Matrix) ([]float64, error) {
	if t.z == nil {
		return nil, fmt.Errorf("no observation available")
	}

	return t.likelihood(x)
}

// TransitionMatrix returns motion model transition matrix
func (t *Tracker) TransitionMatrix() mat.Matrix {
	return t.motion.TransitionMatrix()
}

// Observation returns the last observation or nil if no observation has been read yet.
func (t *Tracker) Observation() mat.Vector {
	if t.z == nil {
		return nil
	}

	return mat.VecDenseCopyOf(t.z)
}

func (t *Tracker) likelihood(x mat.Matrix) ([]float64, error) {
	rows, cols := x.Dims()
	if rows != t.motion.Dim() {
		return nil, fmt.Errorf("invalid particle dimension: %d != %d", rows, t.motion.Dim())
	}

	y := &mat.Dense{}
	y.Mul(t.h, x)

	ny, _ := y.Dims()
	inn := make([]float64, ny)
	l := make([]float64, cols)
	for c := range l {
		for r := range inn {
			inn[r] = t.z.AtVec(r) - y.At(r, c)
		}
		l[c] = math.Exp(t.errPDF.LogProb(inn))
	}

	return l, nil
}

func (t *Tracker) clip(x *mat.Dense) {
	if t.bounds == nil {
		return
	}

	rows, cols := x.Dims()
	for c := 0; c < cols; c++ {
		x.Set(0, c, math.Round(clamp(x.At(0, c), 0, t.bounds.Width-1)))
		x.Set(1, c, math.Round(clamp(x.At(1, c), 0, t.bounds.Height-1)))
		if rows > widthIdx {
			x.Set(widthIdx, c, math.Round(x.At(widthIdx, c)))
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
