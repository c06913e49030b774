package model

import (
	"fmt"

	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/noise"
	"gonum.org/v1/gonum/mat"
)

// Kind is a motion model preset
type Kind string

const (
	// DynamicBBox tracks [x, y, vx, vy]; the bounding box width is not part of the state
	DynamicBBox Kind = "dynamic_bbox"
	// FiveVars tracks [x, y, vx, vy, w]
	FiveVars Kind = "5_variables"
	// SixVars tracks [x, y, vx, vy, w, vw]
	SixVars Kind = "6_variables"
)

// Motion is a discrete-time linear Gaussian motion model:
//
//	x[k] = F*x[k-1] + q
//
// where q is zero-mean Gaussian process noise.
type Motion struct {
	// f is state transition matrix
	f *mat.Dense
	// q is process noise
	q pftrack.Noise
}

// NewMotion returns motion model preset of the given kind.
// Process noise source is seeded with seed; zero seed seeds it with current time.
// It returns error if kind is not a known preset.
func NewMotion(kind Kind, seed uint64) (*Motion, error) {
	var f *mat.Dense
	var sigma []float64

	switch kind {
	case DynamicBBox:
		f = mat.NewDense(4, 4, []float64{
			1, 0, 1, 0,
			0, 1, 0, 1,
			0, 0, 1, 0,
			0, 0, 0, 1,
		})
		sigma = []float64{80, 80, 10, 10}
	case FiveVars:
		f = mat.NewDense(5, 5, []float64{
			1, 0, 1, 0, 0,
			0, 1, 0, 1, 0,
			0, 0, 1, 0, 0,
			0, 0, 0, 1, 0,
			0, 0, 0, 0, 1,
		})
		sigma = []float64{80, 80, 10, 10, 1}
	case SixVars:
		f = mat.NewDense(6, 6, []float64{
			1, 0, 1, 0, 0, 0,
			0, 1, 0, 1, 0, 0,
			0, 0, 1, 0, 0, 0,
			0, 0, 0, 1, 0, 0,
			0, 0, 0, 0, 1, 1,
			0, 0, 0, 0, 0, 1,
		})
		sigma = []float64{80, 80, 10, 10, 1, 0.01}
	default:
		return nil, fmt.Errorf("unknown motion model: %q", kind)
	}

	return NewLinearMotion(f, mat.NewDiagDense(len(sigma), sigma), seed)
}

// NewLinearMotion creates new motion model with transition matrix f and process noise covariance cov.
// It returns error if f is not square or if cov dimensions don't match f.
func NewLinearMotion(f mat.Matrix, cov mat.Symmetric, seed uint64) (*Motion, error) {
	rows, cols := f.Dims()
	if rows != cols || rows == 0 {
		return nil, fmt.Errorf("invalid transition matrix dimensions: [%d x %d]", rows, cols)
	}

	if cov.SymmetricDim() != rows {
		return nil, fmt.Errorf("invalid process noise dimension: %d != %d", cov.SymmetricDim(), rows)
	}

	q, err := noise.NewGaussianWithSeed(make([]float64, rows), cov, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create process noise: %v", err)
	}

	return &Motion{
		f: mat.DenseCopyOf(f),
		q: q,
	}, nil
}

// Dim returns state vector dimension
func (m *Motion) Dim() int {
	d, _ := m.f.Dims()

	return d
}

// TransitionMatrix returns state transition matrix
func (m *Motion) TransitionMatrix() mat.Matrix {
	return mat.DenseCopyOf(m.f)
}

// Noise returns process noise
func (m *Motion) Noise() pftrack.Noise {
	return m.q
}

// Move propagates particles x stored in columns to the next step.
// It returns the propagated particles and their characterization F*x.
// It returns error if particle dimension does not match the model.
func (m *Motion) Move(x mat.Matrix) (pred, char *mat.Dense, err error) {
	rows, cols := x.Dims()
	if rows != m.Dim() {
		return nil, nil, fmt.Errorf("invalid particle dimension: %d != %d", rows, m.Dim())
	}

	char = &mat.Dense{}
	char.Mul(m.f, x)

	pred = mat.DenseCopyOf(char)
	for c := 0; c < cols; c++ {
		q := m.q.Sample()
		for r := 0; r < rows; r++ {
			pred.Set(r, c, pred.At(r, c)+q.AtVec(r))
		}
	}

	return pred, char, nil
}
