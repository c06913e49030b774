package sim

import (
	"fmt"

	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/model"
	"github.com/milosgajdos/go-pftrack/noise"
	"gonum.org/v1/gonum/mat"
)

// Trajectory is a simulated path of a tracked object.
// Both truth and measurements are stored one step per row.
type Trajectory struct {
	// Truth stores true object states
	Truth *mat.Dense
	// Measurements stores noisy measurements of the projected states
	Measurements *mat.Dense
}

// NewTrajectory propagates state x0 with transition matrix f for the given number of steps
// and measures every propagated state through the projection of its dimension with measurement noise r.
// If r is nil the measurements are exact: zero noise is used.
// It returns error if the dimensions of the parameters don't match.
func NewTrajectory(f mat.Matrix, x0 mat.Vector, steps int, r pftrack.Noise) (*Trajectory, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("invalid number of steps: %d", steps)
	}

	d := x0.Len()
	if rows, cols := f.Dims(); rows != d || cols != d {
		return nil, fmt.Errorf("invalid transition matrix dimensions: [%d x %d]", rows, cols)
	}

	h, err := model.Projection(d)
	if err != nil {
		return nil, err
	}

	ny, _ := h.Dims()
	if r == nil {
		if r, err = noise.NewZero(ny); err != nil {
			return nil, err
		}
	}

	if r.Cov().SymmetricDim() != ny {
		return nil, fmt.Errorf("invalid measurement noise dimension: %d != %d", r.Cov().SymmetricDim(), ny)
	}

	truth := mat.NewDense(steps, d, nil)
	meas := mat.NewDense(steps, ny, nil)

	x := mat.VecDenseCopyOf(x0)
	z := mat.NewVecDense(ny, nil)
	for k := 0; k < steps; k++ {
		x.MulVec(f, mat.VecDenseCopyOf(x))
		truth.SetRow(k, x.RawVector().Data)

		z.MulVec(h, x)
		z.AddVec(z, r.Sample())
		meas.SetRow(k, z.RawVector().Data)
	}

	return &Trajectory{
		Truth:        truth,
		Measurements: meas,
	}, nil
}

// Observations returns trajectory measurements as a slice of vectors
func (t *Trajectory) Observations() []mat.Vector {
	rows, _ := t.Measurements.Dims()

	obs := make([]mat.Vector, rows)
	for k := range obs {
		obs[k] = mat.VecDenseCopyOf(t.Measurements.RowView(k))
	}

	return obs
}
