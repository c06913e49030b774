// Package auxiliary implements the Kalman filter based predictor the auxiliary particle filter
// uses to characterize the one step ahead particle distribution.
package auxiliary

import (
	"fmt"

	"github.com/milosgajdos/go-pftrack/kalman/kf"
	"github.com/milosgajdos/go-pftrack/matrix"
	"github.com/milosgajdos/go-pftrack/model"
	"github.com/milosgajdos/go-pftrack/noise"
	"github.com/milosgajdos/go-pftrack/rand"
	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Predictor characterizes the distribution of particles at the next step.
// It runs a Kalman filter over the full particle state whose measurements are
// the projected means of the noiseless particle predictions.
type Predictor struct {
	kf  *kf.KF
	h   *mat.Dense
	src rnd.Source
}

// New creates new Predictor initialized with the mean of particles x and returns it.
// f is the particle transition matrix. Kalman filter covariance, process noise and
// measurement noise are all set to identity.
// It returns error if particle dimension is not supported or does not match f.
func New(x *mat.Dense, f mat.Matrix, src rnd.Source) (*Predictor, error) {
	d, n := x.Dims()
	if n == 0 {
		return nil, fmt.Errorf("empty particle set")
	}

	if rows, cols := f.Dims(); rows != d || cols != d {
		return nil, fmt.Errorf("invalid transition matrix dimensions: [%d x %d]", rows, cols)
	}

	h, err := model.Projection(d)
	if err != nil {
		return nil, err
	}
	ny, _ := h.Dims()

	eye, err := identity(d)
	if err != nil {
		return nil, err
	}

	q, err := noise.NewGaussian(make([]float64, d), eye)
	if err != nil {
		return nil, fmt.Errorf("failed to create process noise: %v", err)
	}

	eyeY, err := identity(ny)
	if err != nil {
		return nil, err
	}

	r, err := noise.NewGaussian(make([]float64, ny), eyeY)
	if err != nil {
		return nil, fmt.Errorf("failed to create measurement noise: %v", err)
	}

	init := model.NewInitCond(matrix.RowMeans(x), eye)
	sys := kf.System{A: mat.DenseCopyOf(f), C: h}

	k, err := kf.New(sys, init, q, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kalman filter: %v", err)
	}

	return &Predictor{
		kf:  k,
		h:   h,
		src: src,
	}, nil
}

// Characterize runs one Kalman filter cycle measured with the projected mean of characterization char
// and returns n samples drawn from the corrected state estimate, one per column.
func (p *Predictor) Characterize(char *mat.Dense, n int) (*mat.Dense, error) {
	d := p.kf.State().Len()
	if rows, _ := char.Dims(); rows != d {
		return nil, fmt.Errorf("invalid characterization dimension: %d != %d", rows, d)
	}

	z := &mat.VecDense{}
	z.MulVec(p.h, matrix.RowMeans(char))

	est, err := p.kf.Run(z)
	if err != nil {
		return nil, fmt.Errorf("failed to run Kalman filter: %v", err)
	}

	return rand.WithMeanCovN(est.Val(), est.Cov(), n, p.src)
}

// State returns the Kalman filter state estimate
func (p *Predictor) State() mat.Vector {
	return p.kf.State()
}

// Cov returns the Kalman filter covariance
func (p *Predictor) Cov() mat.Symmetric {
	return p.kf.Cov()
}

// Clone returns a deep copy of the predictor sharing its random source.
func (p *Predictor) Clone() *Predictor {
	return &Predictor{
		kf:  p.kf.Clone(),
		h:   mat.DenseCopyOf(p.h),
		src: p.src,
	}
}

func identity(n int) (*mat.SymDense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid identity dimension: %d", n)
	}

	eye := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		eye.SetSym(i, i, 1.0)
	}

	return eye, nil
}
