package kf

import (
	"fmt"

	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/estimate"
	"github.com/milosgajdos/go-pftrack/noise"
	"github.com/milosgajdos/matrix"
	"gonum.org/v1/gonum/mat"
)

// System is a linear, discrete-time system without control input:
//
//	x[n+1] = A*x[n]
//	y[n]   = C*x[n]
type System struct {
	// A is state propagation matrix
	A *mat.Dense
	// C is observation matrix
	C *mat.Dense
}

// SystemDims returns state vector length nx and output vector length ny.
func (s System) SystemDims() (nx, ny int) {
	nx, _ = s.A.Dims()
	ny, _ = s.C.Dims()

	return nx, ny
}

// KF is Kalman Filter
type KF struct {
	// m is KF system model
	m System
	// q is state noise a.k.a. process noise
	q pftrack.Noise
	// r is output noise a.k.a. measurement noise
	r pftrack.Noise
	// x is KF state estimate
	x *mat.VecDense
	// p is the KF covariance matrix
	p *mat.SymDense
	// inn is innovation vector
	inn *mat.VecDense
	// k is Kalman gain
	k *mat.Dense
}

// New creates new KF and returns it.
// It accepts the following parameters:
//   - m:      linear system model
//   - init:   initial condition of the filter
//   - q:      state noise a.k.a. process noise
//   - r:      output noise a.k.a. measurement noise
//
// It returns error if either of the following conditions is met:
//   - invalid model is given: model matrices must be non-empty and of matching dimensions
//   - invalid initial condition is given: its dimensions must match the model
//   - invalid state or output noise is given: noise covariance must either be nil or match the model dimensions
func New(m System, init pftrack.InitCond, q, r pftrack.Noise) (*KF, error) {
	if m.A == nil || m.C == nil {
		return nil, fmt.Errorf("invalid model: missing system matrices")
	}

	nx, ny := m.SystemDims()
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid model dimensions: [%d x %d]", nx, ny)
	}

	if rows, cols := m.A.Dims(); rows != cols {
		return nil, fmt.Errorf("invalid propagation matrix dimensions: [%d x %d]", rows, cols)
	}

	if rows, cols := m.C.Dims(); rows != ny || cols != nx {
		return nil, fmt.Errorf("invalid observation matrix dimensions: [%d x %d]", rows, cols)
	}

	if init == nil || init.State().Len() != nx || init.Cov().SymmetricDim() != nx {
		return nil, fmt.Errorf("invalid initial condition")
	}

	if q != nil {
		if q.Cov().SymmetricDim() != nx {
			return nil, fmt.Errorf("invalid state noise dimension: %d != %d", q.Cov().SymmetricDim(), nx)
		}
	} else {
		q, _ = noise.NewZero(nx)
	}

	if r != nil {
		if r.Cov().SymmetricDim() != ny {
			return nil, fmt.Errorf("invalid output noise dimension: %d != %d", r.Cov().SymmetricDim(), ny)
		}
	} else {
		r, _ = noise.NewZero(ny)
	}

	x := mat.VecDenseCopyOf(init.State())

	// initialize covariance matrix to initial condition covariance
	p := mat.NewSymDense(nx, nil)
	p.CopySym(init.Cov())

	return &KF{
		m:   System{A: mat.DenseCopyOf(m.A), C: mat.DenseCopyOf(m.C)},
		q:   q,
		r:   r,
		x:   x,
		p:   p,
		inn: mat.NewVecDense(ny, nil),
		k:   mat.NewDense(nx, ny, nil),
	}, nil
}

// Predict propagates KF state estimate and its covariance to the next step and returns the predicted estimate.
func (k *KF) Predict() (pftrack.Estimate, error) {
	x := &mat.VecDense{}
	x.MulVec(k.m.A, k.x)

	cov := &mat.Dense{}
	cov.Product(k.m.A, k.p, k.m.A.T())
	cov.Add(cov, k.q.Cov())

	k.x.CopyVec(x)
	setSym(k.p, cov)

	return estimate.NewBaseWithCov(k.x, k.p)
}

// Update corrects KF state estimate using the measurement z and returns the corrected estimate.
// It returns error if z has invalid dimension or if the innovation covariance can't be inverted.
func (k *KF) Update(z mat.Vector) (pftrack.Estimate, error) {
	nx, ny := k.m.SystemDims()

	if z == nil || z.Len() != ny {
		return nil, fmt.Errorf("invalid measurement supplied: %v", z)
	}

	pxy := mat.NewDense(nx, ny, nil)
	pyy := mat.NewDense(ny, ny, nil)

	// P*H'
	pxy.Mul(k.p, k.m.C.T())

	// Note: pxy = P * H' so we reuse the result here
	// H*P*H' + R
	pyy.Mul(k.m.C, pxy)
	pyy.Add(pyy, k.r.Cov())

	// calculate Kalman gain
	pyyInv := &mat.Dense{}
	if err := pyyInv.Inverse(pyy); err != nil {
		return nil, fmt.Errorf("failed to calculate Pyy inverse: %v", err)
	}
	gain := &mat.Dense{}
	gain.Mul(pxy, pyyInv)

	// innovation vector
	y := &mat.VecDense{}
	y.MulVec(k.m.C, k.x)
	inn := &mat.VecDense{}
	inn.SubVec(z, y)

	// update state x
	corr := &mat.VecDense{}
	corr.MulVec(gain, inn)
	k.x.AddVec(k.x, corr)

	// Joseph form update
	eye, err := matrix.NewDenseValIdentity(nx, 1.0)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity matrix: %v", err)
	}
	a := &mat.Dense{}
	// K*H
	a.Mul(gain, k.m.C)
	// eye - K*H
	a.Sub(eye, a)

	// K*R*K'
	pkrk := &mat.Dense{}
	pkrk.Product(gain, k.r.Cov(), gain.T())

	pCorr := &mat.Dense{}
	pCorr.Product(a, k.p, a.T())
	pCorr.Add(pCorr, pkrk)

	// update KF innovation vector
	k.inn.CopyVec(inn)
	k.k.Copy(gain)
	// update KF covariance matrix
	setSym(k.p, pCorr)

	return estimate.NewBaseWithCov(k.x, k.p)
}

// Run runs one step of KF for the measurement z: it predicts the next state and corrects it using z.
// It returns error if it fails to correct the predicted state.
func (k *KF) Run(z mat.Vector) (pftrack.Estimate, error) {
	if _, err := k.Predict(); err != nil {
		return nil, err
	}

	return k.Update(z)
}

// Model returns KF model
func (k *KF) Model() System {
	return System{A: mat.DenseCopyOf(k.m.A), C: mat.DenseCopyOf(k.m.C)}
}

// State returns KF state estimate
func (k *KF) State() mat.Vector {
	return mat.VecDenseCopyOf(k.x)
}

// Cov returns KF covariance
func (k *KF) Cov() mat.Symmetric {
	cov := mat.NewSymDense(k.p.SymmetricDim(), nil)
	cov.CopySym(k.p)

	return cov
}

// Gain returns Kalman gain
func (k *KF) Gain() mat.Matrix {
	gain := &mat.Dense{}
	gain.CloneFrom(k.k)

	return gain
}

// Clone returns a deep copy of the filter.
// Noise values are shared: filters only read their covariances.
func (k *KF) Clone() *KF {
	p := mat.NewSymDense(k.p.SymmetricDim(), nil)
	p.CopySym(k.p)

	return &KF{
		m:   k.Model(),
		q:   k.q,
		r:   k.r,
		x:   mat.VecDenseCopyOf(k.x),
		p:   p,
		inn: mat.VecDenseCopyOf(k.inn),
		k:   mat.DenseCopyOf(k.k),
	}
}

// setSym copies the upper triangle of m into symmetric matrix s
func setSym(s *mat.SymDense, m mat.Matrix) {
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, m.At(i, j))
		}
	}
}
