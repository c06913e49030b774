package pftrack

import "gonum.org/v1/gonum/mat"

// Model is a tracking model consumed by particle filters.
// Particle sets are stored as matrices with one particle per column.
type Model interface {
	// Init draws n initial particles
	Init(n int) (*mat.Dense, error)
	// Predict propagates particles to the next step. It returns the predicted
	// particles and their characterization: the prediction without process noise.
	Predict(x mat.Matrix) (pred *mat.Dense, char *mat.Dense, err error)
	// Evaluate returns likelihoods of particles x given the next observation.
	// It returns ErrEndOfStream when no more observations are available.
	Evaluate(x mat.Matrix) ([]float64, error)
	// EvaluateAux returns likelihoods of particles x given the current observation.
	EvaluateAux(x mat.Matrix) ([]float64, error)
}

// LinearModel is a Model whose particles are propagated by a linear transition.
type LinearModel interface {
	// Model is a tracking model
	Model
	// TransitionMatrix returns state transition matrix
	TransitionMatrix() mat.Matrix
}

// Resampler draws particle indices proportionally to particle weights
type Resampler interface {
	// Resample returns len(w) indices into w
	Resample(w []float64) ([]int, error)
}

// Estimator reduces a weighted particle set into a single estimate
type Estimator interface {
	// Estimate computes the estimate of particles x with weights w
	Estimate(x mat.Matrix, w []float64) (Estimate, error)
}

// InitCond is initial state condition
type InitCond interface {
	// State returns initial state
	State() mat.Vector
	// Cov returns initial state covariance
	Cov() mat.Symmetric
}

// Estimate is filter estimate
type Estimate interface {
	// Val returns estimate value
	Val() mat.Vector
	// Cov returns estimate covariance
	Cov() mat.Symmetric
}

// Noise is dynamical system noise
type Noise interface {
	// Mean returns noise mean
	Mean() []float64
	// Cov returns covariance matrix of the noise
	Cov() mat.Symmetric
	// Sample returns a sample of the noise
	Sample() mat.Vector
	// Reset resets the noise
	Reset() error
}
