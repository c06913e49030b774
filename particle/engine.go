package particle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/estimate"
	"github.com/milosgajdos/go-pftrack/particle/auxiliary"
	"github.com/milosgajdos/go-pftrack/rand"
	"github.com/milosgajdos/go-pftrack/resample"
	"github.com/milosgajdos/matrix"
	"go.uber.org/zap"
	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Option configures Engine
type Option func(*Engine)

// WithLogger sets engine logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithSource sets the random source used for resampling, regularization and auxiliary characterization.
// It overrides the source seeded by Config.Seed.
func WithSource(src rnd.Source) Option {
	return func(e *Engine) {
		if src != nil {
			e.src = src
		}
	}
}

// Engine is particle filter engine
type Engine struct {
	cfg   Config
	model pftrack.Model
	// f is model transition matrix; APF only
	f         mat.Matrix
	resampler pftrack.Resampler
	estimator pftrack.Estimator
	src       rnd.Source
	log       *zap.SugaredLogger
}

// New creates new particle filter engine running model m with configuration cfg and returns it.
// It returns error wrapping pftrack.ErrConfig if cfg is invalid, if m is nil, or if APF is requested
// and m is not a pftrack.LinearModel with 4, 5 or 6 dimensional state.
func New(cfg Config, m pftrack.Model, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if m == nil {
		return nil, fmt.Errorf("%w: missing model", pftrack.ErrConfig)
	}

	e := &Engine{
		cfg:   cfg,
		model: m,
		src:   rand.NewLockedSource(cfg.Seed),
		log:   zap.NewNop().Sugar(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if cfg.Algorithm == APF {
		lm, ok := m.(pftrack.LinearModel)
		if !ok {
			return nil, fmt.Errorf("%w: APF requires a linear model", pftrack.ErrConfig)
		}

		f := lm.TransitionMatrix()
		rows, cols := f.Dims()
		if rows != cols || rows < 4 || rows > 6 {
			return nil, fmt.Errorf("%w: APF does not support transition matrix [%d x %d]", pftrack.ErrConfig, rows, cols)
		}
		e.f = mat.DenseCopyOf(f)
	}

	if cfg.Algorithm != SIS {
		r, err := resample.New(cfg.Resample, e.src)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", pftrack.ErrConfig, err)
		}
		e.resampler = r
	}

	est, err := estimate.New(cfg.Estimator, cfg.RobustCount())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pftrack.ErrConfig, err)
	}
	e.estimator = est

	return e, nil
}

// Config returns engine configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Init starts a new run: it draws initial particles from the model and sets their weights uniformly.
// It returns error if the model fails to draw the particles or returns particles of invalid shape.
func (e *Engine) Init() (*State, error) {
	x, err := e.model.Init(e.cfg.Particles)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize particles: %w", err)
	}

	d := 0
	if x != nil {
		d, _ = x.Dims()
	}
	if e.f != nil {
		d, _ = e.f.Dims()
	}

	if d == 0 {
		return nil, fmt.Errorf("%w: empty particle state", pftrack.ErrModelContract)
	}

	if err := checkParticles(x, d, e.cfg.Particles); err != nil {
		return nil, err
	}

	s := &State{
		id: uuid.New(),
		x:  mat.DenseCopyOf(x),
		w:  uniform(e.cfg.Particles),
	}

	e.log.Debugw("run initialized", "run", s.id.String(), "algorithm", string(e.cfg.Algorithm), "particles", e.cfg.Particles)

	return s, nil
}

// Run runs one filter cycle on state s and returns the new state and the cycle estimate.
// s is left intact. Run returns pftrack.ErrEndOfStream when the model has no more observations,
// error wrapping pftrack.ErrDegenerateWeights if the weights can't be normalized and
// error wrapping pftrack.ErrModelContract if the model returns data of invalid shape or value.
func (e *Engine) Run(s *State) (*State, pftrack.Estimate, error) {
	if s == nil || s.x == nil {
		return nil, nil, fmt.Errorf("invalid state: %v", s)
	}

	d, n := s.x.Dims()
	if n != e.cfg.Particles || len(s.w) != n {
		return nil, nil, fmt.Errorf("invalid state: %d particles, %d weights, expected %d", n, len(s.w), e.cfg.Particles)
	}

	next := s.clone()
	next.cycle++

	var est pftrack.Estimate
	var err error
	resampled := false

	switch e.cfg.Algorithm {
	case SIS:
		est, err = e.sis(next, d)
	case SIR:
		if est, err = e.sis(next, d); err == nil {
			err = e.resample(next)
			resampled = true
		}
	case GPF:
		if est, err = e.sis(next, d); err == nil && ESS(next.w) < e.cfg.Threshold() {
			err = e.resample(next)
			resampled = true
		}
	case APF:
		est, err = e.apf(next, d)
		resampled = true
	}

	if err != nil {
		return nil, nil, err
	}

	e.log.Debugw("cycle", "run", next.id.String(), "cycle", next.cycle,
		"algorithm", string(e.cfg.Algorithm), "ess", next.ESS(), "resampled", resampled)

	return next, est, nil
}

// Track runs filter cycles starting from state s until the model runs out of observations.
// fn, if not nil, is called with the new state and its estimate after every cycle; its error stops tracking.
// Track returns the last state. Running out of observations is not an error.
// It returns ctx.Err() if ctx is cancelled between cycles.
func (e *Engine) Track(ctx context.Context, s *State, fn func(*State, pftrack.Estimate) error) (*State, error) {
	for {
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		default:
		}

		next, est, err := e.Run(s)
		if err != nil {
			if errors.Is(err, pftrack.ErrEndOfStream) {
				e.log.Infow("end of observation stream", "run", s.id.String(), "cycles", s.cycle)
				return s, nil
			}
			return s, err
		}
		s = next

		if fn != nil {
			if err := fn(s, est); err != nil {
				return s, err
			}
		}
	}
}

// sis predicts particles, updates their weights with the model likelihoods and estimates the state.
func (e *Engine) sis(s *State, d int) (pftrack.Estimate, error) {
	n := len(s.w)

	pred, _, err := e.model.Predict(s.x)
	if err != nil {
		return nil, fmt.Errorf("failed to predict particles: %w", err)
	}
	if err := checkParticles(pred, d, n); err != nil {
		return nil, err
	}

	l, err := e.evaluate(e.model.Evaluate, pred, n)
	if err != nil {
		return nil, err
	}

	for i := range s.w {
		s.w[i] *= l[i]
	}

	if err := normalize(s.w); err != nil {
		return nil, err
	}
	s.x = pred

	return e.estimator.Estimate(s.x, s.w)
}

// apf runs the auxiliary particle filter cycle.
func (e *Engine) apf(s *State, d int) (pftrack.Estimate, error) {
	n := len(s.w)

	if s.aux == nil {
		aux, err := auxiliary.New(s.x, e.f, e.src)
		if err != nil {
			return nil, fmt.Errorf("failed to create auxiliary predictor: %v", err)
		}
		s.aux = aux
	}

	_, char, err := e.model.Predict(s.x)
	if err != nil {
		return nil, fmt.Errorf("failed to predict particles: %w", err)
	}
	if err := checkParticles(char, d, n); err != nil {
		return nil, err
	}

	u, err := s.aux.Characterize(char, n)
	if err != nil {
		return nil, fmt.Errorf("failed to characterize particles: %v", err)
	}

	// first stage weights
	l1, err := e.evaluate(e.model.Evaluate, u, n)
	if err != nil {
		return nil, err
	}

	w1 := make([]float64, n)
	for i := range w1 {
		w1[i] = s.w[i] * l1[i]
	}
	if err := normalize(w1); err != nil {
		return nil, err
	}

	indices, err := e.resampler.Resample(w1)
	if err != nil {
		return nil, fmt.Errorf("failed to resample particles: %v", err)
	}

	x := gather(s.x, indices)
	if e.cfg.Regularize {
		if err := e.regularize(x); err != nil {
			return nil, err
		}
	}

	pred, _, err := e.model.Predict(x)
	if err != nil {
		return nil, fmt.Errorf("failed to predict particles: %w", err)
	}
	if err := checkParticles(pred, d, n); err != nil {
		return nil, err
	}

	// second stage weights
	l2, err := e.evaluate(e.model.EvaluateAux, pred, n)
	if err != nil {
		return nil, err
	}

	for i, idx := range indices {
		if w1[idx] == 0 {
			s.w[i] = float64(n)
			continue
		}
		s.w[i] = l2[i] / l1[idx]
	}

	if err := normalize(s.w); err != nil {
		return nil, err
	}
	s.x = pred

	return e.estimator.Estimate(s.x, s.w)
}

// evaluate evaluates particles x with eval and checks the returned likelihoods.
func (e *Engine) evaluate(eval func(mat.Matrix) ([]float64, error), x *mat.Dense, n int) ([]float64, error) {
	l, err := eval(x)
	if err != nil {
		if errors.Is(err, pftrack.ErrEndOfStream) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to evaluate particles: %w", err)
	}

	if err := checkLikelihoods(l, n); err != nil {
		return nil, err
	}

	return l, nil
}

// resample replaces particles of s with particles drawn proportionally to their weights
// and resets the weights uniformly.
func (e *Engine) resample(s *State) error {
	indices, err := e.resampler.Resample(s.w)
	if err != nil {
		return fmt.Errorf("failed to resample particles: %v", err)
	}

	s.x = gather(s.x, indices)
	// we have resampled particles, therefore we must reinitialize their weights, too
	s.w = uniform(len(s.w))

	if e.cfg.Regularize {
		return e.regularize(s.x)
	}

	return nil
}

// regularize adds random perturbations drawn with particle covariance scaled by regularization alpha to particles x.
func (e *Engine) regularize(x *mat.Dense) error {
	rows, cols := x.Dims()

	cov, err := matrix.Cov(x, "cols")
	if err != nil {
		return fmt.Errorf("failed to calculate covariance matrix: %v", err)
	}

	m, err := rand.WithCovN(cov, cols, e.src)
	if err != nil {
		return fmt.Errorf("failed to draw random particle perturbations: %v", err)
	}

	// if invalid alpha is given, use the optimal value for Gaussian
	alpha := e.cfg.Alpha
	if alpha <= 0 {
		alpha = AlphaGauss(rows, cols)
	}

	m.Scale(alpha, m)
	x.Add(x, m)

	return nil
}
