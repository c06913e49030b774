package particle

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	pftrack "github.com/milosgajdos/go-pftrack"
	"github.com/milosgajdos/go-pftrack/estimate"
	"github.com/milosgajdos/go-pftrack/model"
	"github.com/milosgajdos/go-pftrack/resample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// scripted is a model which keeps particles in place and returns scripted likelihoods
type scripted struct {
	x    *mat.Dense
	lik  [][]float64
	aux  []float64
	pred *mat.Dense
	next int
}

func newScripted(d, n int, lik ...[]float64) *scripted {
	x := mat.NewDense(d, n, nil)
	for c := 0; c < n; c++ {
		for r := 0; r < d; r++ {
			x.Set(r, c, float64(c))
		}
	}

	return &scripted{x: x, lik: lik}
}

func (s *scripted) Init(n int) (*mat.Dense, error) {
	return mat.DenseCopyOf(s.x), nil
}

func (s *scripted) Predict(x mat.Matrix) (*mat.Dense, *mat.Dense, error) {
	if s.pred != nil {
		return mat.DenseCopyOf(s.pred), mat.DenseCopyOf(s.pred), nil
	}

	return mat.DenseCopyOf(x), mat.DenseCopyOf(x), nil
}

func (s *scripted) Evaluate(x mat.Matrix) ([]float64, error) {
	if s.next >= len(s.lik) {
		return nil, pftrack.ErrEndOfStream
	}
	l := append([]float64(nil), s.lik[s.next]...)
	s.next++

	return l, nil
}

func (s *scripted) EvaluateAux(x mat.Matrix) ([]float64, error) {
	if s.aux != nil {
		return append([]float64(nil), s.aux...), nil
	}
	_, n := x.Dims()

	return ones(n), nil
}

// linear is scripted model with identity transition
type linear struct {
	*scripted
}

func (l linear) TransitionMatrix() mat.Matrix {
	d, _ := l.x.Dims()
	f := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		f.Set(i, i, 1)
	}

	return f
}

func ones(n int) []float64 {
	o := make([]float64, n)
	for i := range o {
		o[i] = 1
	}

	return o
}

func config(alg Algorithm, n int) Config {
	cfg := DefaultConfig()
	cfg.Algorithm = alg
	cfg.Particles = n
	cfg.Seed = 42

	return cfg
}

func newEngine(t *testing.T, cfg Config, m pftrack.Model) *Engine {
	e, err := New(cfg, m, WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)

	return e
}

func initState(t *testing.T, e *Engine) *State {
	s, err := e.Init()
	require.NoError(t, err)

	return s
}

func TestESS(t *testing.T) {
	assert := assert.New(t)

	assert.InDelta(4.0, ESS([]float64{0.25, 0.25, 0.25, 0.25}), 1e-12)
	assert.InDelta(1.0, ESS([]float64{1, 0, 0, 0}), 1e-12)
	assert.InDelta(2.0, ESS([]float64{0.5, 0.5, 0, 0}), 1e-12)
}

func TestAlphaGauss(t *testing.T) {
	assert := assert.New(t)

	assert.InDelta(math.Pow(4.0/(100*6.0), 1/8.0), AlphaGauss(4, 100), 1e-12)
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	for _, alg := range []Algorithm{SIS, SIR, GPF} {
		e, err := New(config(alg, 4), newScripted(4, 4))
		assert.NotNil(e, string(alg))
		assert.NoError(err, string(alg))
	}

	e, err := New(config(APF, 4), linear{newScripted(4, 4)})
	assert.NotNil(e)
	assert.NoError(err)

	// SIS ignores resampling method
	cfg := config(SIS, 4)
	cfg.Resample = ""
	e, err = New(cfg, newScripted(4, 4))
	assert.NotNil(e)
	assert.NoError(err)

	testCases := []struct {
		name string
		cfg  Config
		m    pftrack.Model
	}{
		{"unknown algorithm", config(Algorithm("KF"), 4), newScripted(4, 4)},
		{"no particles", config(SIR, 0), newScripted(4, 4)},
		{"missing model", config(SIR, 4), nil},
		{"APF without linear model", config(APF, 4), newScripted(4, 4)},
		{"APF with unsupported dimension", config(APF, 4), linear{newScripted(3, 4)}},
	}

	for _, tc := range testCases {
		e, err := New(tc.cfg, tc.m)
		assert.Nil(e, tc.name)
		assert.True(errors.Is(err, pftrack.ErrConfig), tc.name)
	}
}

func TestInit(t *testing.T) {
	assert := assert.New(t)

	e := newEngine(t, config(SIR, 4), newScripted(2, 4))
	s := initState(t, e)

	assert.NotEqual("", s.ID().String())
	assert.Equal(0, s.Cycle())
	assert.Equal([]float64{0.25, 0.25, 0.25, 0.25}, s.Weights())
	assert.True(mat.Equal(newScripted(2, 4).x, s.Particles()))

	// model returns wrong number of particles
	e = newEngine(t, config(SIR, 5), newScripted(2, 4))
	s, err := e.Init()
	assert.Nil(s)
	assert.True(errors.Is(err, pftrack.ErrModelContract))
}

func TestSISWeightUpdate(t *testing.T) {
	assert := assert.New(t)

	e := newEngine(t, config(SIS, 2), newScripted(1, 2, []float64{0.8, 0.2}))
	s := initState(t, e)

	next, est, err := e.Run(s)
	assert.NoError(err)
	assert.InDeltaSlice([]float64{0.8, 0.2}, next.Weights(), 1e-12)
	assert.Equal(1, next.Cycle())
	assert.InDelta(0.2, est.Val().AtVec(0), 1e-12)

	// input state is left intact
	assert.Equal([]float64{0.5, 0.5}, s.Weights())
	assert.Equal(0, s.Cycle())
}

func TestSISNeverResamples(t *testing.T) {
	assert := assert.New(t)

	lik := []float64{1, 2, 3, 4}
	e := newEngine(t, config(SIS, 4), newScripted(1, 4, lik, lik))
	s := initState(t, e)

	s, err := e.Track(context.Background(), s, nil)
	assert.NoError(err)
	assert.Equal(2, s.Cycle())
	assert.InDeltaSlice([]float64{1.0 / 30, 4.0 / 30, 9.0 / 30, 16.0 / 30}, s.Weights(), 1e-12)
}

func TestGPFBoundary(t *testing.T) {
	assert := assert.New(t)

	// N = 4 and 50% gives threshold 2
	m := newScripted(1, 4, []float64{0.5, 0.5, 0, 0}, []float64{0.6, 0.4, 0, 0})
	e := newEngine(t, config(GPF, 4), m)
	assert.Equal(2.0, e.Config().Threshold())

	s := initState(t, e)

	// ESS == 2 is not below the threshold
	s, _, err := e.Run(s)
	assert.NoError(err)
	assert.InDelta(2.0, s.ESS(), 1e-12)
	assert.InDeltaSlice([]float64{0.5, 0.5, 0, 0}, s.Weights(), 1e-12)
	assert.True(mat.Equal(m.x, s.Particles()))

	// weights [0.6, 0.4, 0, 0] give ESS ~ 1.92
	s, est, err := e.Run(s)
	assert.NoError(err)
	assert.InDeltaSlice([]float64{0.25, 0.25, 0.25, 0.25}, s.Weights(), 1e-12)

	// estimate is computed before resampling
	assert.InDelta(0.4, est.Val().AtVec(0), 1e-12)

	// zero weight particles are never drawn
	x := s.Particles()
	for c := 0; c < 4; c++ {
		assert.Contains([]float64{0, 1}, x.At(0, c))
	}
}

func TestSIR(t *testing.T) {
	assert := assert.New(t)

	for _, method := range []resample.Method{
		resample.MultinomialMethod,
		resample.SystematicMethod,
		resample.StratifiedMethod,
		resample.ResidualMethod,
	} {
		cfg := config(SIR, 4)
		cfg.Resample = method

		e := newEngine(t, cfg, newScripted(1, 4, []float64{0, 0.3, 0, 0.7}))
		s := initState(t, e)

		s, _, err := e.Run(s)
		assert.NoError(err, string(method))
		assert.InDeltaSlice([]float64{0.25, 0.25, 0.25, 0.25}, s.Weights(), 1e-12, string(method))

		x := s.Particles()
		for c := 0; c < 4; c++ {
			assert.Contains([]float64{1, 3}, x.At(0, c), string(method))
		}
	}
}

func TestRegularize(t *testing.T) {
	assert := assert.New(t)

	cfg := config(SIR, 50)
	cfg.Regularize = true
	cfg.Alpha = 0.5

	lik := make([]float64, 50)
	lik[10], lik[20] = 0.5, 0.5

	e := newEngine(t, cfg, newScripted(2, 50, lik))
	s := initState(t, e)

	s, _, err := e.Run(s)
	assert.NoError(err)
	assert.InDelta(1.0, floats.Sum(s.Weights()), 1e-12)

	// resampled particles are perturbed away from the picked ones
	x := s.Particles()
	perturbed := false
	for c := 0; c < 50; c++ {
		if v := x.At(0, c); v != 10 && v != 20 {
			perturbed = true
		}
	}
	assert.True(perturbed)
}

func TestDegenerateWeights(t *testing.T) {
	assert := assert.New(t)

	for _, alg := range []Algorithm{SIS, SIR, GPF} {
		e := newEngine(t, config(alg, 3), newScripted(1, 3, []float64{0, 0, 0}))
		s := initState(t, e)

		next, est, err := e.Run(s)
		assert.Nil(next, string(alg))
		assert.Nil(est, string(alg))
		assert.True(errors.Is(err, pftrack.ErrDegenerateWeights), string(alg))
		assert.False(errors.Is(err, pftrack.ErrEndOfStream), string(alg))
	}

	e := newEngine(t, config(APF, 4), linear{newScripted(4, 4, []float64{0, 0, 0, 0})})
	s := initState(t, e)
	_, _, err := e.Run(s)
	assert.True(errors.Is(err, pftrack.ErrDegenerateWeights))
}

func TestModelContract(t *testing.T) {
	assert := assert.New(t)

	testCases := []struct {
		name string
		lik  []float64
	}{
		{"short likelihoods", []float64{0.5, 0.5}},
		{"negative likelihood", []float64{0.5, -0.5, 1}},
		{"NaN likelihood", []float64{0.5, math.NaN(), 1}},
	}

	for _, tc := range testCases {
		e := newEngine(t, config(GPF, 3), newScripted(1, 3, tc.lik))
		s := initState(t, e)

		_, _, err := e.Run(s)
		assert.True(errors.Is(err, pftrack.ErrModelContract), tc.name)
	}

	// prediction of invalid shape
	m := newScripted(2, 3, ones(3))
	m.pred = mat.NewDense(3, 3, nil)
	e := newEngine(t, config(SIR, 3), m)
	s := initState(t, e)

	_, _, err := e.Run(s)
	assert.True(errors.Is(err, pftrack.ErrModelContract))
}

func TestRunInvalidState(t *testing.T) {
	assert := assert.New(t)

	e := newEngine(t, config(SIR, 3), newScripted(1, 3, ones(3)))

	_, _, err := e.Run(nil)
	assert.Error(err)

	s := &State{x: mat.NewDense(1, 2, nil), w: []float64{0.5, 0.5}}
	_, _, err = e.Run(s)
	assert.Error(err)
}

func TestTrack(t *testing.T) {
	assert := assert.New(t)

	m := newScripted(1, 4, []float64{1, 2, 3, 4}, []float64{4, 3, 2, 1}, []float64{1, 1, 1, 1})
	e := newEngine(t, config(GPF, 4), m)
	s := initState(t, e)

	calls := 0
	last, err := e.Track(context.Background(), s, func(s *State, est pftrack.Estimate) error {
		calls++
		assert.Equal(calls, s.Cycle())
		assert.InDelta(1.0, floats.Sum(s.Weights()), 1e-12)
		assert.NotNil(est)
		return nil
	})

	// end of stream is not an error
	assert.NoError(err)
	assert.Equal(3, calls)
	assert.Equal(3, last.Cycle())
	assert.Equal(s.ID(), last.ID())
}

func TestTrackStops(t *testing.T) {
	assert := assert.New(t)

	// callback error
	e := newEngine(t, config(SIR, 2), newScripted(1, 2, ones(2), ones(2)))
	s := initState(t, e)

	stop := errors.New("stop")
	last, err := e.Track(context.Background(), s, func(*State, pftrack.Estimate) error { return stop })
	assert.True(errors.Is(err, stop))
	assert.Equal(1, last.Cycle())

	// cancelled context
	e = newEngine(t, config(SIR, 2), newScripted(1, 2, ones(2), ones(2)))
	s = initState(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	last, err = e.Track(ctx, s, nil)
	assert.True(errors.Is(err, context.Canceled))
	assert.Equal(0, last.Cycle())

	// cycle error
	e = newEngine(t, config(SIR, 2), newScripted(1, 2, []float64{0, 0}))
	s = initState(t, e)
	_, err = e.Track(context.Background(), s, nil)
	assert.True(errors.Is(err, pftrack.ErrDegenerateWeights))
}

func TestAPF(t *testing.T) {
	assert := assert.New(t)

	m := linear{newScripted(4, 5, ones(5), ones(5))}
	m.aux = []float64{1, 2, 3, 4, 5}
	e := newEngine(t, config(APF, 5), m)
	s := initState(t, e)

	s, est, err := e.Run(s)
	assert.NoError(err)
	assert.NotNil(s.aux)
	assert.NotNil(est)
	assert.InDelta(1.0, floats.Sum(s.Weights()), 1e-12)

	// second stage weights follow the auxiliary likelihoods of the resampled particles
	x := s.Particles()
	w := s.Weights()
	for c := 0; c < 5; c++ {
		assert.InDelta(float64(c+1)/15, w[c], 1e-12)
		assert.Contains([]float64{0, 1, 2, 3, 4}, x.At(0, c))
	}

	prev := s.aux.State()
	next, _, err := e.Run(s)
	assert.NoError(err)

	// auxiliary predictor is carried over and the previous state is left intact
	assert.True(mat.Equal(prev, s.aux.State()))
	assert.NotNil(next.aux)

	_, _, err = e.Run(next)
	assert.True(errors.Is(err, pftrack.ErrEndOfStream))
}

// fixed is resampler which always returns the same indices
type fixed []int

func (f fixed) Resample(w []float64) ([]int, error) {
	return append([]int(nil), f...), nil
}

func TestAPFWeights(t *testing.T) {
	assert := assert.New(t)

	// second stage weights divide by the first stage likelihood of the resampled parent
	l1 := []float64{1, 2, 4, 8, 16}
	m := linear{newScripted(4, 5, l1)}
	e := newEngine(t, config(APF, 5), m)
	s := initState(t, e)

	s, _, err := e.Run(s)
	assert.NoError(err)

	x := s.Particles()
	want := make([]float64, 5)
	for c := range want {
		// particle values are the indices of their parents
		idx := int(x.At(0, c))
		want[c] = 1 / l1[idx]
	}
	floats.Scale(1/floats.Sum(want), want)
	assert.InDeltaSlice(want, s.Weights(), 1e-12)

	// parents with zero first stage weight get weight N
	m = linear{newScripted(4, 5, []float64{0, 1, 2, 4, 8})}
	e = newEngine(t, config(APF, 5), m)
	e.resampler = fixed{0, 1, 2, 3, 4}
	s = initState(t, e)

	s, _, err = e.Run(s)
	assert.NoError(err)

	w := s.Weights()
	assert.InDelta(5.0, w[0]/w[1], 1e-12)
	assert.InDelta(w[1], w[2]*2, 1e-12)
	assert.InDelta(w[1], w[3]*4, 1e-12)
	assert.InDelta(w[1], w[4]*8, 1e-12)
	assert.InDelta(1.0, floats.Sum(w), 1e-12)
}

func TestEstimators(t *testing.T) {
	assert := assert.New(t)

	lik := []float64{0.4, 0.3, 0.2, 0.1}
	want := map[estimate.Kind]float64{
		estimate.WeightedMeanKind: 0.3*1 + 0.2*2 + 0.1*3,
		estimate.MAPKind:          0,
		estimate.RobustMeanKind:   3.0 / 7.0,
	}

	for kind, val := range want {
		cfg := config(SIS, 4)
		cfg.Estimator = kind
		cfg.RobustPercent = 50

		e := newEngine(t, cfg, newScripted(1, 4, lik))
		s := initState(t, e)

		_, est, err := e.Run(s)
		assert.NoError(err, string(kind))
		assert.InDelta(val, est.Val().AtVec(0), 1e-12, string(kind))
	}
}

func tracker(t *testing.T, kind model.Kind, steps int) pftrack.LinearModel {
	motion, err := model.NewMotion(kind, 11)
	require.NoError(t, err)

	d := motion.Dim()
	state := mat.NewVecDense(d, nil)
	state.SetVec(0, 100)
	state.SetVec(1, 100)
	state.SetVec(2, 2)
	state.SetVec(3, 1)

	cov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		cov.SetSym(i, i, 4)
	}
	if d > 4 {
		state.SetVec(4, 30)
	}

	h, err := model.Projection(d)
	require.NoError(t, err)
	ny, _ := h.Dims()

	obs := make([]mat.Vector, steps)
	for k := range obs {
		z := mat.NewVecDense(ny, nil)
		z.SetVec(0, 100+2*float64(k+1))
		z.SetVec(1, 100+float64(k+1))
		if ny > 2 {
			z.SetVec(2, 30)
		}
		obs[k] = z
	}

	measCov := mat.NewSymDense(ny, nil)
	for i := 0; i < ny; i++ {
		measCov.SetSym(i, i, 400)
	}

	tr, err := model.NewTracker(motion, model.NewInitCond(state, cov), model.NewSliceSource(obs), measCov, model.WithSeed(13))
	require.NoError(t, err)

	return tr
}

func TestTrackWithTracker(t *testing.T) {
	assert := assert.New(t)

	const steps = 10

	for _, alg := range []Algorithm{SIS, SIR, GPF, APF} {
		for _, kind := range []model.Kind{model.DynamicBBox, model.FiveVars, model.SixVars} {
			e := newEngine(t, config(alg, 200), tracker(t, kind, steps))
			s := initState(t, e)

			var last pftrack.Estimate
			s, err := e.Track(context.Background(), s, func(s *State, est pftrack.Estimate) error {
				assert.InDelta(1.0, floats.Sum(s.Weights()), 1e-9)
				last = est
				return nil
			})
			assert.NoError(err, "%s %s", alg, kind)
			assert.Equal(steps, s.Cycle(), "%s %s", alg, kind)

			if alg == SIS {
				continue
			}
			// ground truth position after the last step is (120, 110)
			assert.InDelta(120.0, last.Val().AtVec(0), 60, "%s %s", alg, kind)
			assert.InDelta(110.0, last.Val().AtVec(1), 60, "%s %s", alg, kind)
		}
	}
}

func TestConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	assert.NoError(cfg.Validate())
	assert.Equal(GPF, cfg.Algorithm)
	assert.Equal(100, cfg.Particles)
	assert.Equal(50.0, cfg.Threshold())
	assert.Equal(20, cfg.RobustCount())

	// halves are rounded to even
	cfg.Particles = 5
	assert.Equal(2.0, cfg.Threshold())
	cfg.Particles = 7
	assert.Equal(4.0, cfg.Threshold())
	cfg.Particles = 3
	assert.Equal(2.0, cfg.Threshold())

	invalid := []func(*Config){
		func(c *Config) { c.Algorithm = "PF" },
		func(c *Config) { c.Particles = -1 },
		func(c *Config) { c.Resample = "bogus" },
		func(c *Config) { c.ResamplePercent = 101 },
		func(c *Config) { c.ResamplePercent = -1 },
		func(c *Config) { c.RobustPercent = 200 },
		func(c *Config) { c.Estimator = "median" },
		func(c *Config) { c.Estimator = estimate.RobustMeanKind; c.RobustPercent = 0 },
		func(c *Config) { c.Alpha = math.NaN() },
	}

	for i, mod := range invalid {
		c := DefaultConfig()
		mod(&c)
		err := c.Validate()
		assert.True(errors.Is(err, pftrack.ErrConfig), "case %d", i)
	}
}

func TestLoadConfig(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "pf.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"algorithm": "SIR", "particles": 500, "resample": "residual"}`), 0o600))

	cfg, err := LoadConfig(jsonPath)
	assert.NoError(err)
	assert.Equal(SIR, cfg.Algorithm)
	assert.Equal(500, cfg.Particles)
	assert.Equal(resample.ResidualMethod, cfg.Resample)
	// omitted fields keep their defaults
	assert.Equal(estimate.WeightedMeanKind, cfg.Estimator)

	yamlPath := filepath.Join(dir, "pf.yaml")
	yamlData := "algorithm: APF\nparticles: 300\nestimator: robust_mean\nrobust_percent: 10\nregularize: true\n"
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlData), 0o600))

	cfg, err = LoadConfig(yamlPath)
	assert.NoError(err)
	assert.Equal(APF, cfg.Algorithm)
	assert.Equal(300, cfg.Particles)
	assert.Equal(30, cfg.RobustCount())
	assert.True(cfg.Regularize)

	badPath := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(badPath, []byte("algorithm: KF\n"), 0o600))
	cfg, err = LoadConfig(badPath)
	assert.Nil(cfg)
	assert.True(errors.Is(err, pftrack.ErrConfig))

	cfg, err = LoadConfig(filepath.Join(dir, "pf.toml"))
	assert.Nil(cfg)
	assert.True(errors.Is(err, pftrack.ErrConfig))

	cfg, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Nil(cfg)
	assert.Error(err)
}
