package rand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestWithCovN(t *testing.T) {
	assert := assert.New(t)

	data := []float64{1.0, 0.0, 0.0, 1.0}
	covTest := mat.NewSymDense(2, data)
	covR, _ := covTest.Dims()

	// n must be bigger than 1
	nTest := -3
	res, err := WithCovN(covTest, nTest, nil)
	assert.Error(err)
	assert.Nil(res)

	nTest = 1
	res, err = WithCovN(covTest, nTest, nil)
	assert.NoError(err)
	assert.NotNil(res)

	// 2 samples
	nTest = 2
	res, err = WithCovN(covTest, nTest, NewSource(1))
	assert.NoError(err)
	assert.NotNil(res)
	r, c := res.Dims()
	assert.Equal(r, covR)
	assert.Equal(c, nTest)
}

func TestWithCovNSeeded(t *testing.T) {
	assert := assert.New(t)

	cov := mat.NewSymDense(2, []float64{2.0, 0.5, 0.5, 1.0})

	a, err := WithCovN(cov, 5, NewSource(42))
	assert.NoError(err)
	b, err := WithCovN(cov, 5, NewSource(42))
	assert.NoError(err)

	assert.True(mat.Equal(a, b))
}

func TestWithMeanCovN(t *testing.T) {
	assert := assert.New(t)

	mean := mat.NewVecDense(2, []float64{10.0, -5.0})
	// zero covariance: every sample equals the mean
	cov := mat.NewSymDense(2, nil)

	res, err := WithMeanCovN(mean, cov, 3, NewSource(1))
	assert.NoError(err)
	assert.NotNil(res)

	_, c := res.Dims()
	for j := 0; j < c; j++ {
		assert.InDelta(10.0, res.At(0, j), 1e-9)
		assert.InDelta(-5.0, res.At(1, j), 1e-9)
	}

	// dimension mismatch
	res, err = WithMeanCovN(mat.NewVecDense(3, nil), cov, 3, nil)
	assert.Nil(res)
	assert.Error(err)
}

func TestCDF(t *testing.T) {
	assert := assert.New(t)

	cdf, err := CDF([]float64{0.1, 0.2, 0.3, 0.4})
	assert.NoError(err)
	assert.InDeltaSlice([]float64{0.1, 0.3, 0.6, 1.0}, cdf, 1e-12)
	assert.Equal(1.0, cdf[len(cdf)-1])

	for _, p := range [][]float64{
		nil,
		{},
		{0, 0, 0},
		{0.5, -0.1, 0.6},
	} {
		cdf, err := CDF(p)
		assert.Nil(cdf)
		assert.Error(err)
	}
}

func TestSearchCDF(t *testing.T) {
	assert := assert.New(t)

	cdf := []float64{0.1, 0.1, 0.6, 1.0}

	assert.Equal(0, SearchCDF(cdf, 0.0))
	// zero weight particle 1 is never selected
	assert.Equal(2, SearchCDF(cdf, 0.1))
	assert.Equal(3, SearchCDF(cdf, 0.99))
	// round-off beyond the last element is clamped
	assert.Equal(3, SearchCDF(cdf, 1.0))
}

func TestRouletteDrawN(t *testing.T) {
	assert := assert.New(t)

	// p can't be nil or empty
	indices, err := RouletteDrawN(nil, 10, nil)
	assert.Error(err)
	assert.Nil(indices)

	p := []float64{0.1, 0.7, 0.3, 0.4}
	n := 10
	indices, err = RouletteDrawN(p, n, NewSource(7))
	assert.NoError(err)
	assert.NotNil(indices)
	assert.Equal(n, len(indices))
	for _, i := range indices {
		assert.True(i >= 0 && i < len(p))
	}

	// zero weights are never drawn
	indices, err = RouletteDrawN([]float64{0, 1, 0}, 50, NewSource(7))
	assert.NoError(err)
	for _, i := range indices {
		assert.Equal(1, i)
	}
}

func TestNewLockedSource(t *testing.T) {
	assert := assert.New(t)

	a := NewLockedSource(42)
	b := NewSource(42)
	for i := 0; i < 10; i++ {
		assert.Equal(b.Uint64(), a.Uint64())
	}

	a.Seed(7)
	b.Seed(7)
	assert.Equal(b.Uint64(), a.Uint64())

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func() {
			for i := 0; i < 100; i++ {
				a.Uint64()
			}
			done <- struct{}{}
		}()
	}
	for g := 0; g < 4; g++ {
		<-done
	}
}
