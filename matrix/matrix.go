package matrix

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RowSums returns a slice containing m row sums.
// It panics if m is nil.
func RowSums(m *mat.Dense) []float64 {
	rows, _ := m.Dims()
	sum := make([]float64, rows)

	for i := 0; i < rows; i++ {
		sum[i] = floats.Sum(m.RawRowView(i))
	}

	return sum
}

// RowMeans returns a vector of m row means i.e. the mean of the column vectors stored in m.
// It panics if m is nil or has no columns.
func RowMeans(m *mat.Dense) *mat.VecDense {
	_, cols := m.Dims()
	if cols == 0 {
		panic(mat.ErrZeroLength)
	}

	mean := RowSums(m)
	floats.Scale(1/float64(cols), mean)

	return mat.NewVecDense(len(mean), mean)
}

// WeightedRowSums returns a vector of m row sums with every column c scaled by w[c]
// i.e. the weighted sum of the column vectors stored in m.
// It panics if the length of w is different from the number of columns of m.
func WeightedRowSums(m mat.Matrix, w []float64) *mat.VecDense {
	rows, cols := m.Dims()
	if len(w) != cols {
		panic(mat.ErrShape)
	}

	sum := mat.NewVecDense(rows, nil)
	wm := mat.NewVecDense(len(w), w)
	sum.MulVec(m, wm)

	return sum
}
