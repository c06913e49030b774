package model

import (
	pftrack "github.com/milosgajdos/go-pftrack"
	"gonum.org/v1/gonum/mat"
)

// Source is a stream of observations
type Source interface {
	// Next returns next observation.
	// It returns pftrack.ErrEndOfStream when the stream is exhausted.
	Next() (mat.Vector, error)
}

// SliceSource streams observations stored in a slice
type SliceSource struct {
	obs []mat.Vector
	pos int
}

// NewSliceSource creates new SliceSource which streams obs in order
func NewSliceSource(obs []mat.Vector) *SliceSource {
	o := make([]mat.Vector, len(obs))
	copy(o, obs)

	return &SliceSource{obs: o}
}

// Next returns next observation
func (s *SliceSource) Next() (mat.Vector, error) {
	if s.pos >= len(s.obs) {
		return nil, pftrack.ErrEndOfStream
	}

	z := mat.VecDenseCopyOf(s.obs[s.pos])
	s.pos++

	return z, nil
}

// Len returns the number of observations left in the stream
func (s *SliceSource) Len() int {
	return len(s.obs) - s.pos
}
