package pftrack

import "errors"

var (
	// ErrConfig is returned when a filter is configured with invalid parameters
	ErrConfig = errors.New("invalid filter configuration")
	// ErrDegenerateWeights is returned when particle weights can't be normalized
	ErrDegenerateWeights = errors.New("degenerate particle weights")
	// ErrModelContract is returned when a model returns data of unexpected shape or value
	ErrModelContract = errors.New("model contract violation")
	// ErrEndOfStream is returned by models when no more observations are available.
	// It signals the end of a tracking run rather than a failure.
	ErrEndOfStream = errors.New("end of observation stream")
)
