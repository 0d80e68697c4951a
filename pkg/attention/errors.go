package attention

import "errors"

// Sentinel errors for the attention core. All returned errors wrap one of
// these, so callers match with errors.Is.
var (
	// ErrConfig marks an invalid (dModel, numHeads, dropout) combination
	// detected at construction time.
	ErrConfig = errors.New("attention: invalid configuration")

	// ErrShapeMismatch marks any input tensor whose shape is incompatible
	// with the configuration or with another input. It is detected before
	// any heavy computation runs; no partial result is produced.
	ErrShapeMismatch = errors.New("attention: shape mismatch")

	// ErrNumericAnomaly marks rows of the score matrix that were entirely
	// masked out, or NaN values reaching the softmax. For fully masked rows
	// the output is still well defined (the weight row is all zeros) and is
	// returned alongside the error.
	ErrNumericAnomaly = errors.New("attention: numeric anomaly")
)
