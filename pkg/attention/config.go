// Package attention implements batched multi-head selective attention:
// scaled dot-product attention over learned query/key/value projections,
// with an additive mask that suppresses chosen query/key pairs.
//
// Masks use the subtractive convention: mask entries are subtracted from
// the scaled scores, so 0 allows a pair and +Inf (or any large positive
// value) forbids it. See the mask builders in this package.
package attention

import "fmt"

// Config holds the hyperparameters of a Selective attention module.
type Config struct {
	// DModel is the model (embedding) dimension of inputs and outputs.
	DModel int

	// NumHeads is the number of attention heads. DModel must be divisible
	// by NumHeads; each head works in DModel/NumHeads dimensions.
	NumHeads int

	// Dropout is the probability of zeroing an attention weight during
	// training. Ignored outside training mode.
	Dropout float32

	// Bias adds learned bias vectors to the four projections.
	Bias bool
}

// DefaultConfig returns a config with the conventional 0.1 dropout.
func DefaultConfig(dModel, numHeads int) Config {
	return Config{
		DModel:   dModel,
		NumHeads: numHeads,
		Dropout:  0.1,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.DModel <= 0 {
		return fmt.Errorf("%w: d_model must be positive, got %d", ErrConfig, c.DModel)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("%w: num_heads must be positive, got %d", ErrConfig, c.NumHeads)
	}
	if c.DModel%c.NumHeads != 0 {
		return fmt.Errorf("%w: d_model (%d) must be divisible by num_heads (%d)",
			ErrConfig, c.DModel, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout %v outside [0, 1)", ErrConfig, c.Dropout)
	}
	return nil
}

// HeadDim returns the per-head dimension d_k = DModel / NumHeads.
func (c Config) HeadDim() int {
	return c.DModel / c.NumHeads
}
