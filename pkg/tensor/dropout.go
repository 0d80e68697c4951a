package tensor

import (
	"fmt"
	"math/rand"
	"time"
)

// dropoutRand is the package-level source for dropout randomness. Seed it
// with SetDropoutSeed for reproducible runs and tests.
var dropoutRand *rand.Rand

// SetDropoutSeed reseeds the dropout random source.
func SetDropoutSeed(seed int64) {
	dropoutRand = rand.New(rand.NewSource(seed))
}

func dropoutSource() *rand.Rand {
	if dropoutRand == nil {
		dropoutRand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return dropoutRand
}

// DropoutMask draws an inverted-dropout mask for the given shape: each entry
// is 0 with probability p and 1/(1-p) otherwise, so multiplying by the mask
// preserves the expected value of the input. The mask is drawn sequentially
// from the package source, which keeps runs reproducible under a fixed seed
// even when the mask is later applied from multiple goroutines.
func DropoutMask(p float32, shape ...int) *Tensor {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout probability %v outside [0, 1)", p))
	}
	mask := New(shape...)
	rng := dropoutSource()
	keep := 1 / (1 - p)
	for i := range mask.Data {
		if rng.Float32() >= p {
			mask.Data[i] = keep
		}
	}
	return mask
}

// Dropout zeroes entries of t with probability p during training, rescaling
// survivors by 1/(1-p). Outside training, or with p == 0, it is the
// identity (on a copy).
func (t *Tensor) Dropout(p float32, training bool) *Tensor {
	if !training || p == 0 {
		return t.Clone()
	}
	out := t.Clone()
	mask := DropoutMask(p, t.Shape...)
	if err := MulInPlace(out, mask); err != nil {
		panic(err)
	}
	return out
}
