package attention

import (
	"fmt"

	"github.com/chewxy/math32"

	"selattn/pkg/tensor"
)

// Forbid is the mask value that fully suppresses a query/key pair. Since
// masks are subtracted from the scores, +Inf drives the score to exactly
// -Inf, which softmax maps to zero weight.
var Forbid = math32.Inf(1)

// CausalMask returns a (seqQ, seqKV) mask forbidding each query position
// from attending to keys that come after it. The queries are aligned to the
// end of the key sequence, so with seqKV > seqQ the last query still sees
// every key (the usual incremental-decoding layout). With seqQ > seqKV the
// leading queries precede every key and get fully forbidden rows.
func CausalMask(seqQ, seqKV int) *tensor.Tensor {
	m := tensor.New(seqQ, seqKV)
	offset := seqKV - seqQ
	for i := 0; i < seqQ; i++ {
		for j := max(i+offset+1, 0); j < seqKV; j++ {
			m.Data[i*seqKV+j] = Forbid
		}
	}
	return m
}

// PaddingMask returns a (batch, 1, 1, seqKV) mask forbidding attention to
// key positions at or beyond each sequence's real length.
func PaddingMask(lengths []int, seqKV int) (*tensor.Tensor, error) {
	m := tensor.New(len(lengths), 1, 1, seqKV)
	for b, n := range lengths {
		if n < 0 || n > seqKV {
			return nil, fmt.Errorf("length %d for batch %d outside [0, %d]", n, b, seqKV)
		}
		for j := n; j < seqKV; j++ {
			m.Data[b*seqKV+j] = Forbid
		}
	}
	return m, nil
}
