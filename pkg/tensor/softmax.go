package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

// SoftmaxLastDim normalizes t along its last axis with the numerically
// stable formulation (per-row maximum subtracted before exponentiating).
//
// Rows whose every entry is -Inf have no finite maximum to normalize
// against; such rows come out all-zero rather than NaN, and the number of
// them is returned so callers can surface the condition. A NaN anywhere in
// the input is an error: it would otherwise poison the row silently.
func SoftmaxLastDim(t *Tensor) (*Tensor, int, error) {
	if t.Rank() < 1 {
		return nil, 0, fmt.Errorf("softmax needs at least rank 1, got rank %d", t.Rank())
	}

	out := New(t.Shape...)
	width := t.Shape[t.Rank()-1]
	if width == 0 || len(t.Data) == 0 {
		return out, 0, nil
	}

	deadRows := 0
	for start := 0; start < len(t.Data); start += width {
		row := t.Data[start : start+width]
		dst := out.Data[start : start+width]

		maxVal := math32.Inf(-1)
		for _, v := range row {
			if math32.IsNaN(v) {
				return nil, deadRows, fmt.Errorf("NaN in softmax input at row offset %d", start)
			}
			if v > maxVal {
				maxVal = v
			}
		}
		if math32.IsInf(maxVal, -1) {
			// Fully masked row: leave the zero fill in place.
			deadRows++
			continue
		}

		var sum float32
		for i, v := range row {
			e := math32.Exp(v - maxVal)
			dst[i] = e
			sum += e
		}
		for i := range dst {
			dst[i] /= sum
		}
	}
	return out, deadRows, nil
}
