package attention

import (
	"fmt"
	"runtime"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"

	"selattn/pkg/tensor"
)

// ScaledDotProduct computes masked scaled dot-product attention over
// per-head tensors:
//
//	q:    (batch, heads, seqQ, headDim)
//	k, v: (batch, heads, seqKV, headDim)
//	mask: optional, broadcastable to (batch, heads, seqQ, seqKV)
//
// Scores are q @ k^T / sqrt(headDim) with the mask subtracted, softmaxed
// over the key axis, dropout-regularized during training, then used to
// weight v. It returns the per-head output (batch, heads, seqQ, headDim)
// and the attention weights (batch, heads, seqQ, seqKV).
//
// Batch and head slices are independent, so the score and aggregation
// passes fan out across them.
//
// A query row whose every score was masked away gets an all-zero weight
// row; the output is still returned, together with an error wrapping
// ErrNumericAnomaly so the condition is not silent.
func ScaledDotProduct(q, k, v, mask *tensor.Tensor, dropout float32, training bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if q.Rank() != 4 || k.Rank() != 4 || v.Rank() != 4 {
		return nil, nil, fmt.Errorf("%w: want rank-4 (batch, heads, seq, dim) tensors, got ranks %d, %d, %d",
			ErrShapeMismatch, q.Rank(), k.Rank(), v.Rank())
	}
	batch, heads, seqQ, headDim := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	seqKV := k.Dim(2)
	if k.Dim(0) != batch || k.Dim(1) != heads || k.Dim(3) != headDim {
		return nil, nil, fmt.Errorf("%w: key shape %v incompatible with query shape %v",
			ErrShapeMismatch, k.Shape, q.Shape)
	}
	if !v.ShapeEquals(k) {
		return nil, nil, fmt.Errorf("%w: value shape %v incompatible with key shape %v",
			ErrShapeMismatch, v.Shape, k.Shape)
	}
	scoreShape := []int{batch, heads, seqQ, seqKV}
	if mask != nil && !mask.BroadcastableTo(scoreShape) {
		return nil, nil, fmt.Errorf("%w: mask shape %v not broadcastable to %v",
			ErrShapeMismatch, mask.Shape, scoreShape)
	}

	scale := 1 / math32.Sqrt(float32(headDim))
	scores := tensor.New(scoreShape...)

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			b, h := b, h
			g.Go(func() error {
				qs := q.Data[(b*heads+h)*seqQ*headDim:]
				ks := k.Data[(b*heads+h)*seqKV*headDim:]
				dst := scores.Data[(b*heads+h)*seqQ*seqKV:]
				for i := 0; i < seqQ; i++ {
					qrow := qs[i*headDim : (i+1)*headDim]
					for j := 0; j < seqKV; j++ {
						krow := ks[j*headDim : (j+1)*headDim]
						var dot float32
						for d := range qrow {
							dot += qrow[d] * krow[d]
						}
						s := dot * scale
						if mask != nil {
							m := mask.BroadcastAt(b, h, i, j)
							if math32.IsInf(m, 1) {
								s = math32.Inf(-1)
							} else {
								s -= m
							}
						}
						dst[i*seqKV+j] = s
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	weights, deadRows, err := tensor.SoftmaxLastDim(scores)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNumericAnomaly, err)
	}

	if training && dropout > 0 {
		dmask := tensor.DropoutMask(dropout, weights.Shape...)
		if err := tensor.MulInPlace(weights, dmask); err != nil {
			return nil, nil, err
		}
	}

	out := tensor.New(batch, heads, seqQ, headDim)
	g = new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			b, h := b, h
			g.Go(func() error {
				ws := weights.Data[(b*heads+h)*seqQ*seqKV:]
				vs := v.Data[(b*heads+h)*seqKV*headDim:]
				dst := out.Data[(b*heads+h)*seqQ*headDim:]
				for i := 0; i < seqQ; i++ {
					orow := dst[i*headDim : (i+1)*headDim]
					for j := 0; j < seqKV; j++ {
						w := ws[i*seqKV+j]
						if w == 0 {
							continue
						}
						vrow := vs[j*headDim : (j+1)*headDim]
						for d := range orow {
							orow[d] += w * vrow[d]
						}
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if deadRows > 0 {
		return out, weights, fmt.Errorf("%w: %d fully masked score row(s) produced zero attention weights",
			ErrNumericAnomaly, deadRows)
	}
	return out, weights, nil
}
