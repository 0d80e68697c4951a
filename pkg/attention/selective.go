package attention

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"

	"selattn/pkg/tensor"
)

// Selective is a multi-head attention module with a selective (subtractive)
// mask. It owns four learned projections; the forward pass never mutates
// them, so concurrent Forward calls against the same module are safe as
// long as no external optimizer is updating the weights.
type Selective struct {
	Config Config

	// Projection weights, each (DModel, DModel), applied as x @ W.
	WQuery *tensor.Tensor
	WKey   *tensor.Tensor
	WValue *tensor.Tensor
	WOut   *tensor.Tensor

	// Bias vectors, each (DModel,). Nil unless Config.Bias is set.
	BQuery *tensor.Tensor
	BKey   *tensor.Tensor
	BValue *tensor.Tensor
	BOut   *tensor.Tensor
}

// New constructs a Selective attention module with zero-initialized
// parameters. It fails with an error wrapping ErrConfig when the
// configuration is invalid, in particular when DModel is not divisible by
// NumHeads.
func New(cfg Config) (*Selective, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Selective{
		Config: cfg,
		WQuery: tensor.New(cfg.DModel, cfg.DModel),
		WKey:   tensor.New(cfg.DModel, cfg.DModel),
		WValue: tensor.New(cfg.DModel, cfg.DModel),
		WOut:   tensor.New(cfg.DModel, cfg.DModel),
	}
	if cfg.Bias {
		m.BQuery = tensor.New(cfg.DModel)
		m.BKey = tensor.New(cfg.DModel)
		m.BValue = tensor.New(cfg.DModel)
		m.BOut = tensor.New(cfg.DModel)
	}
	return m, nil
}

// InitRandom fills the projection weights with small random values scaled
// by 1/sqrt(DModel). Biases stay zero.
func (m *Selective) InitRandom(rng *rand.Rand) {
	scale := 1 / math32.Sqrt(float32(m.Config.DModel))
	for _, w := range []*tensor.Tensor{m.WQuery, m.WKey, m.WValue, m.WOut} {
		for i := range w.Data {
			w.Data[i] = float32(rng.NormFloat64()) * scale
		}
	}
}

// Forward runs the attention pipeline:
//
//	q:    (batch, seqQ, DModel)
//	k, v: (batch, seqKV, DModel)
//	mask: optional, broadcastable to (batch, NumHeads, seqQ, seqKV),
//	      subtracted from the scaled scores (0 allows, +Inf forbids)
//
// and returns (batch, seqQ, DModel). Query and key/value sequence lengths
// may differ (cross-attention); batch and DModel must agree everywhere.
// Dropout on the attention weights is applied only when training is true.
//
// When the mask suppresses every key for some query, that query's output is
// the zero vector (plus output bias) and Forward returns the result together
// with an error wrapping ErrNumericAnomaly.
func (m *Selective) Forward(q, k, v, mask *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := m.checkShapes(q, k, v, mask); err != nil {
		return nil, err
	}
	batch, seqQ := q.Dim(0), q.Dim(1)
	heads, headDim := m.Config.NumHeads, m.Config.HeadDim()

	qh, err := m.project(q, m.WQuery, m.BQuery)
	if err != nil {
		return nil, err
	}
	kh, err := m.project(k, m.WKey, m.BKey)
	if err != nil {
		return nil, err
	}
	vh, err := m.project(v, m.WValue, m.BValue)
	if err != nil {
		return nil, err
	}

	qh, err = splitHeads(qh, heads, headDim)
	if err != nil {
		return nil, err
	}
	kh, err = splitHeads(kh, heads, headDim)
	if err != nil {
		return nil, err
	}
	vh, err = splitHeads(vh, heads, headDim)
	if err != nil {
		return nil, err
	}

	ctx, _, anomaly := ScaledDotProduct(qh, kh, vh, mask, m.Config.Dropout, training)
	if anomaly != nil && ctx == nil {
		return nil, anomaly
	}

	merged, err := mergeHeads(ctx, batch, seqQ, m.Config.DModel)
	if err != nil {
		return nil, err
	}
	out, err := m.project(merged, m.WOut, m.BOut)
	if err != nil {
		return nil, err
	}
	return out, anomaly
}

func (m *Selective) checkShapes(q, k, v, mask *tensor.Tensor) error {
	for name, t := range map[string]*tensor.Tensor{"query": q, "key": k, "value": v} {
		if t == nil {
			return fmt.Errorf("%w: nil %s tensor", ErrShapeMismatch, name)
		}
		if t.Rank() != 3 {
			return fmt.Errorf("%w: %s must be rank-3 (batch, seq, d_model), got shape %v",
				ErrShapeMismatch, name, t.Shape)
		}
		if t.Dim(2) != m.Config.DModel {
			return fmt.Errorf("%w: %s has d_model %d, module configured for %d",
				ErrShapeMismatch, name, t.Dim(2), m.Config.DModel)
		}
	}
	if k.Dim(0) != q.Dim(0) || v.Dim(0) != q.Dim(0) {
		return fmt.Errorf("%w: batch sizes differ: query %d, key %d, value %d",
			ErrShapeMismatch, q.Dim(0), k.Dim(0), v.Dim(0))
	}
	if k.Dim(1) != v.Dim(1) {
		return fmt.Errorf("%w: key and value sequence lengths differ: %d vs %d",
			ErrShapeMismatch, k.Dim(1), v.Dim(1))
	}
	if mask != nil {
		target := []int{q.Dim(0), m.Config.NumHeads, q.Dim(1), k.Dim(1)}
		if !mask.BroadcastableTo(target) {
			return fmt.Errorf("%w: mask shape %v not broadcastable to %v",
				ErrShapeMismatch, mask.Shape, target)
		}
	}
	return nil
}

// project applies x @ w (+ bias) on (batch, seq, DModel) input.
func (m *Selective) project(x, w, bias *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.Matmul(x, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if bias != nil {
		if err := tensor.AddRowwise(out, bias); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
		}
	}
	return out, nil
}

// splitHeads turns (batch, seq, DModel) into (batch, heads, seq, headDim).
// Head i owns columns [i*headDim, (i+1)*headDim) of the projected tensor;
// the reshape and transpose rearrange layout without touching values.
func splitHeads(x *tensor.Tensor, heads, headDim int) (*tensor.Tensor, error) {
	v, err := x.Reshape(x.Dim(0), x.Dim(1), heads, headDim)
	if err != nil {
		return nil, err
	}
	return v.Transpose(1, 2)
}

// mergeHeads inverts splitHeads: (batch, heads, seq, headDim) back to
// (batch, seq, DModel). Composing the two round-trips exactly.
func mergeHeads(x *tensor.Tensor, batch, seq, dModel int) (*tensor.Tensor, error) {
	t, err := x.Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	return t.Reshape(batch, seq, dModel)
}
