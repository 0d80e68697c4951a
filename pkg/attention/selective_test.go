package attention

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"selattn/pkg/tensor"
)

func identityWeights(m *Selective) {
	for _, w := range []*tensor.Tensor{m.WQuery, m.WKey, m.WValue, m.WOut} {
		for i := 0; i < m.Config.DModel; i++ {
			w.SetAt(1, i, i)
		}
	}
}

func newTestModule(t *testing.T, dModel, numHeads int) *Selective {
	t.Helper()
	m, err := New(Config{DModel: dModel, NumHeads: numHeads})
	require.NoError(t, err)
	return m
}

func TestNew_ConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"indivisible", Config{DModel: 5, NumHeads: 2}},
		{"zero heads", Config{DModel: 8, NumHeads: 0}},
		{"negative d_model", Config{DModel: -8, NumHeads: 2}},
		{"dropout out of range", Config{DModel: 8, NumHeads: 2, Dropout: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig))
		})
	}

	m, err := New(DefaultConfig(8, 2))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Config.HeadDim())
	assert.InDelta(t, 0.1, m.Config.Dropout, 1e-6)
}

func TestForward_OutputShape(t *testing.T) {
	cases := []struct {
		name               string
		dModel, heads      int
		batch, seqQ, seqKV int
	}{
		{"self", 8, 2, 2, 5, 5},
		{"cross", 8, 4, 3, 2, 7},
		{"single head", 6, 1, 1, 4, 4},
		{"single key", 4, 2, 2, 3, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestModule(t, tc.dModel, tc.heads)
			m.InitRandom(rand.New(rand.NewSource(1)))

			q := ramp(tc.batch, tc.seqQ, tc.dModel)
			k := ramp(tc.batch, tc.seqKV, tc.dModel)
			v := ramp(tc.batch, tc.seqKV, tc.dModel)

			out, err := m.Forward(q, k, v, nil, false)
			require.NoError(t, err)
			assert.Equal(t, []int{tc.batch, tc.seqQ, tc.dModel}, out.Shape)
		})
	}
}

func TestForward_ShapeMismatch(t *testing.T) {
	m := newTestModule(t, 8, 2)

	good := func() (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
		return ramp(2, 3, 8), ramp(2, 5, 8), ramp(2, 5, 8)
	}

	t.Run("wrong d_model", func(t *testing.T) {
		_, k, v := good()
		_, err := m.Forward(ramp(2, 3, 6), k, v, nil, false)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})
	t.Run("rank 2 input", func(t *testing.T) {
		_, k, v := good()
		_, err := m.Forward(ramp(3, 8), k, v, nil, false)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})
	t.Run("nil input", func(t *testing.T) {
		_, k, v := good()
		_, err := m.Forward(nil, k, v, nil, false)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})
	t.Run("batch mismatch", func(t *testing.T) {
		_, k, v := good()
		_, err := m.Forward(ramp(1, 3, 8), k, v, nil, false)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})
	t.Run("key value length mismatch", func(t *testing.T) {
		q, k, _ := good()
		_, err := m.Forward(q, k, ramp(2, 4, 8), nil, false)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})
	t.Run("bad mask", func(t *testing.T) {
		q, k, v := good()
		_, err := m.Forward(q, k, v, tensor.New(2, 2, 3, 4), false)
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})
}

func TestForward_EmptySequence(t *testing.T) {
	m := newTestModule(t, 8, 2)
	m.InitRandom(rand.New(rand.NewSource(1)))

	out, err := m.Forward(ramp(2, 0, 8), ramp(2, 5, 8), ramp(2, 5, 8), nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 8}, out.Shape)
	assert.Zero(t, out.Size())
}

func TestForward_Deterministic(t *testing.T) {
	m := newTestModule(t, 16, 4)
	m.InitRandom(rand.New(rand.NewSource(3)))

	q, k, v := ramp(2, 6, 16), ramp(2, 6, 16), ramp(2, 6, 16)
	mask := CausalMask(6, 6)

	a, err := m.Forward(q, k, v, mask, false)
	require.NoError(t, err)
	b, err := m.Forward(q, k, v, mask, false)
	require.NoError(t, err)

	// Bit-identical, not merely close: inference mode draws no randomness
	// and every output element is written by exactly one goroutine.
	assert.Equal(t, a.Data, b.Data)
}

// TestForward_HandComputed pins the full pipeline to a closed-form result.
// With identity projections, d_model=4 and 2 heads, the input
//
//	x = [[1 0 0 1], [0 1 1 0]]
//
// gives per-head scores {1/sqrt(2), 0} whose softmax is p = w/(w+1),
// q = 1/(w+1) with w = exp(1/sqrt(2)), and the output rows are
// [p q q p] and [q p p q].
func TestForward_HandComputed(t *testing.T) {
	m := newTestModule(t, 4, 2)
	identityWeights(m)

	x, err := tensor.FromSlice([]float32{
		1, 0, 0, 1,
		0, 1, 1, 0,
	}, 1, 2, 4)
	require.NoError(t, err)

	out, err := m.Forward(x, x, x, nil, false)
	require.NoError(t, err)

	w := math.Exp(1 / math.Sqrt2)
	p := float32(w / (w + 1))
	q := float32(1 / (w + 1))

	want := [][]float32{
		{p, q, q, p},
		{q, p, p, q},
	}
	for i, row := range want {
		for d, val := range row {
			assert.InDelta(t, val, out.At(0, i, d), 1e-5, "output[%d][%d]", i, d)
		}
	}
}

func TestForward_PermutationInvariance(t *testing.T) {
	m := newTestModule(t, 8, 2)
	m.InitRandom(rand.New(rand.NewSource(9)))

	q := ramp(1, 2, 8)
	k := ramp(1, 3, 8)
	v := ramp(1, 3, 8)
	mask := tensor.New(1, 1, 2, 3)
	mask.SetAt(Forbid, 0, 0, 0, 2)
	mask.SetAt(Forbid, 0, 0, 1, 0)

	base, err := m.Forward(q, k, v, mask, false)
	require.NoError(t, err)

	// Reorder the key/value sequence and the mask's key axis together.
	perm := []int{2, 0, 1}
	permute := func(t *tensor.Tensor) *tensor.Tensor {
		out := tensor.New(t.Shape...)
		width := t.Dim(t.Rank() - 1)
		for newJ, oldJ := range perm {
			copy(out.Data[newJ*width:(newJ+1)*width], t.Data[oldJ*width:(oldJ+1)*width])
		}
		return out
	}
	kPerm, vPerm := permute(k), permute(v)
	maskPerm := tensor.New(1, 1, 2, 3)
	for i := 0; i < 2; i++ {
		for newJ, oldJ := range perm {
			maskPerm.SetAt(mask.At(0, 0, i, oldJ), 0, 0, i, newJ)
		}
	}

	permuted, err := m.Forward(q, kPerm, vPerm, maskPerm, false)
	require.NoError(t, err)
	assert.True(t, base.Equals(permuted, 1e-5),
		"attention must not depend on key order when the mask is reordered consistently")
}

func TestForward_FullyMaskedRow(t *testing.T) {
	m := newTestModule(t, 4, 2)
	identityWeights(m)

	x := ramp(1, 2, 4)
	mask := tensor.New(1, 1, 2, 2)
	mask.SetAt(Forbid, 0, 0, 0, 0)
	mask.SetAt(Forbid, 0, 0, 0, 1)

	out, err := m.Forward(x, x, x, mask, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNumericAnomaly))

	// Zero-row policy: the starved query's output is the zero vector.
	require.NotNil(t, out)
	for d := 0; d < 4; d++ {
		assert.Zero(t, out.At(0, 0, d))
	}
}

func TestForward_DropoutReproducible(t *testing.T) {
	cfg := DefaultConfig(8, 2)
	cfg.Dropout = 0.5
	m, err := New(cfg)
	require.NoError(t, err)
	m.InitRandom(rand.New(rand.NewSource(5)))

	q, k, v := ramp(1, 4, 8), ramp(1, 6, 8), ramp(1, 6, 8)

	tensor.SetDropoutSeed(21)
	a, err := m.Forward(q, k, v, nil, true)
	require.NoError(t, err)

	tensor.SetDropoutSeed(21)
	b, err := m.Forward(q, k, v, nil, true)
	require.NoError(t, err)

	assert.Equal(t, a.Data, b.Data, "same dropout seed must reproduce the run")

	inference, err := m.Forward(q, k, v, nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, a.Data, inference.Data, "training-mode dropout should change the output")
}

func TestForward_OutputBias(t *testing.T) {
	cfg := Config{DModel: 4, NumHeads: 2, Bias: true}
	m, err := New(cfg)
	require.NoError(t, err)
	for i := range m.BOut.Data {
		m.BOut.Data[i] = float32(i + 1)
	}

	// All-zero weights: softmax over zero scores is uniform, values are
	// zero, so the output reduces to the output bias at every position.
	x := ramp(1, 3, 4)
	out, err := m.Forward(x, x, x, nil, false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for d := 0; d < 4; d++ {
			assert.InDelta(t, float32(d+1), out.At(0, i, d), 1e-6)
		}
	}
}

func BenchmarkForward(b *testing.B) {
	m, err := New(Config{DModel: 256, NumHeads: 8})
	if err != nil {
		b.Fatal(err)
	}
	m.InitRandom(rand.New(rand.NewSource(1)))

	q := ramp(2, 64, 256)
	mask := CausalMask(64, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Forward(q, q, q, mask, false); err != nil {
			b.Fatal(err)
		}
	}
}
