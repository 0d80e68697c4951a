// Package tensor provides the float32 n-dimensional arrays the attention
// core computes on. Data is stored flat in row-major order with precomputed
// strides, so views (reshapes) are free and batched operations can work on
// contiguous sub-slices.
package tensor

import (
	"fmt"

	"gorgonia.org/vecf32"
)

// Tensor is an n-dimensional array of float32 values.
type Tensor struct {
	Data    []float32 // flattened row-major storage
	Shape   []int     // dimension sizes, e.g. [batch, heads, seq, dim]
	Strides []int     // element strides per dimension
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = stride
		stride *= shape[i]
	}
	return s
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("negative dimension %d in shape %v", dim, shape)
		}
		n *= dim
	}
	return n, nil
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n, err := numElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		Data:    make([]float32, n),
		Shape:   append([]int(nil), shape...),
		Strides: strides(shape),
	}
}

// FromSlice creates a tensor that owns a copy of data.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("data size %d does not match shape %v (want %d elements)",
			len(data), shape, n)
	}
	t := New(shape...)
	copy(t.Data, data)
	return t, nil
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

func (t *Tensor) flatIndex(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("got %d indices for rank-%d tensor", len(idx), len(t.Shape)))
	}
	flat := 0
	for i, j := range idx {
		if j < 0 || j >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of range for dimension %d (size %d)", j, i, t.Shape[i]))
		}
		flat += j * t.Strides[i]
	}
	return flat
}

// At returns the element at the given indices.
func (t *Tensor) At(idx ...int) float32 { return t.Data[t.flatIndex(idx)] }

// SetAt stores v at the given indices.
func (t *Tensor) SetAt(v float32, idx ...int) { t.Data[t.flatIndex(idx)] = v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a view with a different shape sharing the same storage.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(t.Data) {
		return nil, fmt.Errorf("cannot view %d elements as shape %v (want %d)", len(t.Data), shape, n)
	}
	return &Tensor{
		Data:    t.Data,
		Shape:   append([]int(nil), shape...),
		Strides: strides(shape),
	}, nil
}

// MustReshape is Reshape for shapes known to be valid.
func (t *Tensor) MustReshape(shape ...int) *Tensor {
	v, err := t.Reshape(shape...)
	if err != nil {
		panic(err)
	}
	return v
}

// Transpose exchanges two dimensions, materializing the result.
func (t *Tensor) Transpose(d1, d2 int) (*Tensor, error) {
	if d1 < 0 || d1 >= t.Rank() || d2 < 0 || d2 >= t.Rank() {
		return nil, fmt.Errorf("cannot transpose dimensions %d and %d of a rank-%d tensor", d1, d2, t.Rank())
	}
	if d1 == d2 {
		return t.Clone(), nil
	}

	outShape := append([]int(nil), t.Shape...)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]
	out := New(outShape...)

	idx := make([]int, t.Rank())
	var walk func(dim int)
	walk = func(dim int) {
		if dim == t.Rank() {
			src := t.flatIndex(idx)
			idx[d1], idx[d2] = idx[d2], idx[d1]
			dst := out.flatIndex(idx)
			idx[d1], idx[d2] = idx[d2], idx[d1]
			out.Data[dst] = t.Data[src]
			return
		}
		for i := 0; i < t.Shape[dim]; i++ {
			idx[dim] = i
			walk(dim + 1)
		}
	}
	walk(0)
	return out, nil
}

// ShapeEquals reports whether two tensors have identical shapes.
func (t *Tensor) ShapeEquals(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Equals reports whether two tensors have the same shape and elementwise
// values within tol.
func (t *Tensor) Equals(o *Tensor, tol float32) bool {
	if !t.ShapeEquals(o) {
		return false
	}
	for i := range t.Data {
		d := t.Data[i] - o.Data[i]
		if d < 0 {
			d = -d
		}
		if d > tol {
			return false
		}
	}
	return true
}

// MulInPlace multiplies a elementwise by b in a's storage. Shapes must match.
func MulInPlace(a, b *Tensor) error {
	if !a.ShapeEquals(b) {
		return fmt.Errorf("cannot multiply shape %v into shape %v", b.Shape, a.Shape)
	}
	if len(a.Data) > 0 {
		vecf32.Mul(a.Data, b.Data)
	}
	return nil
}

// AddRowwise adds row to every slice of t along its last dimension, e.g. a
// bias vector onto each sequence position.
func AddRowwise(t, row *Tensor) error {
	if row.Rank() != 1 || t.Rank() < 1 || t.Shape[t.Rank()-1] != row.Shape[0] {
		return fmt.Errorf("cannot add row of shape %v along the last axis of shape %v", row.Shape, t.Shape)
	}
	width := row.Shape[0]
	if width == 0 {
		return nil
	}
	for start := 0; start < len(t.Data); start += width {
		vecf32.Add(t.Data[start:start+width], row.Data)
	}
	return nil
}

// Matmul multiplies over the last two dimensions. For (..., m, n) @ (..., n, p)
// it returns (..., m, p). A 2D right operand is broadcast across the left
// operand's batch dimensions, which covers the projection case
// (batch, seq, dModel) @ (dModel, dModel).
func Matmul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("matmul needs at least rank-2 operands, got rank %d and %d", a.Rank(), b.Rank())
	}
	n := a.Shape[a.Rank()-1]
	if b.Shape[b.Rank()-2] != n {
		return nil, fmt.Errorf("incompatible matmul shapes %v and %v", a.Shape, b.Shape)
	}

	if b.Rank() == 2 {
		return matmulBroadcast2D(a, b)
	}
	if a.Rank() != b.Rank() {
		return nil, fmt.Errorf("incompatible matmul ranks %d and %d", a.Rank(), b.Rank())
	}
	for i := 0; i < a.Rank()-2; i++ {
		if a.Shape[i] != b.Shape[i] {
			return nil, fmt.Errorf("incompatible matmul batch shapes %v and %v", a.Shape, b.Shape)
		}
	}
	return matmulBatched(a, b)
}

// matmulBroadcast2D handles (..., m, n) @ (n, p).
func matmulBroadcast2D(a, b *Tensor) (*Tensor, error) {
	m := a.Shape[a.Rank()-2]
	n := a.Shape[a.Rank()-1]
	p := b.Shape[1]

	outShape := append([]int(nil), a.Shape[:a.Rank()-2]...)
	outShape = append(outShape, m, p)
	out := New(outShape...)

	batch := 1
	for _, dim := range a.Shape[:a.Rank()-2] {
		batch *= dim
	}
	for bi := 0; bi < batch; bi++ {
		lhs := a.Data[bi*m*n:]
		dst := out.Data[bi*m*p:]
		for i := 0; i < m; i++ {
			row := lhs[i*n : (i+1)*n]
			for k := 0; k < p; k++ {
				var sum float32
				for j := 0; j < n; j++ {
					sum += row[j] * b.Data[j*p+k]
				}
				dst[i*p+k] = sum
			}
		}
	}
	return out, nil
}

// matmulBatched handles (..., m, n) @ (..., n, p) with equal batch shapes.
func matmulBatched(a, b *Tensor) (*Tensor, error) {
	r := a.Rank()
	m, n, p := a.Shape[r-2], a.Shape[r-1], b.Shape[r-1]

	outShape := append([]int(nil), a.Shape[:r-2]...)
	outShape = append(outShape, m, p)
	out := New(outShape...)

	batch := 1
	for _, dim := range a.Shape[:r-2] {
		batch *= dim
	}
	for bi := 0; bi < batch; bi++ {
		lhs := a.Data[bi*m*n:]
		rhs := b.Data[bi*n*p:]
		dst := out.Data[bi*m*p:]
		for i := 0; i < m; i++ {
			for k := 0; k < p; k++ {
				var sum float32
				for j := 0; j < n; j++ {
					sum += lhs[i*n+j] * rhs[j*p+k]
				}
				dst[i*p+k] = sum
			}
		}
	}
	return out, nil
}

// BroadcastableTo reports whether t can be broadcast to shape: dimensions are
// right-aligned and each must either match or be 1 in t.
func (t *Tensor) BroadcastableTo(shape []int) bool {
	if len(t.Shape) > len(shape) {
		return false
	}
	off := len(shape) - len(t.Shape)
	for i, dim := range t.Shape {
		if dim != shape[off+i] && dim != 1 {
			return false
		}
	}
	return true
}

// BroadcastAt returns the element of t at position idx of a broadcast target
// shape of rank len(idx). The caller must have checked BroadcastableTo.
func (t *Tensor) BroadcastAt(idx ...int) float32 {
	off := len(idx) - len(t.Shape)
	flat := 0
	for i, dim := range t.Shape {
		if dim != 1 {
			flat += idx[off+i] * t.Strides[i]
		}
	}
	return t.Data[flat]
}

// String gives a compact shape-first rendering for debugging.
func (t *Tensor) String() string {
	if len(t.Data) <= 8 {
		return fmt.Sprintf("Tensor%v%v", t.Shape, t.Data)
	}
	return fmt.Sprintf("Tensor%v[%g %g %g ...]", t.Shape, t.Data[0], t.Data[1], t.Data[2])
}
