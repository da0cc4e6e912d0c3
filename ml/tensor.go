// Package ml provides the dense tensor type and the numeric kernels the
// model and training loop are built on. Tensors are row-major float32 with
// an optional gradient buffer of the same shape.
package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor is a dense row-major float32 tensor. Grad is allocated lazily by
// RequireGrad and shares the tensor's shape.
//
// Tensor is not safe for concurrent mutation. The forward pass treats every
// tensor it creates as call-local; parameters are mutated only by the
// optimizer between forward calls.
type Tensor struct {
	Data  []float32
	Grad  []float32
	Shape []int
}

// New creates a zeroed tensor with the given shape. Invalid shapes are
// programmer errors and panic.
func New(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("ml: tensor shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("ml: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
	}
}

// FromSlice wraps data in a tensor of the given shape. The slice is not
// copied.
func FromSlice(data []float32, shape ...int) *Tensor {
	t := &Tensor{Data: data, Shape: append([]int(nil), shape...)}
	if len(data) != t.Size() {
		panic(fmt.Sprintf("ml: %d elements cannot fill shape %v", len(data), shape))
	}
	return t
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Dims returns the tensor rank.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

// Set stores v at the given indices.
func (t *Tensor) Set(v float32, indices ...int) {
	t.Data[t.flatIndex(indices)] = v
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("ml: expected %d indices, got %d", len(t.Shape), len(indices)))
	}
	idx, stride := 0, 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("ml: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.Shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Reshape returns a view with a new shape sharing the underlying storage.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size != len(t.Data) {
		panic(fmt.Sprintf("ml: cannot reshape %v (%d elements) to %v", t.Shape, len(t.Data), shape))
	}
	return &Tensor{Data: t.Data, Grad: t.Grad, Shape: append([]int(nil), shape...)}
}

// Clone returns a deep copy, gradient included.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Data:  append([]float32(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
	if t.Grad != nil {
		c.Grad = append([]float32(nil), t.Grad...)
	}
	return c
}

// RequireGrad allocates the gradient buffer if missing.
func (t *Tensor) RequireGrad() *Tensor {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.Data))
	}
	return t
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v)", t.Shape)
}

// MatMul computes C = A @ B for 2-D tensors via BLAS sgemm.
func MatMul(a, b *Tensor) *Tensor {
	m, k, n := checkMatMul(a, b, false, false)
	c := New(m, n)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(a, m, k), general(b, k, n), 0, general(c, m, n))
	return c
}

// MatMulTransA computes C = Aᵀ @ B without materializing the transpose.
func MatMulTransA(a, b *Tensor) *Tensor {
	m, k, n := checkMatMul(a, b, true, false)
	c := New(m, n)
	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		general(a, k, m), general(b, k, n), 0, general(c, m, n))
	return c
}

// MatMulTransB computes C = A @ Bᵀ without materializing the transpose.
func MatMulTransB(a, b *Tensor) *Tensor {
	m, k, n := checkMatMul(a, b, false, true)
	c := New(m, n)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(a, m, k), general(b, n, k), 0, general(c, m, n))
	return c
}

func general(t *Tensor, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: t.Data}
}

func checkMatMul(a, b *Tensor, transA, transB bool) (m, k, n int) {
	if a.Dims() != 2 || b.Dims() != 2 {
		panic(fmt.Sprintf("ml: matmul requires 2-D tensors, got %v x %v", a.Shape, b.Shape))
	}
	m, k = a.Shape[0], a.Shape[1]
	if transA {
		m, k = k, m
	}
	bk, bn := b.Shape[0], b.Shape[1]
	if transB {
		bk, bn = bn, bk
	}
	if k != bk {
		panic(fmt.Sprintf("ml: matmul inner dimensions do not match: %v x %v", a.Shape, b.Shape))
	}
	return m, k, bn
}

// Add returns a + b elementwise.
func Add(a, b *Tensor) *Tensor {
	if !sameShape(a.Shape, b.Shape) {
		panic(fmt.Sprintf("ml: cannot add shapes %v and %v", a.Shape, b.Shape))
	}
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Mul returns the Hadamard product a * b.
func Mul(a, b *Tensor) *Tensor {
	if !sameShape(a.Shape, b.Shape) {
		panic(fmt.Sprintf("ml: cannot multiply shapes %v and %v", a.Shape, b.Shape))
	}
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out
}

// Scale returns a * s.
func Scale(a *Tensor, s float32) *Tensor {
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * s
	}
	return out
}

// SoftmaxRows applies a numerically stable softmax to each row of a 2-D
// tensor, in place, and returns it.
func SoftmaxRows(t *Tensor) *Tensor {
	if t.Dims() != 2 {
		panic("ml: SoftmaxRows requires a 2-D tensor")
	}
	rows, cols := t.Shape[0], t.Shape[1]
	for r := 0; r < rows; r++ {
		row := t.Data[r*cols : (r+1)*cols]
		softmaxInPlace(row)
	}
	return t
}

func softmaxInPlace(row []float32) {
	maxVal := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - maxVal)))
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
