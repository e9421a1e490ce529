// Copyright 2026 hserecsys Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nn

import (
	"github.com/chewxy/math32"
)

type op interface {
	String() string
	forward(inputs ...*Tensor) *Tensor
	backward(dy *Tensor) []*Tensor
	inputsAndOutput() ([]*Tensor, *Tensor)
	setInputs(inputs ...*Tensor)
	setOutput(y *Tensor)
}

type base struct {
	inputs []*Tensor
	output *Tensor
}

func (b *base) inputsAndOutput() ([]*Tensor, *Tensor) {
	return b.inputs, b.output
}

func (b *base) setInputs(inputs ...*Tensor) {
	b.inputs = inputs
}

func (b *base) setOutput(y *Tensor) {
	b.output = y
}

func apply[T op](f T, inputs ...*Tensor) *Tensor {
	y := f.forward(inputs...)
	f.setInputs(inputs...)
	f.setOutput(y)
	y.op = f
	return y
}

// assertSuffixShape panics unless the shape of x1 is a suffix sequence of the
// shape of x0, the broadcasting rule shared by the element-wise operations.
func assertSuffixShape(x0, x1 *Tensor) {
	if len(x0.shape) < len(x1.shape) {
		panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
	}
	for i := 0; i < len(x1.shape); i++ {
		if x0.shape[len(x0.shape)-len(x1.shape)+i] != x1.shape[i] {
			panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
		}
	}
}

type add struct {
	base
}

func (a *add) String() string {
	return "Add"
}

func (a *add) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.add(inputs[1])
	return y
}

func (a *add) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(a.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type sub struct {
	base
}

func (s *sub) String() string {
	return "Sub"
}

func (s *sub) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.sub(inputs[1])
	return y
}

func (s *sub) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(s.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] -= dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type mul struct {
	base
}

func (m *mul) String() string {
	return "Mul"
}

func (m *mul) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.mul(inputs[1])
	return y
}

func (m *mul) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx0.mul(m.inputs[1])
	gx1 := Zeros(m.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i] * m.inputs[0].data[i]
	}
	return []*Tensor{gx0, gx1}
}

type div struct {
	base
}

func (d *div) String() string {
	return "Div"
}

func (d *div) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.div(inputs[1])
	return y
}

func (d *div) backward(dy *Tensor) []*Tensor {
	wSize := 1
	for i := range d.inputs[1].shape {
		wSize *= d.inputs[1].shape[i]
	}
	gx0 := Zeros(d.inputs[0].shape...)
	for i := range dy.data {
		gx0.data[i] = dy.data[i] / d.inputs[1].data[i%wSize]
	}
	gx1 := Zeros(d.inputs[1].shape...)
	for i := range dy.data {
		gx1.data[i%wSize] -= dy.data[i] * d.inputs[0].data[i] / d.inputs[1].data[i%wSize] / d.inputs[1].data[i%wSize]
	}
	return []*Tensor{gx0, gx1}
}

type square struct {
	base
}

func (s *square) String() string {
	return "Square"
}

func (s *square) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.square()
	return y
}

func (s *square) backward(dy *Tensor) []*Tensor {
	dx := s.inputs[0].clone()
	dx.mul(dy)
	for i := range dx.data {
		dx.data[i] *= 2
	}
	return []*Tensor{dx}
}

type exp struct {
	base
}

func (e *exp) String() string {
	return "Exp"
}

func (e *exp) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.exp()
	return y
}

func (e *exp) backward(dy *Tensor) []*Tensor {
	dx := e.output.clone()
	dx.mul(dy)
	return []*Tensor{dx}
}

type log struct {
	base
}

func (l *log) String() string {
	return "Log"
}

func (l *log) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.log()
	return y
}

func (l *log) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	dx.div(l.inputs[0])
	return []*Tensor{dx}
}

type sum struct {
	base
}

func (s *sum) String() string {
	return "Sum"
}

func (s *sum) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	y := NewScalar(0)
	for i := range x.data {
		y.data[0] += x.data[i]
	}
	return y
}

func (s *sum) backward(dy *Tensor) []*Tensor {
	dx := Zeros(s.inputs[0].shape...)
	for i := range dx.data {
		dx.data[i] = dy.data[0]
	}
	return []*Tensor{dx}
}

type mean struct {
	base
}

func (m *mean) String() string {
	return "Mean"
}

func (m *mean) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	y := NewScalar(0)
	for i := range x.data {
		y.data[0] += x.data[i]
	}
	y.data[0] /= float32(len(x.data))
	return y
}

func (m *mean) backward(dy *Tensor) []*Tensor {
	dx := Zeros(m.inputs[0].shape...)
	for i := range dx.data {
		dx.data[i] = dy.data[0] / float32(len(dx.data))
	}
	return []*Tensor{dx}
}

type matMul struct {
	base
	transpose0 bool
	transpose1 bool
}

func (m *matMul) String() string {
	return "MatMul"
}

func (m *matMul) forward(inputs ...*Tensor) *Tensor {
	return inputs[0].matMul(inputs[1], m.transpose0, m.transpose1)
}

func (m *matMul) backward(dy *Tensor) []*Tensor {
	var dx0, dx1 *Tensor
	switch {
	case !m.transpose0 && !m.transpose1:
		dx0 = dy.matMul(m.inputs[1], false, true)
		dx1 = m.inputs[0].matMul(dy, true, false)
	case !m.transpose0 && m.transpose1:
		dx0 = dy.matMul(m.inputs[1], false, false)
		dx1 = dy.matMul(m.inputs[0], true, false)
	case m.transpose0 && !m.transpose1:
		dx0 = m.inputs[1].matMul(dy, false, true)
		dx1 = m.inputs[0].matMul(dy, false, false)
	default:
		dx0 = m.inputs[1].matMul(dy, true, true)
		dx1 = dy.matMul(m.inputs[0], true, true)
	}
	return []*Tensor{dx0, dx1}
}

type broadcast struct {
	base
	shape []int
}

func (b *broadcast) String() string {
	return "Broadcast"
}

func (b *broadcast) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	// Concatenate the shape
	shape := make([]int, len(x.shape))
	copy(shape, x.shape)
	shape = append(shape, b.shape...)
	size := 1
	for i := range shape {
		size *= shape[i]
	}
	// Create a new tensor with the new shape
	y := NewTensor(make([]float32, size), shape...)
	wSize := 1
	for i := range b.shape {
		wSize *= b.shape[i]
	}
	for i := range x.data {
		for j := i * wSize; j < (i+1)*wSize; j++ {
			y.data[j] = x.data[i]
		}
	}
	return y
}

func (b *broadcast) backward(dy *Tensor) []*Tensor {
	gx := Zeros(b.inputs[0].shape...)
	wSize := 1
	for i := range b.shape {
		wSize *= b.shape[i]
	}
	for i := range gx.data {
		for j := i * wSize; j < (i+1)*wSize; j++ {
			gx.data[i] += dy.data[j]
		}
	}
	return []*Tensor{gx}
}

type flatten struct {
	base
}

func (f *flatten) String() string {
	return "Flatten"
}

func (f *flatten) forward(inputs ...*Tensor) *Tensor {
	return NewTensor(inputs[0].data, len(inputs[0].data))
}

func (f *flatten) backward(dy *Tensor) []*Tensor {
	return []*Tensor{NewTensor(dy.data, f.inputs[0].shape...)}
}

type sigmoid struct {
	base
}

func (s *sigmoid) String() string {
	return "Sigmoid"
}

func (s *sigmoid) forward(inputs ...*Tensor) *Tensor {
	// y = tanh(x * 0.5) * 0.5 + 0.5
	y := inputs[0].clone()
	y.mul(NewScalar(0.5))
	y.tanh()
	y.mul(NewScalar(0.5))
	y.add(NewScalar(0.5))
	return y
}

func (s *sigmoid) backward(dy *Tensor) []*Tensor {
	// dx = dy * y * (1 - y)
	dx := dy.clone()
	dx.mul(s.output)
	one := Ones(s.output.shape...)
	one.sub(s.output)
	dx.mul(one)
	return []*Tensor{dx}
}

type relu struct {
	base
}

func (r *relu) String() string {
	return "ReLU"
}

func (r *relu) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.maximum(NewScalar(0))
	return y
}

func (r *relu) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	for i := range dx.data {
		if r.inputs[0].data[i] <= 0 {
			dx.data[i] = 0
		}
	}
	return []*Tensor{dx}
}

type embedding struct {
	base
}

func (e *embedding) String() string {
	return "Embedding"
}

func (e *embedding) forward(inputs ...*Tensor) *Tensor {
	w, x := inputs[0], inputs[1]
	rowSize := 1
	for _, s := range w.shape[1:] {
		rowSize *= s
	}
	shape := make([]int, 0, len(x.shape)+len(w.shape)-1)
	shape = append(shape, x.shape...)
	shape = append(shape, w.shape[1:]...)
	y := Zeros(shape...)
	for i := range x.data {
		row := int(x.data[i])
		copy(y.data[i*rowSize:(i+1)*rowSize], w.data[row*rowSize:(row+1)*rowSize])
	}
	return y
}

func (e *embedding) backward(dy *Tensor) []*Tensor {
	w, x := e.inputs[0], e.inputs[1]
	rowSize := 1
	for _, s := range w.shape[1:] {
		rowSize *= s
	}
	gw := Zeros(w.shape...)
	for i := range x.data {
		row := int(x.data[i])
		dst := gw.data[row*rowSize : (row+1)*rowSize]
		src := dy.data[i*rowSize : (i+1)*rowSize]
		for j := range dst {
			dst[j] += src[j]
		}
	}
	// Indices receive no gradient.
	return []*Tensor{gw, nil}
}

type concat struct {
	base
}

func (c *concat) String() string {
	return "Concat"
}

func (c *concat) forward(inputs ...*Tensor) *Tensor {
	rows := inputs[0].shape[0]
	cols := 0
	for _, x := range inputs {
		cols += x.shape[1]
	}
	y := Zeros(rows, cols)
	offset := 0
	for _, x := range inputs {
		w := x.shape[1]
		for i := 0; i < rows; i++ {
			copy(y.data[i*cols+offset:i*cols+offset+w], x.data[i*w:(i+1)*w])
		}
		offset += w
	}
	return y
}

func (c *concat) backward(dy *Tensor) []*Tensor {
	rows := c.inputs[0].shape[0]
	cols := dy.shape[1]
	grads := make([]*Tensor, len(c.inputs))
	offset := 0
	for k, x := range c.inputs {
		w := x.shape[1]
		gx := Zeros(x.shape...)
		for i := 0; i < rows; i++ {
			copy(gx.data[i*w:(i+1)*w], dy.data[i*cols+offset:i*cols+offset+w])
		}
		grads[k] = gx
		offset += w
	}
	return grads
}

type rowDot struct {
	base
}

func (r *rowDot) String() string {
	return "RowDot"
}

func (r *rowDot) forward(inputs ...*Tensor) *Tensor {
	x0, x1 := inputs[0], inputs[1]
	rows, cols := x0.shape[0], x0.shape[1]
	y := Zeros(rows)
	for i := 0; i < rows; i++ {
		var s float32
		for j := 0; j < cols; j++ {
			s += x0.data[i*cols+j] * x1.data[i*cols+j]
		}
		y.data[i] = s
	}
	return y
}

func (r *rowDot) backward(dy *Tensor) []*Tensor {
	x0, x1 := r.inputs[0], r.inputs[1]
	rows, cols := x0.shape[0], x0.shape[1]
	gx0 := Zeros(x0.shape...)
	gx1 := Zeros(x1.shape...)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			gx0.data[i*cols+j] = dy.data[i] * x1.data[i*cols+j]
			gx1.data[i*cols+j] = dy.data[i] * x0.data[i*cols+j]
		}
	}
	return []*Tensor{gx0, gx1}
}

type diag struct {
	base
}

func (d *diag) String() string {
	return "Diag"
}

func (d *diag) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	n := x.shape[0]
	y := Zeros(n)
	for i := 0; i < n; i++ {
		y.data[i] = x.data[i*n+i]
	}
	return y
}

func (d *diag) backward(dy *Tensor) []*Tensor {
	n := d.inputs[0].shape[0]
	gx := Zeros(d.inputs[0].shape...)
	for i := 0; i < n; i++ {
		gx.data[i*n+i] = dy.data[i]
	}
	return []*Tensor{gx}
}

type logSumExp struct {
	base
}

func (l *logSumExp) String() string {
	return "LogSumExp"
}

func (l *logSumExp) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	rows, cols := x.shape[0], x.shape[1]
	y := Zeros(rows)
	for i := 0; i < rows; i++ {
		row := x.data[i*cols : (i+1)*cols]
		m := row[0]
		for _, v := range row[1:] {
			if v > m {
				m = v
			}
		}
		var s float32
		for _, v := range row {
			s += math32.Exp(v - m)
		}
		y.data[i] = m + math32.Log(s)
	}
	return y
}

func (l *logSumExp) backward(dy *Tensor) []*Tensor {
	x := l.inputs[0]
	rows, cols := x.shape[0], x.shape[1]
	gx := Zeros(x.shape...)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			gx.data[i*cols+j] = dy.data[i] * math32.Exp(x.data[i*cols+j]-l.output.data[i])
		}
	}
	return []*Tensor{gx}
}

type l2Normalize struct {
	base
	eps float32
}

func (l *l2Normalize) String() string {
	return "L2Normalize"
}

func (l *l2Normalize) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	rows, cols := x.shape[0], x.shape[1]
	y := Zeros(x.shape...)
	for i := 0; i < rows; i++ {
		var s float32
		for j := 0; j < cols; j++ {
			s += x.data[i*cols+j] * x.data[i*cols+j]
		}
		inv := 1 / math32.Sqrt(s+l.eps)
		for j := 0; j < cols; j++ {
			y.data[i*cols+j] = x.data[i*cols+j] * inv
		}
	}
	return y
}

func (l *l2Normalize) backward(dy *Tensor) []*Tensor {
	x := l.inputs[0]
	rows, cols := x.shape[0], x.shape[1]
	gx := Zeros(x.shape...)
	for i := 0; i < rows; i++ {
		var s, d float32
		for j := 0; j < cols; j++ {
			s += x.data[i*cols+j] * x.data[i*cols+j]
			d += x.data[i*cols+j] * dy.data[i*cols+j]
		}
		inv := 1 / math32.Sqrt(s+l.eps)
		inv3 := inv * inv * inv
		for j := 0; j < cols; j++ {
			gx.data[i*cols+j] = dy.data[i*cols+j]*inv - x.data[i*cols+j]*d*inv3
		}
	}
	return []*Tensor{gx}
}

// Add returns the element-wise sum of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Add(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		x0, x1 = x1, x0
	}
	assertSuffixShape(x0, x1)
	return apply(&add{}, x0, x1)
}

// Sub returns the element-wise difference of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Sub(x0, x1 *Tensor) *Tensor {
	assertSuffixShape(x0, x1)
	return apply(&sub{}, x0, x1)
}

// Mul returns the element-wise product of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Mul(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		x0, x1 = x1, x0
	}
	assertSuffixShape(x0, x1)
	return apply(&mul{}, x0, x1)
}

// Div returns the element-wise division of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Div(x0, x1 *Tensor) *Tensor {
	assertSuffixShape(x0, x1)
	return apply(&div{}, x0, x1)
}

// Square returns the element-wise square of a tensor.
func Square(x *Tensor) *Tensor {
	return apply(&square{}, x)
}

// Exp returns the element-wise exponential of a tensor.
func Exp(x *Tensor) *Tensor {
	return apply(&exp{}, x)
}

// Log returns the element-wise natural logarithm of a tensor.
func Log(x *Tensor) *Tensor {
	return apply(&log{}, x)
}

// Sum returns the sum of all elements in a tensor.
func Sum(x *Tensor) *Tensor {
	return apply(&sum{}, x)
}

// Mean returns the mean of all elements in a tensor.
func Mean(x *Tensor) *Tensor {
	return apply(&mean{}, x)
}

// MatMul returns the matrix product of two 2-d tensors.
func MatMul(x, y *Tensor) *Tensor {
	return apply(&matMul{}, x, y)
}

// MatMulT returns the matrix product of x and the transpose of y. For row
// embeddings U (b,d) and V (b,d) it yields the (b,b) score matrix U V^T.
func MatMulT(x, y *Tensor) *Tensor {
	return apply(&matMul{transpose1: true}, x, y)
}

func Broadcast(x *Tensor, shape ...int) *Tensor {
	return apply(&broadcast{shape: shape}, x)
}

func Flatten(x *Tensor) *Tensor {
	return apply(&flatten{}, x)
}

func Sigmoid(x *Tensor) *Tensor {
	return apply(&sigmoid{}, x)
}

func ReLu(x *Tensor) *Tensor {
	return apply(&relu{}, x)
}

// Embedding looks up rows of w by the indices in x.
func Embedding(w, x *Tensor) *Tensor {
	return apply(&embedding{}, w, x)
}

// Concat concatenates 2-d tensors along the second axis.
func Concat(xs ...*Tensor) *Tensor {
	for _, x := range xs[1:] {
		if x.shape[0] != xs[0].shape[0] {
			panic("Concat expects tensors with the same number of rows")
		}
	}
	return apply(&concat{}, xs...)
}

// RowDot returns the per-row dot product of two tensors of identical shape.
func RowDot(x0, x1 *Tensor) *Tensor {
	return apply(&rowDot{}, x0, x1)
}

// Diag returns the main diagonal of a square matrix.
func Diag(x *Tensor) *Tensor {
	if x.shape[0] != x.shape[1] {
		panic("Diag expects a square matrix")
	}
	return apply(&diag{}, x)
}

// LogSumExp reduces each row of a 2-d tensor to log(sum(exp(row))). The
// row maximum is subtracted before exponentiation to keep the result finite.
func LogSumExp(x *Tensor) *Tensor {
	return apply(&logSumExp{}, x)
}

// L2Normalize scales each row of a 2-d tensor to unit length. eps guards the
// division for all-zero rows.
func L2Normalize(x *Tensor, eps float32) *Tensor {
	return apply(&l2Normalize{eps: eps}, x)
}
