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
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
)

const (
	eps  = 1e-4
	rtol = 1e-2
	atol = 5e-3
)

func numericalDiff(f func(*Tensor) *Tensor, x *Tensor) *Tensor {
	x0, x1 := x.clone(), x.clone()
	dx := make([]float32, len(x.data))
	for i, v := range x.data {
		x0.data[i] = v - eps
		x1.data[i] = v + eps
		y0 := f(x0)
		y1 := f(x1)
		for j := range y0.data {
			dx[i] += (y1.data[j] - y0.data[j]) / (2 * eps)
		}
		x0.data[i] = v
		x1.data[i] = v
	}
	return NewTensor(dx, x.shape...)
}

func allClose(t *testing.T, a, b *Tensor) {
	if !assert.Equal(t, a.shape, b.shape) {
		return
	}
	for i := range a.data {
		if math32.Abs(a.data[i]-b.data[i]) > atol+rtol*math32.Abs(b.data[i]) {
			t.Fatalf("a.data[%d] = %f, b.data[%d] = %f\n", i, a.data[i], i, b.data[i])
			return
		}
	}
}

func TestAdd(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	// (2,3) + (2,3) -> (2,3)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 3, 4, 5, 6, 7}, 2, 3)
	z := Add(x, y)
	assert.Equal(t, []float32{3, 5, 7, 9, 11, 13}, z.data)

	// Test gradient
	x = Rand(r, 2, 3)
	y = Rand(r, 2, 3)
	z = Add(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Add(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Add(x, y) }, y)
	allClose(t, y.grad, dy)

	// (2,3) + (3) -> (2,3)
	x = NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y = NewTensor([]float32{2, 3, 4}, 3)
	z = Add(x, y)
	assert.Equal(t, []float32{3, 5, 7, 6, 8, 10}, z.data)

	// Test gradient
	z.Backward()
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, x.grad.data)
	assert.Equal(t, []float32{2, 2, 2}, y.grad.data)
}

func TestSub(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 3, 4, 5, 6, 7}, 2, 3)
	z := Sub(x, y)
	assert.Equal(t, []float32{-1, -1, -1, -1, -1, -1}, z.data)

	// Test gradient
	x = Rand(r, 2, 3)
	y = Rand(r, 2, 3)
	z = Sub(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Sub(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Sub(x, y) }, y)
	allClose(t, y.grad, dy)

	// (2,3) - (3) -> (2,3)
	x = NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y = NewTensor([]float32{2, 3, 4}, 3)
	z = Sub(x, y)
	assert.Equal(t, []float32{-1, -1, -1, 2, 2, 2}, z.data)

	// Test gradient
	z.Backward()
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, x.grad.data)
	assert.Equal(t, []float32{-2, -2, -2}, y.grad.data)
}

func TestMul(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 3, 4}, 3)
	z := Mul(x, y)
	assert.Equal(t, []float32{2, 6, 12, 8, 15, 24}, z.data)

	// Test gradient
	x = Rand(r, 2, 3)
	y = Rand(r, 3)
	z = Mul(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Mul(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Mul(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestDiv(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	x := NewTensor([]float32{2, 4, 6, 8, 10, 12}, 2, 3)
	y := NewTensor([]float32{2})
	z := Div(x, y)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, z.data)

	// Test gradient
	x = Rand(r, 2, 3)
	y = Add(Rand(r, 3), NewScalar(1)).NoGrad()
	z = Div(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Div(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Div(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestSquare(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	x := Rand(r, 2, 3)
	y := Square(x)
	y.Backward()
	dx := numericalDiff(Square, x)
	allClose(t, x.grad, dx)
}

func TestExp(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	x := Rand(r, 2, 3)
	y := Exp(x)
	y.Backward()
	dx := numericalDiff(Exp, x)
	allClose(t, x.grad, dx)
}

func TestLog(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	x := Add(Rand(r, 2, 3), NewScalar(1)).NoGrad()
	y := Log(x)
	y.Backward()
	dx := numericalDiff(Log, x)
	allClose(t, x.grad, dx)
}

func TestSum(t *testing.T) {
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := Sum(x)
	assert.Equal(t, []float32{21}, y.data)
	y.Backward()
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, x.grad.data)
}

func TestMean(t *testing.T) {
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := Mean(x)
	assert.Equal(t, []float32{3.5}, y.data)
	y.Backward()
	dx := numericalDiff(Mean, x)
	allClose(t, x.grad, dx)
}

func TestBroadcast(t *testing.T) {
	x := NewTensor([]float32{1, 2}, 2)
	y := Broadcast(x, 3)
	assert.Equal(t, []int{2, 3}, y.Shape())
	assert.Equal(t, []float32{1, 1, 1, 2, 2, 2}, y.data)
	y.Backward()
	assert.Equal(t, []float32{3, 3}, x.grad.data)
}

func TestFlatten(t *testing.T) {
	x := NewTensor([]float32{1, 2, 3, 4}, 2, 2)
	y := Flatten(x)
	assert.Equal(t, []int{4}, y.Shape())
	y.Backward()
	assert.Equal(t, []int{2, 2}, x.grad.Shape())
}

func TestMatMul(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	// (2,3) x (3,4) -> (2,4)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0}, 3, 4)
	z := MatMul(x, y)
	assert.Equal(t, []int{2, 4}, z.shape)
	assert.Equal(t, []float32{1, 2, 3, 0, 4, 5, 6, 0}, z.data)

	// Test gradient
	x = Rand(r, 2, 3)
	y = Rand(r, 3, 4)
	z = MatMul(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return MatMul(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return MatMul(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestMatMulT(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	// (2,3) x (2,3)^T -> (2,2)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{1, 0, 0, 0, 1, 0}, 2, 3)
	z := MatMulT(x, y)
	assert.Equal(t, []int{2, 2}, z.shape)
	assert.Equal(t, []float32{1, 2, 4, 5}, z.data)

	// Test gradient
	x = Rand(r, 4, 3)
	y = Rand(r, 2, 3)
	z = MatMulT(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return MatMulT(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return MatMulT(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestSigmoid(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	x := Sub(Rand(r, 2, 3), NewScalar(0.5)).NoGrad()
	y := Sigmoid(x)
	y.Backward()
	dx := numericalDiff(Sigmoid, x)
	allClose(t, x.grad, dx)
}

func TestReLU(t *testing.T) {
	x := NewTensor([]float32{-1, 0.5, -0.25, 2, -3, 1}, 2, 3)
	y := ReLu(x)
	assert.Equal(t, []float32{0, 0.5, 0, 2, 0, 1}, y.data)
	y.Backward()
	assert.Equal(t, []float32{0, 1, 0, 1, 0, 1}, x.grad.data)
}

func TestEmbedding(t *testing.T) {
	w := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	x := NewIndices([]int32{0, 2, 0})
	y := Embedding(w, x)
	assert.Equal(t, []int{3, 2}, y.shape)
	assert.Equal(t, []float32{1, 2, 5, 6, 1, 2}, y.data)

	// Rows gathered twice accumulate twice the gradient.
	z := Sum(y)
	z.Backward()
	assert.Equal(t, []float32{2, 2, 0, 0, 1, 1}, w.grad.data)
	assert.Nil(t, x.grad)
}

func TestConcat(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	x := NewTensor([]float32{1, 2, 3, 4}, 2, 2)
	y := NewTensor([]float32{5, 6}, 2, 1)
	z := Concat(x, y)
	assert.Equal(t, []int{2, 3}, z.shape)
	assert.Equal(t, []float32{1, 2, 5, 3, 4, 6}, z.data)

	// Test gradient
	x = Rand(r, 2, 2)
	y = Rand(r, 2, 1)
	z = Concat(x, y)
	z.Backward()
	assert.Equal(t, []float32{1, 1, 1, 1}, x.grad.data)
	assert.Equal(t, []float32{1, 1}, y.grad.data)
}

func TestRowDot(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{1, 1, 1, 2, 2, 2}, 2, 3)
	z := RowDot(x, y)
	assert.Equal(t, []int{2}, z.shape)
	assert.Equal(t, []float32{6, 30}, z.data)

	// Test gradient
	x = Rand(r, 2, 3)
	y = Rand(r, 2, 3)
	z = RowDot(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return RowDot(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return RowDot(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestDiag(t *testing.T) {
	x := NewTensor([]float32{1, 2, 3, 4}, 2, 2)
	y := Diag(x)
	assert.Equal(t, []float32{1, 4}, y.data)
	y.Backward()
	assert.Equal(t, []float32{1, 0, 0, 1}, x.grad.data)
}

func TestLogSumExp(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	x := NewTensor([]float32{0, 0, 0, 0}, 2, 2)
	y := LogSumExp(x)
	allClose(t, y, NewTensor([]float32{math32.Log(2), math32.Log(2)}, 2))

	// Large values must not overflow.
	x = NewTensor([]float32{100, 100}, 1, 2)
	y = LogSumExp(x)
	allClose(t, y, NewTensor([]float32{100 + math32.Log(2)}, 1))

	// Test gradient
	x = Rand(r, 2, 3)
	y = LogSumExp(x)
	y.Backward()
	dx := numericalDiff(LogSumExp, x)
	allClose(t, x.grad, dx)
}

func TestL2Normalize(t *testing.T) {
	r := rand.New(rand.NewSource(0))

	x := NewTensor([]float32{3, 4}, 1, 2)
	y := L2Normalize(x, 0)
	allClose(t, y, NewTensor([]float32{0.6, 0.8}, 1, 2))

	// All-zero rows stay finite.
	x = NewTensor([]float32{0, 0}, 1, 2)
	y = L2Normalize(x, 1e-8)
	assert.Equal(t, []float32{0, 0}, y.data)

	// Test gradient
	x = Add(Rand(r, 2, 3), NewScalar(1)).NoGrad()
	y = L2Normalize(x, 1e-8)
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return L2Normalize(x, 1e-8) }, x)
	allClose(t, x.grad, dx)
}

func TestSharedInputAccumulatesGradient(t *testing.T) {
	// w feeds two branches, so its gradient is the sum of both.
	w := NewTensor([]float32{1, 2, 3}, 3)
	a := NewTensor([]float32{2, 2, 2}, 3)
	b := NewTensor([]float32{3, 3, 3}, 3)
	y := Sum(Add(Mul(w, a), Mul(w, b)))
	y.Backward()
	assert.Equal(t, []float32{5, 5, 5}, w.grad.data)
}
