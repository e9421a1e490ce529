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

// Package nn is a small reverse-mode autograd engine over float32 tensors.
// Operations record themselves on the tensors they produce so that Backward
// can walk the tape and accumulate gradients into every input.
package nn

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/chewxy/math32"
)

type Tensor struct {
	data  []float32
	shape []int
	grad  *Tensor
	op    op
}

func NewTensor(data []float32, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != len(data) {
		panic(fmt.Sprintf("data size %d mismatches shape %v", len(data), shape))
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

func NewScalar(data float32) *Tensor {
	return &Tensor{
		data:  []float32{data},
		shape: []int{},
	}
}

// NewIndices creates a 1-d tensor holding dense row indices. Indices are
// stored as float32 and must stay below 2^24 to remain exact.
func NewIndices(indices []int32) *Tensor {
	data := make([]float32, len(indices))
	for i, v := range indices {
		data[i] = float32(v)
	}
	return &Tensor{
		data:  data,
		shape: []int{len(indices)},
	}
}

// Rand creates a tensor filled with uniform random floats in [0,1).
func Rand(r *rand.Rand, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = r.Float32()
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Normal creates a tensor filled with normal random floats.
func Normal(r *rand.Rand, mean, stdDev float32, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(r.NormFloat64())*stdDev + mean
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Ones creates a tensor filled with ones.
func Ones(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Data exposes the backing slice of the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Shape returns the shape of the tensor.
func (t *Tensor) Shape() []int {
	return t.shape
}

// NoGrad detaches a tensor from the tape.
func (t *Tensor) NoGrad() *Tensor {
	if t.op != nil {
		t.op = nil
	}
	return t
}

func (t *Tensor) String() string {
	// Print scalar value
	if len(t.shape) == 0 {
		return fmt.Sprint(t.data[0])
	}

	builder := strings.Builder{}
	builder.WriteString("[")
	if len(t.data) <= 10 {
		for i := 0; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	} else {
		for i := 0; i < 5; i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			builder.WriteString(", ")
		}
		builder.WriteString("..., ")
		for i := len(t.data) - 5; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	}
	builder.WriteString("]")
	return builder.String()
}

// Backward walks the tape in reverse topological order and accumulates
// gradients into every reachable input. A tensor consumed by several
// operations receives the sum of the gradients from all of its consumers,
// which shared embedding tables rely on.
func (t *Tensor) Backward() {
	t.grad = Ones(t.shape...)
	for _, o := range sortTape(t.op) {
		inputs, output := o.inputsAndOutput()
		grads := o.backward(output.grad)
		for i := range grads {
			if grads[i] == nil {
				continue
			}
			if inputs[i].grad == nil {
				inputs[i].grad = grads[i]
			} else {
				inputs[i].grad.add(grads[i])
			}
		}
	}
}

// sortTape orders operations so that every consumer of a tensor runs before
// the operation that produced it.
func sortTape(root op) []op {
	if root == nil {
		return nil
	}
	var ordered []op
	visited := make(map[op]bool)
	var visit func(o op)
	visit = func(o op) {
		if visited[o] {
			return
		}
		visited[o] = true
		inputs, _ := o.inputsAndOutput()
		for _, x := range inputs {
			if x.op != nil {
				visit(x.op)
			}
		}
		ordered = append(ordered, o)
	}
	visit(root)
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

func (t *Tensor) clone() *Tensor {
	newData := make([]float32, len(t.data))
	copy(newData, t.data)
	return &Tensor{
		data:  newData,
		shape: t.shape,
	}
}

func (t *Tensor) add(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] += other.data[i%wSize]
	}
	return t
}

func (t *Tensor) sub(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] -= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) mul(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] *= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) div(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] /= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) square() *Tensor {
	for i := range t.data {
		t.data[i] = t.data[i] * t.data[i]
	}
	return t
}

func (t *Tensor) exp() *Tensor {
	for i := range t.data {
		t.data[i] = math32.Exp(t.data[i])
	}
	return t
}

func (t *Tensor) log() *Tensor {
	for i := range t.data {
		t.data[i] = math32.Log(t.data[i])
	}
	return t
}

func (t *Tensor) tanh() *Tensor {
	for i := range t.data {
		t.data[i] = math32.Tanh(t.data[i])
	}
	return t
}

func (t *Tensor) maximum(other *Tensor) *Tensor {
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		if v := other.data[i%wSize]; t.data[i] < v {
			t.data[i] = v
		}
	}
	return t
}

func (t *Tensor) neg() *Tensor {
	for i := range t.data {
		t.data[i] = -t.data[i]
	}
	return t
}

// matMul multiplies two 2-d tensors with optional transposes.
func (t *Tensor) matMul(other *Tensor, transpose0, transpose1 bool) *Tensor {
	if len(t.shape) != 2 || len(other.shape) != 2 {
		panic("matMul expects 2-d tensors")
	}
	var m, k, k2, n int
	if !transpose0 {
		m, k = t.shape[0], t.shape[1]
	} else {
		k, m = t.shape[0], t.shape[1]
	}
	if !transpose1 {
		k2, n = other.shape[0], other.shape[1]
	} else {
		n, k2 = other.shape[0], other.shape[1]
	}
	if k != k2 {
		panic(fmt.Sprintf("matMul: inner dimensions mismatch: %d vs %d", k, k2))
	}
	result := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			var a float32
			if !transpose0 {
				a = t.data[i*k+p]
			} else {
				a = t.data[p*m+i]
			}
			if a == 0 {
				continue
			}
			if !transpose1 {
				row := other.data[p*n : (p+1)*n]
				out := result[i*n : (i+1)*n]
				for j := range row {
					out[j] += a * row[j]
				}
			} else {
				for j := 0; j < n; j++ {
					result[i*n+j] += a * other.data[j*k+p]
				}
			}
		}
	}
	return NewTensor(result, m, n)
}
