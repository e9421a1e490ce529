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

	"github.com/stretchr/testify/assert"
)

func TestLinear(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	layer := NewLinear(r, 3, 4)
	x := Rand(r, 2, 3)
	y := layer.Forward(x)
	assert.Equal(t, []int{2, 4}, y.Shape())

	Sum(y).Backward()
	for _, p := range layer.Parameters() {
		assert.NotNil(t, p.Grad())
	}
}

func TestSequential(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	model := NewSequential(
		NewLinear(r, 4, 8),
		NewReLU(),
		NewLinear(r, 8, 2),
	)
	assert.Len(t, model.Parameters(), 4)

	x := Rand(r, 3, 4)
	y := model.Forward(x)
	assert.Equal(t, []int{3, 2}, y.Shape())

	Sum(y).Backward()
	for _, p := range model.Parameters() {
		assert.NotNil(t, p.Grad())
	}
}

func TestEmbeddingLayer(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	layer := NewEmbedding(r, 0, 0.01, 10, 4)
	x := NewIndices([]int32{1, 3, 1})
	y := layer.Forward(x)
	assert.Equal(t, []int{3, 4}, y.Shape())

	// Identical indices look up identical rows.
	assert.Equal(t, y.Data()[:4], y.Data()[8:])
}
