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

package tower

import (
	"context"
	"fmt"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophaaz/hserecsys/common/nn"
	"github.com/sophaaz/hserecsys/dataset"
	"github.com/sophaaz/hserecsys/model"
)

// newImplicitDataset builds a dataset where user u likes items with
// i%3 == u%3 and dislikes the rest.
func newImplicitDataset(t *testing.T, numUsers, numItems int) *dataset.Dataset {
	d := dataset.NewDataset(numUsers, numItems)
	for i := 0; i < numItems; i++ {
		genres := make([]float32, dataset.NumGenres)
		genres[i%dataset.NumGenres] = 1
		d.AddItem(dataset.Item{
			ItemId: fmt.Sprintf("i%d", i),
			Title:  fmt.Sprintf("Item %d", i),
			Genres: genres,
		})
	}
	for u := 0; u < numUsers; u++ {
		for i := 0; i < numItems; i++ {
			rating := float32(2)
			if i%3 == u%3 {
				rating = 5
			}
			require.True(t, d.AddRating(fmt.Sprintf("u%d", u), fmt.Sprintf("i%d", i), rating))
		}
	}
	return d
}

func TestTwoTowerFitSoftmax(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	m := NewTwoTower(model.Params{
		model.NFactors:    8,
		model.NEpochs:     20,
		model.BatchSize:   64,
		model.Lr:          0.05,
		model.RandomState: int64(42),
	})
	score, err := m.Fit(context.Background(), data, NewFitConfig().SetVerbose(5))
	require.NoError(t, err)
	assert.False(t, math32.IsNaN(score.TrainLoss))
	assert.False(t, m.Invalid())
	// Random embeddings in a batch of 64 sit near log(64). Training must
	// push the aligned pairs well below that.
	assert.Less(t, score.TrainLoss, math32.Log(64))
}

func TestTwoTowerFitBPR(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	m := NewTwoTower(model.Params{
		model.NFactors:    8,
		model.NEpochs:     20,
		model.BatchSize:   64,
		model.Lr:          0.05,
		model.LossType:    model.LossBPR,
		model.RandomState: int64(42),
	})
	score, err := m.Fit(context.Background(), data, NewFitConfig().SetVerbose(5))
	require.NoError(t, err)
	// An untrained model scores positives and negatives alike, giving
	// -log(sigmoid(0)) = log(2).
	assert.Less(t, score.TrainLoss, math32.Log(2))
}

// Perfectly aligned batches must score a lower in-batch softmax loss than
// the same batch with shuffled users.
func TestSoftmaxAlignmentOrdering(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	m := NewTwoTower(model.Params{
		model.NFactors:    8,
		model.NEpochs:     10,
		model.BatchSize:   64,
		model.Lr:          0.05,
		model.RandomState: int64(7),
	})
	_, err := m.Fit(context.Background(), data, NewFitConfig().SetVerbose(5))
	require.NoError(t, err)

	pairs, _ := data.PositivePairs(4)
	users := make([]int32, len(pairs))
	items := make([]int32, len(pairs))
	for i, p := range pairs {
		users[i] = p.UserIndex
		items[i] = p.ItemIndex
	}
	aligned := m.batchSoftmaxLoss(users, items)
	shuffled := make([]int32, len(users))
	for i, j := range m.GetRandomGenerator().Permutation(len(users)) {
		shuffled[i] = users[j]
	}
	permuted := m.batchSoftmaxLoss(shuffled, items)
	assert.Less(t, aligned, permuted)
}

// batchSoftmaxLoss evaluates the in-batch softmax objective without
// touching the optimizer.
func (m *TwoTower) batchSoftmaxLoss(users, items []int32) float32 {
	logits := nn.MatMulT(m.userForward(users), m.itemForward(items))
	return nn.Mean(nn.Sub(nn.LogSumExp(logits), nn.Diag(logits))).Data()[0]
}

func TestGenreFeaturesWidenTowers(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	m := NewTwoTower(model.Params{
		model.NFactors:  8,
		model.NEpochs:   2,
		model.BatchSize: 64,
	})
	m.SetFeatures(data.ItemGenres(), data.UserGenres(4), data.CountItems(), data.CountUsers())
	_, err := m.Fit(context.Background(), data, nil)
	require.NoError(t, err)
	assert.False(t, m.Invalid())
	// Item-only features must also fit, with the user tower back to ID width.
	m.SetFeatures(data.ItemGenres(), nil, data.CountItems(), 0)
	_, err = m.Fit(context.Background(), data, nil)
	require.NoError(t, err)
}

func TestSetFeaturesIdempotent(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	m := NewTwoTower(model.Params{model.NFactors: 8, model.NEpochs: 1, model.BatchSize: 64})
	m.SetFeatures(data.ItemGenres(), nil, data.CountItems(), 0)
	m.SetFeatures(data.ItemGenres(), nil, data.CountItems(), 0)
	_, err := m.Fit(context.Background(), data, nil)
	require.NoError(t, err)
	before := m.itemForward([]int32{0}).Data()
	m.SetFeatures(data.ItemGenres(), nil, data.CountItems(), 0)
	assert.Equal(t, before, m.itemForward([]int32{0}).Data())
}

func TestNormalizedOutputsHaveUnitNorm(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	m := NewTwoTower(model.Params{
		model.NFactors:  8,
		model.NEpochs:   1,
		model.BatchSize: 64,
		model.Normalize: true,
	})
	_, err := m.Fit(context.Background(), data, nil)
	require.NoError(t, err)
	out := m.userForward([]int32{0, 1, 2}).Data()
	for row := 0; row < 3; row++ {
		var norm float32
		for j := 0; j < 8; j++ {
			norm += out[row*8+j] * out[row*8+j]
		}
		assert.InDelta(t, 1.0, math32.Sqrt(norm), 1e-4)
	}
}

func TestMaterializeCacheInvalidation(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	m := NewTwoTower(model.Params{model.NFactors: 8, model.NEpochs: 1, model.BatchSize: 64})
	_, err := m.Fit(context.Background(), data, nil)
	require.NoError(t, err)

	first := m.MaterializeItemEmbeddings(4)
	assert.Same(t, first, m.MaterializeItemEmbeddings(4))

	// A training step moves the parameters, so the cache must be rebuilt.
	_, err = m.TrainStep([]int32{0, 1}, []int32{0, 3})
	require.NoError(t, err)
	second := m.MaterializeItemEmbeddings(4)
	assert.NotSame(t, first, second)
	for i := 0; i < data.CountItems(); i++ {
		emb := m.itemForward([]int32{int32(i)}).Data()
		for j := 0; j < 8; j++ {
			assert.InDelta(t, float64(emb[j]), second.At(i, j), 1e-6)
		}
	}
}

func TestTopKTieBreak(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	m := NewTwoTower(model.Params{model.NFactors: 8, model.NEpochs: 1, model.BatchSize: 64})
	_, err := m.Fit(context.Background(), data, nil)
	require.NoError(t, err)

	indices, scores := m.TopK(0, 5, 4)
	require.Len(t, indices, 5)
	require.Len(t, scores, 5)
	for i := 1; i < len(scores); i++ {
		if scores[i-1] == scores[i] {
			// Equal scores keep the lower item index first.
			assert.Less(t, indices[i-1], indices[i])
		} else {
			assert.Greater(t, scores[i-1], scores[i])
		}
	}
}

func TestTwoTowerCancellation(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewTwoTower(model.Params{model.NFactors: 8, model.NEpochs: 10, model.BatchSize: 64})
	var snapshot []float32
	config := NewFitConfig().SetOnEpoch(func(epoch int, _ float32) {
		if epoch == 1 {
			snapshot = append([]float32(nil), m.UserEmbedding.Data()...)
			cancel()
		}
	})
	_, err := m.Fit(ctx, data, config)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, snapshot)
	assert.Equal(t, snapshot, m.UserEmbedding.Data())
}

func TestTwoTowerRetrainWithDifferentDimension(t *testing.T) {
	data := newImplicitDataset(t, 12, 9)
	m := NewTwoTower(model.Params{model.NFactors: 8, model.NEpochs: 1, model.BatchSize: 64})
	_, err := m.Fit(context.Background(), data, nil)
	require.NoError(t, err)

	m.Clear()
	assert.True(t, m.Invalid())
	m.SetParams(model.Params{model.NFactors: 4, model.NEpochs: 1, model.BatchSize: 64})
	_, err = m.Fit(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{data.CountUsers(), 4}, m.UserEmbedding.Shape())
}

func TestNoPositivePairs(t *testing.T) {
	d := dataset.NewDataset(1, 1)
	d.AddItem(dataset.Item{ItemId: "i0", Genres: make([]float32, dataset.NumGenres)})
	require.True(t, d.AddRating("u0", "i0", 1))
	m := NewTwoTower(nil)
	_, err := m.Fit(context.Background(), d, nil)
	assert.Error(t, err)
}
