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

// Package tower implements a two-tower embedding model over implicit
// feedback with optional genre content features.
package tower

import (
	"context"
	"runtime"
	"sort"

	"github.com/chewxy/math32"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/sophaaz/hserecsys/base/log"
	"github.com/sophaaz/hserecsys/base/progress"
	"github.com/sophaaz/hserecsys/common/floats"
	"github.com/sophaaz/hserecsys/common/nn"
	"github.com/sophaaz/hserecsys/dataset"
	"github.com/sophaaz/hserecsys/model"
)

// normEps guards the division when normalizing all-zero tower outputs.
const normEps = 1e-8

// maxNegativeRetries bounds rejection sampling of negative items. Colliding
// with an already seen item after that many draws is accepted.
const maxNegativeRetries = 8

type Score struct {
	TrainLoss float32
}

type FitConfig struct {
	Verbose    int                           // epochs between log lines
	YieldEvery int                           // batches between scheduler yields
	ChunkSize  int                           // chunk size of embedding materialization
	OnEpoch    func(epoch int, loss float32) // per-epoch report hook
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		Verbose:    1,
		YieldEvery: 2,
		ChunkSize:  512,
	}
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

func (config *FitConfig) SetOnEpoch(f func(epoch int, loss float32)) *FitConfig {
	config.OnEpoch = f
	return config
}

// TwoTower maps users and items into a shared embedding space with two
// feed-forward towers over ID embeddings and optional genre features, and
// scores pairs by dot product.
//
// Hyper-parameters:
//
//	NFactors     - The dimension of ID embeddings and of the shared space. Default is 16.
//	HiddenSize   - The width of the towers' hidden layer. Default is 32.
//	NEpochs      - The number of training epochs. Default is 10.
//	BatchSize    - The mini-batch size, clamped to [64,4096]. Default is 2048.
//	Lr           - The learning rate of Adam. Default is 0.01.
//	Reg          - The batch-scoped L2 regularization strength. Default is 1e-4.
//	LossType     - softmax (in-batch negatives) or bpr (sampled negatives). Default is softmax.
//	Normalize    - L2-normalize tower outputs. Default is false.
//	PosThreshold - The minimum rating of a positive pair. Default is 4.
type TwoTower struct {
	model.BaseModel
	// Model parameters
	UserEmbedding *nn.Tensor
	ItemEmbedding *nn.Tensor
	userTower     nn.Model
	itemTower     nn.Model
	// Content features, fixed during training
	userGenres *nn.Tensor
	itemGenres *nn.Tensor

	optimizer nn.Optimizer
	itemCache *mat.Dense
	numUsers  int
	numItems  int

	// Hyper parameters
	nFactors     int
	hiddenSize   int
	nEpochs      int
	batchSize    int
	lr           float32
	reg          float32
	initStdDev   float32
	lossType     string
	normalize    bool
	posThreshold float32
}

// NewTwoTower creates a two-tower model.
func NewTwoTower(params model.Params) *TwoTower {
	m := new(TwoTower)
	m.SetParams(params)
	return m
}

// SetParams sets hyper-parameters of the TwoTower model.
func (m *TwoTower) SetParams(params model.Params) {
	m.BaseModel.SetParams(params)
	m.nFactors = m.Params.GetInt(model.NFactors, 16)
	m.hiddenSize = m.Params.GetInt(model.HiddenSize, 32)
	m.nEpochs = m.Params.GetInt(model.NEpochs, 10)
	m.batchSize = min(max(m.Params.GetInt(model.BatchSize, 2048), 64), 4096)
	m.lr = m.Params.GetFloat32(model.Lr, 0.01)
	m.reg = m.Params.GetFloat32(model.Reg, 1e-4)
	m.initStdDev = m.Params.GetFloat32(model.InitStdDev, 0.01)
	m.lossType = m.Params.GetString(model.LossType, model.LossSoftmax)
	m.normalize = m.Params.GetBool(model.Normalize, false)
	m.posThreshold = m.Params.GetFloat32(model.PosThreshold, 4)
}

// SetFeatures attaches genre feature matrices, stored with L2-normalized
// rows. itemGenres is required for content-aware item towers, userGenres is
// optional. Passing the same matrices twice is a no-op in effect: features
// are replaced, never accumulated. Must be called before Fit so the towers
// are sized for the concatenated input width.
func (m *TwoTower) SetFeatures(itemGenres, userGenres []float32, numItems, numUsers int) {
	if itemGenres != nil {
		m.itemGenres = normalizedRows(itemGenres, numItems)
	} else {
		m.itemGenres = nil
	}
	if userGenres != nil {
		m.userGenres = normalizedRows(userGenres, numUsers)
	} else {
		m.userGenres = nil
	}
	m.itemCache = nil
}

func normalizedRows(data []float32, rows int) *nn.Tensor {
	cols := len(data) / rows
	normalized := make([]float32, len(data))
	copy(normalized, data)
	for i := 0; i < rows; i++ {
		floats.Normalize(normalized[i*cols : (i+1)*cols])
	}
	return nn.NewTensor(normalized, rows, cols)
}

// Init allocates fresh embeddings, towers and optimizer. The input width of
// each tower is decided here from the configured features, so genre-less
// configurations work without any lazy shape inference.
func (m *TwoTower) Init(data *dataset.Dataset) {
	rng := m.GetRandomGenerator()
	m.numUsers = data.CountUsers()
	m.numItems = data.CountItems()
	m.UserEmbedding = nn.Normal(rng.Rand, 0, m.initStdDev, m.numUsers, m.nFactors)
	m.ItemEmbedding = nn.Normal(rng.Rand, 0, m.initStdDev, m.numItems, m.nFactors)
	userIn := m.nFactors
	if m.userGenres != nil {
		userIn += m.userGenres.Shape()[1]
	}
	itemIn := m.nFactors
	if m.itemGenres != nil {
		itemIn += m.itemGenres.Shape()[1]
	}
	m.userTower = nn.NewSequential(
		nn.NewLinear(rng.Rand, userIn, m.hiddenSize),
		nn.NewReLU(),
		nn.NewLinear(rng.Rand, m.hiddenSize, m.nFactors))
	m.itemTower = nn.NewSequential(
		nn.NewLinear(rng.Rand, itemIn, m.hiddenSize),
		nn.NewReLU(),
		nn.NewLinear(rng.Rand, m.hiddenSize, m.nFactors))
	params := []*nn.Tensor{m.UserEmbedding, m.ItemEmbedding}
	params = append(params, m.userTower.Parameters()...)
	params = append(params, m.itemTower.Parameters()...)
	m.optimizer = nn.NewAdam(params, m.lr)
	m.itemCache = nil
}

// Fit trains the towers on positive pairs derived from the dataset.
// Cancelling ctx stops the loop at the next batch boundary and keeps the
// last applied parameters.
func (m *TwoTower) Fit(ctx context.Context, data *dataset.Dataset, config *FitConfig) (Score, error) {
	if config == nil {
		config = NewFitConfig()
	}
	pairs, threshold := data.PositivePairs(m.posThreshold)
	if len(pairs) == 0 {
		return Score{TrainLoss: math32.NaN()}, errors.Errorf("no positive pairs at threshold %v", threshold)
	}
	log.Logger().Info("fit two_tower",
		zap.Int("num_pairs", len(pairs)),
		zap.Float32("pos_threshold", threshold),
		zap.Any("params", m.GetParams()))
	m.Init(data)
	rng := m.GetRandomGenerator()
	score := Score{TrainLoss: math32.NaN()}
	ctx, span := progress.Start(ctx, "TwoTower.Fit", m.nEpochs)
	for epoch := 1; epoch <= m.nEpochs; epoch++ {
		var sum float64
		perm := rng.Permutation(len(pairs))
		for start, batch := 0, 0; start < len(perm); start += m.batchSize {
			if err := ctx.Err(); err != nil {
				span.Cancel()
				return score, err
			}
			end := min(start+m.batchSize, len(perm))
			users := make([]int32, 0, end-start)
			items := make([]int32, 0, end-start)
			for _, i := range perm[start:end] {
				users = append(users, pairs[i].UserIndex)
				items = append(items, pairs[i].ItemIndex)
			}
			cost, err := m.TrainStep(users, items)
			if err != nil {
				err = errors.Annotatef(err, "epoch %d batch %d", epoch, batch)
				span.Fail(err)
				return score, err
			}
			sum += float64(cost) * float64(end-start)
			batch++
			if batch%config.YieldEvery == 0 {
				runtime.Gosched()
			}
		}
		score.TrainLoss = float32(sum / float64(len(pairs)))
		span.Add(1)
		if epoch%config.Verbose == 0 {
			log.Logger().Info("fit two_tower",
				zap.Int("epoch", epoch),
				zap.Int("n_epochs", m.nEpochs),
				zap.Float32("loss", score.TrainLoss))
		}
		if config.OnEpoch != nil {
			config.OnEpoch(epoch, score.TrainLoss)
		}
	}
	span.End()
	return score, nil
}

// TrainStep applies one optimizer step on a batch of positive pairs and
// returns the batch loss. Any cached item embeddings are invalidated since
// the parameters changed.
func (m *TwoTower) TrainStep(users, items []int32) (float32, error) {
	u := m.userForward(users)
	v := m.itemForward(items)
	var loss *nn.Tensor
	switch m.lossType {
	case model.LossBPR:
		vneg := m.itemForward(m.sampleNegatives(items))
		diff := nn.Sub(nn.RowDot(u, v), nn.RowDot(u, vneg))
		loss = nn.Mul(nn.Mean(nn.Log(nn.Sigmoid(diff))), nn.NewScalar(-1))
	default:
		// Every other item in the batch acts as an implicit negative.
		logits := nn.MatMulT(u, v)
		loss = nn.Mean(nn.Sub(nn.LogSumExp(logits), nn.Diag(logits)))
	}
	eu := nn.Embedding(m.UserEmbedding, nn.NewIndices(users))
	ev := nn.Embedding(m.ItemEmbedding, nn.NewIndices(items))
	l2 := nn.Add(
		nn.Add(nn.Sum(nn.Square(u)), nn.Sum(nn.Square(v))),
		nn.Add(nn.Sum(nn.Square(eu)), nn.Sum(nn.Square(ev))))
	loss = nn.Add(loss, nn.Mul(nn.NewScalar(m.reg), l2))
	cost := loss.Data()[0]
	if math32.IsNaN(cost) || math32.IsInf(cost, 0) {
		return cost, errors.Trace(model.ErrNumericalInstability)
	}
	m.optimizer.ZeroGrad()
	loss.Backward()
	m.optimizer.Step()
	m.itemCache = nil
	return cost, nil
}

func (m *TwoTower) userForward(userIndices []int32) *nn.Tensor {
	idx := nn.NewIndices(userIndices)
	x := nn.Embedding(m.UserEmbedding, idx)
	if m.userGenres != nil {
		x = nn.Concat(x, nn.Embedding(m.userGenres, idx))
	}
	h := m.userTower.Forward(x)
	if m.normalize {
		h = nn.L2Normalize(h, normEps)
	}
	return h
}

func (m *TwoTower) itemForward(itemIndices []int32) *nn.Tensor {
	idx := nn.NewIndices(itemIndices)
	x := nn.Embedding(m.ItemEmbedding, idx)
	if m.itemGenres != nil {
		x = nn.Concat(x, nn.Embedding(m.itemGenres, idx))
	}
	h := m.itemTower.Forward(x)
	if m.normalize {
		h = nn.L2Normalize(h, normEps)
	}
	return h
}

// sampleNegatives draws one negative item per positive, rejecting exact
// duplicates of the positive with a bounded number of retries.
func (m *TwoTower) sampleNegatives(positives []int32) []int32 {
	rng := m.GetRandomGenerator()
	negatives := make([]int32, len(positives))
	for i, positive := range positives {
		negative := int32(rng.Intn(m.numItems))
		for retry := 0; negative == positive && retry < maxNegativeRetries; retry++ {
			negative = int32(rng.Intn(m.numItems))
		}
		negatives[i] = negative
	}
	return negatives
}

// MaterializeItemEmbeddings forward-passes all items in fixed-size chunks
// and caches the stacked result. The cache is dropped by any training step
// or feature change and rebuilt lazily here.
func (m *TwoTower) MaterializeItemEmbeddings(chunkSize int) *mat.Dense {
	if m.itemCache != nil {
		return m.itemCache
	}
	dense := mat.NewDense(m.numItems, m.nFactors, nil)
	for start := 0; start < m.numItems; start += chunkSize {
		end := min(start+chunkSize, m.numItems)
		indices := make([]int32, 0, end-start)
		for i := start; i < end; i++ {
			indices = append(indices, int32(i))
		}
		emb := m.itemForward(indices).Data()
		for i := start; i < end; i++ {
			for j := 0; j < m.nFactors; j++ {
				dense.Set(i, j, float64(emb[(i-start)*m.nFactors+j]))
			}
		}
	}
	m.itemCache = dense
	return dense
}

// TopK returns the indices and scores of the k items scoring highest
// against the user's embedding. Ties are broken by the lower item index.
func (m *TwoTower) TopK(userIndex int32, k int, chunkSize int) ([]int32, []float32) {
	cache := m.MaterializeItemEmbeddings(chunkSize)
	u := m.userForward([]int32{userIndex}).Data()
	u64 := make([]float64, len(u))
	for i, v := range u {
		u64[i] = float64(v)
	}
	var scores mat.VecDense
	scores.MulVec(cache, mat.NewVecDense(m.nFactors, u64))
	order := make([]int32, m.numItems)
	for i := range order {
		order[i] = int32(i)
	}
	sort.Slice(order, func(a, b int) bool {
		sa, sb := scores.AtVec(int(order[a])), scores.AtVec(int(order[b]))
		if sa != sb {
			return sa > sb
		}
		return order[a] < order[b]
	})
	if k < len(order) {
		order = order[:k]
	}
	topScores := make([]float32, len(order))
	for i, itemIndex := range order {
		topScores[i] = float32(scores.AtVec(int(itemIndex)))
	}
	return order, topScores
}

// Clear releases model parameters.
func (m *TwoTower) Clear() {
	m.UserEmbedding = nil
	m.ItemEmbedding = nil
	m.userTower = nil
	m.itemTower = nil
	m.optimizer = nil
	m.itemCache = nil
}

// Invalid reports whether the model holds no trained weights.
func (m *TwoTower) Invalid() bool {
	return m == nil ||
		m.UserEmbedding == nil ||
		m.ItemEmbedding == nil ||
		m.userTower == nil ||
		m.itemTower == nil
}
