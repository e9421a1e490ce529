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

// Package mf implements biased matrix factorization for explicit ratings.
package mf

import (
	"context"
	"runtime"

	"github.com/bits-and-blooms/bitset"
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

type Score struct {
	TrainRMSE float32
	ValRMSE   float32
}

type FitConfig struct {
	Verbose    int                                         // epochs between log lines
	YieldEvery int                                         // batches between scheduler yields
	ChunkSize  int                                         // chunk size of validation passes
	OnEpoch    func(epoch int, trainRMSE, valRMSE float32) // per-epoch report hook
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		Verbose:    1,
		YieldEvery: 2,
		ChunkSize:  1024,
	}
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

func (config *FitConfig) SetOnEpoch(f func(epoch int, trainRMSE, valRMSE float32)) *FitConfig {
	config.OnEpoch = f
	return config
}

// Explanation decomposes one prediction into its additive parts. The parts
// sum to the unclipped prediction.
type Explanation struct {
	GlobalMean float32
	UserBias   float32
	ItemBias   float32
	Dot        float32
}

// BiasedMF predicts ratings as the sum of a global mean, per-user and
// per-item biases and the dot product of latent factors:
//
//	r(u,i) = mu + b_u + b_i + p_u q_i^T
//
// Hyper-parameters:
//
//	NFactors   - The number of latent factors. Default is 16.
//	NEpochs    - The number of training epochs. Default is 10.
//	BatchSize  - The mini-batch size, clamped to [64,4096]. Default is 2048.
//	Lr         - The learning rate of Adam. Default is 0.01.
//	Reg        - The batch-scoped L2 regularization strength. Default is 1e-4.
//	InitStdDev - The standard deviation of initial latent factors. Default is 0.01.
type BiasedMF struct {
	model.BaseModel
	// Model parameters
	UserFactor *nn.Tensor // p_u
	ItemFactor *nn.Tensor // q_i
	UserBias   *nn.Tensor // b_u
	ItemBias   *nn.Tensor // b_i
	GlobalMean float32    // mu, fixed at the training set mean

	userPredictable *bitset.BitSet
	itemPredictable *bitset.BitSet
	numUsers        int
	numItems        int

	// Hyper parameters
	nFactors   int
	nEpochs    int
	batchSize  int
	lr         float32
	reg        float32
	initMean   float32
	initStdDev float32
}

// NewBiasedMF creates a biased matrix factorization model.
func NewBiasedMF(params model.Params) *BiasedMF {
	m := new(BiasedMF)
	m.SetParams(params)
	return m
}

// SetParams sets hyper-parameters of the BiasedMF model.
func (m *BiasedMF) SetParams(params model.Params) {
	m.BaseModel.SetParams(params)
	m.nFactors = m.Params.GetInt(model.NFactors, 16)
	m.nEpochs = m.Params.GetInt(model.NEpochs, 10)
	m.batchSize = min(max(m.Params.GetInt(model.BatchSize, 2048), 64), 4096)
	m.lr = m.Params.GetFloat32(model.Lr, 0.01)
	m.reg = m.Params.GetFloat32(model.Reg, 1e-4)
	m.initMean = m.Params.GetFloat32(model.InitMean, 0)
	m.initStdDev = m.Params.GetFloat32(model.InitStdDev, 0.01)
}

// Init allocates fresh parameters sized to the dataset. Users and items that
// never occur in the train split keep their initial weights and are marked
// unpredictable.
func (m *BiasedMF) Init(data *dataset.Dataset, trainIdx []int) {
	rng := m.GetRandomGenerator()
	m.numUsers = data.CountUsers()
	m.numItems = data.CountItems()
	m.UserFactor = nn.Normal(rng.Rand, m.initMean, m.initStdDev, m.numUsers, m.nFactors)
	m.ItemFactor = nn.Normal(rng.Rand, m.initMean, m.initStdDev, m.numItems, m.nFactors)
	m.UserBias = nn.Zeros(m.numUsers, 1)
	m.ItemBias = nn.Zeros(m.numItems, 1)
	m.GlobalMean = data.GlobalMean()
	m.userPredictable = bitset.New(uint(m.numUsers))
	m.itemPredictable = bitset.New(uint(m.numItems))
	ratings := data.GetRatings()
	for _, i := range trainIdx {
		m.userPredictable.Set(uint(ratings[i].UserIndex))
		m.itemPredictable.Set(uint(ratings[i].ItemIndex))
	}
}

// Fit trains the model with Adam on mini-batches of rating triples. The
// optimizer is rebuilt on every invocation so no moment estimates survive a
// retrain. Cancelling ctx stops the loop at the next batch boundary and
// keeps the last applied parameters.
func (m *BiasedMF) Fit(ctx context.Context, data *dataset.Dataset, trainIdx, valIdx []int, config *FitConfig) (Score, error) {
	if config == nil {
		config = NewFitConfig()
	}
	log.Logger().Info("fit biased_mf",
		zap.Int("train_set_size", len(trainIdx)),
		zap.Int("validate_set_size", len(valIdx)),
		zap.Any("params", m.GetParams()))
	m.Init(data, trainIdx)
	ratings := data.GetRatings()
	optimizer := nn.NewAdam([]*nn.Tensor{m.UserFactor, m.ItemFactor, m.UserBias, m.ItemBias}, m.lr)
	rng := m.GetRandomGenerator()
	score := Score{TrainRMSE: math32.NaN(), ValRMSE: math32.NaN()}
	ctx, span := progress.Start(ctx, "BiasedMF.Fit", m.nEpochs)
	for epoch := 1; epoch <= m.nEpochs; epoch++ {
		var sse float64
		perm := rng.Permutation(len(trainIdx))
		for start, batch := 0, 0; start < len(perm); start += m.batchSize {
			if err := ctx.Err(); err != nil {
				span.Cancel()
				return score, err
			}
			end := min(start+m.batchSize, len(perm))
			userIndices := make([]int32, 0, end-start)
			itemIndices := make([]int32, 0, end-start)
			targets := make([]float32, 0, end-start)
			for _, i := range perm[start:end] {
				r := ratings[trainIdx[i]]
				userIndices = append(userIndices, r.UserIndex)
				itemIndices = append(itemIndices, r.ItemIndex)
				targets = append(targets, r.Rating)
			}
			pred, l2 := m.forwardBatch(userIndices, itemIndices)
			mse := nn.Mean(nn.Square(nn.Sub(pred, nn.NewTensor(targets, len(targets)))))
			loss := nn.Add(mse, nn.Mul(nn.NewScalar(m.reg), l2))
			cost := loss.Data()[0]
			if math32.IsNaN(cost) || math32.IsInf(cost, 0) {
				err := errors.Annotatef(model.ErrNumericalInstability, "epoch %d batch %d", epoch, batch)
				span.Fail(err)
				return score, err
			}
			optimizer.ZeroGrad()
			loss.Backward()
			optimizer.Step()
			sse += float64(mse.Data()[0]) * float64(end-start)
			batch++
			if batch%config.YieldEvery == 0 {
				runtime.Gosched()
			}
		}
		score.TrainRMSE = math32.Sqrt(float32(sse / float64(len(trainIdx))))
		score.ValRMSE = m.evaluate(data, valIdx, config.ChunkSize)
		span.Add(1)
		if epoch%config.Verbose == 0 {
			log.Logger().Info("fit biased_mf",
				zap.Int("epoch", epoch),
				zap.Int("n_epochs", m.nEpochs),
				zap.Float32("train_rmse", score.TrainRMSE),
				zap.Float32("val_rmse", score.ValRMSE))
		}
		if config.OnEpoch != nil {
			config.OnEpoch(epoch, score.TrainRMSE, score.ValRMSE)
		}
	}
	span.End()
	return score, nil
}

// forwardBatch computes unclipped predictions and the batch-scoped L2 term
// over the gathered rows only. Regularizing just the touched rows keeps the
// cost of a step proportional to the batch size.
func (m *BiasedMF) forwardBatch(userIndices, itemIndices []int32) (pred, l2 *nn.Tensor) {
	u := nn.NewIndices(userIndices)
	i := nn.NewIndices(itemIndices)
	p := nn.Embedding(m.UserFactor, u)
	q := nn.Embedding(m.ItemFactor, i)
	bu := nn.Flatten(nn.Embedding(m.UserBias, u))
	bi := nn.Flatten(nn.Embedding(m.ItemBias, i))
	pred = nn.Add(nn.Add(nn.Add(nn.RowDot(p, q), bu), bi), nn.NewScalar(m.GlobalMean))
	l2 = nn.Add(
		nn.Add(nn.Sum(nn.Square(p)), nn.Sum(nn.Square(q))),
		nn.Add(nn.Sum(nn.Square(bu)), nn.Sum(nn.Square(bi))))
	return
}

// evaluate computes the RMSE over a rating subset in fixed-size chunks.
// Returns NaN for an empty subset.
func (m *BiasedMF) evaluate(data *dataset.Dataset, idx []int, chunkSize int) float32 {
	if len(idx) == 0 {
		return math32.NaN()
	}
	ratings := data.GetRatings()
	var sse float64
	for start := 0; start < len(idx); start += chunkSize {
		end := min(start+chunkSize, len(idx))
		for _, i := range idx[start:end] {
			r := ratings[i]
			diff := m.internalPredict(r.UserIndex, r.ItemIndex) - r.Rating
			sse += float64(diff) * float64(diff)
		}
	}
	return math32.Sqrt(float32(sse / float64(len(idx))))
}

func (m *BiasedMF) internalPredict(userIndex, itemIndex int32) float32 {
	k := m.nFactors
	p := m.UserFactor.Data()[int(userIndex)*k : (int(userIndex)+1)*k]
	q := m.ItemFactor.Data()[int(itemIndex)*k : (int(itemIndex)+1)*k]
	return m.GlobalMean +
		m.UserBias.Data()[userIndex] +
		m.ItemBias.Data()[itemIndex] +
		floats.Dot(p, q)
}

// Predict returns the clipped rating prediction for a dense user/item pair.
func (m *BiasedMF) Predict(userIndex, itemIndex int32) float32 {
	return Clip(m.internalPredict(userIndex, itemIndex))
}

// Explain decomposes a prediction into its additive parts.
func (m *BiasedMF) Explain(userIndex, itemIndex int32) Explanation {
	k := m.nFactors
	p := m.UserFactor.Data()[int(userIndex)*k : (int(userIndex)+1)*k]
	q := m.ItemFactor.Data()[int(itemIndex)*k : (int(itemIndex)+1)*k]
	return Explanation{
		GlobalMean: m.GlobalMean,
		UserBias:   m.UserBias.Data()[userIndex],
		ItemBias:   m.ItemBias.Data()[itemIndex],
		Dot:        floats.Dot(p, q),
	}
}

// ScoreAll predicts clipped ratings for one user against every item with a
// single dense matrix-vector product.
func (m *BiasedMF) ScoreAll(userIndex int32) []float32 {
	k := m.nFactors
	q := make([]float64, m.numItems*k)
	for i, v := range m.ItemFactor.Data() {
		q[i] = float64(v)
	}
	p := make([]float64, k)
	for i, v := range m.UserFactor.Data()[int(userIndex)*k : (int(userIndex)+1)*k] {
		p[i] = float64(v)
	}
	var dots mat.VecDense
	dots.MulVec(mat.NewDense(m.numItems, k, q), mat.NewVecDense(k, p))
	scores := make([]float32, m.numItems)
	base := m.GlobalMean + m.UserBias.Data()[userIndex]
	for i := range scores {
		scores[i] = Clip(base + m.ItemBias.Data()[i] + float32(dots.AtVec(i)))
	}
	return scores
}

// IsUserPredictable returns false if the user has no train ratings and the
// user's weights were never updated.
func (m *BiasedMF) IsUserPredictable(userIndex int32) bool {
	if userIndex < 0 || int(userIndex) >= m.numUsers {
		return false
	}
	return m.userPredictable.Test(uint(userIndex))
}

// IsItemPredictable returns false if the item has no train ratings.
func (m *BiasedMF) IsItemPredictable(itemIndex int32) bool {
	if itemIndex < 0 || int(itemIndex) >= m.numItems {
		return false
	}
	return m.itemPredictable.Test(uint(itemIndex))
}

// Clear releases model parameters.
func (m *BiasedMF) Clear() {
	m.UserFactor = nil
	m.ItemFactor = nil
	m.UserBias = nil
	m.ItemBias = nil
	m.userPredictable = nil
	m.itemPredictable = nil
}

// Invalid reports whether the model holds no trained weights.
func (m *BiasedMF) Invalid() bool {
	return m == nil ||
		m.UserFactor == nil ||
		m.ItemFactor == nil ||
		m.UserBias == nil ||
		m.ItemBias == nil
}

// Clip bounds a prediction to the valid rating range.
func Clip(x float32) float32 {
	return math32.Min(math32.Max(x, dataset.RatingMin), dataset.RatingMax)
}
