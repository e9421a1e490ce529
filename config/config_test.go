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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophaaz/hserecsys/model"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[data]
item_path = "u.item"
rating_path = "u.data"
`)
	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, float32(0.9), conf.Data.TrainFrac)
	assert.Equal(t, "mf", conf.Train.Model)
	assert.Equal(t, 16, conf.Train.EmbeddingDim)
	assert.Equal(t, 10, conf.Train.Epochs)
	assert.Equal(t, 2048, conf.Train.BatchSize)
	assert.Equal(t, float32(0.01), conf.Train.Lr)
	assert.Equal(t, float32(1e-4), conf.Train.L2)
	assert.Equal(t, "softmax", conf.Train.LossType)
	assert.Equal(t, float32(4), conf.Train.PosRatingThreshold)
}

func TestLoadConfigClamps(t *testing.T) {
	path := writeConfig(t, `
[data]
item_path = "u.item"
rating_path = "u.data"

[train]
batch_size = 10
lr = 2.0
l2 = 0.5
`)
	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, MinBatchSize, conf.Train.BatchSize)
	assert.Equal(t, float32(MaxLr), conf.Train.Lr)
	assert.Equal(t, float32(MaxL2), conf.Train.L2)
}

func TestLoadConfigRejectsUnknownModel(t *testing.T) {
	path := writeConfig(t, `
[data]
item_path = "u.item"
rating_path = "u.data"

[train]
model = "svd++"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsUnknownLoss(t *testing.T) {
	path := writeConfig(t, `
[data]
item_path = "u.item"
rating_path = "u.data"

[train]
loss_type = "hinge"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRequiresPaths(t *testing.T) {
	path := writeConfig(t, `
[train]
epochs = 5
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadTrainFrac(t *testing.T) {
	path := writeConfig(t, `
[data]
item_path = "u.item"
rating_path = "u.data"
train_frac = 1.0
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestModelParams(t *testing.T) {
	path := writeConfig(t, `
[data]
item_path = "u.item"
rating_path = "u.data"

[train]
model = "two_tower"
embedding_dim = 8
loss_type = "bpr"
normalize = true
seed = 42
`)
	conf, err := LoadConfig(path)
	require.NoError(t, err)
	params := conf.ModelParams()
	assert.Equal(t, 8, params.GetInt(model.NFactors, 0))
	assert.Equal(t, model.LossBPR, params.GetString(model.LossType, ""))
	assert.True(t, params.GetBool(model.Normalize, false))
	assert.Equal(t, int64(42), params.GetInt64(model.RandomState, 0))
	assert.Equal(t, float32(4), params.GetFloat32(model.PosThreshold, 0))
}
