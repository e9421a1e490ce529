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

// Package config loads and validates the engine configuration.
package config

import (
	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sophaaz/hserecsys/base/log"
	"github.com/sophaaz/hserecsys/model"
)

// Hyper-parameter bounds. Out-of-range values are clamped with a warning
// rather than rejected.
const (
	MinBatchSize = 64
	MaxBatchSize = 4096
	MinLr        = 1e-5
	MaxLr        = 0.5
	MaxL2        = 0.1
)

// Config is the root configuration of the engine.
type Config struct {
	Data  DataConfig  `mapstructure:"data"`
	Train TrainConfig `mapstructure:"train"`
}

// DataConfig describes the MovieLens files and the split.
type DataConfig struct {
	ItemPath   string  `mapstructure:"item_path" validate:"required"`
	RatingPath string  `mapstructure:"rating_path" validate:"required"`
	TrainFrac  float32 `mapstructure:"train_frac" validate:"gt=0,lt=1"`
}

// TrainConfig holds the model choice and its hyper-parameters.
type TrainConfig struct {
	Model              string  `mapstructure:"model" validate:"oneof=mf two_tower"`
	EmbeddingDim       int     `mapstructure:"embedding_dim" validate:"gt=0"`
	HiddenSize         int     `mapstructure:"hidden_size" validate:"gt=0"`
	Epochs             int     `mapstructure:"epochs" validate:"gt=0"`
	BatchSize          int     `mapstructure:"batch_size"`
	Lr                 float32 `mapstructure:"lr"`
	L2                 float32 `mapstructure:"l2"`
	LossType           string  `mapstructure:"loss_type" validate:"oneof=softmax bpr"`
	Normalize          bool    `mapstructure:"normalize"`
	UseGenres          bool    `mapstructure:"use_genres"`
	PosRatingThreshold float32 `mapstructure:"pos_rating_threshold" validate:"gte=1,lte=5"`
	Seed               int64   `mapstructure:"seed"`
}

func setDefault(v *viper.Viper) {
	v.SetDefault("data.train_frac", 0.9)
	v.SetDefault("train.model", "mf")
	v.SetDefault("train.embedding_dim", 16)
	v.SetDefault("train.hidden_size", 32)
	v.SetDefault("train.epochs", 10)
	v.SetDefault("train.batch_size", 2048)
	v.SetDefault("train.lr", 0.01)
	v.SetDefault("train.l2", 1e-4)
	v.SetDefault("train.loss_type", "softmax")
	v.SetDefault("train.pos_rating_threshold", 4)
}

// LoadConfig loads the configuration from a TOML/YAML file, fills in
// defaults, clamps hyper-parameters into their supported ranges and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefault(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, errors.Trace(err)
	}
	conf.clamp()
	if err := validator.New().Struct(&conf); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

// clamp forces numeric hyper-parameters into their supported ranges.
func (conf *Config) clamp() {
	if conf.Train.BatchSize < MinBatchSize || conf.Train.BatchSize > MaxBatchSize {
		clamped := min(max(conf.Train.BatchSize, MinBatchSize), MaxBatchSize)
		log.Logger().Warn("batch_size out of range, clamped",
			zap.Int("value", conf.Train.BatchSize), zap.Int("clamped", clamped))
		conf.Train.BatchSize = clamped
	}
	if conf.Train.Lr < MinLr || conf.Train.Lr > MaxLr {
		clamped := min(max(conf.Train.Lr, float32(MinLr)), float32(MaxLr))
		log.Logger().Warn("lr out of range, clamped",
			zap.Float32("value", conf.Train.Lr), zap.Float32("clamped", clamped))
		conf.Train.Lr = clamped
	}
	if conf.Train.L2 < 0 || conf.Train.L2 > MaxL2 {
		clamped := min(max(conf.Train.L2, 0), float32(MaxL2))
		log.Logger().Warn("l2 out of range, clamped",
			zap.Float32("value", conf.Train.L2), zap.Float32("clamped", clamped))
		conf.Train.L2 = clamped
	}
}

// ModelParams converts the training section into model hyper-parameters.
func (conf *Config) ModelParams() model.Params {
	return model.Params{
		model.NFactors:     conf.Train.EmbeddingDim,
		model.HiddenSize:   conf.Train.HiddenSize,
		model.NEpochs:      conf.Train.Epochs,
		model.BatchSize:    conf.Train.BatchSize,
		model.Lr:           conf.Train.Lr,
		model.Reg:          conf.Train.L2,
		model.LossType:     conf.Train.LossType,
		model.Normalize:    conf.Train.Normalize,
		model.PosThreshold: conf.Train.PosRatingThreshold,
		model.RandomState:  conf.Train.Seed,
	}
}
