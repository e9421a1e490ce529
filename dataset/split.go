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

package dataset

import (
	"github.com/juju/errors"

	"github.com/sophaaz/hserecsys/base"
)

// ErrEmptySplit is returned when a train/validation partition would leave
// either side empty. An empty validation set makes validation RMSE undefined,
// so the split is rejected before any training starts.
var ErrEmptySplit = errors.New("train/validation split is empty")

// Split shuffles the rating triple indices and partitions them into a train
// part of floor(N*trainFrac) indices and a validation remainder. The two
// parts are disjoint and exhaustive. A fresh shuffle is drawn from rng on
// every call.
func (d *Dataset) Split(trainFrac float32, rng base.RandomGenerator) (trainIdx, valIdx []int, err error) {
	n := len(d.ratings)
	numTrain := int(float32(n) * trainFrac)
	if numTrain == 0 || numTrain == n {
		return nil, nil, errors.Annotatef(ErrEmptySplit,
			"%d triples with train fraction %v", n, trainFrac)
	}
	perm := rng.Permutation(n)
	return perm[:numTrain], perm[numTrain:], nil
}
