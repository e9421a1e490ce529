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

// Package genre scores items by genre overlap. It is the content-based
// fallback for users and items the trained models cannot cover.
package genre

import (
	"sort"

	"github.com/chewxy/math32"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"

	"github.com/sophaaz/hserecsys/common/floats"
	"github.com/sophaaz/hserecsys/dataset"
	"github.com/sophaaz/hserecsys/model"
)

// Similarity measures the overlap of two genre flag vectors.
type Similarity func(a, b []float32) float32

// Cosine similarity of genre vectors. Zero vectors score zero.
func Cosine(a, b []float32) float32 {
	na, nb := floats.Norm(a), floats.Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / na / nb
}

// Jaccard similarity over the sets of flagged genres.
func Jaccard(a, b []float32) float32 {
	var intersection, union float32
	for i := range a {
		if a[i] > 0 && b[i] > 0 {
			intersection++
		}
		if a[i] > 0 || b[i] > 0 {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return intersection / union
}

// Model holds per-item genre vectors and answers similarity queries.
type Model struct {
	data       *dataset.Dataset
	similarity Similarity
	genres     []float32 // flattened item rows
	numGenres  int
}

func NewModel(data *dataset.Dataset, similarity Similarity) *Model {
	return &Model{
		data:       data,
		similarity: similarity,
		genres:     data.ItemGenres(),
		numGenres:  dataset.NumGenres,
	}
}

func (m *Model) itemRow(itemIndex int32) []float32 {
	return m.genres[int(itemIndex)*m.numGenres : (int(itemIndex)+1)*m.numGenres]
}

// ItemNeighbors returns the k items most similar to the given item,
// excluding the item itself. Ties keep the lower item index first.
func (m *Model) ItemNeighbors(itemIndex int32, k int) ([]int32, []float32, error) {
	if itemIndex < 0 || int(itemIndex) >= m.data.CountItems() {
		return nil, nil, errors.Annotatef(model.ErrUnknownItem, "item index %d", itemIndex)
	}
	scores := make([]float32, m.data.CountItems())
	row := m.itemRow(itemIndex)
	for i := range scores {
		if int32(i) == itemIndex {
			scores[i] = math32.Inf(-1)
			continue
		}
		scores[i] = m.similarity(row, m.itemRow(int32(i)))
	}
	indices, top := topK(scores, k, nil)
	return indices, top, nil
}

// RecommendByProfile scores all items against the user's aggregated genre
// profile and returns the top k, skipping items the user already rated.
func (m *Model) RecommendByProfile(userIndex int32, threshold float32, k int) ([]int32, []float32) {
	profiles := m.data.UserGenres(threshold)
	profile := profiles[int(userIndex)*m.numGenres : (int(userIndex)+1)*m.numGenres]
	scores := make([]float32, m.data.CountItems())
	for i := range scores {
		scores[i] = m.similarity(profile, m.itemRow(int32(i)))
	}
	return topK(scores, k, m.data.UserRated(userIndex))
}

func topK(scores []float32, k int, exclude mapset.Set[int32]) ([]int32, []float32) {
	order := make([]int32, 0, len(scores))
	for i := range scores {
		if exclude != nil && exclude.Contains(int32(i)) {
			continue
		}
		order = append(order, int32(i))
	}
	sort.Slice(order, func(a, b int) bool {
		sa, sb := scores[order[a]], scores[order[b]]
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
		topScores[i] = scores[itemIndex]
	}
	return order, topScores
}
