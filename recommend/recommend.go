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

// Package recommend turns trained models into ranked item lists for raw
// user IDs, excluding items the user has already rated.
package recommend

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"
	"github.com/samber/lo"

	"github.com/sophaaz/hserecsys/dataset"
	"github.com/sophaaz/hserecsys/model"
	"github.com/sophaaz/hserecsys/model/genre"
	"github.com/sophaaz/hserecsys/model/mf"
	"github.com/sophaaz/hserecsys/model/tower"
)

// retrievalFloor is the minimum candidate count requested from the
// embedding index before rated items are filtered out.
const retrievalFloor = 200

// materializeChunkSize is the chunk size for item embedding materialization.
const materializeChunkSize = 512

// Recommendation is one ranked item with the raw catalog fields attached.
type Recommendation struct {
	ItemId      string
	Title       string
	Genres      []string
	Score       float32
	Explanation *mf.Explanation
}

// Retriever answers top-k queries over the attached models. Models are
// optional: a query against a missing or cleared model fails with
// ErrNotTrained.
type Retriever struct {
	data      *dataset.Dataset
	rating    *mf.BiasedMF
	embedding *tower.TwoTower

	fallback          *genre.Model
	fallbackThreshold float32
}

func NewRetriever(data *dataset.Dataset) *Retriever {
	return &Retriever{data: data}
}

// SetRatingModel attaches the rating predictor used by RecommendByRating.
func (r *Retriever) SetRatingModel(m *mf.BiasedMF) {
	r.rating = m
}

// SetEmbeddingModel attaches the two-tower model used by RecommendByEmbedding.
func (r *Retriever) SetEmbeddingModel(m *tower.TwoTower) {
	r.embedding = m
}

// SetFallbackModel attaches the content-based model serving users the rating
// model cannot cover. posThreshold selects the ratings that build the user's
// genre profile.
func (r *Retriever) SetFallbackModel(m *genre.Model, posThreshold float32) {
	r.fallback = m
	r.fallbackThreshold = posThreshold
}

// RecommendByRating ranks unrated items by predicted rating. Users absent
// from the training split fall back to genre-profile similarity when a
// fallback model is attached, otherwise to per-item average ratings.
func (r *Retriever) RecommendByRating(userId string, k int) ([]Recommendation, error) {
	if r.rating == nil || r.rating.Invalid() {
		return nil, errors.Trace(model.ErrNotTrained)
	}
	userIndex, ok := r.data.UserIndex(userId)
	if !ok {
		return nil, errors.Annotatef(model.ErrUnknownUser, "user %q", userId)
	}
	var scores []float32
	explained := r.rating.IsUserPredictable(userIndex)
	switch {
	case explained:
		scores = r.rating.ScoreAll(userIndex)
	case r.fallback != nil:
		indices, top := r.fallback.RecommendByProfile(userIndex, r.fallbackThreshold, k)
		return lo.Map(indices, func(itemIndex int32, i int) Recommendation {
			return r.describe(itemIndex, top[i])
		}), nil
	default:
		scores = make([]float32, r.data.CountItems())
		for i := range scores {
			scores[i] = r.data.ItemAverage(int32(i))
		}
	}
	indices, top := topUnrated(scores, k, r.data.UserRated(userIndex))
	return lo.Map(indices, func(itemIndex int32, i int) Recommendation {
		rec := r.describe(itemIndex, top[i])
		if explained {
			explanation := r.rating.Explain(userIndex, itemIndex)
			rec.Explanation = &explanation
		}
		return rec
	}), nil
}

// RecommendByEmbedding ranks unrated items by two-tower dot product. The
// candidate set is inflated before rated items are filtered, so a user
// with a long history still receives k results.
func (r *Retriever) RecommendByEmbedding(userId string, k int) ([]Recommendation, error) {
	if r.embedding == nil || r.embedding.Invalid() {
		return nil, errors.Trace(model.ErrNotTrained)
	}
	userIndex, ok := r.data.UserIndex(userId)
	if !ok {
		return nil, errors.Annotatef(model.ErrUnknownUser, "user %q", userId)
	}
	candidates := max(5*k, retrievalFloor)
	indices, scores := r.embedding.TopK(userIndex, candidates, materializeChunkSize)
	rated := r.data.UserRated(userIndex)
	recommendations := make([]Recommendation, 0, k)
	for i, itemIndex := range indices {
		if rated.Contains(itemIndex) {
			continue
		}
		recommendations = append(recommendations, r.describe(itemIndex, scores[i]))
		if len(recommendations) == k {
			break
		}
	}
	return recommendations, nil
}

func (r *Retriever) describe(itemIndex int32, score float32) Recommendation {
	item := r.data.GetItems()[itemIndex]
	return Recommendation{
		ItemId: item.ItemId,
		Title:  item.Title,
		Genres: r.data.ItemGenreNames(itemIndex),
		Score:  score,
	}
}

// topUnrated returns the k highest scoring item indices not in rated.
// Equal scores keep the lower item index first.
func topUnrated(scores []float32, k int, rated mapset.Set[int32]) ([]int32, []float32) {
	order := make([]int32, 0, len(scores))
	for i := range scores {
		if !rated.Contains(int32(i)) {
			order = append(order, int32(i))
		}
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
	return order, lo.Map(order, func(itemIndex int32, _ int) float32 {
		return scores[itemIndex]
	})
}
