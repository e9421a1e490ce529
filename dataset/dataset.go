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

// Package dataset holds rating triples over dense user and item indices,
// together with the derived aggregates the models consume: per-user rated
// sets, per-item rating statistics and genre feature matrices.
package dataset

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sophaaz/hserecsys/common/floats"
)

// NumGenres is the number of genre flags attached to every item.
const NumGenres = 19

// GenreNames lists the genre flags in column order.
var GenreNames = [NumGenres]string{
	"unknown", "Action", "Adventure", "Animation", "Children's",
	"Comedy", "Crime", "Documentary", "Drama", "Fantasy",
	"Film-Noir", "Horror", "Musical", "Mystery", "Romance",
	"Sci-Fi", "Thriller", "War", "Western",
}

// RatingBounds of the dataset. Predictions are clipped into this range at
// read-out time.
const (
	RatingMin = float32(1)
	RatingMax = float32(5)
)

// Rating is one rating triple over dense zero-based indices.
type Rating struct {
	UserIndex int32
	ItemIndex int32
	Rating    float32
}

// Pair is one implicit-feedback training pair.
type Pair struct {
	UserIndex int32
	ItemIndex int32
}

// Item carries the metadata of one item.
type Item struct {
	ItemId string
	Title  string
	Genres []float32
}

// Dataset maps raw external IDs to dense indices once during loading and
// serves all derived aggregates from memory.
type Dataset struct {
	userDict  *FreqDict
	itemDict  *FreqDict
	items     []Item
	ratings   []Rating
	userRated []mapset.Set[int32]
	itemSum   []float32
	itemCount []int32
	ratingSum float64
}

func NewDataset(userCount, itemCount int) *Dataset {
	return &Dataset{
		userDict:  NewFreqDict(),
		itemDict:  NewFreqDict(),
		items:     make([]Item, 0, itemCount),
		userRated: make([]mapset.Set[int32], 0, userCount),
	}
}

func (d *Dataset) CountUsers() int {
	return d.userDict.Count()
}

func (d *Dataset) CountItems() int {
	return len(d.items)
}

func (d *Dataset) CountRatings() int {
	return len(d.ratings)
}

// GlobalMean is the arithmetic mean over all rating triples. It seeds the
// global bias term and serves as the fallback score.
func (d *Dataset) GlobalMean() float32 {
	if len(d.ratings) == 0 {
		return 0
	}
	return float32(d.ratingSum / float64(len(d.ratings)))
}

func (d *Dataset) GetRatings() []Rating {
	return d.ratings
}

func (d *Dataset) GetItems() []Item {
	return d.items
}

// AddItem registers an item under its raw ID. Items must be added before
// ratings referring to them.
func (d *Dataset) AddItem(item Item) {
	d.itemDict.NotCount(item.ItemId)
	d.items = append(d.items, item)
	d.itemSum = append(d.itemSum, 0)
	d.itemCount = append(d.itemCount, 0)
}

// AddRating appends a rating triple, mapping raw IDs to dense indices. The
// item must be known already; the user is created on first sight. Returns
// false when the item is unknown.
func (d *Dataset) AddRating(userId, itemId string, rating float32) bool {
	itemIndex, ok := d.itemDict.si[itemId]
	if !ok {
		return false
	}
	d.itemDict.Id(itemId)
	userIndex := d.userDict.Id(userId)
	for len(d.userRated) <= userIndex {
		d.userRated = append(d.userRated, mapset.NewSet[int32]())
	}
	d.userRated[userIndex].Add(int32(itemIndex))
	d.ratings = append(d.ratings, Rating{
		UserIndex: int32(userIndex),
		ItemIndex: int32(itemIndex),
		Rating:    rating,
	})
	d.itemSum[itemIndex] += rating
	d.itemCount[itemIndex]++
	d.ratingSum += float64(rating)
	return true
}

// UserIndex resolves a raw user ID to its dense index.
func (d *Dataset) UserIndex(userId string) (int32, bool) {
	if i, ok := d.userDict.si[userId]; ok {
		return int32(i), true
	}
	return 0, false
}

// ItemIndex resolves a raw item ID to its dense index.
func (d *Dataset) ItemIndex(itemId string) (int32, bool) {
	if i, ok := d.itemDict.si[itemId]; ok {
		return int32(i), true
	}
	return 0, false
}

// UserId returns the raw ID of a dense user index.
func (d *Dataset) UserId(userIndex int32) (string, bool) {
	return d.userDict.String(int(userIndex))
}

// UserRated returns the set of items the user has rated, built from all
// triples regardless of the train/validation split.
func (d *Dataset) UserRated(userIndex int32) mapset.Set[int32] {
	if int(userIndex) >= len(d.userRated) {
		return mapset.NewSet[int32]()
	}
	return d.userRated[userIndex]
}

// ItemAverage returns the mean rating of an item, or the global mean for
// items without ratings.
func (d *Dataset) ItemAverage(itemIndex int32) float32 {
	if d.itemCount[itemIndex] == 0 {
		return d.GlobalMean()
	}
	return d.itemSum[itemIndex] / float32(d.itemCount[itemIndex])
}

// ItemGenres returns the flattened genre flag matrix of shape (I, NumGenres).
func (d *Dataset) ItemGenres() []float32 {
	matrix := make([]float32, len(d.items)*NumGenres)
	for i, item := range d.items {
		copy(matrix[i*NumGenres:(i+1)*NumGenres], item.Genres)
	}
	return matrix
}

// ItemGenreNames lists the names of the genres flagged on an item.
func (d *Dataset) ItemGenreNames(itemIndex int32) []string {
	var names []string
	for g, flag := range d.items[itemIndex].Genres {
		if flag > 0 {
			names = append(names, GenreNames[g])
		}
	}
	return names
}

// UserGenres aggregates the genre flags of each user's positively rated
// items (rating >= threshold) and L2-normalizes every row. Users without
// positive ratings keep an all-zero row.
func (d *Dataset) UserGenres(threshold float32) []float32 {
	matrix := make([]float32, d.CountUsers()*NumGenres)
	for _, r := range d.ratings {
		if r.Rating >= threshold {
			row := matrix[int(r.UserIndex)*NumGenres : (int(r.UserIndex)+1)*NumGenres]
			floats.Add(row, d.items[r.ItemIndex].Genres)
		}
	}
	for u := 0; u < d.CountUsers(); u++ {
		floats.Normalize(matrix[u*NumGenres : (u+1)*NumGenres])
	}
	return matrix
}

// minPositivePairs is the population below which the positive threshold is
// relaxed by one star to keep implicit-feedback training viable.
const minPositivePairs = 1000

// PositivePairs filters rating triples into implicit-feedback pairs with
// rating >= threshold. When fewer than minPositivePairs survive and the
// threshold is above 3, the threshold is relaxed to 3 and the filter reruns.
// The effective threshold is returned alongside the pairs.
func (d *Dataset) PositivePairs(threshold float32) ([]Pair, float32) {
	pairs := d.filterPairs(threshold)
	if len(pairs) < minPositivePairs && threshold > 3 {
		threshold = 3
		pairs = d.filterPairs(threshold)
	}
	return pairs, threshold
}

func (d *Dataset) filterPairs(threshold float32) []Pair {
	var pairs []Pair
	for _, r := range d.ratings {
		if r.Rating >= threshold {
			pairs = append(pairs, Pair{UserIndex: r.UserIndex, ItemIndex: r.ItemIndex})
		}
	}
	return pairs
}
