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
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/sophaaz/hserecsys/base/log"
)

// itemFieldCount is the column count of the pipe-delimited item file:
// id, title, release date, video release date, URL and 19 genre flags.
const itemFieldCount = 5 + NumGenres

// Load reads the pipe-delimited item file and the tab-delimited rating file
// into a dataset. Malformed lines and ratings referring to unknown items are
// skipped, not fatal.
func Load(itemPath, ratingPath string) (*Dataset, error) {
	d := NewDataset(0, 0)
	if err := d.loadItems(itemPath); err != nil {
		return nil, errors.Trace(err)
	}
	if err := d.loadRatings(ratingPath); err != nil {
		return nil, errors.Trace(err)
	}
	log.Logger().Info("loaded dataset",
		zap.Int("num_users", d.CountUsers()),
		zap.Int("num_items", d.CountItems()),
		zap.Int("num_ratings", d.CountRatings()))
	return d, nil
}

func (d *Dataset) loadItems(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer file.Close()
	skipped := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != itemFieldCount {
			skipped++
			continue
		}
		genres := make([]float32, NumGenres)
		valid := true
		for g := 0; g < NumGenres; g++ {
			flag, err := strconv.Atoi(fields[5+g])
			if err != nil || (flag != 0 && flag != 1) {
				valid = false
				break
			}
			genres[g] = float32(flag)
		}
		if !valid {
			skipped++
			continue
		}
		d.AddItem(Item{
			ItemId: fields[0],
			Title:  fields[1],
			Genres: genres,
		})
	}
	if skipped > 0 {
		log.Logger().Warn("skipped malformed item lines",
			zap.String("path", path), zap.Int("skipped", skipped))
	}
	return errors.Trace(scanner.Err())
}

func (d *Dataset) loadRatings(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer file.Close()
	skipped := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		// user id, item id, rating, timestamp
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			skipped++
			continue
		}
		rating, err := strconv.ParseFloat(fields[2], 32)
		if err != nil || float32(rating) < RatingMin || float32(rating) > RatingMax {
			skipped++
			continue
		}
		if !d.AddRating(fields[0], fields[1], float32(rating)) {
			skipped++
		}
	}
	if skipped > 0 {
		log.Logger().Warn("skipped malformed rating lines",
			zap.String("path", path), zap.Int("skipped", skipped))
	}
	return errors.Trace(scanner.Err())
}
