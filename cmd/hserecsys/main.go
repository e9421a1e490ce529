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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sophaaz/hserecsys/base/log"
	"github.com/sophaaz/hserecsys/config"
	"github.com/sophaaz/hserecsys/dataset"
	"github.com/sophaaz/hserecsys/model"
	"github.com/sophaaz/hserecsys/model/genre"
	"github.com/sophaaz/hserecsys/model/mf"
	"github.com/sophaaz/hserecsys/model/tower"
	"github.com/sophaaz/hserecsys/recommend"
	"github.com/sophaaz/hserecsys/train"
)

var version = "0.1.0"

var rootCommand = &cobra.Command{
	Use:   "hserecsys",
	Short: "A MovieLens recommender engine based on matrix factorization and two-tower retrieval.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(cmd.Root().PersistentFlags(), debug)
		if debug {
			log.Logger().Debug("debug mode enabled")
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
			fmt.Println("hserecsys version", version)
			return
		}
		_ = cmd.Help()
	},
}

var trainCommand = &cobra.Command{
	Use:   "train",
	Short: "Train a rating or retrieval model on MovieLens data.",
	Run: func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)
		data := loadDataset(conf)
		_, _, err := fitModel(cmd.Context(), conf, data)
		if err != nil {
			log.Logger().Fatal("failed to train model", zap.Error(err))
		}
	},
}

var recommendCommand = &cobra.Command{
	Use:   "recommend USER_ID",
	Short: "Print top recommendations for a user.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)
		data := loadDataset(conf)
		ratingModel, embeddingModel, err := fitModel(cmd.Context(), conf, data)
		if err != nil {
			log.Logger().Fatal("failed to train model", zap.Error(err))
		}
		n, _ := cmd.Flags().GetInt("n")
		retriever := recommend.NewRetriever(data)
		retriever.SetRatingModel(ratingModel)
		retriever.SetEmbeddingModel(embeddingModel)
		retriever.SetFallbackModel(genre.NewModel(data, genre.Cosine), conf.Train.PosRatingThreshold)
		var recommendations []recommend.Recommendation
		if conf.Train.Model == "two_tower" {
			recommendations, err = retriever.RecommendByEmbedding(args[0], n)
		} else {
			recommendations, err = retriever.RecommendByRating(args[0], n)
		}
		if err != nil {
			log.Logger().Fatal("failed to recommend", zap.Error(err))
		}
		table := tablewriter.NewTable(os.Stdout)
		table.Header("Rank", "Item", "Title", "Genres", "Score")
		for i, rec := range recommendations {
			_ = table.Append(fmt.Sprint(i+1), rec.ItemId, rec.Title,
				fmt.Sprint(rec.Genres), fmt.Sprintf("%.4f", rec.Score))
		}
		_ = table.Render()
	},
}

var similarCommand = &cobra.Command{
	Use:   "similar ITEM_ID",
	Short: "Print items with the most similar genres.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conf := loadConfig(cmd)
		data := loadDataset(conf)
		itemIndex, ok := data.ItemIndex(args[0])
		if !ok {
			log.Logger().Fatal("failed to find item",
				zap.String("item_id", args[0]), zap.Error(model.ErrUnknownItem))
		}
		n, _ := cmd.Flags().GetInt("n")
		similarity := genre.NewModel(data, genre.Cosine)
		indices, scores, err := similarity.ItemNeighbors(itemIndex, n)
		if err != nil {
			log.Logger().Fatal("failed to find neighbors", zap.Error(err))
		}
		table := tablewriter.NewTable(os.Stdout)
		table.Header("Rank", "Item", "Title", "Genres", "Similarity")
		for i, neighbor := range indices {
			item := data.GetItems()[neighbor]
			_ = table.Append(fmt.Sprint(i+1), item.ItemId, item.Title,
				fmt.Sprint(data.ItemGenreNames(neighbor)), fmt.Sprintf("%.4f", scores[i]))
		}
		_ = table.Render()
	},
}

func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	conf, err := config.LoadConfig(path)
	if err != nil {
		log.Logger().Fatal("failed to load config", zap.String("config", path), zap.Error(err))
	}
	return conf
}

func loadDataset(conf *config.Config) *dataset.Dataset {
	data, err := dataset.Load(conf.Data.ItemPath, conf.Data.RatingPath)
	if err != nil {
		log.Logger().Fatal("failed to load dataset", zap.Error(err))
	}
	return data
}

// fitModel trains the configured model in a background trainer while the
// foreground goroutine drives the progress bar. SIGINT requests cooperative
// cancellation, keeping the parameters of the last finished batch.
func fitModel(ctx context.Context, conf *config.Config, data *dataset.Dataset) (*mf.BiasedMF, *tower.TwoTower, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	trainer := train.NewTrainer()
	trainer.SetDataLoaded(true)

	var (
		ratingModel    *mf.BiasedMF
		embeddingModel *tower.TwoTower
		job            train.Job
	)
	switch conf.Train.Model {
	case "two_tower":
		embeddingModel = tower.NewTwoTower(conf.ModelParams())
		if conf.Train.UseGenres {
			embeddingModel.SetFeatures(
				data.ItemGenres(),
				data.UserGenres(conf.Train.PosRatingThreshold),
				data.CountItems(), data.CountUsers())
		}
		job = func(ctx context.Context, report func(train.EpochStats)) error {
			fitConfig := tower.NewFitConfig().SetOnEpoch(func(epoch int, loss float32) {
				report(train.EpochStats{Epoch: epoch, Loss: loss})
			})
			_, err := embeddingModel.Fit(ctx, data, fitConfig)
			return err
		}
	default:
		ratingModel = mf.NewBiasedMF(conf.ModelParams())
		job = func(ctx context.Context, report func(train.EpochStats)) error {
			trainIdx, valIdx, err := data.Split(conf.Data.TrainFrac, ratingModel.GetRandomGenerator())
			if err != nil {
				return err
			}
			fitConfig := mf.NewFitConfig().SetOnEpoch(func(epoch int, trainRMSE, valRMSE float32) {
				report(train.EpochStats{Epoch: epoch, TrainRMSE: trainRMSE, ValRMSE: valRMSE})
			})
			_, err = ratingModel.Fit(ctx, data, trainIdx, valIdx, fitConfig)
			return err
		}
	}

	stats, err := trainer.Run(ctx, job)
	if err != nil {
		return nil, nil, err
	}
	bar := progressbar.NewOptions(conf.Train.Epochs,
		progressbar.OptionSetDescription("Training "+conf.Train.Model),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr))
	for s := range stats {
		_ = bar.Set(s.Epoch)
		if conf.Train.Model == "two_tower" {
			bar.Describe(fmt.Sprintf("epoch %d loss %.4f", s.Epoch, s.Loss))
		} else {
			bar.Describe(fmt.Sprintf("epoch %d rmse %.4f/%.4f", s.Epoch, s.TrainRMSE, s.ValRMSE))
		}
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	log.Logger().Info("training finished", zap.String("state", trainer.State().String()))
	if err := trainer.Err(); err != nil {
		return nil, nil, err
	}
	return ratingModel, embeddingModel, nil
}

func init() {
	rootCommand.PersistentFlags().String("config", "", "configuration file path")
	rootCommand.PersistentFlags().BoolP("debug", "d", false, "use debug log mode")
	rootCommand.Flags().BoolP("version", "v", false, "hserecsys version")
	log.AddFlags(rootCommand.PersistentFlags())
	recommendCommand.Flags().IntP("n", "n", 10, "number of recommendations")
	similarCommand.Flags().IntP("n", "n", 10, "number of similar items")
	rootCommand.AddCommand(trainCommand, recommendCommand, similarCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
