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

// Package train runs training jobs in the background and tracks their
// lifecycle.
package train

import (
	"context"

	"github.com/juju/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sophaaz/hserecsys/base/log"
)

// State of a trainer. A trainer starts Idle, moves to Training when a job
// is accepted, and settles in exactly one terminal state per run.
type State int32

const (
	StateIdle State = iota
	StateTraining
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrDataNotLoaded is returned when a job is started before any
	// dataset was attached.
	ErrDataNotLoaded = errors.New("dataset is not loaded")
	// ErrBusy is returned when a job is started while another is running.
	ErrBusy = errors.New("a training job is already running")
)

// EpochStats is one row of training progress.
type EpochStats struct {
	Epoch     int
	TrainRMSE float32
	ValRMSE   float32
	Loss      float32
}

// Job is a training run. It must honor ctx cancellation and call report
// after every epoch.
type Job func(ctx context.Context, report func(EpochStats)) error

// Trainer owns at most one running job and exposes its state.
type Trainer struct {
	state      atomic.Int32
	lastErr    atomic.Error
	dataLoaded atomic.Bool
	cancel     atomic.Pointer[context.CancelFunc]
}

func NewTrainer() *Trainer {
	return &Trainer{}
}

// State returns the current lifecycle state.
func (t *Trainer) State() State {
	return State(t.state.Load())
}

// Err returns the error of the last failed run, nil otherwise.
func (t *Trainer) Err() error {
	return t.lastErr.Load()
}

// SetDataLoaded marks whether a dataset is attached. Jobs are rejected
// until it is.
func (t *Trainer) SetDataLoaded(loaded bool) {
	t.dataLoaded.Store(loaded)
}

// Run starts the job in the background and returns a channel of per-epoch
// stats. The channel closes when the job ends. Exactly one job runs at a
// time: starting a second one fails with ErrBusy.
func (t *Trainer) Run(ctx context.Context, job Job) (<-chan EpochStats, error) {
	if !t.dataLoaded.Load() {
		return nil, errors.Trace(ErrDataNotLoaded)
	}
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateTraining)) &&
		!t.casTerminal(StateTraining) {
		return nil, errors.Trace(ErrBusy)
	}
	t.lastErr.Store(nil)
	ctx, cancel := context.WithCancel(ctx)
	t.cancel.Store(&cancel)
	stats := make(chan EpochStats, 16)
	go func() {
		defer cancel()
		defer close(stats)
		err := job(ctx, func(s EpochStats) {
			select {
			case stats <- s:
			default:
				// The consumer fell behind. Dropping a progress row is
				// preferable to stalling the optimizer.
			}
		})
		switch {
		case err == nil:
			t.state.Store(int32(StateCompleted))
			log.Logger().Info("training completed")
		case errors.Is(err, context.Canceled):
			// The partially trained parameters stay usable.
			t.state.Store(int32(StateCancelled))
			log.Logger().Info("training cancelled")
		default:
			t.lastErr.Store(err)
			t.state.Store(int32(StateFailed))
			log.Logger().Error("training failed", zap.Error(err))
		}
	}()
	return stats, nil
}

// casTerminal moves the trainer from any terminal state to next,
// reporting false if a job is still running.
func (t *Trainer) casTerminal(next State) bool {
	for _, from := range []State{StateCompleted, StateCancelled, StateFailed} {
		if t.state.CompareAndSwap(int32(from), int32(next)) {
			return true
		}
	}
	return false
}

// Cancel requests cooperative cancellation of the running job. It returns
// immediately; the job stops at its next batch boundary.
func (t *Trainer) Cancel() {
	if cancel := t.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}
