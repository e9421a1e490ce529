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

package model

import "github.com/juju/errors"

var (
	// ErrNumericalInstability is returned when a non-finite loss shows up
	// during training. The run aborts instead of propagating NaN weights.
	ErrNumericalInstability = errors.New("non-finite loss encountered")
	// ErrNotTrained is returned when predictions are requested from a model
	// without a successful training run.
	ErrNotTrained = errors.New("model is not trained")
	// ErrUnknownUser is returned when a raw user ID has no dense index.
	ErrUnknownUser = errors.New("unknown user")
	// ErrUnknownItem is returned when a raw item ID has no dense index.
	ErrUnknownItem = errors.New("unknown item")
)
