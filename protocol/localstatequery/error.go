// Copyright 2025 The ogmios-go authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package localstatequery

import "errors"

// Acquire failures reported by the node
var (
	ErrAcquireFailurePointTooOld     = errors.New("acquire failure: point too old")
	ErrAcquireFailurePointNotOnChain = errors.New("acquire failure: point not on chain")
)

// ErrAlreadyAcquired is returned when an Acquire is attempted while a
// snapshot is already held. The existing snapshot must be released first.
var ErrAlreadyAcquired = errors.New("local state snapshot already acquired")

// ErrNotAcquired is returned when a query or release is attempted without a
// held snapshot
var ErrNotAcquired = errors.New("no local state snapshot acquired")

// ErrQueryNotSupported is returned when the negotiated protocol version does
// not support the requested query
var ErrQueryNotSupported = errors.New("query not supported by negotiated protocol version")

// ErrEmptyQueryResult is returned when the node replies with an empty result
// where a value was expected
var ErrEmptyQueryResult = errors.New("empty query result")
