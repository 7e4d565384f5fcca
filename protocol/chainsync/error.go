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

package chainsync

import "errors"

// ErrIntersectNotFound is returned when the node has none of the requested
// intersect points on its chain
var ErrIntersectNotFound = errors.New("chain intersection not found")

// ErrRequestInFlight is returned when a RequestNext is attempted while a
// previous one is still waiting on its reply
var ErrRequestInFlight = errors.New("next-block request already in flight")
