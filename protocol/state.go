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

package protocol

import (
	"time"
)

// Agency constants. Each protocol state assigns agency to one side (or
// neither), and only the side with agency may send the next message
const (
	AgencyNone   uint = 0
	AgencyClient uint = 1
	AgencyServer uint = 2
)

// State represents a protocol state
type State struct {
	Id   uint
	Name string
}

// NewState returns a new State object
func NewState(id uint, name string) State {
	return State{
		Id:   id,
		Name: name,
	}
}

func (s State) String() string {
	return s.Name
}

// StateTransitionMatchFunc is used to confirm a candidate transition based on
// protocol instance state and message content
type StateTransitionMatchFunc func(any, Message) bool

// StateTransition represents a single legal transition out of a state
type StateTransition struct {
	MsgType   uint8
	NewState  State
	MatchFunc StateTransitionMatchFunc
}

// StateMapEntry represents the agency and legal transitions of one state
type StateMapEntry struct {
	Agency      uint
	Transitions []StateTransition
	Timeout     time.Duration
}

// StateMap describes a mini-protocol state machine
type StateMap map[State]StateMapEntry

// Copy returns a copy of the state map. This is mostly for convenience,
// since we need to copy the state map to apply per-instance timeouts
func (s StateMap) Copy() StateMap {
	ret := StateMap{}
	for k, v := range s {
		ret[k] = v
	}
	return ret
}
