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
	"errors"
	"fmt"
)

// ErrProtocolShuttingDown is returned from operations on a protocol that is
// in the process of shutting down
var ErrProtocolShuttingDown = errors.New("protocol is shutting down")

// StateTransitionError represents a message that is not legal in the current
// protocol state. The mini-protocol state machines are enforced at runtime,
// so both locally-generated and remotely-received messages are checked
type StateTransitionError struct {
	Protocol string
	State    State
	MsgType  uint8
}

func (e StateTransitionError) Error() string {
	return fmt.Sprintf(
		"%s: message type %d not allowed in protocol state %s",
		e.Protocol,
		e.MsgType,
		e.State.Name,
	)
}

// StateTimeoutError represents a timeout waiting for the remote side to send
// a message while it has agency
type StateTimeoutError struct {
	Protocol string
	State    State
}

func (e StateTimeoutError) Error() string {
	return fmt.Sprintf(
		"%s: timed out waiting for reply in state %s",
		e.Protocol,
		e.State.Name,
	)
}
