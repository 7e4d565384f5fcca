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

// Package protocol provides the common runtime for the node's mini-protocols.
//
// Each mini-protocol is described by a state map (state, agency, and legal
// transitions) that is enforced at runtime for both sent and received
// messages. Illegal messages produce a typed StateTransitionError rather
// than undefined behavior.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bjing/ogmios/cbor"
	"github.com/bjing/ogmios/muxer"
)

// ProtocolMode is an enum of the protocol modes
type ProtocolMode uint

const (
	ProtocolModeNone         ProtocolMode = 0
	ProtocolModeNodeToClient ProtocolMode = 1
	ProtocolModeNodeToNode   ProtocolMode = 2
)

// ProtocolRole is an enum of the protocol roles
type ProtocolRole uint

const (
	ProtocolRoleNone   ProtocolRole = 0
	ProtocolRoleClient ProtocolRole = 1
	ProtocolRoleServer ProtocolRole = 2
)

// The NtC protocol versions set bit 15 in the handshake version map
const ProtocolVersionNtCOffset uint16 = 0x8000

// ConnectionId identifies the connection a protocol instance belongs to
type ConnectionId struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

func (c ConnectionId) String() string {
	if c.LocalAddr == nil || c.RemoteAddr == nil {
		return ""
	}
	return fmt.Sprintf("%s<->%s", c.LocalAddr.String(), c.RemoteAddr.String())
}

// ProtocolOptions are the common arguments passed into mini-protocol
// constructors by the node link
type ProtocolOptions struct {
	ConnectionId ConnectionId
	Muxer        *muxer.Muxer
	Logger       *slog.Logger
	ErrorChan    chan error
	Mode         ProtocolMode
	Version      uint16
}

// MessageHandlerFunc is called for each received message after its state
// transition has been applied
type MessageHandlerFunc func(Message) error

// MessageFromCborFunc parses a mini-protocol message from CBOR
type MessageFromCborFunc func(uint, []byte) (Message, error)

// ProtocolConfig defines the behavior of one mini-protocol instance
type ProtocolConfig struct {
	Name                string
	ProtocolId          uint16
	Muxer               *muxer.Muxer
	Logger              *slog.Logger
	ErrorChan           chan error
	Mode                ProtocolMode
	Role                ProtocolRole
	MessageHandlerFunc  MessageHandlerFunc
	MessageFromCborFunc MessageFromCborFunc
	StateMap            StateMap
	StateContext        any
	InitialState        State
}

// Protocol implements the runtime for a mini-protocol
type Protocol struct {
	config        ProtocolConfig
	muxerSendChan chan *muxer.Segment
	muxerRecvChan chan *muxer.Segment
	state         State
	stateMutex    sync.Mutex
	stateTimer    *time.Timer
	recvBuffer    *bytes.Buffer
	doneChan      chan struct{}
	onceStart     sync.Once
	onceStop      sync.Once
}

// New returns a new Protocol object
func New(config ProtocolConfig) *Protocol {
	p := &Protocol{
		config:     config,
		recvBuffer: bytes.NewBuffer(nil),
		doneChan:   make(chan struct{}),
	}
	return p
}

// Start registers the protocol with the muxer and starts the receive loop
func (p *Protocol) Start() {
	p.onceStart.Do(func() {
		muxerProtocolRole := muxer.ProtocolRoleInitiator
		if p.config.Role == ProtocolRoleServer {
			muxerProtocolRole = muxer.ProtocolRoleResponder
		}
		var muxerDoneChan chan struct{}
		p.muxerSendChan, p.muxerRecvChan, muxerDoneChan = p.config.Muxer.RegisterProtocol(
			p.config.ProtocolId,
			muxerProtocolRole,
		)
		if muxerDoneChan == nil {
			// The muxer has already shut down
			p.Stop()
			return
		}
		p.stateMutex.Lock()
		p.setStateLocked(p.config.InitialState)
		p.stateMutex.Unlock()
		go p.recvLoop()
	})
}

// Stop shuts down the protocol instance. Any suspended operations waiting on
// DoneChan are unblocked
func (p *Protocol) Stop() {
	p.onceStop.Do(func() {
		p.stateMutex.Lock()
		if p.stateTimer != nil {
			p.stateTimer.Stop()
			p.stateTimer = nil
		}
		p.stateMutex.Unlock()
		close(p.doneChan)
	})
}

// DoneChan returns a channel that is closed when the protocol shuts down
func (p *Protocol) DoneChan() chan struct{} {
	return p.doneChan
}

// Mode returns the protocol mode
func (p *Protocol) Mode() ProtocolMode {
	return p.config.Mode
}

// Role returns the protocol role
func (p *Protocol) Role() ProtocolRole {
	return p.config.Role
}

// State returns the current protocol state
func (p *Protocol) State() State {
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	return p.state
}

// Logger returns the protocol logger, or a discard logger if none is
// configured
func (p *Protocol) Logger() *slog.Logger {
	if p.config.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p.config.Logger
}

// SendError sends an asynchronous error to the error channel provided by the
// protocol consumer
func (p *Protocol) SendError(err error) {
	select {
	case <-p.doneChan:
	case p.config.ErrorChan <- err:
	}
}

// SendMessage verifies that the provided message is legal in the current
// protocol state, applies the resulting transition, and queues the message
// for sending via the muxer
func (p *Protocol) SendMessage(msg Message) error {
	select {
	case <-p.doneChan:
		return ErrProtocolShuttingDown
	default:
	}
	p.stateMutex.Lock()
	defer p.stateMutex.Unlock()
	newState, err := p.nextState(p.localAgency(), msg)
	if err != nil {
		return err
	}
	// Use the raw message CBOR when available to avoid re-encoding
	data := msg.Cbor()
	if data == nil {
		tmpData, err := cbor.Encode(msg)
		if err != nil {
			return err
		}
		data = tmpData
	}
	// Split messages larger than the maximum muxer segment payload
	isResponse := p.config.Role == ProtocolRoleServer
	for {
		chunk := data
		if len(chunk) > muxer.SegmentMaxPayloadLength {
			chunk = data[:muxer.SegmentMaxPayloadLength]
		}
		data = data[len(chunk):]
		segment := muxer.NewSegment(p.config.ProtocolId, chunk, isResponse)
		select {
		case <-p.doneChan:
			return ErrProtocolShuttingDown
		case p.muxerSendChan <- segment:
		}
		if len(data) == 0 {
			break
		}
	}
	p.setStateLocked(newState)
	return nil
}

// nextState finds the transition for the provided message out of the current
// state, which must have the specified agency. stateMutex must be held
func (p *Protocol) nextState(agency uint, msg Message) (State, error) {
	entry, ok := p.config.StateMap[p.state]
	if !ok || entry.Agency != agency {
		return State{}, StateTransitionError{
			Protocol: p.config.Name,
			State:    p.state,
			MsgType:  msg.Type(),
		}
	}
	for _, transition := range entry.Transitions {
		if transition.MsgType != msg.Type() {
			continue
		}
		if transition.MatchFunc != nil &&
			!transition.MatchFunc(p.config.StateContext, msg) {
			continue
		}
		return transition.NewState, nil
	}
	return State{}, StateTransitionError{
		Protocol: p.config.Name,
		State:    p.state,
		MsgType:  msg.Type(),
	}
}

func (p *Protocol) localAgency() uint {
	if p.config.Role == ProtocolRoleServer {
		return AgencyServer
	}
	return AgencyClient
}

func (p *Protocol) remoteAgency() uint {
	if p.config.Role == ProtocolRoleServer {
		return AgencyClient
	}
	return AgencyServer
}

// setStateLocked updates the current state and manages the state timeout
// timer. stateMutex must be held
func (p *Protocol) setStateLocked(state State) {
	if p.stateTimer != nil {
		p.stateTimer.Stop()
		p.stateTimer = nil
	}
	p.state = state
	entry, ok := p.config.StateMap[state]
	if !ok || entry.Timeout <= 0 || entry.Agency != p.remoteAgency() {
		return
	}
	timeoutState := state
	p.stateTimer = time.AfterFunc(entry.Timeout, func() {
		p.SendError(StateTimeoutError{
			Protocol: p.config.Name,
			State:    timeoutState,
		})
	})
}

func (p *Protocol) recvLoop() {
	leftoverData := false
	for {
		// Don't grab the next segment from the muxer if we still have data
		// in the buffer
		if !leftoverData {
			select {
			case <-p.doneChan:
				return
			case segment, ok := <-p.muxerRecvChan:
				if !ok {
					// The muxer has shut down
					p.Stop()
					return
				}
				p.recvBuffer.Write(segment.Payload)
			}
		}
		leftoverData = false
		// Decode into a generic list to determine the message type and how
		// many bytes the message occupies
		var tmpMsg []cbor.RawMessage
		numBytesRead, err := cbor.Decode(p.recvBuffer.Bytes(), &tmpMsg)
		if err != nil {
			if errors.Is(err, io.EOF) ||
				errors.Is(err, io.ErrUnexpectedEOF) {
				// This is probably a multi-segment message, so wait for more
				// data before trying again
				continue
			}
			p.SendError(
				fmt.Errorf("%s: decode error: %w", p.config.Name, err),
			)
			return
		}
		msgType, err := cbor.DecodeIdFromList(p.recvBuffer.Bytes())
		if err != nil {
			p.SendError(
				fmt.Errorf("%s: decode error: %w", p.config.Name, err),
			)
			return
		}
		msgData := p.recvBuffer.Bytes()[:numBytesRead]
		msg, err := p.config.MessageFromCborFunc(uint(msgType), msgData)
		if err != nil {
			p.SendError(err)
			return
		}
		if msg == nil {
			p.SendError(
				fmt.Errorf(
					"%s: received unknown message type: %d",
					p.config.Name,
					msgType,
				),
			)
			return
		}
		// Apply the state transition for the received message
		p.stateMutex.Lock()
		newState, err := p.nextState(p.remoteAgency(), msg)
		if err != nil {
			p.stateMutex.Unlock()
			p.SendError(err)
			return
		}
		p.setStateLocked(newState)
		p.stateMutex.Unlock()
		if err := p.config.MessageHandlerFunc(msg); err != nil {
			if errors.Is(err, ErrProtocolShuttingDown) {
				return
			}
			p.SendError(err)
			return
		}
		if numBytesRead < p.recvBuffer.Len() {
			// There is another message in the same muxer segment, so reset
			// the buffer with just the remaining data
			p.recvBuffer = bytes.NewBuffer(
				p.recvBuffer.Bytes()[numBytesRead:],
			)
			leftoverData = true
		} else {
			p.recvBuffer.Reset()
		}
	}
}
