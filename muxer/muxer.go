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

// Package muxer implements the muxer/demuxer that carries the node's
// mini-protocols over a single connection.
//
// Writes from all mini-protocols are serialized onto the underlying
// connection, while reads are demultiplexed to the correct mini-protocol
// based on the protocol ID in the segment header.
package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

const (
	// ProtocolUnknown is a magic number used to catch messages for protocols
	// with no explicit receiver registered
	ProtocolUnknown uint16 = 0xabcd
)

// ProtocolRole identifies which side of a mini-protocol a registration is for
type ProtocolRole int

const (
	ProtocolRoleNone      ProtocolRole = iota
	ProtocolRoleInitiator              // initiates the mini-protocol
	ProtocolRoleResponder              // responds to the mini-protocol
)

// DiffusionMode controls which directions of traffic the muxer will accept
type DiffusionMode int

const (
	DiffusionModeNone DiffusionMode = iota
	DiffusionModeInitiator
	DiffusionModeResponder
	DiffusionModeInitiatorAndResponder
)

// ConnectionClosedError is returned when the underlying connection is closed
// out from under the muxer
type ConnectionClosedError struct {
	Err error
}

func (e ConnectionClosedError) Error() string {
	return fmt.Sprintf("connection closed: %s", e.Err)
}

func (e ConnectionClosedError) Unwrap() error {
	return e.Err
}

type protocolKey struct {
	protocolId uint16
	role       ProtocolRole
}

// Muxer connects multiple mini-protocol instances to a single connection
type Muxer struct {
	conn              net.Conn
	sendMutex         sync.Mutex
	registryMutex     sync.Mutex
	startChan         chan struct{}
	doneChan          chan struct{}
	errorChan         chan error
	diffusionMode     DiffusionMode
	onceStart         sync.Once
	onceStop          sync.Once
	protocolSenders   map[protocolKey]chan *Segment
	protocolReceivers map[protocolKey]chan *Segment
	waitGroup         sync.WaitGroup
}

// New creates a new Muxer object and starts the read loop
func New(conn net.Conn) *Muxer {
	m := &Muxer{
		conn:              conn,
		startChan:         make(chan struct{}),
		doneChan:          make(chan struct{}),
		errorChan:         make(chan error, 10),
		diffusionMode:     DiffusionModeInitiator,
		protocolSenders:   make(map[protocolKey]chan *Segment),
		protocolReceivers: make(map[protocolKey]chan *Segment),
	}
	m.waitGroup.Add(1)
	go m.readLoop()
	return m
}

// Start unblocks the read loop after registration of initial protocols. The
// muxer will not read past the first segment until started, since we must
// not consume mini-protocol messages before the handshake determines which
// protocols are available
func (m *Muxer) Start() {
	m.onceStart.Do(func() {
		close(m.startChan)
	})
}

// Stop shuts down the muxer
func (m *Muxer) Stop() {
	m.onceStop.Do(func() {
		close(m.doneChan)
		// Close the connection to unblock the read loop
		m.conn.Close()
		m.registryMutex.Lock()
		// Close receiver channels. We rely on the mini-protocols to close
		// their own sender channels
		for _, recvChan := range m.protocolReceivers {
			close(recvChan)
		}
		m.protocolReceivers = make(map[protocolKey]chan *Segment)
		m.registryMutex.Unlock()
		// Close errorChan to signify to consumers that we're shutting down
		close(m.errorChan)
	})
}

// ErrorChan returns the channel used for asynchronous muxer errors
func (m *Muxer) ErrorChan() chan error {
	return m.errorChan
}

// SetDiffusionMode sets the muxer diffusion mode after handshake completion
func (m *Muxer) SetDiffusionMode(diffusionMode DiffusionMode) {
	m.diffusionMode = diffusionMode
}

func (m *Muxer) sendError(err error) {
	// Immediately return if we're already shutting down
	select {
	case <-m.doneChan:
		return
	default:
	}
	m.errorChan <- err
	// Stop the muxer on any error
	m.Stop()
}

// RegisterProtocol registers the provided protocol ID and role with the
// muxer. It returns a channel for sending, a channel for receiving, and a
// channel that closes when the muxer shuts down. All returned channels are
// nil if the muxer has already shut down
func (m *Muxer) RegisterProtocol(
	protocolId uint16,
	protocolRole ProtocolRole,
) (chan *Segment, chan *Segment, chan struct{}) {
	select {
	case <-m.doneChan:
		return nil, nil, nil
	default:
	}
	senderChan := make(chan *Segment, 10)
	receiverChan := make(chan *Segment, 10)
	key := protocolKey{
		protocolId: protocolId,
		role:       protocolRole,
	}
	m.registryMutex.Lock()
	m.protocolSenders[key] = senderChan
	m.protocolReceivers[key] = receiverChan
	m.registryMutex.Unlock()
	// Start goroutine to handle outbound messages
	m.waitGroup.Add(1)
	go func() {
		defer m.waitGroup.Done()
		for {
			select {
			case <-m.doneChan:
				return
			case segment, ok := <-senderChan:
				if !ok {
					return
				}
				if err := m.Send(segment); err != nil {
					m.sendError(err)
					return
				}
			}
		}
	}()
	return senderChan, receiverChan, m.doneChan
}

// UnregisterProtocol removes a protocol registration from the muxer
func (m *Muxer) UnregisterProtocol(
	protocolId uint16,
	protocolRole ProtocolRole,
) {
	key := protocolKey{
		protocolId: protocolId,
		role:       protocolRole,
	}
	m.registryMutex.Lock()
	defer m.registryMutex.Unlock()
	delete(m.protocolSenders, key)
	if recvChan, ok := m.protocolReceivers[key]; ok {
		close(recvChan)
		delete(m.protocolReceivers, key)
	}
}

// Send writes a segment to the connection. A mutex makes sure that only one
// protocol can send at a time
func (m *Muxer) Send(segment *Segment) error {
	m.sendMutex.Lock()
	defer m.sendMutex.Unlock()
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, segment.SegmentHeader); err != nil {
		return err
	}
	buf.Write(segment.Payload)
	if _, err := m.conn.Write(buf.Bytes()); err != nil {
		return ConnectionClosedError{Err: err}
	}
	return nil
}

func (m *Muxer) readLoop() {
	defer m.waitGroup.Done()
	started := false
	for {
		// Break out of read loop if we're shutting down
		select {
		case <-m.doneChan:
			return
		default:
		}
		header := SegmentHeader{}
		if err := binary.Read(m.conn, binary.BigEndian, &header); err != nil {
			m.sendError(ConnectionClosedError{Err: err})
			return
		}
		if header.PayloadLength == 0 {
			m.sendError(
				fmt.Errorf(
					"received zero-byte segment payload for protocol ID %d",
					header.GetProtocolId(),
				),
			)
			return
		}
		// Check that the message direction is allowed by the diffusion mode.
		// A response segment comes from the responder side, so we must be
		// acting as an initiator to accept it, and vice versa
		if header.IsResponse() {
			if m.diffusionMode != DiffusionModeInitiator &&
				m.diffusionMode != DiffusionModeInitiatorAndResponder {
				m.sendError(
					fmt.Errorf(
						"received message from responder when not configured as an initiator",
					),
				)
				return
			}
		} else {
			if m.diffusionMode != DiffusionModeResponder &&
				m.diffusionMode != DiffusionModeInitiatorAndResponder {
				m.sendError(
					fmt.Errorf(
						"received message from initiator when not configured as a responder",
					),
				)
				return
			}
		}
		segment := &Segment{
			SegmentHeader: header,
			Payload:       make([]byte, header.PayloadLength),
		}
		// ReadFull guarantees to read the expected number of bytes or return
		// an error
		if _, err := io.ReadFull(m.conn, segment.Payload); err != nil {
			m.sendError(ConnectionClosedError{Err: err})
			return
		}
		// Send the segment to the proper receiver. Responses are handled by
		// our initiator registration, requests by our responder registration
		role := ProtocolRoleInitiator
		if segment.IsRequest() {
			role = ProtocolRoleResponder
		}
		m.registryMutex.Lock()
		recvChan, ok := m.protocolReceivers[protocolKey{
			protocolId: segment.GetProtocolId(),
			role:       role,
		}]
		if !ok {
			// Try the "unknown protocol" catch-all receivers
			for _, tmpRole := range []ProtocolRole{ProtocolRoleInitiator, ProtocolRoleResponder} {
				recvChan, ok = m.protocolReceivers[protocolKey{
					protocolId: ProtocolUnknown,
					role:       tmpRole,
				}]
				if ok {
					break
				}
			}
		}
		m.registryMutex.Unlock()
		if !ok {
			m.sendError(
				fmt.Errorf(
					"received message for unknown protocol ID %d",
					segment.GetProtocolId(),
				),
			)
			return
		}
		select {
		case <-m.doneChan:
			return
		case recvChan <- segment:
		}
		// Wait until the muxer is started to continue. We don't want to read
		// more than one segment until the handshake is complete
		if !started {
			select {
			case <-m.doneChan:
				return
			case <-m.startChan:
				started = true
			}
		}
	}
}
