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

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bjing/ogmios/protocol"
	"github.com/bjing/ogmios/protocol/common"
)

// Client implements the ChainSync client
type Client struct {
	*protocol.Protocol
	config              *Config
	connectionId        protocol.ConnectionId
	busyMutex           sync.Mutex
	requestPending      atomic.Bool
	intersectResultChan chan intersectResult
	rollEventChan       chan RollEvent
	onceStart           sync.Once
	onceStop            sync.Once
}

type intersectResult struct {
	point common.Point
	tip   common.Tip
	error error
}

// NewClient returns a new ChainSync client object
func NewClient(protoOptions protocol.ProtocolOptions, cfg *Config) *Client {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	c := &Client{
		config:              cfg,
		connectionId:        protoOptions.ConnectionId,
		intersectResultChan: make(chan intersectResult),
		rollEventChan:       make(chan RollEvent),
	}
	// Update state map with timeouts
	stateMap := StateMap.Copy()
	if entry, ok := stateMap[stateIntersect]; ok {
		entry.Timeout = c.config.IntersectTimeout
		stateMap[stateIntersect] = entry
	}
	for _, state := range []protocol.State{stateCanAwait, stateMustReply} {
		if entry, ok := stateMap[state]; ok {
			entry.Timeout = c.config.BlockTimeout
			stateMap[state] = entry
		}
	}
	// Configure underlying Protocol
	protoConfig := protocol.ProtocolConfig{
		Name:                ProtocolName,
		ProtocolId:          ProtocolId,
		Muxer:               protoOptions.Muxer,
		Logger:              protoOptions.Logger,
		ErrorChan:           protoOptions.ErrorChan,
		Mode:                protoOptions.Mode,
		Role:                protocol.ProtocolRoleClient,
		MessageHandlerFunc:  c.messageHandler,
		MessageFromCborFunc: NewMsgFromCbor,
		StateMap:            stateMap,
		InitialState:        stateIdle,
	}
	c.Protocol = protocol.New(protoConfig)
	return c
}

func (c *Client) Start() {
	c.onceStart.Do(func() {
		c.Protocol.Logger().
			Debug("starting client protocol",
				"component", "network",
				"protocol", ProtocolName,
				"connection_id", c.connectionId.String(),
			)
		c.Protocol.Start()
		// Start goroutine to cleanup resources on protocol shutdown
		go func() {
			<-c.DoneChan()
			close(c.intersectResultChan)
			close(c.rollEventChan)
		}()
	})
}

// Stop transitions the protocol to the Done state. No more operations will be possible
func (c *Client) Stop() error {
	var err error
	c.onceStop.Do(func() {
		c.Protocol.Logger().
			Debug("stopping client protocol",
				"component", "network",
				"protocol", ProtocolName,
				"connection_id", c.connectionId.String(),
			)
		c.busyMutex.Lock()
		defer c.busyMutex.Unlock()
		msg := NewMsgDone()
		if err = c.SendMessage(msg); err != nil {
			return
		}
	})
	return err
}

// FindIntersect returns the first of the provided points that exists on the
// node's chain, along with the node's current tip. If none of the points are
// on the chain, the tip is returned along with ErrIntersectNotFound.
func (c *Client) FindIntersect(points []common.Point) (common.Point, common.Tip, error) {
	c.Protocol.Logger().
		Debug(fmt.Sprintf("calling FindIntersect(points: %+v)", points),
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	result := c.requestFindIntersect(points)
	return result.point, result.tip, result.error
}

// GetCurrentTip returns the current chain tip without moving the read cursor.
// It works by sending a FindIntersect with no points, which can never match.
func (c *Client) GetCurrentTip() (*common.Tip, error) {
	c.Protocol.Logger().
		Debug("calling GetCurrentTip()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	result := c.requestFindIntersect([]common.Point{})
	if result.error != nil && !errors.Is(result.error, ErrIntersectNotFound) {
		return nil, result.error
	}
	tip := result.tip
	return &tip, nil
}

// RequestNext requests the next step of the chain and blocks until the node
// replies with a roll event. Only a single request may be in flight at a time.
func (c *Client) RequestNext() (*RollEvent, error) {
	if !c.requestPending.CompareAndSwap(false, true) {
		return nil, ErrRequestInFlight
	}
	defer c.requestPending.Store(false)
	c.Protocol.Logger().
		Debug("calling RequestNext()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	msg := NewMsgRequestNext()
	if err := c.SendMessage(msg); err != nil {
		return nil, err
	}
	select {
	case <-c.DoneChan():
		return nil, protocol.ErrProtocolShuttingDown
	case event, ok := <-c.rollEventChan:
		if !ok {
			return nil, protocol.ErrProtocolShuttingDown
		}
		return &event, nil
	}
}

func (c *Client) requestFindIntersect(points []common.Point) intersectResult {
	msg := NewMsgFindIntersect(points)
	if err := c.SendMessage(msg); err != nil {
		return intersectResult{error: err}
	}
	select {
	case <-c.DoneChan():
		return intersectResult{error: protocol.ErrProtocolShuttingDown}
	case result, ok := <-c.intersectResultChan:
		if !ok {
			return intersectResult{error: protocol.ErrProtocolShuttingDown}
		}
		return result
	}
}

func (c *Client) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeAwaitReply:
		c.handleAwaitReply()
	case MessageTypeRollForward:
		err = c.handleRollForward(msg)
	case MessageTypeRollBackward:
		err = c.handleRollBackward(msg)
	case MessageTypeIntersectFound:
		err = c.handleIntersectFound(msg)
	case MessageTypeIntersectNotFound:
		err = c.handleIntersectNotFound(msg)
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleAwaitReply() {
	c.Protocol.Logger().
		Debug("waiting for next reply",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
}

func (c *Client) handleRollForward(msgGeneric protocol.Message) error {
	c.Protocol.Logger().
		Debug("roll forward",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	// Check for shutdown
	select {
	case <-c.DoneChan():
		return protocol.ErrProtocolShuttingDown
	default:
	}
	msg := msgGeneric.(*MsgRollForward)
	c.rollEventChan <- RollEvent{
		BlockType: msg.BlockType(),
		BlockCbor: msg.BlockCbor(),
		Tip:       msg.Tip,
	}
	return nil
}

func (c *Client) handleRollBackward(msgGeneric protocol.Message) error {
	c.Protocol.Logger().
		Debug("roll backward",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	// Check for shutdown
	select {
	case <-c.DoneChan():
		return protocol.ErrProtocolShuttingDown
	default:
	}
	msg := msgGeneric.(*MsgRollBackward)
	c.rollEventChan <- RollEvent{
		Rollback: true,
		Point:    msg.Point,
		Tip:      msg.Tip,
	}
	return nil
}

func (c *Client) handleIntersectFound(msgGeneric protocol.Message) error {
	c.Protocol.Logger().
		Debug("chain intersect found",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	// Check for shutdown
	select {
	case <-c.DoneChan():
		return protocol.ErrProtocolShuttingDown
	default:
	}
	msg := msgGeneric.(*MsgIntersectFound)
	c.intersectResultChan <- intersectResult{point: msg.Point, tip: msg.Tip}
	return nil
}

func (c *Client) handleIntersectNotFound(msgGeneric protocol.Message) error {
	c.Protocol.Logger().
		Debug("chain intersect not found",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	// Check for shutdown
	select {
	case <-c.DoneChan():
		return protocol.ErrProtocolShuttingDown
	default:
	}
	msg := msgGeneric.(*MsgIntersectNotFound)
	c.intersectResultChan <- intersectResult{tip: msg.Tip, error: ErrIntersectNotFound}
	return nil
}
