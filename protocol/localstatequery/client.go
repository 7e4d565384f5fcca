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

import (
	"fmt"
	"sync"

	"github.com/bjing/ogmios/cbor"
	"github.com/bjing/ogmios/protocol"
	"github.com/bjing/ogmios/protocol/common"
)

// Client implements the LocalStateQuery client
type Client struct {
	*protocol.Protocol
	config                *Config
	connectionId          protocol.ConnectionId
	enableGetChainBlockNo bool
	enableGetChainPoint   bool
	busyMutex             sync.Mutex
	acquired              bool
	queryResultChan       chan []byte
	acquireResultChan     chan error
	currentEra            int
	onceStart             sync.Once
	onceStop              sync.Once
}

// NewClient returns a new LocalStateQuery client object
func NewClient(protoOptions protocol.ProtocolOptions, cfg *Config) *Client {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	c := &Client{
		config:            cfg,
		connectionId:      protoOptions.ConnectionId,
		queryResultChan:   make(chan []byte),
		acquireResultChan: make(chan error),
		acquired:          false,
		currentEra:        -1,
	}
	// Update state map with timeouts
	stateMap := StateMap.Copy()
	if entry, ok := stateMap[stateAcquiring]; ok {
		entry.Timeout = c.config.AcquireTimeout
		stateMap[stateAcquiring] = entry
	}
	if entry, ok := stateMap[stateQuerying]; ok {
		entry.Timeout = c.config.QueryTimeout
		stateMap[stateQuerying] = entry
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
	// Enable version-dependent features
	if (protoOptions.Version - protocol.ProtocolVersionNtCOffset) >= 10 {
		c.enableGetChainBlockNo = true
		c.enableGetChainPoint = true
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
			close(c.queryResultChan)
			close(c.acquireResultChan)
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

// Acquire takes a read-only snapshot of the ledger state at the specified
// chain point. A nil point acquires the node's current volatile tip. A
// snapshot must be released before another can be acquired.
func (c *Client) Acquire(point *common.Point) error {
	c.Protocol.Logger().
		Debug(fmt.Sprintf("calling Acquire(point: %+v)", point),
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	if c.acquired {
		return ErrAlreadyAcquired
	}
	return c.acquire(point)
}

// Release releases the previously acquired ledger state snapshot
func (c *Client) Release() error {
	c.Protocol.Logger().
		Debug("calling Release()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	if !c.acquired {
		return ErrNotAcquired
	}
	return c.release()
}

// Acquired returns whether a ledger state snapshot is currently held
func (c *Client) Acquired() bool {
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	return c.acquired
}

// GetCurrentEra returns the current era ID
func (c *Client) GetCurrentEra() (int, error) {
	c.Protocol.Logger().
		Debug("calling GetCurrentEra()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	return c.getCurrentEra()
}

// GetSystemStart returns the SystemStart value
func (c *Client) GetSystemStart() (*SystemStartResult, error) {
	c.Protocol.Logger().
		Debug("calling GetSystemStart()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	query := buildQuery(
		QueryTypeSystemStart,
	)
	var result SystemStartResult
	if err := c.runQuery(query, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetChainBlockNo returns the latest block number
func (c *Client) GetChainBlockNo() (int64, error) {
	c.Protocol.Logger().
		Debug("calling GetChainBlockNo()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	if !c.enableGetChainBlockNo {
		return 0, ErrQueryNotSupported
	}
	query := buildQuery(
		QueryTypeChainBlockNo,
	)
	result := []int64{}
	if err := c.runQuery(query, &result); err != nil {
		return 0, err
	}
	return result[1], nil
}

// GetChainPoint returns the chain point of the acquired snapshot
func (c *Client) GetChainPoint() (*common.Point, error) {
	c.Protocol.Logger().
		Debug("calling GetChainPoint()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	if !c.enableGetChainPoint {
		return nil, ErrQueryNotSupported
	}
	query := buildQuery(
		QueryTypeChainPoint,
	)
	var result common.Point
	if err := c.runQuery(query, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetEpochNo returns the current epoch number
func (c *Client) GetEpochNo() (int, error) {
	c.Protocol.Logger().
		Debug("calling GetEpochNo()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	currentEra, err := c.getCurrentEra()
	if err != nil {
		return 0, err
	}
	query := buildShelleyQuery(
		currentEra,
		QueryTypeShelleyEpochNo,
	)
	result := []int{}
	if err := c.runQuery(query, &result); err != nil {
		return 0, err
	}
	return result[0], nil
}

// GetCurrentProtocolParams returns the raw CBOR of the protocol params that
// are currently in effect. The bridge passes the params through opaquely.
func (c *Client) GetCurrentProtocolParams() (cbor.RawMessage, error) {
	c.Protocol.Logger().
		Debug("calling GetCurrentProtocolParams()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	currentEra, err := c.getCurrentEra()
	if err != nil {
		return nil, err
	}
	query := buildShelleyQuery(
		currentEra,
		QueryTypeShelleyCurrentProtocolParams,
	)
	result := []cbor.RawMessage{}
	if err := c.runQuery(query, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrEmptyQueryResult
	}
	return result[0], nil
}

// RunRawQuery runs the provided pre-encoded query and returns the raw result CBOR
func (c *Client) RunRawQuery(queryCbor []byte) (cbor.RawMessage, error) {
	c.Protocol.Logger().
		Debug("calling RunRawQuery()",
			"component", "network",
			"protocol", ProtocolName,
			"role", "client",
			"connection_id", c.connectionId.String(),
		)
	c.busyMutex.Lock()
	defer c.busyMutex.Unlock()
	var result cbor.RawMessage
	if err := c.runQuery(cbor.RawMessage(queryCbor), &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) messageHandler(msg protocol.Message) error {
	var err error
	switch msg.Type() {
	case MessageTypeAcquired:
		err = c.handleAcquired()
	case MessageTypeFailure:
		err = c.handleFailure(msg)
	case MessageTypeResult:
		err = c.handleResult(msg)
	default:
		err = fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	return err
}

func (c *Client) handleAcquired() error {
	c.Protocol.Logger().
		Debug("acquired",
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
	c.acquireResultChan <- nil
	return nil
}

func (c *Client) handleFailure(msg protocol.Message) error {
	c.Protocol.Logger().
		Debug("failed",
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
	msgFailure := msg.(*MsgFailure)
	switch msgFailure.Failure {
	case AcquireFailurePointTooOld:
		c.acquireResultChan <- ErrAcquireFailurePointTooOld
	case AcquireFailurePointNotOnChain:
		c.acquireResultChan <- ErrAcquireFailurePointNotOnChain
	default:
		return fmt.Errorf("unknown failure type: %d", msgFailure.Failure)
	}
	return nil
}

func (c *Client) handleResult(msg protocol.Message) error {
	c.Protocol.Logger().
		Debug("results",
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
	msgResult := msg.(*MsgResult)
	c.queryResultChan <- msgResult.Result
	return nil
}

func (c *Client) acquire(point *common.Point) error {
	var msg protocol.Message
	if point == nil {
		msg = NewMsgAcquireVolatileTip()
	} else {
		msg = NewMsgAcquire(*point)
	}
	if err := c.SendMessage(msg); err != nil {
		return err
	}
	err, ok := <-c.acquireResultChan
	if !ok {
		return protocol.ErrProtocolShuttingDown
	}
	if err != nil {
		return err
	}
	c.acquired = true
	c.currentEra = -1
	return nil
}

func (c *Client) release() error {
	msg := NewMsgRelease()
	if err := c.SendMessage(msg); err != nil {
		return err
	}
	c.acquired = false
	c.currentEra = -1
	return nil
}

func (c *Client) runQuery(query any, result any) error {
	if !c.acquired {
		return ErrNotAcquired
	}
	msg := NewMsgQuery(query)
	if err := c.SendMessage(msg); err != nil {
		return err
	}
	resultCbor, ok := <-c.queryResultChan
	if !ok {
		return protocol.ErrProtocolShuttingDown
	}
	if _, err := cbor.Decode(resultCbor, result); err != nil {
		return err
	}
	return nil
}

// Helper function for getting the current era
// The current era is needed for many other queries
func (c *Client) getCurrentEra() (int, error) {
	// Return cached era, if available
	if c.currentEra > -1 {
		return c.currentEra, nil
	}
	query := buildHardForkQuery(QueryTypeHardForkCurrentEra)
	var result int
	if err := c.runQuery(query, &result); err != nil {
		return -1, err
	}
	c.currentEra = result
	return result, nil
}
