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

// Package ogmios bridges a Cardano node's local mini-protocols to remote
// JSON clients.
//
// The node side of the bridge speaks the Ouroboros node-to-client protocol
// over a local connection: a muxer carries the chain-sync, local-state-query
// and local-tx-submission mini-protocols, with a handshake used for protocol
// versioning. The NodeLink type in this package is the entry point for that
// side. The remote side lives in the internal/server package.
package ogmios

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/bjing/ogmios/muxer"
	"github.com/bjing/ogmios/protocol"
	"github.com/bjing/ogmios/protocol/chainsync"
	"github.com/bjing/ogmios/protocol/handshake"
	"github.com/bjing/ogmios/protocol/localstatequery"
	"github.com/bjing/ogmios/protocol/localtxsubmission"
)

// The NodeLink type is a wrapper around a net.Conn object that handles
// communication with a Cardano node over that connection
type NodeLink struct {
	conn                  net.Conn
	networkMagic          uint32
	logger                *slog.Logger
	muxer                 *muxer.Muxer
	errorChan             chan error
	protoErrorChan        chan error
	handshakeFinishedChan chan struct{}
	doneChan              chan struct{}
	waitGroup             sync.WaitGroup
	onceClose             sync.Once
	delayMuxerStart       bool
	protocolVersion       uint16
	// Mini-protocols
	handshake               *handshake.Client
	chainSync               *chainsync.Client
	chainSyncConfig         *chainsync.Config
	localStateQuery         *localstatequery.Client
	localStateQueryConfig   *localstatequery.Config
	localTxSubmission       *localtxsubmission.Client
	localTxSubmissionConfig *localtxsubmission.Config
}

// NewNodeLink returns a new NodeLink object with the specified options. If a
// connection is provided, the handshake will be started. An error will be
// returned if the handshake fails
func NewNodeLink(options ...NodeLinkOptionFunc) (*NodeLink, error) {
	n := &NodeLink{
		protoErrorChan:        make(chan error, 10),
		handshakeFinishedChan: make(chan struct{}),
		doneChan:              make(chan struct{}),
	}
	// Apply provided options functions
	for _, option := range options {
		option(n)
	}
	if n.errorChan == nil {
		n.errorChan = make(chan error, 10)
	}
	if n.logger == nil {
		n.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if n.conn != nil {
		if err := n.setupConnection(); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// New is an alias to NewNodeLink
func New(options ...NodeLinkOptionFunc) (*NodeLink, error) {
	return NewNodeLink(options...)
}

// Muxer returns the muxer object for the node connection
func (n *NodeLink) Muxer() *muxer.Muxer {
	return n.muxer
}

// ErrorChan returns the channel for asynchronous errors
func (n *NodeLink) ErrorChan() chan error {
	return n.errorChan
}

// ProtocolVersion returns the negotiated protocol version
func (n *NodeLink) ProtocolVersion() uint16 {
	return n.protocolVersion
}

// Dial will establish a connection to the node using the specified protocol
// and address. These parameters are passed to the [net.Dial] func. The
// handshake will be started when a connection is established. An error will
// be returned if the connection fails, a connection was already established,
// or the handshake fails
func (n *NodeLink) Dial(proto string, address string) error {
	if n.conn != nil {
		return errors.New("a connection was already established")
	}
	conn, err := net.Dial(proto, address)
	if err != nil {
		return err
	}
	n.conn = conn
	if err := n.setupConnection(); err != nil {
		return err
	}
	return nil
}

// Close will shutdown the node connection
func (n *NodeLink) Close() error {
	var err error
	n.onceClose.Do(func() {
		// Close doneChan to signify that we're shutting down
		close(n.doneChan)
		// Gracefully stop the muxer
		if n.muxer != nil {
			n.muxer.Stop()
		}
		// Wait for other goroutines to finish
		n.waitGroup.Wait()
		// Close channels
		close(n.errorChan)
		close(n.protoErrorChan)
		// We can only close a channel once, so we have to jump through a few hoops
		select {
		// The channel is either closed or has an item pending
		case _, ok := <-n.handshakeFinishedChan:
			if ok {
				close(n.handshakeFinishedChan)
			}
		// The channel is open and has no pending items
		default:
			close(n.handshakeFinishedChan)
		}
	})
	return err
}

// ChainSync returns the chain-sync protocol handler
func (n *NodeLink) ChainSync() *chainsync.Client {
	return n.chainSync
}

// LocalStateQuery returns the local-state-query protocol handler
func (n *NodeLink) LocalStateQuery() *localstatequery.Client {
	return n.localStateQuery
}

// LocalTxSubmission returns the local-tx-submission protocol handler
func (n *NodeLink) LocalTxSubmission() *localtxsubmission.Client {
	return n.localTxSubmission
}

// setupConnection establishes the muxer, configures and starts the handshake
// process, and initializes the mini-protocols
func (n *NodeLink) setupConnection() error {
	// Check network magic value
	if n.networkMagic == 0 {
		return fmt.Errorf(
			"invalid network magic value provided: %d",
			n.networkMagic,
		)
	}
	n.muxer = muxer.New(n.conn)
	// Start goroutine to pass along errors from the muxer
	n.waitGroup.Add(1)
	go func() {
		defer n.waitGroup.Done()
		select {
		case <-n.doneChan:
			return
		case err, ok := <-n.muxer.ErrorChan():
			// Break out of goroutine if muxer's error channel is closed
			if !ok {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Return a bare io.EOF error if error is EOF/ErrUnexpectedEOF
				n.errorChan <- io.EOF
			} else {
				// Wrap error message to denote it comes from the muxer
				n.errorChan <- fmt.Errorf("muxer error: %w", err)
			}
			// Close connection on muxer errors. This must happen on a separate
			// goroutine, since Close waits for this one to finish
			go n.Close()
		}
	}()
	connectionId := protocol.ConnectionId{
		LocalAddr:  n.conn.LocalAddr(),
		RemoteAddr: n.conn.RemoteAddr(),
	}
	protoOptions := protocol.ProtocolOptions{
		ConnectionId: connectionId,
		Muxer:        n.muxer,
		Logger:       n.logger,
		ErrorChan:    n.protoErrorChan,
		Mode:         protocol.ProtocolModeNodeToClient,
	}
	// Perform handshake
	versionMap := map[uint16]uint32{}
	for _, version := range getProtocolVersions() {
		versionMap[version] = n.networkMagic
	}
	var handshakeVersion uint16
	handshakeConfig := handshake.NewConfig(
		handshake.WithProtocolVersionMap(versionMap),
		handshake.WithFinishedFunc(func(version uint16, networkMagic uint32) error {
			handshakeVersion = version
			close(n.handshakeFinishedChan)
			return nil
		}),
	)
	n.handshake = handshake.NewClient(protoOptions, &handshakeConfig)
	n.handshake.Start()
	// Wait for handshake completion or error
	select {
	case <-n.doneChan:
		// Return an error if we're shutting down
		return io.EOF
	case err := <-n.protoErrorChan:
		// Tear down the partial connection so a failed handshake does not
		// leave goroutines behind
		n.handshake.Stop()
		n.Close()
		return err
	case <-n.handshakeFinishedChan:
		// This is purposely empty, but we need this case to break out when this channel is closed
	}
	n.protocolVersion = handshakeVersion
	// Provide the negotiated protocol version to the various mini-protocols
	protoOptions.Version = handshakeVersion
	// Start goroutine to pass along errors from the mini-protocols
	n.waitGroup.Add(1)
	go func() {
		defer n.waitGroup.Done()
		select {
		case <-n.doneChan:
			// Return if we're shutting down
			return
		case err, ok := <-n.protoErrorChan:
			// The channel is closed, which means we're already shutting down
			if !ok {
				return
			}
			n.errorChan <- fmt.Errorf("protocol error: %w", err)
			// Close connection on mini-protocol errors. This must happen on a
			// separate goroutine, since Close waits for this one to finish
			go n.Close()
		}
	}()
	// Configure the mini-protocols
	version := getProtocolVersion(handshakeVersion)
	n.chainSync = chainsync.NewClient(protoOptions, n.chainSyncConfig)
	n.localTxSubmission = localtxsubmission.NewClient(protoOptions, n.localTxSubmissionConfig)
	if version.EnableLocalQueryProtocol {
		n.localStateQuery = localstatequery.NewClient(protoOptions, n.localStateQueryConfig)
	}
	n.chainSync.Start()
	n.localTxSubmission.Start()
	if n.localStateQuery != nil {
		n.localStateQuery.Start()
	}
	// Unblock the muxer read loop now that the mini-protocols are registered
	if !n.delayMuxerStart {
		n.muxer.Start()
	}
	return nil
}
