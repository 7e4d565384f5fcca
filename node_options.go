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

package ogmios

import (
	"log/slog"
	"net"

	"github.com/bjing/ogmios/protocol/chainsync"
	"github.com/bjing/ogmios/protocol/localstatequery"
	"github.com/bjing/ogmios/protocol/localtxsubmission"
)

// NodeLinkOptionFunc represents a function used to modify NodeLink configuration
type NodeLinkOptionFunc func(*NodeLink)

// WithConnection specifies an existing connection to the node. The handshake
// will be started immediately
func WithConnection(conn net.Conn) NodeLinkOptionFunc {
	return func(n *NodeLink) {
		n.conn = conn
	}
}

// WithNetworkMagic specifies the network magic value to use during the handshake
func WithNetworkMagic(networkMagic uint32) NodeLinkOptionFunc {
	return func(n *NodeLink) {
		n.networkMagic = networkMagic
	}
}

// WithNetwork specifies the network to use during the handshake
func WithNetwork(network Network) NodeLinkOptionFunc {
	return func(n *NodeLink) {
		n.networkMagic = network.NetworkMagic
	}
}

// WithLogger specifies the logger to use. Defaults to discarding log output
func WithLogger(logger *slog.Logger) NodeLinkOptionFunc {
	return func(n *NodeLink) {
		n.logger = logger
	}
}

// WithErrorChan specifies the error channel to use for asynchronous errors
func WithErrorChan(errorChan chan error) NodeLinkOptionFunc {
	return func(n *NodeLink) {
		n.errorChan = errorChan
	}
}

// WithDelayMuxerStart specifies whether to delay the muxer start
func WithDelayMuxerStart(delayMuxerStart bool) NodeLinkOptionFunc {
	return func(n *NodeLink) {
		n.delayMuxerStart = delayMuxerStart
	}
}

// WithChainSyncConfig specifies the ChainSync protocol config
func WithChainSyncConfig(cfg chainsync.Config) NodeLinkOptionFunc {
	return func(n *NodeLink) {
		n.chainSyncConfig = &cfg
	}
}

// WithLocalStateQueryConfig specifies the LocalStateQuery protocol config
func WithLocalStateQueryConfig(cfg localstatequery.Config) NodeLinkOptionFunc {
	return func(n *NodeLink) {
		n.localStateQueryConfig = &cfg
	}
}

// WithLocalTxSubmissionConfig specifies the LocalTxSubmission protocol config
func WithLocalTxSubmissionConfig(cfg localtxsubmission.Config) NodeLinkOptionFunc {
	return func(n *NodeLink) {
		n.localTxSubmissionConfig = &cfg
	}
}
