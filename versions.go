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

import "github.com/bjing/ogmios/protocol"

// Most of these are enabled in all of the protocol versions that we support, but
// they are here for completeness
type protocolVersion struct {
	EnableLocalQueryProtocol bool
	EnableChainPointQuery    bool
	EnableBabbageEra         bool
}

// Map of node-to-client protocol versions to protocol features
//
// We don't bother supporting protocol versions before 9 (when Alonzo was enabled)
var protocolVersionMap = map[uint16]protocolVersion{
	9: {
		EnableLocalQueryProtocol: true,
	},
	// added GetChainBlockNo and GetChainPoint queries
	10: {
		EnableLocalQueryProtocol: true,
		EnableChainPointQuery:    true,
	},
	11: {
		EnableLocalQueryProtocol: true,
		EnableChainPointQuery:    true,
	},
	12: {
		EnableLocalQueryProtocol: true,
		EnableChainPointQuery:    true,
	},
	13: {
		EnableLocalQueryProtocol: true,
		EnableChainPointQuery:    true,
		EnableBabbageEra:         true,
	},
	14: {
		EnableLocalQueryProtocol: true,
		EnableChainPointQuery:    true,
		EnableBabbageEra:         true,
	},
}

// getProtocolVersions returns a list of supported protocol versions with the
// node-to-client flag bit set
func getProtocolVersions() []uint16 {
	versions := []uint16{}
	for key := range protocolVersionMap {
		versions = append(versions, key+protocol.ProtocolVersionNtCOffset)
	}
	return versions
}

// getProtocolVersion returns the protocol version config for the specified protocol version
func getProtocolVersion(version uint16) protocolVersion {
	if version > protocol.ProtocolVersionNtCOffset {
		version = version - protocol.ProtocolVersionNtCOffset
	}
	return protocolVersionMap[version]
}
