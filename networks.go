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

// Network definitions
var (
	NetworkMainnet = Network{
		Name:         "mainnet",
		NetworkMagic: 764824073,
	}
	NetworkPreprod = Network{
		Name:         "preprod",
		NetworkMagic: 1,
	}
	NetworkPreview = Network{
		Name:         "preview",
		NetworkMagic: 2,
	}

	// NetworkInvalid is used as a return value for lookup functions when a network isn't found
	NetworkInvalid = Network{
		Name:         "invalid",
		NetworkMagic: 0,
	}
)

// List of valid networks for use in lookup functions
var networks = []Network{
	NetworkMainnet,
	NetworkPreprod,
	NetworkPreview,
}

// NetworkByName returns a predefined network by name
func NetworkByName(name string) Network {
	for _, network := range networks {
		if network.Name == name {
			return network
		}
	}
	return NetworkInvalid
}

// NetworkByNetworkMagic returns a predefined network by network magic
func NetworkByNetworkMagic(networkMagic uint32) Network {
	for _, network := range networks {
		if network.NetworkMagic == networkMagic {
			return network
		}
	}
	return NetworkInvalid
}

// Network represents a Cardano network
type Network struct {
	Name         string
	NetworkMagic uint32
}

func (n Network) String() string {
	return n.Name
}
