package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const accessTokenABIJSON = `[
	{"type":"function","name":"burn","stateMutability":"nonpayable",
	 "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"ownerOf","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

const identityRegistryABIJSON = `[
	{"type":"function","name":"register","stateMutability":"nonpayable",
	 "inputs":[{"name":"tokenURI","type":"string"}],"outputs":[{"name":"agentId","type":"uint256"}]},
	{"type":"event","name":"Registered","anonymous":false,
	 "inputs":[
		{"name":"agentId","type":"uint256","indexed":true},
		{"name":"tokenURI","type":"string","indexed":false},
		{"name":"owner","type":"address","indexed":true}
	 ]}
]`

var (
	// AccessTokenABI is the subset of the ERC-721 access token used for burning.
	AccessTokenABI = mustParseABI(accessTokenABIJSON)

	// IdentityRegistryABI is the subset of the identity registry used for registration.
	IdentityRegistryABI = mustParseABI(identityRegistryABIJSON)

	registeredEvent = IdentityRegistryABI.Events["Registered"]
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
