// Package chain submits and observes the two on-chain steps of provisioning:
// burning the access token and registering the agent identity.
//
// Both executors split their work into Submit, which asks the signing session
// for a signature and broadcasts the transaction, and Await, which polls for
// inclusion. Callers persist the returned transaction hash between the two so
// a timed-out wait can be resumed by polling the same hash instead of sending
// a second transaction.
//
// The identity registry is expected to expose
//
//	function register(string tokenURI) returns (uint256 agentId)
//	event Registered(uint256 indexed agentId, string tokenURI, address indexed owner)
//
// and the access token the ERC-721 burn(uint256) extension.
package chain
