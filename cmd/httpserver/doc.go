// Package main (cmd/httpserver) serves the agent identity provisioning API.
//
// The server runs provisioning workflows on behalf of browser users. Each
// workflow builds the identity document, publishes it to the configured
// content stores, burns the user's access token, registers the identity on
// chain and asks the knowledge-stack backend to provision it. Transactions are
// signed in the user's wallet: the server exposes the pending transaction at
// GET /api/workflows/{id}/signature and waits for the signed transaction to be
// posted back.
//
// Workflow state is persisted after every step in the store selected with
// --state-store, so interrupted workflows can be resumed after a restart
// without repeating on-chain transactions.
//
// On SIGINT/SIGTERM the server stops accepting requests, interrupts running
// workflows and persists their progress.
//
// Example usage:
//
//	provisioner-server \
//	  --rpc-addr https://sepolia.example/rpc \
//	  --chain-id 11155111 \
//	  --token-contract 0x5FbDB2315678afecb367f032d93F642f64180aa3 \
//	  --registry-contract 0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512 \
//	  --content-store ipfs://127.0.0.1:5001/ \
//	  --agent-endpoint https://agents.example/api \
//	  --backend-url http://127.0.0.1:8081 \
//	  --state-store sqlite:///var/lib/provisioner/workflows.db
package main
