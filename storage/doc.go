// Package storage publishes identity documents to content-addressed stores.
//
// Every store addresses content by its CIDv1 (raw codec, sha2-256), computed
// locally with ComputeCID. Publishing the same bytes twice yields the same CID,
// so a retried publish is harmless.
//
// # Location URIs
//
// Stores are selected with location URIs:
//
//   - ipfs://127.0.0.1:5001/?pin=true&timeout=30s
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=minio:9000
//   - file:///var/lib/agent-identity/content
//   - memory://
//
// Several URIs can be combined with StoreFactory.CreateMultiStore. Writes go to
// every reachable store; reads fall back through them in order.
//
// # Publishing
//
// Publisher encodes an interfaces.IdentityMetadata document, writes it under a
// timeout and returns an ipfs:// reference. Timeouts and unreachable stores are
// reported as interfaces.ErrNetwork; refused writes as interfaces.ErrQuotaExceeded.
package storage
