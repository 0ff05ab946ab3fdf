package storage

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// cidPrefix matches what an IPFS node produces for a single-chunk file added
// with --cid-version=1 --raw-leaves, so locally computed CIDs agree with the node.
var cidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// ComputeCID returns the CIDv1 (raw codec, sha2-256) of data.
func ComputeCID(data []byte) (string, error) {
	c, err := cidPrefix.Sum(data)
	if err != nil {
		return "", fmt.Errorf("failed to compute cid: %w", err)
	}
	return c.String(), nil
}

// ParseCID validates a CID string and returns its canonical form.
func ParseCID(s string) (string, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("invalid cid %q: %w", s, err)
	}
	return c.String(), nil
}

// ContentURI returns the ipfs:// URI for a CID.
func ContentURI(c string) string {
	return "ipfs://" + c
}
