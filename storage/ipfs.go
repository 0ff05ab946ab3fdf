package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// IPFSStore implements a content store on top of an IPFS node's HTTP API.
type IPFSStore struct {
	shell       *shell.Shell
	host        string
	port        string
	pin         bool
	log         *slog.Logger
	locationURI string
}

// NewIPFSStore creates a new IPFS content store connected to the specified host and port.
// Added content is pinned when pin is true.
func NewIPFSStore(host, port string, pin bool, timeout time.Duration, log *slog.Logger) *IPFSStore {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	return &IPFSStore{
		shell:       shell.NewShellWithClient(apiURL, &http.Client{Timeout: timeout}),
		host:        host,
		port:        port,
		pin:         pin,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?pin=%t&timeout=%s", apiURL, pin, timeout),
	}
}

// Fetch retrieves data from IPFS by its CID.
// Returns ErrContentNotFound if the content doesn't exist or ErrNetwork
// if the IPFS node is not accessible.
func (b *IPFSStore) Fetch(ctx context.Context, c string) ([]byte, error) {
	start := time.Now()

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, fmt.Errorf("%w: ipfs node %s:%s is down", interfaces.ErrNetwork, b.host, b.port)
	}

	data, err := b.do(ctx, func() ([]byte, error) {
		reader, err := b.shell.Cat("/ipfs/" + c)
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return io.ReadAll(reader)
	})
	if err != nil {
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "no link named") {
			b.log.Debug("Content not found in IPFS",
				slog.String("cid", c),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrContentNotFound
		}

		b.log.Error("Failed to fetch data from IPFS",
			slog.String("cid", c),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, classifyIPFSError(err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("cid", c),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Put adds data to IPFS as a CIDv1 raw-leaf file and returns the node's CID.
// Adding identical bytes again returns the same CID.
func (b *IPFSStore) Put(ctx context.Context, data []byte) (string, error) {
	start := time.Now()

	if !b.shell.IsUp() {
		return "", fmt.Errorf("%w: ipfs node %s:%s is down", interfaces.ErrNetwork, b.host, b.port)
	}

	var c string
	_, err := b.do(ctx, func() ([]byte, error) {
		var err error
		c, err = b.shell.Add(bytes.NewReader(data),
			shell.CidVersion(1),
			shell.RawLeaves(true),
			shell.Pin(b.pin))
		return nil, err
	})
	if err != nil {
		b.log.Error("Failed to add data to IPFS",
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return "", classifyIPFSError(err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("cid", c),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return c, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSStore) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this store.
func (b *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this store.
func (b *IPFSStore) LocationURI() string {
	return b.locationURI
}

// do runs a blocking shell call and abandons it when ctx is done.
func (b *IPFSStore) do(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := fn()
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", interfaces.ErrNetwork, ctx.Err())
	case r := <-done:
		return r.data, r.err
	}
}

func classifyIPFSError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"), strings.Contains(msg, "insufficient storage"), strings.Contains(msg, "storage limit"):
		return fmt.Errorf("%w: %v", interfaces.ErrQuotaExceeded, err)
	default:
		return fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}
}
