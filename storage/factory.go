package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// ErrInvalidLocationURI is returned when a store location URI is malformed or unsupported.
var ErrInvalidLocationURI = errors.New("invalid content store location URI")

// StoreFactory creates content stores from location URIs.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{log: logger}
}

// StoreFor creates a content store from a location URI.
//
// Supported schemes:
//   - ipfs://host:port/?pin=true&timeout=30s - IPFS node HTTP API
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=... - S3 or compatible
//   - file:///absolute/path - local directory
//   - memory:// - in-process store
func (sf *StoreFactory) StoreFor(locationURI string) (interfaces.ContentStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ipfs":
		return sf.createIPFSStore(u)
	case "s3":
		return sf.createS3Store(u)
	case "file":
		return sf.createFileStore(u)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiStore creates a store writing to every location in locationURIs.
// A single location yields that store directly.
func (sf *StoreFactory) CreateMultiStore(locationURIs []string) (interfaces.ContentStore, error) {
	stores := make([]interfaces.ContentStore, 0, len(locationURIs))

	for _, uri := range locationURIs {
		store, err := sf.StoreFor(uri)
		if err != nil {
			return nil, fmt.Errorf("content store %q: %w", uri, err)
		}
		stores = append(stores, store)
	}

	switch len(stores) {
	case 0:
		return nil, fmt.Errorf("%w: no content stores configured", ErrInvalidLocationURI)
	case 1:
		return stores[0], nil
	default:
		return NewMultiStore(stores, sf.log), nil
	}
}

// createIPFSStore creates an IPFS store.
// URI format: ipfs://host:port/?pin=true&timeout=30s
func (sf *StoreFactory) createIPFSStore(u *url.URL) (interfaces.ContentStore, error) {
	sf.log.Debug("Creating IPFS store", slog.String("uri", u.String()))

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing IPFS host", ErrInvalidLocationURI)
	}
	port := u.Port()
	if port == "" {
		port = "5001"
	}

	query := u.Query()
	pin := query.Get("pin") != "false"

	timeout := 30 * time.Second
	if raw := query.Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", ErrInvalidLocationURI, raw)
		}
		timeout = d
	}

	return NewIPFSStore(host, port, pin, timeout, sf.log), nil
}

// createS3Store creates an S3 or S3-compatible store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com
func (sf *StoreFactory) createS3Store(u *url.URL) (interfaces.ContentStore, error) {
	sf.log.Debug("Creating S3 store", slog.String("bucket", u.Host))

	cfg := S3Config{
		Bucket:   u.Host,
		Prefix:   strings.TrimPrefix(u.Path, "/"),
		Region:   u.Query().Get("region"),
		Endpoint: u.Query().Get("endpoint"),
	}
	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	}

	return NewS3Store(cfg, sf.log)
}

// createFileStore creates a file system store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StoreFactory) createFileStore(u *url.URL) (interfaces.ContentStore, error) {
	sf.log.Debug("Creating file store", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", ErrInvalidLocationURI, u.String())
	}

	return NewFileStore(path, sf.log)
}
