package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// ErrInvalidStoreURI is returned for unsupported state store locations.
var ErrInvalidStoreURI = errors.New("invalid state store URI")

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenStore opens a workflow store from a location URI:
//
//	memory://
//	file:///var/lib/provisioner/workflows
//	sqlite:///var/lib/provisioner/workflows.db
//	redis://[:password@]host:6379/0?ttl=720h
//
// The returned closer releases the store's resources.
func OpenStore(ctx context.Context, location string, log *slog.Logger) (interfaces.WorkflowStore, io.Closer, error) {
	if location == "" || location == "memory" {
		location = "memory://"
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidStoreURI, err)
	}

	switch u.Scheme {
	case "memory":
		return NewMemoryStore(), nopCloser{}, nil
	case "file":
		store, err := NewFileStore(u.Path, log)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil
	case "sqlite":
		path := u.Path
		if u.Host != "" {
			path = u.Host + u.Path
		}
		store, err := OpenSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "redis":
		opts := &redis.Options{Addr: u.Host}
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
		if db := strings.Trim(u.Path, "/"); db != "" {
			n, err := strconv.Atoi(db)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid database %q", ErrInvalidStoreURI, db)
			}
			opts.DB = n
		}
		var ttl time.Duration
		if raw := u.Query().Get("ttl"); raw != "" {
			ttl, err = time.ParseDuration(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: invalid ttl %q", ErrInvalidStoreURI, raw)
			}
		}
		store, err := NewRedisStore(ctx, opts, ttl)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidStoreURI, u.Scheme)
	}
}
