package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// MultiStore implements interfaces.ContentStore using multiple stores.
// Writes go to every available store, reads fall back in order.
type MultiStore struct {
	stores []interfaces.ContentStore
	log    *slog.Logger
}

// NewMultiStore creates a new multi-store.
func NewMultiStore(stores []interfaces.ContentStore, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStore{
		stores: stores,
		log:    logger,
	}
}

// Fetch returns data from the first store that has it.
func (m *MultiStore) Fetch(ctx context.Context, c string) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Store unavailable",
				slog.String("store", store.Name()),
				slog.String("cid", c))
			continue
		}

		data, err := store.Fetch(ctx, c)
		if err == nil {
			m.log.Debug("Fetched content",
				slog.String("store", store.Name()),
				slog.String("cid", c),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
		}

		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		m.log.Debug("Failed to fetch from store",
			slog.String("store", store.Name()),
			slog.String("cid", c),
			"err", err)
	}

	if notFound > 0 && notFound == len(errs) {
		return nil, interfaces.ErrContentNotFound
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no content store available", interfaces.ErrNetwork)
	}
	return nil, fmt.Errorf("all stores failed to fetch %s: %w", c, errors.Join(errs...))
}

// Put writes data to all available stores and returns the CID of the first success.
func (m *MultiStore) Put(ctx context.Context, data []byte) (string, error) {
	start := time.Now()
	var result string
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Store unavailable", slog.String("store", store.Name()))
			continue
		}

		c, err := store.Put(ctx, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Warn("Failed to store content",
				slog.String("store", store.Name()),
				"err", err)
			continue
		}

		if result == "" {
			result = c
			m.log.Info("Stored content",
				slog.String("store", store.Name()),
				slog.String("cid", c),
				slog.Duration("duration", time.Since(start)))
		} else if result != c {
			// Same bytes must address the same content on every store
			m.log.Warn("Inconsistent CIDs from stores",
				slog.String("store", store.Name()),
				slog.String("expected", result),
				slog.String("actual", c))
		}
	}

	if result != "" {
		return result, nil
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: no content store available", interfaces.ErrNetwork)
	}

	m.log.Error("All stores failed to store content",
		slog.Int("failed", len(errs)),
		slog.Duration("duration", time.Since(start)))
	return "", fmt.Errorf("all stores failed: %w", errors.Join(errs...))
}

// Available checks if any store is available.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStore) Name() string {
	return "multi-store"
}

func (m *MultiStore) LocationURI() string {
	var locations []string
	for _, store := range m.stores {
		locations = append(locations, store.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
