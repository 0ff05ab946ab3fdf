package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/ruteri/agent-identity-provisioner/metadata"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Timeout bounds a single upload. Expiry is reported as a network error.
	Timeout time.Duration

	// CacheSize is the number of published CIDs remembered to skip re-uploads.
	CacheSize int
}

// DefaultPublisherConfig returns the defaults used by the command line tools.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Timeout:   30 * time.Second,
		CacheSize: 1024,
	}
}

// Publisher uploads identity documents to a content store.
// Publishing identical documents is idempotent: the CID is computed locally
// and previously published CIDs are served from cache without a write.
type Publisher struct {
	store   interfaces.ContentStore
	cache   *lru.Cache[string, interfaces.ContentReference]
	timeout time.Duration
	log     *slog.Logger
}

// NewPublisher creates a publisher writing to store.
func NewPublisher(store interfaces.ContentStore, cfg PublisherConfig, log *slog.Logger) (*Publisher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPublisherConfig().Timeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultPublisherConfig().CacheSize
	}

	cache, err := lru.New[string, interfaces.ContentReference](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish cache: %w", err)
	}

	return &Publisher{
		store:   store,
		cache:   cache,
		timeout: cfg.Timeout,
		log:     log,
	}, nil
}

// Publish writes doc to the content store and returns its reference.
// Errors wrap interfaces.ErrNetwork (retryable) or interfaces.ErrQuotaExceeded (fatal).
func (p *Publisher) Publish(ctx context.Context, doc *interfaces.IdentityMetadata) (*interfaces.ContentReference, error) {
	data, err := metadata.Encode(doc)
	if err != nil {
		return nil, err
	}

	localCID, err := ComputeCID(data)
	if err != nil {
		return nil, err
	}

	if ref, ok := p.cache.Get(localCID); ok {
		p.log.Debug("Document already published", slog.String("cid", ref.CID))
		return &ref, nil
	}

	start := time.Now()
	putCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	c, err := p.store.Put(putCtx, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(putCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, interfaces.ErrQuotaExceeded) {
			return nil, fmt.Errorf("%w: publish timed out after %s", interfaces.ErrNetwork, p.timeout)
		}
		return nil, err
	}

	if c != localCID {
		p.log.Warn("Content store returned unexpected CID",
			slog.String("expected", localCID),
			slog.String("actual", c),
			slog.String("store", p.store.Name()))
	}

	ref := interfaces.ContentReference{CID: c, URI: ContentURI(c)}
	p.cache.Add(localCID, ref)

	p.log.Info("Published identity document",
		slog.String("cid", c),
		slog.String("store", p.store.Name()),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return &ref, nil
}
