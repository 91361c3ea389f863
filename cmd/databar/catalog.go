package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/databar/pkg/analytics"
	"github.com/codeGROOVE-dev/databar/pkg/auth"
	"github.com/codeGROOVE-dev/databar/pkg/catalogcache"
)

const (
	catalogTTL     = time.Hour
	catalogMaxAge  = 7 * 24 * time.Hour
	catalogTimeout = 60 * time.Second
)

// catalogSource lists the properties the signed-in account can see.
type catalogSource interface {
	Load(ctx context.Context, refresh bool) ([]analytics.Property, error)
}

// catalog serves the account's property list from a disk cache, falling back
// to the admin API when the cache is stale or refresh is requested.
type catalog struct {
	cache  *catalogcache.Manager
	tokens *auth.Provider
	client *analytics.Client
	logger *slog.Logger
	key    string
}

func newCatalog(cache *catalogcache.Manager, tokens *auth.Provider, client *analytics.Client, method auth.Method, logger *slog.Logger) *catalog {
	return &catalog{
		cache:  cache,
		tokens: tokens,
		client: client,
		logger: logger,
		key:    catalogcache.Key("accountSummaries", string(method)),
	}
}

func (c *catalog) Load(ctx context.Context, refresh bool) ([]analytics.Property, error) {
	var props []analytics.Property
	if refresh {
		if err := c.cache.Invalidate(c.key); err != nil {
			c.logger.Warn("[CACHE] Failed to invalidate property catalog", "error", err)
		}
	} else {
		hit, err := catalogcache.Get(c.cache, c.key, catalogTTL, &props)
		if err != nil {
			c.logger.Warn("[CACHE] Failed to read property catalog", "error", err)
		}
		if hit {
			c.logger.Debug("[CACHE] Property catalog cache hit", "properties", len(props))
			return props, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	tok, err := c.tokens.FreshToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	props, err = c.client.Properties(ctx, tok)
	if err != nil {
		return nil, err
	}
	if err := catalogcache.Put(c.cache, c.key, props); err != nil {
		c.logger.Warn("[CACHE] Failed to save property catalog", "error", err)
	}
	return props, nil
}
