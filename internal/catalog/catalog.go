// Package catalog holds product and currency metadata as opaque dictionaries
// keyed by id.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"MarketPulse/internal/collector"
	"MarketPulse/internal/logger"

	"golang.org/x/sync/singleflight"
)

// Entry is one metadata record exactly as the upstream sent it.
type Entry map[string]any

// Catalog is refreshed in the background and read by many goroutines.
type Catalog struct {
	baseURL string
	client  *http.Client
	group   singleflight.Group

	mu         sync.RWMutex
	products   map[string]Entry
	currencies map[string]Entry
	loadedAt   time.Time
}

// New creates an empty catalog reading from the Coinbase Exchange API at baseURL.
func New(baseURL, proxyURL string) *Catalog {
	if baseURL == "" {
		baseURL = collector.DefaultBaseURL
	}
	return &Catalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  collector.NewHTTPClient(proxyURL, 30*time.Second),
	}
}

// Refresh reloads both dictionaries. Concurrent callers share one upstream round trip.
// On failure the previous dictionaries stay in place.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, shared := c.group.Do("refresh", func() (any, error) {
		products, err := c.fetch(ctx, "/products")
		if err != nil {
			return nil, err
		}
		currencies, err := c.fetch(ctx, "/currencies")
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.products = products
		c.currencies = currencies
		c.loadedAt = time.Now()
		c.mu.Unlock()
		logger.Infof("[catalog] loaded %d products, %d currencies", len(products), len(currencies))
		return nil, nil
	})
	if shared {
		logger.Debugf("[catalog] refresh shared with a concurrent caller")
	}
	return err
}

// Loaded reports whether a refresh has ever succeeded.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.loadedAt.IsZero()
}

// Known reports whether id is a listed product. Before the first successful
// load every id is accepted.
func (c *Catalog) Known(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loadedAt.IsZero() {
		return true
	}
	_, ok := c.products[strings.ToUpper(strings.TrimSpace(id))]
	return ok
}

// Product returns the product record for id.
func (c *Catalog) Product(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.products[strings.ToUpper(strings.TrimSpace(id))]
	return e, ok
}

// Currency returns the currency record for id.
func (c *Catalog) Currency(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.currencies[strings.ToUpper(strings.TrimSpace(id))]
	return e, ok
}

func (c *Catalog) fetch(ctx context.Context, path string) (map[string]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "MarketPulse/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: catalog %s: %w", collector.ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: catalog %s: read body: %w", collector.ErrNetwork, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: catalog %s: status %d", collector.ErrNetwork, path, resp.StatusCode)
	}

	var records []Entry
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("%w: catalog %s: %w", collector.ErrParse, path, err)
	}
	out := make(map[string]Entry, len(records))
	for _, r := range records {
		id, _ := r["id"].(string)
		if id == "" {
			continue
		}
		out[strings.ToUpper(id)] = r
	}
	return out, nil
}
