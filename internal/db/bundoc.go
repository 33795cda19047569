// Package db implements the store boundary against a Bundoc document
// server over HTTP. The server has no push channel on this surface, so
// Subscribe polls the collection and publishes a full snapshot whenever
// its contents change.
package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kartikbazzad/bundir/internal/store"
	"github.com/kartikbazzad/bundir/pkg/logger"
)

// DefaultPollInterval is the change-feed polling cadence.
const DefaultPollInterval = 2 * time.Second

// Client is an HTTP-backed store.Store.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	log          *slog.Logger
}

// NewClient creates a client for the Bundoc server at baseURL,
// e.g. http://bundoc-server:8080. pollInterval <= 0 uses the default.
func NewClient(baseURL string, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		pollInterval: pollInterval,
		log:          logger.Get(),
	}
}

// Close is a no-op for the HTTP client.
func (c *Client) Close() {}

func (c *Client) documentURL(path string) string {
	return fmt.Sprintf("%s/v1/documents/%s", c.baseURL, url.PathEscape(path))
}

func (c *Client) collectionURL(path string) string {
	return fmt.Sprintf("%s/v1/collections/%s", c.baseURL, url.PathEscape(path))
}

func (c *Client) ReadDocument(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bundoc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, store.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bundoc read %s: status %d body %s", path, resp.StatusCode, string(body))
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return doc, nil
}

func (c *Client) ListDocuments(ctx context.Context, path string) ([]store.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.collectionURL(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bundoc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bundoc list %s: status %d body %s", path, resp.StatusCode, string(body))
	}

	var payload struct {
		Documents []struct {
			ID   string         `json:"_id"`
			Data map[string]any `json:"data"`
		} `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	out := make([]store.Document, 0, len(payload.Documents))
	for _, d := range payload.Documents {
		out = append(out, store.Document{ID: d.ID, Data: d.Data})
	}
	return out, nil
}

// Subscribe polls the collection and invokes fn with the full contents
// whenever the snapshot fingerprint changes. The initial snapshot is
// delivered before Subscribe returns. Poll failures go to errFn and
// polling continues; the consumer sees the last good snapshot until
// the feed recovers or it unsubscribes.
func (c *Client) Subscribe(ctx context.Context, path string, fn store.SnapshotFunc, errFn store.ErrorFunc) (store.UnsubscribeFunc, error) {
	docs, err := c.ListDocuments(ctx, path)
	if err != nil {
		return nil, err
	}
	fn(docs)
	last := fingerprint(docs)

	pollCtx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
			docs, err := c.ListDocuments(pollCtx, path)
			if err != nil {
				// Roster stays frozen at the last good snapshot.
				c.log.Warn("change-feed poll failed", "path", path, "error", err)
				if errFn != nil {
					errFn(err)
				}
				continue
			}
			if fp := fingerprint(docs); fp != last {
				last = fp
				fn(docs)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (c *Client) MutateDocument(ctx context.Context, path string, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("serialize error: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.documentURL(path), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bundoc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bundoc mutate %s: status %d body %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *Client) DeleteDocument(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.documentURL(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bundoc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return store.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bundoc delete %s: status %d body %s", path, resp.StatusCode, string(body))
	}
	return nil
}

// fingerprint hashes a snapshot so unchanged polls are dropped without
// re-normalizing the roster.
func fingerprint(docs []store.Document) uint64 {
	h := fnv.New64a()
	for _, d := range docs {
		h.Write([]byte(d.ID))
		if b, err := json.Marshal(d.Data); err == nil {
			h.Write(b)
		}
	}
	return h.Sum64()
}
