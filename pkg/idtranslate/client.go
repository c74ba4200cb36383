/**
 * @description
 * This package resolves beneficiary ids to financial addresses through a
 * financial-address mapper registry. The registry answers one search per id;
 * Translate fans those searches out and returns the addresses in input order.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - golang.org/x/sync/errgroup: Bounded concurrent lookups.
 */
package idtranslate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

var ErrIDNotMapped = errors.New("id has no financial address in mapper registry")

const defaultConcurrency = 8

// Client is a client for the mapper registry search endpoint.
type Client struct {
	SearchURL   string
	HTTPClient  *http.Client
	Concurrency int
}

// NewClient creates a new mapper registry client.
func NewClient(searchURL string, timeout time.Duration) *Client {
	return &Client{
		SearchURL:   searchURL,
		HTTPClient:  &http.Client{Timeout: timeout},
		Concurrency: defaultConcurrency,
	}
}

type searchRequest struct {
	Filters struct {
		ID struct {
			Eq string `json:"eq"`
		} `json:"id"`
	} `json:"filters"`
	Limit int `json:"limit"`
}

type searchResult struct {
	FA string `json:"fa"`
}

// Translate resolves every id and returns one address per id, in order.
// Any failed lookup fails the whole call.
func (c *Client) Translate(ctx context.Context, ids []string) ([]string, error) {
	out := make([]string, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	limit := c.Concurrency
	if limit < 1 {
		limit = defaultConcurrency
	}
	g.SetLimit(limit)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			fa, err := c.lookup(gctx, id)
			if err != nil {
				return fmt.Errorf("translate id %q: %w", id, err)
			}
			out[i] = fa
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) lookup(ctx context.Context, id string) (string, error) {
	var payload searchRequest
	payload.Filters.ID.Eq = id
	payload.Limit = 1

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.SearchURL, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute search request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("mapper registry returned status %d", resp.StatusCode)
	}

	var results []searchResult
	if err := json.Unmarshal(bodyBytes, &results); err != nil {
		return "", fmt.Errorf("failed to decode search response: %w", err)
	}
	if len(results) == 0 || results[0].FA == "" {
		return "", ErrIDNotMapped
	}
	return results[0].FA, nil
}
