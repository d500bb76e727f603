// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package registryclient talks to the registry's REST API and mirrors its
// catalog into a local replica.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tessera-fed/tessera/internal/registry"
	"github.com/tessera-fed/tessera/internal/registryapi"
	"github.com/tessera-fed/tessera/internal/replication"
)

// DefaultTimeout bounds one registry request.
const DefaultTimeout = 10 * time.Second

// Client is a REST client for the registry service.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// New creates a registry client for the given base URL.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		base:   baseURL,
		http:   httpClient,
		logger: logger.With("component", "registryclient"),
	}
}

// RegisterParty registers a party with the registry.
func (c *Client) RegisterParty(ctx context.Context, desc *registry.PartyDescription) error {
	return c.post(ctx, "/api/v1/parties", desc)
}

// RegisterSite registers a site with the registry.
func (c *Client) RegisterSite(ctx context.Context, desc *registry.SiteDescription) error {
	return c.post(ctx, "/api/v1/sites", desc)
}

// DeregisterParty removes a party from the registry.
func (c *Client) DeregisterParty(ctx context.Context, id string) error {
	return c.delete(ctx, "/api/v1/parties/"+url.PathEscape(id))
}

// DeregisterSite removes a site from the registry.
func (c *Client) DeregisterSite(ctx context.Context, id string) error {
	return c.delete(ctx, "/api/v1/sites/"+url.PathEscape(id))
}

// Fetch obtains a replication batch, implementing replication.Fetcher for
// registry replicas. Transient transport failures are retried with a
// bounded backoff.
func (c *Client) Fetch(ctx context.Context, since int64) (replication.UpdateBatch[registry.RegisteredObject], error) {
	var batch replication.UpdateBatch[registry.RegisteredObject]

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/api/v1/updates?since=%d", c.base, since), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var wrapped registryapi.APIResponse[registry.BatchWire]
		if err := decodeResponse(resp, &wrapped); err != nil {
			return backoff.Permanent(err)
		}
		batch, err = registry.DecodeBatch(wrapped.Data)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return batch, fmt.Errorf("fetching registry updates: %w", err)
	}
	return batch, nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// checkStatus maps error responses back to the registry sentinel errors.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var wrapped registryapi.APIResponse[struct{}]
	_ = json.NewDecoder(resp.Body).Decode(&wrapped)

	var sentinel error
	switch wrapped.Code {
	case registryapi.CodeNotFound:
		sentinel = registry.ErrNotFound
	case registryapi.CodeAlreadyExists:
		sentinel = registry.ErrAlreadyExists
	case registryapi.CodeIDReused:
		sentinel = registry.ErrIDReused
	case registryapi.CodeUnknownParty:
		sentinel = registry.ErrUnknownParty
	case registryapi.CodeInvalidRequest:
		sentinel = registry.ErrInvalidDescription
	default:
		return fmt.Errorf("registry request failed with status %d: %s", resp.StatusCode, wrapped.Error)
	}
	return fmt.Errorf("%w: %s", sentinel, wrapped.Error)
}

func decodeResponse[T any](resp *http.Response, out *registryapi.APIResponse[T]) error {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registry request failed with status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding registry response: %w", err)
	}
	if !out.Success {
		return errors.New(out.Error)
	}
	return nil
}
