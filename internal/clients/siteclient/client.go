// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package siteclient talks to peer sites' REST APIs on behalf of a party
// or site: asset retrieval, job submission, and policy replication.
package siteclient

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

	"github.com/tessera-fed/tessera/internal/asset"
	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/policy"
	"github.com/tessera-fed/tessera/internal/registry"
	"github.com/tessera-fed/tessera/internal/replication"
	"github.com/tessera-fed/tessera/internal/runner"
	"github.com/tessera-fed/tessera/internal/siteapi"
	"github.com/tessera-fed/tessera/internal/store"
	"github.com/tessera-fed/tessera/internal/workflow"
)

// DefaultTimeout bounds one site request. A request that times out is
// reported as not-yet-available, so callers treat slow peers like absent
// assets and keep polling.
const DefaultTimeout = 10 * time.Second

// EndpointResolver resolves a site identifier to its description, via the
// registry view.
type EndpointResolver interface {
	SiteByID(ctx context.Context, id identifier.Identifier) (*registry.SiteDescription, error)
}

// Client is a REST client for peer sites.
type Client struct {
	self   identifier.Identifier
	sites  EndpointResolver
	http   *http.Client
	logger *slog.Logger
}

// New creates a site client acting on behalf of self.
func New(self identifier.Identifier, sites EndpointResolver, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		self:   self,
		sites:  sites,
		http:   httpClient,
		logger: logger.With("component", "siteclient"),
	}
}

// RetrieveAsset fetches an asset from a peer site. It implements the
// runner's AssetFetcher: absent assets and timed-out requests surface as
// runner.ErrNotYetAvailable, policy refusals as store.ErrAccessDenied.
func (c *Client) RetrieveAsset(ctx context.Context, site, id identifier.Identifier) (asset.Asset, error) {
	endpoint, err := c.endpoint(ctx, site)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodGet, endpoint+"/api/v1/assets/"+url.PathEscape(string(id)), nil)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s (request timed out)", runner.ErrNotYetAvailable, id)
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s at %s", runner.ErrNotYetAvailable, id, site)
	case http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s at %s", store.ErrAccessDenied, id, site)
	default:
		return nil, statusError(resp)
	}

	var wrapped siteapi.APIResponse[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return nil, fmt.Errorf("decoding asset response: %w", err)
	}
	return asset.Unmarshal(wrapped.Data)
}

// StoreAsset stores an asset at a peer site.
func (c *Client) StoreAsset(ctx context.Context, site identifier.Identifier, a asset.Asset) error {
	endpoint, err := c.endpoint(ctx, site)
	if err != nil {
		return err
	}
	wire, err := asset.Marshal(a)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint+"/api/v1/assets", wire)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%w: %s at %s", store.ErrDuplicateAsset, a.ID(), site)
	default:
		return statusError(resp)
	}
}

// SubmitJob submits a job to a peer site's runner and returns the job
// handle id.
func (c *Client) SubmitJob(ctx context.Context, site identifier.Identifier, sub workflow.Submission) (string, error) {
	endpoint, err := c.endpoint(ctx, site)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint+"/api/v1/jobs", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
	case http.StatusBadRequest:
		return "", fmt.Errorf("%w: %s", runner.ErrInvalidPlan, errorMessage(resp))
	case http.StatusForbidden:
		return "", fmt.Errorf("%w: %s", runner.ErrIllegalJob, errorMessage(resp))
	default:
		return "", statusError(resp)
	}

	var wrapped siteapi.APIResponse[siteapi.JobResponse]
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return "", fmt.Errorf("decoding job response: %w", err)
	}
	return wrapped.Data.ID, nil
}

// JobStatus reports the state of a job at a peer site.
func (c *Client) JobStatus(ctx context.Context, site identifier.Identifier, jobID string) (siteapi.JobResponse, error) {
	endpoint, err := c.endpoint(ctx, site)
	if err != nil {
		return siteapi.JobResponse{}, err
	}

	resp, err := c.do(ctx, http.MethodGet, endpoint+"/api/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return siteapi.JobResponse{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return siteapi.JobResponse{}, fmt.Errorf("%w: %s at %s", runner.ErrUnknownJob, jobID, site)
	default:
		return siteapi.JobResponse{}, statusError(resp)
	}

	var wrapped siteapi.APIResponse[siteapi.JobResponse]
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return siteapi.JobResponse{}, fmt.Errorf("decoding job response: %w", err)
	}
	return wrapped.Data, nil
}

// CancelJob stops a job at a peer site.
func (c *Client) CancelJob(ctx context.Context, site identifier.Identifier, jobID string) error {
	endpoint, err := c.endpoint(ctx, site)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, endpoint+"/api/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s at %s", runner.ErrUnknownJob, jobID, site)
	}
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

// PolicyFetcher returns a replication fetcher for the policy rules of a
// namespace-owning site, for use with a policy ReplicaSource.
func (c *Client) PolicyFetcher(site identifier.Identifier) replication.Fetcher[policy.Rule] {
	return policyFetcher{c: c, site: site}
}

type policyFetcher struct {
	c    *Client
	site identifier.Identifier
}

func (f policyFetcher) Fetch(ctx context.Context, since int64) (replication.UpdateBatch[policy.Rule], error) {
	var batch replication.UpdateBatch[policy.Rule]

	endpoint, err := f.c.endpoint(ctx, f.site)
	if err != nil {
		return batch, err
	}

	operation := func() error {
		resp, err := f.c.do(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/policy/updates?since=%d", endpoint, since), nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(statusError(resp))
		}

		var wrapped siteapi.APIResponse[policy.RuleBatchWire]
		if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding policy batch: %w", err))
		}
		batch, err = policy.DecodeBatch(wrapped.Data)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return batch, fmt.Errorf("fetching policy updates from %s: %w", f.site, err)
	}
	return batch, nil
}

func (c *Client) endpoint(ctx context.Context, site identifier.Identifier) (string, error) {
	desc, err := c.sites.SiteByID(ctx, site)
	if err != nil {
		return "", err
	}
	return desc.Endpoint, nil
}

// do issues one request with the requester header set.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(siteapi.RequesterHeader, string(c.self))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusError(resp *http.Response) error {
	return fmt.Errorf("site request failed with status %d: %s", resp.StatusCode, errorMessage(resp))
}

func errorMessage(resp *http.Response) string {
	var wrapped siteapi.APIResponse[struct{}]
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return ""
	}
	return wrapped.Error
}
