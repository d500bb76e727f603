// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner executes the locally planned steps of submitted jobs:
// it polls for input assets, applies kernels, and stores the results
// under their id-hash derived identifiers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tessera-fed/tessera/internal/asset"
	"github.com/tessera-fed/tessera/internal/compute"
	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/metrics"
	"github.com/tessera-fed/tessera/internal/policy"
	"github.com/tessera-fed/tessera/internal/registry"
	"github.com/tessera-fed/tessera/internal/store"
	"github.com/tessera-fed/tessera/internal/workflow"
)

var (
	// ErrInvalidPlan is returned when a submission's plan does not fit the
	// workflow or assigns steps to sites without a runner.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrIllegalJob is returned when the policy rules do not permit this
	// site to execute its assigned steps. The check happens at submission,
	// before any side effect.
	ErrIllegalJob = errors.New("job not permitted by policy")
	// ErrUnknownJob is returned when a job handle lookup misses.
	ErrUnknownJob = errors.New("unknown job")
	// ErrNotYetAvailable marks an asset that is not retrievable yet. The
	// runner keeps polling while an input fetch reports it.
	ErrNotYetAvailable = errors.New("asset not yet available")
)

// AssetFetcher retrieves an asset from a remote site on behalf of this
// site. Implementations report ErrNotYetAvailable for assets that do not
// exist (yet) and store.ErrAccessDenied for policy refusals.
type AssetFetcher interface {
	RetrieveAsset(ctx context.Context, site, id identifier.Identifier) (asset.Asset, error)
}

// SiteResolver resolves site descriptions, via the registry replica.
type SiteResolver interface {
	SiteByID(ctx context.Context, id identifier.Identifier) (*registry.SiteDescription, error)
}

// Config tunes the input polling loop.
type Config struct {
	// PollInitial is the first retry delay when an input is not yet
	// available; subsequent delays back off exponentially up to PollMax.
	PollInitial time.Duration
	PollMax     time.Duration
}

// DefaultConfig returns the polling defaults.
func DefaultConfig() Config {
	return Config{PollInitial: 500 * time.Millisecond, PollMax: 8 * time.Second}
}

// Runner executes the steps a plan assigns to its site.
type Runner struct {
	site    identifier.Identifier
	store   *store.Store
	kernels *compute.Registry
	eval    *policy.Evaluator
	calc    *policy.Calculator
	sites   SiteResolver
	fetch   AssetFetcher
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*JobHandle
}

// New creates a runner for the given site.
func New(site identifier.Identifier, st *store.Store, kernels *compute.Registry,
	eval *policy.Evaluator, sites SiteResolver, fetch AssetFetcher,
	cfg Config, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if cfg.PollInitial <= 0 || cfg.PollMax <= 0 {
		cfg = DefaultConfig()
	}
	return &Runner{
		site:    site,
		store:   st,
		kernels: kernels,
		eval:    eval,
		calc:    policy.NewCalculator(eval),
		sites:   sites,
		fetch:   fetch,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "runner", "site", site),
	}
}

// Submit validates a submission, checks its legality against the policy
// rules, and starts executing the locally assigned steps. Validation and
// the legality check are synchronous, so a rejected job has no side
// effects.
func (r *Runner) Submit(ctx context.Context, sub workflow.Submission) (*JobHandle, error) {
	if err := sub.Job.Validate(); err != nil {
		return nil, err
	}
	if err := sub.Plan.Validate(sub.Job.Workflow); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := r.checkSites(ctx, sub.Plan); err != nil {
		return nil, err
	}

	local := r.localSteps(sub)
	if err := r.checkLegal(ctx, sub, local); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := newHandle(uuid.NewString(), cancel)

	r.mu.Lock()
	if r.jobs == nil {
		r.jobs = make(map[string]*JobHandle)
	}
	r.jobs[handle.ID] = handle
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.JobsSubmitted.Inc()
	}
	r.logger.Info("job accepted", "job", handle.ID, "localSteps", len(local))

	go r.run(runCtx, handle, sub, local)
	return handle, nil
}

// Job looks up a previously submitted job by handle id.
func (r *Runner) Job(id string) (*JobHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return h, nil
}

// Shutdown cancels every job still in flight.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	handles := make([]*JobHandle, 0, len(r.jobs))
	for _, h := range r.jobs {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// checkSites verifies that every assigned site exists and runs a runner.
func (r *Runner) checkSites(ctx context.Context, plan workflow.Plan) error {
	checked := make(map[identifier.Identifier]struct{})
	for name, siteID := range plan.StepSites {
		if _, done := checked[siteID]; done {
			continue
		}
		checked[siteID] = struct{}{}
		desc, err := r.sites.SiteByID(ctx, siteID)
		if err != nil {
			return fmt.Errorf("%w: step %q assigned to %q: %v", ErrInvalidPlan, name, siteID, err)
		}
		if !desc.HasRunner {
			return fmt.Errorf("%w: step %q assigned to %q, which has no runner", ErrInvalidPlan, name, siteID)
		}
	}
	return nil
}

// localSteps returns the steps the plan assigns to this site, in
// topological order.
func (r *Runner) localSteps(sub workflow.Submission) []string {
	order, _ := sub.Job.Workflow.TopologicalOrder()
	var local []string
	for _, name := range order {
		if sub.Plan.StepSites[name] == r.site {
			local = append(local, name)
		}
	}
	return local
}

// checkLegal verifies that this site may execute its assigned steps:
// every input, the compute binding, and every output of each local step
// must be accessible to the site, and the site serving each input must
// itself be allowed to access the item it hands over.
func (r *Runner) checkLegal(ctx context.Context, sub workflow.Submission, local []string) error {
	perms, err := r.calc.Permissions(ctx, sub.Job)
	if err != nil {
		return err
	}
	mustAccess := func(item string, who identifier.Identifier) error {
		p, err := policy.ItemPermissions(perms, item)
		if err != nil {
			return err
		}
		granted, err := r.eval.MayAccess(ctx, p, who)
		if err != nil {
			return err
		}
		if !granted {
			return fmt.Errorf("%w: site %s may not access item %q", ErrIllegalJob, who, item)
		}
		return nil
	}

	for _, name := range local {
		step := sub.Job.Workflow.Steps[name]
		if err := mustAccess(name, r.site); err != nil {
			return err
		}
		for _, inputName := range step.SortedInputNames() {
			if err := mustAccess(name+"."+inputName, r.site); err != nil {
				return err
			}
			source := step.Inputs[inputName]
			srcSite, err := r.sourceSite(sub, source)
			if err != nil {
				return err
			}
			if srcSite == r.site {
				continue
			}
			if err := mustAccess(source, srcSite); err != nil {
				return err
			}
		}
		for _, output := range step.Outputs {
			if err := mustAccess(name+"."+output, r.site); err != nil {
				return err
			}
		}
	}
	return nil
}

// sourceSite resolves the site serving a step input: the plan assignment
// for edge sources, the identifier's location for workflow inputs.
func (r *Runner) sourceSite(sub workflow.Submission, source string) (identifier.Identifier, error) {
	if srcStep, _, isEdge := strings.Cut(source, "."); isEdge {
		return sub.Plan.StepSites[srcStep], nil
	}
	return sub.Job.Inputs[source].Location()
}

func (r *Runner) run(ctx context.Context, handle *JobHandle, sub workflow.Submission, local []string) {
	handle.setRunning()

	var runErr error
	for _, name := range local {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		if err := r.runStep(ctx, sub, name); err != nil {
			runErr = fmt.Errorf("step %q: %w", name, err)
			break
		}
		if r.metrics != nil {
			r.metrics.ObserveStep(time.Since(start))
		}
	}

	cancelled := ctx.Err() != nil && (runErr == nil || errors.Is(runErr, context.Canceled))
	handle.finish(runErr, cancelled)

	status := handle.Status()
	if r.metrics != nil {
		r.metrics.JobsCompleted.WithLabelValues(string(status)).Inc()
	}
	switch status {
	case StatusFailed:
		r.logger.Error("job failed", "job", handle.ID, "error", runErr)
	default:
		r.logger.Info("job finished", "job", handle.ID, "status", status)
	}
}

// runStep fetches the step's compute and data inputs, applies the kernel,
// and stores every output under its result identifier. Re-running a step
// is a no-op: identical results are absorbed by the store's idempotent
// put.
func (r *Runner) runStep(ctx context.Context, sub workflow.Submission, name string) error {
	step := sub.Job.Workflow.Steps[name]

	kernel, err := r.resolveKernel(ctx, step.ComputeAssetID)
	if err != nil {
		return err
	}

	inputs := make(map[string]any, len(step.Inputs))
	for _, inputName := range step.SortedInputNames() {
		value, err := r.fetchInput(ctx, sub, step.Inputs[inputName])
		if err != nil {
			return fmt.Errorf("input %q: %w", inputName, err)
		}
		inputs[inputName] = value
	}

	outputs, err := kernel(inputs)
	if err != nil {
		return fmt.Errorf("kernel for %q: %w", step.ComputeAssetID, err)
	}

	subJob, err := sub.Job.SubJob(name)
	if err != nil {
		return err
	}
	for _, output := range step.Outputs {
		value, ok := outputs[output]
		if !ok {
			return fmt.Errorf("kernel for %q produced no output %q", step.ComputeAssetID, output)
		}
		item := name + "." + output
		resultID, err := sub.Job.ResultID(item)
		if err != nil {
			return err
		}
		result := &asset.DataAsset{
			AssetID: resultID,
			Data:    value,
			Meta:    asset.Metadata{Job: subJob, Item: item},
		}
		if err := r.store.Put(result); err != nil {
			return fmt.Errorf("storing result %q: %w", item, err)
		}
		r.logger.Debug("result stored", "item", item, "asset", resultID)
	}
	return nil
}

// resolveKernel fetches the compute asset from its home site and resolves
// the named kernel locally.
func (r *Runner) resolveKernel(ctx context.Context, computeID identifier.Identifier) (compute.Kernel, error) {
	home, err := computeID.Location()
	if err != nil {
		return nil, err
	}
	a, err := r.pollAsset(ctx, home, computeID)
	if err != nil {
		return nil, fmt.Errorf("compute asset %q: %w", computeID, err)
	}
	ca, ok := a.(*asset.ComputeAsset)
	if !ok {
		return nil, fmt.Errorf("asset %q is not a compute asset", computeID)
	}
	return r.kernels.Get(ca.Kernel)
}

// fetchInput resolves one step input source to an asset and returns its
// data value. Edge sources are fetched from the site the plan assigns the
// producing step to; workflow inputs from the site their identifier names.
func (r *Runner) fetchInput(ctx context.Context, sub workflow.Submission, source string) (any, error) {
	var (
		id   identifier.Identifier
		home identifier.Identifier
		err  error
	)
	if srcStep, _, isEdge := strings.Cut(source, "."); isEdge {
		id, err = sub.Job.ResultID(source)
		if err != nil {
			return nil, err
		}
		home = sub.Plan.StepSites[srcStep]
	} else {
		id = sub.Job.Inputs[source]
		home, err = id.Location()
		if err != nil {
			return nil, err
		}
	}

	a, err := r.pollAsset(ctx, home, id)
	if err != nil {
		return nil, err
	}
	da, ok := a.(*asset.DataAsset)
	if !ok {
		return nil, fmt.Errorf("asset %q is not a data asset", id)
	}
	return da.Data, nil
}

// pollAsset retrieves an asset from the given site, retrying with
// exponential backoff while it is not yet available. Local reads go
// through the store's policy gate like any remote request would.
func (r *Runner) pollAsset(ctx context.Context, home, id identifier.Identifier) (asset.Asset, error) {
	attempt := func() (asset.Asset, error) {
		if home == r.site {
			a, err := r.store.Get(ctx, id, r.site)
			if errors.Is(err, store.ErrAssetNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotYetAvailable, id)
			}
			return a, err
		}
		return r.fetch.RetrieveAsset(ctx, home, id)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.PollInitial
	bo.MaxInterval = r.cfg.PollMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		a, err := attempt()
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrNotYetAvailable) {
			return nil, err
		}
		r.logger.Debug("asset not yet available, retrying", "asset", id, "site", home)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}
