// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/workflow"
)

// Permissions is the opaque permission set of one workflow item. Internally
// it is the set of designators the item is known under: its own identifier
// for primary assets and compute bindings, plus every collection the item
// is a member of. The only observable query is Evaluator.MayAccess.
type Permissions struct {
	designators map[identifier.Identifier]struct{}
}

func newPermissions(ids ...identifier.Identifier) Permissions {
	p := Permissions{designators: make(map[identifier.Identifier]struct{}, len(ids))}
	for _, id := range ids {
		p.designators[id] = struct{}{}
	}
	return p
}

func (p Permissions) add(id identifier.Identifier) {
	p.designators[id] = struct{}{}
}

// IsEmpty reports whether no designator covers the item; access to such an
// item can never be granted.
func (p Permissions) IsEmpty() bool {
	return len(p.designators) == 0
}

// sorted returns the designators in stable order.
func (p Permissions) sorted() []identifier.Identifier {
	out := make([]identifier.Identifier, 0, len(p.designators))
	for id := range p.designators {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// collections returns the collection designators only.
func (p Permissions) collections() []identifier.Identifier {
	var out []identifier.Identifier
	for _, id := range p.sorted() {
		if id.Kind() == identifier.KindAssetCollection {
			out = append(out, id)
		}
	}
	return out
}

// AdminResolver maps a site identifier to the party administrating it, via
// the registry replica. Access rules speak about parties; sites act on
// behalf of their admin.
type AdminResolver interface {
	AdminOf(ctx context.Context, site identifier.Identifier) (identifier.Identifier, error)
}

// Evaluator answers access queries over permission sets.
type Evaluator struct {
	sources RuleSources
	admins  AdminResolver
}

// NewEvaluator creates an evaluator over the given rule sources and site
// admin resolver.
func NewEvaluator(sources RuleSources, admins AdminResolver) *Evaluator {
	return &Evaluator{sources: sources, admins: admins}
}

// MayAccess reports whether the party (or the admin party of the site)
// named by who is granted access to an item with the given permissions.
//
// A grant exists when some designator of the item is matched by the first
// argument of a MayAccess or MayAccessCollection rule whose second argument
// covers the requesting party. Party collections are covered through
// wildcard patterns; the vocabulary has no separate party-membership rule.
func (e *Evaluator) MayAccess(ctx context.Context, p Permissions, who identifier.Identifier) (bool, error) {
	party, err := e.resolveParty(ctx, who)
	if err != nil {
		return false, err
	}

	for _, d := range p.sorted() {
		ns, err := d.Namespace()
		if err != nil {
			// Result identifiers are only reachable through collections.
			continue
		}
		rules, err := e.sources.RulesFor(ctx, ns)
		if err != nil {
			return false, err
		}
		for _, rule := range rules {
			switch r := rule.(type) {
			case MayAccess:
				if r.Asset.Matches(d) && r.Party.Matches(party) {
					return true, nil
				}
			case MayAccessCollection:
				if d.Kind() == identifier.KindAssetCollection &&
					r.Collection.Matches(d) && r.Party.Matches(party) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func (e *Evaluator) resolveParty(ctx context.Context, who identifier.Identifier) (identifier.Identifier, error) {
	switch who.Kind() {
	case identifier.KindParty:
		return who, nil
	case identifier.KindSite:
		return e.admins.AdminOf(ctx, who)
	default:
		return "", fmt.Errorf("requester %q is neither a party nor a site", who)
	}
}

// Calculator computes the permission sets of every item of a job by
// propagating rules through the workflow DAG.
type Calculator struct {
	eval *Evaluator
}

// NewCalculator creates a calculator sharing the evaluator's rule sources.
func NewCalculator(eval *Evaluator) *Calculator {
	return &Calculator{eval: eval}
}

// Permissions computes the permission set for every item of the job:
// each workflow input key, each step name (the compute binding), and each
// "<step>.<input>" and "<step>.<output>".
//
// The function is pure for fixed rule sets: iteration is in topological
// order with name tie-breaks, and permission sets are unordered.
func (c *Calculator) Permissions(ctx context.Context, job workflow.Job) (map[string]Permissions, error) {
	pool, err := c.rulePool(ctx, job)
	if err != nil {
		return nil, err
	}

	perms := make(map[string]Permissions)

	for key, id := range job.Inputs {
		p := newPermissions(id)
		for _, rule := range pool {
			if rd, ok := rule.(ResultOfDataIn); ok && rd.Data.Matches(id) {
				p.add(rd.Collection)
			}
		}
		perms[key] = p
	}

	order, err := job.Workflow.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	for _, name := range order {
		step := job.Workflow.Steps[name]

		computePerms := newPermissions(step.ComputeAssetID)
		for _, rule := range pool {
			if rc, ok := rule.(ResultOfComputeIn); ok && rc.Compute.Matches(step.ComputeAssetID) {
				computePerms.add(rc.Collection)
			}
		}
		perms[name] = computePerms

		for _, inputName := range step.SortedInputNames() {
			source := step.Inputs[inputName]
			sourcePerms, ok := perms[source]
			if !ok {
				return nil, fmt.Errorf("%w: input source %q of step %q", ErrUndefinedItem, source, name)
			}
			perms[name+"."+inputName] = sourcePerms
		}

		outPerms := c.outputPermissions(pool, step, perms)
		for _, output := range step.Outputs {
			perms[name+"."+output] = outPerms
		}
	}

	return perms, nil
}

// outputPermissions computes the collection set of a step's outputs: a
// collection C qualifies when every data input carries a designator matched
// by a ResultOfDataIn rule into C, and the compute binding carries one
// matched by a ResultOfComputeIn rule into C. Every upstream contributor
// must be contained in C, which keeps derivations from escaping it.
func (c *Calculator) outputPermissions(pool []Rule, step *workflow.Step, perms map[string]Permissions) Permissions {
	candidates := make(map[identifier.Identifier]struct{})
	for _, rule := range pool {
		switch r := rule.(type) {
		case ResultOfDataIn:
			candidates[r.Collection] = struct{}{}
		case ResultOfComputeIn:
			candidates[r.Collection] = struct{}{}
		}
	}

	out := newPermissions()
	for coll := range candidates {
		if c.stepContained(pool, step, perms, coll) {
			out.add(coll)
		}
	}
	return out
}

func (c *Calculator) stepContained(pool []Rule, step *workflow.Step, perms map[string]Permissions, coll identifier.Identifier) bool {
	for _, inputName := range step.SortedInputNames() {
		if !dataCovered(pool, perms[step.Name+"."+inputName], coll) {
			return false
		}
	}
	return computeCovered(pool, perms[step.Name], coll)
}

func dataCovered(pool []Rule, p Permissions, coll identifier.Identifier) bool {
	for _, rule := range pool {
		rd, ok := rule.(ResultOfDataIn)
		if !ok || rd.Collection != coll {
			continue
		}
		for _, d := range p.sorted() {
			if rd.Data.Matches(d) {
				return true
			}
		}
	}
	return false
}

func computeCovered(pool []Rule, p Permissions, coll identifier.Identifier) bool {
	for _, rule := range pool {
		rc, ok := rule.(ResultOfComputeIn)
		if !ok || rc.Collection != coll {
			continue
		}
		for _, d := range p.sorted() {
			if rc.Compute.Matches(d) {
				return true
			}
		}
	}
	return false
}

// rulePool gathers the rules of every namespace the job references, closed
// over the namespaces of collections those rules mention.
func (c *Calculator) rulePool(ctx context.Context, job workflow.Job) ([]Rule, error) {
	pending := make(map[string]struct{})
	addID := func(id identifier.Identifier) {
		if ns, err := id.Namespace(); err == nil {
			pending[ns] = struct{}{}
		}
	}
	for _, id := range job.Inputs {
		addID(id)
	}
	for _, step := range job.Workflow.Steps {
		addID(step.ComputeAssetID)
	}

	seen := make(map[string]struct{})
	var pool []Rule
	for len(pending) > 0 {
		var namespaces []string
		for ns := range pending {
			namespaces = append(namespaces, ns)
		}
		sort.Strings(namespaces)
		pending = make(map[string]struct{})

		for _, ns := range namespaces {
			if _, done := seen[ns]; done {
				continue
			}
			seen[ns] = struct{}{}
			rules, err := c.eval.sources.RulesFor(ctx, ns)
			if err != nil {
				return nil, err
			}
			pool = append(pool, rules...)
			for _, rule := range rules {
				for _, ruleNS := range referencedNamespaces(rule) {
					if _, done := seen[ruleNS]; !done {
						pending[ruleNS] = struct{}{}
					}
				}
			}
		}
	}

	// Stable pool order keeps evaluation deterministic.
	sort.Slice(pool, func(i, j int) bool { return pool[i].Key() < pool[j].Key() })
	return pool, nil
}

// referencedNamespaces lists the concrete namespaces a rule's arguments
// mention.
func referencedNamespaces(r Rule) []string {
	var out []string
	addPattern := func(p Pattern) {
		if ns, ok := p.Namespace(); ok {
			out = append(out, ns)
		}
	}
	switch v := r.(type) {
	case MayAccess:
		addPattern(v.Asset)
	case MayAccessCollection:
		addPattern(v.Collection)
	case ResultOfDataIn:
		addPattern(v.Data)
		if ns, err := v.Collection.Namespace(); err == nil {
			out = append(out, ns)
		}
	case ResultOfComputeIn:
		addPattern(v.Compute)
		if ns, err := v.Collection.Namespace(); err == nil {
			out = append(out, ns)
		}
	}
	return out
}

// ItemPermissions looks up one item in a computed permission map.
func ItemPermissions(perms map[string]Permissions, item string) (Permissions, error) {
	p, ok := perms[item]
	if !ok {
		return Permissions{}, fmt.Errorf("%w: %q", ErrUndefinedItem, item)
	}
	return p, nil
}

// RequireNonEmpty surfaces a policy conflict for a required item.
func RequireNonEmpty(perms map[string]Permissions, item string) error {
	p, err := ItemPermissions(perms, item)
	if err != nil {
		return err
	}
	if p.IsEmpty() {
		return fmt.Errorf("%w: %q", ErrPolicyConflict, item)
	}
	return nil
}
