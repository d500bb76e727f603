// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/tessera-fed/tessera/internal/identifier"
)

// The id-hash of an item "<step>.<output>" is the SHA-256 digest of the
// RFC 8785 (JCS) canonicalisation of the item's sub-job plus the output
// selector. JCS normalises object key order, so the hash is independent of
// how the workflow maps happen to be represented or serialised.

// canonicalStep is the hash-relevant projection of a Step. Output order is
// normalised before hashing.
type canonicalStep struct {
	ComputeAsset string            `json:"computeAsset"`
	Inputs       map[string]string `json:"inputs"`
	Outputs      []string          `json:"outputs"`
}

type canonicalJob struct {
	Inputs map[string]string        `json:"inputs"`
	Steps  map[string]canonicalStep `json:"steps"`
	Item   string                   `json:"item"`
}

// IDHash computes the stable hash naming the result of item
// "<step>.<output>" within this job.
func (j Job) IDHash(item string) (string, error) {
	stepName, _, ok := strings.Cut(item, ".")
	if !ok {
		return "", fmt.Errorf("%w: item %q is not of the form step.output", ErrUnknownStep, item)
	}
	sub, err := j.SubJob(stepName)
	if err != nil {
		return "", err
	}

	doc := canonicalJob{
		Inputs: make(map[string]string, len(sub.Inputs)),
		Steps:  make(map[string]canonicalStep, len(sub.Workflow.Steps)),
		Item:   item,
	}
	for key, id := range sub.Inputs {
		doc.Inputs[key] = string(id)
	}
	for name, step := range sub.Workflow.Steps {
		doc.Steps[name] = canonicalStep{
			ComputeAsset: string(step.ComputeAssetID),
			Inputs:       step.Inputs,
			Outputs:      step.SortedOutputs(),
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding sub-job: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalising sub-job: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// IDHashes computes the id-hash for every "<step>.<output>" item of the job.
func (j Job) IDHashes() (map[string]string, error) {
	hashes := make(map[string]string)
	for name, step := range j.Workflow.Steps {
		for _, output := range step.Outputs {
			item := name + "." + output
			h, err := j.IDHash(item)
			if err != nil {
				return nil, err
			}
			hashes[item] = h
		}
	}
	return hashes, nil
}

// ResultID returns the result identifier for item "<step>.<output>".
func (j Job) ResultID(item string) (identifier.Identifier, error) {
	h, err := j.IDHash(item)
	if err != nil {
		return "", err
	}
	return identifier.FromIDHash(h)
}
