// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package asset defines the data and compute assets exchanged between
// sites, discriminated by an explicit kind tag on the wire.
package asset

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/workflow"
)

// ErrUnknownKind is returned when a wire envelope carries an unknown asset kind.
var ErrUnknownKind = errors.New("unknown asset kind")

// Metadata records the provenance of an asset: the sub-job that produced it
// and the "<step>.<output>" item naming the producing output. Primary assets
// carry the nil job for their own identifier and the nil job's input item.
type Metadata struct {
	Job  workflow.Job `json:"job"`
	Item string       `json:"item"`
}

// PrimaryMetadata returns the metadata attached to a primary (non-derived)
// asset with the given identifier.
func PrimaryMetadata(id identifier.Identifier) Metadata {
	return Metadata{Job: workflow.NilJob(id), Item: workflow.NilJobInputKey}
}

// Asset is either a DataAsset or a ComputeAsset.
type Asset interface {
	ID() identifier.Identifier
	Metadata() Metadata
	sealed()
}

// DataAsset is a stored data item. Data holds an arbitrary JSON value.
type DataAsset struct {
	AssetID identifier.Identifier `json:"id"`
	Data    any                   `json:"data"`
	Meta    Metadata              `json:"metadata"`
}

func (a *DataAsset) ID() identifier.Identifier { return a.AssetID }
func (a *DataAsset) Metadata() Metadata        { return a.Meta }
func (a *DataAsset) sealed()                   {}

// ComputeAsset is a stored compute item. Kernel names the callable in the
// executing site's kernel registry.
type ComputeAsset struct {
	AssetID identifier.Identifier `json:"id"`
	Kernel  string                `json:"kernel"`
	Meta    Metadata              `json:"metadata"`
}

func (a *ComputeAsset) ID() identifier.Identifier { return a.AssetID }
func (a *ComputeAsset) Metadata() Metadata        { return a.Meta }
func (a *ComputeAsset) sealed()                   {}

// NewPrimaryData returns a primary data asset.
func NewPrimaryData(id identifier.Identifier, data any) *DataAsset {
	return &DataAsset{AssetID: id, Data: data, Meta: PrimaryMetadata(id)}
}

// NewPrimaryCompute returns a primary compute asset bound to a kernel name.
func NewPrimaryCompute(id identifier.Identifier, kernel string) *ComputeAsset {
	return &ComputeAsset{AssetID: id, Kernel: kernel, Meta: PrimaryMetadata(id)}
}

const (
	kindData    = "data"
	kindCompute = "compute"
)

// envelope is the tagged wire form of an asset.
type envelope struct {
	Kind    string                `json:"kind"`
	ID      identifier.Identifier `json:"id"`
	Data    json.RawMessage       `json:"data,omitempty"`
	Kernel  string                `json:"kernel,omitempty"`
	Meta    Metadata              `json:"metadata"`
}

// Marshal encodes an asset into its tagged wire form.
func Marshal(a Asset) ([]byte, error) {
	env := envelope{ID: a.ID(), Meta: a.Metadata()}
	switch v := a.(type) {
	case *DataAsset:
		env.Kind = kindData
		data, err := json.Marshal(v.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding asset data: %w", err)
		}
		env.Data = data
	case *ComputeAsset:
		env.Kind = kindCompute
		env.Kernel = v.Kernel
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, a)
	}
	return json.Marshal(env)
}

// Unmarshal decodes a tagged wire form back into an asset.
func Unmarshal(b []byte) (Asset, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding asset envelope: %w", err)
	}
	switch env.Kind {
	case kindData:
		var data any
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("decoding asset data: %w", err)
			}
		}
		return &DataAsset{AssetID: env.ID, Data: data, Meta: env.Meta}, nil
	case kindCompute:
		return &ComputeAsset{AssetID: env.ID, Kernel: env.Kernel, Meta: env.Meta}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}
