// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tessera-fed/tessera/internal/replication"
)

// EventWire is the JSON form of one replication event.
type EventWire struct {
	Seq    int64           `json:"seq"`
	Op     string          `json:"op"`
	Object json.RawMessage `json:"object"`
}

// BatchWire is the JSON form of an update batch, as served by
// GET /updates?since=.
type BatchWire struct {
	Events     []EventWire `json:"events"`
	FromSeq    int64       `json:"fromSeq"`
	ToSeq      int64       `json:"toSeq"`
	ValidUntil time.Time   `json:"validUntil"`
}

// EncodeBatch converts an update batch into its wire form.
func EncodeBatch(batch replication.UpdateBatch[RegisteredObject]) (BatchWire, error) {
	wire := BatchWire{
		Events:     make([]EventWire, 0, len(batch.Events)),
		FromSeq:    batch.FromSeq,
		ToSeq:      batch.ToSeq,
		ValidUntil: batch.ValidUntil,
	}
	for _, ev := range batch.Events {
		body, err := MarshalObject(ev.Object)
		if err != nil {
			return BatchWire{}, fmt.Errorf("encoding event %d: %w", ev.Seq, err)
		}
		wire.Events = append(wire.Events, EventWire{Seq: ev.Seq, Op: string(ev.Op), Object: body})
	}
	return wire, nil
}

// DecodeBatch converts a wire batch back into an update batch.
func DecodeBatch(wire BatchWire) (replication.UpdateBatch[RegisteredObject], error) {
	batch := replication.UpdateBatch[RegisteredObject]{
		Events:     make([]replication.Event[RegisteredObject], 0, len(wire.Events)),
		FromSeq:    wire.FromSeq,
		ToSeq:      wire.ToSeq,
		ValidUntil: wire.ValidUntil,
	}
	for _, ev := range wire.Events {
		obj, err := UnmarshalObject(ev.Object)
		if err != nil {
			return batch, fmt.Errorf("decoding event %d: %w", ev.Seq, err)
		}
		batch.Events = append(batch.Events, replication.Event[RegisteredObject]{
			Seq:    ev.Seq,
			Op:     replication.Op(ev.Op),
			Object: obj,
		})
	}
	return batch, nil
}
