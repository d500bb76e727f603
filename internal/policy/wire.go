// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/replication"
)

const (
	typeMayAccess           = "may_access"
	typeMayAccessCollection = "may_access_collection"
	typeResultOfDataIn      = "result_of_data_in"
	typeResultOfComputeIn   = "result_of_compute_in"
)

// ruleDoc is the flat tagged form used both on the wire (JSON) and in rule
// files (YAML).
type ruleDoc struct {
	Type       string `json:"type" yaml:"type"`
	Asset      string `json:"asset,omitempty" yaml:"asset,omitempty"`
	Party      string `json:"party,omitempty" yaml:"party,omitempty"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Data       string `json:"data,omitempty" yaml:"data,omitempty"`
	Compute    string `json:"compute,omitempty" yaml:"compute,omitempty"`
}

func toDoc(r Rule) (ruleDoc, error) {
	switch v := r.(type) {
	case MayAccess:
		return ruleDoc{Type: typeMayAccess, Asset: string(v.Asset), Party: string(v.Party)}, nil
	case MayAccessCollection:
		return ruleDoc{Type: typeMayAccessCollection, Collection: string(v.Collection), Party: string(v.Party)}, nil
	case ResultOfDataIn:
		return ruleDoc{Type: typeResultOfDataIn, Data: string(v.Data), Collection: string(v.Collection)}, nil
	case ResultOfComputeIn:
		return ruleDoc{Type: typeResultOfComputeIn, Compute: string(v.Compute), Collection: string(v.Collection)}, nil
	default:
		return ruleDoc{}, fmt.Errorf("%w: unknown rule type %T", ErrMalformedRule, r)
	}
}

func fromDoc(doc ruleDoc) (Rule, error) {
	var r Rule
	switch doc.Type {
	case typeMayAccess:
		r = MayAccess{Asset: Pattern(doc.Asset), Party: Pattern(doc.Party)}
	case typeMayAccessCollection:
		r = MayAccessCollection{Collection: Pattern(doc.Collection), Party: Pattern(doc.Party)}
	case typeResultOfDataIn:
		coll, err := identifier.Parse(doc.Collection)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRule, err)
		}
		r = ResultOfDataIn{Data: Pattern(doc.Data), Collection: coll}
	case typeResultOfComputeIn:
		coll, err := identifier.Parse(doc.Collection)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRule, err)
		}
		r = ResultOfComputeIn{Compute: Pattern(doc.Compute), Collection: coll}
	default:
		return nil, fmt.Errorf("%w: unknown rule type %q", ErrMalformedRule, doc.Type)
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

// MarshalRule encodes a rule into its tagged JSON form.
func MarshalRule(r Rule) ([]byte, error) {
	doc, err := toDoc(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// UnmarshalRule decodes and validates a tagged JSON rule.
func UnmarshalRule(b []byte) (Rule, error) {
	var doc ruleDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}
	return fromDoc(doc)
}

// RuleEventWire is the JSON form of one rule replication event.
type RuleEventWire struct {
	Seq  int64   `json:"seq"`
	Op   string  `json:"op"`
	Rule ruleDoc `json:"rule"`
}

// RuleBatchWire is the JSON form of a rule update batch, as served by a
// site's policy updates endpoint.
type RuleBatchWire struct {
	Events     []RuleEventWire `json:"events"`
	FromSeq    int64           `json:"fromSeq"`
	ToSeq      int64           `json:"toSeq"`
	ValidUntil time.Time       `json:"validUntil"`
}

// EncodeBatch converts a rule update batch into its wire form.
func EncodeBatch(batch replication.UpdateBatch[Rule]) (RuleBatchWire, error) {
	wire := RuleBatchWire{
		Events:     make([]RuleEventWire, 0, len(batch.Events)),
		FromSeq:    batch.FromSeq,
		ToSeq:      batch.ToSeq,
		ValidUntil: batch.ValidUntil,
	}
	for _, ev := range batch.Events {
		doc, err := toDoc(ev.Object)
		if err != nil {
			return RuleBatchWire{}, fmt.Errorf("encoding rule event %d: %w", ev.Seq, err)
		}
		wire.Events = append(wire.Events, RuleEventWire{Seq: ev.Seq, Op: string(ev.Op), Rule: doc})
	}
	return wire, nil
}

// DecodeBatch converts a wire batch back into a rule update batch,
// validating each rule on the way in.
func DecodeBatch(wire RuleBatchWire) (replication.UpdateBatch[Rule], error) {
	batch := replication.UpdateBatch[Rule]{
		Events:     make([]replication.Event[Rule], 0, len(wire.Events)),
		FromSeq:    wire.FromSeq,
		ToSeq:      wire.ToSeq,
		ValidUntil: wire.ValidUntil,
	}
	for _, ev := range wire.Events {
		rule, err := fromDoc(ev.Rule)
		if err != nil {
			return batch, fmt.Errorf("decoding rule event %d: %w", ev.Seq, err)
		}
		batch.Events = append(batch.Events, replication.Event[Rule]{
			Seq:    ev.Seq,
			Op:     replication.Op(ev.Op),
			Object: rule,
		})
	}
	return batch, nil
}

// rulesFile is the YAML layout of a namespace rule file.
type rulesFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

// LoadRulesFile reads and validates a YAML rule file for a namespace.
func LoadRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var doc rulesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrMalformedRule, path, err)
	}
	rules := make([]Rule, 0, len(doc.Rules))
	for _, rd := range doc.Rules {
		rule, err := fromDoc(rd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
