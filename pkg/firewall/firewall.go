// Package firewall is the admission gate in front of the queue: a strict
// allowlist of proposal types, optional JSON Schema validation of payloads,
// and a provenance check.
package firewall

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// Rule allows one proposal type. Schema is an inline JSON Schema (draft
// 2020-12); SchemaFile is read when Schema is empty.
type Rule struct {
	Type       string `yaml:"type"`
	Schema     string `yaml:"schema"`
	SchemaFile string `yaml:"schema_file"`
}

// Firewall enforces the allowlist. The zero rule set blocks everything.
type Firewall struct {
	mu      sync.RWMutex
	allowed map[string]bool
	schemas map[string]*jsonschema.Schema
	blocked uint64
	passed  uint64
}

// New creates an empty, fail-closed firewall.
func New() *Firewall {
	return &Firewall{
		allowed: make(map[string]bool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// FromRules builds a firewall from configuration.
func FromRules(rules []Rule) (*Firewall, error) {
	f := New()
	for _, r := range rules {
		schema := r.Schema
		if schema == "" && r.SchemaFile != "" {
			data, err := os.ReadFile(r.SchemaFile)
			if err != nil {
				return nil, fmt.Errorf("firewall: read schema for %q: %w", r.Type, err)
			}
			schema = string(data)
		}
		if err := f.AllowType(r.Type, schema); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// AllowType adds a proposal type to the allowlist. An empty schema allows
// any payload.
func (f *Firewall) AllowType(name, schema string) error {
	if name == "" {
		return fmt.Errorf("firewall: empty proposal type")
	}
	var compiled *jsonschema.Schema
	if schema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://helm.schemas.local/proposals/%s.schema.json", name)
		if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
			return fmt.Errorf("firewall schema load failed: %w", err)
		}
		var err error
		compiled, err = c.Compile(schemaURL)
		if err != nil {
			return fmt.Errorf("firewall schema compile failed: %w", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed[name] = true
	if compiled == nil {
		delete(f.schemas, name)
	} else {
		f.schemas[name] = compiled
	}
	return nil
}

// Check admits or blocks p. Every refusal wraps contracts.ErrBlocked.
func (f *Firewall) Check(p *contracts.Proposal) error {
	err := f.check(p)
	f.mu.Lock()
	if err != nil {
		f.blocked++
	} else {
		f.passed++
	}
	f.mu.Unlock()
	return err
}

func (f *Firewall) check(p *contracts.Proposal) error {
	if p == nil {
		return fmt.Errorf("firewall: nil proposal: %w", contracts.ErrBlocked)
	}
	f.mu.RLock()
	allowed := f.allowed[p.Type]
	schema := f.schemas[p.Type]
	f.mu.RUnlock()

	if !allowed {
		return fmt.Errorf("firewall blocked proposal type %q: not in allowlist: %w", p.Type, contracts.ErrBlocked)
	}
	if !p.VerifyProvenance() {
		return fmt.Errorf("firewall blocked proposal %s: provenance hash mismatch: %w", p.ID, contracts.ErrBlocked)
	}
	if schema == nil {
		return nil
	}
	doc, err := jsonDocument(p.Payload)
	if err != nil {
		return fmt.Errorf("firewall blocked proposal %s: %v: %w", p.ID, err, contracts.ErrBlocked)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("firewall blocked proposal %s: schema validation failed: %v: %w", p.ID, err, contracts.ErrBlocked)
	}
	return nil
}

// jsonDocument converts a payload into plain JSON values.
func jsonDocument(payload map[string]any) (any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Stats are the pass/block counters.
type Stats struct {
	AllowedTypes int    `json:"allowed_types"`
	Passed       uint64 `json:"passed"`
	Blocked      uint64 `json:"blocked"`
}

// Stats returns counters.
func (f *Firewall) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{AllowedTypes: len(f.allowed), Passed: f.passed, Blocked: f.blocked}
}
