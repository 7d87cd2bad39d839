// Package gate decides what ships: feature gates derived from observed data
// quality, and the release gate that blocks deploys until the data contract
// holds.
package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prodplan/prodplan/internal/ingest"
	"github.com/prodplan/prodplan/internal/inspect"
)

// GateSpec declares one feature gate: which relationship's match rate it
// watches and what happens below threshold. Hard gates disable the feature
// outright; soft gates keep it on in degraded mode.
type GateSpec struct {
	Name         string  `json:"name"`
	Relationship string  `json:"relationship"`
	Threshold    float64 `json:"threshold"`
	Hard         bool    `json:"hard"`
}

// Gates are the features whose viability depends on join quality.
var Gates = []GateSpec{
	// Productivity attribution is meaningless when worker assignments
	// cannot be joined to their phase events.
	{Name: "employee_productivity", Relationship: "phase_workers_order_phases", Threshold: 0.90, Hard: true},
	// Product joins stay available below threshold, flagged as degraded so
	// consumers can annotate their outputs.
	{Name: "product_join", Relationship: "orders_products", Threshold: 0.95, Hard: false},
}

// GateResult is the evaluated state of one gate.
type GateResult struct {
	GateSpec
	MatchRate float64 `json:"match_rate"`
	Enabled   bool    `json:"enabled"`
	Degraded  bool    `json:"degraded"`
}

// FeatureGates is written to FEATURE_GATES.json.
type FeatureGates struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Source      string       `json:"source"`
	Gates       []GateResult `json:"gates"`
}

// Get returns the result for a named gate.
func (f *FeatureGates) Get(name string) (GateResult, bool) {
	for _, g := range f.Gates {
		if g.Name == name {
			return g, true
		}
	}
	return GateResult{}, false
}

// Evaluate applies every gate spec to the relationship report.
func Evaluate(rels *inspect.RelationshipsReport) (*FeatureGates, error) {
	byName := map[string]inspect.Relationship{}
	for _, r := range rels.Relationships {
		byName[r.Name] = r
	}

	out := &FeatureGates{GeneratedAt: time.Now().UTC(), Source: rels.SourcePath}
	for _, spec := range Gates {
		rel, ok := byName[spec.Relationship]
		if !ok {
			return nil, fmt.Errorf("gate %s: relationship %s missing from report",
				spec.Name, spec.Relationship)
		}
		res := GateResult{GateSpec: spec, MatchRate: rel.MatchRate}
		healthy := rel.MatchRate >= spec.Threshold
		if spec.Hard {
			res.Enabled = healthy
		} else {
			res.Enabled = true
			res.Degraded = !healthy
		}
		out.Gates = append(out.Gates, res)
	}
	return out, nil
}

// EvaluateFile reads RELATIONSHIPS_REPORT.json and writes
// FEATURE_GATES.json next to it.
func EvaluateFile(relPath, outPath string) (*FeatureGates, error) {
	data, err := os.ReadFile(relPath)
	if err != nil {
		return nil, fmt.Errorf("read relationships report: %w", err)
	}
	var rels inspect.RelationshipsReport
	if err := json.Unmarshal(data, &rels); err != nil {
		return nil, fmt.Errorf("parse relationships report: %w", err)
	}
	gates, err := Evaluate(&rels)
	if err != nil {
		return nil, err
	}
	if err := ingest.WriteJSON(outPath, gates); err != nil {
		return nil, err
	}
	return gates, nil
}

// NotSupportedByData is the payload consumers return instead of fabricating
// results for a disabled feature.
type NotSupportedByData struct {
	Status    string  `json:"status"`
	Feature   string  `json:"feature"`
	Reason    string  `json:"reason"`
	MatchRate float64 `json:"match_rate"`
	Threshold float64 `json:"threshold"`
}

// StatusNotSupported is the wire value of NotSupportedByData.Status.
const StatusNotSupported = "NOT_SUPPORTED_BY_DATA"

// NewNotSupported builds the refusal payload for a disabled gate.
func NewNotSupported(g GateResult) NotSupportedByData {
	return NotSupportedByData{
		Status:  StatusNotSupported,
		Feature: g.Name,
		Reason: fmt.Sprintf("relationship %s matches %.2f%% of rows, below the %.0f%% threshold",
			g.Relationship, g.MatchRate*100, g.Threshold*100),
		MatchRate: g.MatchRate,
		Threshold: g.Threshold,
	}
}
