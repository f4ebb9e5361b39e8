package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/gowebpki/jcs"
)

type WMOutcome struct {
	RuleID        string   `json:"rule_id"`
	Indicated     bool     `json:"indicated"`
	Levels        []string `json:"levels"`
	Description   string   `json:"description,omitempty"`
	Justification []string `json:"justification"`
}

type LOCOutcome struct {
	RuleID           string   `json:"rule_id"`
	Recommendation   string   `json:"recommendation"`
	Escalated        bool     `json:"escalated"`
	EscalationRuleID string   `json:"escalation_rule_id,omitempty"`
	Description      string   `json:"description,omitempty"`
	Justification    []string `json:"justification"`
}

type Versions struct {
	WM  string `json:"wm"`
	LOC string `json:"loc"`
}

// Decision is the combined result of one evaluation together with the
// inputs it was computed from. It is never modified after Evaluate returns.
type Decision struct {
	WM         WMOutcome      `json:"wm"`
	LOC        LOCOutcome     `json:"loc"`
	Versions   Versions       `json:"versions"`
	Severities map[string]int `json:"severities"`
	Facts      map[string]any `json:"facts"`
}

// Fingerprint is the hex sha256 of the decision's RFC 8785 canonical JSON.
// Identical inputs on identical rule sets produce identical fingerprints.
func (d Decision) Fingerprint() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal decision: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize decision: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeFacts converts numeric facts to float64 so rule conditions can
// compare them against double literals, whatever the source encoding.
func NormalizeFacts(facts map[string]any) map[string]any {
	out := make(map[string]any, len(facts))
	for k, v := range facts {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := strconv.ParseFloat(string(n), 64); err == nil {
			return f
		}
		return string(n)
	case map[string]any:
		return NormalizeFacts(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

// FactKeys returns the fact names in sorted order.
func FactKeys(facts map[string]any) []string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
