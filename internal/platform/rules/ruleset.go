package rules

// Kind names which rule set a definition belongs to.
type Kind string

const (
	KindWM  Kind = "wm"
	KindLOC Kind = "loc"
)

// GuardWMEscalation marks the LOC rule that mirrors an escalated WM outcome.
// The rule carries no condition of its own: it matches exactly when the WM
// candidate levels include one of the set's escalation levels.
const GuardWMEscalation = "wm_escalation"

// DefaultEscalationLevels are used when a LOC set does not name its own.
var DefaultEscalationLevels = []string{"3.7", "4.0"}

// Rule is one precedence-ranked entry of a rule set. Condition is a CEL
// boolean expression; an empty Condition always matches. WM rules fill
// Indicated and Levels, LOC rules fill Level.
type Rule struct {
	ID            string   `json:"id" yaml:"id"`
	Precedence    int      `json:"precedence" yaml:"precedence"`
	Condition     string   `json:"condition,omitempty" yaml:"condition"`
	Description   string   `json:"description,omitempty" yaml:"description"`
	Justification []string `json:"justification,omitempty" yaml:"justification"`
	Indicated     bool     `json:"indicated,omitempty" yaml:"indicated"`
	Levels        []string `json:"levels,omitempty" yaml:"levels"`
	Level         string   `json:"level,omitempty" yaml:"level"`
	Guard         string   `json:"guard,omitempty" yaml:"guard"`
}

type RuleSet struct {
	Kind             Kind     `json:"kind" yaml:"kind"`
	Version          string   `json:"version" yaml:"version"`
	EscalationLevels []string `json:"escalation_levels,omitempty" yaml:"escalation_levels"`
	Rules            []Rule   `json:"rules" yaml:"rules"`
}
