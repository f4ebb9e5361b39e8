// Package rules selects the withdrawal management (WM) and level of care
// (LOC) recommendations from precedence-ordered rule sets.
//
// Rule conditions are flat CEL boolean expressions over three variables:
//
//	severity  map(string, int)  category severities, e.g. severity.A >= 3
//	facts     map(string, dyn)  contextual facts; numbers are doubles
//	wm        map(string, dyn)  LOC only: {indicated, levels, rule_id}
//
// A condition that references a missing fact or mixes types fails to
// evaluate and the rule does not match.
package rules

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/ehr/intake/internal/platform/configerr"
)

type compiledRule struct {
	Rule
	program cel.Program
}

func (r *compiledRule) matches(activation map[string]any) bool {
	if r.program == nil {
		return true
	}
	out, _, err := r.program.Eval(activation)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

type compiledSet struct {
	kind       Kind
	version    string
	escalation []string
	rules      []compiledRule
}

// Engine evaluates a validated pair of rule sets. It is immutable and safe
// for concurrent use.
type Engine struct {
	wm  compiledSet
	loc compiledSet
}

// NewEngine compiles and validates both rule sets. Every defect in either
// set is returned in a single configerr.List; no engine is returned then.
func NewEngine(wm, loc RuleSet) (*Engine, error) {
	var issues configerr.List
	w, err := compileSet(KindWM, wm, &issues)
	if err != nil {
		return nil, err
	}
	l, err := compileSet(KindLOC, loc, &issues)
	if err != nil {
		return nil, err
	}
	if err := issues.Err(); err != nil {
		return nil, err
	}
	return &Engine{wm: w, loc: l}, nil
}

func newEnv(kind Kind) (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable("severity", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
	}
	if kind == KindLOC {
		opts = append(opts, cel.Variable("wm", cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s rule environment: %w", kind, err)
	}
	return env, nil
}

func compileSet(kind Kind, rs RuleSet, issues *configerr.List) (compiledSet, error) {
	env, err := newEnv(kind)
	if err != nil {
		return compiledSet{}, err
	}

	set := compiledSet{kind: kind, version: rs.Version}
	if rs.Kind != "" && rs.Kind != kind {
		issues.Add(configerr.SchemaViolation, string(kind)+" rules", "rule set declares kind %q", rs.Kind)
	}
	if rs.Version != "" {
		if _, err := semver.NewVersion(rs.Version); err != nil {
			issues.Add(configerr.InvalidVersion, string(kind)+" rules", "version %q: %v", rs.Version, err)
		}
	}
	if kind == KindLOC {
		set.escalation = rs.EscalationLevels
		if len(set.escalation) == 0 {
			set.escalation = DefaultEscalationLevels
		}
	}

	ids := make(map[string]bool, len(rs.Rules))
	precedences := make(map[int]string, len(rs.Rules))
	for _, r := range rs.Rules {
		subject := fmt.Sprintf("%s rule %s", kind, r.ID)
		if r.ID == "" {
			issues.Add(configerr.DuplicateID, subject, "rule id is empty")
			continue
		}
		if ids[r.ID] {
			issues.Add(configerr.DuplicateID, subject, "rule id declared more than once")
			continue
		}
		ids[r.ID] = true
		if other, dup := precedences[r.Precedence]; dup {
			issues.Add(configerr.DuplicatePrecedence, subject, "precedence %d already used by %s", r.Precedence, other)
		} else {
			precedences[r.Precedence] = r.ID
		}

		validateOutcome(kind, r, subject, issues)

		cr := compiledRule{Rule: r}
		if r.Condition != "" {
			prg, err := compileCondition(env, r.Condition)
			if err != nil {
				issues.Add(configerr.InvalidCondition, subject, "%v", err)
				continue
			}
			cr.program = prg
		}
		set.rules = append(set.rules, cr)
	}

	sort.SliceStable(set.rules, func(i, j int) bool {
		return set.rules[i].Precedence > set.rules[j].Precedence
	})

	if n := len(set.rules); n == 0 {
		issues.Add(configerr.MissingCatchAll, string(kind)+" rules", "rule set is empty")
	} else if last := set.rules[n-1]; last.Condition != "" || last.Guard != "" {
		issues.Add(configerr.MissingCatchAll, fmt.Sprintf("%s rule %s", kind, last.ID),
			"lowest precedence rule must have no condition")
	}
	if kind == KindLOC {
		validateEscalation(set, issues)
	}
	return set, nil
}

func compileCondition(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition %q yields %s, not bool", expr, t)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return prg, nil
}

func validateOutcome(kind Kind, r Rule, subject string, issues *configerr.List) {
	switch kind {
	case KindWM:
		if r.Guard != "" {
			issues.Add(configerr.InvalidGuard, subject, "guards are only allowed in loc rules")
		}
		if r.Indicated && len(r.Levels) == 0 {
			issues.Add(configerr.InvalidOutcome, subject, "indicated rule lists no candidate levels")
		}
	case KindLOC:
		switch r.Guard {
		case "":
			if r.Level == "" {
				issues.Add(configerr.InvalidOutcome, subject, "rule has no level")
			}
		case GuardWMEscalation:
			if r.Condition != "" {
				issues.Add(configerr.InvalidGuard, subject, "escalation rule must not declare a condition")
			}
		default:
			issues.Add(configerr.InvalidGuard, subject, "unknown guard %q", r.Guard)
		}
	}
}

// validateEscalation requires exactly one escalation rule, ranked above
// every base rule so no base rule can reach an escalation level first.
func validateEscalation(set compiledSet, issues *configerr.List) {
	var guards []string
	for _, r := range set.rules {
		if r.Guard == GuardWMEscalation {
			guards = append(guards, r.ID)
		}
	}
	switch {
	case len(guards) == 0:
		issues.Add(configerr.InvalidGuard, "loc rules", "no %s rule declared", GuardWMEscalation)
	case len(guards) > 1:
		issues.Add(configerr.InvalidGuard, "loc rules", "more than one %s rule: %v", GuardWMEscalation, guards)
	case set.rules[0].Guard != GuardWMEscalation:
		issues.Add(configerr.InvalidGuard, "loc rule "+guards[0], "escalation rule must have the highest precedence")
	}
}

// Evaluate runs the WM set and then the LOC set with the WM outcome bound.
// Evaluation never fails: a validated set always ends in a catch-all.
func (e *Engine) Evaluate(severities map[string]int, facts map[string]any) Decision {
	sev := make(map[string]int, len(severities))
	for k, v := range severities {
		sev[k] = v
	}
	nf := NormalizeFacts(facts)
	activation := map[string]any{"severity": sev, "facts": nf}

	wmRule := e.wm.first(activation, nil)
	wm := WMOutcome{}
	if wmRule != nil {
		wm = WMOutcome{
			RuleID:        wmRule.ID,
			Indicated:     wmRule.Indicated,
			Levels:        append([]string{}, wmRule.Levels...),
			Description:   wmRule.Description,
			Justification: trail(wmRule.Rule),
		}
	}

	activation["wm"] = map[string]any{
		"indicated": wm.Indicated,
		"levels":    wm.Levels,
		"rule_id":   wm.RuleID,
	}
	loc := e.evaluateLOC(activation, wm)

	return Decision{
		WM:         wm,
		LOC:        loc,
		Versions:   e.Versions(),
		Severities: sev,
		Facts:      nf,
	}
}

func (e *Engine) evaluateLOC(activation map[string]any, wm WMOutcome) LOCOutcome {
	r := e.loc.first(activation, wm.Levels)
	if r == nil {
		return LOCOutcome{}
	}
	out := LOCOutcome{
		RuleID:         r.ID,
		Recommendation: r.Level,
		Description:    r.Description,
		Justification:  trail(r.Rule),
	}
	if r.Guard == GuardWMEscalation {
		level, _ := escalationLevel(wm.Levels, e.loc.escalation)
		out.Recommendation = level
		out.Escalated = true
		out.EscalationRuleID = r.ID
		out.Justification = append([]string{
			fmt.Sprintf("WM rule %s indicated level %s", wm.RuleID, level),
		}, out.Justification...)
	}
	return out
}

// first returns the highest-precedence matching rule. wmLevels decides the
// escalation rule; base rules are decided by their condition.
func (s *compiledSet) first(activation map[string]any, wmLevels []string) *compiledRule {
	for i := range s.rules {
		r := &s.rules[i]
		if r.Guard == GuardWMEscalation {
			if _, ok := escalationLevel(wmLevels, s.escalation); ok {
				return r
			}
			continue
		}
		if r.matches(activation) {
			return r
		}
	}
	return nil
}

// escalationLevel returns the first WM candidate level that is an escalation level.
func escalationLevel(levels, escalation []string) (string, bool) {
	for _, l := range levels {
		for _, e := range escalation {
			if l == e {
				return l, true
			}
		}
	}
	return "", false
}

func trail(r Rule) []string {
	out := make([]string, 0, len(r.Justification)+1)
	if r.Description != "" {
		out = append(out, r.Description)
	}
	return append(out, r.Justification...)
}

// Versions reports the loaded rule set versions.
func (e *Engine) Versions() Versions {
	return Versions{WM: e.wm.version, LOC: e.loc.version}
}

// EscalationLevels returns the LOC levels reachable only through escalation.
func (e *Engine) EscalationLevels() []string {
	return append([]string{}, e.loc.escalation...)
}

// Rules returns the rules of one set in evaluation order.
func (e *Engine) Rules(kind Kind) []Rule {
	set := e.wm
	if kind == KindLOC {
		set = e.loc
	}
	out := make([]Rule, len(set.rules))
	for i, r := range set.rules {
		out[i] = r.Rule
	}
	return out
}
