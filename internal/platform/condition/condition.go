// Package condition evaluates comparisons between answers.
//
// Evaluation never fails: malformed or missing operands make a comparison
// false so that live form interaction cannot raise errors.
package condition

import (
	"fmt"
	"strings"

	"github.com/ehr/intake/internal/platform/answer"
)

type Operator string

const (
	Equals      Operator = "equals"
	NotEquals   Operator = "not_equals"
	GreaterThan Operator = "greater_than"
	LessThan    Operator = "less_than"
	Contains    Operator = "contains"
	IsEmpty     Operator = "is_empty"
	IsNotEmpty  Operator = "is_not_empty"
)

var operatorAliases = map[string]Operator{
	"equals":          Equals,
	"eq":              Equals,
	"=":               Equals,
	"not_equals":      NotEquals,
	"not-equals":      NotEquals,
	"!=":              NotEquals,
	"greater_than":    GreaterThan,
	"greater-than":    GreaterThan,
	">":               GreaterThan,
	"less_than":       LessThan,
	"less-than":       LessThan,
	"<":               LessThan,
	"contains":        Contains,
	"string-contains": Contains,
	"is_empty":        IsEmpty,
	"is-empty":        IsEmpty,
	"is_not_empty":    IsNotEmpty,
	"is-not-empty":    IsNotEmpty,
}

// ParseOperator accepts the canonical names plus hyphenated and symbolic spellings.
func ParseOperator(s string) (Operator, error) {
	if op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Evaluate compares actual against expected.
func Evaluate(op Operator, actual, expected answer.Value) bool {
	switch op {
	case Equals:
		return actual.Equal(expected)
	case NotEquals:
		return !actual.Equal(expected)
	case GreaterThan, LessThan:
		a, ok := actual.Float()
		if !ok {
			return false
		}
		e, ok := expected.Float()
		if !ok {
			return false
		}
		if op == GreaterThan {
			return a > e
		}
		return a < e
	case Contains:
		return strings.Contains(strings.ToLower(actual.String()), strings.ToLower(expected.String()))
	case IsEmpty:
		return actual.IsEmpty()
	case IsNotEmpty:
		return !actual.IsEmpty()
	}
	return false
}

// Condition compares the answer to Question against Value.
type Condition struct {
	Question string       `json:"question" yaml:"question"`
	Operator Operator     `json:"operator" yaml:"operator"`
	Value    answer.Value `json:"value" yaml:"-"`
}

// Holds evaluates the condition against store. A condition whose question
// has no answer is false regardless of the operator.
func (c Condition) Holds(store *answer.Store) bool {
	actual, ok := store.Get(c.Question)
	if !ok {
		return false
	}
	return Evaluate(c.Operator, actual, c.Value)
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %q", c.Question, c.Operator, c.Value.String())
}
