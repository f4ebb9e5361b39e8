package condition

import (
	"testing"

	"github.com/ehr/intake/internal/platform/answer"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		op       Operator
		actual   answer.Value
		expected answer.Value
		want     bool
	}{
		{"equals same number", Equals, answer.Number(3), answer.Number(3), true},
		{"equals across kinds", Equals, answer.Number(3), answer.Text("3"), false},
		{"not equals", NotEquals, answer.Choice("opioid"), answer.Choice("alcohol"), true},
		{"greater than", GreaterThan, answer.Number(3), answer.Number(2), true},
		{"greater than equal operands", GreaterThan, answer.Number(2), answer.Number(2), false},
		{"less than numeric text", LessThan, answer.Text("1"), answer.Number(2), true},
		{"less than non numeric actual", LessThan, answer.Text("severe"), answer.Number(2), false},
		{"greater than non numeric expected", GreaterThan, answer.Number(5), answer.Text("many"), false},
		{"greater than boolean", GreaterThan, answer.Bool(true), answer.Number(0), false},
		{"contains case insensitive", Contains, answer.Text("Heroin and Fentanyl"), answer.Text("fentanyl"), true},
		{"contains miss", Contains, answer.Text("alcohol"), answer.Text("opioid"), false},
		{"contains multi choice", Contains, answer.MultiChoice("cannabis", "opioid"), answer.Text("OPIOID"), true},
		{"is empty blank text", IsEmpty, answer.Text("   "), answer.None(), true},
		{"is empty text", IsEmpty, answer.Text("x"), answer.None(), false},
		{"is not empty number", IsNotEmpty, answer.Number(0), answer.None(), true},
		{"unknown operator", Operator("between"), answer.Number(1), answer.Number(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.op, tt.actual, tt.expected); got != tt.want {
				t.Errorf("Evaluate(%s, %v, %v) = %v, want %v", tt.op, tt.actual, tt.expected, got, tt.want)
			}
		})
	}
}

func TestCondition_UnansweredIsFalse(t *testing.T) {
	store := answer.NewStore()
	for _, op := range []Operator{Equals, NotEquals, GreaterThan, LessThan, Contains, IsEmpty, IsNotEmpty} {
		c := Condition{Question: "D1_withdrawal_concern", Operator: op, Value: answer.Number(2)}
		if c.Holds(store) {
			t.Errorf("expected %s on unanswered question to be false", op)
		}
	}
}

func TestCondition_Holds(t *testing.T) {
	store := answer.NewStore()
	store.Set("D1_withdrawal_concern", answer.Number(3))
	c := Condition{Question: "D1_withdrawal_concern", Operator: LessThan, Value: answer.Number(2)}
	if c.Holds(store) {
		t.Error("expected 3 < 2 to be false")
	}
	c.Operator = GreaterThan
	if !c.Holds(store) {
		t.Error("expected 3 > 2 to be true")
	}
}

func TestParseOperator(t *testing.T) {
	for in, want := range map[string]Operator{
		"equals":          Equals,
		"not-equals":      NotEquals,
		"Greater-Than":    GreaterThan,
		"<":               LessThan,
		"string-contains": Contains,
		"is-empty":        IsEmpty,
		"is_not_empty":    IsNotEmpty,
	} {
		got, err := ParseOperator(in)
		if err != nil {
			t.Fatalf("ParseOperator(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseOperator(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseOperator("matches"); err == nil {
		t.Error("expected error for unknown operator")
	}
}
