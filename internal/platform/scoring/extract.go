package scoring

import (
	"strconv"
	"strings"

	"github.com/ehr/intake/internal/platform/answer"
)

var keywordScores = map[string]float64{
	"none": 1, "no": 1, "never": 1, "excellent": 1, "stable": 1, "independent": 1,
	"mild": 2, "low": 2, "good": 2, "occasional": 2, "minimal": 2,
	"moderate": 3, "some": 3, "fair": 3, "frequent": 3,
	"severe": 4, "high": 4, "poor": 4, "constant": 4, "dependent": 4,
}

// unrecognizedScore applies to text that is neither numeric nor a known keyword.
const unrecognizedScore = 2

var gridScoreFields = []string{"score", "value", "severity"}

// AnswerScore extracts a score in [1,4] from an answer. Numbers and numeric
// text are clamped, keywords are mapped, multi-choice takes the highest
// option and grids use an embedded numeric field. Answers that carry no
// score report false.
func AnswerScore(v answer.Value) (float64, bool) {
	switch v.Kind() {
	case answer.KindNumber:
		f, _ := v.NumberValue()
		if !answer.Finite(f) {
			return 0, false
		}
		return clamp(f), true
	case answer.KindText, answer.KindChoice:
		s, _ := v.TextValue()
		return textScore(s)
	case answer.KindBool:
		b, _ := v.BoolValue()
		if b {
			return textScore("yes")
		}
		return textScore("no")
	case answer.KindMultiChoice:
		best, found := 0.0, false
		for _, c := range v.Choices() {
			if f, ok := textScore(c); ok && f > best {
				best, found = f, true
			}
		}
		return best, found
	case answer.KindGrid:
		g, _ := v.GridValue()
		for _, field := range gridScoreFields {
			if f, ok := numeric(g[field]); ok {
				return clamp(f), true
			}
		}
	}
	return 0, false
}

func textScore(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && answer.Finite(f) {
		return clamp(f), true
	}
	if f, ok := keywordScores[s]; ok {
		return f, true
	}
	return unrecognizedScore, true
}

func numeric(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, answer.Finite(n)
	case float32:
		return float64(n), answer.Finite(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && answer.Finite(f)
	}
	return 0, false
}
