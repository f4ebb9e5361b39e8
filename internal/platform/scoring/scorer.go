// Package scoring converts per-category answers into a severity level from
// 1 to 4, honouring override rules that force a severity outright.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ehr/intake/internal/platform/answer"
	"github.com/ehr/intake/internal/platform/condition"
	"github.com/ehr/intake/internal/platform/configerr"
)

var ErrUnknownCategory = errors.New("unknown category")

const (
	MinSeverity = 1
	MaxSeverity = 4

	criticalWeight    = 1.0
	nonCriticalWeight = 0.5
)

type MatchKind string

const (
	MatchEquals   MatchKind = "equals"
	MatchContains MatchKind = "contains"
)

// Override forces Severity when the named answer matches Value.
type Override struct {
	Question string    `json:"question" yaml:"question"`
	Match    MatchKind `json:"match" yaml:"match"`
	Value    string    `json:"value" yaml:"value"`
	Severity int       `json:"severity" yaml:"severity"`
	Reason   string    `json:"reason" yaml:"reason"`
}

// Category configures scoring for one dimension. Thresholds are the
// inclusive maxima of severity bands 1 to 4 and must be strictly increasing.
type Category struct {
	ID                string     `json:"id" yaml:"id"`
	Name              string     `json:"name" yaml:"name"`
	CriticalQuestions []string   `json:"critical_questions" yaml:"critical_questions"`
	Excluded          []string   `json:"excluded,omitempty" yaml:"excluded"`
	Overrides         []Override `json:"overrides,omitempty" yaml:"overrides"`
	MinQuestions      int        `json:"min_questions" yaml:"min_questions"`
	DefaultSeverity   int        `json:"default_severity" yaml:"default_severity"`
	Thresholds        [4]float64 `json:"thresholds" yaml:"thresholds"`
	Descriptions      [4]string  `json:"descriptions" yaml:"descriptions"`
}

type Config struct {
	Version    string     `json:"version" yaml:"version"`
	Categories []Category `json:"categories" yaml:"categories"`
}

// CategoryResult is recomputed on every scoring pass.
type CategoryResult struct {
	Category         string  `json:"category"`
	Name             string  `json:"name,omitempty"`
	Severity         int     `json:"severity"`
	Score            float64 `json:"score"`
	Description      string  `json:"description,omitempty"`
	OverrideReason   string  `json:"override_reason,omitempty"`
	InsufficientData bool    `json:"insufficient_data,omitempty"`
}

type Scorer struct {
	categories []Category
	byID       map[string]int
	critical   map[string]map[string]bool
	excluded   map[string]map[string]bool
}

// NewScorer validates cfg. All defects are returned together as a configerr.List.
func NewScorer(cfg Config) (*Scorer, error) {
	s := &Scorer{
		byID:     make(map[string]int, len(cfg.Categories)),
		critical: make(map[string]map[string]bool, len(cfg.Categories)),
		excluded: make(map[string]map[string]bool, len(cfg.Categories)),
	}

	var issues configerr.List
	if cfg.Version != "" {
		if _, err := semver.NewVersion(cfg.Version); err != nil {
			issues.Add(configerr.InvalidVersion, "scoring", "version %q: %v", cfg.Version, err)
		}
	}

	for _, c := range cfg.Categories {
		subject := "category " + c.ID
		if _, dup := s.byID[c.ID]; dup {
			issues.Add(configerr.DuplicateID, subject, "category declared more than once")
			continue
		}
		for i := 1; i < len(c.Thresholds); i++ {
			if c.Thresholds[i] <= c.Thresholds[i-1] {
				issues.Add(configerr.InvalidThresholds, subject, "thresholds %v are not strictly increasing", c.Thresholds)
				break
			}
		}
		if c.DefaultSeverity == 0 {
			c.DefaultSeverity = MinSeverity
		}
		if !validSeverity(c.DefaultSeverity) {
			issues.Add(configerr.InvalidSeverity, subject, "default severity %d outside [1,4]", c.DefaultSeverity)
		}
		if c.MinQuestions < 0 {
			issues.Add(configerr.InvalidThresholds, subject, "min questions %d is negative", c.MinQuestions)
		}
		for _, o := range c.Overrides {
			if o.Match != MatchEquals && o.Match != MatchContains {
				issues.Add(configerr.InvalidCondition, subject, "override on %s has unknown match %q", o.Question, o.Match)
			}
			if !validSeverity(o.Severity) {
				issues.Add(configerr.InvalidSeverity, subject, "override on %s forces severity %d", o.Question, o.Severity)
			}
		}

		crit := make(map[string]bool, len(c.CriticalQuestions))
		for _, q := range c.CriticalQuestions {
			crit[q] = true
		}
		excl := make(map[string]bool, len(c.Excluded))
		for _, q := range c.Excluded {
			if crit[q] {
				issues.Add(configerr.InvalidCondition, subject, "question %s is both critical and excluded", q)
			}
			excl[q] = true
		}
		s.byID[c.ID] = len(s.categories)
		s.critical[c.ID] = crit
		s.excluded[c.ID] = excl
		s.categories = append(s.categories, c)
	}

	if err := issues.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func validSeverity(n int) bool { return n >= MinSeverity && n <= MaxSeverity }

// Categories returns the configured category ids in declaration order.
func (s *Scorer) Categories() []string {
	out := make([]string, len(s.categories))
	for i, c := range s.categories {
		out[i] = c.ID
	}
	return out
}

// ScoreCategory scores one category. Overrides are checked first in
// declaration order; otherwise answered questions are averaged with critical
// questions at full weight and the rest at half weight; excluded questions
// carry context rather than severity and are ignored. Fewer answered
// critical questions than MinQuestions yields the default severity flagged
// as insufficient data.
func (s *Scorer) ScoreCategory(categoryID string, answers *answer.Store) (CategoryResult, error) {
	idx, ok := s.byID[categoryID]
	if !ok {
		return CategoryResult{}, fmt.Errorf("%w: %s", ErrUnknownCategory, categoryID)
	}
	c := s.categories[idx]
	res := CategoryResult{Category: c.ID, Name: c.Name}

	for _, o := range c.Overrides {
		if overrideMatches(o, answers) {
			res.Severity = o.Severity
			res.Score = float64(o.Severity)
			res.OverrideReason = o.Reason
			res.Description = describe(c, o.Severity)
			return res, nil
		}
	}

	crit, excl := s.critical[c.ID], s.excluded[c.ID]
	var total, weight float64
	var count int
	for _, id := range answers.IDs() {
		if excl[id] {
			continue
		}
		v, _ := answers.Get(id)
		score, ok := AnswerScore(v)
		if !ok {
			continue
		}
		w := nonCriticalWeight
		if crit[id] {
			w = criticalWeight
			count++
		}
		total += score * w
		weight += w
	}

	if count < c.MinQuestions || weight == 0 {
		res.Severity = c.DefaultSeverity
		res.InsufficientData = true
		res.Description = describe(c, c.DefaultSeverity)
		return res, nil
	}

	res.Score = total / weight
	res.Severity = band(c.Thresholds, res.Score)
	res.Description = describe(c, res.Severity)
	return res, nil
}

// ScoreAll scores every configured category in declaration order. A category
// without answers scores as insufficient data.
func (s *Scorer) ScoreAll(answersByCategory map[string]*answer.Store) []CategoryResult {
	out := make([]CategoryResult, 0, len(s.categories))
	for _, c := range s.categories {
		res, _ := s.ScoreCategory(c.ID, answersByCategory[c.ID])
		out = append(out, res)
	}
	return out
}

// Severities indexes results by category id.
func Severities(results []CategoryResult) map[string]int {
	out := make(map[string]int, len(results))
	for _, r := range results {
		out[r.Category] = r.Severity
	}
	return out
}

func overrideMatches(o Override, answers *answer.Store) bool {
	v, ok := answers.Get(o.Question)
	if !ok {
		return false
	}
	switch o.Match {
	case MatchEquals:
		if v.Kind() == answer.KindMultiChoice {
			for _, c := range v.Choices() {
				if strings.EqualFold(c, o.Value) {
					return true
				}
			}
			return false
		}
		return strings.EqualFold(strings.TrimSpace(v.String()), o.Value)
	case MatchContains:
		return condition.Evaluate(condition.Contains, v, answer.Text(o.Value))
	}
	return false
}

func band(thresholds [4]float64, score float64) int {
	for i, limit := range thresholds {
		if score <= limit {
			return i + 1
		}
	}
	return MaxSeverity
}

func describe(c Category, severity int) string {
	if validSeverity(severity) && c.Descriptions[severity-1] != "" {
		return c.Descriptions[severity-1]
	}
	return fmt.Sprintf("%s severity %d", c.ID, severity)
}

func clamp(f float64) float64 {
	return math.Max(MinSeverity, math.Min(MaxSeverity, f))
}
