package definitions

import (
	"strings"

	"github.com/ehr/intake/internal/platform/answer"
	"github.com/ehr/intake/internal/platform/condition"
	"github.com/ehr/intake/internal/platform/flow"
)

type templateRecord struct {
	ID        string           `yaml:"id"`
	Version   string           `yaml:"version"`
	Sections  []sectionRecord  `yaml:"sections"`
	Questions []questionRecord `yaml:"questions"`
}

type sectionRecord struct {
	ID       string `yaml:"id"`
	Number   int    `yaml:"number"`
	Category string `yaml:"category"`
	Title    string `yaml:"title"`
}

type questionRecord struct {
	ID         string            `yaml:"id"`
	Section    string            `yaml:"section"`
	Text       string            `yaml:"text"`
	Type       string            `yaml:"type"`
	Fact       string            `yaml:"fact"`
	Required   bool              `yaml:"required"`
	FollowUps  []string          `yaml:"follow_ups"`
	Conditions []conditionRecord `yaml:"conditions"`
	Options    []optionRecord    `yaml:"options"`
}

type conditionRecord struct {
	Question string `yaml:"question"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
	Action   string `yaml:"action"`
	Target   string `yaml:"target"`
}

type optionRecord struct {
	Value            string   `yaml:"value"`
	Label            string   `yaml:"label"`
	SkipTo           string   `yaml:"skip_to"`
	TriggersFollowUp []string `yaml:"triggers_follow_up"`
}

// toTemplate converts the decoded document. Operators and actions that do not
// parse are passed through unchanged so the flow engine reports them with
// the rest of the template's issues. Condition values take the answer type of
// the question they compare against.
func (r templateRecord) toTemplate() flow.Template {
	kinds := make(map[string]answer.Kind, len(r.Questions))
	for _, q := range r.Questions {
		kinds[q.ID] = answer.Kind(q.Type)
	}

	tpl := flow.Template{ID: r.ID, Version: r.Version}
	for _, s := range r.Sections {
		tpl.Sections = append(tpl.Sections, flow.Section{
			ID: s.ID, Number: s.Number, Category: s.Category, Title: s.Title,
		})
	}
	for _, q := range r.Questions {
		out := flow.Question{
			ID:        q.ID,
			Section:   q.Section,
			Text:      q.Text,
			Type:      answer.Kind(q.Type),
			Fact:      q.Fact,
			Required:  q.Required,
			FollowUps: q.FollowUps,
		}
		for _, c := range q.Conditions {
			out.Conditions = append(out.Conditions, c.toCondition(kinds[c.Question]))
		}
		for _, o := range q.Options {
			out.Options = append(out.Options, flow.Option{
				Value: o.Value, Label: o.Label, SkipTo: o.SkipTo, TriggersFollowUp: o.TriggersFollowUp,
			})
		}
		tpl.Questions = append(tpl.Questions, out)
	}
	return tpl
}

func (c conditionRecord) toCondition(kind answer.Kind) flow.SkipCondition {
	op, err := condition.ParseOperator(c.Operator)
	if err != nil {
		op = condition.Operator(c.Operator)
	}
	v, err := answer.Coerce(kind, c.Value)
	if err != nil {
		v, _ = answer.FromAny(c.Value)
	}
	return flow.SkipCondition{
		Condition: condition.Condition{Question: c.Question, Operator: op, Value: v},
		Action:    flow.Action(strings.ReplaceAll(c.Action, "-", "_")),
		Target:    c.Target,
	}
}
