// Package flow computes question visibility, requiredness, navigation order
// and completion for an assessment template against a set of answers.
package flow

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/ehr/intake/internal/platform/answer"
	"github.com/ehr/intake/internal/platform/condition"
	"github.com/ehr/intake/internal/platform/configerr"
)

var (
	ErrUnknownQuestion = errors.New("unknown question")
	ErrUnknownSection  = errors.New("unknown section")
)

var knownOperators = map[condition.Operator]bool{
	condition.Equals: true, condition.NotEquals: true, condition.GreaterThan: true,
	condition.LessThan: true, condition.Contains: true, condition.IsEmpty: true,
	condition.IsNotEmpty: true,
}

// Engine evaluates one validated template. It holds no per-assessment state
// and is safe for concurrent use.
type Engine struct {
	tpl       Template
	questions map[string]*Question
	sections  map[string]*Section
	byNumber  map[int]*Section
	inSection map[string][]string
}

// NewEngine validates tpl and indexes it. Every defect found is reported in
// the returned configerr.List.
func NewEngine(tpl Template) (*Engine, error) {
	e := &Engine{
		tpl:       tpl,
		questions: make(map[string]*Question, len(tpl.Questions)),
		sections:  make(map[string]*Section, len(tpl.Sections)),
		byNumber:  make(map[int]*Section, len(tpl.Sections)),
		inSection: make(map[string][]string, len(tpl.Sections)),
	}

	var issues configerr.List
	if tpl.Version != "" {
		if _, err := semver.NewVersion(tpl.Version); err != nil {
			issues.Add(configerr.InvalidVersion, "template "+tpl.ID, "version %q: %v", tpl.Version, err)
		}
	}

	for i := range e.tpl.Sections {
		s := &e.tpl.Sections[i]
		if _, dup := e.sections[s.ID]; dup {
			issues.Add(configerr.DuplicateID, "section "+s.ID, "section id declared more than once")
			continue
		}
		if other, dup := e.byNumber[s.Number]; dup {
			issues.Add(configerr.DuplicateID, "section "+s.ID, "section number %d already used by %s", s.Number, other.ID)
			continue
		}
		e.sections[s.ID] = s
		e.byNumber[s.Number] = s
	}

	for i := range e.tpl.Questions {
		q := &e.tpl.Questions[i]
		if q.ID == "" {
			issues.Add(configerr.DuplicateID, fmt.Sprintf("question #%d", i), "question id is empty")
			continue
		}
		if _, dup := e.questions[q.ID]; dup {
			issues.Add(configerr.DuplicateID, "question "+q.ID, "question id declared more than once")
			continue
		}
		if _, ok := e.sections[q.Section]; !ok {
			issues.Add(configerr.UnknownReference, "question "+q.ID, "section %q does not exist", q.Section)
			continue
		}
		e.questions[q.ID] = q
		e.inSection[q.Section] = append(e.inSection[q.Section], q.ID)
	}

	for i := range e.tpl.Questions {
		if q, ok := e.questions[e.tpl.Questions[i].ID]; ok && q == &e.tpl.Questions[i] {
			e.validateReferences(q, &issues)
		}
	}

	if err := issues.Err(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) validateReferences(q *Question, issues *configerr.List) {
	subject := "question " + q.ID
	if _, err := answer.ParseKind(string(q.Type)); err != nil {
		issues.Add(configerr.SchemaViolation, subject, "%v", err)
	}
	for _, c := range q.Conditions {
		if !validAction(c.Action) {
			issues.Add(configerr.InvalidCondition, subject, "unknown action %q", c.Action)
		}
		if !knownOperators[c.Operator] {
			issues.Add(configerr.InvalidCondition, subject, "unknown operator %q", c.Operator)
		}
		if _, ok := e.questions[c.Question]; !ok {
			issues.Add(configerr.UnknownReference, subject, "condition depends on unknown question %q", c.Question)
		}
		if c.Action == ActionJumpTo {
			if c.Target == "" {
				issues.Add(configerr.InvalidCondition, subject, "jump_to condition has no target")
			} else if _, ok := e.questions[c.Target]; !ok {
				issues.Add(configerr.UnknownReference, subject, "jump_to target %q does not exist", c.Target)
			}
		}
	}
	for _, id := range q.FollowUps {
		if _, ok := e.questions[id]; !ok {
			issues.Add(configerr.UnknownReference, subject, "follow-up %q does not exist", id)
		}
	}
	for _, opt := range q.Options {
		if opt.SkipTo != "" {
			if _, ok := e.questions[opt.SkipTo]; !ok {
				issues.Add(configerr.UnknownReference, subject, "option %q skips to unknown question %q", opt.Value, opt.SkipTo)
			}
		}
		for _, id := range opt.TriggersFollowUp {
			if _, ok := e.questions[id]; !ok {
				issues.Add(configerr.UnknownReference, subject, "option %q triggers unknown question %q", opt.Value, id)
			}
		}
	}
}

func (e *Engine) Template() Template { return e.tpl }

func (e *Engine) Question(id string) (Question, error) {
	q, ok := e.questions[id]
	if !ok {
		return Question{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, id)
	}
	return *q, nil
}

// CategoryOf returns the scoring category of the question's section.
func (e *Engine) CategoryOf(id string) (string, error) {
	q, ok := e.questions[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownQuestion, id)
	}
	return e.sections[q.Section].Category, nil
}

// Evaluate recomputes visibility, requiredness and the answered path for
// store from scratch. The returned Snapshot owns a copy of the answers.
func (e *Engine) Evaluate(store *answer.Store) *Snapshot {
	snap := &Snapshot{
		engine:   e,
		answers:  store.Clone(),
		visible:  make(map[string]bool, len(e.tpl.Questions)),
		required: make(map[string]bool, len(e.tpl.Questions)),
	}
	for i := range e.tpl.Questions {
		q := &e.tpl.Questions[i]
		if _, indexed := e.questions[q.ID]; !indexed {
			continue
		}
		visible, required := evaluateQuestion(q, snap.answers)
		if visible {
			snap.visible[q.ID] = true
			if snap.answers.Has(q.ID) {
				snap.path = append(snap.path, q.ID)
			}
		}
		if required {
			snap.required[q.ID] = true
		}
	}
	return snap
}

// evaluateQuestion applies the question's conditions in declaration order.
// A true skip or a false show hides the question immediately. require and
// optional adjust requiredness, later ones winning. jump_to only affects
// navigation. A question without conditions is always visible.
func evaluateQuestion(q *Question, store *answer.Store) (visible, required bool) {
	required = q.Required
	for _, c := range q.Conditions {
		switch c.Action {
		case ActionSkip:
			if c.Holds(store) {
				return false, false
			}
		case ActionShow:
			if !c.Holds(store) {
				return false, false
			}
		case ActionRequire:
			if c.Holds(store) {
				required = true
			}
		case ActionOptional:
			if c.Holds(store) {
				required = false
			}
		}
	}
	return true, required
}

// AnswersByCategory splits store by the category of each answered question.
// Answers to questions not in the template are dropped.
func (e *Engine) AnswersByCategory(store *answer.Store) map[string]*answer.Store {
	out := make(map[string]*answer.Store)
	for _, id := range store.IDs() {
		q, ok := e.questions[id]
		if !ok {
			continue
		}
		cat := e.sections[q.Section].Category
		if out[cat] == nil {
			out[cat] = answer.NewStore()
		}
		v, _ := store.Get(id)
		out[cat].Set(id, v)
	}
	return out
}
