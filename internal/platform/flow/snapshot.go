package flow

import (
	"fmt"

	"github.com/ehr/intake/internal/platform/answer"
)

// Snapshot is the evaluated state of one template against one set of answers.
// It is immutable; re-evaluate the engine after answers change.
type Snapshot struct {
	engine   *Engine
	answers  *answer.Store
	visible  map[string]bool
	required map[string]bool
	path     []string
}

// IsVisible reports whether the question should be shown. Unknown ids are
// reported as an error rather than hidden.
func (s *Snapshot) IsVisible(id string) (bool, error) {
	if _, ok := s.engine.questions[id]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownQuestion, id)
	}
	return s.visible[id], nil
}

// IsRequired reports whether the question must be answered. Hidden questions
// are never required.
func (s *Snapshot) IsRequired(id string) (bool, error) {
	if _, ok := s.engine.questions[id]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownQuestion, id)
	}
	return s.required[id], nil
}

// VisibleIDs returns visible question ids in template order.
func (s *Snapshot) VisibleIDs() []string {
	return s.filter(s.visible)
}

// RequiredIDs returns required question ids in template order.
func (s *Snapshot) RequiredIDs() []string {
	return s.filter(s.required)
}

func (s *Snapshot) filter(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for _, q := range s.engine.tpl.Questions {
		if set[q.ID] && s.engine.questions[q.ID] != nil {
			out = append(out, q.ID)
		}
	}
	return out
}

// Path returns the answered visible questions in template order.
func (s *Snapshot) Path() []string {
	out := make([]string, len(s.path))
	copy(out, s.path)
	return out
}

// NextQuestion returns the question to present after afterID. Candidates are
// tried in order: visible explicit follow-ups, visible follow-ups triggered
// by the selected option, a true jump_to condition, the selected option's
// skip target, then the next visible question in the section and in the
// sections numbered after it. ok is false when the assessment has nothing
// left to present.
func (s *Snapshot) NextQuestion(afterID string) (next string, ok bool, err error) {
	q, known := s.engine.questions[afterID]
	if !known {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownQuestion, afterID)
	}

	if id, found := s.firstVisible(q.FollowUps); found {
		return id, true, nil
	}

	selected := s.selectedOptions(q)
	for _, opt := range selected {
		if id, found := s.firstVisible(opt.TriggersFollowUp); found {
			return id, true, nil
		}
	}

	for _, c := range q.Conditions {
		if c.Action == ActionJumpTo && c.Holds(s.answers) {
			return c.Target, true, nil
		}
	}
	for _, opt := range selected {
		if opt.SkipTo != "" {
			return opt.SkipTo, true, nil
		}
	}

	ids := s.engine.inSection[q.Section]
	for i, id := range ids {
		if id != afterID {
			continue
		}
		if next, found := s.firstVisible(ids[i+1:]); found {
			return next, true, nil
		}
		break
	}

	number := s.engine.sections[q.Section].Number
	for {
		number++
		sec, exists := s.engine.byNumber[number]
		if !exists {
			return "", false, nil
		}
		if next, found := s.firstVisible(s.engine.inSection[sec.ID]); found {
			return next, true, nil
		}
	}
}

func (s *Snapshot) firstVisible(ids []string) (string, bool) {
	for _, id := range ids {
		if s.visible[id] {
			return id, true
		}
	}
	return "", false
}

// selectedOptions returns the options matching the current answer. Multi
// choice answers may select several.
func (s *Snapshot) selectedOptions(q *Question) []Option {
	v, ok := s.answers.Get(q.ID)
	if !ok || len(q.Options) == 0 {
		return nil
	}
	picked := make(map[string]bool)
	switch v.Kind() {
	case answer.KindMultiChoice:
		for _, c := range v.Choices() {
			picked[c] = true
		}
	default:
		picked[v.String()] = true
	}
	var out []Option
	for _, opt := range q.Options {
		if picked[opt.Value] {
			out = append(out, opt)
		}
	}
	return out
}

// SectionCompletion is the fraction of required visible questions in the
// section that have a non-empty answer. A section with no required visible
// questions is complete.
func (s *Snapshot) SectionCompletion(sectionID string) (float64, error) {
	if _, ok := s.engine.sections[sectionID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSection, sectionID)
	}
	var total, answered int
	for _, id := range s.engine.inSection[sectionID] {
		if !s.required[id] {
			continue
		}
		total++
		if v, ok := s.answers.Get(id); ok && !v.IsEmpty() {
			answered++
		}
	}
	if total == 0 {
		return 1, nil
	}
	return float64(answered) / float64(total), nil
}

// OverallCompletion is the mean of all section completions.
func (s *Snapshot) OverallCompletion() float64 {
	if len(s.engine.tpl.Sections) == 0 {
		return 1
	}
	var sum float64
	var n int
	for _, sec := range s.engine.tpl.Sections {
		if s.engine.sections[sec.ID] == nil {
			continue
		}
		c, _ := s.SectionCompletion(sec.ID)
		sum += c
		n++
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}

// Complete reports whether every required visible question is answered.
func (s *Snapshot) Complete() bool {
	for id := range s.required {
		if v, ok := s.answers.Get(id); !ok || v.IsEmpty() {
			return false
		}
	}
	return true
}

// View is the serialisable form of a snapshot.
type View struct {
	Visible           []string           `json:"visible"`
	Required          []string           `json:"required"`
	Path              []string           `json:"path"`
	SectionCompletion map[string]float64 `json:"section_completion"`
	OverallCompletion float64            `json:"overall_completion"`
	Complete          bool               `json:"complete"`
}

func (s *Snapshot) View() View {
	v := View{
		Visible:           s.VisibleIDs(),
		Required:          s.RequiredIDs(),
		Path:              s.Path(),
		SectionCompletion: make(map[string]float64, len(s.engine.sections)),
		OverallCompletion: s.OverallCompletion(),
		Complete:          s.Complete(),
	}
	for id := range s.engine.sections {
		v.SectionCompletion[id], _ = s.SectionCompletion(id)
	}
	return v
}

// Facts projects answers of questions that declare a fact name into the
// contextual facts consumed by the rule engine. Hidden questions are skipped.
func (s *Snapshot) Facts() map[string]any {
	facts := make(map[string]any)
	for _, q := range s.engine.tpl.Questions {
		if q.Fact == "" || !s.visible[q.ID] {
			continue
		}
		v, ok := s.answers.Get(q.ID)
		if !ok {
			continue
		}
		switch v.Kind() {
		case answer.KindNumber:
			facts[q.Fact], _ = v.NumberValue()
		case answer.KindBool:
			facts[q.Fact], _ = v.BoolValue()
		case answer.KindMultiChoice:
			facts[q.Fact] = v.Choices()
		case answer.KindGrid:
			facts[q.Fact], _ = v.GridValue()
		default:
			facts[q.Fact] = v.String()
		}
	}
	return facts
}
