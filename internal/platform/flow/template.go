package flow

import (
	"github.com/ehr/intake/internal/platform/answer"
	"github.com/ehr/intake/internal/platform/condition"
)

// Action is what a skip condition does when it evaluates true.
type Action string

const (
	ActionSkip     Action = "skip"
	ActionShow     Action = "show"
	ActionRequire  Action = "require"
	ActionOptional Action = "optional"
	ActionJumpTo   Action = "jump_to"
)

func validAction(a Action) bool {
	switch a {
	case ActionSkip, ActionShow, ActionRequire, ActionOptional, ActionJumpTo:
		return true
	}
	return false
}

// SkipCondition attaches an action to a condition on another question.
// Target is only meaningful for ActionJumpTo.
type SkipCondition struct {
	condition.Condition
	Action Action `json:"action"`
	Target string `json:"target,omitempty"`
}

// Option is an answer option that can redirect navigation.
type Option struct {
	Value            string   `json:"value"`
	Label            string   `json:"label,omitempty"`
	SkipTo           string   `json:"skip_to,omitempty"`
	TriggersFollowUp []string `json:"triggers_follow_up,omitempty"`
}

type Question struct {
	ID         string          `json:"id"`
	Section    string          `json:"section"`
	Text       string          `json:"text,omitempty"`
	Type       answer.Kind     `json:"type,omitempty"`
	Fact       string          `json:"fact,omitempty"`
	Required   bool            `json:"required"`
	Conditions []SkipCondition `json:"conditions,omitempty"`
	FollowUps  []string        `json:"follow_ups,omitempty"`
	Options    []Option        `json:"options,omitempty"`
}

// Section groups questions. Number orders sections; navigation moves from a
// section to the one numbered immediately after it.
type Section struct {
	ID       string `json:"id"`
	Number   int    `json:"number"`
	Category string `json:"category"`
	Title    string `json:"title,omitempty"`
}

// Template is an assessment question graph. It is read-only once an Engine
// has been built from it and may be shared by any number of assessments.
type Template struct {
	ID        string     `json:"id"`
	Version   string     `json:"version,omitempty"`
	Sections  []Section  `json:"sections"`
	Questions []Question `json:"questions"`
}
