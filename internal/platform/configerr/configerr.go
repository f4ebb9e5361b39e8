// Package configerr describes load-time configuration defects. A non-empty
// List is fatal for the engine that produced it.
package configerr

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	DuplicateID         Code = "duplicate_id"
	DuplicatePrecedence Code = "duplicate_precedence"
	InvalidCondition    Code = "invalid_condition"
	MissingCatchAll     Code = "missing_catch_all"
	InvalidThresholds   Code = "invalid_thresholds"
	InvalidSeverity     Code = "invalid_severity"
	UnknownReference    Code = "unknown_reference"
	SchemaViolation     Code = "schema_violation"
	InvalidVersion      Code = "invalid_version"
	InvalidOutcome      Code = "invalid_outcome"
	InvalidGuard        Code = "invalid_guard"
)

// Issue is a single configuration defect.
type Issue struct {
	Code    Code   `json:"code"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s [%s]: %s", i.Subject, i.Code, i.Detail)
}

// List collects every issue found while loading one configuration document.
type List []Issue

func (l *List) Add(code Code, subject, format string, args ...any) {
	*l = append(*l, Issue{Code: code, Subject: subject, Detail: fmt.Sprintf(format, args...)})
}

// Err returns the list as an error, or nil when it is empty.
func (l List) Err() error {
	if len(l) == 0 {
		return nil
	}
	return l
}

func (l List) Error() string {
	parts := make([]string, len(l))
	for i, issue := range l {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("invalid configuration (%d issue(s)): %s", len(l), strings.Join(parts, "; "))
}

func (l List) Has(code Code) bool {
	for _, issue := range l {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// Codes returns the distinct codes in first-seen order.
func (l List) Codes() []Code {
	seen := make(map[Code]bool)
	var out []Code
	for _, issue := range l {
		if !seen[issue.Code] {
			seen[issue.Code] = true
			out = append(out, issue.Code)
		}
	}
	return out
}

// Issues extracts the issue list from err, following wrapped errors.
func Issues(err error) (List, bool) {
	var l List
	if errors.As(err, &l) {
		return l, true
	}
	return nil, false
}
