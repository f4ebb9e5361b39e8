package assessment

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/platform/answer"
	"github.com/ehr/intake/internal/platform/flow"
	"github.com/ehr/intake/internal/platform/rules"
	"github.com/ehr/intake/internal/platform/scoring"
)

type Status string

const (
	StatusInProgress     Status = "in-progress"
	StatusCompleted      Status = "completed"
	StatusEnteredInError Status = "entered-in-error"
)

type RecommendationStatus string

const (
	RecommendationValidated RecommendationStatus = "validated"
	RecommendationFallback  RecommendationStatus = "fallback"
)

// Assessment is one intake session for a patient. Answers are mutable while
// in progress; scoring results and the recommendation are fixed at
// completion.
type Assessment struct {
	ID                   uuid.UUID                `json:"id"`
	PatientID            uuid.UUID                `json:"patient_id"`
	TemplateID           string                   `json:"template_id"`
	TemplateVersion      string                   `json:"template_version"`
	Status               Status                   `json:"status"`
	Answers              *answer.Store            `json:"answers"`
	Results              []scoring.CategoryResult `json:"results,omitempty"`
	Facts                map[string]any           `json:"facts,omitempty"`
	Decision             *rules.Decision          `json:"decision,omitempty"`
	Fallback             *rules.Fallback          `json:"fallback,omitempty"`
	RecommendationStatus RecommendationStatus     `json:"recommendation_status,omitempty"`
	Fingerprint          string                   `json:"fingerprint,omitempty"`
	CreatedBy            string                   `json:"created_by,omitempty"`
	CompletedAt          *time.Time               `json:"completed_at,omitempty"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

// Open reports whether answers may still change.
func (a *Assessment) Open() bool {
	return a.Status == StatusInProgress
}

// Eligibility is the answer to whether a completed assessment may be
// exported as a validated placement recommendation.
type Eligibility struct {
	Eligible             bool                 `json:"eligible"`
	Reason               string               `json:"reason,omitempty"`
	RecommendationStatus RecommendationStatus `json:"recommendation_status,omitempty"`
}

// FlowState is returned after every answer change.
type FlowState struct {
	AssessmentID uuid.UUID `json:"assessment_id"`
	Status       Status    `json:"status"`
	flow.View
}
