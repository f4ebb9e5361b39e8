package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/answer"
	"github.com/ehr/intake/internal/platform/cache"
	"github.com/ehr/intake/internal/platform/configerr"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/definitions"
	"github.com/ehr/intake/internal/platform/flow"
	"github.com/ehr/intake/internal/platform/rules"
	"github.com/ehr/intake/internal/platform/scoring"
)

var (
	ErrNotFound      = errors.New("assessment not found")
	ErrClosed        = errors.New("assessment is not in progress")
	ErrIncomplete    = errors.New("assessment is incomplete")
	ErrInvalidAnswer = errors.New("invalid answer")
	ErrNoReloader    = errors.New("rule reload is not configured")
)

// RuleLoader reads a fresh pair of WM and LOC rule sets.
type RuleLoader func() (wm, loc rules.RuleSet, err error)

// Result is a recommendation produced by the rule engine, or the labelled
// fallback when the engine is unavailable.
type Result struct {
	Status      RecommendationStatus `json:"recommendation_status"`
	Decision    *rules.Decision      `json:"decision,omitempty"`
	Fingerprint string               `json:"fingerprint,omitempty"`
	Fallback    *rules.Fallback      `json:"fallback,omitempty"`
	Error       string               `json:"error,omitempty"`
}

type Service struct {
	repo     Repository
	flow     *flow.Engine
	scorer   *scoring.Scorer
	rec      *rules.Recommender
	cache    cache.AssessmentCache
	reloader RuleLoader
	locks    *keyedMutex
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wires the assessment workflow to a definitions bundle. A nil
// cache disables caching.
func NewService(repo Repository, defs *definitions.Bundle, rec *rules.Recommender, c cache.AssessmentCache, logger zerolog.Logger) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{
		repo:   repo,
		flow:   defs.Flow,
		scorer: defs.Scorer,
		rec:    rec,
		cache:  c,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetRuleLoader enables ReloadRules.
func (s *Service) SetRuleLoader(l RuleLoader) {
	s.reloader = l
}

func (s *Service) Template() flow.Template {
	return s.flow.Template()
}

func (s *Service) Create(ctx context.Context, patientID uuid.UUID, createdBy string) (*Assessment, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	tpl := s.flow.Template()
	a := &Assessment{
		ID:              uuid.New(),
		PatientID:       patientID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Status:          StatusInProgress,
		Answers:         answer.NewStore(),
		CreatedBy:       createdBy,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create assessment: %w", err)
	}
	s.remember(ctx, a)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	return s.load(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// SetAnswer records an answer, coercing raw to the question's answer type,
// and returns the re-evaluated flow.
func (s *Service) SetAnswer(ctx context.Context, id uuid.UUID, questionID string, raw any) (*FlowState, error) {
	q, err := s.flow.Question(questionID)
	if err != nil {
		return nil, err
	}
	v, err := validateAnswer(q, raw)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(a *Assessment) {
		a.Answers.Set(questionID, v)
	})
}

// ClearAnswer removes an answer. Clearing an unanswered question is a no-op.
func (s *Service) ClearAnswer(ctx context.Context, id uuid.UUID, questionID string) (*FlowState, error) {
	if _, err := s.flow.Question(questionID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(a *Assessment) {
		a.Answers.Delete(questionID)
	})
}

func (s *Service) mutate(ctx context.Context, id uuid.UUID, apply func(*Assessment)) (*FlowState, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Open() {
		return nil, fmt.Errorf("%w: status is %s", ErrClosed, a.Status)
	}
	if a.Answers == nil {
		a.Answers = answer.NewStore()
	}
	apply(a)
	if err := s.save(ctx, a, StatusInProgress); err != nil {
		return nil, err
	}
	s.remember(ctx, a)
	return s.state(a), nil
}

func (s *Service) Flow(ctx context.Context, id uuid.UUID) (*FlowState, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.state(a), nil
}

// Next returns the question to present after afterID. With an empty afterID
// it returns the first visible question still unanswered.
func (s *Service) Next(ctx context.Context, id uuid.UUID, afterID string) (string, bool, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return "", false, err
	}
	snap := s.flow.Evaluate(a.Answers)
	if afterID == "" {
		for _, qid := range snap.VisibleIDs() {
			if v, ok := a.Answers.Get(qid); !ok || v.IsEmpty() {
				return qid, true, nil
			}
		}
		return "", false, nil
	}
	return snap.NextQuestion(afterID)
}

func (s *Service) state(a *Assessment) *FlowState {
	return &FlowState{
		AssessmentID: a.ID,
		Status:       a.Status,
		View:         s.flow.Evaluate(a.Answers).View(),
	}
}

// Complete scores a fully answered assessment and attaches the placement
// recommendation. When the rule engine is unavailable the labelled fallback
// is stored instead and the assessment is not eligible for export.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Open() {
		return nil, fmt.Errorf("%w: status is %s", ErrClosed, a.Status)
	}
	snap := s.flow.Evaluate(a.Answers)
	if missing := unanswered(snap, a.Answers); len(missing) > 0 {
		return nil, fmt.Errorf("%w: unanswered required questions: %s", ErrIncomplete, strings.Join(missing, ", "))
	}

	a.Results = s.scorer.ScoreAll(s.flow.AnswersByCategory(a.Answers))
	a.Facts = snap.Facts()
	res := s.Evaluate(scoring.Severities(a.Results), a.Facts)
	a.RecommendationStatus = res.Status
	a.Decision, a.Fingerprint, a.Fallback = res.Decision, res.Fingerprint, res.Fallback

	now := s.now()
	a.Status = StatusCompleted
	a.CompletedAt = &now
	if err := s.save(ctx, a, StatusInProgress); err != nil {
		return nil, err
	}
	s.forget(ctx, a.ID)

	ev := s.logger.Info().
		Str("assessment_id", a.ID.String()).
		Str("recommendation_status", string(a.RecommendationStatus)).
		Strs("fact_keys", rules.FactKeys(a.Facts))
	if a.Decision != nil {
		ev = ev.Str("wm_rule", a.Decision.WM.RuleID).
			Str("loc_rule", a.Decision.LOC.RuleID).
			Str("loc_level", a.Decision.LOC.Recommendation).
			Bool("escalated", a.Decision.LOC.Escalated).
			Str("fingerprint", a.Fingerprint)
	}
	ev.Msg("assessment completed")
	return a, nil
}

func unanswered(snap *flow.Snapshot, answers *answer.Store) []string {
	var out []string
	for _, id := range snap.RequiredIDs() {
		if v, ok := answers.Get(id); !ok || v.IsEmpty() {
			out = append(out, id)
		}
	}
	return out
}

// Evaluate runs the rule engine on severities and facts without touching
// any assessment.
func (s *Service) Evaluate(severities map[string]int, facts map[string]any) Result {
	d, err := s.rec.Evaluate(severities, facts)
	if err != nil {
		fb := s.rec.Fallback()
		s.logger.Error().Err(err).Msg("rule engine unavailable, returning fallback recommendation")
		return Result{Status: RecommendationFallback, Fallback: &fb, Error: err.Error()}
	}
	res := Result{Status: RecommendationValidated, Decision: &d}
	fp, err := d.Fingerprint()
	if err != nil {
		s.logger.Warn().Err(err).Msg("decision fingerprint failed")
	}
	res.Fingerprint = fp
	return res
}

// ExportEligibility allows export only for a completed assessment carrying
// a validated recommendation.
func (s *Service) ExportEligibility(ctx context.Context, id uuid.UUID) (*Eligibility, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	e := &Eligibility{RecommendationStatus: a.RecommendationStatus}
	switch {
	case a.Status != StatusCompleted:
		e.Reason = "assessment is " + string(a.Status)
	case a.RecommendationStatus != RecommendationValidated:
		e.Reason = rules.FallbackLabel
	default:
		e.Eligible = true
	}
	return e, nil
}

// MarkEnteredInError retracts an assessment. It stays readable but can no
// longer change or be exported.
func (s *Service) MarkEnteredInError(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	a, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusEnteredInError {
		s.forget(ctx, a.ID)
		return a, nil
	}
	from := a.Status
	a.Status = StatusEnteredInError
	if err := s.save(ctx, a, from); err != nil {
		return nil, err
	}
	s.forget(ctx, a.ID)
	s.logger.Info().Str("assessment_id", a.ID.String()).Msg("assessment marked entered-in-error")
	return a, nil
}

func (s *Service) RulesStatus() rules.Status {
	return s.rec.Status()
}

// ReloadRules swaps in freshly loaded rule sets. Any failure leaves the
// engine unavailable until a later reload succeeds.
func (s *Service) ReloadRules() (rules.Status, error) {
	if s.reloader == nil {
		return s.rec.Status(), ErrNoReloader
	}
	wm, loc, err := s.reloader()
	if err == nil {
		err = s.rec.Reload(wm, loc)
	} else {
		s.rec.Fail(err)
	}
	st := s.rec.Status()
	if err != nil {
		s.logger.Error().Err(err).Strs("issues", issueCodes(err)).Msg("rule reload failed, engine unavailable")
		return st, err
	}
	s.logger.Info().Str("wm_version", st.Versions.WM).Str("loc_version", st.Versions.LOC).Msg("rule sets reloaded")
	return st, nil
}

func validateAnswer(q flow.Question, raw any) (answer.Value, error) {
	v, err := answer.Coerce(q.Type, raw)
	if err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrInvalidAnswer, q.ID, err)
	}
	if v.IsNone() {
		return v, fmt.Errorf("%w: %s: value is required, clear the answer instead", ErrInvalidAnswer, q.ID)
	}
	if len(q.Options) == 0 {
		return v, nil
	}
	allowed := make([]string, 0, len(q.Options))
	for _, o := range q.Options {
		allowed = append(allowed, o.Value)
	}
	for _, c := range v.Choices() {
		if !slices.Contains(allowed, c) {
			return v, fmt.Errorf("%w: %s: %q is not one of %s", ErrInvalidAnswer, q.ID, c, strings.Join(allowed, ", "))
		}
	}
	return v, nil
}

func cacheKey(ctx context.Context, id uuid.UUID) string {
	if t := db.TenantFromContext(ctx); t != "" {
		return t + ":" + id.String()
	}
	return id.String()
}

// load reads through the cache. Cache failures fall back to the repository.
// It never fills the cache; only callers holding the assessment lock write
// entries.
func (s *Service) load(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	key := cacheKey(ctx, id)
	if data, err := s.cache.Get(ctx, key); err == nil {
		var a Assessment
		if err := json.Unmarshal(data, &a); err == nil {
			return &a, nil
		}
		s.logger.Warn().Str("assessment_id", id.String()).Msg("discarding undecodable cache entry")
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Err(err).Msg("assessment cache read failed")
	}
	return s.fetch(ctx, id)
}

// fetch reads the stored row, bypassing the cache.
func (s *Service) fetch(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	if a.Answers == nil {
		a.Answers = answer.NewStore()
	}
	return a, nil
}

// save persists a if the stored row still has status from. A stale cached
// copy that lost a race is dropped.
func (s *Service) save(ctx context.Context, a *Assessment, from Status) error {
	err := s.repo.Update(ctx, a, from)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrClosed), errors.Is(err, ErrNotFound):
		s.forget(ctx, a.ID)
		return err
	default:
		return fmt.Errorf("update assessment: %w", err)
	}
}

func (s *Service) remember(ctx context.Context, a *Assessment) {
	data, err := json.Marshal(a)
	if err == nil {
		err = s.cache.Set(ctx, cacheKey(ctx, a.ID), data)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("assessment_id", a.ID.String()).Msg("assessment cache write failed")
	}
}

func (s *Service) forget(ctx context.Context, id uuid.UUID) {
	if err := s.cache.Delete(ctx, cacheKey(ctx, id)); err != nil {
		s.logger.Warn().Err(err).Str("assessment_id", id.String()).Msg("assessment cache delete failed")
	}
}

func issueCodes(err error) []string {
	issues, ok := configerr.Issues(err)
	if !ok {
		return nil
	}
	var out []string
	for _, c := range issues.Codes() {
		out = append(out, string(c))
	}
	return out
}
