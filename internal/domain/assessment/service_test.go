package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/cache"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/definitions"
	"github.com/ehr/intake/internal/platform/flow"
	"github.com/ehr/intake/internal/platform/rules"
)

// -- Mock Repository --

// mockRepo stores JSON copies so callers never share state with it, the
// way rows come back from the database.
type mockRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID][]byte
	// readGate, when set, runs after GetByID has copied a row and before
	// it returns.
	readGate func()
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID][]byte)}
}

func (m *mockRepo) Create(_ context.Context, a *Assessment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[a.ID] = data
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Assessment, error) {
	m.mu.Lock()
	data, ok := m.store[id]
	gate := m.readGate
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if gate != nil {
		gate()
	}
	var a Assessment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (m *mockRepo) Update(_ context.Context, a *Assessment, from Status) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.store[a.ID]
	if !ok {
		return ErrNotFound
	}
	var stored struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(prev, &stored); err != nil {
		return err
	}
	if stored.Status != from {
		return fmt.Errorf("%w: status is %s", ErrClosed, stored.Status)
	}
	m.store[a.ID] = data
	return nil
}

func (m *mockRepo) setReadGate(fn func()) {
	m.mu.Lock()
	m.readGate = fn
	m.mu.Unlock()
}

func (m *mockRepo) ListByPatient(ctx context.Context, pid uuid.UUID, limit, offset int) ([]*Assessment, int, error) {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.store))
	for id := range m.store {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	var r []*Assessment
	for _, id := range ids {
		a, err := m.GetByID(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		if a.PatientID == pid {
			r = append(r, a)
		}
	}
	total := len(r)
	if offset >= len(r) {
		return nil, total, nil
	}
	r = r[offset:]
	if len(r) > limit {
		r = r[:limit]
	}
	return r, total, nil
}

// -- Fake cache --

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	hits    int
	fail    bool
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("cache down")
	}
	data, ok := m.entries[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	m.hits++
	return data, nil
}

func (m *memCache) Set(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("cache down")
	}
	m.entries[key] = data
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memCache) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

func newTestServiceWith(t *testing.T, rec *rules.Recommender, c cache.AssessmentCache) *Service {
	t.Helper()
	return newTestServiceRepo(t, newMockRepo(), rec, c)
}

func newTestServiceRepo(t *testing.T, repo Repository, rec *rules.Recommender, c cache.AssessmentCache) *Service {
	t.Helper()
	defs, err := definitions.LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults: %v", err)
	}
	if rec == nil {
		rec = defs.NewRecommender()
	}
	return NewService(repo, defs, rec, c, zerolog.Nop())
}

func newTestService(t *testing.T) *Service {
	return newTestServiceWith(t, nil, nil)
}

// opioidAnswers completes the default template with severe opioid
// withdrawal and otherwise low risk.
var opioidAnswers = map[string]any{
	"D1_substance_group":     "opioid",
	"D1_last_use_hours":      12.0,
	"D1_withdrawal_concern":  4.0,
	"D1_current_withdrawal":  "severe",
	"D1_withdrawal_severity": 4.0,
	"D1_cows_score":          15.0,
	"D2_chronic_conditions":  "none",
	"D2_medical_stability":   "stable",
	"D3_mood_severity":       "none",
	"D3_suicidal_ideation":   false,
	"D4_readiness":           "independent",
	"D5_relapse_history":     "never",
	"D5_cravings":            "none",
	"D6_living_situation":    "stable",
	"D6_support_system":      "good",
	"D6_unsafe_environment":  "no",
}

func answerAll(t *testing.T, svc *Service, id uuid.UUID, answers map[string]any) {
	t.Helper()
	ctx := context.Background()
	for qid, v := range answers {
		if _, err := svc.SetAnswer(ctx, id, qid, v); err != nil {
			t.Fatalf("SetAnswer(%s): %v", qid, err)
		}
	}
}

func TestService_Create(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.Create(context.Background(), uuid.New(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != StatusInProgress {
		t.Errorf("expected in-progress, got %s", a.Status)
	}
	if a.TemplateID != "asam-intake" {
		t.Errorf("expected template asam-intake, got %s", a.TemplateID)
	}
	if _, err := svc.Create(context.Background(), uuid.Nil, ""); err == nil {
		t.Error("expected error for missing patient")
	}
}

func TestService_GetNotFound(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_SetAnswerReevaluatesFlow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")

	st, err := svc.SetAnswer(ctx, a.ID, "D1_substance_group", "none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slices.Contains(st.Visible, "D1_last_use_hours") {
		t.Errorf("expected last use hidden when no substance is used, got %v", st.Visible)
	}

	st, err = svc.ClearAnswer(ctx, a.ID, "D1_substance_group")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Contains(st.Visible, "D1_last_use_hours") {
		t.Error("expected last use visible again after clearing the substance")
	}

	got, _ := svc.Get(ctx, a.ID)
	if got.Answers.Has("D1_substance_group") {
		t.Error("expected answer removed")
	}
}

func TestService_SetAnswerValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")

	tests := []struct {
		name string
		qid  string
		raw  any
		want error
	}{
		{"unknown question", "D9_nothing", "x", flow.ErrUnknownQuestion},
		{"not an option", "D1_current_withdrawal", "extreme", ErrInvalidAnswer},
		{"not a number", "D1_cows_score", "lots", ErrInvalidAnswer},
		{"not a boolean", "D3_suicidal_ideation", "maybe", ErrInvalidAnswer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SetAnswer(ctx, a.ID, tt.qid, tt.raw); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := svc.SetAnswer(ctx, a.ID, "D1_cows_score", "15"); err != nil {
		t.Errorf("numeric string should coerce: %v", err)
	}
}

func TestService_Next(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")

	first, ok, err := svc.Next(ctx, a.ID, "")
	if err != nil || !ok || first != "D1_substance_group" {
		t.Fatalf("first = %q, %v, %v", first, ok, err)
	}
	svc.SetAnswer(ctx, a.ID, "D1_substance_group", "none")
	next, ok, err := svc.Next(ctx, a.ID, "D1_substance_group")
	if err != nil || !ok || next != "D1_notes" {
		t.Errorf("next = %q, %v, %v; want D1_notes", next, ok, err)
	}
	if _, _, err := svc.Next(ctx, a.ID, "D9_nothing"); !errors.Is(err, flow.ErrUnknownQuestion) {
		t.Errorf("expected ErrUnknownQuestion, got %v", err)
	}
}

func TestService_CompleteIncomplete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")
	svc.SetAnswer(ctx, a.ID, "D1_substance_group", "alcohol")

	_, err := svc.Complete(ctx, a.ID)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if !strings.Contains(err.Error(), "unanswered required questions") {
		t.Errorf("expected missing questions listed, got %v", err)
	}
}

func TestService_CompleteValidated(t *testing.T) {
	c := newMemCache()
	svc := newTestServiceWith(t, nil, c)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")
	answerAll(t, svc, a.ID, opioidAnswers)

	done, err := svc.Complete(ctx, a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Errorf("expected completed with timestamp, got %s", done.Status)
	}
	if done.RecommendationStatus != RecommendationValidated || done.Decision == nil {
		t.Fatalf("expected validated decision, got %+v", done)
	}
	if done.Decision.LOC.Recommendation != "3.7" || !done.Decision.LOC.Escalated {
		t.Errorf("expected escalated 3.7, got %+v", done.Decision.LOC)
	}
	if len(done.Fingerprint) != 64 {
		t.Errorf("expected sha256 fingerprint, got %q", done.Fingerprint)
	}
	if done.Facts["substance_group"] != "opioid" {
		t.Errorf("expected substance_group fact, got %v", done.Facts)
	}
	if c.has(cacheKey(ctx, a.ID)) {
		t.Error("completed assessment should be evicted from the cache")
	}

	if _, err := svc.SetAnswer(ctx, a.ID, "D1_cows_score", 3); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := svc.Complete(ctx, a.ID); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on second complete, got %v", err)
	}

	e, err := svc.ExportEligibility(ctx, a.ID)
	if err != nil || !e.Eligible {
		t.Errorf("expected eligible, got %+v, %v", e, err)
	}
}

func TestService_CompleteFallback(t *testing.T) {
	svc := newTestServiceWith(t, rules.UnavailableRecommender(errors.New("loc rules missing")), nil)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")
	answerAll(t, svc, a.ID, opioidAnswers)

	done, err := svc.Complete(ctx, a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.RecommendationStatus != RecommendationFallback || done.Decision != nil {
		t.Fatalf("expected fallback without decision, got %+v", done)
	}
	if done.Fallback == nil || done.Fallback.Validated || done.Fallback.Label != rules.FallbackLabel {
		t.Errorf("unexpected fallback %+v", done.Fallback)
	}
	if done.Fingerprint != "" {
		t.Error("fallback must not carry a fingerprint")
	}

	e, _ := svc.ExportEligibility(ctx, a.ID)
	if e.Eligible || e.Reason != rules.FallbackLabel {
		t.Errorf("expected ineligible fallback, got %+v", e)
	}
}

func TestService_ExportEligibilityInProgress(t *testing.T) {
	svc := newTestService(t)
	a, _ := svc.Create(context.Background(), uuid.New(), "")
	e, err := svc.ExportEligibility(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Eligible || !strings.Contains(e.Reason, "in-progress") {
		t.Errorf("unexpected eligibility %+v", e)
	}
}

func TestService_MarkEnteredInError(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")

	got, err := svc.MarkEnteredInError(ctx, a.ID)
	if err != nil || got.Status != StatusEnteredInError {
		t.Fatalf("got %+v, %v", got, err)
	}
	if _, err := svc.MarkEnteredInError(ctx, a.ID); err != nil {
		t.Errorf("second retraction should be a no-op: %v", err)
	}
	if _, err := svc.SetAnswer(ctx, a.ID, "D1_substance_group", "alcohol"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestService_Evaluate(t *testing.T) {
	svc := newTestService(t)
	sev := map[string]int{"A": 4, "B": 1, "C": 1, "D": 1, "E": 1, "F": 1}
	res := svc.Evaluate(sev, map[string]any{"substance_group": "opioid"})
	if res.Status != RecommendationValidated || res.Decision == nil {
		t.Fatalf("expected validated, got %+v", res)
	}
	again := svc.Evaluate(sev, map[string]any{"substance_group": "opioid"})
	if res.Fingerprint != again.Fingerprint {
		t.Error("identical inputs must produce identical fingerprints")
	}
}

func TestService_ReloadRules(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.ReloadRules(); !errors.Is(err, ErrNoReloader) {
		t.Fatalf("expected ErrNoReloader, got %v", err)
	}

	svc.SetRuleLoader(func() (rules.RuleSet, rules.RuleSet, error) {
		return rules.RuleSet{}, rules.RuleSet{}, errors.New("read failed")
	})
	st, err := svc.ReloadRules()
	if err == nil || st.State != rules.StateUnavailable {
		t.Fatalf("expected unavailable after failed reload, got %+v, %v", st, err)
	}
	res := svc.Evaluate(map[string]int{"A": 1}, nil)
	if res.Status != RecommendationFallback {
		t.Errorf("expected fallback while unavailable, got %s", res.Status)
	}

	svc.SetRuleLoader(loadDefaultRules)
	st, err = svc.ReloadRules()
	if err != nil || st.State == rules.StateUnavailable {
		t.Fatalf("expected recovery, got %+v, %v", st, err)
	}
}

func TestService_CacheIsTenantScoped(t *testing.T) {
	c := newMemCache()
	svc := newTestServiceWith(t, nil, c)
	ctx := context.WithValue(context.Background(), db.TenantIDKey, "acme")
	a, _ := svc.Create(ctx, uuid.New(), "")

	if !c.has("acme:" + a.ID.String()) {
		t.Error("expected tenant-prefixed cache entry")
	}
	if _, err := svc.Get(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if c.hits != 1 {
		t.Errorf("expected a cache hit, got %d", c.hits)
	}
}

func TestService_CacheFailureFallsBackToRepo(t *testing.T) {
	c := newMemCache()
	svc := newTestServiceWith(t, nil, c)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")
	c.fail = true

	if _, err := svc.SetAnswer(ctx, a.ID, "D1_substance_group", "alcohol"); err != nil {
		t.Fatalf("cache outage must not fail writes: %v", err)
	}
	got, err := svc.Get(ctx, a.ID)
	if err != nil || !got.Answers.Has("D1_substance_group") {
		t.Errorf("expected answer persisted, got %v", err)
	}
}

func TestService_ReadRacingCompleteDoesNotReopen(t *testing.T) {
	repo := newMockRepo()
	c := newMemCache()
	svc := newTestServiceRepo(t, repo, nil, c)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")
	answerAll(t, svc, a.ID, opioidAnswers)
	c.Delete(ctx, cacheKey(ctx, a.ID))

	paused := make(chan struct{})
	release := make(chan struct{})
	var gated atomic.Bool
	repo.setReadGate(func() {
		if gated.CompareAndSwap(false, true) {
			close(paused)
			<-release
		}
	})

	read := make(chan *Assessment, 1)
	go func() {
		got, err := svc.Get(ctx, a.ID)
		if err != nil {
			t.Errorf("Get: %v", err)
		}
		read <- got
	}()
	<-paused

	if _, err := svc.Complete(ctx, a.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	close(release)
	if got := <-read; got != nil && got.Status != StatusInProgress {
		t.Errorf("expected the paused read to see the earlier row, got %s", got.Status)
	}
	repo.setReadGate(nil)

	if c.has(cacheKey(ctx, a.ID)) {
		t.Error("a read must not cache the assessment")
	}
	if _, err := svc.SetAnswer(ctx, a.ID, "D1_cows_score", 3); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	stored, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusCompleted || stored.Decision == nil || stored.Fingerprint == "" {
		t.Errorf("completed record was modified: status=%s decision=%v", stored.Status, stored.Decision)
	}
}

func TestService_StaleCacheEntryCannotReopen(t *testing.T) {
	repo := newMockRepo()
	c := newMemCache()
	svc := newTestServiceRepo(t, repo, nil, c)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")
	answerAll(t, svc, a.ID, opioidAnswers)

	key := cacheKey(ctx, a.ID)
	c.mu.Lock()
	stale := c.entries[key]
	c.mu.Unlock()
	if _, err := svc.Complete(ctx, a.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// another replica cached the open copy before the completion landed
	c.Set(ctx, key, stale)

	if _, err := svc.SetAnswer(ctx, a.ID, "D1_cows_score", 3); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if c.has(key) {
		t.Error("expected the stale cache entry to be dropped")
	}
	if _, err := svc.Complete(ctx, a.ID); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on complete, got %v", err)
	}
	stored, _ := repo.GetByID(ctx, a.ID)
	if stored.Status != StatusCompleted || stored.Decision == nil {
		t.Errorf("completed record was modified: %+v", stored)
	}
}

func TestService_MarkEnteredInErrorIgnoresStaleCache(t *testing.T) {
	repo := newMockRepo()
	c := newMemCache()
	svc := newTestServiceRepo(t, repo, nil, c)
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")
	answerAll(t, svc, a.ID, opioidAnswers)

	key := cacheKey(ctx, a.ID)
	c.mu.Lock()
	stale := c.entries[key]
	c.mu.Unlock()
	if _, err := svc.Complete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	c.Set(ctx, key, stale)

	got, err := svc.MarkEnteredInError(ctx, a.ID)
	if err != nil {
		t.Fatalf("MarkEnteredInError: %v", err)
	}
	if got.Status != StatusEnteredInError || got.Decision == nil {
		t.Errorf("expected retracted record to keep its decision, got %+v", got)
	}
	if c.has(key) {
		t.Error("expected the cache entry to be dropped")
	}
}

func TestService_ConcurrentAnswers(t *testing.T) {
	svc := newTestServiceWith(t, nil, newMemCache())
	ctx := context.Background()
	a, _ := svc.Create(ctx, uuid.New(), "")

	var wg sync.WaitGroup
	errs := make(chan error, len(opioidAnswers))
	for qid, v := range opioidAnswers {
		qid, v := qid, v
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.SetAnswer(ctx, a.ID, qid, v); err != nil {
				errs <- fmt.Errorf("%s: %w", qid, err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	got, _ := svc.Get(ctx, a.ID)
	if got.Answers.Len() != len(opioidAnswers) {
		t.Errorf("expected %d answers, got %d", len(opioidAnswers), got.Answers.Len())
	}
	if n := svc.locks.size(); n != 0 {
		t.Errorf("expected lock table drained, got %d", n)
	}
}

func loadDefaultRules() (rules.RuleSet, rules.RuleSet, error) {
	return definitions.LoadRules("")
}
