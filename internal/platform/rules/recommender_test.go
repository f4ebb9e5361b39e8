package rules

import (
	"errors"
	"sync"
	"testing"

	"github.com/ehr/intake/internal/platform/configerr"
)

func invalidLOC() RuleSet {
	loc := testLOC()
	loc.Rules = append(loc.Rules, Rule{ID: "loc-iop", Precedence: 450, Level: "2.1", Condition: "true"})
	return loc
}

func TestRecommenderUnavailable(t *testing.T) {
	r, err := NewRecommender(testWM(), invalidLOC())
	if err == nil {
		t.Fatal("expected load error")
	}
	if r.Available() {
		t.Fatal("recommender must not be available")
	}

	_, err = r.Evaluate(severities(4, 1, 1, 1, 1, 1), nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Evaluate err = %v, want ErrUnavailable", err)
	}
	if issues, ok := configerr.Issues(err); !ok || !issues.Has(configerr.DuplicateID) {
		t.Errorf("expected wrapped duplicate_id issue, got %v", err)
	}

	st := r.Status()
	if st.State != StateUnavailable || len(st.Issues) == 0 || st.Error == "" {
		t.Errorf("Status = %+v", st)
	}

	fb := r.Fallback()
	if fb.Label != FallbackLabel || fb.Validated {
		t.Errorf("Fallback = %+v", fb)
	}
}

func TestRecommenderReload(t *testing.T) {
	r, err := NewRecommender(testWM(), testLOC())
	if err != nil {
		t.Fatalf("NewRecommender: %v", err)
	}
	if st := r.Status(); st.State != StateAvailable || st.Versions.LOC != "1.0.0" {
		t.Errorf("Status = %+v", st)
	}

	if err := r.Reload(testWM(), invalidLOC()); err == nil {
		t.Fatal("expected reload error")
	}
	if _, err := r.Evaluate(severities(1, 1, 1, 1, 1, 1), nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("failed reload must leave the recommender unavailable, got %v", err)
	}

	if err := r.Reload(testWM(), testLOC()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	d, err := r.Evaluate(severities(1, 1, 1, 1, 1, 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.LOC.RuleID != "loc-outpatient" {
		t.Errorf("LOC rule = %s", d.LOC.RuleID)
	}
}

func TestUnavailableRecommender(t *testing.T) {
	r := UnavailableRecommender(errors.New("read loc.yaml: no such file"))
	if _, err := r.Evaluate(nil, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if r.Status().Error == "" {
		t.Error("expected status to carry the load error")
	}
}

func TestRecommenderConcurrentReload(t *testing.T) {
	r, _ := NewRecommender(testWM(), testLOC())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Evaluate(severities(4, 1, 1, 1, 1, 1), map[string]any{"cows": 20})
		}()
		go func() {
			defer wg.Done()
			_ = r.Reload(testWM(), testLOC())
		}()
	}
	wg.Wait()
	if !r.Available() {
		t.Error("expected recommender to be available after valid reloads")
	}
}
