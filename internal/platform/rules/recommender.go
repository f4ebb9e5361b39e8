package rules

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehr/intake/internal/platform/configerr"
)

var ErrUnavailable = errors.New("rule engine unavailable")

// FallbackLabel accompanies every fallback recommendation. Consumers must
// show it verbatim and must not treat the fallback as a validated result.
const FallbackLabel = "UNVALIDATED FALLBACK: rule configuration is invalid; refer for full clinical assessment"

const (
	StateAvailable   = "available"
	StateUnavailable = "unavailable"
)

// Fallback is the conservative default used while the engine is unavailable.
type Fallback struct {
	Label          string `json:"label"`
	WMIndicated    bool   `json:"wm_indicated"`
	Recommendation string `json:"recommendation"`
	Validated      bool   `json:"validated"`
}

type Status struct {
	State    string         `json:"state"`
	Versions Versions       `json:"versions"`
	Issues   configerr.List `json:"issues,omitempty"`
	Error    string         `json:"error,omitempty"`
	LoadedAt time.Time      `json:"loaded_at"`
}

// Recommender guards an Engine behind an explicit availability state. A
// failed load or reload leaves it unavailable until a valid pair of rule
// sets is loaded.
type Recommender struct {
	mu       sync.RWMutex
	engine   *Engine
	err      error
	loadedAt time.Time
}

// NewRecommender builds the engine from wm and loc. The recommender is
// returned even when validation fails; check Status or the returned error.
func NewRecommender(wm, loc RuleSet) (*Recommender, error) {
	r := &Recommender{}
	return r, r.Reload(wm, loc)
}

// UnavailableRecommender returns a recommender that reports err, for rule
// definitions that could not even be read.
func UnavailableRecommender(err error) *Recommender {
	r := &Recommender{}
	r.Fail(err)
	return r
}

// Fail drops the current engine and records err.
func (r *Recommender) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine, r.err, r.loadedAt = nil, err, time.Now().UTC()
}

// Reload replaces the engine. On failure the previous engine is dropped.
func (r *Recommender) Reload(wm, loc RuleSet) error {
	engine, err := NewEngine(wm, loc)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine, r.err, r.loadedAt = engine, err, time.Now().UTC()
	return err
}

// Evaluate returns ErrUnavailable, wrapping the configuration error, while
// no valid engine is loaded.
func (r *Recommender) Evaluate(severities map[string]int, facts map[string]any) (Decision, error) {
	r.mu.RLock()
	engine, loadErr := r.engine, r.err
	r.mu.RUnlock()
	if engine == nil {
		if loadErr == nil {
			loadErr = errors.New("no rule sets loaded")
		}
		return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, loadErr)
	}
	return engine.Evaluate(severities, facts), nil
}

func (r *Recommender) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine != nil
}

func (r *Recommender) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Status{State: StateAvailable, LoadedAt: r.loadedAt}
	if r.engine != nil {
		s.Versions = r.engine.Versions()
		return s
	}
	s.State = StateUnavailable
	if r.err != nil {
		s.Error = r.err.Error()
		s.Issues, _ = configerr.Issues(r.err)
	}
	return s
}

// Fallback returns the labelled conservative recommendation.
func (r *Recommender) Fallback() Fallback {
	return Fallback{
		Label:          FallbackLabel,
		WMIndicated:    true,
		Recommendation: "clinical-review",
	}
}
