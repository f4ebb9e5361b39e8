// Package definitions loads the assessment template, scoring configuration
// and recommendation rule sets. Each document is checked against an embedded
// JSON Schema before it is decoded and handed to its engine.
package definitions

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehr/intake/internal/platform/configerr"
	"github.com/ehr/intake/internal/platform/flow"
	"github.com/ehr/intake/internal/platform/rules"
	"github.com/ehr/intake/internal/platform/scoring"
)

const (
	TemplateFile = "template.yaml"
	ScoringFile  = "scoring.yaml"
	WMRulesFile  = "wm_rules.yaml"
	LOCRulesFile = "loc_rules.yaml"

	// EmbeddedSource names the built-in definitions in Bundle.Source.
	EmbeddedSource = "embedded"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// Bundle holds everything an assessment needs. The flow engine and scorer
// are mandatory; rule set problems are kept in RulesErr so the service can
// run in degraded mode with a fallback recommendation.
type Bundle struct {
	Source   string
	Flow     *flow.Engine
	Scorer   *scoring.Scorer
	WM       rules.RuleSet
	LOC      rules.RuleSet
	RulesErr error
}

// LoadDefaults loads the embedded definitions.
func LoadDefaults() (*Bundle, error) {
	sub, err := fs.Sub(defaultsFS, "defaults")
	if err != nil {
		return nil, err
	}
	return Load(sub, EmbeddedSource)
}

// LoadDir loads definitions from dir. Files missing from dir are not
// replaced by defaults.
func LoadDir(dir string) (*Bundle, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("definitions dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("definitions dir %s is not a directory", dir)
	}
	return Load(os.DirFS(dir), dir)
}

// Load reads the four definition documents from fsys. Template and scoring
// problems are returned as errors; rule set problems, including semantic
// ones found by the rule engine, are recorded in Bundle.RulesErr.
func Load(fsys fs.FS, source string) (*Bundle, error) {
	b := &Bundle{Source: source}

	var tr templateRecord
	if err := decode(fsys, TemplateFile, templateSchema, &tr); err != nil {
		return nil, err
	}
	engine, err := flow.NewEngine(tr.toTemplate())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", TemplateFile, err)
	}
	b.Flow = engine

	var sc scoring.Config
	if err := decode(fsys, ScoringFile, scoringSchema, &sc); err != nil {
		return nil, err
	}
	scorer, err := scoring.NewScorer(sc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ScoringFile, err)
	}
	b.Scorer = scorer

	if err := checkCategories(engine, scorer); err != nil {
		return nil, err
	}

	b.RulesErr = b.loadRules(fsys)
	return b, nil
}

// LoadRules reads and validates only the WM and LOC rule sets, from dir or
// from the embedded defaults when dir is empty. It backs rule reloads on a
// running service, where the template and scoring stay fixed.
func LoadRules(dir string) (wm, loc rules.RuleSet, err error) {
	var fsys fs.FS = os.DirFS(dir)
	if dir == "" {
		if fsys, err = fs.Sub(defaultsFS, "defaults"); err != nil {
			return wm, loc, err
		}
	}
	var b Bundle
	err = b.loadRules(fsys)
	return b.WM, b.LOC, err
}

func (b *Bundle) loadRules(fsys fs.FS) error {
	var errs []error
	if err := decode(fsys, WMRulesFile, rulesSchema, &b.WM); err != nil {
		errs = append(errs, err)
	}
	if err := decode(fsys, LOCRulesFile, rulesSchema, &b.LOC); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if _, err := rules.NewEngine(b.WM, b.LOC); err != nil {
		return fmt.Errorf("rule sets: %w", err)
	}
	return nil
}

// NewRecommender returns a recommender for the bundle's rule sets. It is
// unavailable when the rule sets failed to load or validate.
func (b *Bundle) NewRecommender() *rules.Recommender {
	if b.RulesErr != nil {
		return rules.UnavailableRecommender(b.RulesErr)
	}
	r, err := rules.NewRecommender(b.WM, b.LOC)
	if err != nil {
		return rules.UnavailableRecommender(err)
	}
	return r
}

// Check loads fsys and reports every problem found, including rule set
// problems that Load tolerates.
func Check(fsys fs.FS, source string) error {
	b, err := Load(fsys, source)
	if err != nil {
		return err
	}
	return b.RulesErr
}

// checkCategories requires a scoring category for every template section.
func checkCategories(engine *flow.Engine, scorer *scoring.Scorer) error {
	known := make(map[string]bool)
	for _, id := range scorer.Categories() {
		known[id] = true
	}
	var issues configerr.List
	for _, s := range engine.Template().Sections {
		if !known[s.Category] {
			issues.Add(configerr.UnknownReference, "section "+s.ID, "category %q has no scoring configuration", s.Category)
		}
	}
	return issues.Err()
}

func decode(fsys fs.FS, file string, schema schemaName, out any) error {
	data, err := fs.ReadFile(fsys, file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	if err := validateDocument(file, schema, data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", file, err)
	}
	return nil
}
