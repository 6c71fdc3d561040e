package harness

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/codeclash/exec-engine/internal/domain"
)

//go:embed plans.yaml
var plansYAML []byte

// Plan describes how one language is built and run inside the sandbox.
// Compile is empty for interpreted languages.
type Plan struct {
	Image   string   `yaml:"image"`
	Source  string   `yaml:"source"`
	Compile []string `yaml:"compile"`
	Run     []string `yaml:"run"`
}

type planFile struct {
	Languages map[string]Plan `yaml:"languages"`
}

// Plans is the loaded language plan table.
type Plans struct {
	byLang map[string]Plan
}

// LoadPlans parses the embedded plan table and checks it covers every
// supported language.
func LoadPlans() (*Plans, error) {
	var pf planFile
	if err := yaml.Unmarshal(plansYAML, &pf); err != nil {
		return nil, fmt.Errorf("op=harness.load_plans: %w", err)
	}
	for lang, p := range pf.Languages {
		if p.Image == "" || p.Source == "" || len(p.Run) == 0 {
			return nil, fmt.Errorf("op=harness.load_plans: incomplete plan for %q", lang)
		}
	}
	for lang := range domain.SupportedLanguages {
		if _, ok := pf.Languages[lang]; !ok {
			return nil, fmt.Errorf("op=harness.load_plans: no plan for supported language %q", lang)
		}
	}
	return &Plans{byLang: pf.Languages}, nil
}

// For returns the plan for a language.
func (p *Plans) For(language string) (Plan, error) {
	plan, ok := p.byLang[language]
	if !ok {
		return Plan{}, fmt.Errorf("op=harness.plan: %w: language %q", domain.ErrInvalidArgument, language)
	}
	return plan, nil
}

// Languages lists the configured languages, sorted.
func (p *Plans) Languages() []string {
	out := make([]string, 0, len(p.byLang))
	for lang := range p.byLang {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
