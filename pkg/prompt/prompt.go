// Package prompt provides the data-driven template library for every
// message the engine composes: LLM system/user prompt pairs and the
// canned assistant messages emitted without an LLM call. Templates load
// once at startup (builtin defaults plus an optional prompts.yaml
// overlay) and are validated against their declared variable sets, so a
// bad template fails boot instead of a user's turn.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// Key identifies one template in the library.
type Key string

const (
	// KeyKickoff is the opening question asked right after a session is
	// created. Rendered locally; never sent to the LLM.
	KeyKickoff Key = "kickoff"

	// KeyDepthAnalysis scores the storyteller's first pass for narrative
	// substance.
	KeyDepthAnalysis Key = "depth_analysis"

	// KeyFollowUpQuestion composes one probing question when depth came
	// up short.
	KeyFollowUpQuestion Key = "follow_up_question"

	// KeyPersonalAnecdote composes the ask for a lived, specific moment.
	KeyPersonalAnecdote Key = "personal_anecdote"

	// KeyHookGeneration produces exactly three opening-hook candidates.
	KeyHookGeneration Key = "hook_generation"

	// KeyArcDevelopment develops the narrative arc from a chosen hook and
	// the storyteller's direction.
	KeyArcDevelopment Key = "arc_development"

	// KeyQuoteIntegration weaves the storyteller's quote into the arc.
	KeyQuoteIntegration Key = "quote_integration"

	// KeyCTAGeneration produces exactly three call-to-action candidates.
	KeyCTAGeneration Key = "cta_generation"

	// KeyFinalAssembly assembles the finished story in a chosen style.
	KeyFinalAssembly Key = "final_assembly"

	// KeyErrorRecovery is the assistant message left on a session when
	// candidate generation failed and the turn parked. Rendered locally.
	KeyErrorRecovery Key = "error_recovery"

	// KeyHookSelected acknowledges a hook choice and prompts for
	// direction. Rendered locally.
	KeyHookSelected Key = "hook_selected"

	// KeyCTASelected acknowledges a CTA choice. Rendered locally.
	KeyCTASelected Key = "cta_selected"

	// KeyReissueExactThree is the corrective suffix appended to a
	// generation prompt when the previous reply did not contain exactly
	// three well-formed candidates. Rendered locally.
	KeyReissueExactThree Key = "reissue_exact_three"
)

// Shape declares the output contract of a template's completion.
type Shape string

const (
	// ShapeFreeText: prose, no structural contract.
	ShapeFreeText Shape = "free_text"
	// ShapeScored: a SCORE line, optionally CLASSIFICATION and REASON.
	ShapeScored Shape = "scored"
	// ShapeExactThree: exactly three "TAG N: title - body" lines.
	ShapeExactThree Shape = "exact_three"
)

// Vars carries the values a Render call substitutes into a template.
type Vars map[string]any

// Prompt is a rendered template. System is empty for locally emitted
// messages; for those, User is the message text itself.
type Prompt struct {
	System string
	User   string
}

// spec pins down one key: its output shape and the exact variable set
// every template (builtin or overlay) for that key may reference.
type spec struct {
	shape Shape
	vars  []string
}

// keySpecs is the full library contract. Load validation executes every
// template against a sample of exactly these variables with
// missingkey=error, so referencing anything else fails at startup.
var keySpecs = map[Key]spec{
	KeyKickoff:           {ShapeFreeText, []string{"core_idea"}},
	KeyDepthAnalysis:     {ShapeScored, []string{"core_idea", "user_response"}},
	KeyFollowUpQuestion:  {ShapeFreeText, []string{"core_idea", "user_response", "depth_score"}},
	KeyPersonalAnecdote:  {ShapeFreeText, []string{"core_idea", "exploration"}},
	KeyHookGeneration:    {ShapeExactThree, []string{"core_idea", "anecdote", "context"}},
	KeyArcDevelopment:    {ShapeFreeText, []string{"core_idea", "anecdote", "hook_title", "hook_body", "direction", "context"}},
	KeyQuoteIntegration:  {ShapeFreeText, []string{"core_idea", "arc", "quote", "context"}},
	KeyCTAGeneration:     {ShapeExactThree, []string{"core_idea", "arc", "quote", "context"}},
	KeyFinalAssembly:     {ShapeFreeText, []string{"core_idea", "anecdote", "hook_title", "hook_body", "arc", "quote", "cta_title", "cta_body", "style", "style_guidance", "context"}},
	KeyErrorRecovery:     {ShapeFreeText, []string{"stage"}},
	KeyHookSelected:      {ShapeFreeText, []string{"title"}},
	KeyCTASelected:       {ShapeFreeText, []string{"title"}},
	KeyReissueExactThree: {ShapeFreeText, []string{"kind", "count"}},
}

// Template is one key's raw text pair before compilation.
type Template struct {
	System string `yaml:"system,omitempty"`
	User   string `yaml:"user,omitempty"`
}

type compiled struct {
	shape  Shape
	vars   []string
	system *template.Template // nil when the raw system text is empty
	user   *template.Template
}

// Library is the immutable, validated template set. Safe for concurrent
// use.
type Library struct {
	templates map[Key]*compiled
}

// NewLibrary compiles and validates the builtin templates.
func NewLibrary() (*Library, error) {
	return build(builtinTemplates())
}

// build compiles raw templates and proves each renders cleanly against
// its declared variable set.
func build(raw map[Key]Template) (*Library, error) {
	lib := &Library{templates: make(map[Key]*compiled, len(keySpecs))}

	for key, ks := range keySpecs {
		tmpl, ok := raw[key]
		if !ok {
			return nil, fmt.Errorf("prompt library: missing template for key %q", key)
		}
		if strings.TrimSpace(tmpl.User) == "" {
			return nil, fmt.Errorf("prompt library: template %q has an empty user body", key)
		}

		c := &compiled{shape: ks.shape, vars: ks.vars}

		var err error
		if tmpl.System != "" {
			c.system, err = parse(string(key)+".system", tmpl.System)
			if err != nil {
				return nil, err
			}
		}
		c.user, err = parse(string(key)+".user", tmpl.User)
		if err != nil {
			return nil, err
		}

		if err := c.renderCheck(); err != nil {
			return nil, fmt.Errorf("prompt library: template %q failed validation: %w", key, err)
		}

		lib.templates[key] = c
	}

	return lib, nil
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("prompt library: template %s does not parse: %w", name, err)
	}
	return t, nil
}

// renderCheck executes the template against sample values for exactly
// the declared variables. Unknown references fail here, at load time.
func (c *compiled) renderCheck() error {
	sample := make(Vars, len(c.vars))
	for _, name := range c.vars {
		sample[name] = sampleValue(name)
	}
	var sb strings.Builder
	if c.system != nil {
		if err := c.system.Execute(&sb, sample); err != nil {
			return err
		}
	}
	return c.user.Execute(&sb, sample)
}

// sampleValue picks a validation stand-in with the type the engine
// passes at runtime, so printf verbs in templates stay checkable.
func sampleValue(name string) any {
	switch name {
	case "depth_score":
		return 2.5
	case "count":
		return 2
	default:
		return "sample"
	}
}

// Render substitutes vars into the key's templates. Every declared
// variable must be present; extraneous vars are ignored by text/template.
func (l *Library) Render(key Key, vars Vars) (Prompt, error) {
	c, ok := l.templates[key]
	if !ok {
		return Prompt{}, fmt.Errorf("prompt library: unknown key %q", key)
	}

	var p Prompt
	if c.system != nil {
		var sb strings.Builder
		if err := c.system.Execute(&sb, vars); err != nil {
			return Prompt{}, fmt.Errorf("prompt library: render %s.system: %w", key, err)
		}
		p.System = sb.String()
	}

	var ub strings.Builder
	if err := c.user.Execute(&ub, vars); err != nil {
		return Prompt{}, fmt.Errorf("prompt library: render %s.user: %w", key, err)
	}
	p.User = ub.String()

	return p, nil
}

// Shape returns the declared output shape for a key.
func (l *Library) Shape(key Key) Shape {
	if c, ok := l.templates[key]; ok {
		return c.shape
	}
	return ""
}

// Keys returns every key in the library, sorted.
func (l *Library) Keys() []Key {
	keys := make([]Key, 0, len(l.templates))
	for k := range l.templates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
