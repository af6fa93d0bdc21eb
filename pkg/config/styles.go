package config

import (
	"fmt"
	"sort"
	"sync"

	"dario.cat/mergo"
)

// Built-in style names. The registry may carry more if the YAML adds them.
const (
	StyleShortPost = "short_post"
	StyleLongPost  = "long_post"
	StyleBlogPost  = "blog_post"
)

// StyleConfig defines one output style for final story assembly.
type StyleConfig struct {
	// MaxTokens is the completion budget for a story in this style.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Guidance is prose handed to the assembly prompt describing the
	// shape of the output.
	Guidance string `yaml:"guidance,omitempty"`
}

// builtinStyles returns the default style table. User YAML entries merge
// on top of these per-field.
func builtinStyles() map[string]StyleConfig {
	return map[string]StyleConfig{
		StyleShortPost: {
			MaxTokens: 1024,
			Guidance:  "A tight social post. One scene, one beat, a closing line that lands. No headers, no lists.",
		},
		StyleLongPost: {
			MaxTokens: 2048,
			Guidance:  "A longer-form post. Open on the hook, build through the anecdote, land on the call to action.",
		},
		StyleBlogPost: {
			MaxTokens: 4096,
			Guidance:  "A full blog piece. Section breaks are fine; keep the narrative arc in front at all times.",
		},
	}
}

// mergeStyles merges built-in and user-defined style configurations.
// A user entry with the same name overrides the built-in per-field, so
// a style can change its token budget without restating its guidance.
func mergeStyles(builtin map[string]StyleConfig, user map[string]StyleConfig) (map[string]*StyleConfig, error) {
	result := make(map[string]*StyleConfig, len(builtin)+len(user))

	for name, style := range builtin {
		styleCopy := style
		result[name] = &styleCopy
	}

	for name, userStyle := range user {
		if base, ok := result[name]; ok {
			merged := *base
			if err := mergo.Merge(&merged, userStyle, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge style %q: %w", name, err)
			}
			result[name] = &merged
			continue
		}
		styleCopy := userStyle
		result[name] = &styleCopy
	}

	return result, nil
}

// StyleRegistry stores style configurations in memory with thread-safe access
type StyleRegistry struct {
	styles map[string]*StyleConfig
	mu     sync.RWMutex
}

// NewStyleRegistry creates a new style registry
func NewStyleRegistry(styles map[string]*StyleConfig) *StyleRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*StyleConfig, len(styles))
	for k, v := range styles {
		copied[k] = v
	}
	return &StyleRegistry{
		styles: copied,
	}
}

// Get retrieves a style configuration by name (thread-safe)
func (r *StyleRegistry) Get(name string) (*StyleConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	style, exists := r.styles[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStyleNotFound, name)
	}
	return style, nil
}

// GetAll returns all style configurations (thread-safe, returns copy)
func (r *StyleRegistry) GetAll() map[string]*StyleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*StyleConfig, len(r.styles))
	for k, v := range r.styles {
		result[k] = v
	}
	return result
}

// Has checks if a style exists in the registry (thread-safe)
func (r *StyleRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.styles[name]
	return exists
}

// Len returns the number of styles in the registry (thread-safe)
func (r *StyleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.styles)
}

// Names returns all style names in sorted order (thread-safe)
func (r *StyleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.styles))
	for name := range r.styles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
