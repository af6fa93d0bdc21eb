package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateSession(); err != nil {
		return err
	}
	if err := v.validateLLM(); err != nil {
		return err
	}
	if err := v.validateVector(); err != nil {
		return err
	}
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateStorage(); err != nil {
		return err
	}
	if err := v.validateRetention(); err != nil {
		return err
	}
	return v.validateStyles()
}

func (v *ConfigValidator) validateSession() error {
	s := v.cfg.Session
	if s.TTL <= 0 {
		return NewValidationError("section", "session", "ttl", fmt.Errorf("must be positive, got %s", s.TTL))
	}
	if s.MinCoreIdeaChars < 1 {
		return NewValidationError("section", "session", "min_core_idea_chars", fmt.Errorf("must be at least 1"))
	}
	if s.DepthCutoff < 0 || s.DepthCutoff > 5 {
		return NewValidationError("section", "session", "depth_cutoff", fmt.Errorf("must be within [0, 5], got %g", s.DepthCutoff))
	}
	if s.HookRetries < 0 {
		return NewValidationError("section", "session", "hook_retries", fmt.Errorf("must not be negative"))
	}
	if s.CTARetries < 0 {
		return NewValidationError("section", "session", "cta_retries", fmt.Errorf("must not be negative"))
	}
	return nil
}

func (v *ConfigValidator) validateLLM() error {
	l := v.cfg.LLM
	if l.Model == "" {
		return NewValidationError("section", "llm", "model", fmt.Errorf("model required"))
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return NewValidationError("section", "llm", "temperature", fmt.Errorf("must be within [0, 2], got %g", l.Temperature))
	}
	if l.Timeout <= 0 {
		return NewValidationError("section", "llm", "timeout", fmt.Errorf("must be positive, got %s", l.Timeout))
	}
	if l.Retries < 0 {
		return NewValidationError("section", "llm", "retries", fmt.Errorf("must not be negative"))
	}
	if l.MaxInflight < 1 {
		return NewValidationError("section", "llm", "max_inflight", fmt.Errorf("must be at least 1"))
	}
	if l.AdmissionTimeout <= 0 {
		return NewValidationError("section", "llm", "admission_timeout", fmt.Errorf("must be positive, got %s", l.AdmissionTimeout))
	}
	return nil
}

func (v *ConfigValidator) validateVector() error {
	vec := v.cfg.Vector
	if !vec.Backend.IsValid() {
		return NewValidationError("section", "vector", "backend", fmt.Errorf("invalid backend: %s", vec.Backend))
	}
	if vec.TopK < 1 {
		return NewValidationError("section", "vector", "top_k", fmt.Errorf("must be at least 1"))
	}
	if vec.Backend == VectorBackendPgvector && vec.EmbeddingModel == "" {
		return NewValidationError("section", "vector", "embedding_model", fmt.Errorf("embedding model required for pgvector backend"))
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return NewValidationError("section", "server", "http_port", fmt.Errorf("must be within [1, 65535], got %d", s.HTTPPort))
	}
	if s.RequestTimeout <= 0 {
		return NewValidationError("section", "server", "request_timeout", fmt.Errorf("must be positive, got %s", s.RequestTimeout))
	}
	return nil
}

func (v *ConfigValidator) validateStorage() error {
	if !v.cfg.Storage.Backend.IsValid() {
		return NewValidationError("section", "storage", "backend", fmt.Errorf("invalid backend: %s", v.cfg.Storage.Backend))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r.SweepInterval <= 0 {
		return NewValidationError("section", "retention", "sweep_interval", fmt.Errorf("must be positive, got %s", r.SweepInterval))
	}
	if r.TerminalRetention <= 0 {
		return NewValidationError("section", "retention", "terminal_retention", fmt.Errorf("must be positive, got %s", r.TerminalRetention))
	}
	if r.PurgeInterval <= 0 {
		return NewValidationError("section", "retention", "purge_interval", fmt.Errorf("must be positive, got %s", r.PurgeInterval))
	}
	return nil
}

func (v *ConfigValidator) validateStyles() error {
	for name, style := range v.cfg.Styles.GetAll() {
		if style.MaxTokens < 1 {
			return NewValidationError("style", name, "max_tokens", fmt.Errorf("must be at least 1"))
		}
	}
	return nil
}
