package config

import (
	"fmt"
	"os"
)

// Secret environment variables. Values are read once at startup and must
// never reach logs; log presence booleans instead.
const (
	// EnvLLMAPIKey is the chat/embedding provider API key. Always required.
	EnvLLMAPIKey = "LLM_API_KEY"

	// EnvDatabaseURL is the session store connection string. Required for
	// the postgres storage backend.
	EnvDatabaseURL = "DATABASE_URL"

	// EnvVectorDatabaseURL is the pgvector corpus connection string.
	// Required for the pgvector retrieval backend; falls back to
	// DATABASE_URL when both stores share an instance.
	EnvVectorDatabaseURL = "VECTOR_DATABASE_URL"

	// EnvSTTAPIKey is the speech-to-text provider key. Optional; reserved
	// for voice capture ahead of the text pipeline.
	EnvSTTAPIKey = "STT_API_KEY"
)

// Secrets holds resolved secret material. Do not log this struct or any
// of its fields.
type Secrets struct {
	LLMAPIKey         string
	DatabaseURL       string
	VectorDatabaseURL string
	STTAPIKey         string
}

// LoadSecrets reads secret env variables and checks that everything the
// resolved configuration needs is present. Values are validated for
// presence only; a wrong key surfaces at first use, not at startup.
func LoadSecrets(cfg *Config) (*Secrets, error) {
	s := &Secrets{
		LLMAPIKey:         os.Getenv(EnvLLMAPIKey),
		DatabaseURL:       os.Getenv(EnvDatabaseURL),
		VectorDatabaseURL: os.Getenv(EnvVectorDatabaseURL),
		STTAPIKey:         os.Getenv(EnvSTTAPIKey),
	}

	if s.LLMAPIKey == "" {
		return nil, NewValidationError("secret", EnvLLMAPIKey, "",
			fmt.Errorf("%w: environment variable %s is not set", ErrMissingSecret, EnvLLMAPIKey))
	}
	if cfg.Storage.Backend == StorageBackendPostgres && s.DatabaseURL == "" {
		return nil, NewValidationError("secret", EnvDatabaseURL, "",
			fmt.Errorf("%w: environment variable %s is required for the postgres storage backend", ErrMissingSecret, EnvDatabaseURL))
	}
	if cfg.Vector.Backend == VectorBackendPgvector {
		if s.VectorDatabaseURL == "" {
			s.VectorDatabaseURL = s.DatabaseURL
		}
		if s.VectorDatabaseURL == "" {
			return nil, NewValidationError("secret", EnvVectorDatabaseURL, "",
				fmt.Errorf("%w: environment variable %s is required for the pgvector retrieval backend", ErrMissingSecret, EnvVectorDatabaseURL))
		}
	}

	return s, nil
}

// Presence reports which secrets are set, for startup logging.
func (s *Secrets) Presence() map[string]bool {
	return map[string]bool{
		EnvLLMAPIKey:         s.LLMAPIKey != "",
		EnvDatabaseURL:       s.DatabaseURL != "",
		EnvVectorDatabaseURL: s.VectorDatabaseURL != "",
		EnvSTTAPIKey:         s.STTAPIKey != "",
	}
}
