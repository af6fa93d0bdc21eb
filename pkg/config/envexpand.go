package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in storyloom.yaml using Go
// templates. Uses {{.VAR_NAME}} syntax to avoid collision with $ in
// literal values.
//
// Only storyloom.yaml is expanded. prompts.yaml is never passed through
// here: prompt bodies are themselves Go templates, and expansion would
// zero out their {{.core_idea}}-style placeholders.
//
// Examples:
//   - {{.LLM_BASE_URL}} → value of LLM_BASE_URL environment variable
//   - {{.PG_HOST}}:{{.PG_PORT}} → hostname:port with both variables expanded
//
// Missing variables expand to empty string (unless template is malformed).
// Validation should catch required fields that are empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// If template parsing fails, return original data
		// This allows YAML without any template syntax to pass through
		return data
	}

	// Build environment map for template
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on first = to handle values with = in them
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			key := env[:idx]
			value := env[idx+1:]
			envMap[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		// If execution fails, return original data
		return data
	}

	return buf.Bytes()
}
