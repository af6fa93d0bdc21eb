package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load builds the library from the builtin templates plus an optional
// overlay file (conventionally prompts.yaml). A missing file is not an
// error: the builtins serve as-is. The overlay is decoded strictly and
// is never environment-expanded, because template bodies are themselves
// Go templates.
//
// Overlay entries replace per field: a non-empty system or user body
// replaces the builtin one, an omitted field keeps it.
func Load(path string) (*Library, error) {
	raw := builtinTemplates()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No prompt overlay found, using builtin templates", "path", path)
			return build(raw)
		}
		return nil, fmt.Errorf("prompt library: failed to read %s: %w", path, err)
	}

	overlay, err := decodeOverlay(data)
	if err != nil {
		return nil, fmt.Errorf("prompt library: failed to parse %s: %w", path, err)
	}

	overridden := make([]string, 0, len(overlay))
	for key, tmpl := range overlay {
		base := raw[key]
		if tmpl.System != "" {
			base.System = tmpl.System
		}
		if tmpl.User != "" {
			base.User = tmpl.User
		}
		raw[key] = base
		overridden = append(overridden, string(key))
	}
	if len(overridden) > 0 {
		slog.Info("Loaded prompt overlay", "path", path, "overridden", overridden)
	}

	return build(raw)
}

// decodeOverlay parses the overlay strictly. Unknown template names and
// unknown fields inside an entry are errors so a typo'd override fails
// startup instead of silently leaving the builtin in place.
func decodeOverlay(data []byte) (map[Key]Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	decoded := make(map[Key]Template)
	if err := dec.Decode(&decoded); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	for key := range decoded {
		if _, ok := keySpecs[key]; !ok {
			return nil, fmt.Errorf("unknown template key %q", key)
		}
	}
	return decoded, nil
}
