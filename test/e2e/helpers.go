package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// StartStory posts a core idea and returns the parsed turn response.
func (app *TestApp) StartStory(t *testing.T, coreIdea string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/conversation/start",
		map[string]interface{}{"core_idea": coreIdea}, http.StatusCreated)
}

// ContinueStory sends the next user message for a session.
func (app *TestApp) ContinueStory(t *testing.T, sessionID, message string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/conversation/continue/"+sessionID,
		map[string]interface{}{"message": message}, http.StatusOK)
}

// SelectOption picks a numbered hook or CTA candidate.
func (app *TestApp) SelectOption(t *testing.T, sessionID, optionType string, index int) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/conversation/select-option/"+sessionID,
		map[string]interface{}{"option_type": optionType, "option_index": index}, http.StatusOK)
}

// GenerateFinal assembles the finished story in the given style.
func (app *TestApp) GenerateFinal(t *testing.T, sessionID, style string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/conversation/generate-final/"+sessionID,
		map[string]interface{}{"style": style}, http.StatusOK)
}

// SessionView retrieves the live session document.
func (app *TestApp) SessionView(t *testing.T, sessionID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/conversation/session/"+sessionID, http.StatusOK)
}

// ExportSession retrieves the export view, which serves terminal
// sessions the live view refuses.
func (app *TestApp) ExportSession(t *testing.T, sessionID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/conversation/export/"+sessionID, http.StatusOK)
}

// ActiveSessions lists sessions still inside their TTL.
func (app *TestApp) ActiveSessions(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/conversation/sessions/active", http.StatusOK)
}

// GetHealth calls GET /health.
func (app *TestApp) GetHealth(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/health", http.StatusOK)
}

// GetStyles calls GET /styles.
func (app *TestApp) GetStyles(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/styles", http.StatusOK)
}

func (app *TestApp) postJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// errKind extracts the kind field from an error envelope.
func errKind(resp map[string]interface{}) string {
	env, _ := resp["error"].(map[string]interface{})
	kind, _ := env["kind"].(string)
	return kind
}

// errMessage extracts the message field from an error envelope.
func errMessage(resp map[string]interface{}) string {
	env, _ := resp["error"].(map[string]interface{})
	msg, _ := env["message"].(string)
	return msg
}
