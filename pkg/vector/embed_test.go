package vector

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmbedder(t *testing.T, model string, handler http.HandlerFunc) *OpenAIEmbedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e, err := NewOpenAIEmbedder("test-key", model, WithEmbedderBaseURL(srv.URL))
	require.NoError(t, err)
	return e
}

func TestNewOpenAIEmbedderRejectsMissingKey(t *testing.T) {
	_, err := NewOpenAIEmbedder("", "text-embedding-3-small")
	require.Error(t, err)
}

func TestEmbedReturnsVector(t *testing.T) {
	var gotModel string
	e := newTestEmbedder(t, "", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
			Input string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel = body.Model
		assert.Equal(t, "old tobacco warehouses on the canal", body.Input)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"object": "list",
			"data": [{"object": "embedding", "index": 0, "embedding": [0.25, -0.5, 1.0]}],
			"model": "text-embedding-3-small",
			"usage": {"prompt_tokens": 6, "total_tokens": 6}
		}`)
	})

	vec, err := e.Embed(t.Context(), "old tobacco warehouses on the canal")
	require.NoError(t, err)

	assert.Equal(t, []float32{0.25, -0.5, 1.0}, vec)
	assert.Equal(t, string(DefaultEmbeddingModel), gotModel, "empty model falls back to the default")
}

func TestEmbedEmptyDataFails(t *testing.T) {
	e := newTestEmbedder(t, "text-embedding-3-small", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object": "list", "data": [], "model": "text-embedding-3-small", "usage": {"prompt_tokens": 0, "total_tokens": 0}}`)
	})

	_, err := e.Embed(t.Context(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty embeddings response")
}

func TestEmbedAPIErrorPropagates(t *testing.T) {
	e := newTestEmbedder(t, "text-embedding-3-small", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "bad key", "type": "invalid_request_error"}}`)
	})

	_, err := e.Embed(t.Context(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector: embed")
}
