package embedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer mirrors fake_embed_server.py's wire contract: the
// request body is {"inputs": [...]} and the response is a bare JSON
// array of vectors, not a wrapper object.
func newTestServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			resp := make([][]float64, len(req.Inputs))
			for i := range req.Inputs {
				vec := make([]float64, dims)
				for j := range vec {
					vec[j] = float64(j + 1)
				}
				resp[i] = vec
			}
			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestNewProbesHealthAndDimensions(t *testing.T) {
	srv := newTestServer(t, 4)
	defer srv.Close()

	c, err := New(context.Background(), Config{BaseURL: srv.URL, ModelID: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, 4, c.Dimensions())
}

func TestEmbedPassagesBatchesRequests(t *testing.T) {
	srv := newTestServer(t, 3)
	defer srv.Close()

	c, err := New(context.Background(), Config{BaseURL: srv.URL, ModelID: "test-model", BatchSize: 2})
	require.NoError(t, err)

	vecs, err := c.EmbedPassages(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 3)
	}
}

func TestEmbedQueryCachesRepeatedCalls(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			calls++
			json.NewEncoder(w).Encode([][]float64{{1, 2}})
		}
	}))
	defer srv.Close()

	c, err := New(context.Background(), Config{BaseURL: srv.URL, ModelID: "test-model"})
	require.NoError(t, err)
	callsAfterInit := calls

	_, err = c.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	_, err = c.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, callsAfterInit+1, calls)
}

func TestNewReturnsErrorWhenHealthCheckFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(context.Background(), Config{BaseURL: srv.URL, ModelID: "test-model"})
	assert.Error(t, err)
}

// TestDoEmbedWireContractMatchesSpecServer asserts the actual bytes on
// the wire: a {"inputs": [...]} request body with no "model" field, and
// a bare JSON array response (not {"embeddings": [...]}), matching
// fake_embed_server.py and server.py.
func TestDoEmbedWireContractMatchesSpecServer(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[[0.1,0.2,0.3]]`))
		}
	}))
	defer srv.Close()

	c, err := New(context.Background(), Config{BaseURL: srv.URL, ModelID: "test-model"})
	require.NoError(t, err)

	_, hasInputs := gotBody["inputs"]
	assert.True(t, hasInputs, "request body must carry \"inputs\"")
	_, hasModel := gotBody["model"]
	assert.False(t, hasModel, "request body must not carry a \"model\" field")

	vecs, err := c.EmbedPassages(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vecs[0])
}
