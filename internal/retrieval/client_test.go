// ABOUTME: Tests for the retrieval capability client
// ABOUTME: Verifies request shape and failure reporting

package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrieve_ReturnsSnippets(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(searchResponse{Snippets: []string{"one", "two"}})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Limit: 5}, nil)

	snippets, err := c.Retrieve(context.Background(), "deductions")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, snippets)
	assert.Equal(t, "deductions", got.Query)
	assert.Equal(t, 5, got.Limit)
}

func TestRetrieve_EmptyResultIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchResponse{})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)

	snippets, err := c.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestRetrieve_ServerErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)

	_, err := c.Retrieve(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
