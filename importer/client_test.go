package importer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/import", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/work/abc/book.m4b", req.SourcePath)
		assert.Equal(t, "author/book", req.CatalogKey)
		assert.True(t, req.Move)

		json.NewEncoder(w).Encode(Response{FinalPath: "/library/author/book.m4b"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	require.NoError(t, err)

	finalPath, err := client.Import(context.Background(), "/work/abc/book.m4b", "author/book", true)
	require.NoError(t, err)
	assert.Equal(t, "/library/author/book.m4b", finalPath)
}

func TestImport_CollaboratorError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Error: "no metadata match"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	require.NoError(t, err)

	_, err = client.Import(context.Background(), "/work/abc/book.m4b", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no metadata match")
}

func TestImport_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	require.NoError(t, err)

	_, err = client.Import(context.Background(), "/work/abc/book.m4b", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestImport_EmptyFinalPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	require.NoError(t, err)

	_, err = client.Import(context.Background(), "/work/abc/book.m4b", "", false)
	require.Error(t, err)
}
