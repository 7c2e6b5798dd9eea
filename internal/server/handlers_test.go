package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/revisit/internal/config"
	"github.com/hyperjump/revisit/internal/embedding"
	"github.com/hyperjump/revisit/internal/indexer"
	"github.com/hyperjump/revisit/internal/models"
	"github.com/hyperjump/revisit/internal/persist"
	"github.com/hyperjump/revisit/internal/search"
	"github.com/hyperjump/revisit/internal/storage"
	"github.com/hyperjump/revisit/internal/vector"
)

const testDim = 8

type brokenEmbedder struct{ *embedding.MockEmbedder }

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("upstream unavailable")
}

func newTestServer(t *testing.T, emb embedding.Embedder) (*Server, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DatabasePath = filepath.Join(dir, "db.sqlite")
	cfg.Storage.IndexDir = filepath.Join(dir, "index")
	cfg.Vector.Dimensions = testDim
	cfg.Server.CORSAllowedOrigins = []string{"chrome-extension://revisit"}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	m, err := persist.New(cfg.Storage.IndexDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	vs, err := vector.Open(vector.Options{Dimension: testDim}, m)
	require.NoError(t, err)
	svc := search.NewService(vs)

	if emb == nil {
		emb = embedding.NewMockEmbedder(testDim)
	}
	idx := indexer.NewIndexer(store, emb, svc)
	srv := NewServer(idx, svc, store, m, cfg, zap.NewNop())
	return srv, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	if user != "" {
		r.Header.Set(HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func visit(t *testing.T, h http.Handler, user, url, content string) models.PageVisitResponse {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/page_visit", user, models.PageVisitInput{
		URL: url, Title: "Title of " + url, Content: content, Timestamp: "2025-05-01T12:00:00Z",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out models.PageVisitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func searchURLs(t *testing.T, h http.Handler, user, q string, k int) []string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/semantic_search", user, models.SearchQuery{Q: q, K: k})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out models.SearchResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	urls := make([]string, len(out.Results))
	for i, r := range out.Results {
		urls[i] = r.URL
	}
	return urls
}

func TestHandleHealth(t *testing.T) {
	_, h := newTestServer(t, nil)
	w := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRequireUser(t *testing.T) {
	_, h := newTestServer(t, nil)

	w := do(t, h, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/status", "evil:user", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPageVisitAndSearch(t *testing.T) {
	srv, h := newTestServer(t, nil)

	out := visit(t, h, "alice", "https://go.dev/blog", "gophers and channels")
	assert.Equal(t, models.StatusStoredAndEmbedded, out.Status)
	assert.NotEmpty(t, out.ID)
	visit(t, h, "alice", "https://example.com/cooking", "slow roasted vegetables")

	urls := searchURLs(t, h, "alice", "gophers and channels", 5)
	require.Len(t, urls, 2)
	assert.Equal(t, "https://go.dev/blog", urls[0])

	urls = searchURLs(t, h, "alice", "gophers and channels", 1)
	assert.Equal(t, []string{"https://go.dev/blog"}, urls)

	user, err := srv.storage.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)
}

func TestSemanticSearch_OwnerIsolation(t *testing.T) {
	_, h := newTestServer(t, nil)
	visit(t, h, "alice", "https://alice.example/secret", "private notes")

	assert.Empty(t, searchURLs(t, h, "bob", "private notes", 5))
	assert.Equal(t, []string{"https://alice.example/secret"}, searchURLs(t, h, "alice", "private notes", 5))
}

func TestSemanticSearch_DefaultK(t *testing.T) {
	_, h := newTestServer(t, nil)
	for i := 0; i < 7; i++ {
		visit(t, h, "alice", fmt.Sprintf("https://a.example/%d", i), fmt.Sprintf("page number %d", i))
	}
	assert.Len(t, searchURLs(t, h, "alice", "page", 0), 5)
}

func TestPageVisit_EmbeddingFailureStillStores(t *testing.T) {
	srv, h := newTestServer(t, brokenEmbedder{embedding.NewMockEmbedder(testDim)})
	out := visit(t, h, "alice", "https://a.example", "content")
	assert.Equal(t, models.StatusStored, out.Status)

	n, err := srv.storage.CountPageVisits(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Zero(t, srv.search.Store().Len())
}

func TestBadRequests(t *testing.T) {
	_, h := newTestServer(t, nil)
	tests := []struct {
		name string
		path string
		body any
	}{
		{"malformed page visit", "/api/v1/page_visit", "{not json"},
		{"page visit without url", "/api/v1/page_visit", models.PageVisitInput{Content: "x"}},
		{"bad timestamp", "/api/v1/page_visit", models.PageVisitInput{URL: "https://a", Timestamp: "soon"}},
		{"empty query", "/api/v1/semantic_search", models.SearchQuery{}},
		{"negative k", "/api/v1/semantic_search", models.SearchQuery{Q: "x", K: -2}},
		{"show results not a list", "/api/v1/show_results", `{"url":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, tt.path, "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestShowResults(t *testing.T) {
	_, h := newTestServer(t, nil)
	visit(t, h, "alice", "https://a.example/1", "one")
	visit(t, h, "alice", "https://a.example/2", "two")
	visit(t, h, "bob", "https://b.example/1", "three")

	w := do(t, h, http.MethodPost, "/api/v1/show_results", "alice",
		[]string{"https://a.example/2", "https://b.example/1", "https://a.example/1", "https://missing"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out models.ShowResultsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))

	require.Len(t, out.Results, 2)
	assert.Equal(t, "https://a.example/2", out.Results[0].URL)
	assert.Equal(t, "https://a.example/1", out.Results[1].URL)
	assert.Equal(t, "Title of https://a.example/2", out.Results[0].Title)
	assert.Equal(t, "https://www.google.com/s2/favicons?sz=64&domain=https://a.example/2", out.Results[0].Favicon)
}

func TestHandleStatus(t *testing.T) {
	_, h := newTestServer(t, nil)
	visit(t, h, "alice", "https://a.example/1", "one")
	visit(t, h, "bob", "https://b.example/1", "two")

	w := do(t, h, http.MethodGet, "/api/v1/status", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := w.Body.String()
	var out models.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))

	// Counts cover the caller only; nothing about other users is exposed.
	assert.Equal(t, "alice", out.User)
	assert.EqualValues(t, 1, out.Pages)
	assert.Equal(t, 1, out.Index.Vectors)
	assert.Zero(t, out.Users)
	assert.Zero(t, out.Index.Owners)
	assert.Zero(t, out.DiskUsageBytes)
	assert.Equal(t, testDim, out.Index.Dimension)
	assert.Equal(t, "append", out.Index.Policy)
	assert.EqualValues(t, 2, out.Index.Generation)
	assert.Equal(t, "text-embedding-3-small", out.EmbeddingModel)
	assert.NotContains(t, body, `"users"`)

	w = do(t, h, http.MethodGet, "/api/v1/status", "carol", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Zero(t, out.Pages)
	assert.Zero(t, out.Index.Vectors)
}

func TestStatus_OperatorView(t *testing.T) {
	srv, h := newTestServer(t, nil)
	visit(t, h, "alice", "https://a.example/1", "one")
	visit(t, h, "bob", "https://b.example/1", "two")

	out, err := Status(context.Background(), srv.storage, srv.search, srv.index, srv.config, "")
	require.NoError(t, err)
	assert.Empty(t, out.User)
	assert.EqualValues(t, 2, out.Pages)
	assert.EqualValues(t, 2, out.Users)
	assert.Equal(t, 2, out.Index.Vectors)
	assert.Equal(t, 2, out.Index.Owners)
	assert.Positive(t, out.DiskUsageBytes)
}

func TestCORS(t *testing.T) {
	_, h := newTestServer(t, nil)

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/page_visit", nil)
	r.Header.Set("Origin", "chrome-extension://revisit")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "chrome-extension://revisit", w.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), HeaderUserID))

	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", indexer.ErrInvalidInput), http.StatusBadRequest},
		{&vector.InvalidVectorError{Reason: "zero norm"}, http.StatusBadRequest},
		{&search.InvalidKeyError{Reason: "empty url"}, http.StatusBadRequest},
		{embedding.ErrEmptyInput, http.StatusBadRequest},
		{&vector.PersistenceError{Op: "rename", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{storage.ErrNotFound, http.StatusNotFound},
		{embedding.ErrMissingAPIKey, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
