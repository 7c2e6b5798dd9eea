package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/revisit/internal/embedding"
	"github.com/hyperjump/revisit/internal/fs"
	"github.com/hyperjump/revisit/internal/models"
	"github.com/hyperjump/revisit/internal/persist"
	"github.com/hyperjump/revisit/internal/search"
	"github.com/hyperjump/revisit/internal/storage"
	"github.com/hyperjump/revisit/internal/vector"
)

const testDim = 16

type failingEmbedder struct{ *embedding.MockEmbedder }

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("quota exceeded")
}

type testEnv struct {
	idx    *Indexer
	store  *storage.SQLiteStorage
	svc    *search.Service
	faulty *fs.FaultyFS
}

func newTestEnv(t *testing.T, emb embedding.Embedder) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	faulty := fs.NewFaultyFS(nil)
	m, err := persist.New(filepath.Join(dir, "index"), persist.WithFileSystem(faulty))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	vs, err := vector.Open(vector.Options{Dimension: testDim}, m)
	require.NoError(t, err)
	svc := search.NewService(vs)

	if emb == nil {
		emb = embedding.NewMockEmbedder(testDim)
	}
	clock := func() time.Time { return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC) }
	idx := NewIndexer(store, emb, svc, WithLogger(zap.NewNop()), WithClock(clock))
	return &testEnv{idx: idx, store: store, svc: svc, faulty: faulty}
}

func (e *testEnv) addUser(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.store.UpsertUser(context.Background(), &models.User{ID: id}))
}

func TestIndexPageVisit_StoresAndEmbeds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "u1")
	ctx := context.Background()

	res, err := env.idx.IndexPageVisit(ctx, "u1", &models.PageVisitInput{
		URL:       "https://go.dev/doc",
		Title:     "Go docs",
		Content:   "Documentation   for the Go language. Accept all cookies please",
		Timestamp: "2025-07-01T09:00:00Z",
	})
	require.NoError(t, err)
	assert.True(t, res.Embedded)
	assert.Equal(t, models.StatusStoredAndEmbedded, res.Status())
	assert.NotEmpty(t, res.Visit.ID)

	page, err := env.store.GetPageVisit(ctx, "u1", "https://go.dev/doc")
	require.NoError(t, err)
	assert.Equal(t, "Go docs", page.Title)
	assert.True(t, page.VisitedAt.Equal(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)))

	assert.Equal(t, 1, env.svc.Store().Len())
	hits, err := env.idx.Query(ctx, "u1", "Documentation for the Go language.", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "https://go.dev/doc", hits[0].URL)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
}

func TestIndexPageVisit_EmbeddingFailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t, failingEmbedder{embedding.NewMockEmbedder(testDim)})
	env.addUser(t, "u1")

	res, err := env.idx.IndexPageVisit(context.Background(), "u1", &models.PageVisitInput{URL: "https://a.com", Content: "text"})
	require.NoError(t, err)
	assert.False(t, res.Embedded)
	assert.Equal(t, models.StatusStored, res.Status())
	assert.ErrorContains(t, res.EmbedErr, "quota exceeded")
	assert.Equal(t, 0, env.svc.Store().Len())

	n, err := env.store.CountPageVisits(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIndexPageVisit_PersistenceFailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "u1")
	env.faulty.AddRule(persist.CurrentFileName, fs.Fault{FailAfterBytes: -1, FailOnRename: true})

	res, err := env.idx.IndexPageVisit(context.Background(), "u1", &models.PageVisitInput{URL: "https://a.com", Content: "text"})
	require.NoError(t, err)
	assert.False(t, res.Embedded)
	assert.ErrorIs(t, res.EmbedErr, vector.ErrPersistence)
	assert.Equal(t, 0, env.svc.Store().Len())
}

func TestIndexPageVisit_FallsBackToTitle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "u1")
	ctx := context.Background()

	res, err := env.idx.IndexPageVisit(ctx, "u1", &models.PageVisitInput{URL: "https://a.com", Title: "Only a title", Content: "Accept all cookies"})
	require.NoError(t, err)
	assert.True(t, res.Embedded)

	hits, err := env.idx.Query(ctx, "u1", "Only a title", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
}

func TestIndexPageVisit_InvalidInput(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "u1")
	ctx := context.Background()

	_, err := env.idx.IndexPageVisit(ctx, "u1", &models.PageVisitInput{URL: ""})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.idx.IndexPageVisit(ctx, "u1", &models.PageVisitInput{URL: "https://a.com", Timestamp: "soon"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.idx.IndexPageVisit(ctx, "bad:owner", &models.PageVisitInput{URL: "https://a.com"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.idx.Query(ctx, "u1", "  ", 1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestQuery_OwnerIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addUser(t, "alice")
	env.addUser(t, "bob")
	ctx := context.Background()

	_, err := env.idx.IndexPageVisit(ctx, "alice", &models.PageVisitInput{URL: "https://alice.dev", Content: "shared words"})
	require.NoError(t, err)
	_, err = env.idx.IndexPageVisit(ctx, "bob", &models.PageVisitInput{URL: "https://bob.dev", Content: "shared words"})
	require.NoError(t, err)

	hits, err := env.idx.Query(ctx, "alice", "shared words", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "https://alice.dev", hits[0].URL)
}

func TestReindex(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.addUser(t, "u1")
	env.addUser(t, "u2")
	for _, p := range []*models.PageVisit{
		{UserID: "u1", URL: "a", Content: "alpha"},
		{UserID: "u1", URL: "b", Content: "beta"},
		{UserID: "u1", URL: "c", Content: ""},
		{UserID: "u2", URL: "d", Content: "delta"},
	} {
		require.NoError(t, env.store.UpsertPageVisit(ctx, p))
	}

	n, err := env.idx.Reindex(ctx, "", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "page without content or title is skipped")
	assert.Equal(t, 3, env.svc.Store().Len())
	assert.Equal(t, 2, env.svc.Store().Owners())

	hits, err := env.idx.Query(ctx, "u2", "delta", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d", hits[0].URL)
}
