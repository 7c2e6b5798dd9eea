package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/revisit/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "sub", "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStorage_Users(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	u := &models.User{ID: "u1", Email: "a@example.com", Name: "A"}
	if err := store.UpsertUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	if u.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
	created := u.CreatedAt

	// Upsert with empty fields keeps stored profile.
	again := &models.User{ID: "u1"}
	if err := store.UpsertUser(ctx, again); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "a@example.com" || got.Name != "A" {
		t.Errorf("profile overwritten: %+v", got)
	}
	if !again.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed: %v != %v", again.CreatedAt, created)
	}

	if _, err := store.GetUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n, _ := store.CountUsers(ctx); n != 1 {
		t.Errorf("CountUsers = %d", n)
	}
	_ = store.UpsertUser(ctx, &models.User{ID: "u0"})
	ids, err := store.ListUserIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "u0" || ids[1] != "u1" {
		t.Errorf("ListUserIDs = %v", ids)
	}
	if err := store.UpsertUser(ctx, &models.User{}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestSQLiteStorage_PageVisits(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	for _, id := range []string{"u1", "u2"} {
		if err := store.UpsertUser(ctx, &models.User{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	visited := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	p := &models.PageVisit{UserID: "u1", URL: "https://a.com", Title: "A", Content: "first", VisitedAt: visited}
	if err := store.UpsertPageVisit(ctx, p); err != nil {
		t.Fatal(err)
	}
	if p.ID == "" {
		t.Fatal("ID should be assigned")
	}
	firstID := p.ID

	// Same user and url updates in place.
	p2 := &models.PageVisit{UserID: "u1", URL: "https://a.com", Title: "A2", Content: "second", VisitedAt: visited.Add(time.Hour)}
	if err := store.UpsertPageVisit(ctx, p2); err != nil {
		t.Fatal(err)
	}
	if p2.ID != firstID {
		t.Errorf("ID changed on upsert: %s != %s", p2.ID, firstID)
	}
	got, err := store.GetPageVisit(ctx, "u1", "https://a.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "A2" || got.Content != "second" || !got.VisitedAt.Equal(visited.Add(time.Hour)) {
		t.Errorf("got %+v", got)
	}

	// Same url for another user is a separate row.
	if err := store.UpsertPageVisit(ctx, &models.PageVisit{UserID: "u2", URL: "https://a.com", Title: "B"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.CountPageVisits(ctx, ""); n != 2 {
		t.Errorf("CountPageVisits(all) = %d, want 2", n)
	}
	if n, _ := store.CountPageVisits(ctx, "u1"); n != 1 {
		t.Errorf("CountPageVisits(u1) = %d, want 1", n)
	}
	if _, err := store.GetPageVisit(ctx, "u1", "https://missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStorage_GetPageVisitsKeepsOrder(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	_ = store.UpsertUser(ctx, &models.User{ID: "u1"})
	_ = store.UpsertUser(ctx, &models.User{ID: "u2"})
	for _, url := range []string{"a", "b", "c"} {
		if err := store.UpsertPageVisit(ctx, &models.PageVisit{UserID: "u1", URL: url, Title: url}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpsertPageVisit(ctx, &models.PageVisit{UserID: "u2", URL: "d"}); err != nil {
		t.Fatal(err)
	}

	pages, err := store.GetPageVisits(ctx, "u1", []string{"c", "x", "a", "d", "c"})
	if err != nil {
		t.Fatal(err)
	}
	var urls []string
	for _, p := range pages {
		urls = append(urls, p.URL)
	}
	if len(urls) != 2 || urls[0] != "c" || urls[1] != "a" {
		t.Errorf("got %v, want [c a]", urls)
	}

	empty, err := store.GetPageVisits(ctx, "u1", nil)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("empty input: %v, %v", empty, err)
	}
}

func TestSQLiteStorage_ListPageVisits(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	_ = store.UpsertUser(ctx, &models.User{ID: "u1"})
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, url := range []string{"old", "mid", "new"} {
		v := &models.PageVisit{UserID: "u1", URL: url, VisitedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.UpsertPageVisit(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	pages, err := store.ListPageVisits(ctx, "u1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 || pages[0].URL != "new" || pages[1].URL != "mid" {
		t.Errorf("unexpected order: %+v", pages)
	}
}

func TestSQLiteStorage_ForeignKey(t *testing.T) {
	store := newTestStorage(t)
	err := store.UpsertPageVisit(context.Background(), &models.PageVisit{UserID: "ghost", URL: "a"})
	if err == nil {
		t.Error("expected foreign key violation for unknown user")
	}
}
