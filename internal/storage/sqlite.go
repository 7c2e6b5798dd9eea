package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/revisit/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		picture TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS page_visits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		visited_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_page_visits_user_url ON page_visits(user_id, url);
	CREATE INDEX IF NOT EXISTS idx_page_visits_visited_at ON page_visits(user_id, visited_at);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertUser inserts the user or, if it exists, fills in any profile fields
// that are non-empty in user. CreatedAt is set from the stored row.
func (s *SQLiteStorage) UpsertUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, picture, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
			picture = CASE WHEN excluded.picture != '' THEN excluded.picture ELSE users.picture END`,
		user.ID, user.Email, user.Name, user.Picture, s.now().UTC(),
	)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `SELECT created_at FROM users WHERE id = ?`, user.ID).Scan(&user.CreatedAt)
}

// GetUser returns a user by ID.
func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, picture, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Picture, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CountUsers returns the total number of users.
func (s *SQLiteStorage) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// ListUserIDs returns every user ID in ascending order.
func (s *SQLiteStorage) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertPageVisit stores visit. ID, CreatedAt and UpdatedAt are set on visit
// from the stored row.
func (s *SQLiteStorage) UpsertPageVisit(ctx context.Context, visit *models.PageVisit) error {
	if visit.UserID == "" || visit.URL == "" {
		return fmt.Errorf("page visit needs user id and url")
	}
	now := s.now().UTC()
	if visit.VisitedAt.IsZero() {
		visit.VisitedAt = now
	}
	id := visit.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO page_visits (id, user_id, url, title, content, visited_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, url) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			visited_at = excluded.visited_at,
			updated_at = excluded.updated_at`,
		id, visit.UserID, visit.URL, visit.Title, visit.Content, visit.VisitedAt.UTC(), now, now,
	)
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM page_visits WHERE user_id = ? AND url = ?`,
		visit.UserID, visit.URL,
	).Scan(&visit.ID, &visit.CreatedAt, &visit.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const pageColumns = `id, user_id, url, title, content, visited_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPage(row scanner) (*models.PageVisit, error) {
	var p models.PageVisit
	err := row.Scan(&p.ID, &p.UserID, &p.URL, &p.Title, &p.Content, &p.VisitedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPageVisit returns the visit of url by userID.
func (s *SQLiteStorage) GetPageVisit(ctx context.Context, userID, url string) (*models.PageVisit, error) {
	p, err := scanPage(s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM page_visits WHERE user_id = ? AND url = ?`, userID, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("page %s: %w", url, ErrNotFound)
	}
	return p, err
}

// GetPageVisits returns userID's visits for urls in the order given. URLs the
// user never stored are skipped, as are repeats.
func (s *SQLiteStorage) GetPageVisits(ctx context.Context, userID string, urls []string) ([]*models.PageVisit, error) {
	if len(urls) == 0 {
		return []*models.PageVisit{}, nil
	}
	args := make([]any, 0, len(urls)+1)
	args = append(args, userID)
	for _, u := range urls {
		args = append(args, u)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(urls)), ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM page_visits WHERE user_id = ? AND url IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byURL := make(map[string]*models.PageVisit, len(urls))
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		byURL[p.URL] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.PageVisit, 0, len(byURL))
	for _, u := range urls {
		if p, ok := byURL[u]; ok {
			out = append(out, p)
			delete(byURL, u)
		}
	}
	return out, nil
}

// ListPageVisits returns userID's visits, most recent first.
func (s *SQLiteStorage) ListPageVisits(ctx context.Context, userID string, offset, limit int) ([]*models.PageVisit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM page_visits WHERE user_id = ?
		 ORDER BY visited_at DESC, url LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*models.PageVisit
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// CountPageVisits returns the number of visits for userID, or of all users
// when userID is empty.
func (s *SQLiteStorage) CountPageVisits(ctx context.Context, userID string) (int64, error) {
	var count int64
	var err error
	if userID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM page_visits`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM page_visits WHERE user_id = ?`, userID).Scan(&count)
	}
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
