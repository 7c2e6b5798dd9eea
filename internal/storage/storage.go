// Package storage persists page-visit metadata and users.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/revisit/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines user and page-visit persistence operations.
type Storage interface {
	// User operations
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	CountUsers(ctx context.Context) (int64, error)
	ListUserIDs(ctx context.Context) ([]string, error)

	// Page visit operations. A visit is unique per (user, url); storing it
	// again updates title, content and visit time and keeps the ID.
	UpsertPageVisit(ctx context.Context, visit *models.PageVisit) error
	GetPageVisit(ctx context.Context, userID, url string) (*models.PageVisit, error)
	GetPageVisits(ctx context.Context, userID string, urls []string) ([]*models.PageVisit, error)
	ListPageVisits(ctx context.Context, userID string, offset, limit int) ([]*models.PageVisit, error)
	// CountPageVisits counts one user's visits, or all visits when userID is empty.
	CountPageVisits(ctx context.Context, userID string) (int64, error)

	Close() error
}
