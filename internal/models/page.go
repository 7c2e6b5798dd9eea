// Package models defines the page-visit records and the request and response
// bodies of the HTTP API.
package models

import (
	"fmt"
	"strings"
	"time"
)

// User is an owner of page visits. Users are created on first request.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email,omitempty" db:"email"`
	Name      string    `json:"name,omitempty" db:"name"`
	Picture   string    `json:"picture,omitempty" db:"picture"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PageVisit is the stored metadata of one page for one user. (UserID, URL) is unique.
type PageVisit struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	URL       string    `json:"url" db:"url"`
	Title     string    `json:"title" db:"title"`
	Content   string    `json:"content" db:"content"`
	VisitedAt time.Time `json:"visited_at" db:"visited_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PageVisitInput is the body of POST /api/v1/page_visit.
type PageVisitInput struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Validate checks required fields and parses the timestamp. An empty timestamp
// means now.
func (in *PageVisitInput) Validate(now time.Time) (time.Time, error) {
	in.URL = strings.TrimSpace(in.URL)
	if in.URL == "" {
		return time.Time{}, fmt.Errorf("url cannot be empty")
	}
	ts := strings.TrimSpace(in.Timestamp)
	if ts == "" {
		return now.UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: want ISO 8601", in.Timestamp)
}
