// Package search scopes the vector store to owners: it composes owner keys on
// insert and restricts and strips them on query.
package search

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyperjump/revisit/internal/vector"
)

const tracerName = "github.com/hyperjump/revisit/internal/search"

// ErrInvalidKey is matched by every InvalidKeyError.
var ErrInvalidKey = errors.New("invalid key")

// InvalidKeyError reports an owner ID or URL that cannot form a key.
type InvalidKeyError struct {
	Reason string
}

func (e *InvalidKeyError) Error() string { return "invalid key: " + e.Reason }

func (e *InvalidKeyError) Is(target error) bool { return target == ErrInvalidKey }

// OwnerKey composes the store key for url under ownerID.
func OwnerKey(ownerID, url string) string {
	return ownerID + vector.KeySeparator + url
}

// SplitKey splits a store key at the first separator.
func SplitKey(key string) (ownerID, url string, ok bool) {
	ownerID, url, ok = strings.Cut(key, vector.KeySeparator)
	if !ok || ownerID == "" {
		return "", "", false
	}
	return ownerID, url, true
}

// ValidateOwner rejects owner IDs that cannot be scoped safely. An owner ID
// containing the separator would be a prefix of another owner's keys.
func ValidateOwner(ownerID string) error {
	if ownerID == "" {
		return &InvalidKeyError{Reason: "empty owner id"}
	}
	if strings.Contains(ownerID, vector.KeySeparator) {
		return &InvalidKeyError{Reason: "owner id must not contain " + vector.KeySeparator}
	}
	return nil
}

// Hit is a search result with the owner prefix removed.
type Hit struct {
	URL        string  `json:"url"`
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
}

// Service is the owner-scoped entry point to a vector.Store.
type Service struct {
	store  *vector.Store
	tracer trace.Tracer
}

// NewService wraps store.
func NewService(store *vector.Store) *Service {
	return &Service{store: store, tracer: otel.Tracer(tracerName)}
}

// Store returns the underlying store.
func (s *Service) Store() *vector.Store { return s.store }

// Add stores vec for url under ownerID.
func (s *Service) Add(ctx context.Context, ownerID, url string, vec []float32) (err error) {
	ctx, span := s.tracer.Start(ctx, "search.Add", trace.WithAttributes(
		attribute.String("owner.id", ownerID),
		attribute.Int("vector.dim", len(vec)),
	))
	defer func() { end(span, err) }()

	if err := ValidateOwner(ownerID); err != nil {
		return err
	}
	if url == "" {
		return &InvalidKeyError{Reason: "empty url"}
	}
	return s.store.Add(ctx, OwnerKey(ownerID, url), vec)
}

// Count returns the number of entries stored for ownerID.
func (s *Service) Count(ownerID string) (int, error) {
	if err := ValidateOwner(ownerID); err != nil {
		return 0, err
	}
	return s.store.OwnerLen(ownerID), nil
}

// Search returns the URLs of ownerID's k nearest entries to query, nearest first.
func (s *Service) Search(ctx context.Context, ownerID string, query []float32, k int) ([]string, error) {
	hits, err := s.SearchHits(ctx, ownerID, query, k)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(hits))
	for i, h := range hits {
		urls[i] = h.URL
	}
	return urls, nil
}

// SearchHits is Search with distances.
func (s *Service) SearchHits(ctx context.Context, ownerID string, query []float32, k int) (hits []Hit, err error) {
	ctx, span := s.tracer.Start(ctx, "search.Search", trace.WithAttributes(
		attribute.String("owner.id", ownerID),
		attribute.Int("k", k),
	))
	defer func() {
		span.SetAttributes(attribute.Int("results", len(hits)))
		end(span, err)
	}()

	if err := ValidateOwner(ownerID); err != nil {
		return nil, err
	}
	found, err := s.store.Search(ctx, query, k, vector.OwnerFilter(ownerID))
	if err != nil {
		return nil, err
	}
	prefix := ownerID + vector.KeySeparator
	hits = make([]Hit, len(found))
	for i, h := range found {
		hits[i] = Hit{
			URL:        strings.TrimPrefix(h.Key, prefix),
			Distance:   h.Distance,
			Similarity: h.Similarity(),
		}
	}
	return hits, nil
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
