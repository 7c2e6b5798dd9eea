// Package indexer ingests page visits: it stores their metadata, embeds their
// cleaned text and adds the vector to the owner's slice of the index.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/revisit/internal/embedding"
	"github.com/hyperjump/revisit/internal/models"
	"github.com/hyperjump/revisit/internal/search"
	"github.com/hyperjump/revisit/internal/storage"
	"github.com/hyperjump/revisit/internal/vector"
)

// ErrInvalidInput is returned for page visits or queries that cannot be processed.
var ErrInvalidInput = errors.New("invalid input")

// Indexer stores page visits and indexes their embeddings.
type Indexer struct {
	storage         storage.Storage
	embedder        embedding.Embedder
	search          *search.Service
	maxContentChars int
	now             func() time.Time
	logger          *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for ingestion events.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithMaxContentChars sets the clip length of cleaned content.
func WithMaxContentChars(n int) IndexerOption {
	return func(idx *Indexer) { idx.maxContentChars = n }
}

// WithClock sets the time source used for visits without a timestamp.
func WithClock(now func() time.Time) IndexerOption {
	return func(idx *Indexer) { idx.now = now }
}

// NewIndexer creates an indexer with the given dependencies.
func NewIndexer(storage storage.Storage, embedder embedding.Embedder, svc *search.Service, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		storage:         storage,
		embedder:        embedder,
		search:          svc,
		maxContentChars: DefaultMaxContentChars,
		now:             time.Now,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Result reports the outcome of a page visit. The visit is stored even when
// embedding fails; EmbedErr then holds the reason.
type Result struct {
	Visit    *models.PageVisit
	Embedded bool
	EmbedErr error
}

// Status returns the API status string for r.
func (r *Result) Status() string {
	if r.Embedded {
		return models.StatusStoredAndEmbedded
	}
	return models.StatusStored
}

// IndexPageVisit stores the visit for userID, then embeds and indexes it.
// Only validation and metadata storage errors are returned; embedding and
// index failures are logged and reported in Result.
func (idx *Indexer) IndexPageVisit(ctx context.Context, userID string, in *models.PageVisitInput) (*Result, error) {
	if err := search.ValidateOwner(userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	visitedAt, err := in.Validate(idx.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	visit := &models.PageVisit{
		UserID:    userID,
		URL:       in.URL,
		Title:     strings.TrimSpace(in.Title),
		Content:   in.Content,
		VisitedAt: visitedAt,
	}
	if err := idx.storage.UpsertPageVisit(ctx, visit); err != nil {
		return nil, fmt.Errorf("failed to store page visit: %w", err)
	}

	res := &Result{Visit: visit}
	if err := idx.embedAndAdd(ctx, visit); err != nil {
		res.EmbedErr = err
		level := zap.WarnLevel
		if errors.Is(err, vector.ErrPersistence) {
			level = zap.ErrorLevel
		}
		idx.logger.Log(level, "page stored without embedding",
			zap.String("user_id", userID), zap.String("url", visit.URL), zap.Error(err))
		return res, nil
	}
	res.Embedded = true
	idx.logger.Debug("page visit indexed", zap.String("user_id", userID), zap.String("url", visit.URL))
	return res, nil
}

func (idx *Indexer) embedAndAdd(ctx context.Context, visit *models.PageVisit) error {
	text := idx.embeddingText(visit)
	if text == "" {
		return embedding.ErrEmptyInput
	}
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := idx.search.Add(ctx, visit.UserID, visit.URL, vec); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return nil
}

// embeddingText is the cleaned content, or the title when nothing is left.
func (idx *Indexer) embeddingText(visit *models.PageVisit) string {
	if text := CleanContent(visit.Content, idx.maxContentChars); text != "" {
		return text
	}
	return CleanContent(visit.Title, idx.maxContentChars)
}

// Query embeds text and returns userID's k nearest pages.
func (idx *Indexer) Query(ctx context.Context, userID, text string, k int) ([]search.Hit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", ErrInvalidInput)
	}
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return idx.search.SearchHits(ctx, userID, vec, k)
}

// Reindex embeds every stored page of userID, or of all users when userID is
// empty, and adds it to the index. It is meant for an empty index, e.g. after
// a reset; with the append policy existing entries would be duplicated.
func (idx *Indexer) Reindex(ctx context.Context, userID string, batchSize int) (n int, err error) {
	if batchSize <= 0 {
		batchSize = 64
	}
	users := []string{userID}
	if userID == "" {
		if users, err = idx.storage.ListUserIDs(ctx); err != nil {
			return 0, fmt.Errorf("failed to list users: %w", err)
		}
	}
	for _, u := range users {
		for offset := 0; ; offset += batchSize {
			pages, err := idx.storage.ListPageVisits(ctx, u, offset, batchSize)
			if err != nil {
				return n, fmt.Errorf("failed to list pages of %s: %w", u, err)
			}
			for _, p := range pages {
				if err := idx.embedAndAdd(ctx, p); err != nil {
					if errors.Is(err, vector.ErrPersistence) || ctx.Err() != nil {
						return n, err
					}
					idx.logger.Warn("skipping page during reindex",
						zap.String("user_id", u), zap.String("url", p.URL), zap.Error(err))
					continue
				}
				n++
			}
			if len(pages) < batchSize {
				break
			}
		}
		idx.logger.Info("user reindexed", zap.String("user_id", u))
	}
	return n, nil
}
