package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/revisit/internal/config"
	"github.com/hyperjump/revisit/internal/embedding"
	"github.com/hyperjump/revisit/internal/indexer"
	"github.com/hyperjump/revisit/internal/persist"
	"github.com/hyperjump/revisit/internal/search"
	"github.com/hyperjump/revisit/internal/storage"
	"github.com/hyperjump/revisit/internal/vector"
)

// Components holds the wired services of a running instance.
type Components struct {
	Storage  storage.Storage
	Embedder embedding.Embedder
	Index    *persist.Manager
	Store    *vector.Store
	Search   *search.Service
	Indexer  *indexer.Indexer
}

func (c *Components) Close() {
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Index != nil {
		_ = c.Index.Close()
	}
}

func newEmbedder(cfg *config.Config, logger *zap.Logger) (embedding.Embedder, error) {
	switch cfg.Embedding.Provider {
	case config.ProviderMock:
		return embedding.NewMockEmbedder(cfg.Vector.Dimensions), nil
	case config.ProviderOpenAI:
		return embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:            cfg.Embedding.APIKey,
			BaseURL:           cfg.Embedding.BaseURL,
			Model:             cfg.Embedding.Model,
			Dimensions:        cfg.Vector.Dimensions,
			MaxInputChars:     cfg.Embedding.MaxInputChars,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
			Burst:             cfg.Embedding.Burst,
			CacheSize:         cfg.Embedding.CacheSize,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embedding.Provider)
	}
}

// openIndex opens the snapshot directory and loads the vector store from it.
// A corrupt index is returned as an error; it must be repaired or reset.
func openIndex(cfg *config.Config, logger *zap.Logger) (*persist.Manager, *vector.Store, error) {
	m, err := persist.New(cfg.Storage.IndexDir, persist.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open index dir: %w", err)
	}
	policy, err := vector.ParseDuplicatePolicy(cfg.Vector.DuplicatePolicy)
	if err != nil {
		_ = m.Close()
		return nil, nil, err
	}
	store, err := vector.Open(vector.Options{Dimension: cfg.Vector.Dimensions, DuplicatePolicy: policy}, m)
	if err != nil {
		_ = m.Close()
		return nil, nil, fmt.Errorf("failed to load vector index: %w", err)
	}
	return m, store, nil
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	c.Embedder, err = newEmbedder(cfg, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	if c.Embedder.Dimensions() != cfg.Vector.Dimensions {
		c.Close()
		return nil, fmt.Errorf("embedder produces %d dimensions, index expects %d", c.Embedder.Dimensions(), cfg.Vector.Dimensions)
	}

	c.Index, c.Store, err = openIndex(cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("vector index loaded",
		zap.String("dir", cfg.Storage.IndexDir),
		zap.Int("vectors", c.Store.Len()),
		zap.Int("owners", c.Store.Owners()),
		zap.String("duplicate_policy", string(c.Store.Policy())))

	c.Search = search.NewService(c.Store)
	c.Indexer = indexer.NewIndexer(store, c.Embedder, c.Search,
		indexer.WithLogger(logger),
		indexer.WithMaxContentChars(cfg.Ingest.MaxContentChars))
	return c, nil
}
