package server

import (
	"context"
	"fmt"

	"github.com/hyperjump/revisit/internal/config"
	"github.com/hyperjump/revisit/internal/models"
	"github.com/hyperjump/revisit/internal/persist"
	"github.com/hyperjump/revisit/internal/search"
	"github.com/hyperjump/revisit/internal/storage"
)

// Status collects page and index counts for userID. An empty userID is the
// operator view: counts span every user and include the user total, owner
// total and disk usage. index may be nil. Disk usage is best effort and left
// at zero when it cannot be measured.
func Status(ctx context.Context, st storage.Storage, svc *search.Service, index *persist.Manager, cfg *config.Config, userID string) (*models.StatusResponse, error) {
	pages, err := st.CountPageVisits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	store := svc.Store()
	resp := &models.StatusResponse{
		User:  userID,
		Pages: pages,
		Index: models.IndexStatus{
			Dimension: store.Dimension(),
			Policy:    string(store.Policy()),
		},
		EmbeddingModel: cfg.Embedding.Model,
	}
	if cfg.Embedding.Provider == config.ProviderMock {
		resp.EmbeddingModel = config.ProviderMock
	}
	if index != nil {
		if man, ok, err := index.Manifest(); err == nil && ok {
			resp.Index.Generation = man.Generation
		}
	}

	if userID != "" {
		if resp.Index.Vectors, err = svc.Count(userID); err != nil {
			return nil, err
		}
		return resp, nil
	}

	if resp.Users, err = st.CountUsers(ctx); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	resp.Index.Vectors = store.Len()
	resp.Index.Owners = store.Owners()
	paths := append(storage.DatabaseFiles(cfg.Storage.DatabasePath), cfg.Storage.IndexDir)
	if n, err := storage.DiskUsageBytes(paths...); err == nil {
		resp.DiskUsageBytes = n
	}
	return resp, nil
}
