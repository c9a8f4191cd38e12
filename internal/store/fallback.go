package store

import (
	"context"
	"errors"
	"log"

	"podcastr/internal/models"
)

// Source is anything that can list and fetch raw episodes.
type Source interface {
	List(ctx context.Context, params models.ListParams) ([]models.RawEpisode, error)
	Get(ctx context.Context, id string) (models.RawEpisode, error)
}

// FallbackSource records everything primary returns and answers from the
// snapshot when primary fails. Not-found answers from primary are final.
type FallbackSource struct {
	primary  Source
	snapshot *Store
	logger   *log.Logger
}

// NewFallbackSource wraps primary with snapshot.
func NewFallbackSource(primary Source, snapshot *Store, logger *log.Logger) *FallbackSource {
	if logger == nil {
		logger = log.Default()
	}
	return &FallbackSource{primary: primary, snapshot: snapshot, logger: logger}
}

// List implements Source.
func (f *FallbackSource) List(ctx context.Context, params models.ListParams) ([]models.RawEpisode, error) {
	episodes, err := f.primary.List(ctx, params)
	if err == nil {
		if saveErr := f.snapshot.Save(ctx, episodes); saveErr != nil {
			f.logger.Printf("snapshot save failed: %v", saveErr)
		}
		return episodes, nil
	}

	stored, snapErr := f.snapshot.List(ctx, params)
	if snapErr != nil || len(stored) == 0 {
		if snapErr != nil {
			f.logger.Printf("snapshot list failed: %v", snapErr)
		}
		return nil, err
	}
	f.logger.Printf("episode source unavailable, serving %d episodes from snapshot: %v", len(stored), err)
	return stored, nil
}

// Get implements Source.
func (f *FallbackSource) Get(ctx context.Context, id string) (models.RawEpisode, error) {
	episode, err := f.primary.Get(ctx, id)
	if err == nil {
		if saveErr := f.snapshot.Save(ctx, []models.RawEpisode{episode}); saveErr != nil {
			f.logger.Printf("snapshot save failed: %v", saveErr)
		}
		return episode, nil
	}
	if errors.Is(err, models.ErrNotFound) {
		return models.RawEpisode{}, err
	}

	stored, snapErr := f.snapshot.Get(ctx, id)
	if snapErr != nil {
		return models.RawEpisode{}, err
	}
	f.logger.Printf("episode source unavailable, serving %s from snapshot: %v", id, err)
	return stored, nil
}
