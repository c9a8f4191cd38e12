// Package pages assembles the data behind the home and episode pages and
// caches rendered output with time based regeneration.
package pages

import (
	"context"
	"errors"
	"fmt"
	"log"

	"podcastr/internal/episode"
	"podcastr/internal/models"
)

// Source is where raw episode records come from.
type Source interface {
	List(ctx context.Context, params models.ListParams) ([]models.RawEpisode, error)
	Get(ctx context.Context, id string) (models.RawEpisode, error)
}

// Options control how many episodes each page shows.
type Options struct {
	// HomeLimit is how many of the newest episodes the home page fetches.
	HomeLimit int
	// LatestCount is how many of those are highlighted as latest releases.
	LatestCount int
	// PrebuildCount is how many episode pages are generated ahead of requests.
	PrebuildCount int
}

// DefaultOptions mirrors the site's original listing sizes.
func DefaultOptions() Options {
	return Options{HomeLimit: 12, LatestCount: 2, PrebuildCount: 2}
}

// HomePage is the data rendered on the home page.
type HomePage struct {
	Latest []models.Episode
	All    []models.Episode
}

// Episodes returns Latest followed by All, the play order of the page.
func (p HomePage) Episodes() []models.Episode {
	out := make([]models.Episode, 0, len(p.Latest)+len(p.All))
	out = append(out, p.Latest...)
	return append(out, p.All...)
}

// EpisodePage is the data rendered on an episode page.
type EpisodePage struct {
	Episode models.Episode
}

// Builder fetches raw records and shapes them for the templates.
type Builder struct {
	source   Source
	episodes *episode.Builder
	opts     Options
	logger   *log.Logger
}

// NewBuilder creates a page Builder. Zero option fields take their defaults;
// a negative LatestCount or PrebuildCount means none.
func NewBuilder(source Source, episodes *episode.Builder, opts Options, logger *log.Logger) *Builder {
	defaults := DefaultOptions()
	if opts.HomeLimit <= 0 {
		opts.HomeLimit = defaults.HomeLimit
	}
	switch {
	case opts.LatestCount == 0:
		opts.LatestCount = defaults.LatestCount
	case opts.LatestCount < 0:
		opts.LatestCount = 0
	}
	switch {
	case opts.PrebuildCount == 0:
		opts.PrebuildCount = defaults.PrebuildCount
	case opts.PrebuildCount < 0:
		opts.PrebuildCount = 0
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{source: source, episodes: episodes, opts: opts, logger: logger}
}

// Options returns the effective options.
func (b *Builder) Options() Options {
	return b.opts
}

func newestFirst(limit int) models.ListParams {
	return models.ListParams{Limit: limit, Sort: models.SortPublishedAt, Order: models.OrderDesc}
}

// Listing returns the newest episodes in display form. Records that cannot be
// interpreted are logged and left out.
func (b *Builder) Listing(ctx context.Context) ([]models.Episode, error) {
	raws, err := b.source.List(ctx, newestFirst(b.opts.HomeLimit))
	if err != nil {
		return nil, fmt.Errorf("fetch episodes: %w", err)
	}

	episodes, errs := b.episodes.Summaries(raws)
	for _, err := range errs {
		b.logger.Printf("skipping episode: %v", err)
	}
	return episodes, nil
}

// Home builds the home page data.
func (b *Builder) Home(ctx context.Context) (HomePage, error) {
	episodes, err := b.Listing(ctx)
	if err != nil {
		return HomePage{}, err
	}

	split := b.opts.LatestCount
	if split > len(episodes) {
		split = len(episodes)
	}
	return HomePage{
		Latest: episodes[:split:split],
		All:    episodes[split:],
	}, nil
}

// Episode builds the detail page data for id. Errors wrap models.ErrNotFound
// when the source has no such episode and episode.ErrMalformedInput when the
// record cannot be displayed.
func (b *Builder) Episode(ctx context.Context, id string) (EpisodePage, error) {
	raw, err := b.source.Get(ctx, id)
	if err != nil {
		return EpisodePage{}, fmt.Errorf("fetch episode %s: %w", id, err)
	}

	ep, err := b.episodes.Detail(raw)
	if err != nil {
		return EpisodePage{}, err
	}
	return EpisodePage{Episode: ep}, nil
}

// StaticPaths returns the ids of the episode pages generated ahead of time.
func (b *Builder) StaticPaths(ctx context.Context) ([]string, error) {
	if b.opts.PrebuildCount == 0 {
		return nil, nil
	}
	raws, err := b.source.List(ctx, newestFirst(b.opts.PrebuildCount))
	if err != nil {
		return nil, fmt.Errorf("fetch static paths: %w", err)
	}

	ids := make([]string, 0, len(raws))
	for _, raw := range raws {
		if raw.ID != "" {
			ids = append(ids, raw.ID)
		}
	}
	return ids, nil
}

// IsNotFound reports whether err means the requested episode does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
