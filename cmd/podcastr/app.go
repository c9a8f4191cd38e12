package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"podcastr/internal/api"
	"podcastr/internal/config"
	"podcastr/internal/episode"
	"podcastr/internal/feed"
	"podcastr/internal/library"
	"podcastr/internal/pages"
	"podcastr/internal/render"
	"podcastr/internal/store"
)

// app holds the components shared by serve and generate.
type app struct {
	site      config.Site
	source    pages.Source
	pages     *pages.Builder
	renderer  *render.Renderer
	library   *library.Library
	audioRoot string

	closers []func() error
}

type appOptions struct {
	// proxyImages routes thumbnails from the configured image domains through
	// the resize endpoint. Static exports have no such endpoint.
	proxyImages bool
}

func newApp(ctx context.Context, logger *log.Logger, opts appOptions) (*app, error) {
	site, err := config.ResolveSite()
	if err != nil {
		return nil, fmt.Errorf("resolve site: %w", err)
	}

	a := &app{site: site}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if err := a.openSource(ctx, logger); err != nil {
		return nil, err
	}

	dates, err := episode.NewDateFormatter(site.Locale, site.Location)
	if err != nil {
		return nil, fmt.Errorf("date formatter: %w", err)
	}
	a.pages = pages.NewBuilder(a.source, episode.NewBuilder(dates), pages.Options{
		HomeLimit:     site.HomeLimit,
		LatestCount:   site.LatestCount,
		PrebuildCount: site.PrebuildCount,
	}, logger)

	renderSite := render.Site{
		Title:       site.Title,
		Description: site.Description,
		Language:    site.Language(),
	}
	if opts.proxyImages {
		renderSite.ImageHosts = site.ImageDomains
	}
	if a.renderer, err = render.New(renderSite); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *app) openSource(ctx context.Context, logger *log.Logger) error {
	audioRoot, local, err := config.ResolveAudioRoot()
	if err != nil {
		return fmt.Errorf("resolve audio root: %w", err)
	}

	var source store.Source
	if local {
		lib, err := library.NewLibrary(audioRoot, config.AllowedExtensions(), config.RefreshDebounce(), logger)
		if err != nil {
			return fmt.Errorf("initialise library: %w", err)
		}
		a.closers = append(a.closers, lib.Close)
		a.library, a.audioRoot = lib, audioRoot
		source = lib
		logger.Printf("serving episodes from audio directory %s", audioRoot)
	} else {
		apiConfig, err := config.ResolveAPI()
		if err != nil {
			return err
		}
		client, err := api.NewClient(api.Config{
			BaseURL:           apiConfig.URL,
			Timeout:           apiConfig.Timeout,
			RequestsPerSecond: apiConfig.RequestsPerSecond,
		})
		if err != nil {
			return err
		}
		source = client
		logger.Printf("serving episodes from %s", apiConfig.URL)
	}

	dbPath, snapshots, err := config.ResolveSnapshotDB()
	if err != nil {
		return fmt.Errorf("resolve snapshot db: %w", err)
	}
	if snapshots {
		snap, err := store.Open(ctx, dbPath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, snap.Close)
		source = store.NewFallbackSource(source, snap, logger)
	}

	a.source = source
	return nil
}

func (a *app) feedMetadata() feed.Metadata {
	return feed.Metadata{
		Title:       a.site.Title,
		Description: a.site.Description,
		Language:    a.site.Language(),
		Author:      a.site.Author,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
