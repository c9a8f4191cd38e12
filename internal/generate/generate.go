// Package generate exports the site as a directory of static files.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"podcastr/internal/episode"
	"podcastr/internal/feed"
	"podcastr/internal/models"
	"podcastr/internal/pages"
)

// PageSource builds the data behind each exported page.
type PageSource interface {
	Listing(ctx context.Context) ([]models.Episode, error)
	Home(ctx context.Context) (pages.HomePage, error)
	Episode(ctx context.Context, id string) (pages.EpisodePage, error)
	StaticPaths(ctx context.Context) ([]string, error)
}

// PageRenderer turns page data into HTML.
type PageRenderer interface {
	Home(page pages.HomePage) ([]byte, error)
	Episode(page pages.EpisodePage) ([]byte, error)
	Error(status int, message string) ([]byte, error)
}

// Options configure an export.
type Options struct {
	// BaseURL is the public address of the exported site, used for absolute
	// links in the feed.
	BaseURL     string
	Concurrency int
	Feed        feed.Metadata
}

// Result lists the files written, relative to the output directory.
type Result struct {
	Files   []string
	Skipped []string
}

// Exporter writes pages to disk.
type Exporter struct {
	pages    PageSource
	renderer PageRenderer
	opts     Options
	base     *url.URL
	logger   *log.Logger
}

// New creates an Exporter.
func New(source PageSource, renderer PageRenderer, opts Options, logger *log.Logger) (*Exporter, error) {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:8080"
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", opts.BaseURL)
	}
	return &Exporter{pages: source, renderer: renderer, opts: opts, base: base, logger: logger}, nil
}

// Run renders the home page, the feed, the listing JSON, the not found page
// and every pre-generated episode page into dir. Episode pages whose records
// cannot be displayed are skipped and reported in Result.Skipped; any other
// failure aborts the export.
func (e *Exporter) Run(ctx context.Context, dir string) (Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, err
	}

	ids, err := e.pages.StaticPaths(ctx)
	if err != nil {
		return Result{}, err
	}

	var (
		mu  sync.Mutex
		res Result
	)
	write := func(rel string, data []byte) error {
		if err := writeFile(filepath.Join(dir, filepath.FromSlash(rel)), data); err != nil {
			return err
		}
		mu.Lock()
		res.Files = append(res.Files, rel)
		mu.Unlock()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	g.Go(func() error {
		page, err := e.pages.Home(ctx)
		if err != nil {
			return fmt.Errorf("home: %w", err)
		}
		body, err := e.renderer.Home(page)
		if err != nil {
			return err
		}
		return write("index.html", body)
	})

	g.Go(func() error {
		episodes, err := e.pages.Listing(ctx)
		if err != nil {
			return fmt.Errorf("listing: %w", err)
		}
		if episodes == nil {
			episodes = []models.Episode{}
		}
		data, err := json.Marshal(episodes)
		if err != nil {
			return err
		}
		if err := write("api/episodes.json", data); err != nil {
			return err
		}
		rss, err := feed.Build(e.opts.Feed, e.base, "/feed.xml", episodes, time.Now())
		if err != nil {
			return err
		}
		return write("feed.xml", rss)
	})

	g.Go(func() error {
		body, err := e.renderer.Error(404, "")
		if err != nil {
			return err
		}
		return write("404.html", body)
	})

	for _, id := range ids {
		id := id
		if !safeSegment(id) {
			e.logger.Printf("skipping episode page %q: id is not a valid path segment", id)
			mu.Lock()
			res.Skipped = append(res.Skipped, id)
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			page, err := e.pages.Episode(ctx, id)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) || errors.Is(err, episode.ErrMalformedInput) {
					e.logger.Printf("skipping episode page %s: %v", id, err)
					mu.Lock()
					res.Skipped = append(res.Skipped, id)
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("episode %s: %w", id, err)
			}
			body, err := e.renderer.Episode(page)
			if err != nil {
				return err
			}
			return write(filepath.ToSlash(filepath.Join("episodes", id, "index.html")), body)
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	sort.Strings(res.Files)
	sort.Strings(res.Skipped)
	e.logger.Printf("exported %d files to %s", len(res.Files), dir)
	return res, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func safeSegment(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
