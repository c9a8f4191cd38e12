package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	pathpkg "path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"podcastr/internal/episode"
	"podcastr/internal/feed"
	"podcastr/internal/metadata"
	"podcastr/internal/models"
	"podcastr/internal/pages"
)

// PageSource builds the data behind each page.
type PageSource interface {
	Listing(ctx context.Context) ([]models.Episode, error)
	Home(ctx context.Context) (pages.HomePage, error)
	Episode(ctx context.Context, id string) (pages.EpisodePage, error)
}

// PageRenderer turns page data into HTML.
type PageRenderer interface {
	Home(page pages.HomePage) ([]byte, error)
	Episode(page pages.EpisodePage) ([]byte, error)
	Error(status int, message string) ([]byte, error)
}

// TokenLookup resolves revalidation tokens to the name they were issued to.
type TokenLookup interface {
	Lookup(token string) (string, bool)
}

// ArtworkIndex maps episode ids to the audio files holding their artwork.
type ArtworkIndex interface {
	Path(id string) (string, bool)
}

// Config wires the handler to its collaborators. Pages, Renderer and Cache
// are required; the rest switch optional routes on.
type Config struct {
	Pages    PageSource
	Renderer PageRenderer
	Cache    *pages.Cache

	// Images serves /_image.
	Images http.Handler
	// Tokens enables POST /api/revalidate.
	Tokens TokenLookup
	// AudioRoot and Artwork enable /audio/* and /artwork/{id}.
	AudioRoot string
	Artwork   ArtworkIndex

	// BaseURL is the public address absolute feed links are built from.
	// Defaults to http://localhost:8080.
	BaseURL           *url.URL
	Feed              feed.Metadata
	RevalidateHome    time.Duration
	RevalidateEpisode time.Duration

	Logger *log.Logger
}

type serverHandler struct {
	pages    PageSource
	renderer PageRenderer
	cache    *pages.Cache
	tokens   TokenLookup
	artwork  ArtworkIndex

	audioRoot         string
	baseURL           *url.URL
	feed              feed.Metadata
	revalidateHome    time.Duration
	revalidateEpisode time.Duration
	now               func() time.Time
	logger            *log.Logger
}

const (
	homeKey     = "/"
	episodesKey = "/api/episodes"
	feedPrefix  = "feed:"
)

// Handler serves the site.
type Handler struct {
	http.Handler
	h *serverHandler
}

// New creates the HTTP handler serving the site.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	h := &serverHandler{
		pages:             cfg.Pages,
		renderer:          cfg.Renderer,
		cache:             cfg.Cache,
		tokens:            cfg.Tokens,
		artwork:           cfg.Artwork,
		baseURL:           cfg.BaseURL,
		feed:              cfg.Feed,
		revalidateHome:    cfg.RevalidateHome,
		revalidateEpisode: cfg.RevalidateEpisode,
		now:               time.Now,
		logger:            logger,
	}
	if h.cache == nil {
		h.cache = pages.NewCache(logger)
	}
	if h.baseURL == nil {
		h.baseURL = &url.URL{Scheme: "http", Host: "localhost:8080"}
	}

	if cfg.AudioRoot != "" {
		cleanRoot := filepath.Clean(cfg.AudioRoot)
		absRoot, err := filepath.Abs(cleanRoot)
		if err != nil {
			logger.Printf("warning: unable to resolve absolute audio root %q: %v", cfg.AudioRoot, err)
			absRoot = cleanRoot
		}
		h.audioRoot = absRoot
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return logRequests(next, logger) })
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, "")
	})

	r.Get("/health", h.handleHealth)
	r.Get("/", h.handleHome)
	r.Get("/episodes/{slug}", h.handleEpisode)
	r.Get("/api/episodes", h.handleEpisodes)
	r.Get("/feed", h.handleFeed)
	r.Get("/feed.xml", h.handleFeed)
	r.Get("/rss", h.handleFeed)

	if h.tokens != nil {
		r.Post("/api/revalidate", h.handleRevalidate)
	}
	if cfg.Images != nil {
		r.Method(http.MethodGet, "/_image", cfg.Images)
	}
	if h.audioRoot != "" {
		r.Get("/audio/*", h.handleAudio)
	}
	if h.artwork != nil {
		r.Get("/artwork/{id}", h.handleArtwork)
	}

	return &Handler{Handler: r, h: h}
}

// Prebuild renders the home page and the given episode pages into the cache
// so the first visitors get a cache hit. Episodes that fail are logged and
// left to be rendered on request.
func (s *Handler) Prebuild(ctx context.Context, ids []string) error {
	h := s.h
	if err := h.cache.Revalidate(ctx, homeKey, h.revalidateHome, h.renderHome); err != nil {
		return fmt.Errorf("prebuild home: %w", err)
	}
	for _, id := range ids {
		if err := h.cache.Revalidate(ctx, episodeKey(id), h.revalidateEpisode, h.episodeRenderer(id)); err != nil {
			h.logger.Printf("prebuild episode %s: %v", id, err)
		}
	}
	return nil
}

func (h *serverHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *serverHandler) handleHome(w http.ResponseWriter, r *http.Request) {
	body, status, err := h.cache.Get(r.Context(), homeKey, h.revalidateHome, h.renderHome)
	if err != nil {
		h.logger.Printf("render home: %v", err)
		h.writeError(w, http.StatusBadGateway, "")
		return
	}
	h.writePage(w, body, status, h.revalidateHome)
}

func (h *serverHandler) handleEpisode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "slug")
	body, status, err := h.cache.Get(r.Context(), episodeKey(id), h.revalidateEpisode, h.episodeRenderer(id))
	switch {
	case pages.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, "")
		return
	case isMalformed(err):
		h.logger.Printf("episode %s cannot be displayed: %v", id, err)
		h.writeError(w, http.StatusBadGateway, "")
		return
	case err != nil:
		h.logger.Printf("render episode %s: %v", id, err)
		h.writeError(w, http.StatusBadGateway, "")
		return
	}
	h.writePage(w, body, status, h.revalidateEpisode)
}

func (h *serverHandler) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	body, status, err := h.cache.Get(r.Context(), episodesKey, h.revalidateHome, h.renderEpisodesJSON)
	if err != nil {
		h.logger.Printf("list episodes: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "episodes unavailable"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", string(status))
	if _, err := w.Write(body); err != nil {
		h.logger.Printf("failed to write episodes: %v", err)
	}
}

func (h *serverHandler) handleFeed(w http.ResponseWriter, r *http.Request) {
	// Keyed by route only: the set of feed entries is bounded by the router.
	key := feedPrefix + r.URL.Path
	body, status, err := h.cache.Get(r.Context(), key, h.revalidateHome, func(ctx context.Context) ([]byte, error) {
		episodes, err := h.pages.Listing(ctx)
		if err != nil {
			return nil, err
		}
		return feed.Build(h.feed, h.baseURL, r.URL.Path, episodes, h.now())
	})
	if err != nil {
		h.logger.Printf("failed to build RSS feed: %v", err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Header().Set("X-Cache", string(status))
	if _, err := w.Write(body); err != nil {
		h.logger.Printf("failed to write RSS feed: %v", err)
	}
}

func (h *serverHandler) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	name, ok := h.tokens.Lookup(extractToken(r))
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		h.cache.Invalidate()
		h.logger.Printf("revalidate all pages requested by %s", name)
		writeJSON(w, http.StatusOK, map[string]any{"revalidated": true, "path": "*"})
		return
	}

	var err error
	switch {
	case path == homeKey:
		err = h.cache.Revalidate(r.Context(), homeKey, h.revalidateHome, h.renderHome)
		if err == nil {
			h.purgeListings()
		}
	case strings.HasPrefix(path, "/episodes/"):
		id, unescapeErr := url.PathUnescape(strings.TrimPrefix(path, "/episodes/"))
		if unescapeErr != nil || id == "" || strings.Contains(id, "/") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid path"})
			return
		}
		err = h.cache.Revalidate(r.Context(), episodeKey(id), h.revalidateEpisode, h.episodeRenderer(id))
		if pages.IsNotFound(err) {
			h.cache.Purge(episodeKey(id))
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid path"})
		return
	}

	switch {
	case pages.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "episode not found"})
	case err != nil:
		h.logger.Printf("revalidate %s: %v", path, err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "regeneration failed"})
	default:
		h.logger.Printf("revalidated %s for %s", path, name)
		writeJSON(w, http.StatusOK, map[string]any{"revalidated": true, "path": path})
	}
}

func (h *serverHandler) handleAudio(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	rel = pathpkg.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	target := filepath.Join(h.audioRoot, filepath.FromSlash(rel))
	resolved, err := filepath.Abs(target)
	if err != nil {
		h.logger.Printf("failed to resolve audio path %s: %v", target, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if !pathWithinRoot(h.audioRoot, resolved) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.logger.Printf("failed to stat audio file %s: %v", resolved, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if info.IsDir() {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", feed.MIMEType(rel))
	http.ServeFile(w, r, resolved)
}

func (h *serverHandler) handleArtwork(w http.ResponseWriter, r *http.Request) {
	path, ok := h.artwork.Path(chi.URLParam(r, "id"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data, mimeType, err := metadata.ReadArtwork(path)
	if err != nil {
		if !errors.Is(err, metadata.ErrNoArtwork) {
			h.logger.Printf("read artwork %s: %v", path, err)
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := w.Write(data); err != nil {
		h.logger.Printf("failed to write artwork: %v", err)
	}
}

func (h *serverHandler) renderHome(ctx context.Context) ([]byte, error) {
	page, err := h.pages.Home(ctx)
	if err != nil {
		return nil, err
	}
	return h.renderer.Home(page)
}

func (h *serverHandler) episodeRenderer(id string) pages.RenderFunc {
	return func(ctx context.Context) ([]byte, error) {
		page, err := h.pages.Episode(ctx, id)
		if err != nil {
			return nil, err
		}
		return h.renderer.Episode(page)
	}
}

func (h *serverHandler) renderEpisodesJSON(ctx context.Context) ([]byte, error) {
	episodes, err := h.pages.Listing(ctx)
	if err != nil {
		return nil, err
	}
	if episodes == nil {
		episodes = []models.Episode{}
	}
	return json.Marshal(episodes)
}

func (h *serverHandler) purgeListings() {
	for _, key := range h.cache.Keys() {
		if key == episodesKey || strings.HasPrefix(key, feedPrefix) {
			h.cache.Purge(key)
		}
	}
}

func (h *serverHandler) writePage(w http.ResponseWriter, body []byte, status pages.CacheStatus, ttl time.Duration) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Cache", string(status))
	if ttl > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, s-maxage=%d, stale-while-revalidate", int(ttl.Seconds())))
	}
	if _, err := w.Write(body); err != nil {
		h.logger.Printf("failed to write page: %v", err)
	}
}

func (h *serverHandler) writeError(w http.ResponseWriter, code int, message string) {
	body, err := h.renderer.Error(code, message)
	if err != nil {
		h.logger.Printf("render error page: %v", err)
		http.Error(w, http.StatusText(code), code)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		h.logger.Printf("failed to write error page: %v", err)
	}
}

func episodeKey(id string) string {
	return "/episodes/" + id
}

func isMalformed(err error) bool {
	return errors.Is(err, episode.ErrMalformedInput)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func logRequests(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		logger.Printf("[%s] %s %s -> %d (%dB) in %s", middleware.GetReqID(r.Context()), r.Method, r.URL.Path, sw.status, sw.size, time.Since(start))
	})
}

func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("secret")); token != "" {
		return token
	}

	if header := strings.TrimSpace(r.Header.Get("X-Revalidate-Token")); header != "" {
		return header
	}

	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func pathWithinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel != ".." && !strings.HasPrefix(rel, "../")
}
