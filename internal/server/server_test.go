package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"podcastr/internal/episode"
	"podcastr/internal/feed"
	"podcastr/internal/models"
	"podcastr/internal/pages"
	"podcastr/internal/render"
)

type fakePages struct {
	mu       sync.Mutex
	episodes []models.Episode
	details  map[string]models.Episode
	err      error
	calls    map[string]int
}

func (f *fakePages) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakePages) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakePages) Listing(ctx context.Context) ([]models.Episode, error) {
	f.count("listing")
	if f.err != nil {
		return nil, f.err
	}
	return f.episodes, nil
}

func (f *fakePages) Home(ctx context.Context) (pages.HomePage, error) {
	f.count("home")
	if f.err != nil {
		return pages.HomePage{}, f.err
	}
	if len(f.episodes) < 2 {
		return pages.HomePage{Latest: f.episodes}, nil
	}
	return pages.HomePage{Latest: f.episodes[:2], All: f.episodes[2:]}, nil
}

func (f *fakePages) Episode(ctx context.Context, id string) (pages.EpisodePage, error) {
	f.count("episode:" + id)
	if f.err != nil {
		return pages.EpisodePage{}, f.err
	}
	ep, ok := f.details[id]
	if !ok {
		return pages.EpisodePage{}, fmt.Errorf("fetch episode %s: %w", id, models.ErrNotFound)
	}
	return pages.EpisodePage{Episode: ep}, nil
}

type fakeTokens map[string]string

func (f fakeTokens) Lookup(token string) (string, bool) {
	name, ok := f[token]
	return name, ok
}

type fakeArtwork map[string]string

func (f fakeArtwork) Path(id string) (string, bool) {
	path, ok := f[id]
	return path, ok
}

func testEpisodes() []models.Episode {
	published := time.Date(2021, 1, 22, 13, 0, 0, 0, time.UTC)
	return []models.Episode{
		{ID: "a-importancia-da-contribuicao-em-open-source", Title: "A importância da contribuição em Open Source", Members: "Diego e Richard", PublishedAt: "22 jan 21", Published: published, Duration: 3981, DurationAsString: "01:06:21", URL: "https://storage.example.com/opensource.mp3"},
		{ID: "uma-conversa-sobre-programacao-funcional", Title: "Uma conversa sobre programação funcional", Members: "Diego e Richard", PublishedAt: "21 jan 21", Published: published.Add(-24 * time.Hour), Duration: 3606, DurationAsString: "01:00:06", URL: "https://storage.example.com/funcional.mp3"},
		{ID: "faladev-30", Title: "Faladev #30", Members: "Diego", PublishedAt: "20 jan 21", Published: published.Add(-48 * time.Hour), Duration: 61, DurationAsString: "00:01:01", URL: "https://storage.example.com/faladev.mp3"},
	}
}

func newTestHandler(t *testing.T, source *fakePages, mutate func(*Config)) *Handler {
	t.Helper()
	renderer, err := render.New(render.Site{Title: "Podcastr", Language: "en"})
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	cfg := Config{
		Pages:             source,
		Renderer:          renderer,
		Cache:             pages.NewCache(logger),
		Feed:              feed.Metadata{Title: "Test Feed", Description: "Test feed description", Language: "en", Author: "Test Author"},
		RevalidateHome:    8 * time.Hour,
		RevalidateEpisode: 24 * time.Hour,
		Logger:            logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func serve(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t, &fakePages{}, nil)

	rec := serve(handler, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected status payload: %v", body)
	}
}

func TestHealthEndpointRejectsNonGET(t *testing.T) {
	handler := newTestHandler(t, &fakePages{}, nil)

	if rec := serve(handler, http.MethodPost, "/health"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHomePageIsCached(t *testing.T) {
	source := &fakePages{episodes: testEpisodes()}
	handler := newTestHandler(t, source, nil)

	rec := serve(handler, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("expected first request to miss, got %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"Latest releases", "All episodes", "01:06:21", "/episodes/faladev-30"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected home page to contain %q", want)
		}
	}

	rec = serve(handler, http.MethodGet, "/")
	if got := rec.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("expected second request to hit, got %q", got)
	}
	if n := source.callCount("home"); n != 1 {
		t.Fatalf("expected one home build, got %d", n)
	}
}

func TestHomePageSourceFailure(t *testing.T) {
	handler := newTestHandler(t, &fakePages{err: errors.New("connection refused")}, nil)

	rec := serve(handler, http.MethodGet, "/")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "502") {
		t.Fatalf("expected error page body, got %q", rec.Body.String())
	}
}

func TestEpisodePage(t *testing.T) {
	eps := testEpisodes()
	detail := eps[0]
	detail.Description = "<p>Nesse episódio</p>"
	source := &fakePages{details: map[string]models.Episode{detail.ID: detail}}
	handler := newTestHandler(t, source, nil)

	rec := serve(handler, http.MethodGet, "/episodes/"+detail.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<p>Nesse episódio</p>") {
		t.Fatalf("expected description to be rendered as HTML")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, s-maxage=86400, stale-while-revalidate" {
		t.Fatalf("unexpected cache control %q", cc)
	}

	rec = serve(handler, http.MethodGet, "/episodes/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown episode, got %d", rec.Code)
	}
	rec = serve(handler, http.MethodGet, "/episodes/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 to be repeated, got %d", rec.Code)
	}
	if n := source.callCount("episode:missing"); n != 2 {
		t.Fatalf("not found results must not be cached, got %d builds", n)
	}
}

func TestEpisodePageMalformedRecord(t *testing.T) {
	malformed := &episode.MalformedInputError{EpisodeID: "x", Field: "file.duration", Value: "abc", Reason: "not a number"}
	handler := newTestHandler(t, &fakePages{err: malformed}, nil)

	if rec := serve(handler, http.MethodGet, "/episodes/x"); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestUnknownRouteRendersNotFoundPage(t *testing.T) {
	handler := newTestHandler(t, &fakePages{}, nil)

	rec := serve(handler, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Episode not found") {
		t.Fatalf("expected rendered not found page, got %q", rec.Body.String())
	}
}

func TestEpisodesEndpoint(t *testing.T) {
	handler := newTestHandler(t, &fakePages{episodes: testEpisodes()}, nil)

	rec := serve(handler, http.MethodGet, "/api/episodes")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload []models.Episode
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(payload) != 3 || payload[0].DurationAsString != "01:06:21" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if rec := serve(handler, http.MethodDelete, "/api/episodes"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestEpisodesEndpointEmptyListing(t *testing.T) {
	handler := newTestHandler(t, &fakePages{}, nil)

	rec := serve(handler, http.MethodGet, "/api/episodes")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty JSON array, got %q", rec.Body.String())
	}
}

func TestFeedEndpointProducesRSS(t *testing.T) {
	handler := newTestHandler(t, &fakePages{episodes: testEpisodes()}, func(cfg *Config) {
		cfg.BaseURL = &url.URL{Scheme: "https", Host: "feed.example"}
	})

	for _, path := range []string{"/feed", "/feed.xml", "/rss"} {
		rec := serve(handler, http.MethodGet, path)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/rss+xml") {
			t.Fatalf("unexpected content type %q", ct)
		}

		var payload struct {
			Channel struct {
				Title string `xml:"title"`
				Items []struct {
					Title     string `xml:"title"`
					Link      string `xml:"link"`
					Enclosure struct {
						URL string `xml:"url,attr"`
					} `xml:"enclosure"`
					ITunesDuration string `xml:"http://www.itunes.com/dtds/podcast-1.0.dtd duration"`
				} `xml:"item"`
			} `xml:"channel"`
		}
		if err := xml.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("unmarshal rss: %v", err)
		}

		if payload.Channel.Title != "Test Feed" {
			t.Fatalf("unexpected channel title: %s", payload.Channel.Title)
		}
		if len(payload.Channel.Items) != 3 {
			t.Fatalf("expected 3 items, got %d", len(payload.Channel.Items))
		}
		item := payload.Channel.Items[0]
		if item.Link != "https://feed.example/episodes/a-importancia-da-contribuicao-em-open-source" {
			t.Fatalf("unexpected item link: %s", item.Link)
		}
		if item.Enclosure.URL != "https://storage.example.com/opensource.mp3" {
			t.Fatalf("unexpected enclosure URL: %s", item.Enclosure.URL)
		}
		if item.ITunesDuration != "01:06:21" {
			t.Fatalf("unexpected itunes duration %q", item.ITunesDuration)
		}
	}
}

func TestFeedIgnoresRequestHost(t *testing.T) {
	var cache *pages.Cache
	handler := newTestHandler(t, &fakePages{episodes: testEpisodes()}, func(cfg *Config) {
		cfg.BaseURL = &url.URL{Scheme: "https", Host: "podcastr.example"}
		cache = cfg.Cache
	})

	var bodies []string
	for _, host := range []string{"a.attacker.example", "b.attacker.example"} {
		req := httptest.NewRequest(http.MethodGet, "/feed.xml", nil)
		req.Host = host
		req.Header.Set("X-Forwarded-Proto", "gopher")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("host %s: expected 200, got %d", host, rec.Code)
		}
		bodies = append(bodies, rec.Body.String())
	}

	var feedKeys []string
	for _, key := range cache.Keys() {
		if strings.HasPrefix(key, feedPrefix) {
			feedKeys = append(feedKeys, key)
		}
	}
	if len(feedKeys) != 1 {
		t.Fatalf("expected a single feed cache entry, got %v", feedKeys)
	}
	if bodies[0] != bodies[1] {
		t.Fatalf("expected the same feed for every host")
	}
	if strings.Contains(bodies[0], "attacker") || !strings.Contains(bodies[0], "https://podcastr.example/episodes/") {
		t.Fatalf("feed links not built from the configured URL:\n%s", bodies[0])
	}
}

func TestRevalidateRequiresToken(t *testing.T) {
	source := &fakePages{episodes: testEpisodes()}
	handler := newTestHandler(t, source, func(cfg *Config) {
		cfg.Tokens = fakeTokens{"secret": "ci"}
	})

	if rec := serve(handler, http.MethodPost, "/api/revalidate?path=/"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := serve(handler, http.MethodPost, "/api/revalidate?path=/&secret=wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/revalidate?path=/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rec.Code)
	}
}

func TestRevalidateRegeneratesPages(t *testing.T) {
	source := &fakePages{episodes: testEpisodes(), details: map[string]models.Episode{"faladev-30": testEpisodes()[2]}}
	handler := newTestHandler(t, source, func(cfg *Config) {
		cfg.Tokens = fakeTokens{"secret": "ci"}
	})

	serve(handler, http.MethodGet, "/")
	serve(handler, http.MethodGet, "/api/episodes")
	if n := source.callCount("listing"); n != 1 {
		t.Fatalf("expected one listing build, got %d", n)
	}

	rec := serve(handler, http.MethodPost, "/api/revalidate?path=/&secret=secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := source.callCount("home"); n != 2 {
		t.Fatalf("expected home to be rebuilt, got %d builds", n)
	}
	if got := serve(handler, http.MethodGet, "/").Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("expected revalidated home to be served from cache, got %q", got)
	}
	if got := serve(handler, http.MethodGet, "/api/episodes").Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("expected listing JSON to be purged, got %q", got)
	}

	rec = serve(handler, http.MethodPost, "/api/revalidate?path=/episodes/faladev-30&secret=secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for episode revalidation, got %d", rec.Code)
	}
	if got := serve(handler, http.MethodGet, "/episodes/faladev-30").Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("expected revalidated episode to be cached, got %q", got)
	}

	if rec := serve(handler, http.MethodPost, "/api/revalidate?path=/episodes/missing&secret=secret"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown episode, got %d", rec.Code)
	}
	if rec := serve(handler, http.MethodPost, "/api/revalidate?path=/admin&secret=secret"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported path, got %d", rec.Code)
	}

	rec = serve(handler, http.MethodPost, "/api/revalidate?secret=secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for full invalidation, got %d", rec.Code)
	}
	if got := serve(handler, http.MethodGet, "/").Header().Get("X-Cache"); got != "STALE" {
		t.Fatalf("expected invalidated home to be served stale, got %q", got)
	}
}

func TestRevalidateDisabledWithoutTokens(t *testing.T) {
	handler := newTestHandler(t, &fakePages{}, nil)

	if rec := serve(handler, http.MethodPost, "/api/revalidate?path=/"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when revalidation is disabled, got %d", rec.Code)
	}
}

func TestImageRouteDelegates(t *testing.T) {
	images := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = io.WriteString(w, r.URL.Query().Get("w"))
	})
	handler := newTestHandler(t, &fakePages{}, func(cfg *Config) { cfg.Images = images })

	rec := serve(handler, http.MethodGet, "/_image?url=x&w=192&h=192")
	if rec.Code != http.StatusOK || rec.Body.String() != "192" {
		t.Fatalf("expected image handler to serve request, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestAudioEndpointServesFile(t *testing.T) {
	audioDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(audioDir, "clip.mp3"), []byte("audio-bytes"), 0o644); err != nil {
		t.Fatalf("write audio file: %v", err)
	}
	handler := newTestHandler(t, &fakePages{}, func(cfg *Config) { cfg.AudioRoot = audioDir })

	rec := serve(handler, http.MethodGet, "/audio/clip.mp3")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "audio-bytes" {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if rec := serve(handler, http.MethodGet, "/audio/missing.mp3"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing file, got %d", rec.Code)
	}
}

func TestAudioRouteDisabledWithoutLibrary(t *testing.T) {
	handler := newTestHandler(t, &fakePages{}, nil)

	if rec := serve(handler, http.MethodGet, "/audio/clip.mp3"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without audio root, got %d", rec.Code)
	}
}

func TestAudioEndpointPreventsTraversal(t *testing.T) {
	parent := t.TempDir()
	audioDir := filepath.Join(parent, "audio")
	if err := os.Mkdir(audioDir, 0o755); err != nil {
		t.Fatalf("mkdir audio: %v", err)
	}
	if err := os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	handler := newTestHandler(t, &fakePages{}, func(cfg *Config) { cfg.AudioRoot = audioDir })

	rec := serve(handler, http.MethodGet, "/audio/../secret.txt")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for traversal attempt, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatalf("traversal leaked file contents")
	}
}

func TestPathWithinRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "audio")
	if !pathWithinRoot(root, filepath.Join(root, "show", "ep.mp3")) {
		t.Fatalf("expected nested path to be inside root")
	}
	if pathWithinRoot(root, filepath.Dir(root)) {
		t.Fatalf("expected parent to be outside root")
	}
	if pathWithinRoot(root, filepath.Join(filepath.Dir(root), "audio-other", "x.mp3")) {
		t.Fatalf("expected sibling directory to be outside root")
	}
}

func TestArtworkEndpoint(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.mp3")
	if err := os.WriteFile(plain, []byte("not really audio"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	handler := newTestHandler(t, &fakePages{}, func(cfg *Config) {
		cfg.Artwork = fakeArtwork{"plain": plain}
	})

	if rec := serve(handler, http.MethodGet, "/artwork/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}
	if rec := serve(handler, http.MethodGet, "/artwork/plain"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for file without artwork, got %d", rec.Code)
	}
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header [2]string
		want   string
	}{
		{name: "query", target: "/?secret=abc", want: "abc"},
		{name: "header", target: "/", header: [2]string{"X-Revalidate-Token", "def"}, want: "def"},
		{name: "bearer", target: "/", header: [2]string{"Authorization", "bearer ghi"}, want: "ghi"},
		{name: "basic", target: "/", header: [2]string{"Authorization", "Basic xyz"}, want: ""},
		{name: "none", target: "/", want: ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, tc.target, nil)
		if tc.header[0] != "" {
			req.Header.Set(tc.header[0], tc.header[1])
		}
		if got := extractToken(req); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestPrebuildWarmsCache(t *testing.T) {
	eps := testEpisodes()
	source := &fakePages{episodes: eps, details: map[string]models.Episode{eps[0].ID: eps[0]}}
	handler := newTestHandler(t, source, nil)

	if err := handler.Prebuild(context.Background(), []string{eps[0].ID, "missing"}); err != nil {
		t.Fatalf("Prebuild: %v", err)
	}

	if got := serve(handler, http.MethodGet, "/").Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("expected prebuilt home to hit, got %q", got)
	}
	if got := serve(handler, http.MethodGet, "/episodes/"+eps[0].ID).Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("expected prebuilt episode to hit, got %q", got)
	}
	if rec := serve(handler, http.MethodGet, "/episodes/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected missing episode to 404, got %d", rec.Code)
	}
}

func TestPrebuildFailsWhenHomeFails(t *testing.T) {
	handler := newTestHandler(t, &fakePages{err: errors.New("connection refused")}, nil)

	if err := handler.Prebuild(context.Background(), nil); err == nil {
		t.Fatalf("expected prebuild to fail")
	}
}
