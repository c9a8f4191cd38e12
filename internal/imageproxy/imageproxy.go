// Package imageproxy serves resized, cover-cropped JPEG copies of remote
// thumbnails.
package imageproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // GIF decoder registration
	"image/jpeg"
	_ "image/png" // PNG decoder registration
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"podcastr/internal/pages"
)

const (
	maxDimension   = 2048
	maxSourceBytes = 16 << 20
)

// ErrHostNotAllowed is returned for source URLs outside the allow list.
var ErrHostNotAllowed = errors.New("image host not allowed")

// Config holds the settings for a Proxy.
type Config struct {
	AllowedHosts []string
	HTTPClient   *http.Client
	TTL          time.Duration
	Quality      int
}

// Proxy fetches, resizes and caches images.
type Proxy struct {
	client  *http.Client
	allowed map[string]struct{}
	cache   *pages.Cache
	ttl     time.Duration
	quality int
	logger  *log.Logger
}

// New creates a Proxy. Results are kept in cache for cfg.TTL.
func New(cfg Config, cache *pages.Cache, logger *log.Logger) *Proxy {
	if logger == nil {
		logger = log.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	if cache == nil {
		cache = pages.NewCache(logger)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedHosts))
	for _, host := range cfg.AllowedHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			allowed[host] = struct{}{}
		}
	}

	return &Proxy{
		client:  client,
		allowed: allowed,
		cache:   cache,
		ttl:     cfg.TTL,
		quality: cfg.Quality,
		logger:  logger,
	}
}

// ServeHTTP handles GET /_image?url=...&w=...&h=...
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	src := strings.TrimSpace(query.Get("url"))
	width, werr := parseDimension(query.Get("w"))
	height, herr := parseDimension(query.Get("h"))
	if src == "" || werr != nil || herr != nil {
		http.Error(w, "url, w and h are required", http.StatusBadRequest)
		return
	}

	if err := p.checkHost(src); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	key := fmt.Sprintf("%s|%dx%d", src, width, height)
	body, status, err := p.cache.Get(r.Context(), key, p.ttl, func(ctx context.Context) ([]byte, error) {
		return p.Resize(ctx, src, width, height)
	})
	if err != nil {
		p.logger.Printf("image %s: %v", src, err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(p.ttl.Seconds())))
	w.Header().Set("X-Cache", string(status))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		p.logger.Printf("failed to write image: %v", err)
	}
}

// Resize downloads src and returns a width x height JPEG of it.
func (p *Proxy) Resize(ctx context.Context, src string, width, height int) ([]byte, error) {
	data, err := p.fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	return Cover(data, width, height, p.quality)
}

func (p *Proxy) checkHost(src string) error {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrHostNotAllowed
	}
	if _, ok := p.allowed[strings.ToLower(u.Hostname())]; !ok {
		return ErrHostNotAllowed
	}
	return nil
}

func (p *Proxy) fetch(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if len(data) > maxSourceBytes {
		return nil, errors.New("image exceeds size limit")
	}
	return data, nil
}

// Cover scales the encoded image in data so it fills width x height, crops
// the overflow evenly from both sides and encodes the result as JPEG.
func Cover(data []byte, width, height, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	src := img.Bounds()
	if src.Dx() == 0 || src.Dy() == 0 {
		return nil, errors.New("image has no pixels")
	}

	crop := coverRect(src, width, height)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, crop, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// coverRect is the largest centred region of src with the aspect ratio of
// width x height.
func coverRect(src image.Rectangle, width, height int) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw*height > sh*width {
		cw := sh * width / height
		if cw < 1 {
			cw = 1
		}
		x0 := src.Min.X + (sw-cw)/2
		return image.Rect(x0, src.Min.Y, x0+cw, src.Max.Y)
	}
	ch := sw * height / width
	if ch < 1 {
		ch = 1
	}
	y0 := src.Min.Y + (sh-ch)/2
	return image.Rect(src.Min.X, y0, src.Max.X, y0+ch)
}

func parseDimension(value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > maxDimension {
		return 0, fmt.Errorf("dimension %d out of range", n)
	}
	return n, nil
}
