package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var allowedExtensions = []string{
	".mp3",
	".m4a",
	".aac",
	".wav",
	".flac",
	".ogg",
}

const (
	defaultListenAddr        = "127.0.0.1:8080"
	defaultAPIURL            = "http://localhost:3333"
	defaultAPITimeoutMS      = 10000
	defaultRefreshDebounceMS = 500
	defaultSiteTitle         = "Podcastr"
	defaultSiteDescription   = "O melhor para você ouvir, sempre."
	defaultSiteLocale        = "pt-BR"
	defaultSiteTimezone      = "UTC"
	defaultPublicURL         = "http://localhost:8080"
	defaultHomeLimit         = 12
	defaultLatestCount       = 2
	defaultPrebuildCount     = 2
	defaultRevalidateHome    = 8 * time.Hour
	defaultRevalidateEpisode = 24 * time.Hour
)

// AllowedExtensions returns the list of supported audio file extensions (lowercase).
func AllowedExtensions() []string {
	result := make([]string, len(allowedExtensions))
	copy(result, allowedExtensions)
	return result
}

// ListenAddr returns the TCP address the HTTP server should bind to.
func ListenAddr() string {
	return stringEnv("PODCASTR_LISTEN_ADDR", defaultListenAddr)
}

// ValidateListenAddr checks that addr is a host:port pair with a usable port.
// An empty host binds every interface.
func ValidateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid listen port %q", port)
	}
	return nil
}

// API describes the remote episodes API.
type API struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// ResolveAPI reads the episodes API settings from the environment.
func ResolveAPI() (API, error) {
	api := API{
		URL:     stringEnv("PODCASTR_API_URL", defaultAPIURL),
		Timeout: durationMSEnv("PODCASTR_API_TIMEOUT_MS", defaultAPITimeoutMS),
	}

	if value := strings.TrimSpace(os.Getenv("PODCASTR_API_RPS")); value != "" {
		rps, err := strconv.ParseFloat(value, 64)
		if err != nil || rps < 0 {
			return API{}, fmt.Errorf("invalid PODCASTR_API_RPS %q", value)
		}
		api.RequestsPerSecond = rps
	}
	return api, nil
}

// ResolveAudioRoot returns the local audio directory when one is configured.
// The second return value is false when episodes come from the remote API.
func ResolveAudioRoot() (string, bool, error) {
	dir := strings.TrimSpace(os.Getenv("PODCASTR_AUDIO_DIR"))
	if dir == "" {
		return "", false, nil
	}

	abs, err := absPath(dir)
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", false, err
	}
	return abs, true, nil
}

// ResolveSnapshotDB returns the path of the sqlite snapshot database when
// configured. Its parent directory is created.
func ResolveSnapshotDB() (string, bool, error) {
	path := strings.TrimSpace(os.Getenv("PODCASTR_SNAPSHOT_DB"))
	if path == "" {
		return "", false, nil
	}

	abs, err := absPath(path)
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", false, err
	}
	return abs, true, nil
}

// ResolveTokenFile returns the absolute path to the revalidation token file when
// configured. The file is created empty if it does not already exist.
func ResolveTokenFile() (string, bool, error) {
	path := strings.TrimSpace(os.Getenv("PODCASTR_TOKEN_FILE"))
	if path == "" {
		return "", false, nil
	}

	abs, err := absPath(path)
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", false, err
	}

	file, err := os.OpenFile(abs, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return "", false, err
	}
	if err := file.Close(); err != nil {
		return "", false, err
	}
	return abs, true, nil
}

// RefreshDebounce returns how long to wait after file-system events before
// reloading the audio library or the token file.
func RefreshDebounce() time.Duration {
	return durationMSEnv("PODCASTR_REFRESH_DEBOUNCE_MS", defaultRefreshDebounceMS)
}

// Site is the presentation configuration of the website.
type Site struct {
	Title       string
	Description string
	Author      string
	Locale      string
	Location    *time.Location
	// PublicURL is the address the site is reached at. Absolute links in the
	// RSS feed are built from it, never from request headers.
	PublicURL *url.URL
	// ImageDomains are the thumbnail hosts served through the resize endpoint.
	ImageDomains []string

	HomeLimit         int
	LatestCount       int
	PrebuildCount     int
	RevalidateHome    time.Duration
	RevalidateEpisode time.Duration
}

// Language returns the site locale as a BCP 47 tag, e.g. "pt-BR".
func (s Site) Language() string {
	return strings.ReplaceAll(s.Locale, "_", "-")
}

type siteYAML struct {
	Title        string   `yaml:"title"`
	Description  string   `yaml:"description"`
	Author       string   `yaml:"author"`
	Locale       string   `yaml:"locale"`
	Timezone     string   `yaml:"timezone"`
	BaseURL      string   `yaml:"base_url"`
	ImageDomains []string `yaml:"image_domains"`
	Home         struct {
		Limit  int `yaml:"limit"`
		Latest int `yaml:"latest"`
	} `yaml:"home"`
	Prebuild   int `yaml:"prebuild"`
	Revalidate struct {
		Home    string `yaml:"home"`
		Episode string `yaml:"episode"`
	} `yaml:"revalidate"`
}

// ResolveSite returns the site configuration after applying defaults, the
// YAML file named by PODCASTR_SITE_CONFIG and environment overrides.
func ResolveSite() (Site, error) {
	site := Site{
		Title:             defaultSiteTitle,
		Description:       defaultSiteDescription,
		Locale:            defaultSiteLocale,
		HomeLimit:         defaultHomeLimit,
		LatestCount:       defaultLatestCount,
		PrebuildCount:     defaultPrebuildCount,
		RevalidateHome:    defaultRevalidateHome,
		RevalidateEpisode: defaultRevalidateEpisode,
	}
	timezone := defaultSiteTimezone
	publicURL := defaultPublicURL

	if configPath := strings.TrimSpace(os.Getenv("PODCASTR_SITE_CONFIG")); configPath != "" {
		resolved, err := absPath(configPath)
		if err != nil {
			return Site{}, err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return Site{}, err
		}
		var file siteYAML
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Site{}, fmt.Errorf("parse %s: %w", resolved, err)
		}
		if value := strings.TrimSpace(file.BaseURL); value != "" {
			publicURL = value
		}
		if err := file.apply(&site, &timezone); err != nil {
			return Site{}, fmt.Errorf("%s: %w", resolved, err)
		}
	}

	site.Title = stringEnv("PODCASTR_SITE_TITLE", site.Title)
	site.Locale = stringEnv("PODCASTR_SITE_LOCALE", site.Locale)
	timezone = stringEnv("PODCASTR_SITE_TIMEZONE", timezone)
	publicURL = stringEnv("PODCASTR_PUBLIC_URL", publicURL)

	parsed, err := ParsePublicURL(publicURL)
	if err != nil {
		return Site{}, err
	}
	site.PublicURL = parsed

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Site{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	site.Location = loc

	return site, nil
}

func (f siteYAML) apply(site *Site, timezone *string) error {
	if value := strings.TrimSpace(f.Title); value != "" {
		site.Title = value
	}
	if value := strings.TrimSpace(f.Description); value != "" {
		site.Description = value
	}
	if value := strings.TrimSpace(f.Author); value != "" {
		site.Author = value
	}
	if value := strings.TrimSpace(f.Locale); value != "" {
		site.Locale = value
	}
	if value := strings.TrimSpace(f.Timezone); value != "" {
		*timezone = value
	}
	for _, domain := range f.ImageDomains {
		if domain = strings.TrimSpace(domain); domain != "" {
			site.ImageDomains = append(site.ImageDomains, domain)
		}
	}

	if f.Home.Limit < 0 || f.Home.Latest < 0 || f.Prebuild < 0 {
		return errors.New("page sizes must not be negative")
	}
	if f.Home.Limit > 0 {
		site.HomeLimit = f.Home.Limit
	}
	if f.Home.Latest > 0 {
		site.LatestCount = f.Home.Latest
	}
	if f.Prebuild > 0 {
		site.PrebuildCount = f.Prebuild
	}

	var err error
	if site.RevalidateHome, err = parseInterval(f.Revalidate.Home, site.RevalidateHome); err != nil {
		return fmt.Errorf("revalidate.home: %w", err)
	}
	if site.RevalidateEpisode, err = parseInterval(f.Revalidate.Episode, site.RevalidateEpisode); err != nil {
		return fmt.Errorf("revalidate.episode: %w", err)
	}
	return nil
}

// ParsePublicURL validates an absolute http(s) URL naming where the site is
// hosted. Only the scheme and host are kept.
func ParsePublicURL(value string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid public URL %q: %w", value, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid public URL %q: must be an absolute http(s) URL", value)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

func parseInterval(value string, fallback time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %s must be positive", value)
	}
	return d, nil
}

func stringEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func durationMSEnv(key string, fallbackMS int) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	ms, err := strconv.Atoi(value)
	if value == "" || err != nil || ms < 0 {
		ms = fallbackMS
	}
	return time.Duration(ms) * time.Millisecond
}

func absPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Abs(path)
}
