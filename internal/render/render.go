// Package render turns page data into HTML.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"

	twmerge "github.com/Oudwins/tailwind-merge-go"

	"podcastr/internal/models"
	"podcastr/internal/pages"
)

//go:embed templates/*.html
var templateFS embed.FS

// Site is the static information shared by every page.
type Site struct {
	Title       string
	Description string
	Language    string
	Labels      Labels
	// ImageHosts lists the remote hosts whose thumbnails are resized through
	// the image endpoint. Other URLs are linked as is.
	ImageHosts []string
}

// Labels are the fixed strings of the page chrome.
type Labels struct {
	Latest      string
	All         string
	Podcast     string
	Members     string
	Date        string
	Duration    string
	Play        string
	Back        string
	NotFound    string
	Unavailable string
}

// LabelsFor returns the chrome strings for a language tag.
func LabelsFor(language string) Labels {
	if strings.HasPrefix(strings.ToLower(language), "pt") {
		return Labels{
			Latest:      "Últimos lançamentos",
			All:         "Todos episódios",
			Podcast:     "Podcast",
			Members:     "Integrantes",
			Date:        "Data",
			Duration:    "Duração",
			Play:        "Tocar episódio",
			Back:        "Voltar",
			NotFound:    "Episódio não encontrado",
			Unavailable: "Episódio indisponível no momento",
		}
	}
	return Labels{
		Latest:      "Latest releases",
		All:         "All episodes",
		Podcast:     "Podcast",
		Members:     "Members",
		Date:        "Date",
		Duration:    "Duration",
		Play:        "Play episode",
		Back:        "Back",
		NotFound:    "Episode not found",
		Unavailable: "Episode temporarily unavailable",
	}
}

// Renderer executes the page templates.
type Renderer struct {
	site    Site
	home    *template.Template
	episode *template.Template
	errPage *template.Template
}

// New parses the embedded templates.
func New(site Site) (*Renderer, error) {
	if site.Labels == (Labels{}) {
		site.Labels = LabelsFor(site.Language)
	}
	if site.Language == "" {
		site.Language = "en"
	}

	r := &Renderer{site: site}
	funcs := template.FuncMap{
		"image":      r.imageURL,
		"classes":    twmerge.Merge,
		"episodeURL": EpisodeURL,
		"rawHTML":    func(s string) template.HTML { return template.HTML(s) },
	}

	var err error
	if r.home, err = parse(funcs, "home.html"); err != nil {
		return nil, err
	}
	if r.episode, err = parse(funcs, "episode.html"); err != nil {
		return nil, err
	}
	if r.errPage, err = parse(funcs, "error.html"); err != nil {
		return nil, err
	}
	return r, nil
}

func parse(funcs template.FuncMap, page string) (*template.Template, error) {
	t, err := template.New(page).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+page)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", page, err)
	}
	return t, nil
}

type homeData struct {
	Site   Site
	Title  string
	Latest []models.Episode
	All    []models.Episode
}

type episodeData struct {
	Site    Site
	Title   string
	Episode models.Episode
}

type errorData struct {
	Site    Site
	Title   string
	Status  int
	Message string
}

// Home renders the home page.
func (r *Renderer) Home(page pages.HomePage) ([]byte, error) {
	return execute(r.home, homeData{
		Site:   r.site,
		Title:  r.site.Title,
		Latest: page.Latest,
		All:    page.All,
	})
}

// Episode renders an episode page.
func (r *Renderer) Episode(page pages.EpisodePage) ([]byte, error) {
	return execute(r.episode, episodeData{
		Site:    r.site,
		Title:   page.Episode.Title + " | " + r.site.Title,
		Episode: page.Episode,
	})
}

// Error renders an error page. An empty message uses the label for status.
func (r *Renderer) Error(status int, message string) ([]byte, error) {
	if message == "" {
		if status == 404 {
			message = r.site.Labels.NotFound
		} else {
			message = r.site.Labels.Unavailable
		}
	}
	return execute(r.errPage, errorData{
		Site:    r.site,
		Title:   strconv.Itoa(status) + " | " + r.site.Title,
		Status:  status,
		Message: message,
	})
}

func execute(t *template.Template, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return nil, fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

// EpisodeURL is the site path of an episode page.
func EpisodeURL(id string) string {
	return "/episodes/" + url.PathEscape(id)
}

// ImageURL is the path of a resized copy of src.
func ImageURL(src string, width, height int) string {
	values := url.Values{}
	values.Set("url", src)
	values.Set("w", strconv.Itoa(width))
	values.Set("h", strconv.Itoa(height))
	return "/_image?" + values.Encode()
}

func (r *Renderer) imageURL(src string, width, height int) string {
	u, err := url.Parse(src)
	if err != nil || u.Host == "" {
		return src
	}
	for _, host := range r.site.ImageHosts {
		if strings.EqualFold(host, u.Hostname()) {
			return ImageURL(src, width, height)
		}
	}
	return src
}
