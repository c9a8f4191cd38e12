// Package feed renders the episode listing as an RSS 2.0 document with the
// iTunes podcast extensions.
package feed

import (
	"encoding/xml"
	"mime"
	"net/url"
	pathpkg "path"
	"strings"
	"time"

	"podcastr/internal/models"
)

// Metadata describes the channel.
type Metadata struct {
	Title       string
	Description string
	Language    string
	Author      string
	// Image is the channel artwork URL, site relative or absolute.
	Image string
}

// Build renders episodes as RSS. Relative links are resolved against base;
// selfPath is the path the feed itself is served at. now is used as the
// build date when no episode carries a publication time.
func Build(meta Metadata, base *url.URL, selfPath string, episodes []models.Episode, now time.Time) ([]byte, error) {
	if meta.Title == "" {
		meta.Title = "Podcastr"
	}
	if meta.Description == "" {
		meta.Description = meta.Title
	}

	root := *base
	root.Path, root.RawQuery, root.Fragment = "", "", ""

	lastBuild := time.Time{}
	for _, ep := range episodes {
		if ep.Published.After(lastBuild) {
			lastBuild = ep.Published
		}
	}
	if lastBuild.IsZero() {
		lastBuild = now
	}

	doc := rssFeed{
		Version:  "2.0",
		AtomNS:   "http://www.w3.org/2005/Atom",
		ITunesNS: "http://www.itunes.com/dtds/podcast-1.0.dtd",
		Channel: rssChannel{
			Title:         meta.Title,
			Link:          root.String() + "/",
			Description:   meta.Description,
			Language:      meta.Language,
			LastBuildDate: lastBuild.UTC().Format(time.RFC1123Z),
			Generator:     "podcastr",
			AtomLink: rssAtomLink{
				Href: resolve(&root, selfPath),
				Rel:  "self",
				Type: "application/rss+xml",
			},
			ITunesAuthor: meta.Author,
		},
	}
	if meta.Image != "" {
		doc.Channel.ITunesImage = &rssImage{Href: resolve(&root, meta.Image)}
	}

	for _, ep := range episodes {
		item := rssItem{
			Title:          ep.Title,
			Link:           resolve(&root, "/episodes/"+url.PathEscape(ep.ID)),
			GUID:           rssGUID{IsPermaLink: "false", Value: ep.ID},
			Description:    ep.Description,
			ITunesDuration: ep.DurationAsString,
			ITunesAuthor:   ep.Members,
		}
		if !ep.Published.IsZero() {
			item.PubDate = ep.Published.UTC().Format(time.RFC1123Z)
		}
		if item.ITunesAuthor == "" {
			item.ITunesAuthor = meta.Author
		}
		if ep.Thumbnail != "" {
			item.ITunesImage = &rssImage{Href: resolve(&root, ep.Thumbnail)}
		}
		if ep.URL != "" {
			media := resolve(&root, ep.URL)
			item.Enclosure = &rssEnclosure{URL: media, Type: MIMEType(media)}
		}
		doc.Channel.Items = append(doc.Channel.Items, item)
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

func resolve(root *url.URL, ref string) string {
	target, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return root.ResolveReference(target).String()
}

// MIMEType guesses the media type of an audio URL from its extension.
func MIMEType(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(pathpkg.Ext(p))
	if ext != "" {
		if value, ok := audioMIMETypes[ext]; ok {
			return value
		}
		if value := mime.TypeByExtension(ext); value != "" {
			return value
		}
	}
	return "audio/mpeg"
}

var audioMIMETypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
}

type rssFeed struct {
	XMLName  xml.Name   `xml:"rss"`
	Version  string     `xml:"version,attr"`
	AtomNS   string     `xml:"xmlns:atom,attr"`
	ITunesNS string     `xml:"xmlns:itunes,attr"`
	Channel  rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string      `xml:"title"`
	Link          string      `xml:"link"`
	Description   string      `xml:"description"`
	Language      string      `xml:"language,omitempty"`
	LastBuildDate string      `xml:"lastBuildDate"`
	Generator     string      `xml:"generator"`
	AtomLink      rssAtomLink `xml:"atom:link"`
	ITunesAuthor  string      `xml:"itunes:author,omitempty"`
	ITunesImage   *rssImage   `xml:"itunes:image,omitempty"`
	Items         []rssItem   `xml:"item"`
}

type rssAtomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type rssImage struct {
	Href string `xml:"href,attr"`
}

type rssItem struct {
	Title          string        `xml:"title"`
	Link           string        `xml:"link"`
	GUID           rssGUID       `xml:"guid"`
	PubDate        string        `xml:"pubDate,omitempty"`
	Description    string        `xml:"description,omitempty"`
	Enclosure      *rssEnclosure `xml:"enclosure,omitempty"`
	ITunesDuration string        `xml:"itunes:duration,omitempty"`
	ITunesAuthor   string        `xml:"itunes:author,omitempty"`
	ITunesImage    *rssImage     `xml:"itunes:image,omitempty"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// The remote API does not report sizes, so length is always 0.
type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}
