package episode

import (
	"podcastr/internal/models"
)

// Builder maps raw episode records onto display-ready episodes.
type Builder struct {
	dates DateFormatter
}

// NewBuilder returns a Builder that renders publication dates with dates.
func NewBuilder(dates DateFormatter) *Builder {
	return &Builder{dates: dates}
}

// Summary builds the listing form of raw. The description is left empty.
func (b *Builder) Summary(raw models.RawEpisode) (models.Episode, error) {
	seconds, err := coerceSeconds(string(raw.File.Duration))
	if err != nil {
		return models.Episode{}, &MalformedInputError{
			EpisodeID: raw.ID,
			Field:     "file.duration",
			Value:     string(raw.File.Duration),
			Reason:    err.Error(),
		}
	}

	published, err := b.dates.Parse(raw.PublishedAt)
	if err != nil {
		return models.Episode{}, &MalformedInputError{
			EpisodeID: raw.ID,
			Field:     "published_at",
			Value:     raw.PublishedAt,
			Reason:    err.Error(),
		}
	}

	return models.Episode{
		ID:               raw.ID,
		Title:            raw.Title,
		Thumbnail:        raw.Thumbnail,
		Members:          raw.Members,
		PublishedAt:      b.dates.Format(published),
		Published:        published,
		Duration:         seconds,
		DurationAsString: FormatDuration(seconds),
		URL:              raw.File.URL,
	}, nil
}

// Detail builds the detail page form of raw, which also carries the HTML
// description.
func (b *Builder) Detail(raw models.RawEpisode) (models.Episode, error) {
	ep, err := b.Summary(raw)
	if err != nil {
		return models.Episode{}, err
	}
	ep.Description = raw.Description
	return ep, nil
}

// Summaries builds every record in raws. Records that fail are left out of the
// result and their errors returned alongside, in input order.
func (b *Builder) Summaries(raws []models.RawEpisode) ([]models.Episode, []error) {
	episodes := make([]models.Episode, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		ep, err := b.Summary(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		episodes = append(episodes, ep)
	}
	return episodes, errs
}
