package episode

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcastr/internal/models"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	dates, err := NewDateFormatter("en-US", time.UTC)
	require.NoError(t, err)
	return NewBuilder(dates)
}

func sampleRaw() models.RawEpisode {
	return models.RawEpisode{
		ID:          "a-importancia-da-contribuicao-em-open-source",
		Title:       "A importância da contribuição em Open Source",
		Members:     "Diego, Richard",
		PublishedAt: "2021-03-11 13:00:00",
		Thumbnail:   "https://example.com/opensource.jpg",
		Description: "<p>Nesse episódio...</p>",
		File: models.RawFile{
			URL:      "https://example.com/opensource.m4a",
			Type:     "audio/x-m4a",
			Duration: "3981",
		},
	}
}

func TestSummaryMapsFields(t *testing.T) {
	b := newTestBuilder(t)

	ep, err := b.Summary(sampleRaw())
	require.NoError(t, err)

	assert.Equal(t, "a-importancia-da-contribuicao-em-open-source", ep.ID)
	assert.Equal(t, "A importância da contribuição em Open Source", ep.Title)
	assert.Equal(t, "Diego, Richard", ep.Members)
	assert.Equal(t, "https://example.com/opensource.jpg", ep.Thumbnail)
	assert.Equal(t, "https://example.com/opensource.m4a", ep.URL)
	assert.Equal(t, "11 Mar 21", ep.PublishedAt)
	assert.Equal(t, uint64(3981), ep.Duration)
	assert.Equal(t, "01:06:21", ep.DurationAsString)
	assert.Empty(t, ep.Description)
}

func TestDetailCarriesDescription(t *testing.T) {
	b := newTestBuilder(t)

	ep, err := b.Detail(sampleRaw())
	require.NoError(t, err)
	assert.Equal(t, "<p>Nesse episódio...</p>", ep.Description)
}

func TestSummaryCoercesStringDuration(t *testing.T) {
	b := newTestBuilder(t)
	raw := sampleRaw()
	raw.File.Duration = "125"

	ep, err := b.Summary(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(125), ep.Duration)
	assert.Equal(t, "00:02:05", ep.DurationAsString)
}

func TestSummaryAcceptsNumericJSONDuration(t *testing.T) {
	b := newTestBuilder(t)
	payload := `{"id":"x","published_at":"2021-01-22T13:00:00Z","file":{"url":"u","duration":125}}`

	var raw models.RawEpisode
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))

	ep, err := b.Summary(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(125), ep.Duration)
	assert.Equal(t, "00:02:05", ep.DurationAsString)
	assert.Equal(t, "22 Jan 21", ep.PublishedAt)
}

func TestSummaryRejectsNonNumericDuration(t *testing.T) {
	b := newTestBuilder(t)

	for _, value := range []models.FlexNumber{"abc", "", "-10", "12.5", "NaN", "true", "{}", "[1]"} {
		raw := sampleRaw()
		raw.File.Duration = value

		ep, err := b.Summary(raw)
		require.Error(t, err, "duration=%q", value)
		assert.Equal(t, models.Episode{}, ep)
		assert.True(t, errors.Is(err, ErrMalformedInput))

		var malformed *MalformedInputError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, "file.duration", malformed.Field)
		assert.Equal(t, raw.ID, malformed.EpisodeID)
	}
}

func TestSummaryRejectsInvalidTimestamp(t *testing.T) {
	b := newTestBuilder(t)
	raw := sampleRaw()
	raw.PublishedAt = "yesterday"

	_, err := b.Summary(raw)
	var malformed *MalformedInputError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "published_at", malformed.Field)
}

func TestSummaryIsDeterministic(t *testing.T) {
	b := newTestBuilder(t)
	raw := sampleRaw()

	first, err := b.Detail(raw)
	require.NoError(t, err)
	second, err := b.Detail(raw)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON)
}

func TestSummariesSkipsMalformedRecords(t *testing.T) {
	b := newTestBuilder(t)

	good := sampleRaw()
	bad := sampleRaw()
	bad.ID = "broken"
	bad.File.Duration = "soon"
	other := sampleRaw()
	other.ID = "other"

	episodes, errs := b.Summaries([]models.RawEpisode{good, bad, other})
	require.Len(t, episodes, 2)
	assert.Equal(t, good.ID, episodes[0].ID)
	assert.Equal(t, "other", episodes[1].ID)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "broken")
}
