package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by episode sources that have no record for an id.
var ErrNotFound = errors.New("episode not found")

// RawEpisode is an episode record exactly as the episodes API returns it.
type RawEpisode struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Members     string  `json:"members"`
	PublishedAt string  `json:"published_at"`
	Thumbnail   string  `json:"thumbnail"`
	Description string  `json:"description"`
	File        RawFile `json:"file"`
}

// RawFile is the media attachment of a RawEpisode.
type RawFile struct {
	URL      string     `json:"url"`
	Type     string     `json:"type,omitempty"`
	Duration FlexNumber `json:"duration"`
}

// FlexNumber holds the textual form of a JSON value that may be encoded either
// as a number or as a string. Coercion into a numeric type is left to callers.
type FlexNumber string

// UnmarshalJSON keeps the text of numbers and strings. Any other JSON value
// is kept verbatim so the record can be rejected on its own later.
func (n *FlexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = FlexNumber(s)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		*n = FlexNumber(data)
		return nil
	}
	*n = FlexNumber(num.String())
	return nil
}

// MarshalJSON writes numeric text as a JSON number and anything else as a string.
func (n FlexNumber) MarshalJSON() ([]byte, error) {
	if n == "" {
		return []byte("null"), nil
	}
	if json.Valid([]byte(n)) {
		var num json.Number
		if err := json.Unmarshal([]byte(n), &num); err == nil {
			return []byte(num.String()), nil
		}
	}
	return json.Marshal(string(n))
}

// Episode is the display-ready form of a RawEpisode.
type Episode struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Thumbnail        string    `json:"thumbnail"`
	Members          string    `json:"members"`
	PublishedAt      string    `json:"publishedAt"`
	Published        time.Time `json:"-"`
	Duration         uint64    `json:"duration"`
	DurationAsString string    `json:"durationAsString"`
	URL              string    `json:"url"`
	Description      string    `json:"description,omitempty"`
}
