package models

import "time"

// AudioFile represents the metadata read from a single local audio file.
type AudioFile struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	RelativePath    string    `json:"relative_path"`
	Title           string    `json:"title"`
	Artist          *string   `json:"artist,omitempty"`
	Album           *string   `json:"album,omitempty"`
	Comment         *string   `json:"comment,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	BitrateKbps     *int      `json:"bitrate_kbps,omitempty"`
	ArtworkMIME     string    `json:"artwork_mime,omitempty"`
	FilesizeBytes   int64     `json:"filesize_bytes"`
	ModifiedAt      time.Time `json:"modified_at"`
}

// HasArtwork reports whether the file carries an embedded picture.
func (f AudioFile) HasArtwork() bool {
	return f.ArtworkMIME != ""
}
