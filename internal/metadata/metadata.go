package metadata

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/tcolgate/mp3"

	"podcastr/internal/models"
)

// ErrNoArtwork is returned by ReadArtwork when a file has no embedded picture.
var ErrNoArtwork = errors.New("no embedded artwork")

// ReadAudioFile constructs a metadata snapshot for the given audio file path.
func ReadAudioFile(path string, root string) (models.AudioFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.AudioFile{}, err
	}

	relative, err := filepath.Rel(root, path)
	if err != nil {
		relative = filepath.Base(path)
	}
	relative = filepath.ToSlash(relative)

	tags := readTags(path)
	title := tags.title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	var durationPtr *float64
	var bitratePtr *int

	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		dur, err := computeMP3Duration(path)
		if err == nil && dur > 0 {
			duration := dur
			durationPtr = &duration

			bitrate := int(math.Round((float64(info.Size()) * 8) / duration / 1000))
			if bitrate > 0 {
				bitratePtr = &bitrate
			}
		}
	}

	return models.AudioFile{
		ID:              Slug(relative),
		Filename:        filepath.Base(path),
		RelativePath:    relative,
		Title:           title,
		Artist:          tags.artist,
		Album:           tags.album,
		Comment:         tags.comment,
		DurationSeconds: durationPtr,
		BitrateKbps:     bitratePtr,
		ArtworkMIME:     tags.artworkMIME,
		FilesizeBytes:   info.Size(),
		ModifiedAt:      info.ModTime().UTC().Round(time.Second),
	}, nil
}

// Slug derives a URL path segment from a slash separated relative path.
func Slug(relative string) string {
	relative = strings.TrimSuffix(relative, filepath.Ext(relative))

	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(relative) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// ReadArtwork returns the embedded picture of an audio file.
func ReadArtwork(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return nil, "", err
	}
	pic := meta.Picture()
	if pic == nil || len(pic.Data) == 0 {
		return nil, "", ErrNoArtwork
	}
	return pic.Data, pictureMIME(pic), nil
}

type fileTags struct {
	title       string
	artist      *string
	album       *string
	comment     *string
	artworkMIME string
}

func readTags(path string) fileTags {
	f, err := os.Open(path)
	if err != nil {
		return fileTags{}
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return fileTags{}
	}

	tags := fileTags{
		title:   strings.TrimSpace(meta.Title()),
		artist:  optionalString(meta.Artist()),
		album:   optionalString(meta.Album()),
		comment: optionalString(meta.Comment()),
	}
	if pic := meta.Picture(); pic != nil && len(pic.Data) > 0 {
		tags.artworkMIME = pictureMIME(pic)
	}
	return tags
}

func pictureMIME(pic *tag.Picture) string {
	if pic.MIMEType != "" {
		return pic.MIMEType
	}
	switch strings.ToLower(pic.Ext) {
	case "png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func computeMP3Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	decoder := mp3.NewDecoder(f)
	var frame mp3.Frame
	var skipped int
	var total float64

	for {
		err := decoder.Decode(&frame, &skipped)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		total += frame.Duration().Seconds()
	}

	return total, nil
}
