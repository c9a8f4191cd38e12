package episode

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodsign/monday"
)

// ShortDateLayout is the Go layout for "d MMM yy", e.g. "11 Mar 21".
const ShortDateLayout = "2 Jan 06"

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// DateFormatter parses ISO-8601 timestamps and renders them in a fixed layout
// using the month names of a locale.
type DateFormatter struct {
	locale   monday.Locale
	location *time.Location
	layout   string
}

// NewDateFormatter returns a formatter for the given locale ("pt-BR" and
// "pt_BR" are equivalent). Timestamps without a zone are read in loc; nil
// means UTC.
func NewDateFormatter(locale string, loc *time.Location) (DateFormatter, error) {
	resolved, err := ResolveLocale(locale)
	if err != nil {
		return DateFormatter{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return DateFormatter{locale: resolved, location: loc, layout: ShortDateLayout}, nil
}

// ResolveLocale maps a BCP 47 style tag onto one of the locales monday knows.
func ResolveLocale(name string) (monday.Locale, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return monday.LocaleEnUS, nil
	}
	candidate := strings.ReplaceAll(name, "-", "_")
	for _, known := range monday.ListLocales() {
		if strings.EqualFold(string(known), candidate) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unsupported locale %q", name)
}

// Locale returns the locale the formatter renders with.
func (f DateFormatter) Locale() monday.Locale {
	return f.locale
}

// Parse reads an ISO-8601 timestamp.
func (f DateFormatter) Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}

	loc := f.location
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("timestamp is not ISO-8601")
}

// Format renders t in the formatter's layout and locale.
func (f DateFormatter) Format(t time.Time) string {
	if f.location != nil {
		t = t.In(f.location)
	}
	layout := f.layout
	if layout == "" {
		layout = ShortDateLayout
	}
	locale := f.locale
	if locale == "" {
		locale = monday.LocaleEnUS
	}
	return monday.Format(t, layout, locale)
}
