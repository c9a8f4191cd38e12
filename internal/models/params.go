package models

import (
	"net/url"
	"strconv"
	"strings"
)

// Sort fields and orders understood by every episode source.
const (
	SortPublishedAt = "published_at"
	SortTitle       = "title"
	OrderAsc        = "asc"
	OrderDesc       = "desc"
)

// ListParams are the pagination parameters of an episode listing.
type ListParams struct {
	Limit int
	Sort  string
	Order string
}

// Descending reports whether results should be ordered high to low.
func (p ListParams) Descending() bool {
	return strings.EqualFold(p.Order, OrderDesc)
}

// Query encodes p in the json-server convention (_limit, _sort, _order).
func (p ListParams) Query() url.Values {
	values := url.Values{}
	if p.Limit > 0 {
		values.Set("_limit", strconv.Itoa(p.Limit))
	}
	if p.Sort != "" {
		values.Set("_sort", p.Sort)
	}
	if p.Order != "" {
		values.Set("_order", p.Order)
	}
	return values
}
