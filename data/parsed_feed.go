package data

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// FeedInfo is the normalized output of the feed parser and the special-source
// handlers. It is what a poll persists.
type FeedInfo struct {
	Title       string
	Description string
	SiteURL     string
	IconURL     string
	Items       []ParsedItem
}

// ParsedItem is one normalized feed entry. GUID, URL, and Description are
// always populated, falling back to other source fields when the markup is
// minimal.
type ParsedItem struct {
	GUID        string
	Title       string
	URL         string
	Description string
	Content     string
	Author      string
	Categories  []string
	PublishedAt pgtype.Timestamptz
}

func (f *FeedInfo) IsValid() bool {
	if f.Title == "" {
		return false
	}

	for _, item := range f.Items {
		if item.GUID == "" || item.URL == "" {
			return false
		}
	}

	return true
}
