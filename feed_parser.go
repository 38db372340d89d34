package main

import (
	"bytes"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jlowell/gleaner/data"
	"github.com/mmcdole/gofeed"
)

// Parser normalizes raw feed documents (RSS dialects and Atom) into
// data.FeedInfo. Malformed, non-XML, or empty content yields a categorized
// *FeedError.
type Parser struct {
	fp *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{fp: gofeed.NewParser()}
}

func (p *Parser) Parse(content []byte) (*data.FeedInfo, *FeedError) {
	if !looksLikeXML(content) {
		return nil, NewFeedError(ErrorParse, "content does not look like XML")
	}

	feed, err := p.fp.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, NewFeedError(ErrorParse, "unable to parse feed: %v", err)
	}

	if len(feed.Items) == 0 {
		return nil, NewFeedError(ErrorParse, "feed contains no items")
	}

	info := &data.FeedInfo{
		Title:       strings.TrimSpace(feed.Title),
		Description: strings.TrimSpace(feed.Description),
		SiteURL:     strings.TrimSpace(feed.Link),
		Items:       make([]data.ParsedItem, 0, len(feed.Items)),
	}
	if feed.Image != nil {
		info.IconURL = strings.TrimSpace(feed.Image.URL)
	}
	if info.Title == "" {
		info.Title = info.Description
	}

	for _, item := range feed.Items {
		info.Items = append(info.Items, normalizeItem(item))
	}

	if !info.IsValid() {
		return nil, NewFeedError(ErrorValidation, "feed is missing a title or item identifiers")
	}

	return info, nil
}

// normalizeItem guarantees non-empty guid, url, and description fields even
// from minimal markup: guid falls back to link, description falls back from
// snippet to full content.
func normalizeItem(item *gofeed.Item) data.ParsedItem {
	guid := strings.TrimSpace(item.GUID)
	link := strings.TrimSpace(item.Link)
	if guid == "" {
		guid = link
	}
	if link == "" {
		link = guid
	}

	description := strings.TrimSpace(item.Description)
	if description == "" {
		description = strings.TrimSpace(item.Content)
	}

	var author string
	if item.Author != nil {
		author = strings.TrimSpace(item.Author.Name)
	}

	var publishedAt pgtype.Timestamptz
	if item.PublishedParsed != nil {
		publishedAt = pgtype.Timestamptz{Time: *item.PublishedParsed, Valid: true}
	} else if item.UpdatedParsed != nil {
		publishedAt = pgtype.Timestamptz{Time: *item.UpdatedParsed, Valid: true}
	}

	return data.ParsedItem{
		GUID:        guid,
		Title:       strings.TrimSpace(item.Title),
		URL:         link,
		Description: description,
		Content:     strings.TrimSpace(item.Content),
		Author:      author,
		Categories:  item.Categories,
		PublishedAt: publishedAt,
	}
}

// looksLikeXML checks for a leading '<' after optional BOM and whitespace.
func looksLikeXML(content []byte) bool {
	content = bytes.TrimPrefix(content, []byte{0xEF, 0xBB, 0xBF})
	content = bytes.TrimLeft(content, " \t\r\n")
	return len(content) > 0 && content[0] == '<'
}
