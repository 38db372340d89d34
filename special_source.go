package main

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jlowell/gleaner/data"
	"golang.org/x/net/html/charset"
	log "gopkg.in/inconshreveable/log15.v2"
)

// SpecialSourceHandler is an alternate fetch+parse pipeline for sources that
// do not conform to standard feed semantics. Handlers are selected by URL
// pattern and must produce the same normalized item shape as the standard
// parser.
type SpecialSourceHandler interface {
	// Type identifies the handler in the feed's health row.
	Type() string

	// Matches reports whether this handler should serve feedURL.
	Matches(feedURL string) bool

	// Fetch retrieves and normalizes the source in one step.
	Fetch(ctx context.Context, feedURL string) (*data.FeedInfo, *FeedError)
}

func selectSpecialSourceHandler(handlers []SpecialSourceHandler, feedURL string) SpecialSourceHandler {
	for _, h := range handlers {
		if h.Matches(feedURL) {
			return h
		}
	}
	return nil
}

// ClassifiedsHandler serves classifieds marketplace feeds whose RSS violates
// enough of the standard that the normal parser rejects them. It decodes the
// XML itself with lax settings and tolerates missing item fields.
type ClassifiedsHandler struct {
	fetcher     *Fetcher
	hostPattern string
	logger      log.Logger
}

const classifiedsHandlerType = "classifieds"
const defaultClassifiedsHostPattern = "craigslist.org"

func NewClassifiedsHandler(fetcher *Fetcher, hostPattern string, logger log.Logger) *ClassifiedsHandler {
	if hostPattern == "" {
		hostPattern = defaultClassifiedsHostPattern
	}
	return &ClassifiedsHandler{fetcher: fetcher, hostPattern: hostPattern, logger: logger}
}

func (h *ClassifiedsHandler) Type() string {
	return classifiedsHandlerType
}

func (h *ClassifiedsHandler) Matches(feedURL string) bool {
	return strings.Contains(feedURL, h.hostPattern)
}

type classifiedsChannel struct {
	Title       string            `xml:"title"`
	Description string            `xml:"description"`
	Link        string            `xml:"link"`
	Items       []classifiedsItem `xml:"item"`
}

type classifiedsItem struct {
	GUID        string   `xml:"guid"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Author      string   `xml:"creator"`
	Categories  []string `xml:"category"`
	PubDate     string   `xml:"pubDate"`
	Date        string   `xml:"date"`
}

func (h *ClassifiedsHandler) Fetch(ctx context.Context, feedURL string) (*data.FeedInfo, *FeedError) {
	result, ferr := h.fetcher.Fetch(ctx, feedURL)
	if ferr != nil {
		return nil, ferr
	}

	var doc struct {
		Channel classifiedsChannel `xml:"channel"`
		Items   []classifiedsItem  `xml:"item"`
	}
	if err := decodeLaxXML(result.Body, &doc); err != nil {
		return nil, NewFeedError(ErrorParse, "unable to decode source document: %v", err)
	}

	ch := doc.Channel
	if ch.Title == "" && ch.Description == "" && ch.Link == "" && len(doc.Items) == 0 {
		return nil, NewFeedError(ErrorEmptyFeed, "document contains no channel")
	}
	if ch.Title == "" || ch.Description == "" || ch.Link == "" {
		return nil, NewFeedError(ErrorValidation, "channel is missing title, description, or link")
	}

	items := ch.Items
	if len(items) == 0 {
		// RSS 1.0 puts items beside the channel instead of inside it.
		items = doc.Items
	}

	info := &data.FeedInfo{
		Title:       strings.TrimSpace(ch.Title),
		Description: strings.TrimSpace(ch.Description),
		SiteURL:     strings.TrimSpace(ch.Link),
		Items:       make([]data.ParsedItem, 0, len(items)),
	}

	for _, item := range items {
		guid := strings.TrimSpace(item.GUID)
		link := strings.TrimSpace(item.Link)
		if guid == "" {
			guid = link
		}
		if link == "" {
			link = guid
		}
		if guid == "" {
			continue
		}

		var publishedAt pgtype.Timestamptz
		for _, raw := range []string{item.PubDate, item.Date} {
			if raw == "" {
				continue
			}
			if t, err := parseFeedTime(raw); err == nil {
				publishedAt = pgtype.Timestamptz{Time: t, Valid: true}
				break
			}
		}

		info.Items = append(info.Items, data.ParsedItem{
			GUID:        guid,
			Title:       strings.TrimSpace(item.Title),
			URL:         link,
			Description: strings.TrimSpace(item.Description),
			Author:      strings.TrimSpace(item.Author),
			Categories:  item.Categories,
			PublishedAt: publishedAt,
		})
	}

	return info, nil
}

// decodeLaxXML decodes doc tolerantly: charset sniffing and HTML entities,
// since these sources routinely emit both.
func decodeLaxXML(body []byte, doc interface{}) error {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = charset.NewReaderLabel
	decoder.Strict = false
	decoder.Entity = xml.HTMLEntity

	return decoder.Decode(doc)
}

// parseFeedTime tries multiple time formats one after another until one
// works or all fail.
func parseFeedTime(value string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05-07:00",
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822,
		"02 Jan 2006 15:04:05 MST",
		"Mon, _2 Jan 2006 15:04:05 MST",
		"Mon, _2 Jan 2006 15:04:05 -0700",
		"2006-01-02",
	}

	var err error
	var t time.Time
	for _, f := range formats {
		t, err = time.Parse(f, value)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, err
}
