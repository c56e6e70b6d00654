package parser

import (
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/mmcdole/gofeed"
)

// Candidate is a normalised entry that has not been persisted yet.
type Candidate struct {
	Title     string
	URL       string
	Published time.Time
	Content   string
}

// Entries is a finite, single-pass sequence of candidates.
//
//	for entries.Next() {
//		c := entries.Candidate()
//	}
type Entries struct {
	Title       string
	Description string
	Link        string
	Kind        Kind

	items     []*gofeed.Item
	base      *url.URL
	fetchedAt time.Time
	converter *md.Converter

	pos     int
	cur     Candidate
	skipped int
	done    bool
}

// Next advances to the next entry with a usable link. Entries without one are counted as skipped.
func (e *Entries) Next() bool {
	if e.done {
		return false
	}
	for e.pos+1 < len(e.items) {
		e.pos++
		item := e.items[e.pos]
		if item == nil {
			e.skipped++
			continue
		}
		link := e.resolve(item.Link)
		if link == "" {
			e.skipped++
			continue
		}
		e.cur = e.candidate(item, link)
		return true
	}
	e.done = true
	e.cur = Candidate{}
	return false
}

// Candidate returns the entry the last successful Next call stopped at.
func (e *Entries) Candidate() Candidate {
	return e.cur
}

// Skipped is the number of entries dropped so far for lacking a link.
func (e *Entries) Skipped() int {
	return e.skipped
}

// Len is the number of raw entries in the document, including ones that will be skipped.
func (e *Entries) Len() int {
	return len(e.items)
}

func (e *Entries) candidate(item *gofeed.Item, link string) Candidate {
	c := Candidate{
		Title: strings.TrimSpace(item.Title),
		URL:   link,
	}
	if c.Title == "" {
		c.Title = link
	}

	switch {
	case item.PublishedParsed != nil && !item.PublishedParsed.IsZero():
		c.Published = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil && !item.UpdatedParsed.IsZero():
		c.Published = item.UpdatedParsed.UTC()
	default:
		c.Published = e.fetchedAt
	}

	content := strings.TrimSpace(item.Content)
	if content == "" {
		content = strings.TrimSpace(item.Description)
	}
	c.Content = e.format(content)
	return c
}

func (e *Entries) format(content string) string {
	if e.converter == nil || content == "" {
		return content
	}
	out, err := e.converter.ConvertString(content)
	if err != nil {
		return content
	}
	return strings.TrimSpace(out)
}

func (e *Entries) resolve(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if u.IsAbs() || e.base == nil {
		return u.String()
	}
	return e.base.ResolveReference(u).String()
}

func baseURL(raw string) *url.URL {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return nil
	}
	return u
}
