package parser

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

type ContentFormat string

const (
	FormatHTML     ContentFormat = "html"
	FormatMarkdown ContentFormat = "markdown"
)

type Options struct {
	ContentFormat ContentFormat
}

// Meta describes where and when a document was fetched.
type Meta struct {
	URL         string
	ContentType string
	FetchedAt   time.Time
}

type Parser struct {
	format ContentFormat
}

func New(opts Options) (*Parser, error) {
	switch opts.ContentFormat {
	case "":
		opts.ContentFormat = FormatHTML
	case FormatHTML, FormatMarkdown:
	default:
		return nil, fmt.Errorf("unknown content format %q", opts.ContentFormat)
	}
	return &Parser{format: opts.ContentFormat}, nil
}

// Parse decodes body and returns its entries. Errors are always *ParseError.
func (p *Parser) Parse(body []byte, meta Meta) (*Entries, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, parseErr("empty document", nil)
	}

	doc, err := toUTF8(body, meta.ContentType)
	if err != nil {
		return nil, err
	}

	g, err := detectGrammar(doc)
	if err != nil {
		return nil, err
	}

	feed, err := g.parse(doc)
	if err != nil {
		return nil, parseErr(fmt.Sprintf("malformed %s document", g.kind()), err)
	}

	fetchedAt := meta.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	e := &Entries{
		Title:       strings.TrimSpace(feed.Title),
		Description: strings.TrimSpace(feed.Description),
		Link:        strings.TrimSpace(feed.Link),
		Kind:        g.kind(),
		items:       feed.Items,
		base:        baseURL(meta.URL),
		fetchedAt:   fetchedAt.UTC(),
		pos:         -1,
	}
	if p.format == FormatMarkdown {
		e.converter = md.NewConverter(md.DomainFromURL(meta.URL), true, nil)
	}
	return e, nil
}
