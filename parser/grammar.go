package parser

import (
	"bytes"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"
)

type Kind string

const (
	KindRSS  Kind = "rss"
	KindAtom Kind = "atom"
)

// grammar turns a UTF-8 document of one feed dialect into the generic feed model.
type grammar interface {
	kind() Kind
	parse(doc []byte) (*gofeed.Feed, error)
}

type rssGrammar struct{}

func (rssGrammar) kind() Kind { return KindRSS }

func (rssGrammar) parse(doc []byte) (*gofeed.Feed, error) {
	raw, err := (&rss.Parser{}).Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	return (&gofeed.DefaultRSSTranslator{}).Translate(raw)
}

type atomGrammar struct{}

func (atomGrammar) kind() Kind { return KindAtom }

func (atomGrammar) parse(doc []byte) (*gofeed.Feed, error) {
	raw, err := (&atom.Parser{}).Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	return (&gofeed.DefaultAtomTranslator{}).Translate(raw)
}

func detectGrammar(doc []byte) (grammar, error) {
	switch t := gofeed.DetectFeedType(bytes.NewReader(doc)); t {
	case gofeed.FeedTypeRSS:
		return rssGrammar{}, nil
	case gofeed.FeedTypeAtom:
		return atomGrammar{}, nil
	case gofeed.FeedTypeJSON:
		return nil, parseErr("json feeds are not supported", nil)
	default:
		return nil, parseErr("unrecognized feed format", nil)
	}
}
