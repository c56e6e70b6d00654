package parser

import (
	"bytes"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}

	prologEncodingRe = regexp.MustCompile(`^\s*<\?xml[^>]*?encoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)
)

const prologScanBytes = 1024

// toUTF8 returns the document re-encoded as UTF-8.
// The label is taken from the BOM, then the Content-Type charset, then the XML prolog.
func toUTF8(body []byte, contentType string) ([]byte, error) {
	label, body := encodingLabel(body, contentType)

	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, parseErr(fmt.Sprintf("unsupported encoding %q", label), nil)
	}

	if name == "utf-8" {
		if !utf8.Valid(body) {
			return nil, parseErr("invalid utf-8 byte sequence", nil)
		}
		return rewritePrologEncoding(body), nil
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, parseErr(fmt.Sprintf("decode %s", name), err)
	}
	if bytes.ContainsRune(decoded, utf8.RuneError) {
		return nil, parseErr(fmt.Sprintf("invalid %s byte sequence", name), nil)
	}
	return rewritePrologEncoding(decoded), nil
}

func encodingLabel(body []byte, contentType string) (string, []byte) {
	switch {
	case bytes.HasPrefix(body, bomUTF8):
		return "utf-8", body[len(bomUTF8):]
	case bytes.HasPrefix(body, bomUTF16LE):
		return "utf-16le", body[len(bomUTF16LE):]
	case bytes.HasPrefix(body, bomUTF16BE):
		return "utf-16be", body[len(bomUTF16BE):]
	}

	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if cs := strings.TrimSpace(params["charset"]); cs != "" {
				return cs, body
			}
		}
	}

	head := body
	if len(head) > prologScanBytes {
		head = head[:prologScanBytes]
	}
	if m := prologEncodingRe.FindSubmatch(head); m != nil {
		return string(m[1]), body
	}

	return "utf-8", body
}

// rewritePrologEncoding makes the XML declaration agree with the bytes that follow it.
func rewritePrologEncoding(doc []byte) []byte {
	loc := prologEncodingRe.FindSubmatchIndex(doc)
	if loc == nil || strings.EqualFold(string(doc[loc[2]:loc[3]]), "utf-8") {
		return doc
	}
	out := make([]byte, 0, len(doc))
	out = append(out, doc[:loc[2]]...)
	out = append(out, "UTF-8"...)
	out = append(out, doc[loc[3]:]...)
	return out
}
