// Package classify labels crawled dataset pages with satellite, sensor type and
// resolution class by merging the votes of several independent classifiers.
package classify

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Document is the classifier-facing view of one page.
type Document struct {
	URL         string
	Title       string
	Description string
	Keywords    []string
	Headings    []string
	// Fields holds label/value pairs from definition lists and two-column tables.
	Fields map[string]string
	// Raw is the visible text with whitespace collapsed and casing preserved.
	Raw string
	// Text is Raw plus metadata, NFKC-normalized and case-folded.
	Text   string
	Tokens []string
}

// ExtractDocument parses HTML into a Document.
func ExtractDocument(url string, html []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	out := Document{
		URL:    url,
		Title:  collapse(doc.Find("title").First().Text()),
		Fields: make(map[string]string),
	}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if name == "" {
			name, _ = s.Attr("property")
		}
		content, _ := s.Attr("content")
		switch strings.ToLower(name) {
		case "description", "og:description", "dc.description":
			if out.Description == "" {
				out.Description = collapse(content)
			}
		case "keywords":
			for _, kw := range strings.Split(content, ",") {
				if kw = collapse(kw); kw != "" {
					out.Keywords = append(out.Keywords, kw)
				}
			}
		}
	})
	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if h := collapse(s.Text()); h != "" {
			out.Headings = append(out.Headings, h)
		}
	})
	doc.Find("dl dt").Each(func(_ int, s *goquery.Selection) {
		key := collapse(s.Text())
		val := collapse(s.NextFiltered("dd").Text())
		if key != "" && val != "" {
			out.Fields[key] = val
		}
	})
	doc.Find("table tr").Each(func(_ int, s *goquery.Selection) {
		cells := s.Children()
		if cells.Length() != 2 {
			return
		}
		key, val := collapse(cells.First().Text()), collapse(cells.Last().Text())
		if key != "" && val != "" {
			out.Fields[key] = val
		}
	})

	doc.Find("script, style, noscript, template").Remove()
	out.Raw = collapse(doc.Find("body").Text())

	parts := []string{out.Title, out.Description, strings.Join(out.Keywords, " "), strings.Join(out.Headings, " "), out.Raw}
	out.Text = Normalize(strings.Join(parts, " "))
	out.Tokens = Tokenize(out.Text)
	return out, nil
}

// Meta returns the title, description, keywords and headings as one string.
func (d Document) Meta() string {
	return strings.Join([]string{d.Title, d.Description, strings.Join(d.Keywords, " "), strings.Join(d.Headings, " ")}, " ")
}

// Normalize applies NFKC and Unicode case folding, then strips combining marks
// so "Pléiades" and "Pleiades" compare equal.
func Normalize(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return collapse(norm.NFC.String(b.String()))
}

// Tokenize splits normalized text into tokens of letters, digits and inner
// hyphens, dots and pluses ("sentinel-2a", "etm+", "0.5").
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '.' && r != '+'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimRight(strings.TrimLeft(f, "-.+"), "-.")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
