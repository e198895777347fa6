// Package detector inspects fetched HTML to decide whether a cheaper strategy
// got a usable page or should hand the job to the next strategy in the chain.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultMinTextLength is the visible-text floor below which a script-heavy page
// counts as an unrendered JavaScript shell.
const DefaultMinTextLength = 200

// Heuristic recognises JavaScript shells and anti-bot challenge pages.
type Heuristic struct {
	MinTextLength int
}

// NewHeuristic creates a detector. A zero threshold selects the default.
func NewHeuristic(minText int) *Heuristic {
	if minText <= 0 {
		minText = DefaultMinTextLength
	}
	return &Heuristic{MinTextLength: minText}
}

var shellMarkers = []string{
	`id="__next"`,
	`id="root"`,
	`id="app"`,
	`data-reactroot`,
	`ng-version`,
	`ng-app`,
}

var challengeMarkers = []struct{ marker, reason string }{
	{"cf-browser-verification", "cloudflare browser check"},
	{"cf-challenge", "cloudflare challenge"},
	{"challenge-platform", "cloudflare challenge"},
	{"attention required! | cloudflare", "cloudflare block"},
	{"just a moment...", "interstitial"},
	{"g-recaptcha", "captcha"},
	{"h-captcha", "captcha"},
	{"request unsuccessful. incapsula", "incapsula"},
}

// NeedsRender reports whether a successful HTML response looks like a page that
// only becomes meaningful after JavaScript runs.
func (h *Heuristic) NeedsRender(status int, body []byte) bool {
	if status != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	scripts := doc.Find("script")
	scriptBytes := 0
	scripts.Each(func(_ int, s *goquery.Selection) {
		scriptBytes += len(s.Text())
	})
	doc.Find("script,style,noscript,template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if len(text) >= h.MinTextLength {
		return false
	}
	if scripts.Length() > 0 && scriptBytes*4 >= len(body) {
		return true
	}
	lower := strings.ToLower(string(body))
	for _, marker := range shellMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Challenge reports whether body is an anti-bot interstitial, and which kind.
func (h *Heuristic) Challenge(body []byte) (string, bool) {
	head := body
	if len(head) > 64<<10 {
		head = head[:64<<10]
	}
	lower := strings.ToLower(string(head))
	for _, c := range challengeMarkers {
		if strings.Contains(lower, c.marker) {
			return c.reason, true
		}
	}
	return "", false
}
