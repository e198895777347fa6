// Package simple implements host allow/deny lists for dataset page crawls.
package simple

import (
	"net/url"
	"strings"
)

// Config lists host patterns. An exact host ("example.com") matches only that
// host; "*.example.com" or ".example.com" matches the domain and its subdomains.
type Config struct {
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
}

// Policy decides whether a page URL may be fetched. Deny wins over Allow; an
// empty Allow list admits every host that is not denied.
type Policy struct {
	allow *hostPatterns
	deny  *hostPatterns
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	return &Policy{
		allow: newHostPatterns(cfg.Allow),
		deny:  newHostPatterns(cfg.Deny),
	}
}

// AllowFetch reports whether rawURL may be fetched. Unparseable URLs and
// non-HTTP schemes are refused.
func (p *Policy) AllowFetch(rawURL string) bool {
	host, ok := httpHost(rawURL)
	if !ok {
		return false
	}
	if p == nil {
		return true
	}
	if p.deny.match(host) {
		return false
	}
	if p.allow == nil {
		return true
	}
	return p.allow.match(host)
}

func httpHost(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	return host, host != ""
}

// hostPatterns stores exact hosts and suffix wildcards.
type hostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatterns(patterns []string) *hostPatterns {
	m := &hostPatterns{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."))
		default:
			m.exact[value] = struct{}{}
		}
	}
	if len(m.exact) == 0 && len(m.suffixes) == 0 {
		return nil
	}
	return m
}

func (m *hostPatterns) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

func (m *hostPatterns) match(host string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
