package downloader

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultTiers is the quality fallback order, best first.
var DefaultTiers = []string{"originals", "1200x", "736x", "564x"}

// DefaultCDNHosts are the hosts whose URLs carry a rewritable size segment.
var DefaultCDNHosts = []string{"pinimg.com"}

var tierSegment = regexp.MustCompile(`/(originals|\d+x)/`)

// Tier is one candidate URL in a quality chain.
type Tier struct {
	Name string
	URL  string
}

// Chain returns the URLs to try for rawURL, best quality first. A URL on
// one of hosts with a size segment is rewritten to every tier; the
// original URL is appended when its own size is not among tiers. Any other
// URL yields a single tier.
func Chain(rawURL string, tiers, hosts []string) []Tier {
	loc := tierSegment.FindStringSubmatchIndex(rawURL)
	if loc == nil || !onHost(rawURL, hosts) {
		return []Tier{{Name: "source", URL: rawURL}}
	}

	own := rawURL[loc[2]:loc[3]]
	chain := make([]Tier, 0, len(tiers)+1)
	seen := make(map[string]bool, len(tiers)+1)
	for _, t := range tiers {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		chain = append(chain, Tier{
			Name: t,
			URL:  rawURL[:loc[2]] + t + rawURL[loc[3]:],
		})
	}
	if !seen[own] {
		chain = append(chain, Tier{Name: own, URL: rawURL})
	}
	return chain
}

func onHost(rawURL string, hosts []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
