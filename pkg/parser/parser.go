// Package parser turns rendered search and pin pages into candidate records.
//
// Sources are merged by pin id in this order: JSON-LD blocks, pin card
// elements located by CSS selectors, the embedded application state script,
// and finally any bare /pin/<id>/ link on the page. Malformed input never
// produces an error; Extract simply returns what it could read.
package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"pinscraper/pkg/models"
)

// DefaultSelectors locate pin cards across page layouts
var DefaultSelectors = []string{
	"[data-test-id='pin']",
	"[data-test-id='pinWrapper']",
	"div[data-test-id='pin-card']",
	"div[role='listitem']",
	".Grid__Item",
	".Collection-Item",
}

var (
	pinLink    = regexp.MustCompile(`/pin/(\d+)/?`)
	numericID  = regexp.MustCompile(`^\d+$`)
	prefixedID = regexp.MustCompile(`^pin(\d+)$`)
)

// Parser extracts candidates with goquery
type Parser struct {
	selectors []string
}

// New creates a parser. With no selectors DefaultSelectors is used.
func New(selectors ...string) *Parser {
	if len(selectors) == 0 {
		selectors = DefaultSelectors
	}
	return &Parser{selectors: selectors}
}

// Extract returns every candidate found on the page, in first-seen order.
func (p *Parser) Extract(page models.Page) []models.Candidate {
	if strings.TrimSpace(page.HTML) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil
	}

	set := newCandidateSet()
	for _, c := range extractJSONLD(doc) {
		set.add(c)
	}
	for _, c := range p.extractCards(doc) {
		set.add(c)
	}
	for _, c := range extractState(doc) {
		set.add(c)
	}
	for _, id := range extractLinks(doc) {
		set.add(models.Candidate{ID: id})
	}
	return set.list()
}

// extractCards reads every element matched by any card selector. Nested
// matches for the same pin are merged later by id.
func (p *Parser) extractCards(doc *goquery.Document) []models.Candidate {
	cards := doc.Find(strings.Join(p.selectors, ", "))
	if cards.Length() == 0 {
		return nil
	}

	var out []models.Candidate
	cards.Each(func(_ int, card *goquery.Selection) {
		c := models.Candidate{ID: cardID(card)}
		if c.ID == "" {
			return
		}
		img := card.Find("img[srcset], img[src]").First()
		if img.Length() > 0 {
			c.ImageURLs = imageURLs(img)
			c.LargestImageURL = models.BestImageURL("", c.ImageURLs)
		}
		c.Title = firstText(card, "[data-test-id='pinTitle']", "h1", "h2", "div[class*='title']")
		if c.Title == "" && img.Length() > 0 {
			for _, attr := range []string{"alt", "title", "aria-label"} {
				if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" {
					c.Description = v
					break
				}
			}
		}
		out = append(out, c)
	})
	return out
}

func cardID(card *goquery.Selection) string {
	for _, attr := range []string{"data-pin-id", "data-test-pin-id"} {
		if v, ok := card.Attr(attr); ok && numericID.MatchString(v) {
			return v
		}
	}
	for _, attr := range []string{"data-id", "data-item-id", "id"} {
		if m := prefixedID.FindStringSubmatch(card.AttrOr(attr, "")); m != nil {
			return m[1]
		}
	}
	if href, ok := card.Attr("href"); ok {
		if m := pinLink.FindStringSubmatch(href); m != nil {
			return m[1]
		}
	}
	var id string
	card.Find("a[href*='/pin/']").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if m := pinLink.FindStringSubmatch(a.AttrOr("href", "")); m != nil {
			id = m[1]
			return false
		}
		return true
	})
	return id
}

// imageURLs collects size-tagged URLs from srcset, then src.
func imageURLs(img *goquery.Selection) map[string]string {
	urls := map[string]string{}
	for _, part := range strings.Split(img.AttrOr("srcset", ""), ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		addImage(urls, fields[0], descriptorTag(fields))
	}
	if len(urls) == 0 {
		addImage(urls, img.AttrOr("src", ""), "")
	}
	return urls
}

func descriptorTag(fields []string) string {
	if len(fields) < 2 {
		return ""
	}
	d := strings.TrimSuffix(fields[len(fields)-1], "w")
	if numericID.MatchString(d) {
		return d + "x"
	}
	return ""
}

func addImage(urls map[string]string, u, fallbackTag string) {
	u = strings.TrimSpace(u)
	if !strings.HasPrefix(u, "http") {
		return
	}
	tag := models.SizeTag(u)
	if tag == "" {
		tag = fallbackTag
	}
	if tag == "" {
		tag = models.SizeOriginal
	}
	if _, exists := urls[tag]; !exists {
		urls[tag] = u
	}
}

func firstText(s *goquery.Selection, selectors ...string) string {
	for _, sel := range selectors {
		if t := strings.TrimSpace(s.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

// extractLinks returns ids of every /pin/<id>/ link in document order.
func extractLinks(doc *goquery.Document) []string {
	var ids []string
	doc.Find("a[href*='/pin/']").Each(func(_ int, a *goquery.Selection) {
		if m := pinLink.FindStringSubmatch(a.AttrOr("href", "")); m != nil {
			ids = append(ids, m[1])
		}
	})
	return ids
}

// candidateSet merges candidates by id while keeping first-seen order
type candidateSet struct {
	order []string
	byID  map[string]*models.Candidate
}

func newCandidateSet() *candidateSet {
	return &candidateSet{byID: map[string]*models.Candidate{}}
}

func (s *candidateSet) add(c models.Candidate) {
	if c.ID == "" {
		return
	}
	cur, ok := s.byID[c.ID]
	if !ok {
		cp := c
		s.byID[c.ID] = &cp
		s.order = append(s.order, c.ID)
		return
	}
	if cur.Title == "" {
		cur.Title = c.Title
	}
	if cur.Description == "" {
		cur.Description = c.Description
	}
	if cur.Creator.ID == "" && cur.Creator.Name == "" {
		cur.Creator = c.Creator
	}
	if cur.Board.ID == "" && cur.Board.Name == "" {
		cur.Board = c.Board
	}
	if cur.LargestImageURL == "" {
		cur.LargestImageURL = c.LargestImageURL
	}
	cur.ImageURLs = unionStrings(cur.ImageURLs, c.ImageURLs)
	cur.Stats = unionInts(cur.Stats, c.Stats)
}

func (s *candidateSet) list() []models.Candidate {
	out := make([]models.Candidate, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

func unionStrings(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}

func unionInts(dst, src map[string]int) map[string]int {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = map[string]int{}
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}
