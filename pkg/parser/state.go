package parser

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"pinscraper/pkg/models"
)

// pinState is a pin as it appears in the embedded application state.
type pinState struct {
	ID          json.RawMessage       `json:"id"`
	Title       string                `json:"title"`
	GridTitle   string                `json:"grid_title"`
	Description string                `json:"description"`
	Images      map[string]imageState `json:"images"`
	Pinner      *userState            `json:"pinner"`
	Creator     *userState            `json:"creator"`
	Board       *boardState           `json:"board"`
	RepinCount  int                   `json:"repin_count"`
	Comments    int                   `json:"comment_count"`
	Likes       int                   `json:"like_count"`
	Reactions   map[string]int        `json:"reaction_counts"`
	Aggregated  *aggregatedState      `json:"aggregated_pin_data"`
}

type imageState struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type userState struct {
	ID       json.RawMessage `json:"id"`
	Username string          `json:"username"`
	FullName string          `json:"full_name"`
}

type boardState struct {
	ID   json.RawMessage `json:"id"`
	Name string          `json:"name"`
}

type aggregatedState struct {
	Stats struct {
		Saves int `json:"saves"`
		Done  int `json:"done"`
	} `json:"aggregated_stats"`
}

type appState struct {
	Props struct {
		InitialReduxState struct {
			Pins map[string]json.RawMessage `json:"pins"`
		} `json:"initialReduxState"`
	} `json:"props"`
	InitialReduxState struct {
		Pins map[string]json.RawMessage `json:"pins"`
	} `json:"initialReduxState"`
}

// extractState reads pins from the embedded application state script.
func extractState(doc *goquery.Document) []models.Candidate {
	var out []models.Candidate
	doc.Find("script[id^='__PWS'], script#initial-state").Each(func(_ int, s *goquery.Selection) {
		var st appState
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &st); err != nil {
			return
		}
		pins := st.Props.InitialReduxState.Pins
		if len(pins) == 0 {
			pins = st.InitialReduxState.Pins
		}
		for key, raw := range pins {
			var ps pinState
			if err := json.Unmarshal(raw, &ps); err != nil {
				continue
			}
			c := ps.candidate()
			if c.ID == "" && numericID.MatchString(key) {
				c.ID = key
			}
			if c.ID != "" {
				out = append(out, c)
			}
		}
	})
	sortByID(out)
	return out
}

func (ps *pinState) candidate() models.Candidate {
	c := models.Candidate{
		ID:          rawString(ps.ID),
		Title:       firstNonEmpty(ps.Title, ps.GridTitle),
		Description: strings.TrimSpace(ps.Description),
	}
	if !numericID.MatchString(c.ID) {
		c.ID = ""
	}

	if len(ps.Images) > 0 {
		c.ImageURLs = map[string]string{}
		for tag, img := range ps.Images {
			if !strings.HasPrefix(img.URL, "http") {
				continue
			}
			if tag == "orig" {
				tag = models.SizeOriginal
			}
			c.ImageURLs[tag] = img.URL
		}
		c.LargestImageURL = models.BestImageURL("", c.ImageURLs)
	}

	user := ps.Pinner
	if user == nil {
		user = ps.Creator
	}
	if user != nil {
		c.Creator = models.Creator{ID: rawString(user.ID), Name: firstNonEmpty(user.FullName, user.Username)}
	}
	if ps.Board != nil {
		c.Board = models.Board{ID: rawString(ps.Board.ID), Name: ps.Board.Name}
	}

	stats := map[string]int{}
	setPositive(stats, "saves", ps.RepinCount)
	setPositive(stats, "comments", ps.Comments)
	setPositive(stats, "likes", ps.Likes)
	if ps.Aggregated != nil && stats["saves"] == 0 {
		setPositive(stats, "saves", ps.Aggregated.Stats.Saves)
	}
	total := 0
	for _, n := range ps.Reactions {
		total += n
	}
	if stats["likes"] == 0 {
		setPositive(stats, "likes", total)
	}
	if len(stats) > 0 {
		c.Stats = stats
	}
	return c
}

type jsonLD struct {
	Context          json.RawMessage `json:"@context"`
	Type             string          `json:"@type"`
	Graph            []jsonLD        `json:"@graph"`
	MainEntityOfPage json.RawMessage `json:"mainEntityOfPage"`
	URL              string          `json:"url"`
	ContentURL       string          `json:"contentUrl"`
	Image            json.RawMessage `json:"image"`
	Thumbnail        json.RawMessage `json:"thumbnailUrl"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Creator          *struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"creator"`
}

// extractJSONLD reads ImageObject/Product entries from ld+json scripts.
func extractJSONLD(doc *goquery.Document) []models.Candidate {
	var out []models.Candidate
	doc.Find("script[type='application/ld+json']").Each(func(_ int, s *goquery.Selection) {
		var ld jsonLD
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &ld); err != nil {
			return
		}
		items := ld.Graph
		if len(items) == 0 {
			items = []jsonLD{ld}
		}
		for _, item := range items {
			if c, ok := item.candidate(); ok {
				out = append(out, c)
			}
		}
	})
	return out
}

func (ld jsonLD) candidate() (models.Candidate, bool) {
	if ld.Type != "ImageObject" && ld.Type != "Product" {
		return models.Candidate{}, false
	}
	page := rawString(ld.MainEntityOfPage)
	if page == "" {
		page = ld.URL
	}
	m := pinLink.FindStringSubmatch(page)
	if m == nil {
		return models.Candidate{}, false
	}

	c := models.Candidate{
		ID:          m[1],
		Title:       ld.Name,
		Description: ld.Description,
		ImageURLs:   map[string]string{},
	}
	if ld.Creator != nil {
		c.Creator.Name = ld.Creator.Name
	}
	main := firstNonEmpty(ld.ContentURL, rawString(ld.Image))
	if strings.HasPrefix(main, "http") {
		tag := models.SizeTag(main)
		if tag == "" {
			tag = models.SizeOriginal
		}
		c.ImageURLs[tag] = main
	}
	for _, thumb := range rawStrings(ld.Thumbnail) {
		addImage(c.ImageURLs, thumb, "")
	}
	c.LargestImageURL = models.BestImageURL("", c.ImageURLs)
	return c, true
}

// rawString accepts a JSON string or number, or an object with an @id/url.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var obj struct {
		ID  string `json:"@id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return firstNonEmpty(obj.ID, obj.URL)
	}
	return ""
}

func rawStrings(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	if s := rawString(raw); s != "" {
		return []string{s}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func setPositive(m map[string]int, key string, n int) {
	if n > 0 {
		m[key] = n
	}
}

// sortByID gives map-sourced candidates a stable, numeric order
func sortByID(cs []models.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].ID, cs[j].ID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}
