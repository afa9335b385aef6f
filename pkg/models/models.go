package models

import (
	"regexp"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a collection session
type SessionStatus string

const (
	StatusRunning     SessionStatus = "running"
	StatusCompleted   SessionStatus = "completed"
	StatusFailed      SessionStatus = "failed"
	StatusInterrupted SessionStatus = "interrupted"
)

// Terminal reports whether no further transitions are expected.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// Size tags used in Record.ImageURLs
const (
	SizeOriginal = "original"
)

// Creator identifies the account that published a record
type Creator struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Board identifies the collection a record was saved to
type Board struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Record is one collected content item, keyed by ID across all queries.
type Record struct {
	ID              string            `json:"id"`
	Query           string            `json:"query"`
	Title           string            `json:"title,omitempty"`
	Description     string            `json:"description,omitempty"`
	Creator         Creator           `json:"creator"`
	Board           Board             `json:"board"`
	ImageURLs       map[string]string `json:"image_urls,omitempty"`
	LargestImageURL string            `json:"largest_image_url,omitempty"`
	Stats           map[string]int    `json:"stats,omitempty"`
	Downloaded      bool              `json:"downloaded"`
	LocalPath       string            `json:"local_path,omitempty"`
	DownloadError   string            `json:"download_error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// HasImage reports whether the record carries at least one usable image URL.
func (r *Record) HasImage() bool {
	return BestImageURL(r.LargestImageURL, r.ImageURLs) != ""
}

// ImageURL returns the best-known image URL or "".
func (r *Record) ImageURL() string {
	return BestImageURL(r.LargestImageURL, r.ImageURLs)
}

// BestImageURL prefers largest, then the original tag, then the widest numeric tag.
func BestImageURL(largest string, urls map[string]string) string {
	if isHTTP(largest) {
		return largest
	}
	if u := urls[SizeOriginal]; isHTTP(u) {
		return u
	}
	best, bestWidth := "", -1
	for tag, u := range urls {
		if !isHTTP(u) {
			continue
		}
		w := tagWidth(tag)
		if w > bestWidth || (w == bestWidth && u < best) {
			best, bestWidth = u, w
		}
	}
	return best
}

func isHTTP(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func tagWidth(tag string) int {
	n := 0
	for _, c := range strings.TrimSuffix(tag, "x") {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

var sizeSegment = regexp.MustCompile(`/(\d+x|originals)/`)

// SizeTag derives a size tag ("236x", "original") from an image URL path,
// or "" when the URL carries none.
func SizeTag(u string) string {
	m := sizeSegment.FindStringSubmatch(u)
	if m == nil {
		return ""
	}
	if m[1] == "originals" {
		return SizeOriginal
	}
	return m[1]
}

// Page is raw content returned by an automation driver or fetcher.
type Page struct {
	URL       string
	HTML      string
	FetchedAt time.Time
}

// Candidate is what a content parser extracts from a page.
// Only ID is required.
type Candidate struct {
	ID              string
	Title           string
	Description     string
	Creator         Creator
	Board           Board
	ImageURLs       map[string]string
	LargestImageURL string
	Stats           map[string]int
}

// Record converts the candidate into a record attributed to query.
func (c Candidate) Record(query string) *Record {
	rec := &Record{
		ID:              c.ID,
		Query:           query,
		Title:           c.Title,
		Description:     c.Description,
		Creator:         c.Creator,
		Board:           c.Board,
		LargestImageURL: c.LargestImageURL,
		ImageURLs:       map[string]string{},
		Stats:           map[string]int{},
	}
	for k, v := range c.ImageURLs {
		rec.ImageURLs[k] = v
	}
	for k, v := range c.Stats {
		rec.Stats[k] = v
	}
	if rec.LargestImageURL == "" {
		rec.LargestImageURL = BestImageURL("", rec.ImageURLs)
	}
	return rec
}

// HasImage reports whether the candidate carries a usable image URL.
func (c Candidate) HasImage() bool {
	return BestImageURL(c.LargestImageURL, c.ImageURLs) != ""
}

// Session is one attempt to reach a target count for a query.
type Session struct {
	ID          string        `json:"id"`
	Query       string        `json:"query"`
	TargetCount int           `json:"target_count"`
	ActualCount int           `json:"actual_count"`
	Status      SessionStatus `json:"status"`
	StopReason  string        `json:"stop_reason,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`

	// Owner identifies the run holding a running session. The holder
	// refreshes HeartbeatAt while it works.
	Owner       string     `json:"owner,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// PlanAction tells the engine how a session was resolved
type PlanAction string

const (
	PlanFresh  PlanAction = "fresh"
	PlanResume PlanAction = "resume"
	PlanReuse  PlanAction = "reuse"
)

// ResumePlan is the outcome of resolving a session for a query.
type ResumePlan struct {
	Action    PlanAction
	Existing  int
	Remaining int
}

// Stats summarises one worker pipeline run.
type Stats struct {
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

// Report is the final summary, computed from the store.
type Report struct {
	Query          string        `json:"query"`
	Requested      int           `json:"requested"`
	Unique         int           `json:"unique"`
	Downloaded     int           `json:"downloaded"`
	DownloadFailed int           `json:"download_failed"`
	MissingImages  int           `json:"missing_images"`
	Session        *Session      `json:"session,omitempty"`
	Status         SessionStatus `json:"status,omitempty"`
}
