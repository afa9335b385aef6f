package collector

import (
	"context"

	"pinscraper/pkg/models"
)

// AutomationDriver loads pages in a real browser. Errors are classified as
// transient (retried) or fatal navigation (ends the session).
type AutomationDriver interface {
	// Render opens url and returns its content
	Render(ctx context.Context, url string) (models.Page, error)
	// Scroll advances the rendered page by one step
	Scroll(ctx context.Context) (models.Page, error)
	// Visit loads the detail page of one record
	Visit(ctx context.Context, id string) (models.Page, error)
	Close() error
}

// ContentParser extracts candidate records. It never fails; malformed
// content yields an empty slice.
type ContentParser interface {
	Extract(page models.Page) []models.Candidate
}

// RecordStore is the part of the persistence layer the engine writes to.
type RecordStore interface {
	IDs(ctx context.Context, query string) ([]string, error)
	Count(ctx context.Context, query string) (int, error)
	Upsert(ctx context.Context, rec *models.Record) error
}

// SessionTracker persists session progress and outcome.
type SessionTracker interface {
	Checkpoint(ctx context.Context, sess *models.Session) error
	Finalize(ctx context.Context, sess *models.Session, status models.SessionStatus, reason string) error
}
