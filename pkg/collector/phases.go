package collector

import (
	"context"
	"fmt"

	pinerrors "pinscraper/pkg/errors"
	"pinscraper/pkg/models"
)

// searchPhase renders the search surface and scrolls until the target is
// reached, the results run dry, or the round ceiling is hit. A nil error
// with a cancelled ctx means the phase was interrupted.
func (r *run) searchPhase(ctx context.Context) (string, error) {
	target := r.sess.TargetCount
	maxRounds := max(target*r.opts.RoundsPerTarget, r.opts.MinRounds)
	url := r.opts.SearchURL(r.sess.Query)

	if ctx.Err() != nil {
		return ReasonInterrupted, nil
	}
	page, err := r.load(ctx, "render", func(ctx context.Context) (models.Page, error) {
		return r.driver.Render(ctx, url)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ReasonInterrupted, nil
		}
		if pinerrors.IsFatal(err) {
			return "", fmt.Errorf("render search page: %w", err)
		}
		r.log.WithError(err).Warn("Search page unavailable, moving to related records")
		return "search page unavailable", nil
	}

	rounds := 1
	r.absorb(ctx, r.parser.Extract(page), "", PhaseSearch)
	r.report(PhaseSearch, rounds)

	empty := 0
	for {
		if r.reached() {
			return ReasonTargetReached, nil
		}
		if rounds >= maxRounds {
			return ReasonRoundLimit, nil
		}
		if ctx.Err() != nil {
			return ReasonInterrupted, nil
		}

		rounds++
		page, err := r.load(ctx, "scroll", r.driver.Scroll)
		var added []string
		switch {
		case err == nil:
			added = r.absorb(ctx, r.parser.Extract(page), "", PhaseSearch)
		case ctx.Err() != nil:
			return ReasonInterrupted, nil
		case pinerrors.IsFatal(err):
			return "", fmt.Errorf("scroll search page: %w", err)
		default:
			r.log.WithError(err).WithField("round", rounds).Warn("Scroll failed after retries")
		}
		r.report(PhaseSearch, rounds)

		if len(added) > 0 {
			empty = 0
			continue
		}
		empty++
		r.log.WithFields(map[string]interface{}{
			"round":       rounds,
			"empty_count": empty,
			"unique":      r.unique,
		}).Debug("Scroll batch yielded no new records")
		if empty >= r.opts.Phase1StallLimit {
			return ReasonSearchStalled, nil
		}
	}
}

// frontierPhase visits detail pages breadth-first, seeded with every
// stored id for the query in storage order.
func (r *run) frontierPhase(ctx context.Context) (string, error) {
	frontier := r.index.Snapshot()
	visited := make(map[string]struct{}, len(frontier))
	dry, visits := 0, 0

	r.log.WithField("seeds", len(frontier)).Info("Expanding from related records")

	for len(frontier) > 0 {
		if r.reached() {
			return ReasonTargetReached, nil
		}
		if ctx.Err() != nil {
			return ReasonInterrupted, nil
		}

		id := frontier[0]
		frontier[0] = ""
		frontier = frontier[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		visits++

		page, err := r.load(ctx, "visit", func(ctx context.Context) (models.Page, error) {
			return r.driver.Visit(ctx, id)
		})
		var added []string
		switch {
		case err == nil:
			added = r.absorb(ctx, r.parser.Extract(page), id, PhaseFrontier)
		case ctx.Err() != nil:
			return ReasonInterrupted, nil
		case pinerrors.IsFatal(err):
			return "", fmt.Errorf("visit %s: %w", id, err)
		default:
			r.log.WithError(err).WithField("id", id).Warn("Detail visit failed after retries")
		}
		r.report(PhaseFrontier, visits)

		if len(added) > 0 {
			frontier = append(frontier, added...)
			dry = 0
			continue
		}
		dry++
		if dry >= r.opts.Phase2StallLimit {
			return ReasonFrontierStalled, nil
		}
	}
	if r.reached() {
		return ReasonTargetReached, nil
	}
	return ReasonFrontierEmpty, nil
}
