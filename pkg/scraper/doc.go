// Package scraper ties the collection engine, the detail and download
// pipelines and the persistence store together behind one type.
//
// Each query gets its own store under the output directory unless an
// explicit database path is configured. One Scraper may serve several
// queries; it owns the browser driver and the shared request identity.
//
// Usage:
//
//	s, err := scraper.New(cfg, scraper.WithInterrupt(coord))
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	sess, err := s.Collect(ctx, "mid century chairs", 500, true)
//	if err != nil {
//	    return err
//	}
//	stats, err := s.DownloadMedia(ctx, sess.Query)
//
// Cancel (or the coordinator passed with WithInterrupt) stops every running
// operation at its next safe point. Work already persisted is kept and a
// later Collect with resume picks up from it.
package scraper
