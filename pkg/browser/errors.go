package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/go-rod/rod"
	pinerrors "pinscraper/pkg/errors"
)

// Chrome net error reasons that retrying will not fix
var fatalReasons = []string{
	"ERR_NAME_NOT_RESOLVED",
	"ERR_BLOCKED_BY_CLIENT",
	"ERR_BLOCKED_BY_RESPONSE",
	"ERR_INVALID_URL",
	"ERR_UNSAFE_REDIRECT",
	"ERR_TOO_MANY_REDIRECTS",
	"ERR_CERT_",
	"ERR_SSL_",
}

// classify maps a rod failure to the collection error taxonomy. A
// cancelled caller context is returned as is so callers see the interrupt.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var nav *rod.NavigationError
	if errors.As(err, &nav) {
		for _, reason := range fatalReasons {
			if strings.Contains(nav.Reason, reason) {
				return pinerrors.FatalNavigation(op, err)
			}
		}
		return pinerrors.Transient(op, 0, err)
	}

	var closed *rod.PageCloseCanceledError
	if errors.As(err, &closed) {
		return pinerrors.FatalNavigation(op, err)
	}

	// page timeouts, dropped CDP websocket, evaluation on a detached frame
	return pinerrors.Transient(op, 0, err)
}
