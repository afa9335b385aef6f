// Package retry runs operations with bounded attempts and exponential backoff.
//
// Only errors classified as transient by pkg/errors (or unclassified ones
// under DefaultRetryIf) are retried. Waiting between attempts honours the
// context so an interrupt never sits out a full backoff.
//
//	err := retry.Do(ctx, &retry.Config{
//		MaxAttempts: 3,
//		Backoff:     retry.DefaultExponentialBackoff(),
//		RetryIf:     retry.TransientOnly,
//	}, func(ctx context.Context) error {
//		return fetch(ctx, url)
//	})
package retry
