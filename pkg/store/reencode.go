package store

import (
	"context"
	"encoding/base64"
	"strings"

	"pinscraper/pkg/models"
)

// encodedPinPrefix is base64 for "Pin".
const encodedPinPrefix = "UGlu"

// DecodeID turns an opaque base64 id such as "UGluOjEyMzQ1" ("Pin:12345")
// into its numeric form. ok is false when id is not such an encoding.
func DecodeID(id string) (string, bool) {
	if !strings.HasPrefix(id, encodedPinPrefix) {
		return "", false
	}
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(id); err == nil {
			break
		}
	}
	if err != nil {
		return "", false
	}
	decoded := string(raw)
	if !strings.HasPrefix(decoded, "Pin:") {
		return "", false
	}
	num := strings.TrimPrefix(decoded, "Pin:")
	if num == "" {
		return "", false
	}
	for _, c := range num {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return num, true
}

// ReencodeIDs rewrites every base64-encoded record id into its numeric
// form, merging into an existing numeric row when there is one.
func (s *Store) ReencodeIDs(ctx context.Context, workers, batchSize int, stop func() bool) (TransformResult, error) {
	return s.Transform(ctx, TransformSpec{
		Name:      "reencode_ids",
		Workers:   workers,
		BatchSize: batchSize,
		Stop:      stop,
		Fn: func(rec *models.Record) (*models.Record, bool) {
			num, ok := DecodeID(rec.ID)
			if !ok {
				return nil, false
			}
			rec.ID = num
			return rec, true
		},
	})
}
