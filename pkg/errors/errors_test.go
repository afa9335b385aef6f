package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorType
	}{
		{403, ErrorTypeQualityUnavailable},
		{404, ErrorTypeQualityUnavailable},
		{410, ErrorTypeQualityUnavailable},
		{429, ErrorTypeTransientFetch},
		{500, ErrorTypeTransientFetch},
		{503, ErrorTypeTransientFetch},
		{400, ErrorTypeParse},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.code), func(t *testing.T) {
			err := FromStatus("download", tt.code)
			assert.Equal(t, tt.want, err.Type)
			assert.Equal(t, tt.code, err.Code)
		})
	}
}

func TestPredicatesFollowWrapping(t *testing.T) {
	base := Transient("fetch", 502, stderrors.New("bad gateway"))
	wrapped := fmt.Errorf("worker 3: %w", base)

	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsQualityUnavailable(wrapped))
	assert.False(t, IsFatal(wrapped))

	assert.True(t, IsFatal(fmt.Errorf("resolve: %w", SessionState("create", stderrors.New("dup")))))
	assert.True(t, IsFatal(FatalNavigation("render", stderrors.New("blocked"))))
	assert.True(t, IsWriteConflict(WriteConflict("upsert", stderrors.New("locked"))))
}

func TestErrorMessage(t *testing.T) {
	err := Transient("download", 503, stderrors.New("unavailable"))
	assert.Equal(t, "transient_fetch error in download (code 503): unavailable", err.Error())
	assert.ErrorIs(t, fmt.Errorf("x: %w", err), err)

	err = Parse("extract", stderrors.New("no id"))
	assert.Equal(t, "parse error in extract: no id", err.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrorTypeTransientFetch))
	assert.False(t, IsRetryable(ErrorTypeQualityUnavailable))
	assert.False(t, IsRetryable(ErrorTypeSessionState))
}
