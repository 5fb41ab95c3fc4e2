package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{http.StatusTooManyRequests, ErrorTypeRateLimit, true},
		{http.StatusUnauthorized, ErrorTypeAuth, false},
		{http.StatusForbidden, ErrorTypeAuth, false},
		{http.StatusBadGateway, ErrorTypeServer, true},
		{http.StatusNotFound, ErrorTypeClient, false},
		{http.StatusFound, ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			e := ClassifyHTTPError(tt.status)
			assert.Equal(t, tt.wantType, e.Type)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.status, e.StatusCode)
			assert.Contains(t, e.Error(), fmt.Sprintf("status %d", tt.status))
		})
	}
}

func TestNewUpstreamError(t *testing.T) {
	e := NewUpstreamError(40203, "")
	assert.Equal(t, ErrorTypeRateLimit, e.Type)
	assert.True(t, e.Retryable)
	assert.Equal(t, "rate_limit error (code 40203): upstream returned an error", e.Error())

	e = NewUpstreamError(40101, "bad token")
	assert.Equal(t, ErrorTypeAuth, e.Type)
	assert.False(t, e.Retryable)

	e = NewUpstreamError(-1, "busy")
	assert.Equal(t, ErrorTypeServer, e.Type)
	assert.True(t, e.Retryable)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("boom")))
	assert.True(t, IsRetryable(fmt.Errorf("daily: %w", NewTimeoutError(context.DeadlineExceeded))))
	assert.False(t, IsRetryable(fmt.Errorf("daily: %w", NewAuthError("missing API token"))))

	var fe *FetchError
	wrapped := fmt.Errorf("daily: %w", NewNetworkError(context.Canceled))
	assert.ErrorAs(t, wrapped, &fe)
	assert.ErrorIs(t, wrapped, context.Canceled)
}
