package fetcher

import (
	"time"

	"github.com/sirupsen/logrus"
	"resty.dev/v3"

	"stockpipeline/internal/logger"
)

const (
	defaultRequestTimeout = 30 * time.Second
)

// NewHTTPClient creates the HTTP client shared by upstream sources.
// Retries are disabled; a failed call surfaces as a failed task and is swept
// by a later coordinator pass through the rate gate.
func NewHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout).
		SetRetryCount(0).
		AddResponseMiddleware(logResponse)

	return client
}

// logResponse logs every upstream round-trip at debug level.
func logResponse(_ *resty.Client, r *resty.Response) error {
	logger.WithFields(logrus.Fields{
		"url":         r.Request.URL,
		"status_code": r.StatusCode(),
		"duration":    r.Duration(),
	}).Debug("upstream response")
	return nil
}
