package tushare

import (
	"context"
	"errors"
	"net"
	"time"

	"resty.dev/v3"

	"stockpipeline/internal/fetcher"
)

// DefaultBaseURL is the public Tushare Pro endpoint.
const DefaultBaseURL = "http://api.tushare.pro"

// Client performs Tushare Pro queries. It is safe for concurrent use.
type Client struct {
	http *resty.Client
}

type queryRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

// NewClient creates a client for the given endpoint.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: fetcher.NewHTTPClient(baseURL, timeout)}
}

// Query calls one API and returns its table.
func (c *Client) Query(ctx context.Context, token, apiName string, params map[string]string) (*Table, error) {
	if token == "" {
		return nil, fetcher.NewAuthError("missing API token")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(queryRequest{
			APIName: apiName,
			Token:   token,
			Params:  params,
		}).
		Post("")
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if !resp.IsSuccess() {
		return nil, fetcher.ClassifyHTTPError(resp.StatusCode())
	}

	return ParseTable(resp.Bytes())
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fetcher.NewTimeoutError(err)
	}
	return fetcher.NewNetworkError(err)
}
