// Package fetcher defines the page retrieval contract shared by the HTTP
// and headless portal fetchers.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Request captures everything needed to fetch one portal page.
type Request struct {
	URL     string
	Headers http.Header
	// UserAgent overrides the fetcher's identity for this request.
	UserAgent string
}

// Response is the raw page returned by a Fetcher. Non-2xx statuses are
// returned as responses, not errors; errors mean no response arrived.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}
