package dashpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// Response is a successful fetch result.
type Response struct {
	Body        []byte
	ContentType string
}

// Fetcher performs a GET for a path relative to some upstream server.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (Response, error)
}

type HTTPFetcher struct {
	baseURL *url.URL
	client  *http.Client
	logger  logrus.FieldLogger
}

// NewHTTPFetcher creates a fetcher resolving paths against baseURL. A zero
// timeout leaves requests bounded only by their context.
func NewHTTPFetcher(baseURL string, timeout time.Duration) (*HTTPFetcher, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme must be http or https", baseURL)
	}

	return &HTTPFetcher{
		baseURL: u,
		client:  &http.Client{Timeout: timeout},
		logger:  logrus.WithField("tag", "HTTPFetcher"),
	}, nil
}

// Fetch returns the body of a 200 response. Any other status is reported as
// ErrUnexpectedStatus.
func (f *HTTPFetcher) Fetch(ctx context.Context, path string) (Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return Response{}, fmt.Errorf("invalid path %q: %w", path, err)
	}

	target := f.baseURL.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Response{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		return Response{}, fmt.Errorf("%w: GET %s returned %d", ErrUnexpectedStatus, target, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("GET %s: reading body: %w", target, err)
	}

	f.logger.WithFields(logrus.Fields{
		"url":   target.String(),
		"bytes": len(body),
	}).Debug("fetched")

	return Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
