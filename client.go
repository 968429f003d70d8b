package dashpoll

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultHistoricalPath = "/historical_values"
	DefaultUpdatesPath    = "/aggregated_updates"
)

type ClientOptions struct {
	// Delay between polls. Defaults to DefaultPollInterval.
	Interval time.Duration

	// Endpoint for the first successful update fetch, and for every later one.
	HistoricalPath string
	UpdatesPath    string

	// By default the update loop halts on its first failed fetch. With
	// RetryOnError it keeps going, waiting according to Backoff.
	RetryOnError bool
	Backoff      Backoff
}

// Client polls an upstream server and applies what it returns to a Dashboard.
type Client struct {
	fetcher   Fetcher
	dashboard *Dashboard
	opts      ClientOptions
	metrics   *Metrics

	logger logrus.FieldLogger
}

// NewClient creates a client. metrics may be nil.
func NewClient(fetcher Fetcher, dashboard *Dashboard, opts ClientOptions, metrics *Metrics) *Client {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.HistoricalPath == "" {
		opts.HistoricalPath = DefaultHistoricalPath
	}
	if opts.UpdatesPath == "" {
		opts.UpdatesPath = DefaultUpdatesPath
	}

	return &Client{
		fetcher:   fetcher,
		dashboard: dashboard,
		opts:      opts,
		metrics:   metrics,
		logger:    logrus.WithField("tag", "Client"),
	}
}

// LoadVal fetches path right away and writes the raw body into the element
// targetID. With autoRefresh, it fetches again every interval regardless of
// whether the previous fetch completed. Failures are logged and otherwise
// ignored. The returned poller is already started.
func (c *Client) LoadVal(ctx context.Context, path string, targetID string, autoRefresh bool) *Poller {
	opts := PollerOptions{
		Interval: c.opts.Interval,
		Mode:     ScheduleFixedRate,
	}
	if !autoRefresh {
		opts.MaxIterations = 1
	}

	poller := NewPoller("load_val:"+targetID, func(ctx context.Context, _ int) error {
		resp, err := c.fetcher.Fetch(ctx, path)
		if err != nil {
			return err
		}

		return c.dashboard.UpdateFieldByID(targetID, string(resp.Body))
	}, opts, c.metrics)

	poller.Start(ctx)
	return poller
}

// ApplyUpdatesLoop fetches the historical endpoint until it succeeds once, and
// the updates endpoint afterwards. Each body is parsed and applied before the
// next fetch is scheduled, so at most one request is in flight. The returned
// poller is already started.
func (c *Client) ApplyUpdatesLoop(ctx context.Context) *Poller {
	var historyLoaded atomic.Bool

	opts := PollerOptions{
		Interval:    c.opts.Interval,
		Mode:        ScheduleAfterCompletion,
		StopOnError: !c.opts.RetryOnError,
		Backoff:     c.opts.Backoff,
	}

	poller := NewPoller("apply_updates", func(ctx context.Context, iteration int) error {
		path := c.opts.UpdatesPath
		if !historyLoaded.Load() {
			path = c.opts.HistoricalPath
		}

		if err := c.fetchAndApply(ctx, path); err != nil {
			return err
		}

		historyLoaded.Store(true)
		return nil
	}, opts, c.metrics)

	poller.Start(ctx)
	return poller
}

func (c *Client) fetchAndApply(ctx context.Context, path string) error {
	resp, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return err
	}

	msg, err := ParseUpdateMessage(resp.ContentType, resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	c.logger.WithFields(logrus.Fields{
		"path":   path,
		"fields": len(msg.Fields),
		"series": len(msg.Series),
	}).Debug("applying update message")

	// Entries for unknown elements or series are reported but do not stop the
	// loop: the fetch itself succeeded.
	if err := c.dashboard.Apply(msg); err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("some updates could not be applied")
	}

	return nil
}
