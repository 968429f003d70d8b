package dashpoll

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// The refresh period of the original dashboard.
const DefaultPollInterval = time.Second

type ScheduleMode int

const (
	// Run an iteration every Interval, whether or not earlier iterations have
	// finished. Iterations may overlap.
	ScheduleFixedRate ScheduleMode = iota

	// Run the next iteration Interval after the previous one returned. At most
	// one iteration is in flight.
	ScheduleAfterCompletion
)

func (m ScheduleMode) String() string {
	switch m {
	case ScheduleFixedRate:
		return "fixed-rate"
	case ScheduleAfterCompletion:
		return "after-completion"
	default:
		return "unknown"
	}
}

// Backoff computes the delay after consecutive failures. The zero value
// disables backoff: failed iterations are retried at the normal interval.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64 // Defaults to 2.
}

func (b Backoff) Enabled() bool {
	return b.Initial > 0
}

// Delay returns the wait after the given number of consecutive failures
// (starting at 1). fallback is returned when backoff is disabled.
func (b Backoff) Delay(failures int, fallback time.Duration) time.Duration {
	if !b.Enabled() || failures < 1 {
		return fallback
	}

	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(b.Initial) * math.Pow(multiplier, float64(failures-1))
	if b.Max > 0 {
		delay = Min(delay, float64(b.Max))
	}

	// Guard against overflow for long failure streaks without a Max.
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

type PollerOptions struct {
	Interval time.Duration // Defaults to DefaultPollInterval.
	Mode     ScheduleMode

	// Stop after this many iterations. 0 means run until cancelled.
	MaxIterations int

	// If set, the first failed iteration ends the poller and Wait returns its
	// error. Otherwise failures are logged and polling continues.
	StopOnError bool

	Backoff Backoff
}

// PollFunc is one iteration of a poller. iteration counts from 0.
type PollFunc func(ctx context.Context, iteration int) error

// Poller runs a PollFunc repeatedly until cancelled.
type Poller struct {
	name    string
	fn      PollFunc
	opts    PollerOptions
	metrics *Metrics

	mutex  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error // Only read after wg.Wait().

	logger logrus.FieldLogger
}

// NewPoller creates a poller. metrics may be nil.
func NewPoller(name string, fn PollFunc, opts PollerOptions, metrics *Metrics) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}

	return &Poller{
		name:    name,
		fn:      fn,
		opts:    opts,
		metrics: metrics,
		logger: logrus.WithFields(logrus.Fields{
			"tag":    "Poller",
			"poller": name,
		}),
	}
}

func (p *Poller) Name() string {
	return p.name
}

// Start runs the poller on its own goroutine until ctx is cancelled, Stop is
// called, MaxIterations is reached or (with StopOnError) an iteration fails.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	p.mutex.Lock()
	p.cancel = cancel
	p.mutex.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		p.err = p.Run(ctx)

		logger := p.logger
		if p.err != nil {
			logger = logger.WithError(p.err)
		}
		logger.Info("poller stopped")
	}()
}

// Stop cancels a started poller. It does not wait; use Wait for that.
func (p *Poller) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until the started poller and all of its in-flight iterations
// have returned.
func (p *Poller) Wait() error {
	p.wg.Wait()
	return p.err
}

// Run polls on the calling goroutine. It returns nil when ctx is cancelled or
// MaxIterations is reached, and the failing iteration's error when
// StopOnError is set.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"interval": p.opts.Interval,
		"mode":     p.opts.Mode,
	}).Info("poller started")

	switch p.opts.Mode {
	case ScheduleAfterCompletion:
		return p.runAfterCompletion(ctx)
	default:
		return p.runFixedRate(ctx)
	}
}

func (p *Poller) runAfterCompletion(ctx context.Context) error {
	failures := 0

	for iteration := 0; p.opts.MaxIterations == 0 || iteration < p.opts.MaxIterations; iteration++ {
		err := p.runIteration(ctx, iteration)
		if ctx.Err() != nil {
			return nil
		}

		delay := p.opts.Interval
		if err != nil {
			if p.opts.StopOnError {
				return err
			}

			failures++
			delay = p.opts.Backoff.Delay(failures, p.opts.Interval)
		} else {
			failures = 0
		}

		if p.opts.MaxIterations != 0 && iteration+1 >= p.opts.MaxIterations {
			break
		}

		if !sleepContext(ctx, delay) {
			return nil
		}
	}

	return nil
}

func (p *Poller) runFixedRate(ctx context.Context) error {
	loopCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		inflight sync.WaitGroup
		mutex    sync.Mutex
		failures int
		resumeAt time.Time
		firstErr error
	)

	launch := func(iteration int) {
		inflight.Add(1)
		go func() {
			defer inflight.Done()

			err := p.runIteration(loopCtx, iteration)
			if loopCtx.Err() != nil {
				return
			}

			mutex.Lock()
			defer mutex.Unlock()

			if err == nil {
				failures = 0
				resumeAt = time.Time{}
				return
			}

			if p.opts.StopOnError {
				if firstErr == nil {
					firstErr = err
				}
				stop()
				return
			}

			failures++
			if p.opts.Backoff.Enabled() {
				resumeAt = time.Now().Add(p.opts.Backoff.Delay(failures, p.opts.Interval))
			}
		}()
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	launched := 0
	launch(launched)
	launched++

	for p.opts.MaxIterations == 0 || launched < p.opts.MaxIterations {
		select {
		case <-loopCtx.Done():
			inflight.Wait()
			return firstErrLocked(&mutex, &firstErr)
		case now := <-ticker.C:
			mutex.Lock()
			backingOff := now.Before(resumeAt)
			mutex.Unlock()

			if backingOff {
				p.logger.Debug("backing off, skipping tick")
				continue
			}

			launch(launched)
			launched++
		}
	}

	inflight.Wait()
	return firstErrLocked(&mutex, &firstErr)
}

func (p *Poller) runIteration(ctx context.Context, iteration int) error {
	start := time.Now()
	err := p.fn(ctx, iteration)
	took := time.Since(start)

	if ctx.Err() != nil {
		// Cancellation mid-request is not a failure worth reporting.
		return err
	}

	p.metrics.observePoll(p.name, took, err)

	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"iteration": iteration,
			"took":      took,
		}).Warn("poll failed")
	}

	return err
}

func firstErrLocked(mutex *sync.Mutex, err *error) error {
	mutex.Lock()
	defer mutex.Unlock()
	return *err
}

// Returns false if ctx ended before d elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
