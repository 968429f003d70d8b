package dashpoll

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownSeries   = errors.New("unknown series")
	ErrDuplicateSeries = errors.New("series already registered")
)

// Dashboard owns the display elements and every chart, keyed by series name.
// All mutation goes through it so that pollers running on different
// goroutines never race on a series or a chart handle.
type Dashboard struct {
	mutex sync.Mutex

	// Serializes publishing. Acquired with mutex held; its holder never waits
	// for mutex.
	publishMutex sync.Mutex

	document Document
	charts   map[string]*ChartState

	// Optional. Receives an Event for every applied change.
	publisher Publisher
	metrics   *Metrics

	logger logrus.FieldLogger
}

// NewDashboard creates a dashboard writing fields into document. publisher
// and metrics may be nil.
func NewDashboard(document Document, publisher Publisher, metrics *Metrics) *Dashboard {
	return &Dashboard{
		document:  document,
		charts:    make(map[string]*ChartState),
		publisher: publisher,
		metrics:   metrics,
		logger:    logrus.WithField("tag", "Dashboard"),
	}
}

// RegisterChart binds a series name to a chart handle and its visible range.
// capacity bounds the number of retained points (0 = unbounded). A nil chart
// is replaced by a ChartView.
func (d *Dashboard) RegisterChart(name string, rangeSeconds float64, chart Chart, capacity int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.charts[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateSeries, name)
	}

	if chart == nil {
		chart = NewChartView()
	}

	d.charts[name] = &ChartState{
		Series:       NewSeries(name, capacity),
		RangeSeconds: rangeSeconds,
		Chart:        chart,
	}

	d.logger.WithFields(logrus.Fields{
		"series":       name,
		"rangeSeconds": rangeSeconds,
		"capacity":     capacity,
	}).Debug("registered chart")

	return nil
}

// UpdateFieldByID replaces the content of the element with value verbatim.
func (d *Dashboard) UpdateFieldByID(id string, value string) error {
	return d.mutate(func() ([]Event, error) {
		if err := d.document.SetContent(id, value); err != nil {
			return nil, err
		}

		d.metrics.updateApplied("field")
		return []Event{{Kind: EventFieldChanged, Field: id, Value: value}}, nil
	})
}

// UpdateChart moves the chart's horizontal axis to end at the latest point
// and start RangeSeconds earlier, then redraws. Nothing happens if the series
// is empty.
func (d *Dashboard) UpdateChart(name string) error {
	return d.mutate(func() ([]Event, error) {
		state, ok := d.charts[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}

		return d.updateChart(state), nil
	})
}

// AddData appends pairs to the named series. A single pair repeating the last
// stored timestamp is dropped; anything else is appended, sorted and followed
// by a window update.
func (d *Dashboard) AddData(name string, pairs []Point) error {
	return d.mutate(func() ([]Event, error) {
		state, ok := d.charts[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}

		logger := d.logger.WithField("series", name)

		if len(pairs) == 0 {
			logger.Debug("ignoring empty batch")
			return nil, nil
		}

		if !state.Series.Add(pairs) {
			logger.WithField("x", pairs[0].X).Debug("ignoring repeated point")
			return nil, nil
		}

		d.metrics.updateApplied("series")
		d.metrics.setSeriesLength(name, state.Series.Len())

		// The event is consumed on another goroutine; the caller may reuse
		// pairs.
		events := []Event{{Kind: EventPointsAdded, Series: name, Points: slices.Clone(pairs)}}
		return append(events, d.updateChart(state)...), nil
	})
}

// SetRange changes the visible range of a chart and recomputes its window.
func (d *Dashboard) SetRange(name string, rangeSeconds float64) error {
	return d.mutate(func() ([]Event, error) {
		state, ok := d.charts[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}

		state.RangeSeconds = rangeSeconds
		return d.updateChart(state), nil
	})
}

// Apply runs every update in msg through the field and series handlers. A
// failing entry does not stop the remaining ones; all errors are joined.
func (d *Dashboard) Apply(msg UpdateMessage) error {
	var errs []error

	for _, field := range msg.Fields {
		if err := d.UpdateFieldByID(field.ID, field.Value); err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", field.ID, err))
		}
	}

	for _, series := range msg.Series {
		if err := d.AddData(series.Name, series.Points); err != nil {
			errs = append(errs, fmt.Errorf("series %q: %w", series.Name, err))
		}
	}

	return errors.Join(errs...)
}

// SeriesNames returns the registered series, sorted.
func (d *Dashboard) SeriesNames() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	names := make([]string, 0, len(d.charts))
	for name := range d.charts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the current state of every chart and, if the document can
// report them, of every field.
func (d *Dashboard) Snapshot() DashboardSnapshot {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	snapshot := DashboardSnapshot{
		Series: make(map[string]SeriesSnapshot, len(d.charts)),
	}

	if doc, ok := d.document.(interface{ Snapshot() map[string]string }); ok {
		snapshot.Fields = doc.Snapshot()
	}

	for name, state := range d.charts {
		seriesSnapshot := SeriesSnapshot{
			RangeSeconds: state.RangeSeconds,
			Points:       state.Series.Points(),
		}

		if min, max, ok := state.Series.Window(state.RangeSeconds); ok {
			seriesSnapshot.Window = &WindowBounds{Min: min, Max: max}
		}

		snapshot.Series[name] = seriesSnapshot
	}

	return snapshot
}

// Must be called with the mutex held. Returns the window event, if any.
func (d *Dashboard) updateChart(state *ChartState) []Event {
	min, max, ok := state.Series.Window(state.RangeSeconds)
	if !ok {
		return nil
	}

	state.Chart.SetXBounds(min, max)
	state.Chart.Update()

	return []Event{{
		Kind:   EventWindowChanged,
		Series: state.Series.Name(),
		Window: &WindowBounds{Min: min, Max: max},
	}}
}

// mutate runs fn with the mutex held, then publishes the events it returned
// after the mutex is released, so a slow publisher never blocks readers such
// as Snapshot. publishMutex is taken before the mutex is released to keep
// events in the order the changes were applied.
func (d *Dashboard) mutate(fn func() ([]Event, error)) error {
	d.mutex.Lock()
	events, err := fn()

	d.publishMutex.Lock()
	d.mutex.Unlock()
	defer d.publishMutex.Unlock()

	if d.publisher != nil {
		for _, event := range events {
			d.publisher.Publish(event)
		}
	}

	return err
}
