package dashpoll

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Command line options. Parsed with github.com/jessevdk/go-flags.
type Options struct {
	Upstream       string        `short:"u" long:"upstream" description:"Base URL of the dashboard server" required:"true"`
	Layout         string        `short:"l" long:"layout" description:"YAML file declaring charts and fields"`
	Interval       time.Duration `short:"i" long:"interval" default:"1s" description:"Delay between polls"`
	RequestTimeout time.Duration `long:"request-timeout" default:"10s" description:"Timeout of a single request (0 = none)"`
	HistoricalPath string        `long:"historical-path" default:"/historical_values" description:"Endpoint of the first update fetch"`
	UpdatesPath    string        `long:"updates-path" default:"/aggregated_updates" description:"Endpoint of every later update fetch"`

	RetryOnError   bool          `long:"retry-on-error" description:"Keep polling for updates after a failed fetch instead of halting"`
	BackoffInitial time.Duration `long:"backoff-initial" default:"1s" description:"First retry delay when retrying on error (0 = retry at the poll interval)"`
	BackoffMax     time.Duration `long:"backoff-max" default:"1m" description:"Upper bound of the retry delay"`

	Host       string `long:"host" default:"127.0.0.1" description:"Listen host of the mirror server"`
	Port       uint16 `short:"p" long:"port" default:"5274" description:"Listen port of the mirror server"`
	BufferSize int    `long:"buffer-size" default:"10000" description:"Number of events replayed to new websocket clients"`

	LogLevel string `long:"log-level" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
}

func (o Options) ClientOptions() ClientOptions {
	opts := ClientOptions{
		Interval:       o.Interval,
		HistoricalPath: o.HistoricalPath,
		UpdatesPath:    o.UpdatesPath,
		RetryOnError:   o.RetryOnError,
	}

	if o.RetryOnError {
		opts.Backoff = Backoff{
			Initial: o.BackoffInitial,
			Max:     o.BackoffMax,
		}
	}

	return opts
}

// Named ranges offered by the dashboard's range selector.
var rangePresets = map[string]float64{
	"1m":  60,
	"1h":  60 * 60,
	"1d":  24 * 60 * 60,
	"1w":  7 * 24 * 60 * 60,
	"1mo": 30 * 24 * 60 * 60,
	"1y":  365 * 24 * 60 * 60,
}

// DefaultRangeSeconds is one day.
const DefaultRangeSeconds = 24 * 60 * 60

// ParseRange accepts a preset (1m, 1h, 1d, 1w, 1mo, 1y) or a Go duration and
// returns the length in seconds. An empty string gives DefaultRangeSeconds.
func ParseRange(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRangeSeconds, nil
	}

	if seconds, ok := rangePresets[s]; ok {
		return seconds, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid range %q: %w", s, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("invalid range %q: must be positive", s)
	}

	return d.Seconds(), nil
}

type ChartConfig struct {
	Name     string `yaml:"name"`
	Range    string `yaml:"range"`
	Capacity int    `yaml:"capacity"`
}

// A document element, optionally filled by LoadVal.
type FieldConfig struct {
	ID          string `yaml:"id"`
	Path        string `yaml:"path"`
	AutoRefresh bool   `yaml:"auto_refresh"`
}

type Layout struct {
	Charts []ChartConfig `yaml:"charts"`
	Fields []FieldConfig `yaml:"fields"`
}

// LoadLayout reads and validates a YAML layout file.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to read layout: %w", err)
	}

	return ParseLayout(data)
}

func ParseLayout(data []byte) (Layout, error) {
	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return Layout{}, fmt.Errorf("failed to parse layout: %w", err)
	}

	if err := layout.Validate(); err != nil {
		return Layout{}, err
	}

	return layout, nil
}

func (l Layout) Validate() error {
	var errs []error

	seen := make(map[string]bool)
	for i, chart := range l.Charts {
		if chart.Name == "" {
			errs = append(errs, fmt.Errorf("charts[%d]: name is required", i))
			continue
		}
		if seen[chart.Name] {
			errs = append(errs, fmt.Errorf("charts[%d]: duplicate name %q", i, chart.Name))
		}
		seen[chart.Name] = true

		if _, err := ParseRange(chart.Range); err != nil {
			errs = append(errs, fmt.Errorf("charts[%d]: %w", i, err))
		}
		if chart.Capacity < 0 {
			errs = append(errs, fmt.Errorf("charts[%d]: capacity must not be negative", i))
		}
	}

	for i, field := range l.Fields {
		if field.ID == "" {
			errs = append(errs, fmt.Errorf("fields[%d]: id is required", i))
		}
		if field.AutoRefresh && field.Path == "" {
			errs = append(errs, fmt.Errorf("fields[%d]: auto_refresh needs a path", i))
		}
	}

	return errors.Join(errs...)
}

// Build registers every chart on dashboard and every field on document.
// Charts are bound to fresh ChartViews.
func (l Layout) Build(dashboard *Dashboard, document *MemoryDocument) error {
	for _, field := range l.Fields {
		document.Register(field.ID)
	}

	for _, chart := range l.Charts {
		rangeSeconds, err := ParseRange(chart.Range)
		if err != nil {
			return err
		}

		if err := dashboard.RegisterChart(chart.Name, rangeSeconds, NewChartView(), chart.Capacity); err != nil {
			return err
		}
	}

	return nil
}
