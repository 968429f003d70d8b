package dashpoll

import (
	"bufio"
	"context"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// The line format is a plain-text alternative to JSON update messages:
//
//	# comment
//	field <id> <value, rest of line verbatim>
//	series <name> <x> <y> [<x> <y> ...]
//	point <name> <x> <y>
//
// Each series or point line is one batch. Tokens are separated by commas or runs of
// spaces/tabs. Lines that cannot be interpreted are logged and skipped.

var errIgnoreThisLine = errors.New("ignore this line")

// Longest accepted line. A series line carrying a whole history can be far
// longer than bufio.MaxScanTokenSize.
const maxUpdateLineSize = 64 * 1024 * 1024

// Split on either comma or any number of spaces or tabs
var relaxedSplitter = regexp.MustCompile("[ \t]+|,")

// Field values may contain commas, so only whitespace separates the keyword
// and the id from the value.
var fieldSplitter = regexp.MustCompile("[ \t]+")

// RelaxedLineReader reads an io.Reader line by line, skipping blank lines and
// comments.
type RelaxedLineReader struct {
	scanner *bufio.Scanner

	lineCount int
}

func NewRelaxedLineReader(input io.Reader) *RelaxedLineReader {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxUpdateLineSize)

	return &RelaxedLineReader{
		scanner: scanner,
	}
}

// Read returns the next non-empty line with surrounding whitespace trimmed, or
// io.EOF.
func (r *RelaxedLineReader) Read(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				logrus.WithField("tag", "RelaxedLine").WithError(err).Error("unable to read line")
				return "", err
			}
			return "", io.EOF
		}

		r.lineCount++

		line := strings.TrimSpace(r.scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}

		return line, nil
	}
}

func (r *RelaxedLineReader) LineCount() int {
	return r.lineCount
}

// ParseUpdateLines decodes the line format into an UpdateMessage.
func ParseUpdateLines(input io.Reader) (UpdateMessage, error) {
	ctx := context.Background()
	reader := NewRelaxedLineReader(input)
	msg := UpdateMessage{}

	for {
		line, err := reader.Read(ctx)
		if err == io.EOF {
			return msg, nil
		} else if err != nil {
			return UpdateMessage{}, err
		}

		logger := logrus.WithFields(logrus.Fields{
			"tag":     "UpdateLines",
			"line":    line,
			"lineNum": reader.LineCount(),
		})

		keyword := fieldSplitter.Split(line, 2)[0]

		switch keyword {
		case "field":
			field, err := interpretFieldLine(line)
			if err != nil {
				logger.Warn("malformed field line, ignoring...")
				continue
			}
			msg.Fields = append(msg.Fields, field)
		case "series":
			series, err := interpretSeriesLine(line)
			if err != nil {
				logger.Warn("malformed series line, ignoring...")
				continue
			}
			msg.Series = append(msg.Series, series)
		case "point":
			point, err := interpretPointLine(line)
			if err != nil {
				logger.Warn("malformed point line, ignoring...")
				continue
			}
			msg.Series = append(msg.Series, point)
		default:
			logger.Warn("unknown update keyword, ignoring...")
		}
	}
}

func interpretFieldLine(line string) (FieldUpdate, error) {
	tokens := fieldSplitter.Split(line, 3)
	if len(tokens) < 2 {
		return FieldUpdate{}, errIgnoreThisLine
	}

	field := FieldUpdate{ID: tokens[1]}
	if len(tokens) == 3 {
		field.Value = tokens[2]
	}

	return field, nil
}

func interpretSeriesLine(line string) (SeriesUpdate, error) {
	values := Filter(relaxedSplitter.Split(line, -1)[1:], func(token string) bool {
		return len(token) > 0
	})

	if len(values) < 3 || (len(values)-1)%2 != 0 {
		return SeriesUpdate{}, errIgnoreThisLine
	}

	update := SeriesUpdate{Name: values[0]}
	for i := 1; i < len(values); i += 2 {
		x, err := strconv.ParseFloat(strings.TrimSpace(values[i]), 64)
		if err != nil {
			return SeriesUpdate{}, errIgnoreThisLine
		}

		y, err := strconv.ParseFloat(strings.TrimSpace(values[i+1]), 64)
		if err != nil {
			return SeriesUpdate{}, errIgnoreThisLine
		}

		update.Points = append(update.Points, Point{X: x, Y: y})
	}

	return update, nil
}

// A point line is a series line with exactly one pair.
func interpretPointLine(line string) (SeriesUpdate, error) {
	update, err := interpretSeriesLine(line)
	if err != nil || len(update.Points) != 1 {
		return SeriesUpdate{}, errIgnoreThisLine
	}

	return update, nil
}
