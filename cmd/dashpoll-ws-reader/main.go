package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"

	"github.com/cactusdynamics/dashpoll"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// Config holds the configuration for the WS reader
type Config struct {
	ServerURL string
	Output    io.Writer
	Logger    logrus.FieldLogger
}

// WSReader reads the dashpoll /ws2 feed and writes every received point as a
// CSV row.
type WSReader struct {
	config    Config
	csvWriter *csv.Writer
}

// NewWSReader creates a new WS reader with the given configuration
func NewWSReader(config Config) *WSReader {
	if config.Logger == nil {
		config.Logger = logrus.WithField("tag", "WSReader")
	}

	return &WSReader{
		config:    config,
		csvWriter: csv.NewWriter(config.Output),
	}
}

// Connect establishes the websocket connection and processes messages until
// the stream ends, the connection closes or ctx is cancelled.
func (w *WSReader) Connect(ctx context.Context) error {
	u, err := url.Parse(w.config.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = "/ws2"

	w.config.Logger.WithField("url", u.String()).Info("connecting to websocket")

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := w.csvWriter.Write([]string{"series", "x", "y"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for {
		_, messageData, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				w.config.Logger.Info("connection closed normally")
				break
			}
			if ctx.Err() != nil {
				break
			}
			w.config.Logger.WithError(err).Error("error reading message")
			break
		}

		if err := w.processMessage(messageData); err != nil {
			if err == io.EOF {
				w.config.Logger.Info("stream ended")
				break
			}
			w.config.Logger.WithError(err).Error("error processing message")
		}
	}

	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

func (w *WSReader) processMessage(messageData []byte) error {
	msg, err := dashpoll.DecodeWSMessage(messageData)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	switch payload := msg.Payload.(type) {
	case dashpoll.PointsMessage:
		return w.processPointsMessage(payload)
	case dashpoll.FieldUpdate:
		w.config.Logger.WithFields(logrus.Fields{
			"field": payload.ID,
			"value": payload.Value,
		}).Debug("field changed")
	case dashpoll.WindowMessage:
		w.config.Logger.WithFields(logrus.Fields{
			"series": payload.Series,
			"min":    payload.Min,
			"max":    payload.Max,
		}).Debug("window changed")
	case dashpoll.StreamEndMessage:
		if payload.Error {
			w.config.Logger.WithField("message", payload.Msg).Error("stream ended with error")
		}
		return io.EOF
	default:
		w.config.Logger.WithField("type", fmt.Sprintf("0x%02x", msg.Header.Type)).Warn("unknown message type")
	}

	return nil
}

func (w *WSReader) processPointsMessage(points dashpoll.PointsMessage) error {
	for i := 0; i < len(points.X); i++ {
		row := []string{
			points.Series,
			strconv.FormatFloat(points.X[i], 'g', -1, 64),
			strconv.FormatFloat(points.Y[i], 'g', -1, 64),
		}
		if err := w.csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.csvWriter.Flush()
	return w.csvWriter.Error()
}

type options struct {
	URL      string `long:"url" default:"http://localhost:5274" description:"URL of the dashpoll mirror server"`
	LogLevel string `long:"log-level" default:"info" description:"Log level"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logrus.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(opts.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reader := NewWSReader(Config{
		ServerURL: opts.URL,
		Output:    os.Stdout,
	})

	if err := reader.Connect(ctx); err != nil {
		logrus.WithError(err).Error("failed to connect")
		os.Exit(1)
	}
}
