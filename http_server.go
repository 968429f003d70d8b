package dashpoll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const bufferSize = 10000

// HttpServer is the local mirror of the dashboard: it exposes the applied
// state, a live feed of changes and the client's metrics.
type HttpServer struct {
	dashboard   *Dashboard
	broadcaster *UpdateBroadcaster
	addr        string
	mux         *http.ServeMux
	logger      logrus.FieldLogger
}

// NewHttpServer creates the mirror server. gatherer is served on /metrics;
// nil serves the default Prometheus registry.
func NewHttpServer(dashboard *Dashboard, broadcaster *UpdateBroadcaster, host string, port uint16, gatherer prometheus.Gatherer) *HttpServer {
	s := &HttpServer{
		dashboard:   dashboard,
		broadcaster: broadcaster,
		addr:        net.JoinHostPort(host, strconv.Itoa(int(port))),
		mux:         http.NewServeMux(),
		logger:      logrus.WithField("tag", "HttpServer"),
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s.mux.HandleFunc("/state", s.handleState)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/ws2", s.handleWebSocket2)
	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s
}

func (s *HttpServer) Handler() http.Handler {
	return s.mux
}

// Encoded in full before writing, so a failed encode still gets a 500.
func (s *HttpServer) handleState(w http.ResponseWriter, req *http.Request) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(s.dashboard.Snapshot()); err != nil {
		s.logger.WithError(err).Error("unable to encode state")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.Write(body.Bytes())
}

// Streams every event as a JSON text message.
func (s *HttpServer) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	s.streamEvents(w, req, func(ctx context.Context, c *websocket.Conn, event Event) error {
		return wsjson.Write(ctx, c, event)
	})
}

// Streams every event as a binary framed message (see ws_protocol.go).
func (s *HttpServer) handleWebSocket2(w http.ResponseWriter, req *http.Request) {
	s.streamEvents(w, req, func(ctx context.Context, c *websocket.Conn, event Event) error {
		msg, err := EventToWSMessage(event)
		if err != nil {
			s.logger.WithError(err).Warn("cannot frame event, skipping")
			return nil
		}

		buf, err := EncodeWSMessage(msg)
		if err != nil {
			s.logger.WithError(err).Warn("cannot encode event, skipping")
			return nil
		}

		return c.Write(ctx, websocket.MessageBinary, buf)
	})
}

func (s *HttpServer) streamEvents(w http.ResponseWriter, req *http.Request, write func(context.Context, *websocket.Conn, Event) error) {
	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to accept new websocket connection")
		return
	}

	ctx := req.Context()
	ctx = c.CloseRead(ctx) // We only write to the websocket.

	channel := make(chan Event, bufferSize)
	wg := sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			select {
			case event := <-channel:
				if err := write(ctx, c, event); err != nil {
					// At this point the websocket closed, so we don't even need to send anything
					s.logger.WithError(err).Warn("websocket write failed and closed")
					return
				}

				if event.Kind == EventStreamEnded {
					c.Close(websocket.StatusNormalClosure, "stream ended")
					return
				}
			case <-ctx.Done():
				s.logger.Info("client closed connection or context canceled")
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()

	// The channel is already being received from in another goroutine, so
	// replaying the buffered events cannot block forever.
	s.broadcaster.RegisterChannel(ctx, channel)

	wg.Wait()

	// The broadcaster may still be sending into channel until deregistered.
	// Drain concurrently so it never blocks on a client that has gone away.
	drainDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-channel:
			case <-drainDone:
				return
			}
		}
	}()

	s.broadcaster.DeregisterChannel(ctx, channel)
	close(drainDone)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("starting HTTP server at http://%s", s.addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
