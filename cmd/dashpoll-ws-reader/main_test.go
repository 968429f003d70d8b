package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cactusdynamics/dashpoll"
	"github.com/sirupsen/logrus"
)

// startMirror serves a dashpoll mirror whose stream has already been filled
// by fill and then closed, so readers see the full replay followed by the
// end of stream.
func startMirror(t *testing.T, fill func(d *dashpoll.Dashboard)) string {
	t.Helper()

	broadcaster := dashpoll.NewUpdateBroadcaster(100)
	broadcaster.Start(context.Background())

	document := dashpoll.NewMemoryDocument("status")
	dashboard := dashpoll.NewDashboard(document, broadcaster, nil)
	dashboard.RegisterChart("temp", 60, nil, 0)
	dashboard.RegisterChart("hum", 60, nil, 0)

	fill(dashboard)
	broadcaster.Close()
	broadcaster.Wait()

	server := dashpoll.NewHttpServer(dashboard, broadcaster, "127.0.0.1", 0, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return srv.URL
}

func runReader(t *testing.T, url string) (string, string) {
	t.Helper()

	var output bytes.Buffer
	var logs bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)
	logger.SetLevel(logrus.DebugLevel)

	reader := NewWSReader(Config{
		ServerURL: url,
		Output:    &output,
		Logger:    logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- reader.Connect(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WSReader.Connect() failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WSReader.Connect() timed out")
	}

	return output.String(), logs.String()
}

func TestWSReaderPoints(t *testing.T) {
	url := startMirror(t, func(d *dashpoll.Dashboard) {
		d.AddData("temp", []dashpoll.Point{{X: 1, Y: 10.5}, {X: 2, Y: 11.2}})
		d.UpdateFieldByID("status", "ok")
		d.AddData("hum", []dashpoll.Point{{X: 1.5, Y: 40}})
	})

	output, logs := runReader(t, url)

	lines := strings.Split(strings.TrimSpace(output), "\n")
	want := []string{
		"series,x,y",
		"temp,1,10.5",
		"temp,2,11.2",
		"hum,1.5,40",
	}

	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(want), len(lines), output)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	if !strings.Contains(logs, "field changed") {
		t.Errorf("expected field change to be logged, logs:\n%s", logs)
	}
	if !strings.Contains(logs, "stream ended") {
		t.Errorf("expected end of stream to be logged, logs:\n%s", logs)
	}
}

func TestWSReaderEmptyStream(t *testing.T) {
	url := startMirror(t, func(d *dashpoll.Dashboard) {})

	output, _ := runReader(t, url)

	if strings.TrimSpace(output) != "series,x,y" {
		t.Fatalf("expected only the CSV header, got:\n%s", output)
	}
}

func TestWSReaderInvalidURL(t *testing.T) {
	reader := NewWSReader(Config{
		ServerURL: "http://127.0.0.1:1",
		Output:    &bytes.Buffer{},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := reader.Connect(ctx); err == nil {
		t.Fatal("expected a connection error")
	}
}
