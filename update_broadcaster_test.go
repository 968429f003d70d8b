package dashpoll

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// collectFromChannels reads from one or more event channels until each
// channel emits an EventStreamEnded. It returns the events received on each
// channel, end marker excluded. If the timeout elapses before all channels
// finish, an error is returned along with what was collected.
func collectFromChannels(timeout time.Duration, chans ...<-chan Event) ([][]Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n := len(chans)
	results := make([][]Event, n)
	var wg sync.WaitGroup
	wg.Add(n)

	for i, ch := range chans {
		i, ch := i, ch
		go func() {
			defer wg.Done()
			var local []Event
			for {
				select {
				case <-ctx.Done():
					results[i] = local
					return
				case e, ok := <-ch:
					if !ok || e.Kind == EventStreamEnded {
						results[i] = local
						return
					}
					local = append(local, e)
				}
			}
		}()
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("timeout waiting for channels: %v", err)
	}
	return results, nil
}

// recvEvent reads a single event from ch with a timeout.
func recvEvent(ch <-chan Event, timeout time.Duration) (Event, bool) {
	select {
	case e := <-ch:
		return e, true
	case <-time.After(timeout):
		return Event{}, false
	}
}

func fieldEvents(n int) []Event {
	events := make([]Event, n)
	for i := range events {
		events[i] = Event{Kind: EventFieldChanged, Field: "f", Value: fmt.Sprint(i)}
	}
	return events
}

func TestUpdateBroadcaster(t *testing.T) {
	t.Run("ForwardingAndOrdering", func(t *testing.T) {
		ctx := context.Background()
		events := fieldEvents(3)

		b := NewUpdateBroadcaster(10)

		// Register before starting to test live forwarding without relying on
		// the replay buffer.
		ch := make(chan Event, 10)
		b.RegisterChannel(ctx, ch)

		b.Start(ctx)
		for _, e := range events {
			b.Publish(e)
		}
		b.Close()

		res, err := collectFromChannels(500*time.Millisecond, ch)
		if err != nil {
			t.Fatalf("collectFromChannels failed: %v", err)
		}

		if !reflect.DeepEqual(res[0], events) {
			t.Fatalf("events mismatch: want %+v got %+v", events, res[0])
		}

		b.Wait()
		if !b.StreamEnded() {
			t.Fatalf("expected StreamEnded() after Close")
		}
	})

	t.Run("LateRegistrationReplaysBuffer", func(t *testing.T) {
		ctx := context.Background()
		b := NewUpdateBroadcaster(10)
		b.Start(ctx)

		ch1 := make(chan Event, 10)
		b.RegisterChannel(ctx, ch1)

		first := Event{Kind: EventPointsAdded, Series: "temp", Points: []Point{{X: 1, Y: 2}}}
		b.Publish(first)

		got, ok := recvEvent(ch1, 500*time.Millisecond)
		if !ok || !reflect.DeepEqual(got, first) {
			t.Fatalf("ch1 first event: got %+v (ok=%v)", got, ok)
		}

		// A second channel registered after the event was emitted receives
		// it from the buffer.
		ch2 := make(chan Event, 10)
		b.RegisterChannel(ctx, ch2)

		got, ok = recvEvent(ch2, 500*time.Millisecond)
		if !ok || !reflect.DeepEqual(got, first) {
			t.Fatalf("ch2 replayed event: got %+v (ok=%v)", got, ok)
		}

		second := Event{Kind: EventWindowChanged, Series: "temp", Window: &WindowBounds{Min: 0, Max: 1}}
		b.Publish(second)
		b.Close()

		res, err := collectFromChannels(500*time.Millisecond, ch1, ch2)
		if err != nil {
			t.Fatalf("collectFromChannels failed: %v", err)
		}

		for i, got := range res {
			if !reflect.DeepEqual(got, []Event{second}) {
				t.Fatalf("channel %d: got %+v want only the second event", i, got)
			}
		}

		b.Wait()
	})

	t.Run("BufferKeepsMostRecent", func(t *testing.T) {
		ctx := context.Background()
		events := fieldEvents(5)

		b := NewUpdateBroadcaster(3)
		b.Start(ctx)
		for _, e := range events {
			b.Publish(e)
		}
		b.Close()
		b.Wait()

		// The end marker takes one slot.
		ch := make(chan Event, 10)
		b.RegisterChannel(ctx, ch)

		res, err := collectFromChannels(500*time.Millisecond, ch)
		if err != nil {
			t.Fatalf("collectFromChannels failed: %v", err)
		}
		if !reflect.DeepEqual(res[0], events[3:]) {
			t.Fatalf("replayed %+v, want %+v", res[0], events[3:])
		}
	})

	t.Run("DeregisterStopsDelivery", func(t *testing.T) {
		ctx := context.Background()
		b := NewUpdateBroadcaster(10)
		b.Start(ctx)

		ch := make(chan Event, 10)
		b.RegisterChannel(ctx, ch)
		b.DeregisterChannel(ctx, ch)

		b.Publish(Event{Kind: EventFieldChanged, Field: "f"})
		b.Close()
		b.Wait()

		if e, ok := recvEvent(ch, 20*time.Millisecond); ok {
			t.Fatalf("deregistered channel received %+v", e)
		}
	})

	t.Run("ContextCancelEndsStream", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		b := NewUpdateBroadcaster(10)
		b.Start(ctx)

		ch := make(chan Event, 10)
		b.RegisterChannel(context.Background(), ch)

		cancel()
		b.Wait()

		end, ok := recvEvent(ch, 500*time.Millisecond)
		if !ok || end.Kind != EventStreamEnded || end.Error != "" {
			t.Fatalf("expected a clean end event, got %+v (ok=%v)", end, ok)
		}

		// Publishing after the stream ended must not block.
		done := make(chan struct{})
		go func() {
			for i := 0; i < publishQueueSize+1; i++ {
				b.Publish(Event{Kind: EventFieldChanged})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Publish blocked after the stream ended")
		}
	})

	t.Run("DeadlineReportsError", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()

		b := NewUpdateBroadcaster(10)
		b.Start(ctx)
		b.Wait()

		ch := make(chan Event, 10)
		b.RegisterChannel(context.Background(), ch)

		end, ok := recvEvent(ch, 500*time.Millisecond)
		if !ok || end.Kind != EventStreamEnded || end.Error == "" {
			t.Fatalf("expected an end event carrying the deadline error, got %+v", end)
		}
	})

	t.Run("PublishAfterCloseIsDropped", func(t *testing.T) {
		ctx := context.Background()
		b := NewUpdateBroadcaster(10)
		b.Start(ctx)
		b.Close()
		b.Publish(Event{Kind: EventFieldChanged, Field: "late"})
		b.Wait()

		ch := make(chan Event, 10)
		b.RegisterChannel(ctx, ch)

		res, err := collectFromChannels(500*time.Millisecond, ch)
		if err != nil {
			t.Fatalf("collectFromChannels failed: %v", err)
		}
		if len(res[0]) != 0 {
			t.Fatalf("expected no events before the end marker, got %+v", res[0])
		}
	})

	t.Run("DashboardPublishesThroughBroadcaster", func(t *testing.T) {
		ctx := context.Background()
		b := NewUpdateBroadcaster(10)
		b.Start(ctx)

		d := NewDashboard(NewMemoryDocument("x"), b, nil)
		d.RegisterChart("temp", 10, nil, 0)
		d.UpdateFieldByID("x", "1")
		d.AddData("temp", []Point{{X: 20, Y: 1}})
		b.Close()
		b.Wait()

		ch := make(chan Event, 10)
		b.RegisterChannel(ctx, ch)
		res, err := collectFromChannels(500*time.Millisecond, ch)
		if err != nil {
			t.Fatalf("collectFromChannels failed: %v", err)
		}

		kinds := make([]EventKind, len(res[0]))
		for i, e := range res[0] {
			kinds[i] = e.Kind
		}
		want := []EventKind{EventFieldChanged, EventPointsAdded, EventWindowChanged}
		if !reflect.DeepEqual(kinds, want) {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	})

	t.Run("FullQueueDropsInsteadOfBlocking", func(t *testing.T) {
		b := NewUpdateBroadcaster(10)

		// Not started, so nothing drains the queue.
		done := make(chan struct{})
		go func() {
			for i := 0; i < publishQueueSize+10; i++ {
				b.Publish(Event{Kind: EventFieldChanged, Field: "f"})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Publish blocked on a full queue")
		}
	})

	t.Run("StalledChannelDoesNotHoldOthers", func(t *testing.T) {
		ctx := context.Background()
		b := NewUpdateBroadcaster(10)
		b.Start(ctx)

		stalled := make(chan Event)
		live := make(chan Event, 10)
		b.RegisterChannel(ctx, stalled)
		b.RegisterChannel(ctx, live)

		for _, e := range fieldEvents(3) {
			b.Publish(e)
		}
		b.Close()

		res, err := collectFromChannels(time.Second, live)
		if err != nil {
			t.Fatalf("collectFromChannels failed: %v", err)
		}
		if !reflect.DeepEqual(res[0], fieldEvents(3)) {
			t.Fatalf("live channel got %+v", res[0])
		}

		b.Wait()
	})
}
