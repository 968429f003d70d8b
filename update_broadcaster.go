package dashpoll

import (
	"context"
	"errors"
	"runtime/trace"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Size of the queue between Publish and the broadcaster goroutine.
const publishQueueSize = 1024

// UpdateBroadcaster fans dashboard events out to the mirror server's
// websocket clients. It implements Publisher.
type UpdateBroadcaster struct {
	input       chan Event
	inputMutex  sync.Mutex
	inputClosed bool

	// Closed once the broadcaster goroutine stops consuming input.
	done chan struct{}

	mutex sync.Mutex
	wg    sync.WaitGroup

	// If the stream is ended or not
	streamEnded atomic.Bool

	// These are channels from open websockets where we are sending events to.
	// Sends never block: a channel that is full misses the event.
	channelsForLiveUpdate []chan<- Event

	// The most recent events. They are replayed to a channel upon
	// registration. See RegisterChannel for details.
	eventBuffer *ThreadUnsafeRing[Event]

	// Just for tracking how many events are emitted when the stream ends.
	numEventsEmitted int

	// Events not delivered to a full channel.
	numEventsDropped int

	logger logrus.FieldLogger
}

func NewUpdateBroadcaster(bufferCapacity int) *UpdateBroadcaster {
	return &UpdateBroadcaster{
		input:                 make(chan Event, publishQueueSize),
		done:                  make(chan struct{}),
		channelsForLiveUpdate: make([]chan<- Event, 0),
		eventBuffer:           NewRing[Event](bufferCapacity),
		logger:                logrus.WithField("tag", "UpdateBroadcaster"),
	}
}

// Publish queues an event without blocking. Events published after Close, or
// while the queue is full, are dropped.
func (b *UpdateBroadcaster) Publish(event Event) {
	b.inputMutex.Lock()
	defer b.inputMutex.Unlock()

	if b.inputClosed {
		b.logger.WithField("kind", event.Kind).Debug("dropping event published after close")
		return
	}

	select {
	case b.input <- event:
	case <-b.done:
	default:
		b.logger.WithFields(logrus.Fields{
			"kind":   event.Kind,
			"series": event.Series,
			"field":  event.Field,
		}).Warn("publish queue full, dropping event")
	}
}

// Close ends the stream once all queued events have been broadcast.
func (b *UpdateBroadcaster) Close() {
	b.inputMutex.Lock()
	defer b.inputMutex.Unlock()

	if !b.inputClosed {
		b.inputClosed = true
		close(b.input)
	}
}

func (b *UpdateBroadcaster) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.run(ctx)

		b.streamEnded.Store(true)
		close(b.done)

		end := Event{Kind: EventStreamEnded}
		if err != nil {
			end.Error = err.Error()
		}

		// Caching the end event lets clients that connect later know the
		// stream is over.
		b.cacheAndBroadcastEvent(ctx, end)

		b.mutex.Lock()
		logger := b.logger.WithFields(logrus.Fields{
			"numEventsEmitted": b.numEventsEmitted,
			"numEventsDropped": b.numEventsDropped,
		})
		b.mutex.Unlock()
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Info("update broadcaster stream ended")
	}()
}

func (b *UpdateBroadcaster) Wait() {
	b.wg.Wait()
}

func (b *UpdateBroadcaster) StreamEnded() bool {
	return b.streamEnded.Load()
}

// Register a new channel. Called from the HTTP server when a new websocket
// connection is initiated.
//
// - ctx: is the HTTP call context.
// - c: is the channel to send events on. It should be buffered and drained continuously; events that do not fit are dropped for that channel.
func (b *UpdateBroadcaster) RegisterChannel(ctx context.Context, c chan<- Event) {
	// The mutex is only free when no event is being cached or sent to the live
	// channels. Holding it while the buffered events are pushed to c and c is
	// added to the live list means c sees every event exactly once, with no gap
	// between the replay and the live stream.
	//
	// The price is that all live clients stall while a new one is registered.
	// New tabs are rare, and the time spent is visible in the execution trace.
	traceCtx, task := trace.NewTask(ctx, "RegisterChannel")
	defer task.End()

	trace.WithRegion(traceCtx, "Lock", b.mutex.Lock)
	defer b.mutex.Unlock()

	trace.WithRegion(traceCtx, "pushBufferedEventsToChannel", func() {
		b.pushBufferedEventsToChannel(c)
	})

	b.channelsForLiveUpdate = append(b.channelsForLiveUpdate, c)

	b.logger.WithField("channels", len(b.channelsForLiveUpdate)).Info("registered channel")
}

// Deregister a channel. Called when a websocket client disconnects. The
// channel must not be closed until this method returns.
func (b *UpdateBroadcaster) DeregisterChannel(ctx context.Context, c chan<- Event) {
	traceCtx, task := trace.NewTask(ctx, "DeregisterChannel")
	defer task.End()

	trace.WithRegion(traceCtx, "Lock", b.mutex.Lock)
	defer b.mutex.Unlock()

	b.channelsForLiveUpdate = Filter(b.channelsForLiveUpdate, func(channel chan<- Event) bool {
		return channel != c
	})

	b.logger.WithField("channels", len(b.channelsForLiveUpdate)).Info("deregistered channel")
}

func (b *UpdateBroadcaster) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case event, open := <-b.input:
			if !open {
				return nil
			}

			traceCtx, task := trace.NewTask(ctx, "UpdateBroadcasterLoop")
			b.cacheAndBroadcastEvent(traceCtx, event)
			task.End()
		}
	}
}

func (b *UpdateBroadcaster) cacheAndBroadcastEvent(traceCtx context.Context, event Event) {
	trace.WithRegion(traceCtx, "Lock", b.mutex.Lock)
	defer b.mutex.Unlock()

	b.numEventsEmitted++

	b.logger.WithFields(logrus.Fields{
		"kind":   event.Kind,
		"series": event.Series,
		"field":  event.Field,
	}).Debug("new event")

	trace.WithRegion(traceCtx, "Cache", func() {
		b.eventBuffer.Push(event)
	})

	trace.WithRegion(traceCtx, "Broadcast", func() {
		for _, c := range b.channelsForLiveUpdate {
			b.trySend(c, event)
		}
	})
}

func (b *UpdateBroadcaster) pushBufferedEventsToChannel(c chan<- Event) {
	for _, event := range b.eventBuffer.ReadAllOrdered() {
		b.trySend(c, event)
	}
}

// Must be called with the mutex held.
func (b *UpdateBroadcaster) trySend(c chan<- Event, event Event) {
	select {
	case c <- event:
	default:
		b.numEventsDropped++
		b.logger.WithFields(logrus.Fields{
			"kind":    event.Kind,
			"dropped": b.numEventsDropped,
		}).Warn("channel full, dropping event")
	}
}
