package dashpoll

type EventKind string

const (
	EventFieldChanged  EventKind = "field"
	EventPointsAdded   EventKind = "points"
	EventWindowChanged EventKind = "window"
	EventStreamEnded   EventKind = "end"
)

type WindowBounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Event describes one change applied to the dashboard. It is what the mirror
// server streams to its websocket clients.
type Event struct {
	Kind EventKind `json:"kind"`

	// EventFieldChanged
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`

	// EventPointsAdded and EventWindowChanged
	Series string        `json:"series,omitempty"`
	Points []Point       `json:"points,omitempty"`
	Window *WindowBounds `json:"window,omitempty"`

	// EventStreamEnded
	Error string `json:"error,omitempty"`
}

// Publisher receives every event applied by a Dashboard, in order. Publish
// should not block: the next change waits for it.
type Publisher interface {
	Publish(Event)
}
