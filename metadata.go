package dashpoll

type SeriesSnapshot struct {
	RangeSeconds float64       `json:"rangeSeconds"`
	Window       *WindowBounds `json:"window,omitempty"`
	Points       []Point       `json:"points"`
}

// DashboardSnapshot is what the mirror server returns on /state.
type DashboardSnapshot struct {
	Fields map[string]string         `json:"fields,omitempty"`
	Series map[string]SeriesSnapshot `json:"series"`
}
