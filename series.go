package dashpoll

import (
	"cmp"
	"slices"
)

// A single time/value pair. X is a unix timestamp in seconds.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Series is a named sequence of points kept sorted by X ascending.
//
// Series is not safe for concurrent use. The Dashboard owns every Series and
// serializes access with its own mutex.
type Series struct {
	name     string
	points   []Point
	capacity int
}

// NewSeries creates an empty series. If capacity > 0, only the newest
// capacity points are retained after every insertion.
func NewSeries(name string, capacity int) *Series {
	return &Series{
		name:     name,
		points:   make([]Point, 0),
		capacity: capacity,
	}
}

func (s *Series) Name() string {
	return s.name
}

func (s *Series) Len() int {
	return len(s.points)
}

// Latest returns the point with the greatest X, if any.
func (s *Series) Latest() (Point, bool) {
	if len(s.points) == 0 {
		return Point{}, false
	}

	return s.points[len(s.points)-1], true
}

// Points returns a copy of the stored points.
func (s *Series) Points() []Point {
	return slices.Clone(s.points)
}

// Add appends pairs and re-sorts the series. It returns false without
// touching the series when exactly one pair arrives with the same X as the
// last stored point. Batches of more than one pair are appended unchecked, so
// they may introduce duplicate timestamps.
func (s *Series) Add(pairs []Point) bool {
	if len(pairs) == 0 {
		return false
	}

	if len(pairs) == 1 && len(s.points) > 0 && s.points[len(s.points)-1].X == pairs[0].X {
		return false
	}

	s.points = append(s.points, pairs...)

	// Stable so that duplicate timestamps keep their arrival order.
	slices.SortStableFunc(s.points, func(a, b Point) int {
		return cmp.Compare(a.X, b.X)
	})

	if s.capacity > 0 && len(s.points) > s.capacity {
		s.points = slices.Clone(s.points[len(s.points)-s.capacity:])
	}

	return true
}

// Window returns the visible range ending at the latest point and starting
// rangeSeconds earlier. ok is false for an empty series.
func (s *Series) Window(rangeSeconds float64) (min, max float64, ok bool) {
	latest, ok := s.Latest()
	if !ok {
		return 0, 0, false
	}

	return latest.X - rangeSeconds, latest.X, true
}
