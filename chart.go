package dashpoll

import "sync"

// Chart is the rendering handle bound to a series. Implementations receive the
// horizontal axis bounds and a redraw request after every window change.
type Chart interface {
	SetXBounds(min, max float64)
	Update()
}

// The state of a single chart: its data, its visible range and its renderer.
type ChartState struct {
	Series       *Series
	RangeSeconds float64
	Chart        Chart
}

// ChartView is a Chart that just records what it was told. It backs the
// mirror server's /state endpoint and is handy in tests.
type ChartView struct {
	mutex sync.Mutex

	xMin    float64
	xMax    float64
	bounded bool
	redraws int
}

func NewChartView() *ChartView {
	return &ChartView{}
}

func (c *ChartView) SetXBounds(min, max float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.xMin = min
	c.xMax = max
	c.bounded = true
}

func (c *ChartView) Update() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.redraws++
}

// Bounds returns the last bounds set. ok is false if SetXBounds was never
// called.
func (c *ChartView) Bounds() (min, max float64, ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.xMin, c.xMax, c.bounded
}

func (c *ChartView) Redraws() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.redraws
}
