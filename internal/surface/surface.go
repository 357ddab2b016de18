// Package surface keeps the most recent event at every pixel of every channel
// and answers time-windowed and region-bounded queries against it.
//
// A Surface holds no lock. It is written by the decoder stage and read by
// the tracker stage, and the pipeline serialises the two around a mutex it
// owns.
package surface

import (
	"math"

	"github.com/banshee-data/evtrack/internal/event"
)

// Cell is the state kept for one pixel.
type Cell struct {
	Event event.Event
	T     uint64 // unwrapped time of Event
	Valid bool
}

// Surface is a per-channel grid of Cells, one per pixel.
type Surface struct {
	width, height int
	period        uint64
	grids         [event.MaxChannels][]Cell

	// OutOfBounds counts events rejected because their pixel lies outside
	// the configured sensor size.
	OutOfBounds uint64
}

// New returns a Surface for a width×height sensor. wrapPeriodFactor scales
// the 2^24 counter period used to make age computations wrap-safe; values
// below one are treated as one.
func New(width, height, wrapPeriodFactor int) *Surface {
	if wrapPeriodFactor < 1 {
		wrapPeriodFactor = 1
	}
	return &Surface{
		width:  width,
		height: height,
		period: event.StampPeriod * uint64(wrapPeriodFactor),
	}
}

// Width returns the sensor width in pixels.
func (s *Surface) Width() int { return s.width }

// Height returns the sensor height in pixels.
func (s *Surface) Height() int { return s.height }

// Period returns the wrap period used for age computations.
func (s *Surface) Period() uint64 { return s.period }

func (s *Surface) grid(ch uint8) []Cell {
	idx := int(ch) % event.MaxChannels
	g := s.grids[idx]
	if g == nil {
		g = make([]Cell, s.width*s.height)
		s.grids[idx] = g
	}
	return g
}

// Add overwrites the cell at (e.X, e.Y) on e.Channel. It reports false and
// leaves the surface unchanged when the pixel is outside the sensor.
func (s *Surface) Add(e event.Event, t uint64) bool {
	x, y := int(e.X), int(e.Y)
	if x >= s.width || y >= s.height {
		s.OutOfBounds++
		return false
	}
	g := s.grid(e.Channel)
	g[y*s.width+x] = Cell{Event: e, T: t, Valid: true}
	return true
}

// Cell returns the cell at (x, y) on ch.
func (s *Surface) Cell(ch uint8, x, y int) (Cell, bool) {
	if x < 0 || y < 0 || x >= s.width || y >= s.height {
		return Cell{}, false
	}
	g := s.grids[int(ch)%event.MaxChannels]
	if g == nil {
		return Cell{}, false
	}
	return g[y*s.width+x], true
}

// QueryWindow appends to dst a copy of every valid cell on ch whose age
// relative to ref is at most window, and returns the extended slice.
func (s *Surface) QueryWindow(ch uint8, ref, window uint64, dst []event.Stamped) []event.Stamped {
	return s.collect(ch, ref, window, 0, 0, s.width-1, s.height-1, dst)
}

// QueryROI is QueryWindow restricted to the square of side 2*radius centred
// on (cx, cy), clipped to the sensor.
func (s *Surface) QueryROI(ch uint8, ref, window uint64, cx, cy, radius float64, dst []event.Stamped) []event.Stamped {
	if radius < 0 || math.IsNaN(cx) || math.IsNaN(cy) || math.IsNaN(radius) {
		return dst
	}
	x0 := clampInt(int(math.Floor(cx-radius)), 0, s.width)
	x1 := clampInt(int(math.Ceil(cx+radius)), -1, s.width-1)
	y0 := clampInt(int(math.Floor(cy-radius)), 0, s.height)
	y1 := clampInt(int(math.Ceil(cy+radius)), -1, s.height-1)
	return s.collect(ch, ref, window, x0, y0, x1, y1, dst)
}

func (s *Surface) collect(ch uint8, ref, window uint64, x0, y0, x1, y1 int, dst []event.Stamped) []event.Stamped {
	g := s.grids[int(ch)%event.MaxChannels]
	if g == nil || x0 > x1 || y0 > y1 {
		return dst
	}
	for y := y0; y <= y1; y++ {
		row := g[y*s.width : (y+1)*s.width]
		for x := x0; x <= x1; x++ {
			c := &row[x]
			if !c.Valid {
				continue
			}
			if event.Age(ref, c.T, s.period) <= window {
				dst = append(dst, event.Stamped{Event: c.Event, T: c.T})
			}
		}
	}
	return dst
}

// Clear invalidates every cell on every channel.
func (s *Surface) Clear() {
	for i := range s.grids {
		g := s.grids[i]
		for j := range g {
			g[j] = Cell{}
		}
	}
	s.OutOfBounds = 0
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
