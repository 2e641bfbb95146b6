package main

import (
	"errors"
	"sync"
	"time"
)

const (
	WidgetSize     = 5
	MaxWidgetCells = 5
	MaxShapeRows   = 3 // spectator shapes must fit the spawn area
)

var (
	ErrInvalidWidget = errors.New("shape must be 1-5 connected cells")
	ErrWidgetTooTall = errors.New("shape does not fit in 3 rows")
	ErrWidgetCell    = errors.New("widget cell out of range")
	ErrSubmitTooSoon = errors.New("submission window not open yet")
)

// Widget is a spectator's sketch pad. It lives on the spectator's
// connection and is discarded after submission.
type Widget [WidgetSize][WidgetSize]bool

// Toggle flips one cell.
func (w *Widget) Toggle(row, col int) error {
	if row < 0 || row >= WidgetSize || col < 0 || col >= WidgetSize {
		return ErrWidgetCell
	}
	w[row][col] = !w[row][col]
	return nil
}

// Clear empties the widget.
func (w *Widget) Clear() {
	*w = Widget{}
}

// Filled returns the filled cells in row-major order.
func (w *Widget) Filled() []Point {
	var pts []Point
	for r := range w {
		for c := range w[r] {
			if w[r][c] {
				pts = append(pts, Point{r, c})
			}
		}
	}
	return pts
}

// Validate reports whether the sketch is submittable: 1 to MaxWidgetCells
// cells, all 4-connected.
func (w *Widget) Validate() bool {
	pts := w.Filled()
	if len(pts) == 0 || len(pts) > MaxWidgetCells {
		return false
	}

	var seen Widget
	stack := []Point{pts[0]}
	seen[pts[0].Row][pts[0].Col] = true
	visited := 0
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visited++
		for _, d := range [4]Point{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
			n := Point{p.Row + d.Row, p.Col + d.Col}
			if n.Row < 0 || n.Row >= WidgetSize || n.Col < 0 || n.Col >= WidgetSize {
				continue
			}
			if w[n.Row][n.Col] && !seen[n.Row][n.Col] {
				seen[n.Row][n.Col] = true
				stack = append(stack, n)
			}
		}
	}
	return visited == len(pts)
}

// ConvertToShape turns a valid sketch into a spawnable Shape. A sketch taller
// than MaxShapeRows is turned once (transpose, then reverse rows); if it is
// still too tall the conversion fails. The result starts at row 0 and the
// widget's middle column lands on the board's middle column.
func (w *Widget) ConvertToShape() (Shape, error) {
	if !w.Validate() {
		return nil, ErrInvalidWidget
	}
	pts := Shape(w.Filled())

	minRow, maxRow, _, _ := pts.Bounds()
	if maxRow-minRow+1 > MaxShapeRows {
		for i, p := range pts {
			pts[i] = Point{Row: WidgetSize - 1 - p.Col, Col: p.Row}
		}
		minRow, maxRow, _, _ = pts.Bounds()
		if maxRow-minRow+1 > MaxShapeRows {
			return nil, ErrWidgetTooTall
		}
	}

	offset := MiddleCol - WidgetSize/2
	for i := range pts {
		pts[i].Row -= minRow
		pts[i].Col += offset
	}
	return pts, nil
}

// SubmitWindow rate-limits spectator submissions: each spectator may submit
// once per cooldown.
type SubmitWindow struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// NewSubmitWindow creates a window with the given cooldown.
func NewSubmitWindow(cooldown time.Duration) *SubmitWindow {
	return &SubmitWindow{
		cooldown: cooldown,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Remaining returns how long the spectator must wait before submitting.
func (sw *SubmitWindow) Remaining(id string) time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.remainingLocked(id)
}

func (sw *SubmitWindow) remainingLocked(id string) time.Duration {
	last, ok := sw.last[id]
	if !ok {
		return 0
	}
	left := sw.cooldown - sw.now().Sub(last)
	if left < 0 {
		return 0
	}
	return left
}

// Take claims the spectator's window, or returns ErrSubmitTooSoon.
func (sw *SubmitWindow) Take(id string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.remainingLocked(id) > 0 {
		return ErrSubmitTooSoon
	}
	sw.last[id] = sw.now()
	return nil
}

// Release gives a claimed window back. Used when a submission fails after
// Take, and when the spectator leaves.
func (sw *SubmitWindow) Release(id string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.last, id)
}
