package main

import (
	"errors"
	"testing"
	"time"
)

func widgetFrom(points ...Point) Widget {
	var w Widget
	for _, p := range points {
		w[p.Row][p.Col] = true
	}
	return w
}

func TestWidgetValidate(t *testing.T) {
	tests := []struct {
		name  string
		cells []Point
		want  bool
	}{
		{"empty", nil, false},
		{"single", []Point{{2, 2}}, true},
		{"three in a row", []Point{{1, 1}, {1, 2}, {1, 3}}, true},
		{"three diagonal", []Point{{0, 0}, {1, 1}, {2, 2}}, false},
		{"L of five", []Point{{0, 0}, {1, 0}, {2, 0}, {3, 0}, {3, 1}}, true},
		{"six cells", []Point{{0, 0}, {0, 1}, {0, 2}, {0, 3}, {0, 4}, {1, 4}}, false},
		{"two islands", []Point{{0, 0}, {0, 1}, {4, 4}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := widgetFrom(tt.cells...)
			if got := w.Validate(); got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWidgetToggle(t *testing.T) {
	var w Widget
	if err := w.Toggle(2, 3); err != nil {
		t.Fatal(err)
	}
	if !w[2][3] {
		t.Error("cell should be filled")
	}
	w.Toggle(2, 3)
	if w[2][3] {
		t.Error("second toggle should clear the cell")
	}
	if err := w.Toggle(5, 0); !errors.Is(err, ErrWidgetCell) {
		t.Errorf("expected ErrWidgetCell, got %v", err)
	}
	if err := w.Toggle(0, -1); !errors.Is(err, ErrWidgetCell) {
		t.Errorf("expected ErrWidgetCell, got %v", err)
	}

	w.Toggle(0, 0)
	w.Clear()
	if len(w.Filled()) != 0 {
		t.Error("Clear should empty the widget")
	}
}

func TestConvertSingleCell(t *testing.T) {
	w := widgetFrom(Point{2, 2})
	s, err := w.ConvertToShape()
	if err != nil {
		t.Fatal(err)
	}
	if !sameShape(s, Shape{{0, MiddleCol}}) {
		t.Errorf("got %v", s)
	}
}

func TestConvertPlus(t *testing.T) {
	w := widgetFrom(Point{1, 2}, Point{2, 1}, Point{2, 2}, Point{2, 3}, Point{3, 2})
	s, err := w.ConvertToShape()
	if err != nil {
		t.Fatal(err)
	}
	want := Shape{{0, 6}, {1, 5}, {1, 6}, {1, 7}, {2, 6}}
	if !sameShape(s, want) {
		t.Errorf("got %v, want %v", s, want)
	}
}

func TestConvertTallShapeIsTurned(t *testing.T) {
	w := widgetFrom(Point{0, 2}, Point{1, 2}, Point{2, 2}, Point{3, 2})
	s, err := w.ConvertToShape()
	if err != nil {
		t.Fatal(err)
	}
	want := Shape{{0, 4}, {0, 5}, {0, 6}, {0, 7}}
	if !sameShape(s, want) {
		t.Errorf("got %v, want %v", s, want)
	}

	w = widgetFrom(Point{0, 0}, Point{1, 0}, Point{2, 0}, Point{3, 0}, Point{4, 0})
	s, err = w.ConvertToShape()
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range s {
		if p.Row != 0 {
			t.Errorf("turned column should lie in row 0, got %v", s)
		}
	}
}

func TestConvertedShapesSpawn(t *testing.T) {
	cases := []Widget{
		widgetFrom(Point{4, 4}),
		widgetFrom(Point{0, 0}, Point{0, 1}, Point{0, 2}, Point{0, 3}, Point{0, 4}),
		widgetFrom(Point{2, 0}, Point{3, 0}, Point{4, 0}, Point{4, 1}, Point{4, 2}),
		widgetFrom(Point{0, 4}, Point{1, 4}, Point{2, 4}, Point{3, 4}, Point{3, 3}),
	}
	for i, w := range cases {
		s, err := w.ConvertToShape()
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		_, maxRow, _, _ := s.Bounds()
		if maxRow >= MaxShapeRows {
			t.Errorf("case %d: shape %v taller than %d rows", i, s, MaxShapeRows)
		}
		if err := NewBoard().Spawn(s); err != nil {
			t.Errorf("case %d: spawn %v: %v", i, s, err)
		}
	}
}

func TestConvertInvalid(t *testing.T) {
	w := widgetFrom(Point{0, 0}, Point{2, 2})
	if _, err := w.ConvertToShape(); !errors.Is(err, ErrInvalidWidget) {
		t.Errorf("expected ErrInvalidWidget, got %v", err)
	}
}

func TestSubmitWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	sw := NewSubmitWindow(10 * time.Second)
	sw.now = func() time.Time { return now }

	if got := sw.Remaining("s1"); got != 0 {
		t.Errorf("fresh spectator should have no wait, got %v", got)
	}
	if err := sw.Take("s1"); err != nil {
		t.Fatal(err)
	}
	if err := sw.Take("s1"); !errors.Is(err, ErrSubmitTooSoon) {
		t.Errorf("expected ErrSubmitTooSoon, got %v", err)
	}
	if err := sw.Take("s2"); err != nil {
		t.Errorf("windows are per spectator: %v", err)
	}

	now = now.Add(4 * time.Second)
	if got := sw.Remaining("s1"); got != 6*time.Second {
		t.Errorf("expected 6s remaining, got %v", got)
	}

	now = now.Add(6 * time.Second)
	if err := sw.Take("s1"); err != nil {
		t.Errorf("window should reopen after cooldown: %v", err)
	}

	sw.Release("s1")
	if err := sw.Take("s1"); err != nil {
		t.Errorf("released window should be available: %v", err)
	}
}
