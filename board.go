package main

import (
	"errors"
	"fmt"
)

const (
	BoardRows     = 25
	BoardCols     = 13
	MiddleCol     = BoardCols / 2
	ToppedRows    = 3   // a STATIC cell in rows [0, ToppedRows) ends the player's game
	PointsPerLine = 100 // score delta per cleared row
)

var (
	ErrInvalidDirection = errors.New("invalid direction")
	ErrShapeActive      = errors.New("a shape is already falling")
	ErrBoardFull        = errors.New("board full")
	ErrShapeOutOfBounds = errors.New("shape out of bounds")
	ErrEmptyShape       = errors.New("empty shape")
)

// Cell is the content of one board square.
type Cell uint8

const (
	CellEmpty Cell = iota
	CellStatic
	CellActive
)

// Point is a (row, col) board coordinate. Row 0 is the top.
type Point struct {
	Row int `json:"r" msgpack:"r"`
	Col int `json:"c" msgpack:"c"`
}

func (p Point) inBounds() bool {
	return p.Row >= 0 && p.Row < BoardRows && p.Col >= 0 && p.Col < BoardCols
}

// Shape is the ordered point set of a piece in board coordinates.
type Shape []Point

// Clone returns a copy that shares no memory with s.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Bounds returns the bounding box of the shape.
func (s Shape) Bounds() (minRow, maxRow, minCol, maxCol int) {
	minRow, minCol = BoardRows*BoardCols, BoardRows*BoardCols
	maxRow, maxCol = -1, -1
	for _, p := range s {
		minRow = min(minRow, p.Row)
		maxRow = max(maxRow, p.Row)
		minCol = min(minCol, p.Col)
		maxCol = max(maxCol, p.Col)
	}
	return
}

// Direction is a translation direction.
type Direction int

const (
	Left Direction = iota
	Right
	Down
)

// Rotation is a 90 degree turn direction.
type Rotation int

const (
	Clockwise Rotation = iota
	CounterClockwise
)

// MoveResult is the outcome of a translation.
type MoveResult int

const (
	Moved   MoveResult = iota
	Blocked            // rejected by a wall or a STATIC cell, board unchanged
	Landed             // the shape froze (or there was nothing falling)
)

func (r MoveResult) String() string {
	switch r {
	case Moved:
		return "moved"
	case Blocked:
		return "blocked"
	case Landed:
		return "landed"
	}
	return fmt.Sprintf("MoveResult(%d)", int(r))
}

// Grid is the raw cell matrix.
type Grid [BoardRows][BoardCols]Cell

// Bytes flattens the grid row-major, one byte per cell.
func (g *Grid) Bytes() []byte {
	out := make([]byte, 0, BoardRows*BoardCols)
	for r := range g {
		for c := range g[r] {
			out = append(out, byte(g[r][c]))
		}
	}
	return out
}

// GridFromBytes is the inverse of Grid.Bytes.
func GridFromBytes(b []byte) (Grid, error) {
	var g Grid
	if len(b) != BoardRows*BoardCols {
		return g, fmt.Errorf("grid: want %d cells, got %d", BoardRows*BoardCols, len(b))
	}
	for i, v := range b {
		if Cell(v) > CellActive {
			return g, fmt.Errorf("grid: bad cell value %d at %d", v, i)
		}
		g[i/BoardCols][i%BoardCols] = Cell(v)
	}
	return g, nil
}

// ClearResult reports what ClearCompletedRows removed.
type ClearResult struct {
	Rows  []int // cleared row indices, top to bottom, before compaction
	Score int
}

// Board is one player's playfield. It is not safe for concurrent use; a
// Board is owned by exactly one PlayerSession goroutine.
//
// States: no falling shape (after NewBoard or a freeze) and falling (after a
// successful Spawn). Spawn moves to falling; Lower moves back when the shape
// freezes.
type Board struct {
	grid  Grid
	shape Shape
}

// NewBoard returns an empty board with nothing falling.
func NewBoard() *Board {
	return &Board{}
}

// Cell returns the cell at (row, col). Out of range reads as STATIC so that
// callers treat walls and the floor like settled blocks.
func (b *Board) Cell(row, col int) Cell {
	if !(Point{row, col}).inBounds() {
		return CellStatic
	}
	return b.grid[row][col]
}

// Grid returns a copy of the cell matrix.
func (b *Board) Grid() Grid {
	return b.grid
}

// Shape returns a copy of the falling shape's points, or nil.
func (b *Board) Shape() Shape {
	return b.shape.Clone()
}

// Falling reports whether a shape is active.
func (b *Board) Falling() bool {
	return len(b.shape) > 0
}

// Spawn places shape as the falling piece.
// Transition: no shape -> falling. Fails with ErrBoardFull if any target cell
// is STATIC, which the caller treats as end of game.
func (b *Board) Spawn(shape Shape) error {
	if b.Falling() {
		return ErrShapeActive
	}
	if len(shape) == 0 {
		return ErrEmptyShape
	}
	for _, p := range shape {
		if !p.inBounds() {
			return ErrShapeOutOfBounds
		}
	}
	for _, p := range shape {
		if b.grid[p.Row][p.Col] == CellStatic {
			return ErrBoardFull
		}
	}
	b.shape = shape.Clone()
	b.paint(CellActive)
	return nil
}

// Translate moves the falling shape one cell. Down is Lower. Left and Right
// are all-or-nothing: if any point would leave the board or hit a STATIC
// cell, nothing changes and Blocked is returned.
func (b *Board) Translate(dir Direction) (MoveResult, error) {
	var dc int
	switch dir {
	case Down:
		return b.Lower(), nil
	case Left:
		dc = -1
	case Right:
		dc = 1
	default:
		return Blocked, ErrInvalidDirection
	}
	if !b.Falling() {
		return Blocked, nil
	}
	for _, p := range b.shape {
		if b.Cell(p.Row, p.Col+dc) == CellStatic {
			return Blocked, nil
		}
	}
	b.paint(CellEmpty)
	for i := range b.shape {
		b.shape[i].Col += dc
	}
	b.paint(CellActive)
	return Moved, nil
}

// Lower drops the falling shape one row.
// Transition: falling -> no shape when any point sits on the last row or on a
// STATIC cell; the shape freezes in place and Landed is returned. Line
// clearing and the next spawn are the caller's job. With nothing falling,
// Lower is a no-op that returns Landed.
func (b *Board) Lower() MoveResult {
	if !b.Falling() {
		return Landed
	}
	for _, p := range b.shape {
		if b.Cell(p.Row+1, p.Col) == CellStatic {
			b.freeze()
			return Landed
		}
	}
	b.paint(CellEmpty)
	for i := range b.shape {
		b.shape[i].Row++
	}
	b.paint(CellActive)
	return Moved
}

// Rotate turns the falling shape 90 degrees inside its bounding box.
//
// Points are mapped to box-local coordinates and transposed. Clockwise then
// mirrors columns, counter-clockwise mirrors rows. The result is anchored at
// the box's top-left corner. If any rotated point is out of bounds or STATIC
// the shape is left untouched. There is no wall kick.
func (b *Board) Rotate(rot Rotation) (bool, error) {
	if rot != Clockwise && rot != CounterClockwise {
		return false, ErrInvalidDirection
	}
	if !b.Falling() {
		return false, nil
	}
	rotated := rotateInBox(b.shape, rot)
	for _, p := range rotated {
		if b.Cell(p.Row, p.Col) == CellStatic {
			return false, nil
		}
	}
	b.paint(CellEmpty)
	b.shape = rotated
	b.paint(CellActive)
	return true, nil
}

func rotateInBox(s Shape, rot Rotation) Shape {
	minRow, maxRow, minCol, maxCol := s.Bounds()
	height := maxRow - minRow + 1
	width := maxCol - minCol + 1
	out := make(Shape, len(s))
	for i, p := range s {
		lr, lc := p.Row-minRow, p.Col-minCol
		var nr, nc int
		if rot == Clockwise {
			nr, nc = lc, height-1-lr
		} else {
			nr, nc = width-1-lc, lr
		}
		out[i] = Point{Row: minRow + nr, Col: minCol + nc}
	}
	return out
}

// ClearCompletedRows removes every row made entirely of STATIC cells and
// drops the rows above into place, padding the top with empty rows. Cleared
// rows need not be contiguous. A falling shape, which can never be part of a
// complete row, moves down with the rows around it.
func (b *Board) ClearCompletedRows() ClearResult {
	var res ClearResult
	var cleared [BoardRows]bool
	for r := range b.grid {
		complete := true
		for _, cell := range b.grid[r] {
			if cell != CellStatic {
				complete = false
				break
			}
		}
		if complete {
			cleared[r] = true
			b.grid[r] = [BoardCols]Cell{}
			res.Rows = append(res.Rows, r)
		}
	}
	if len(res.Rows) == 0 {
		return res
	}

	var next Grid
	dst := BoardRows - 1
	for r := BoardRows - 1; r >= 0; r-- {
		if cleared[r] {
			continue
		}
		next[dst] = b.grid[r]
		dst--
	}
	b.grid = next

	for i, p := range b.shape {
		below := 0
		for _, r := range res.Rows {
			if r > p.Row {
				below++
			}
		}
		b.shape[i].Row += below
	}

	res.Score = PointsPerLine * len(res.Rows)
	return res
}

// IsTopped reports whether any STATIC cell sits in the top ToppedRows rows.
func (b *Board) IsTopped() bool {
	for r := 0; r < ToppedRows; r++ {
		for _, cell := range b.grid[r] {
			if cell == CellStatic {
				return true
			}
		}
	}
	return false
}

// freeze turns the falling shape's cells STATIC and forgets the shape.
func (b *Board) freeze() {
	b.paint(CellStatic)
	b.shape = nil
}

func (b *Board) paint(c Cell) {
	for _, p := range b.shape {
		if p.inBounds() {
			b.grid[p.Row][p.Col] = c
		}
	}
}
