package main

import "math/rand/v2"

const (
	MinGarbageHoles = 3
	MaxGarbageHoles = 5
)

// GarbageResult reports what AddGarbage did to the falling shape.
type GarbageResult struct {
	Rows   int // rows actually injected
	Shift  int // rows the falling shape moved up
	Buried int // falling-shape cells that landed on incoming garbage
}

// AddGarbage pushes rows penalty rows in from the bottom. The top rows rows
// fall off the board. The falling shape is lifted by at most rows, never
// past row 0, and is redrawn on the new grid. Cells of the shape that land
// on garbage are dropped from the shape and counted in Buried; the caller
// decides what a buried shape means.
func (b *Board) AddGarbage(rows int, rng *rand.Rand) GarbageResult {
	rows = min(max(rows, 0), BoardRows)
	res := GarbageResult{Rows: rows}
	if rows == 0 {
		return res
	}

	b.paint(CellEmpty)
	if b.Falling() {
		top, _, _, _ := b.shape.Bounds()
		res.Shift = min(rows, top)
		for i := range b.shape {
			b.shape[i].Row -= res.Shift
		}
	}

	var next Grid
	copy(next[:], b.grid[rows:])
	for r := BoardRows - rows; r < BoardRows; r++ {
		next[r] = garbageRow(rng)
	}
	b.grid = next

	kept := b.shape[:0]
	for _, p := range b.shape {
		if b.grid[p.Row][p.Col] != CellEmpty {
			res.Buried++
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		b.shape = nil
	} else {
		b.shape = kept
	}
	b.paint(CellActive)
	return res
}

// garbageRow returns a STATIC row with 3 to 5 distinct holes.
func garbageRow(rng *rand.Rand) [BoardCols]Cell {
	var row [BoardCols]Cell
	for c := range row {
		row[c] = CellStatic
	}
	holes := MinGarbageHoles + rng.IntN(MaxGarbageHoles-MinGarbageHoles+1)
	for _, c := range rng.Perm(BoardCols)[:holes] {
		row[c] = CellEmpty
	}
	return row
}
