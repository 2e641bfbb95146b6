package main

import "math/rand/v2"

// tetrominoFamilies lists the spawnable pieces. Each inner slice holds the
// variants of one family; a family with two entries is a mirrored pair.
// All pieces occupy the top two rows around MiddleCol.
var tetrominoFamilies = [][]Shape{
	{ // bar
		{{0, MiddleCol - 2}, {0, MiddleCol - 1}, {0, MiddleCol}, {0, MiddleCol + 1}},
	},
	{ // L, J
		{{0, MiddleCol + 1}, {1, MiddleCol - 1}, {1, MiddleCol}, {1, MiddleCol + 1}},
		{{0, MiddleCol - 1}, {1, MiddleCol - 1}, {1, MiddleCol}, {1, MiddleCol + 1}},
	},
	{ // S, Z
		{{0, MiddleCol}, {0, MiddleCol + 1}, {1, MiddleCol - 1}, {1, MiddleCol}},
		{{0, MiddleCol - 1}, {0, MiddleCol}, {1, MiddleCol}, {1, MiddleCol + 1}},
	},
	{ // T
		{{0, MiddleCol}, {1, MiddleCol - 1}, {1, MiddleCol}, {1, MiddleCol + 1}},
	},
	{ // square
		{{0, MiddleCol - 1}, {0, MiddleCol}, {1, MiddleCol - 1}, {1, MiddleCol}},
	},
}

// ShapeGenerator picks tetrominoes uniformly at random: first the family,
// then the variant. There is no bag and no repeat protection.
type ShapeGenerator struct {
	rng *rand.Rand
}

// NewShapeGenerator returns a generator drawing from rng.
func NewShapeGenerator(rng *rand.Rand) *ShapeGenerator {
	return &ShapeGenerator{rng: rng}
}

// Next returns a fresh copy of a random tetromino.
func (g *ShapeGenerator) Next() Shape {
	family := tetrominoFamilies[g.rng.IntN(len(tetrominoFamilies))]
	return family[g.rng.IntN(len(family))].Clone()
}
