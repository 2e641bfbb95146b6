package main

import "context"

// ShapeQueue is a FIFO of shapes waiting to be spawned on one board.
type ShapeQueue struct {
	items []Shape
}

// Push appends shapes in order.
func (q *ShapeQueue) Push(shapes ...Shape) {
	for _, s := range shapes {
		q.items = append(q.items, s.Clone())
	}
}

// Pop removes and returns the head.
func (q *ShapeQueue) Pop() (Shape, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return head, true
}

// Len returns the number of queued shapes.
func (q *ShapeQueue) Len() int {
	return len(q.items)
}

// Peek returns copies of up to n upcoming shapes without removing them.
func (q *ShapeQueue) Peek(n int) []Shape {
	n = min(n, len(q.items))
	out := make([]Shape, n)
	for i := range out {
		out[i] = q.items[i].Clone()
	}
	return out
}

// ShapeFeed decides what a player spawns next. Spectator shapes merged from
// the shared store always go first; the generator only fills in when the
// local queue is empty.
type ShapeFeed struct {
	queue ShapeQueue
	gen   *ShapeGenerator
}

// NewShapeFeed returns a feed that falls back to gen.
func NewShapeFeed(gen *ShapeGenerator) *ShapeFeed {
	return &ShapeFeed{gen: gen}
}

// Merge moves newly arrived spectator shapes from the player's shared
// backlog into the local queue, in arrival order. The pop of exactly the
// number read is issued first, so a failed acknowledgement leaves the
// backlog intact and nothing is queued twice. Shapes appended by spectators
// after the read stay in the backlog for the next merge. Returns how many
// shapes were taken.
func (f *ShapeFeed) Merge(ctx context.Context, store DocStore, code, id string) (int, error) {
	doc, err := store.GetPlayer(ctx, code, id)
	if err != nil {
		return 0, err
	}
	return f.mergeFrom(ctx, store, code, id, doc.PendingShapes)
}

func (f *ShapeFeed) mergeFrom(ctx context.Context, store DocStore, code, id string, pending []Shape) (int, error) {
	if len(pending) == 0 {
		return 0, nil
	}
	if err := store.PopShapes(ctx, code, id, len(pending)); err != nil {
		return 0, err
	}
	f.queue.Push(pending...)
	return len(pending), nil
}

// Next pops the queue head, or generates a tetromino if the queue is empty.
func (f *ShapeFeed) Next() Shape {
	if s, ok := f.queue.Pop(); ok {
		return s
	}
	return f.gen.Next()
}

// Len returns the local queue length.
func (f *ShapeFeed) Len() int {
	return f.queue.Len()
}

// Upcoming returns the next n queued shapes.
func (f *ShapeFeed) Upcoming(n int) []Shape {
	return f.queue.Peek(n)
}
