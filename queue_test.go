package main

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeQueueFIFO(t *testing.T) {
	var q ShapeQueue
	a, b := Shape{{0, 1}}, Shape{{0, 2}}
	q.Push(a, b)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []Shape{a, b}, q.Peek(5))

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, a, got)
	got, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, b, got)
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestShapeQueueCopiesOnPush(t *testing.T) {
	var q ShapeQueue
	s := Shape{{0, 1}}
	q.Push(s)
	s[0].Col = 9
	head, _ := q.Pop()
	assert.Equal(t, 1, head[0].Col)
}

func TestShapeFeedPrefersSpectatorShapes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedLobby(t, store, "ABCDEF", "p1")
	first := Shape{{0, 6}}
	second := Shape{{0, 5}, {0, 6}}
	require.NoError(t, store.AppendShapes(ctx, "ABCDEF", "p1", first, second))

	feed := NewShapeFeed(NewShapeGenerator(rand.New(rand.NewPCG(1, 2))))
	n, err := feed.Merge(ctx, store, "ABCDEF", "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, feed.Len())
	assert.Equal(t, []Shape{first}, feed.Upcoming(1))

	p, err := store.GetPlayer(ctx, "ABCDEF", "p1")
	require.NoError(t, err)
	assert.Empty(t, p.PendingShapes, "merged shapes are acknowledged")

	assert.Equal(t, first, feed.Next())
	assert.Equal(t, second, feed.Next())
	assert.Len(t, feed.Next(), 4, "generator fills in when the queue is empty")
}

func TestShapeFeedMergeKeepsArrivalOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedLobby(t, store, "ABCDEF", "p1")
	feed := NewShapeFeed(NewShapeGenerator(rand.New(rand.NewPCG(1, 2))))

	a, b, c := Shape{{0, 4}}, Shape{{0, 5}}, Shape{{0, 6}}
	require.NoError(t, store.AppendShapes(ctx, "ABCDEF", "p1", a))
	_, err := feed.Merge(ctx, store, "ABCDEF", "p1")
	require.NoError(t, err)
	require.NoError(t, store.AppendShapes(ctx, "ABCDEF", "p1", b, c))
	_, err = feed.Merge(ctx, store, "ABCDEF", "p1")
	require.NoError(t, err)

	assert.Equal(t, []Shape{a, b, c}, feed.Upcoming(3))
}

func TestShapeFeedMergeMissingPlayer(t *testing.T) {
	store := NewMemoryStore()
	feed := NewShapeFeed(NewShapeGenerator(rand.New(rand.NewPCG(1, 2))))
	_, err := feed.Merge(context.Background(), store, "ABCDEF", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, feed.Len())
}
