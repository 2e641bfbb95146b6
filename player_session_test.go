package main

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// InBinFrame decodes a BinFrame without knowing the payload type
type InBinFrame struct {
	T string             `msgpack:"t"`
	D msgpack.RawMessage `msgpack:"d"`
}

// mockBroadcaster captures sent messages for testing
type mockBroadcaster struct {
	mu       sync.Mutex
	messages []interface{}
	frames   [][]byte
}

func (m *mockBroadcaster) SendJSON(msg interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *mockBroadcaster) SendBinary(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, data)
}

func (m *mockBroadcaster) lastJSON() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return nil
	}
	return m.messages[len(m.messages)-1]
}

// lastFrame decodes the most recent binary frame of type t into v.
func (m *mockBroadcaster) lastFrame(t *testing.T, typ string, v interface{}) bool {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.frames) - 1; i >= 0; i-- {
		var f InBinFrame
		require.NoError(t, msgpack.Unmarshal(m.frames[i], &f))
		if f.T == typ {
			require.NoError(t, msgpack.Unmarshal(f.D, v))
			return true
		}
	}
	return false
}

type clearCall struct {
	from string
	rows int
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []clearCall
}

func (r *fakeReporter) ReportClear(ctx context.Context, from string, rows int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, clearCall{from, rows})
}

func newTestSession(t *testing.T, store DocStore, tick time.Duration) (*PlayerSession, *mockBroadcaster, *fakeReporter) {
	t.Helper()
	seedLobby(t, store, "ABCDEF", "p1", "p2")
	rep := &fakeReporter{}
	s := NewPlayerSession("ABCDEF", "p1", "user-p1", store, rep, SessionOptions{
		Tick: tick,
		Rand: rand.New(rand.NewPCG(5, 6)),
	})
	out := &mockBroadcaster{}
	s.SetBroadcaster(out)
	return s, out, rep
}

func playerStatus(t *testing.T, store DocStore, id string) PlayerStatus {
	t.Helper()
	p, err := store.GetPlayer(context.Background(), "ABCDEF", id)
	require.NoError(t, err)
	return p.Status
}

func TestSessionBeginPublishes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, out, _ := newTestSession(t, store, time.Hour)

	require.NoError(t, s.begin(ctx))
	assert.Equal(t, PlayerOngoing, s.status)
	assert.True(t, s.board.Falling())
	assert.Equal(t, PlayerOngoing, playerStatus(t, store, "p1"))

	p, err := store.GetPlayer(ctx, "ABCDEF", "p1")
	require.NoError(t, err)
	assert.Len(t, p.Board, BoardRows*BoardCols)

	var view PlayerView
	require.True(t, out.lastFrame(t, MsgBoard, &view))
	assert.Equal(t, "p1", view.ID)
	assert.Equal(t, PlayerOngoing, view.Status)
	grid, err := GridFromBytes(view.Board)
	require.NoError(t, err)
	assert.Equal(t, s.board.Grid(), grid)
}

func TestSessionHardDropLandsAndRespawns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, _, rep := newTestSession(t, store, time.Hour)
	s.feed.queue.Push(Shape{{0, 6}})
	require.NoError(t, s.begin(ctx))

	s.apply(ctx, IntentHardDrop)
	assert.Equal(t, CellStatic, s.board.Cell(BoardRows-1, 6))
	assert.True(t, s.board.Falling(), "next shape spawned")
	assert.Empty(t, rep.calls)
	assert.Equal(t, PlayerOngoing, s.status)
}

func TestSessionClearScoresAndReports(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, _, rep := newTestSession(t, store, time.Hour)
	for c := range BoardCols {
		if c != MiddleCol {
			s.board.grid[BoardRows-1][c] = CellStatic
		}
	}
	s.feed.queue.Push(Shape{{0, MiddleCol}})
	require.NoError(t, s.begin(ctx))

	s.apply(ctx, IntentHardDrop)
	assert.Equal(t, PointsPerLine, s.score)
	assert.Equal(t, 1, s.lines)
	assert.Equal(t, []clearCall{{"p1", 1}}, rep.calls)
	assert.Equal(t, CellEmpty, s.board.Cell(BoardRows-1, 0))

	p, err := store.GetPlayer(ctx, "ABCDEF", "p1")
	require.NoError(t, err)
	assert.Equal(t, PointsPerLine, p.Score)
	assert.Equal(t, 1, p.Lines)
}

func TestSessionTopsOut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, _, rep := newTestSession(t, store, time.Hour)
	s.board.grid[2][MiddleCol] = CellStatic
	s.feed.queue.Push(Shape{{0, MiddleCol}})
	require.NoError(t, s.begin(ctx))

	s.apply(ctx, IntentSoftDrop)
	require.Equal(t, PlayerOngoing, s.status)
	s.apply(ctx, IntentSoftDrop)

	assert.Equal(t, PlayerEnded, s.status)
	assert.Equal(t, PlayerEnded, playerStatus(t, store, "p1"))
	assert.Empty(t, rep.calls)

	// ended sessions ignore further input
	before := s.board.Grid()
	s.apply(ctx, IntentMoveLeft)
	s.step(ctx)
	assert.Equal(t, before, s.board.Grid())
}

func TestSessionAppliesGarbage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, _, _ := newTestSession(t, store, time.Hour)
	require.NoError(t, s.begin(ctx))
	shape := s.board.Shape()

	require.NoError(t, store.AddGarbage(ctx, "ABCDEF", "p1", 2))
	s.syncInbound(ctx)

	p, err := store.GetPlayer(ctx, "ABCDEF", "p1")
	require.NoError(t, err)
	assert.Zero(t, p.PendingGarbage, "garbage is acknowledged")
	assert.Equal(t, shape, s.board.Shape())
	for r := BoardRows - 2; r < BoardRows; r++ {
		holes := emptyCells(s.board.grid[r])
		assert.GreaterOrEqual(t, holes, MinGarbageHoles)
		assert.LessOrEqual(t, holes, MaxGarbageHoles)
	}
	assert.Equal(t, PlayerOngoing, s.status)
}

func TestSessionBuriedByGarbage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, _, _ := newTestSession(t, store, time.Hour)
	s.feed.queue.Push(Shape{{0, MiddleCol}})
	require.NoError(t, s.begin(ctx))
	s.board.grid[2][MiddleCol] = CellStatic

	require.NoError(t, store.AddGarbage(ctx, "ABCDEF", "p1", 2))
	s.syncInbound(ctx)

	assert.Equal(t, PlayerEnded, s.status)
	assert.Equal(t, PlayerEnded, playerStatus(t, store, "p1"))
}

func TestSessionSpawnsSpectatorShapeNext(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, out, _ := newTestSession(t, store, time.Hour)
	require.NoError(t, s.begin(ctx))

	gift := Shape{{0, 5}, {0, 6}, {1, 6}}
	require.NoError(t, store.AppendShapes(ctx, "ABCDEF", "p1", gift))
	s.step(ctx)

	var view PlayerView
	require.True(t, out.lastFrame(t, MsgBoard, &view))
	assert.Equal(t, 1, view.QueueLen)
	assert.Equal(t, []Shape{gift}, view.Next)

	s.apply(ctx, IntentHardDrop)
	assert.Equal(t, gift, s.board.Shape())
	assert.Zero(t, s.feed.Len())
}

func TestSessionEndedFromOutside(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, _, _ := newTestSession(t, store, time.Hour)
	require.NoError(t, s.begin(ctx))

	ok, err := store.CASPlayerStatus(ctx, "ABCDEF", "p1", PlayerOngoing, PlayerEnded)
	require.NoError(t, err)
	require.True(t, ok)

	s.step(ctx)
	assert.Equal(t, PlayerEnded, s.status)
	assert.Equal(t, PlayerEnded, s.View().Status)
}

func TestSessionLobbyGone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s, out, _ := newTestSession(t, store, time.Hour)
	require.NoError(t, s.begin(ctx))
	require.NoError(t, store.DeleteLobby(ctx, "ABCDEF"))

	s.step(ctx)
	assert.Equal(t, PlayerEnded, s.status)
	env, ok := out.lastJSON().(Envelope)
	require.True(t, ok)
	assert.Equal(t, MsgSummary, env.T)
	assert.Equal(t, ReasonLobbyGone, env.Data.(SummaryMsg).Reason)
}

func TestSessionHandleInput(t *testing.T) {
	s := NewPlayerSession("ABCDEF", "p1", "u", NewMemoryStore(), nil, SessionOptions{})
	assert.ErrorIs(t, s.HandleInput(Intent("JUMP")), ErrInvalidDirection)
	for i := 0; i < inputBufSize*2; i++ {
		assert.NoError(t, s.HandleInput(IntentMoveLeft), "a full buffer drops input silently")
	}
}

func TestSessionRunUntilLobbyDeleted(t *testing.T) {
	store := NewMemoryStore()
	s, out, _ := newTestSession(t, store, 5*time.Millisecond)
	go s.Run(context.Background())

	require.Eventually(t, func() bool {
		p, err := store.GetPlayer(context.Background(), "ABCDEF", "p1")
		return err == nil && p.Status == PlayerOngoing
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.HandleInput(IntentMoveRight))

	require.NoError(t, store.DeleteLobby(context.Background(), "ABCDEF"))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	env, ok := out.lastJSON().(Envelope)
	require.True(t, ok)
	assert.Equal(t, MsgSummary, env.T)
}

func TestSessionRunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	s, _, _ := newTestSession(t, store, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		p, err := store.GetPlayer(context.Background(), "ABCDEF", "p1")
		return err == nil && p.Status == PlayerOngoing
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSessionStoreFailureRecordsEnded(t *testing.T) {
	store := &flakyStore{DocStore: NewMemoryStore(), player: "p1"}
	s, out, _ := newTestSession(t, store, 5*time.Millisecond)
	go s.Run(context.Background())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not give up")
	}
	env, ok := out.lastJSON().(Envelope)
	require.True(t, ok)
	assert.Equal(t, MsgSummary, env.T)
	assert.Equal(t, ReasonStoreError, env.Data.(SummaryMsg).Reason)
	assert.Equal(t, PlayerEnded, playerStatus(t, store, "p1"), "a failed session still records ENDED")
}
