package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// storeBackends runs fn against every DocStore implementation.
func storeBackends(t *testing.T, fn func(t *testing.T, s DocStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLStore(openTestDB(t))
		require.NoError(t, err)
		fn(t, s)
	})
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails every board publish for one player, and the first
// failEnds attempts to move that player to ENDED.
type flakyStore struct {
	DocStore
	player   string
	failEnds atomic.Int32
}

func (s *flakyStore) PublishBoard(ctx context.Context, code, id string, patch BoardPatch) error {
	if id == s.player {
		return errStoreDown
	}
	return s.DocStore.PublishBoard(ctx, code, id, patch)
}

func (s *flakyStore) CASPlayerStatus(ctx context.Context, code, id string, from, to PlayerStatus) (bool, error) {
	if id == s.player && to == PlayerEnded && s.failEnds.Add(-1) >= 0 {
		return false, errStoreDown
	}
	return s.DocStore.CASPlayerStatus(ctx, code, id, from, to)
}

func seedLobby(t *testing.T, s DocStore, code string, players ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateLobby(ctx, LobbyDoc{Code: code, HostID: "host", Status: LobbyOpen, Capacity: 4}))
	for _, id := range players {
		require.NoError(t, s.AddPlayer(ctx, code, PlayerDoc{ID: id, Username: "user-" + id}))
	}
}

func TestStoreLobbyLifecycle(t *testing.T) {
	storeBackends(t, func(t *testing.T, s DocStore) {
		ctx := context.Background()
		seedLobby(t, s, "ABCDEF", "p1", "p2")
		require.NoError(t, s.AddSpectator(ctx, "ABCDEF", "s1"))
		require.NoError(t, s.AddSpectator(ctx, "ABCDEF", "s1"))

		doc, err := s.GetLobby(ctx, "ABCDEF")
		require.NoError(t, err)
		assert.Equal(t, "host", doc.HostID)
		assert.Equal(t, LobbyOpen, doc.Status)
		assert.Equal(t, 4, doc.Capacity)
		assert.Equal(t, []string{"p1", "p2"}, doc.Order)
		assert.Equal(t, []string{"s1"}, doc.Spectators)
		assert.Equal(t, PlayerNotStarted, doc.Players["p2"].Status)
		assert.Equal(t, "user-p2", doc.Players["p2"].Username)

		ok, err := s.CASLobbyStatus(ctx, "ABCDEF", LobbyFull, LobbyOngoing)
		require.NoError(t, err)
		assert.False(t, ok, "CAS from the wrong status must fail")

		ok, err = s.CASLobbyStatus(ctx, "ABCDEF", LobbyOpen, LobbyOngoing)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.RemoveMember(ctx, "ABCDEF", "p1"))
		require.NoError(t, s.RemoveMember(ctx, "ABCDEF", "s1"))
		doc, err = s.GetLobby(ctx, "ABCDEF")
		require.NoError(t, err)
		assert.Equal(t, LobbyOngoing, doc.Status)
		assert.Equal(t, []string{"p2"}, doc.Order)
		assert.Empty(t, doc.Spectators)

		require.NoError(t, s.DeleteLobby(ctx, "ABCDEF"))
		_, err = s.GetLobby(ctx, "ABCDEF")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteLobby(ctx, "ABCDEF"), ErrNotFound)
	})
}

func TestStoreMissingRecords(t *testing.T) {
	storeBackends(t, func(t *testing.T, s DocStore) {
		ctx := context.Background()
		_, err := s.CASLobbyStatus(ctx, "NOPE22", LobbyOpen, LobbyEnd)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.AddPlayer(ctx, "NOPE22", PlayerDoc{ID: "x"}), ErrNotFound)

		seedLobby(t, s, "ABCDEF")
		_, err = s.GetPlayer(ctx, "ABCDEF", "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.AddGarbage(ctx, "ABCDEF", "ghost", 1), ErrNotFound)
		assert.ErrorIs(t, s.AppendShapes(ctx, "ABCDEF", "ghost", barShape()), ErrNotFound)
		assert.ErrorIs(t, s.PublishBoard(ctx, "ABCDEF", "ghost", BoardPatch{}), ErrNotFound)
		_, err = s.CASPlayerStatus(ctx, "ABCDEF", "ghost", PlayerOngoing, PlayerEnded)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStorePublishBoard(t *testing.T) {
	storeBackends(t, func(t *testing.T, s DocStore) {
		ctx := context.Background()
		seedLobby(t, s, "ABCDEF", "p1")
		board := make([]byte, BoardRows*BoardCols)
		board[len(board)-1] = byte(CellStatic)

		p, err := s.GetPlayer(ctx, "ABCDEF", "p1")
		require.NoError(t, err)
		assert.True(t, p.PublishedAt.IsZero())

		require.NoError(t, s.PublishBoard(ctx, "ABCDEF", "p1", BoardPatch{Board: board, Score: 300, Lines: 3, QueueLen: 2}))
		// a stale write never lowers score or lines
		require.NoError(t, s.PublishBoard(ctx, "ABCDEF", "p1", BoardPatch{Board: board, Score: 100, Lines: 1, QueueLen: 1}))

		p, err = s.GetPlayer(ctx, "ABCDEF", "p1")
		require.NoError(t, err)
		assert.Equal(t, board, p.Board)
		assert.WithinDuration(t, time.Now(), p.PublishedAt, 5*time.Second)
		assert.Equal(t, 300, p.Score)
		assert.Equal(t, 3, p.Lines)
		assert.Equal(t, 1, p.QueueLen)

		ok, err := s.CASPlayerStatus(ctx, "ABCDEF", "p1", PlayerNotStarted, PlayerEnded)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.PublishBoard(ctx, "ABCDEF", "p1", BoardPatch{Board: board, Score: 900, Lines: 9}))
		p, err = s.GetPlayer(ctx, "ABCDEF", "p1")
		require.NoError(t, err)
		assert.Equal(t, 300, p.Score, "writes to an ENDED player are dropped")
		assert.Equal(t, PlayerEnded, p.Status)
	})
}

func TestStoreGarbageCounter(t *testing.T) {
	storeBackends(t, func(t *testing.T, s DocStore) {
		ctx := context.Background()
		seedLobby(t, s, "ABCDEF", "p1")

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AddGarbage(ctx, "ABCDEF", "p1", 2))
			}()
		}
		wg.Wait()

		p, err := s.GetPlayer(ctx, "ABCDEF", "p1")
		require.NoError(t, err)
		assert.Equal(t, 40, p.PendingGarbage)

		require.NoError(t, s.AddGarbage(ctx, "ABCDEF", "p1", -15))
		require.NoError(t, s.AddGarbage(ctx, "ABCDEF", "p1", -100))
		p, err = s.GetPlayer(ctx, "ABCDEF", "p1")
		require.NoError(t, err)
		assert.Equal(t, 0, p.PendingGarbage)
	})
}

func TestStoreShapeBacklog(t *testing.T) {
	storeBackends(t, func(t *testing.T, s DocStore) {
		ctx := context.Background()
		seedLobby(t, s, "ABCDEF", "p1", "p2")
		a := Shape{{0, 6}}
		b := Shape{{0, 5}, {0, 6}}
		c := Shape{{0, 4}, {0, 5}, {0, 6}}

		require.NoError(t, s.AppendShapes(ctx, "ABCDEF", "p1", a, b))
		require.NoError(t, s.AppendShapes(ctx, "ABCDEF", "p1", c))
		require.NoError(t, s.AppendShapes(ctx, "ABCDEF", "p2", c))

		p, err := s.GetPlayer(ctx, "ABCDEF", "p1")
		require.NoError(t, err)
		assert.Equal(t, []Shape{a, b, c}, p.PendingShapes)

		require.NoError(t, s.PopShapes(ctx, "ABCDEF", "p1", 2))
		p, err = s.GetPlayer(ctx, "ABCDEF", "p1")
		require.NoError(t, err)
		assert.Equal(t, []Shape{c}, p.PendingShapes)

		require.NoError(t, s.PopShapes(ctx, "ABCDEF", "p1", 5))
		players, err := s.ListPlayers(ctx, "ABCDEF")
		require.NoError(t, err)
		require.Len(t, players, 2)
		assert.Empty(t, players[0].PendingShapes)
		assert.Equal(t, []Shape{c}, players[1].PendingShapes)
	})
}

func TestStoreReadsAreCopies(t *testing.T) {
	storeBackends(t, func(t *testing.T, s DocStore) {
		ctx := context.Background()
		seedLobby(t, s, "ABCDEF", "p1")
		require.NoError(t, s.AppendShapes(ctx, "ABCDEF", "p1", barShape()))

		p, err := s.GetPlayer(ctx, "ABCDEF", "p1")
		require.NoError(t, err)
		p.PendingShapes[0][0].Row = 20

		p, err = s.GetPlayer(ctx, "ABCDEF", "p1")
		require.NoError(t, err)
		assert.Equal(t, 0, p.PendingShapes[0][0].Row)
	})
}

func TestStoreNotifications(t *testing.T) {
	storeBackends(t, func(t *testing.T, s DocStore) {
		ctx := context.Background()
		seedLobby(t, s, "ABCDEF", "p1")
		changes, unsubscribe := s.Subscribe("ABCDEF")
		defer unsubscribe()

		require.NoError(t, s.AddGarbage(ctx, "ABCDEF", "p1", 1))
		select {
		case c := <-changes:
			assert.Equal(t, Change{Lobby: "ABCDEF", Player: "p1", Kind: ChangeGarbage}, c)
		case <-time.After(time.Second):
			t.Fatal("no notification")
		}

		require.NoError(t, s.DeleteLobby(ctx, "ABCDEF"))
		var last Change
		for c := range changes {
			last = c
		}
		assert.Equal(t, ChangeDeleted, last.Kind)
	})
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	seedLobby(t, s, "ABCDEF")
	changes, unsubscribe := s.Subscribe("ABCDEF")
	unsubscribe()
	unsubscribe()
	_, ok := <-changes
	assert.False(t, ok)
}
