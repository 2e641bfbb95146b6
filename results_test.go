package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func achievementIDs(t *testing.T, db *DB, id int64) []string {
	t.Helper()
	ids, err := db.GetAchievements(id)
	require.NoError(t, err)
	return ids
}

func TestRecordGame(t *testing.T) {
	db := openTestDB(t)
	alice, err := db.CreateAccount("alice", "x")
	require.NoError(t, err)
	bob, err := db.CreateAccount("bob", "x")
	require.NoError(t, err)

	r := NewResults(db, nil)
	r.RecordGame("ABCDEF", 90*time.Second, Rank([]PlayerDoc{
		{ID: "m1", Username: "alice", AccountID: alice, Score: 5200, Lines: 21},
		{ID: "m2", Username: "bob", AccountID: bob, Score: 100, Lines: 1},
		{ID: "m3", Username: "Guest_abcdef", Score: 300, Lines: 3},
	}))

	stats, err := db.GetStats(alice)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Games)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 5200, stats.BestScore)
	assert.Equal(t, 21, stats.Lines)
	assert.InDelta(t, 90, stats.Playtime, 0.01)

	stats, err = db.GetStats(bob)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Games)
	assert.Zero(t, stats.Wins)

	assert.ElementsMatch(t, []string{"first_clear", "line_cutter", "high_roller", "champion"}, achievementIDs(t, db, alice))
	assert.Equal(t, []string{"first_clear"}, achievementIDs(t, db, bob))

	history, err := db.GetMatchHistory(bob, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Placement, "the guest still takes a place")
	assert.Equal(t, 100, history[0].Score)

	board, err := db.GetLeaderboard("best", 10)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "alice", board[0].Username)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, "bob", board[1].Username)
}

func TestRecordGameSoloIsNotAWin(t *testing.T) {
	db := openTestDB(t)
	alice, err := db.CreateAccount("alice", "x")
	require.NoError(t, err)

	NewResults(db, nil).RecordGame("ABCDEF", time.Second, Rank([]PlayerDoc{
		{ID: "m1", AccountID: alice},
	}))
	stats, err := db.GetStats(alice)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Games)
	assert.Zero(t, stats.Wins)
	assert.Empty(t, achievementIDs(t, db, alice))
}

func TestAchievementsUnlockOnce(t *testing.T) {
	db := openTestDB(t)
	alice, err := db.CreateAccount("alice", "x")
	require.NoError(t, err)
	require.NoError(t, db.UpdateStatsAfterMatch(alice, 100, 1, false, 10))

	first := CheckAchievements(db, alice, 100, 1, false)
	require.Len(t, first, 1)
	assert.Equal(t, "first_clear", first[0].ID)
	assert.Empty(t, CheckAchievements(db, alice, 100, 1, false))
	assert.Nil(t, CheckAchievements(nil, alice, 0, 0, false))
}

func TestRecordGameWithoutDatabase(t *testing.T) {
	var r *Results
	r.RecordGame("ABCDEF", time.Second, []Standing{{}})
	NewResults(nil, nil).RecordGame("ABCDEF", time.Second, []Standing{{}})
}
