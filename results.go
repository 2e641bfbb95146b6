package main

import (
	"fmt"
	"log"
	"time"
)

// ResultRecorder persists the outcome of a finished game
type ResultRecorder interface {
	RecordGame(code string, duration time.Duration, standings []Standing)
}

// Results writes finished games to the accounts database. Guests
// (AccountID 0) appear in the standings but not in the database.
type Results struct {
	db        *DB
	analytics *Analytics
}

// NewResults returns a recorder backed by db
func NewResults(db *DB, analytics *Analytics) *Results {
	return &Results{db: db, analytics: analytics}
}

// RecordGame stores the match, each account's placement and stats, and
// unlocks achievements.
func (r *Results) RecordGame(code string, duration time.Duration, standings []Standing) {
	if r == nil || r.db == nil || len(standings) == 0 {
		return
	}
	secs := duration.Seconds()
	matchID, err := r.db.RecordMatch(code, secs, len(standings))
	if err != nil {
		log.Printf("results: record match %s: %v", code, err)
		return
	}
	for _, s := range standings {
		if s.AccountID == 0 {
			continue
		}
		if err := r.db.RecordMatchPlayer(matchID, s.AccountID, s.Score, s.Lines, s.Placement); err != nil {
			log.Printf("results: record player %d: %v", s.AccountID, err)
			continue
		}
		won := s.Placement == 1 && len(standings) > 1
		if err := r.db.UpdateStatsAfterMatch(s.AccountID, s.Score, s.Lines, won, secs); err != nil {
			log.Printf("results: update stats %d: %v", s.AccountID, err)
			continue
		}
		for _, a := range CheckAchievements(r.db, s.AccountID, s.Score, s.Lines, won) {
			log.Printf("results: %s unlocked %s", s.Username, a.ID)
			r.analytics.Track(EvtAchievement, s.AccountID, code, fmt.Sprintf(`{"id":%q}`, a.ID))
		}
	}
}
