package main

// Achievement definitions
type AchievementDef struct {
	ID          string
	Name        string
	Description string
}

var Achievements = []AchievementDef{
	{"first_clear", "First Clear", "Clear your first line"},
	{"centurion", "Centurion", "Clear 100 lines in total"},
	{"millennium", "Millennium", "Clear 1000 lines in total"},
	{"line_cutter", "Line Cutter", "Clear 20 lines in a single game"},
	{"high_roller", "High Roller", "Score 5000 points in a single game"},
	{"champion", "Champion", "Win a game"},
	{"dynasty", "Dynasty", "Win 10 games"},
	{"regular", "Regular", "Play 10 games"},
	{"marathon", "Marathon", "Play for 1 hour total"},
}

// CheckAchievements unlocks whatever the account has newly earned after a
// game and returns those achievements.
func CheckAchievements(db *DB, playerID int64, gameScore, gameLines int, won bool) []AchievementDef {
	if db == nil {
		return nil
	}

	stats, err := db.GetStats(playerID)
	if err != nil || stats == nil {
		return nil
	}

	existing, err := db.GetAchievements(playerID)
	if err != nil {
		return nil
	}
	has := make(map[string]bool, len(existing))
	for _, a := range existing {
		has[a] = true
	}

	check := func(id string) bool {
		if has[id] {
			return false
		}
		switch id {
		case "first_clear":
			return stats.Lines >= 1
		case "centurion":
			return stats.Lines >= 100
		case "millennium":
			return stats.Lines >= 1000
		case "line_cutter":
			return gameLines >= 20
		case "high_roller":
			return gameScore >= 5000
		case "champion":
			return won
		case "dynasty":
			return stats.Wins >= 10
		case "regular":
			return stats.Games >= 10
		case "marathon":
			return stats.Playtime >= 3600
		}
		return false
	}

	var unlocked []AchievementDef
	for _, def := range Achievements {
		if check(def.ID) {
			if newlyUnlocked, err := db.UnlockAchievement(playerID, def.ID); err == nil && newlyUnlocked {
				unlocked = append(unlocked, def)
			}
		}
	}
	return unlocked
}
