package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// SQLStore is a DocStore backed by SQLite. Every delta is a single SQL
// statement (or one transaction), so concurrent writers never overwrite each
// other's changes. Change notifications are delivered in-process.
type SQLStore struct {
	conn   *sql.DB
	notify *notifier
}

// NewSQLStore creates the document tables on db and returns the store.
func NewSQLStore(db *DB) (*SQLStore, error) {
	s := &SQLStore{conn: db.conn, notify: newNotifier()}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS doc_lobbies (
		code TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		status TEXT NOT NULL,
		capacity INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS doc_players (
		lobby_code TEXT NOT NULL REFERENCES doc_lobbies(code) ON DELETE CASCADE,
		id TEXT NOT NULL,
		username TEXT NOT NULL,
		account_id INTEGER NOT NULL DEFAULT 0,
		board BLOB,
		score INTEGER NOT NULL DEFAULT 0,
		lines INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		queue_len INTEGER NOT NULL DEFAULT 0,
		pending_garbage INTEGER NOT NULL DEFAULT 0,
		published_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (lobby_code, id)
	);

	CREATE TABLE IF NOT EXISTS doc_spectators (
		lobby_code TEXT NOT NULL REFERENCES doc_lobbies(code) ON DELETE CASCADE,
		id TEXT NOT NULL,
		PRIMARY KEY (lobby_code, id)
	);

	CREATE TABLE IF NOT EXISTS doc_pending_shapes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		lobby_code TEXT NOT NULL,
		player_id TEXT NOT NULL,
		points BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_shapes_player ON doc_pending_shapes(lobby_code, player_id, seq);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}
	// files created before published_at existed
	_, err := s.conn.Exec("ALTER TABLE doc_players ADD COLUMN published_at INTEGER NOT NULL DEFAULT 0")
	if err != nil && !strings.Contains(err.Error(), "duplicate column") {
		return err
	}
	return nil
}

func (s *SQLStore) CreateLobby(ctx context.Context, doc LobbyDoc) error {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO doc_lobbies (code, host_id, status, capacity) VALUES (?, ?, ?, ?)",
		doc.Code, doc.HostID, string(doc.Status), doc.Capacity,
	)
	if err != nil {
		return fmt.Errorf("create lobby %s: %w", doc.Code, err)
	}
	return nil
}

func (s *SQLStore) GetLobby(ctx context.Context, code string) (LobbyDoc, error) {
	doc := LobbyDoc{Code: code}
	var status string
	err := s.conn.QueryRowContext(ctx,
		"SELECT host_id, status, capacity FROM doc_lobbies WHERE code = ?", code,
	).Scan(&doc.HostID, &status, &doc.Capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return LobbyDoc{}, ErrNotFound
	}
	if err != nil {
		return LobbyDoc{}, err
	}
	doc.Status = LobbyStatus(status)

	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, username, status, score FROM doc_players WHERE lobby_code = ? ORDER BY rowid", code)
	if err != nil {
		return LobbyDoc{}, err
	}
	doc.Players = make(map[string]PlayerSummary)
	for rows.Next() {
		var p PlayerSummary
		var st string
		if err := rows.Scan(&p.ID, &p.Username, &st, &p.Score); err != nil {
			rows.Close()
			return LobbyDoc{}, err
		}
		p.Status = PlayerStatus(st)
		doc.Players[p.ID] = p
		doc.Order = append(doc.Order, p.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return LobbyDoc{}, err
	}

	rows, err = s.conn.QueryContext(ctx,
		"SELECT id FROM doc_spectators WHERE lobby_code = ? ORDER BY rowid", code)
	if err != nil {
		return LobbyDoc{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return LobbyDoc{}, err
		}
		doc.Spectators = append(doc.Spectators, id)
	}
	return doc, rows.Err()
}

func (s *SQLStore) DeleteLobby(ctx context.Context, code string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM doc_lobbies WHERE code = ?", code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, q := range []string{
		"DELETE FROM doc_players WHERE lobby_code = ?",
		"DELETE FROM doc_spectators WHERE lobby_code = ?",
		"DELETE FROM doc_pending_shapes WHERE lobby_code = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, code); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify.closeLobby(code)
	return nil
}

func (s *SQLStore) CASLobbyStatus(ctx context.Context, code string, from, to LobbyStatus) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE doc_lobbies SET status = ? WHERE code = ? AND status = ?",
		string(to), code, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.lobbyExists(ctx, code)
	}
	s.notify.publish(Change{Lobby: code, Kind: ChangeLobby})
	return true, nil
}

func (s *SQLStore) AddPlayer(ctx context.Context, code string, doc PlayerDoc) error {
	if err := s.lobbyExists(ctx, code); err != nil {
		return err
	}
	if doc.Status == "" {
		doc.Status = PlayerNotStarted
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO doc_players (lobby_code, id, username, account_id, board, score, lines, status, queue_len, pending_garbage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code, doc.ID, doc.Username, doc.AccountID, doc.Board, doc.Score, doc.Lines,
		string(doc.Status), doc.QueueLen, doc.PendingGarbage,
	)
	if err != nil {
		return fmt.Errorf("add player %s: %w", doc.ID, err)
	}
	if len(doc.PendingShapes) > 0 {
		if err := s.insertShapes(ctx, code, doc.ID, doc.PendingShapes); err != nil {
			return err
		}
	}
	s.notify.publish(Change{Lobby: code, Player: doc.ID, Kind: ChangeMembership})
	return nil
}

func (s *SQLStore) AddSpectator(ctx context.Context, code, id string) error {
	if err := s.lobbyExists(ctx, code); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO doc_spectators (lobby_code, id) VALUES (?, ?)", code, id)
	if err != nil {
		return err
	}
	s.notify.publish(Change{Lobby: code, Kind: ChangeMembership})
	return nil
}

func (s *SQLStore) RemoveMember(ctx context.Context, code, id string) error {
	if err := s.lobbyExists(ctx, code); err != nil {
		return err
	}
	for _, q := range []string{
		"DELETE FROM doc_players WHERE lobby_code = ? AND id = ?",
		"DELETE FROM doc_spectators WHERE lobby_code = ? AND id = ?",
		"DELETE FROM doc_pending_shapes WHERE lobby_code = ? AND player_id = ?",
	} {
		if _, err := s.conn.ExecContext(ctx, q, code, id); err != nil {
			return err
		}
	}
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeMembership})
	return nil
}

const playerColumns = "id, username, account_id, board, score, lines, status, queue_len, pending_garbage, published_at"

func scanPlayer(sc interface{ Scan(...any) error }) (PlayerDoc, error) {
	var p PlayerDoc
	var st string
	var published int64
	err := sc.Scan(&p.ID, &p.Username, &p.AccountID, &p.Board, &p.Score, &p.Lines, &st, &p.QueueLen, &p.PendingGarbage, &published)
	p.Status = PlayerStatus(st)
	if published > 0 {
		p.PublishedAt = time.UnixMilli(published)
	}
	return p, err
}

func (s *SQLStore) GetPlayer(ctx context.Context, code, id string) (PlayerDoc, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+playerColumns+" FROM doc_players WHERE lobby_code = ? AND id = ?", code, id)
	p, err := scanPlayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlayerDoc{}, ErrNotFound
	}
	if err != nil {
		return PlayerDoc{}, err
	}
	pending, err := s.pendingShapes(ctx, code, id)
	if err != nil {
		return PlayerDoc{}, err
	}
	p.PendingShapes = pending[id]
	return p, nil
}

func (s *SQLStore) ListPlayers(ctx context.Context, code string) ([]PlayerDoc, error) {
	if err := s.lobbyExists(ctx, code); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+playerColumns+" FROM doc_players WHERE lobby_code = ? ORDER BY rowid", code)
	if err != nil {
		return nil, err
	}
	var out []PlayerDoc
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pending, err := s.pendingShapes(ctx, code, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].PendingShapes = pending[out[i].ID]
	}
	return out, nil
}

// pendingShapes loads backlogs keyed by player id. An empty player loads
// the whole lobby.
func (s *SQLStore) pendingShapes(ctx context.Context, code, player string) (map[string][]Shape, error) {
	q := "SELECT player_id, points FROM doc_pending_shapes WHERE lobby_code = ?"
	args := []any{code}
	if player != "" {
		q += " AND player_id = ?"
		args = append(args, player)
	}
	rows, err := s.conn.QueryContext(ctx, q+" ORDER BY seq", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]Shape)
	for rows.Next() {
		var pid string
		var raw []byte
		if err := rows.Scan(&pid, &raw); err != nil {
			return nil, err
		}
		var shape Shape
		if err := msgpack.Unmarshal(raw, &shape); err != nil {
			return nil, fmt.Errorf("decode pending shape: %w", err)
		}
		out[pid] = append(out[pid], shape)
	}
	return out, rows.Err()
}

func (s *SQLStore) PublishBoard(ctx context.Context, code, id string, patch BoardPatch) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE doc_players SET board = ?, score = MAX(score, ?), lines = MAX(lines, ?), queue_len = ?, published_at = ?
		 WHERE lobby_code = ? AND id = ? AND status != ?`,
		patch.Board, patch.Score, patch.Lines, patch.QueueLen, time.Now().UnixMilli(),
		code, id, string(PlayerEnded),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.playerExists(ctx, code, id)
	}
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeBoard})
	return nil
}

func (s *SQLStore) CASPlayerStatus(ctx context.Context, code, id string, from, to PlayerStatus) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE doc_players SET status = ? WHERE lobby_code = ? AND id = ? AND status = ?",
		string(to), code, id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.playerExists(ctx, code, id)
	}
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeStatus})
	return true, nil
}

func (s *SQLStore) AddGarbage(ctx context.Context, code, id string, n int) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE doc_players SET pending_garbage = MAX(0, pending_garbage + ?) WHERE lobby_code = ? AND id = ?",
		n, code, id,
	)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeGarbage})
	return nil
}

func (s *SQLStore) AppendShapes(ctx context.Context, code, id string, shapes ...Shape) error {
	if err := s.playerExists(ctx, code, id); err != nil {
		return err
	}
	if err := s.insertShapes(ctx, code, id, shapes); err != nil {
		return err
	}
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeShapes})
	return nil
}

func (s *SQLStore) insertShapes(ctx context.Context, code, id string, shapes []Shape) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, shape := range shapes {
		raw, err := msgpack.Marshal(shape)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO doc_pending_shapes (lobby_code, player_id, points) VALUES (?, ?, ?)",
			code, id, raw,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) PopShapes(ctx context.Context, code, id string, n int) error {
	if err := s.playerExists(ctx, code, id); err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM doc_pending_shapes WHERE seq IN (
			SELECT seq FROM doc_pending_shapes WHERE lobby_code = ? AND player_id = ? ORDER BY seq LIMIT ?
		)`,
		code, id, n,
	)
	if err != nil {
		return err
	}
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeShapes})
	return nil
}

func (s *SQLStore) Subscribe(code string) (<-chan Change, func()) {
	return s.notify.subscribe(code)
}

func (s *SQLStore) lobbyExists(ctx context.Context, code string) error {
	var one int
	err := s.conn.QueryRowContext(ctx, "SELECT 1 FROM doc_lobbies WHERE code = ?", code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) playerExists(ctx context.Context, code, id string) error {
	var one int
	err := s.conn.QueryRowContext(ctx,
		"SELECT 1 FROM doc_players WHERE lobby_code = ? AND id = ?", code, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
