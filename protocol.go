package main

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Client -> Server message types
const (
	MsgCreate      = "create" // create lobby
	MsgJoin        = "join"
	MsgLeave       = "leave"
	MsgList        = "list"  // list open lobbies
	MsgCheck       = "check" // check if lobby exists
	MsgStart       = "start" // host starts the game
	MsgInput       = "input"
	MsgWidget      = "widget" // spectator sketch pad operation
	MsgRegister    = "register"
	MsgLogin       = "login"
	MsgAuth        = "auth"
	MsgProfile     = "profile"
	MsgLeaderboard = "leaderboard"
)

// Server -> Client message types
const (
	MsgCreated         = "created"
	MsgJoined          = "joined"
	MsgLobbies         = "lobbies"
	MsgChecked         = "checked"
	MsgBoard           = "board" // binary: own PlayerView
	MsgLobby           = "lobby" // binary: LobbyView
	MsgWidgetState     = "widget_state"
	MsgSummary         = "summary" // terminal view; the UI leaves the game screen
	MsgError           = "error"
	MsgAuthOK          = "auth_ok"
	MsgProfileData     = "profile_data"
	MsgLeaderboardData = "leaderboard_data"
)

// Roles a connection can join a lobby with
const (
	RolePlayer    = "player"
	RoleSpectator = "spectator"
)

// Intent is a logical input from a player's UI
type Intent string

const (
	IntentMoveLeft  Intent = "MOVE_LEFT"
	IntentMoveRight Intent = "MOVE_RIGHT"
	IntentSoftDrop  Intent = "SOFT_DROP"
	IntentHardDrop  Intent = "HARD_DROP"
	IntentRotateCW  Intent = "ROTATE_CW"
	IntentRotateCCW Intent = "ROTATE_CCW"
)

// Valid reports whether the intent is one the board understands.
func (i Intent) Valid() bool {
	switch i {
	case IntentMoveLeft, IntentMoveRight, IntentSoftDrop, IntentHardDrop, IntentRotateCW, IntentRotateCCW:
		return true
	}
	return false
}

// Widget operations
const (
	WidgetToggle = "toggle"
	WidgetClear  = "clear"
	WidgetSubmit = "submit"
)

// Envelope wraps all outgoing JSON messages with a type field
type Envelope struct {
	T    string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// InEnvelope is used for incoming messages; json.RawMessage avoids double-unmarshal
type InEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// BinFrame wraps binary (msgpack) snapshots
type BinFrame struct {
	T string      `msgpack:"t"`
	D interface{} `msgpack:"d"`
}

// CreateMsg is sent to create a lobby; the sender becomes its host
type CreateMsg struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Capacity int    `json:"cap,omitempty"`
}

// JoinMsg is sent to join an existing lobby
type JoinMsg struct {
	Name string `json:"name"`
	Code string `json:"code"`
	Role string `json:"role"`
}

// CheckMsg asks whether a lobby exists
type CheckMsg struct {
	Code string `json:"code"`
}

// CheckedMsg is the response to a lobby check
type CheckedMsg struct {
	Code    string      `json:"code"`
	Exists  bool        `json:"exists"`
	Status  LobbyStatus `json:"status,omitempty"`
	Players int         `json:"players,omitempty"`
}

// LobbyInfo is one entry of the lobby list
type LobbyInfo struct {
	Code     string      `json:"code"`
	Status   LobbyStatus `json:"status"`
	Players  int         `json:"players"`
	Capacity int         `json:"cap"`
}

// JoinedMsg confirms lobby membership
type JoinedMsg struct {
	Code   string `json:"code"`
	ID     string `json:"id"`
	Role   string `json:"role"`
	Name   string `json:"name"`
	IsHost bool   `json:"host"`
}

// InputMsg carries one logical input
type InputMsg struct {
	A Intent `json:"a"`
}

// WidgetMsg is a spectator sketch pad operation
type WidgetMsg struct {
	Op     string `json:"op"`
	Row    int    `json:"r"`
	Col    int    `json:"c"`
	Target string `json:"target,omitempty"` // player id for submit
}

// WidgetStateMsg echoes the sketch pad after every operation
type WidgetStateMsg struct {
	Cells       Widget `json:"cells"`
	Valid       bool   `json:"valid"`
	Preview     Shape  `json:"preview,omitempty"`
	RemainingMS int64  `json:"remaining_ms"`
	Submitted   bool   `json:"submitted,omitempty"`
}

// PlayerView is one board as shown to clients
type PlayerView struct {
	ID             string       `msgpack:"id"`
	Username       string       `msgpack:"n"`
	Board          []byte       `msgpack:"b"` // BoardRows*BoardCols cells, row-major
	Score          int          `msgpack:"sc"`
	Lines          int          `msgpack:"l"`
	Status         PlayerStatus `msgpack:"st"`
	QueueLen       int          `msgpack:"q"`
	PendingGarbage int          `msgpack:"g"`
	Next           []Shape      `msgpack:"nx,omitempty"`
}

// LobbyView is the whole lobby as shown to every member
type LobbyView struct {
	Code       string       `msgpack:"code"`
	HostID     string       `msgpack:"host"`
	Status     LobbyStatus  `msgpack:"st"`
	Capacity   int          `msgpack:"cap"`
	Players    []PlayerView `msgpack:"p"`
	Spectators int          `msgpack:"sp"`
}

// ResultEntry is one row of the final standings
type ResultEntry struct {
	ID        string `json:"id"`
	Username  string `json:"n"`
	Score     int    `json:"sc"`
	Lines     int    `json:"l"`
	Placement int    `json:"place"`
}

// SummaryMsg sends the client to the terminal summary view
type SummaryMsg struct {
	Code    string        `json:"code"`
	Reason  string        `json:"reason"`
	Results []ResultEntry `json:"results,omitempty"`
}

// ErrorMsg sends error to client
type ErrorMsg struct {
	Msg string `json:"msg"`
}

// RegisterMsg creates an account
type RegisterMsg struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginMsg logs into an account
type LoginMsg struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthMsg resumes an account from a stored token
type AuthMsg struct {
	Token string `json:"token"`
}

// AuthOKMsg confirms authentication
type AuthOKMsg struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	PlayerID int64  `json:"pid"`
}

// ProfileDataMsg returns lifetime stats
type ProfileDataMsg struct {
	Username     string           `json:"username"`
	Games        int              `json:"games"`
	Wins         int              `json:"wins"`
	BestScore    int              `json:"best"`
	Lines        int              `json:"lines"`
	Playtime     float64          `json:"playtime"`
	Achievements []string         `json:"achievements"`
	History      []MatchPlayerRow `json:"history"`
}

// LeaderboardMsg requests a leaderboard ordering
type LeaderboardMsg struct {
	By string `json:"by"`
}

// Summary reasons
const (
	ReasonGameOver   = "game_over"
	ReasonHostLeft   = "host_left"
	ReasonLobbyGone  = "lobby_gone"
	ReasonStoreError = "store_error"
)

// encodeFrame marshals a binary snapshot
func encodeFrame(t string, payload interface{}) ([]byte, error) {
	return msgpack.Marshal(BinFrame{T: t, D: payload})
}
