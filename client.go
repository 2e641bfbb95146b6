package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
	sendBufSize       = 256
	maxMessagesPerSec = 50
	maxNameLen        = 16
	storeOpTimeout    = 5 * time.Second
	leaderboardSize   = 20
	historySize       = 10
)

// Client represents a WebSocket connection. Lobby membership and the
// sketch pad are only touched from the ReadPump goroutine.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	remoteAddr  string
	connectedAt time.Time
	msgCount    int
	msgResetAt  time.Time

	memberID string
	lobby    *Lobby
	role     string
	widget   Widget

	account Account // zero while playing as a guest
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufSize),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
	}
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.handleLeave()
		if !c.account.Guest() {
			c.hub.SetOffline(c.account.ID, c)
		}
		c.hub.TrackDisconnect(c.remoteAddr)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws error: %v", err)
			}
			break
		}

		// Rate limiting
		now := time.Now()
		if now.After(c.msgResetAt) {
			c.msgCount = 0
			c.msgResetAt = now.Add(time.Second)
		}
		c.msgCount++
		if c.msgCount > maxMessagesPerSec {
			log.Printf("rate limit exceeded for %s, disconnecting", c.remoteAddr)
			break
		}

		c.handleMessage(message)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Check for binary marker (0xFF prefix from SendBinary)
			var err error
			if len(message) > 0 && message[0] == 0xFF {
				err = c.conn.WriteMessage(websocket.BinaryMessage, message[1:])
			} else {
				err = c.conn.WriteMessage(websocket.TextMessage, message)
			}
			if err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendJSON sends a JSON message to the client
func (c *Client) SendJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("marshal error: %v", err)
		return
	}
	c.SendRaw(data)
}

// SendRaw sends pre-marshaled bytes as a text message to the client
func (c *Client) SendRaw(data []byte) {
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
		// Client too slow, drop message
	}
}

// SendBinary sends pre-marshaled bytes as a binary WebSocket message
// Prefixes with 0xFF marker byte so WritePump can distinguish from text
func (c *Client) SendBinary(data []byte) {
	defer func() { recover() }()
	msg := make([]byte, len(data)+1)
	msg[0] = 0xFF // binary marker
	copy(msg[1:], data)
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) sendError(msg string) {
	c.SendJSON(Envelope{T: MsgError, Data: ErrorMsg{Msg: msg}})
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeOpTimeout)
}

// handleMessage routes incoming messages (single-pass decode via InEnvelope)
func (c *Client) handleMessage(raw []byte) {
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("unmarshal error: %v", err)
		return
	}

	switch env.T {
	case MsgList:
		c.handleList()
	case MsgCreate:
		c.handleCreate(env.D)
	case MsgJoin:
		c.handleJoin(env.D)
	case MsgLeave:
		c.handleLeave()
	case MsgCheck:
		c.handleCheck(env.D)
	case MsgStart:
		c.handleStart()
	case MsgInput:
		c.handleInput(env.D)
	case MsgWidget:
		c.handleWidget(env.D)
	case MsgRegister:
		c.handleRegister(env.D)
	case MsgLogin:
		c.handleLogin(env.D)
	case MsgAuth:
		c.handleAuth(env.D)
	case MsgProfile:
		c.handleProfile()
	case MsgLeaderboard:
		c.handleLeaderboard(env.D)
	}
}

// displayName picks the requested name, else the account name. An empty
// result lets the lobby number the member.
func (c *Client) displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.account.Username
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return name
}

func normalizeRole(role string) string {
	if role == RoleSpectator {
		return RoleSpectator
	}
	return RolePlayer
}

func (c *Client) handleList() {
	ctx, cancel := opContext()
	defer cancel()
	c.SendJSON(Envelope{T: MsgLobbies, Data: c.hub.lobbies.ListLobbies(ctx)})
}

func (c *Client) handleCheck(data json.RawMessage) {
	var msg CheckMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	code := strings.ToUpper(strings.TrimSpace(msg.Code))
	c.SendJSON(Envelope{T: MsgChecked, Data: c.hub.lobbies.Check(ctx, code)})
}

func (c *Client) handleCreate(data json.RawMessage) {
	var msg CreateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if !c.leftStaleLobby() {
		c.sendError("already in a lobby")
		return
	}
	ctx, cancel := opContext()
	defer cancel()

	id := GenerateUUID()
	lobby, err := c.hub.lobbies.CreateLobby(ctx, id, msg.Capacity)
	if err != nil {
		log.Printf("create lobby: %v", err)
		c.sendError(err.Error())
		return
	}
	c.SendJSON(Envelope{T: MsgCreated, Data: map[string]string{"code": lobby.Code}})
	if !c.enter(ctx, lobby, id, msg.Name, msg.Role) {
		lobby.Close(ctx, "")
	}
}

func (c *Client) handleJoin(data json.RawMessage) {
	var msg JoinMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if !c.leftStaleLobby() {
		c.sendError("already in a lobby")
		return
	}
	code := strings.ToUpper(strings.TrimSpace(msg.Code))
	lobby := c.hub.lobbies.GetLobby(code)
	if lobby == nil {
		c.sendError("lobby not found")
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	c.enter(ctx, lobby, GenerateUUID(), msg.Name, msg.Role)
}

// enter joins lobby under member id and reports whether it succeeded
func (c *Client) enter(ctx context.Context, lobby *Lobby, id, name, role string) bool {
	role = normalizeRole(role)
	if err := lobby.Join(ctx, id, c.displayName(name), role, c.account.ID, c); err != nil {
		c.sendError(err.Error())
		return false
	}
	c.lobby = lobby
	c.memberID = id
	c.role = role
	c.widget.Clear()
	c.SendJSON(Envelope{T: MsgJoined, Data: JoinedMsg{
		Code:   lobby.Code,
		ID:     id,
		Role:   role,
		Name:   lobby.MemberName(id),
		IsHost: lobby.HostID() == id,
	}})
	if role == RoleSpectator {
		c.sendWidgetState(false)
	}
	return true
}

func (c *Client) handleLeave() {
	if c.lobby == nil {
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	c.lobby.Leave(ctx, c.memberID)
	c.lobby = nil
	c.memberID = ""
	c.role = ""
	c.widget.Clear()
}

// leftStaleLobby drops a lobby that closed under the client and reports
// whether the client is free to enter another one
func (c *Client) leftStaleLobby() bool {
	if c.lobby == nil {
		return true
	}
	if !c.lobby.Closed() {
		return false
	}
	c.handleLeave()
	return true
}

func (c *Client) handleStart() {
	if c.lobby == nil {
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	if err := c.lobby.Start(ctx, c.memberID); err != nil {
		c.sendError(err.Error())
	}
}

func (c *Client) handleInput(data json.RawMessage) {
	if c.lobby == nil || c.role != RolePlayer {
		return
	}
	var msg InputMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if err := c.lobby.HandleInput(c.memberID, msg.A); err != nil {
		c.sendError(err.Error())
	}
}

func (c *Client) handleWidget(data json.RawMessage) {
	if c.lobby == nil || c.role != RoleSpectator {
		return
	}
	var msg WidgetMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Op {
	case WidgetToggle:
		if err := c.widget.Toggle(msg.Row, msg.Col); err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendWidgetState(false)
	case WidgetClear:
		c.widget.Clear()
		c.sendWidgetState(false)
	case WidgetSubmit:
		ctx, cancel := opContext()
		defer cancel()
		if _, err := c.lobby.SubmitShape(ctx, c.memberID, msg.Target, c.widget); err != nil {
			if !errors.Is(err, ErrSubmitTooSoon) {
				log.Printf("lobby %s: submit from %s: %v", c.lobby.Code, c.memberID, err)
			}
			c.sendError(err.Error())
			c.sendWidgetState(false)
			return
		}
		c.widget.Clear()
		c.sendWidgetState(true)
	}
}

func (c *Client) sendWidgetState(submitted bool) {
	state := WidgetStateMsg{
		Cells:       c.widget,
		Valid:       c.widget.Validate(),
		RemainingMS: c.lobby.SubmitRemaining(c.memberID).Milliseconds(),
		Submitted:   submitted,
	}
	if state.Valid {
		if shape, err := c.widget.ConvertToShape(); err == nil {
			state.Preview = shape
		} else {
			state.Valid = false
		}
	}
	c.SendJSON(Envelope{T: MsgWidgetState, Data: state})
}

func (c *Client) signedIn(acct Account, token string) {
	if !c.account.Guest() && c.account.ID != acct.ID {
		c.hub.SetOffline(c.account.ID, c)
	}
	c.account = acct
	if prev := c.hub.SetOnline(acct.ID, c); prev != nil {
		prev.sendError("signed in from another connection")
	}
	c.SendJSON(Envelope{T: MsgAuthOK, Data: AuthOKMsg{
		Token:    token,
		Username: acct.Username,
		PlayerID: acct.ID,
	}})
}

func (c *Client) handleRegister(data json.RawMessage) {
	if c.hub.auth == nil {
		return
	}
	var msg RegisterMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	acct, token, err := c.hub.auth.Register(msg.Username, msg.Password)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.signedIn(acct, token)
}

func (c *Client) handleLogin(data json.RawMessage) {
	if c.hub.auth == nil {
		return
	}
	var msg LoginMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	acct, token, err := c.hub.auth.Login(msg.Username, msg.Password, c.remoteAddr)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.signedIn(acct, token)
}

func (c *Client) handleAuth(data json.RawMessage) {
	if c.hub.auth == nil {
		return
	}
	var msg AuthMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	acct, err := c.hub.auth.Verify(msg.Token)
	if err != nil {
		c.sendError(ErrBadToken.Error())
		return
	}
	c.signedIn(acct, msg.Token)
}

func (c *Client) handleProfile() {
	if c.hub.db == nil || c.account.Guest() {
		c.sendError("not authenticated")
		return
	}
	stats, err := c.hub.db.GetStats(c.account.ID)
	if err != nil || stats == nil {
		c.sendError("profile not found")
		return
	}
	achievements, err := c.hub.db.GetAchievements(c.account.ID)
	if err != nil {
		log.Printf("profile %d: achievements: %v", c.account.ID, err)
	}
	history, err := c.hub.db.GetMatchHistory(c.account.ID, historySize)
	if err != nil {
		log.Printf("profile %d: history: %v", c.account.ID, err)
	}
	c.SendJSON(Envelope{T: MsgProfileData, Data: ProfileDataMsg{
		Username:     c.account.Username,
		Games:        stats.Games,
		Wins:         stats.Wins,
		BestScore:    stats.BestScore,
		Lines:        stats.Lines,
		Playtime:     stats.Playtime,
		Achievements: achievements,
		History:      history,
	}})
}

func (c *Client) handleLeaderboard(data json.RawMessage) {
	if c.hub.db == nil {
		c.sendError(ErrNoAccounts.Error())
		return
	}
	var msg LeaderboardMsg
	if len(data) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
	}
	entries, err := c.hub.db.GetLeaderboard(msg.By, leaderboardSize)
	if err != nil {
		log.Printf("leaderboard: %v", err)
		c.sendError("leaderboard unavailable")
		return
	}
	c.SendJSON(Envelope{T: MsgLeaderboardData, Data: entries})
}
