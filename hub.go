package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/kamstrup/intmap"
)

const (
	maxConnsPerIP = 5
	maxTotalConns = 1000
)

// Hub manages all connected clients and routes them to lobbies
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	lobbies    *LobbyManager
	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu     sync.Mutex
	ipConns    map[string]int
	totalConns int
	// Accounts; db may be nil when running without persistence
	db        *DB
	auth      *Auth
	analytics *Analytics
	// Signed-in accounts: account id -> *Client
	onlineMu    sync.Mutex
	onlineUsers *intmap.Map[int64, *Client]
}

// NewHub creates a new Hub
func NewHub(lobbies *LobbyManager, db *DB, auth *Auth, analytics *Analytics) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		register:    make(chan *Client, 64),
		unregister:  make(chan *Client, 64),
		lobbies:     lobbies,
		ipConns:     make(map[string]int),
		db:          db,
		auth:        auth,
		analytics:   analytics,
		onlineUsers: intmap.New[int64, *Client](64),
	}
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= maxTotalConns {
		return false
	}
	if h.ipConns[ip] >= maxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// Run processes register/unregister events. Lobby membership is released
// by the client's own read loop before it unregisters.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.analytics.Track(EvtSessionStart, 0, "", "")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.analytics.Track(EvtSessionEnd, client.account.ID, "",
					fmt.Sprintf(`{"seconds":%.0f}`, time.Since(client.connectedAt).Seconds()))
				close(client.send)
			}
			h.mu.Unlock()
		}
	}
}

// SetOnline marks an account as signed in on client and returns the
// connection it was previously signed in on, if any.
func (h *Hub) SetOnline(playerID int64, client *Client) *Client {
	h.onlineMu.Lock()
	defer h.onlineMu.Unlock()
	prev, _ := h.onlineUsers.Get(playerID)
	h.onlineUsers.Put(playerID, client)
	if prev == client {
		return nil
	}
	return prev
}

// SetOffline clears an account's sign-in if it still belongs to client
func (h *Hub) SetOffline(playerID int64, client *Client) {
	h.onlineMu.Lock()
	defer h.onlineMu.Unlock()
	if cur, ok := h.onlineUsers.Get(playerID); ok && cur == client {
		h.onlineUsers.Del(playerID)
	}
}

// OnlineCount returns how many accounts are signed in
func (h *Hub) OnlineCount() int {
	h.onlineMu.Lock()
	defer h.onlineMu.Unlock()
	return h.onlineUsers.Len()
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.totalConns
}
