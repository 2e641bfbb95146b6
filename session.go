package main

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
)

const (
	maxLobbies      = 100
	codeLen         = 6
	codeGenAttempts = 10
)

var ErrTooManyLobbies = errors.New("server is at its lobby limit")

// LobbyManager handles creation and lookup of lobbies
type LobbyManager struct {
	store     DocStore
	cfg       LobbyConfig
	recorder  ResultRecorder
	analytics *Analytics

	mu      sync.RWMutex
	lobbies map[string]*Lobby
}

// NewLobbyManager creates a new LobbyManager
func NewLobbyManager(store DocStore, cfg LobbyConfig, recorder ResultRecorder, analytics *Analytics) *LobbyManager {
	return &LobbyManager{
		store:     store,
		cfg:       cfg,
		recorder:  recorder,
		analytics: analytics,
		lobbies:   make(map[string]*Lobby),
	}
}

// CreateLobby opens a lobby hosted by hostID under a fresh code. capacity
// <= 0 uses the configured default.
func (lm *LobbyManager) CreateLobby(ctx context.Context, hostID string, capacity int) (*Lobby, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.lobbies) >= maxLobbies {
		return nil, ErrTooManyLobbies
	}
	code, err := lm.freshCodeLocked(ctx)
	if err != nil {
		return nil, err
	}

	cfg := lm.cfg
	if capacity > 0 {
		cfg.Capacity = capacity
	}
	l, err := OpenLobby(ctx, code, hostID, lm.store, cfg, lm.recorder, lm.analytics)
	if err != nil {
		return nil, err
	}
	l.OnClose(lm.remove)
	lm.lobbies[code] = l
	log.Printf("lobby %s: created by %s", code, hostID)
	return l, nil
}

// freshCodeLocked picks a code not used locally or in the shared store.
func (lm *LobbyManager) freshCodeLocked(ctx context.Context) (string, error) {
	for range codeGenAttempts {
		code := GenerateCode(codeLen)
		if _, ok := lm.lobbies[code]; ok {
			continue
		}
		_, err := lm.store.GetLobby(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("could not generate a unique lobby code")
}

// GetLobby returns a lobby by code, or nil
func (lm *LobbyManager) GetLobby(code string) *Lobby {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.lobbies[code]
}

func (lm *LobbyManager) remove(code string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.lobbies, code)
}

// Check reports whether a lobby exists and what state it is in
func (lm *LobbyManager) Check(ctx context.Context, code string) CheckedMsg {
	msg := CheckedMsg{Code: code}
	if lm.GetLobby(code) == nil {
		return msg
	}
	doc, err := lm.store.GetLobby(ctx, code)
	if err != nil {
		return msg
	}
	msg.Exists = true
	msg.Status = doc.Status
	msg.Players = len(doc.Order)
	return msg
}

// ListLobbies returns lobbies that still accept players, sorted by code
func (lm *LobbyManager) ListLobbies(ctx context.Context) []LobbyInfo {
	lm.mu.RLock()
	codes := make([]string, 0, len(lm.lobbies))
	for code := range lm.lobbies {
		codes = append(codes, code)
	}
	lm.mu.RUnlock()
	sort.Strings(codes)

	list := make([]LobbyInfo, 0, len(codes))
	for _, code := range codes {
		doc, err := lm.store.GetLobby(ctx, code)
		if err != nil || doc.Status != LobbyOpen {
			continue
		}
		list = append(list, LobbyInfo{
			Code:     doc.Code,
			Status:   doc.Status,
			Players:  len(doc.Order),
			Capacity: doc.Capacity,
		})
	}
	return list
}

// Count returns the number of live lobbies
func (lm *LobbyManager) Count() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.lobbies)
}

// CloseAll tears down every lobby, used on shutdown
func (lm *LobbyManager) CloseAll(ctx context.Context) {
	lm.mu.RLock()
	all := make([]*Lobby, 0, len(lm.lobbies))
	for _, l := range lm.lobbies {
		all = append(all, l)
	}
	lm.mu.RUnlock()
	for _, l := range all {
		l.Close(ctx, ReasonLobbyGone)
	}
}
