package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process DocStore.
type MemoryStore struct {
	mu      sync.RWMutex
	lobbies map[string]*memLobby
	notify  *notifier
}

type memLobby struct {
	doc     LobbyDoc
	players map[string]*PlayerDoc
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lobbies: make(map[string]*memLobby),
		notify:  newNotifier(),
	}
}

func (s *MemoryStore) CreateLobby(ctx context.Context, doc LobbyDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lobbies[doc.Code]; ok {
		return fmt.Errorf("lobby %s already exists", doc.Code)
	}
	doc.Players = nil
	doc.Order = nil
	doc.Spectators = nil
	s.lobbies[doc.Code] = &memLobby{doc: doc, players: make(map[string]*PlayerDoc)}
	return nil
}

func (s *MemoryStore) GetLobby(ctx context.Context, code string) (LobbyDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lobbies[code]
	if !ok {
		return LobbyDoc{}, ErrNotFound
	}
	doc := l.doc
	doc.Order = slices.Clone(l.doc.Order)
	doc.Spectators = slices.Clone(l.doc.Spectators)
	doc.Players = make(map[string]PlayerSummary, len(l.players))
	for id, p := range l.players {
		doc.Players[id] = PlayerSummary{ID: id, Username: p.Username, Status: p.Status, Score: p.Score}
	}
	return doc, nil
}

func (s *MemoryStore) DeleteLobby(ctx context.Context, code string) error {
	s.mu.Lock()
	_, ok := s.lobbies[code]
	delete(s.lobbies, code)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.notify.closeLobby(code)
	return nil
}

func (s *MemoryStore) CASLobbyStatus(ctx context.Context, code string, from, to LobbyStatus) (bool, error) {
	s.mu.Lock()
	l, ok := s.lobbies[code]
	if !ok {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	swapped := l.doc.Status == from
	if swapped {
		l.doc.Status = to
	}
	s.mu.Unlock()
	if swapped {
		s.notify.publish(Change{Lobby: code, Kind: ChangeLobby})
	}
	return swapped, nil
}

func (s *MemoryStore) AddPlayer(ctx context.Context, code string, doc PlayerDoc) error {
	s.mu.Lock()
	l, ok := s.lobbies[code]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if _, dup := l.players[doc.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("player %s already in lobby %s", doc.ID, code)
	}
	if doc.Status == "" {
		doc.Status = PlayerNotStarted
	}
	doc.PendingShapes = cloneShapes(doc.PendingShapes)
	doc.Board = slices.Clone(doc.Board)
	l.players[doc.ID] = &doc
	l.doc.Order = append(l.doc.Order, doc.ID)
	s.mu.Unlock()
	s.notify.publish(Change{Lobby: code, Player: doc.ID, Kind: ChangeMembership})
	return nil
}

func (s *MemoryStore) AddSpectator(ctx context.Context, code, id string) error {
	s.mu.Lock()
	l, ok := s.lobbies[code]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !slices.Contains(l.doc.Spectators, id) {
		l.doc.Spectators = append(l.doc.Spectators, id)
	}
	s.mu.Unlock()
	s.notify.publish(Change{Lobby: code, Kind: ChangeMembership})
	return nil
}

func (s *MemoryStore) RemoveMember(ctx context.Context, code, id string) error {
	s.mu.Lock()
	l, ok := s.lobbies[code]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(l.players, id)
	l.doc.Order = slices.DeleteFunc(l.doc.Order, func(v string) bool { return v == id })
	l.doc.Spectators = slices.DeleteFunc(l.doc.Spectators, func(v string) bool { return v == id })
	s.mu.Unlock()
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeMembership})
	return nil
}

func (s *MemoryStore) GetPlayer(ctx context.Context, code, id string) (PlayerDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.playerLocked(code, id)
	if err != nil {
		return PlayerDoc{}, err
	}
	return copyPlayerDoc(p), nil
}

func (s *MemoryStore) ListPlayers(ctx context.Context, code string) ([]PlayerDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lobbies[code]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]PlayerDoc, 0, len(l.doc.Order))
	for _, id := range l.doc.Order {
		out = append(out, copyPlayerDoc(l.players[id]))
	}
	return out, nil
}

func (s *MemoryStore) PublishBoard(ctx context.Context, code, id string, patch BoardPatch) error {
	s.mu.Lock()
	p, err := s.playerLocked(code, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if p.Status == PlayerEnded {
		s.mu.Unlock()
		return nil
	}
	p.Board = slices.Clone(patch.Board)
	p.Score = max(p.Score, patch.Score)
	p.Lines = max(p.Lines, patch.Lines)
	p.QueueLen = patch.QueueLen
	p.PublishedAt = time.Now()
	s.mu.Unlock()
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeBoard})
	return nil
}

func (s *MemoryStore) CASPlayerStatus(ctx context.Context, code, id string, from, to PlayerStatus) (bool, error) {
	s.mu.Lock()
	p, err := s.playerLocked(code, id)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	swapped := p.Status == from
	if swapped {
		p.Status = to
	}
	s.mu.Unlock()
	if swapped {
		s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeStatus})
	}
	return swapped, nil
}

func (s *MemoryStore) AddGarbage(ctx context.Context, code, id string, n int) error {
	s.mu.Lock()
	p, err := s.playerLocked(code, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	p.PendingGarbage = max(0, p.PendingGarbage+n)
	s.mu.Unlock()
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeGarbage})
	return nil
}

func (s *MemoryStore) AppendShapes(ctx context.Context, code, id string, shapes ...Shape) error {
	s.mu.Lock()
	p, err := s.playerLocked(code, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	p.PendingShapes = append(p.PendingShapes, cloneShapes(shapes)...)
	s.mu.Unlock()
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeShapes})
	return nil
}

func (s *MemoryStore) PopShapes(ctx context.Context, code, id string, n int) error {
	s.mu.Lock()
	p, err := s.playerLocked(code, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	n = min(max(n, 0), len(p.PendingShapes))
	p.PendingShapes = slices.Clone(p.PendingShapes[n:])
	s.mu.Unlock()
	s.notify.publish(Change{Lobby: code, Player: id, Kind: ChangeShapes})
	return nil
}

func (s *MemoryStore) Subscribe(code string) (<-chan Change, func()) {
	return s.notify.subscribe(code)
}

func (s *MemoryStore) playerLocked(code, id string) (*PlayerDoc, error) {
	l, ok := s.lobbies[code]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := l.players[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func copyPlayerDoc(p *PlayerDoc) PlayerDoc {
	out := *p
	out.Board = slices.Clone(p.Board)
	out.PendingShapes = cloneShapes(p.PendingShapes)
	return out
}

func cloneShapes(in []Shape) []Shape {
	if len(in) == 0 {
		return nil
	}
	out := make([]Shape, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}
