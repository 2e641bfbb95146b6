package main

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultTickInterval = time.Second // gravity while ONGOING
	inputBufSize        = 32
	maxStoreFailures    = 5 // consecutive failed writes before the session gives up
	previewCount        = 3
	failEndTimeout      = 2 * time.Second
)

var ErrPlayerEnded = errors.New("player has ended")

// Broadcaster interface for sending messages to clients
type Broadcaster interface {
	SendJSON(msg interface{})
	SendBinary(data []byte)
}

// ClearReporter is told how many rows a player cleared in one freeze.
type ClearReporter interface {
	ReportClear(ctx context.Context, from string, rows int)
}

// SessionOptions tunes a PlayerSession.
type SessionOptions struct {
	Tick time.Duration
	Rand *rand.Rand
}

// PlayerSession runs one player's board. All board mutation happens on the
// goroutine running Run; other goroutines talk to it through HandleInput
// and the shared store.
type PlayerSession struct {
	ID       string
	Username string
	Code     string

	store    DocStore
	reporter ClearReporter
	tick     time.Duration
	rng      *rand.Rand
	inputs   chan Intent
	done     chan struct{}

	// owned by the Run goroutine
	board         *Board
	feed          *ShapeFeed
	score         int
	lines         int
	status        PlayerStatus
	storeFailures int

	mu   sync.Mutex
	out  Broadcaster
	view PlayerView
}

// NewPlayerSession creates a session for a player already present in store.
func NewPlayerSession(code, id, username string, store DocStore, reporter ClearReporter, opts SessionOptions) *PlayerSession {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTickInterval
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := &PlayerSession{
		ID:       id,
		Username: username,
		Code:     code,
		store:    store,
		reporter: reporter,
		tick:     opts.Tick,
		rng:      opts.Rand,
		inputs:   make(chan Intent, inputBufSize),
		done:     make(chan struct{}),
		board:    NewBoard(),
		feed:     NewShapeFeed(NewShapeGenerator(opts.Rand)),
		status:   PlayerNotStarted,
	}
	s.view = PlayerView{ID: id, Username: username, Status: PlayerNotStarted}
	return s
}

// SetBroadcaster attaches (or with nil, detaches) the player's connection.
func (s *PlayerSession) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = b
}

// HandleInput queues a logical input for the next loop iteration. Inputs
// arriving faster than the loop drains them are dropped.
func (s *PlayerSession) HandleInput(in Intent) error {
	if !in.Valid() {
		return ErrInvalidDirection
	}
	select {
	case s.inputs <- in:
	default:
	}
	return nil
}

// View returns the last published snapshot.
func (s *PlayerSession) View() PlayerView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Done is closed when Run returns.
func (s *PlayerSession) Done() <-chan struct{} {
	return s.done
}

// Run drives the board until the player ends or ctx is cancelled.
func (s *PlayerSession) Run(ctx context.Context) {
	defer close(s.done)

	changes, unsubscribe := s.store.Subscribe(s.Code)
	defer unsubscribe()

	if err := s.begin(ctx); err != nil {
		if ctx.Err() == nil {
			reason := ReasonStoreError
			if errors.Is(err, ErrNotFound) {
				reason = ReasonLobbyGone
			}
			s.fail(reason, err)
		}
		return
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for s.status == PlayerOngoing {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step(ctx)
		case in := <-s.inputs:
			s.apply(ctx, in)
		case c, ok := <-changes:
			if ctx.Err() != nil {
				return
			}
			if !ok || c.Kind == ChangeDeleted {
				s.fail(ReasonLobbyGone, ErrNotFound)
				return
			}
			if c.Player == s.ID && (c.Kind == ChangeGarbage || c.Kind == ChangeShapes || c.Kind == ChangeStatus) {
				s.syncInbound(ctx)
			}
		}
	}
}

// begin moves the player NOT_STARTED -> ONGOING and spawns the first shape.
func (s *PlayerSession) begin(ctx context.Context) error {
	ok, err := s.store.CASPlayerStatus(ctx, s.Code, s.ID, PlayerNotStarted, PlayerOngoing)
	if err != nil {
		return err
	}
	if !ok {
		doc, err := s.store.GetPlayer(ctx, s.Code, s.ID)
		if err != nil {
			return err
		}
		if doc.Status == PlayerEnded {
			s.status = PlayerEnded
			return nil
		}
	}
	s.status = PlayerOngoing
	s.spawnNext(ctx)
	s.publish(ctx)
	return nil
}

// step is one gravity tick.
func (s *PlayerSession) step(ctx context.Context) {
	if s.status != PlayerOngoing {
		return
	}
	// Notifications can be dropped; polling here picks up anything missed.
	s.syncInbound(ctx)
	if s.status != PlayerOngoing {
		return
	}
	if s.board.Lower() == Landed {
		s.afterFreeze(ctx)
	}
	s.publish(ctx)
}

func (s *PlayerSession) apply(ctx context.Context, in Intent) {
	if s.status != PlayerOngoing {
		return
	}
	switch in {
	case IntentMoveLeft:
		s.board.Translate(Left)
	case IntentMoveRight:
		s.board.Translate(Right)
	case IntentSoftDrop:
		if s.board.Lower() == Landed {
			s.afterFreeze(ctx)
		}
	case IntentHardDrop:
		for s.board.Lower() == Moved {
		}
		s.afterFreeze(ctx)
	case IntentRotateCW:
		s.board.Rotate(Clockwise)
	case IntentRotateCCW:
		s.board.Rotate(CounterClockwise)
	default:
		return
	}
	s.publish(ctx)
}

// afterFreeze clears rows, reports them, and either ends the player or
// spawns the next shape.
func (s *PlayerSession) afterFreeze(ctx context.Context) {
	res := s.board.ClearCompletedRows()
	if n := len(res.Rows); n > 0 {
		s.score += res.Score
		s.lines += n
		if s.reporter != nil {
			s.reporter.ReportClear(ctx, s.ID, n)
		}
	}
	if s.board.IsTopped() {
		s.end(ctx, "topped out")
		return
	}
	s.spawnNext(ctx)
}

func (s *PlayerSession) spawnNext(ctx context.Context) {
	if _, err := s.feed.Merge(ctx, s.store, s.Code, s.ID); err != nil {
		s.storeError(ctx, err)
		if s.status != PlayerOngoing {
			return
		}
	}
	if err := s.board.Spawn(s.feed.Next()); err != nil {
		s.end(ctx, err.Error())
	}
}

// syncInbound pulls spectator shapes and garbage owed to this player.
func (s *PlayerSession) syncInbound(ctx context.Context) {
	if ctx.Err() != nil || s.status != PlayerOngoing {
		return
	}
	doc, err := s.store.GetPlayer(ctx, s.Code, s.ID)
	if err != nil {
		s.storeError(ctx, err)
		return
	}
	if doc.Status == PlayerEnded {
		// Ended from outside, e.g. the player left the lobby.
		s.status = PlayerEnded
		s.setViewStatus(PlayerEnded)
		return
	}
	if _, err := s.feed.mergeFrom(ctx, s.store, s.Code, s.ID, doc.PendingShapes); err != nil {
		s.storeError(ctx, err)
	}
	if doc.PendingGarbage > 0 {
		s.applyGarbage(ctx, doc.PendingGarbage)
	}
}

// applyGarbage acknowledges n rows in the store and then injects them. A
// failed acknowledgement injects nothing; the rows are picked up again on
// the next sync.
func (s *PlayerSession) applyGarbage(ctx context.Context, n int) {
	if err := s.store.AddGarbage(ctx, s.Code, s.ID, -n); err != nil {
		s.storeError(ctx, err)
		return
	}
	res := s.board.AddGarbage(n, s.rng)
	if res.Buried > 0 {
		s.board.freeze()
		s.end(ctx, "buried by garbage")
		return
	}
	s.publish(ctx)
}

// end moves the player to ENDED exactly once.
func (s *PlayerSession) end(ctx context.Context, why string) {
	if s.status == PlayerEnded {
		return
	}
	s.publish(ctx)
	s.status = PlayerEnded
	s.setViewStatus(PlayerEnded)
	if ctx.Err() != nil {
		return
	}
	if _, err := s.store.CASPlayerStatus(ctx, s.Code, s.ID, PlayerOngoing, PlayerEnded); err != nil {
		log.Printf("lobby %s: player %s end: %v", s.Code, s.ID, err)
	}
	log.Printf("lobby %s: player %s ended (%s) score=%d lines=%d", s.Code, s.ID, why, s.score, s.lines)
	s.sendView()
}

// publish stores the board snapshot and pushes it to the player.
func (s *PlayerSession) publish(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	grid := s.board.Grid()
	board := grid.Bytes()
	view := PlayerView{
		ID:       s.ID,
		Username: s.Username,
		Board:    board,
		Score:    s.score,
		Lines:    s.lines,
		Status:   s.status,
		QueueLen: s.feed.Len(),
		Next:     s.feed.Upcoming(previewCount),
	}
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()

	err := s.store.PublishBoard(ctx, s.Code, s.ID, BoardPatch{
		Board:    board,
		Score:    s.score,
		Lines:    s.lines,
		QueueLen: s.feed.Len(),
	})
	if err != nil {
		s.storeError(ctx, err)
	} else {
		s.storeFailures = 0
	}
	s.sendView()
}

func (s *PlayerSession) sendView() {
	s.mu.Lock()
	out, view := s.out, s.view
	s.mu.Unlock()
	if out == nil {
		return
	}
	data, err := encodeFrame(MsgBoard, view)
	if err != nil {
		log.Printf("board encode error: %v", err)
		return
	}
	out.SendBinary(data)
}

func (s *PlayerSession) setViewStatus(st PlayerStatus) {
	s.mu.Lock()
	s.view.Status = st
	s.mu.Unlock()
}

// storeError counts a failed store call. A vanished record, or too many
// failures in a row, is fatal.
func (s *PlayerSession) storeError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrNotFound) {
		s.fail(ReasonLobbyGone, err)
		return
	}
	s.storeFailures++
	log.Printf("lobby %s: player %s store error (%d/%d): %v", s.Code, s.ID, s.storeFailures, maxStoreFailures, err)
	if s.storeFailures >= maxStoreFailures {
		s.fail(ReasonStoreError, err)
	}
}

// fail stops the session and sends the player to the summary view. Unless
// the lobby is gone it also tries once to record ENDED in the store, on a
// context of its own since the loop's may be what failed. If that write is
// lost too, the coordinator ends the player once its board goes stale.
func (s *PlayerSession) fail(reason string, err error) {
	if s.status == PlayerEnded {
		return
	}
	s.status = PlayerEnded
	s.setViewStatus(PlayerEnded)
	log.Printf("lobby %s: player %s stopped: %v", s.Code, s.ID, err)
	if reason != ReasonLobbyGone {
		ctx, cancel := context.WithTimeout(context.Background(), failEndTimeout)
		for _, from := range []PlayerStatus{PlayerOngoing, PlayerNotStarted} {
			ok, err := s.store.CASPlayerStatus(ctx, s.Code, s.ID, from, PlayerEnded)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					log.Printf("lobby %s: player %s end after failure: %v", s.Code, s.ID, err)
				}
				break
			}
			if ok {
				break
			}
		}
		cancel()
	}
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out != nil {
		out.SendJSON(Envelope{T: MsgSummary, Data: SummaryMsg{Code: s.Code, Reason: reason}})
	}
}
