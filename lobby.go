package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	DefaultLobbyCapacity  = 8
	MaxLobbyCapacity      = 16
	DefaultSubmitCooldown = 10 * time.Second
	broadcastInterval     = 100 * time.Millisecond // lobby view fan-out, coalesced
	finishPollInterval    = 2 * time.Second
	stallTicks            = 10 // ticks without a board publish before a player is ended
	minStallTimeout       = time.Second
)

var (
	ErrLobbyFull     = errors.New("lobby is full")
	ErrNotHost       = errors.New("only the host can do that")
	ErrBadStatus     = errors.New("not allowed in the current lobby state")
	ErrNoPlayers     = errors.New("lobby has no players")
	ErrUnknownMember = errors.New("not a member of this lobby")
	ErrLobbyClosed   = errors.New("lobby closed")
)

// LobbyConfig holds per-lobby settings
type LobbyConfig struct {
	Capacity       int
	Tick           time.Duration
	SubmitCooldown time.Duration
}

func (c LobbyConfig) withDefaults() LobbyConfig {
	if c.Capacity <= 0 {
		c.Capacity = DefaultLobbyCapacity
	}
	c.Capacity = min(c.Capacity, MaxLobbyCapacity)
	if c.Tick <= 0 {
		c.Tick = DefaultTickInterval
	}
	if c.SubmitCooldown <= 0 {
		c.SubmitCooldown = DefaultSubmitCooldown
	}
	return c
}

type member struct {
	id        string
	name      string
	role      string
	accountID int64
	out       Broadcaster
	session   *PlayerSession // players only
}

// Lobby coordinates one group of players and spectators: membership, the
// OPEN -> FULL -> ONGOING -> END lifecycle, garbage fan-out and end
// detection. It acts as the host's coordinator; only it moves the lobby to
// END, through a compare-and-set on the shared record.
type Lobby struct {
	Code string

	cfg       LobbyConfig
	store     DocStore
	recorder  ResultRecorder
	analytics *Analytics
	window    *SubmitWindow

	mu         sync.Mutex
	hostID     string
	hostGone   bool
	members    map[string]*member
	startedAt  time.Time
	gameCancel context.CancelFunc
	closed     bool

	stop     chan struct{}
	loops    sync.WaitGroup // watch loop
	sessions sync.WaitGroup // player loops

	onClose func(code string)
}

// OpenLobby creates the shared lobby record and starts the coordinator loop.
func OpenLobby(ctx context.Context, code, hostID string, store DocStore, cfg LobbyConfig, recorder ResultRecorder, analytics *Analytics) (*Lobby, error) {
	cfg = cfg.withDefaults()
	err := store.CreateLobby(ctx, LobbyDoc{
		Code:     code,
		HostID:   hostID,
		Status:   LobbyOpen,
		Capacity: cfg.Capacity,
	})
	if err != nil {
		return nil, err
	}
	l := &Lobby{
		Code:      code,
		cfg:       cfg,
		store:     store,
		recorder:  recorder,
		analytics: analytics,
		window:    NewSubmitWindow(cfg.SubmitCooldown),
		hostID:    hostID,
		members:   make(map[string]*member),
		stop:      make(chan struct{}),
	}
	changes, unsubscribe := store.Subscribe(code)
	l.loops.Add(1)
	go l.watch(changes, unsubscribe)
	analytics.Track(EvtLobbyCreated, 0, code, "")
	return l, nil
}

// OnClose registers fn to be called once after the lobby is torn down
func (l *Lobby) OnClose(fn func(code string)) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

// HostID returns the id of the member who created the lobby
func (l *Lobby) HostID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hostID
}

// Join adds a member. Players may only join while the lobby is OPEN;
// spectators may join until the game ends.
func (l *Lobby) Join(ctx context.Context, id, name, role string, accountID int64, out Broadcaster) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLobbyClosed
	}
	if _, dup := l.members[id]; dup {
		return fmt.Errorf("member %s already joined", id)
	}
	doc, err := l.store.GetLobby(ctx, l.Code)
	if err != nil {
		return err
	}

	name = l.seatNameLocked(name, role)
	m := &member{id: id, name: name, role: role, accountID: accountID, out: out}
	switch role {
	case RolePlayer:
		switch doc.Status {
		case LobbyOpen:
		case LobbyFull:
			return ErrLobbyFull
		default:
			return ErrBadStatus
		}
		err := l.store.AddPlayer(ctx, l.Code, PlayerDoc{
			ID:        id,
			Username:  name,
			AccountID: accountID,
			Status:    PlayerNotStarted,
		})
		if err != nil {
			return err
		}
		m.session = NewPlayerSession(l.Code, id, name, l.store, l, SessionOptions{Tick: l.cfg.Tick})
		m.session.SetBroadcaster(out)
		if len(doc.Order)+1 >= l.cfg.Capacity {
			if _, err := l.store.CASLobbyStatus(ctx, l.Code, LobbyOpen, LobbyFull); err != nil {
				log.Printf("lobby %s: mark full: %v", l.Code, err)
			}
		}
	case RoleSpectator:
		if doc.Status == LobbyEnd {
			return ErrBadStatus
		}
		if err := l.store.AddSpectator(ctx, l.Code, id); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	l.members[id] = m
	log.Printf("lobby %s: %s %s (%s) joined", l.Code, role, id, name)
	return nil
}

// seatNameLocked keeps member names unique within the lobby. An empty name
// becomes "Player N" or "Spectator N"; a taken one gets a number appended.
func (l *Lobby) seatNameLocked(name, role string) string {
	taken := make(map[string]bool, len(l.members))
	for _, m := range l.members {
		taken[m.name] = true
	}
	if name != "" && !taken[name] {
		return name
	}
	n := 2
	if name == "" {
		name, n = "Player", 1
		if role == RoleSpectator {
			name = "Spectator"
		}
	}
	for ; ; n++ {
		if candidate := fmt.Sprintf("%s %d", name, n); !taken[candidate] {
			return candidate
		}
	}
}

// MemberName returns the name a member got when joining, or "".
func (l *Lobby) MemberName(id string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.members[id]; ok {
		return m.name
	}
	return ""
}

// Start moves the lobby to ONGOING and starts every player's loop.
func (l *Lobby) Start(ctx context.Context, by string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLobbyClosed
	}
	if by != l.hostID {
		return ErrNotHost
	}
	doc, err := l.store.GetLobby(ctx, l.Code)
	if err != nil {
		return err
	}
	if doc.Status != LobbyOpen && doc.Status != LobbyFull {
		return ErrBadStatus
	}
	if len(doc.Order) == 0 {
		return ErrNoPlayers
	}
	ok, err := l.store.CASLobbyStatus(ctx, l.Code, doc.Status, LobbyOngoing)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadStatus
	}

	gameCtx, cancel := context.WithCancel(context.Background())
	l.gameCancel = cancel
	l.startedAt = time.Now()
	for _, m := range l.members {
		if m.session == nil {
			continue
		}
		l.sessions.Add(1)
		go func(s *PlayerSession) {
			defer l.sessions.Done()
			s.Run(gameCtx)
		}(m.session)
	}
	log.Printf("lobby %s: started with %d players", l.Code, len(doc.Order))
	l.analytics.Track(EvtGameStart, 0, l.Code, fmt.Sprintf(`{"players":%d}`, len(doc.Order)))
	return nil
}

// ReportClear sends rows garbage rows to every other player still in the
// game. Increments are additive, so concurrent reporters never conflict.
func (l *Lobby) ReportClear(ctx context.Context, from string, rows int) {
	if rows <= 0 {
		return
	}
	players, err := l.store.ListPlayers(ctx, l.Code)
	if err != nil {
		log.Printf("lobby %s: garbage fan-out: %v", l.Code, err)
		return
	}
	sent := 0
	for _, p := range players {
		if p.ID == from || p.Status == PlayerEnded {
			continue
		}
		if err := l.store.AddGarbage(ctx, l.Code, p.ID, rows); err != nil {
			log.Printf("lobby %s: garbage to %s: %v", l.Code, p.ID, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		l.analytics.Track(EvtGarbageSent, 0, l.Code, fmt.Sprintf(`{"from":%q,"rows":%d,"targets":%d}`, from, rows, sent))
	}
}

// HandleInput forwards a player's intent to their session.
func (l *Lobby) HandleInput(playerID string, in Intent) error {
	l.mu.Lock()
	m := l.members[playerID]
	l.mu.Unlock()
	if m == nil || m.session == nil {
		return ErrUnknownMember
	}
	return m.session.HandleInput(in)
}

// SubmitShape validates a spectator's sketch and appends it to the target
// player's shared backlog.
func (l *Lobby) SubmitShape(ctx context.Context, spectatorID, target string, w Widget) (Shape, error) {
	l.mu.Lock()
	m := l.members[spectatorID]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrLobbyClosed
	}
	if m == nil || m.role != RoleSpectator {
		return nil, ErrUnknownMember
	}

	shape, err := w.ConvertToShape()
	if err != nil {
		return nil, err
	}
	p, err := l.store.GetPlayer(ctx, l.Code, target)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnknownMember
	}
	if err != nil {
		return nil, err
	}
	if p.Status == PlayerEnded {
		return nil, ErrPlayerEnded
	}
	if err := l.window.Take(spectatorID); err != nil {
		return nil, err
	}
	if err := l.store.AppendShapes(ctx, l.Code, target, shape); err != nil {
		l.window.Release(spectatorID)
		return nil, err
	}
	l.analytics.Track(EvtShapeSubmitted, m.accountID, l.Code, fmt.Sprintf(`{"target":%q,"cells":%d}`, target, len(shape)))
	return shape, nil
}

// SubmitRemaining is the spectator's time until the next submission.
func (l *Lobby) SubmitRemaining(spectatorID string) time.Duration {
	return l.window.Remaining(spectatorID)
}

// Leave removes a member. A player leaving mid-game ends their game. The
// host leaving before the start, or the last member leaving, closes the
// lobby; a host who leaves mid-game closes it as soon as the game ends.
func (l *Lobby) Leave(ctx context.Context, id string) {
	l.mu.Lock()
	m, ok := l.members[id]
	if !ok || l.closed {
		l.mu.Unlock()
		return
	}
	delete(l.members, id)
	isHost := id == l.hostID
	if isHost {
		l.hostGone = true
	}
	remaining := len(l.members)

	doc, err := l.store.GetLobby(ctx, l.Code)
	if err != nil {
		l.mu.Unlock()
		log.Printf("lobby %s: leave %s: %v", l.Code, id, err)
		return
	}
	switch {
	case m.session != nil && doc.Status == LobbyOngoing:
		m.session.SetBroadcaster(nil)
		for _, from := range []PlayerStatus{PlayerOngoing, PlayerNotStarted} {
			if _, err := l.store.CASPlayerStatus(ctx, l.Code, id, from, PlayerEnded); err != nil {
				log.Printf("lobby %s: end leaving player %s: %v", l.Code, id, err)
				break
			}
		}
	case doc.Status == LobbyOpen || doc.Status == LobbyFull:
		if err := l.store.RemoveMember(ctx, l.Code, id); err != nil {
			log.Printf("lobby %s: remove %s: %v", l.Code, id, err)
		}
		if m.session != nil && doc.Status == LobbyFull {
			if _, err := l.store.CASLobbyStatus(ctx, l.Code, LobbyFull, LobbyOpen); err != nil {
				log.Printf("lobby %s: reopen after %s left: %v", l.Code, id, err)
			}
		}
	case m.role == RoleSpectator && doc.Status == LobbyOngoing:
		if err := l.store.RemoveMember(ctx, l.Code, id); err != nil {
			log.Printf("lobby %s: remove %s: %v", l.Code, id, err)
		}
	}
	if m.role == RoleSpectator {
		l.window.Release(id)
	}
	l.mu.Unlock()
	log.Printf("lobby %s: %s left", l.Code, id)

	switch {
	case remaining == 0:
		l.Close(ctx, "")
	case isHost && doc.Status != LobbyOngoing:
		l.Close(ctx, ReasonHostLeft)
	}
}

// watch is the coordinator loop: fan out lobby views and detect the end of
// the game.
func (l *Lobby) watch(changes <-chan Change, unsubscribe func()) {
	defer l.loops.Done()
	defer unsubscribe()

	broadcast := time.NewTicker(broadcastInterval)
	defer broadcast.Stop()
	poll := time.NewTicker(min(finishPollInterval, l.cfg.Tick))
	defer poll.Stop()

	ctx := context.Background()
	dirty := true
	for {
		select {
		case <-l.stop:
			return
		case c, ok := <-changes:
			if !ok || c.Kind == ChangeDeleted {
				go l.Close(ctx, ReasonLobbyGone)
				return
			}
			dirty = true
			if c.Kind == ChangeStatus || c.Kind == ChangeLobby || c.Kind == ChangeMembership {
				l.checkFinished(ctx)
			}
		case <-poll.C:
			l.endStalled(ctx)
			l.checkFinished(ctx)
		case <-broadcast.C:
			if dirty {
				l.broadcastView(ctx)
				dirty = false
			}
		}
	}
}

// checkFinished ends the game once every player is ENDED. The CAS on the
// lobby status makes the transition happen once even if several observers
// race.
func (l *Lobby) checkFinished(ctx context.Context) {
	doc, err := l.store.GetLobby(ctx, l.Code)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("lobby %s: check finished: %v", l.Code, err)
		}
		return
	}
	if doc.Status != LobbyOngoing || len(doc.Players) == 0 {
		return
	}
	for _, p := range doc.Players {
		if p.Status != PlayerEnded {
			return
		}
	}
	ok, err := l.store.CASLobbyStatus(ctx, l.Code, LobbyOngoing, LobbyEnd)
	if err != nil || !ok {
		return
	}
	l.finish(ctx)
}

// stallTimeout is how long a running player may go without publishing its
// board.
func (l *Lobby) stallTimeout() time.Duration {
	return max(stallTicks*l.cfg.Tick, minStallTimeout)
}

// endStalled ends players whose session stopped publishing without managing
// to record ENDED itself, so one dead session cannot hold the lobby in
// ONGOING.
func (l *Lobby) endStalled(ctx context.Context) {
	l.mu.Lock()
	started := l.startedAt
	l.mu.Unlock()
	if started.IsZero() {
		return
	}
	players, err := l.store.ListPlayers(ctx, l.Code)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("lobby %s: stall check: %v", l.Code, err)
		}
		return
	}
	timeout := l.stallTimeout()
	for _, p := range players {
		if p.Status == PlayerEnded {
			continue
		}
		last := started
		if p.PublishedAt.After(last) {
			last = p.PublishedAt
		}
		if time.Since(last) < timeout {
			continue
		}
		ok, err := l.store.CASPlayerStatus(ctx, l.Code, p.ID, p.Status, PlayerEnded)
		if err != nil {
			log.Printf("lobby %s: end stalled player %s: %v", l.Code, p.ID, err)
			continue
		}
		if ok {
			log.Printf("lobby %s: player %s ended, no board update for %s", l.Code, p.ID, time.Since(last).Round(time.Millisecond))
		}
	}
}

func (l *Lobby) finish(ctx context.Context) {
	l.mu.Lock()
	cancel := l.gameCancel
	started := l.startedAt
	hostGone := l.hostGone
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	players, err := l.store.ListPlayers(ctx, l.Code)
	if err != nil {
		log.Printf("lobby %s: final standings: %v", l.Code, err)
	}
	standings := Rank(players)
	duration := time.Since(started)
	log.Printf("lobby %s: game over after %s", l.Code, duration.Round(time.Second))
	if l.recorder != nil {
		l.recorder.RecordGame(l.Code, duration, standings)
	}
	l.analytics.Track(EvtGameEnd, 0, l.Code, fmt.Sprintf(`{"players":%d,"seconds":%.0f}`, len(standings), duration.Seconds()))

	l.broadcastView(ctx)
	results := make([]ResultEntry, len(standings))
	for i, s := range standings {
		results[i] = s.ResultEntry
	}
	l.sendAll(Envelope{T: MsgSummary, Data: SummaryMsg{Code: l.Code, Reason: ReasonGameOver, Results: results}})

	if hostGone {
		go l.Close(context.Background(), "")
	}
}

// broadcastView sends the lobby snapshot to every member.
func (l *Lobby) broadcastView(ctx context.Context) {
	view, err := l.View(ctx)
	if err != nil {
		return
	}
	data, err := encodeFrame(MsgLobby, view)
	if err != nil {
		log.Printf("lobby %s: encode view: %v", l.Code, err)
		return
	}
	for _, out := range l.outs() {
		out.SendBinary(data)
	}
}

// View builds the lobby snapshot from the shared store.
func (l *Lobby) View(ctx context.Context) (LobbyView, error) {
	doc, err := l.store.GetLobby(ctx, l.Code)
	if err != nil {
		return LobbyView{}, err
	}
	players, err := l.store.ListPlayers(ctx, l.Code)
	if err != nil {
		return LobbyView{}, err
	}
	view := LobbyView{
		Code:       doc.Code,
		HostID:     doc.HostID,
		Status:     doc.Status,
		Capacity:   doc.Capacity,
		Players:    make([]PlayerView, 0, len(players)),
		Spectators: len(doc.Spectators),
	}
	for _, p := range players {
		view.Players = append(view.Players, PlayerView{
			ID:             p.ID,
			Username:       p.Username,
			Board:          p.Board,
			Score:          p.Score,
			Lines:          p.Lines,
			Status:         p.Status,
			QueueLen:       p.QueueLen + len(p.PendingShapes),
			PendingGarbage: p.PendingGarbage,
		})
	}
	return view, nil
}

func (l *Lobby) outs() []Broadcaster {
	l.mu.Lock()
	defer l.mu.Unlock()
	outs := make([]Broadcaster, 0, len(l.members))
	for _, m := range l.members {
		if m.out != nil {
			outs = append(outs, m.out)
		}
	}
	return outs
}

func (l *Lobby) sendAll(msg Envelope) {
	for _, out := range l.outs() {
		out.SendJSON(msg)
	}
}

// Closed reports whether the lobby has been torn down
func (l *Lobby) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// MemberCount returns players and spectators currently connected
func (l *Lobby) MemberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.members)
}

// Close tears the lobby down: stops every loop, tells remaining members
// why (if reason is set) and deletes the shared record.
func (l *Lobby) Close(ctx context.Context, reason string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancel := l.gameCancel
	onClose := l.onClose
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(l.stop)
	if reason != "" {
		l.sendAll(Envelope{T: MsgSummary, Data: SummaryMsg{Code: l.Code, Reason: reason}})
	}
	l.sessions.Wait()
	l.loops.Wait()

	if err := l.store.DeleteLobby(ctx, l.Code); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("lobby %s: delete: %v", l.Code, err)
	}
	log.Printf("lobby %s: closed", l.Code)
	if onClose != nil {
		onClose(l.Code)
	}
}

// Standing is one player's final result
type Standing struct {
	ResultEntry
	AccountID int64
}

// Rank orders players by score, then lines, then join order.
func Rank(players []PlayerDoc) []Standing {
	out := make([]Standing, len(players))
	for i, p := range players {
		out[i] = Standing{
			ResultEntry: ResultEntry{ID: p.ID, Username: p.Username, Score: p.Score, Lines: p.Lines},
			AccountID:   p.AccountID,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Lines > out[j].Lines
	})
	for i := range out {
		out[i].Placement = i + 1
	}
	return out
}
