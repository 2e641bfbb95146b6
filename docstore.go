package main

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("record not found")

// LobbyStatus is the lobby lifecycle: OPEN -> FULL -> ONGOING -> END.
// FULL falls back to OPEN when a player leaves before the start.
type LobbyStatus string

const (
	LobbyOpen    LobbyStatus = "OPEN"
	LobbyFull    LobbyStatus = "FULL"
	LobbyOngoing LobbyStatus = "ONGOING"
	LobbyEnd     LobbyStatus = "END"
)

// PlayerStatus is the per-player lifecycle: NOT_STARTED -> ONGOING -> ENDED.
type PlayerStatus string

const (
	PlayerNotStarted PlayerStatus = "NOT_STARTED"
	PlayerOngoing    PlayerStatus = "ONGOING"
	PlayerEnded      PlayerStatus = "ENDED"
)

// PlayerSummary is the lobby document's view of one player.
type PlayerSummary struct {
	ID       string       `json:"id" msgpack:"id"`
	Username string       `json:"n" msgpack:"n"`
	Status   PlayerStatus `json:"st" msgpack:"st"`
	Score    int          `json:"sc" msgpack:"sc"`
}

// LobbyDoc is the shared lobby record.
type LobbyDoc struct {
	Code       string
	HostID     string
	Status     LobbyStatus
	Capacity   int
	Players    map[string]PlayerSummary
	Order      []string // player ids in join order
	Spectators []string
}

// PlayerDoc is the shared per-player record. The board is written only by
// the player's own session; everyone else reads it.
type PlayerDoc struct {
	ID             string
	Username       string
	AccountID      int64
	Board          []byte // Grid.Bytes, nil before the first publish
	Score          int
	Lines          int
	Status         PlayerStatus
	QueueLen       int
	PendingShapes  []Shape
	PendingGarbage int
	PublishedAt    time.Time // last accepted PublishBoard, zero before the first
}

// BoardPatch is what a session publishes after each board mutation.
type BoardPatch struct {
	Board    []byte
	Score    int
	Lines    int
	QueueLen int
}

// ChangeKind says which part of a document changed.
type ChangeKind int

const (
	ChangeLobby ChangeKind = iota
	ChangeMembership
	ChangeBoard
	ChangeStatus
	ChangeGarbage
	ChangeShapes
	ChangeDeleted
)

// Change is a push notification. It carries no data; subscribers re-read
// the document they care about.
type Change struct {
	Lobby  string
	Player string // empty for lobby-level changes
	Kind   ChangeKind
}

// DocStore is the shared, eventually consistent medium between sessions.
// Writers only issue small commutative deltas: counter increments,
// append/pop-N on the shape backlog, and compare-and-set on statuses.
type DocStore interface {
	CreateLobby(ctx context.Context, doc LobbyDoc) error
	GetLobby(ctx context.Context, code string) (LobbyDoc, error)
	DeleteLobby(ctx context.Context, code string) error
	CASLobbyStatus(ctx context.Context, code string, from, to LobbyStatus) (bool, error)

	AddPlayer(ctx context.Context, code string, doc PlayerDoc) error
	AddSpectator(ctx context.Context, code, id string) error
	RemoveMember(ctx context.Context, code, id string) error

	GetPlayer(ctx context.Context, code, id string) (PlayerDoc, error)
	ListPlayers(ctx context.Context, code string) ([]PlayerDoc, error)

	// PublishBoard stores a board snapshot. Score and lines never go
	// down, and writes to an ENDED player are dropped.
	PublishBoard(ctx context.Context, code, id string, patch BoardPatch) error
	CASPlayerStatus(ctx context.Context, code, id string, from, to PlayerStatus) (bool, error)

	// AddGarbage adds n (possibly negative) to the pending garbage counter,
	// flooring at zero.
	AddGarbage(ctx context.Context, code, id string, n int) error
	AppendShapes(ctx context.Context, code, id string, shapes ...Shape) error
	// PopShapes removes the first n pending shapes.
	PopShapes(ctx context.Context, code, id string, n int) error

	// Subscribe returns a channel of changes for one lobby and a function
	// that ends the subscription.
	Subscribe(code string) (<-chan Change, func())
}

const subscriberBuffer = 64

// notifier fans out change notifications. Sends never block: a subscriber
// that falls behind misses notifications and catches up on its next read.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan Change]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[chan Change]struct{})}
}

func (n *notifier) subscribe(code string) (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)
	n.mu.Lock()
	if n.subs[code] == nil {
		n.subs[code] = make(map[chan Change]struct{})
	}
	n.subs[code][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if set, ok := n.subs[code]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(n.subs, code)
				}
			}
		})
	}
}

func (n *notifier) publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[c.Lobby] {
		select {
		case ch <- c:
		default:
		}
	}
}

// closeLobby delivers a final ChangeDeleted and closes every subscription.
func (n *notifier) closeLobby(code string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[code] {
		select {
		case ch <- Change{Lobby: code, Kind: ChangeDeleted}:
		default:
		}
		close(ch)
	}
	delete(n.subs, code)
}
