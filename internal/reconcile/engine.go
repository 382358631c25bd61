// Package reconcile turns the stream of authoritative document pushes
// into local board state, a renderable view and discrete notifications.
// Nothing here trusts local memory across pushes: the board is rebuilt
// from scratch every time, and all displayed state derives from the
// latest document.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carogames/gomoku-session/internal/apperror"
	"github.com/carogames/gomoku-session/internal/entity"
	"github.com/carogames/gomoku-session/internal/gomoku"
	"github.com/carogames/gomoku-session/internal/session"
)

// ReactionWindow is how long a pushed reaction stays visible; anything
// older is treated as stale replay and dropped.
const ReactionWindow = 3 * time.Second

const channelBuffer = 32

// Event is a discrete notification derived from a document push.
type Event interface{ isEvent() }

// SeatInvalidatedEvent fires when another client has taken over this
// client's seat; the session is already torn down when it arrives.
type SeatInvalidatedEvent struct{}

// OpponentLeftEvent fires when the opponent's seat disappears while a
// game was in progress, as opposed to a room that was still waiting.
type OpponentLeftEvent struct {
	Seat entity.Seat
	Name string
}

// RoomClosedEvent fires when the room record itself disappears.
type RoomClosedEvent struct{}

type GameFinishedEvent struct {
	Winner      string
	WinningLine []gomoku.Coord
}

// RematchStartedEvent fires when a finished room flips back to playing.
type RematchStartedEvent struct{}

type ReactionEvent struct {
	Seat  entity.Seat
	Emoji string
}

func (SeatInvalidatedEvent) isEvent() {}
func (OpponentLeftEvent) isEvent()    {}
func (RoomClosedEvent) isEvent()      {}
func (GameFinishedEvent) isEvent()    {}
func (RematchStartedEvent) isEvent()  {}
func (ReactionEvent) isEvent()        {}

// Snapshot is the full renderable view derived from one document push.
type Snapshot struct {
	Version      int
	Status       string
	StatusText   string
	Turn         entity.Seat
	ActiveSeat   entity.Seat
	Winner       string
	Board        [][]gomoku.Stone
	LastMove     *entity.Move
	WinningLine  []gomoku.Coord
	Players      map[entity.Seat]string
	RematchVotes map[entity.Seat]bool
	Chat         []entity.ChatMessage
	Reactions    map[entity.Seat]entity.Reaction
}

type sessionClient interface {
	Updates() <-chan session.Update
	Latest() *entity.Room
	Seat() entity.Seat
	SubmitMove(ctx context.Context, row, col int) error
	ReportOutcome(ctx context.Context, winner string) error
	RequestRematch(ctx context.Context, wants bool) error
	ResetRoom(ctx context.Context) error
}

// Engine consumes one seated client's updates. Run it after the client
// is seated and read Snapshots/Events until it returns.
type Engine struct {
	logger *slog.Logger
	client sessionClient
	now    func() time.Time

	mu      sync.Mutex
	board   *gomoku.Board
	prev    *entity.Room
	version int

	snapshots chan Snapshot
	events    chan Event
}

func NewEngine(logger *slog.Logger, client sessionClient) *Engine {
	return &Engine{
		logger:    logger.With("component", "reconcile"),
		client:    client,
		now:       time.Now,
		board:     gomoku.NewBoard(),
		snapshots: make(chan Snapshot, channelBuffer),
		events:    make(chan Event, channelBuffer),
	}
}

func (that *Engine) Snapshots() <-chan Snapshot {
	return that.snapshots
}

func (that *Engine) Events() <-chan Event {
	return that.events
}

// Run reconciles pushes until the context ends, the room closes or the
// seat is invalidated. Seat invalidation is returned as an error because
// the caller must not keep acting as that seat.
func (that *Engine) Run(ctx context.Context) error {
	log := that.logger.With("method", "Run")
	updates := that.client.Updates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}

			if update.Err != nil {
				if errors.Is(update.Err, apperror.ErrSeatInvalidated) {
					that.emit(SeatInvalidatedEvent{})
					return update.Err
				}

				return fmt.Errorf("session update failed: %w", update.Err)
			}

			if update.Room == nil {
				that.emit(RoomClosedEvent{})
				return nil
			}

			that.reconcile(ctx, update.Room)
			log.Debug("document reconciled", "room", update.Room.ID, "status", update.Room.Status)
		}
	}
}

// PlaceStone is the local move-intent path: check the latest document
// (status and turn), place locally, and only then submit. An invalid
// intent is a silent no-op; the shared document is never touched.
// The local game-over check after a successful submit is what reports
// the outcome.
func (that *Engine) PlaceStone(ctx context.Context, row, col int) error {
	seat := that.client.Seat()

	// Terminal state is captured at placement time, under the same lock:
	// the next push rebuilds the board and would lose it.
	won, draw, err := that.placeLocally(row, col, seat)
	if err != nil {
		that.logger.Debug("move refused", "row", row, "col", col, "reason", err)
		return nil
	}

	if err = that.client.SubmitMove(ctx, row, col); err != nil {
		return fmt.Errorf("failed to submit move: %w", err)
	}

	switch {
	case won:
		return that.client.ReportOutcome(ctx, string(seat))
	case draw:
		return that.client.ReportOutcome(ctx, entity.WinnerDraw)
	}

	return nil
}

func (that *Engine) RequestRematch(ctx context.Context, wants bool) error {
	return that.client.RequestRematch(ctx, wants)
}

// placeLocally is the fetch-then-act check. It narrows, but cannot
// eliminate, the submit race: the document may still change between this
// check and the write landing.
func (that *Engine) placeLocally(row, col int, seat entity.Seat) (won, draw bool, err error) {
	room := that.client.Latest()
	if room == nil || !room.IsPlaying() {
		return false, false, fmt.Errorf("%w: game is not in progress", apperror.ErrInvalidMove)
	}

	if room.Turn != seat {
		return false, false, fmt.Errorf("%w: not this seat's turn", apperror.ErrInvalidMove)
	}

	that.mu.Lock()
	defer that.mu.Unlock()

	if !that.board.Place(row, col, gomoku.Stone(seat)) {
		return false, false, fmt.Errorf("%w: cell occupied or game over", apperror.ErrInvalidMove)
	}

	won = that.board.IsOver()
	draw = !won && that.board.CheckDraw()

	return won, draw, nil
}

func (that *Engine) reconcile(ctx context.Context, room *entity.Room) {
	that.mu.Lock()

	// Always rebuilt from scratch, never patched: a missed intermediate
	// push can then never leave the local grid out of sync.
	cells := make(map[string]gomoku.Stone, len(room.Board))
	for key, seat := range room.Board {
		cells[key] = gomoku.Stone(seat)
	}
	that.board.FromSparse(cells)

	var winningLine []gomoku.Coord
	if room.IsFinished() && entity.Seat(room.Winner).Valid() && room.LastMove != nil {
		if that.board.CheckWin(room.LastMove.Row, room.LastMove.Col, gomoku.Stone(room.Winner)) {
			winningLine = that.board.WinningLine()
		}
	}

	prev := that.prev
	that.prev = room
	that.version++
	snapshot := that.buildSnapshotLocked(room, winningLine)
	that.mu.Unlock()

	for _, event := range that.diff(prev, room, winningLine) {
		that.emit(event)
	}

	that.maybeReset(ctx, prev, room)

	that.snapshots <- snapshot
}

// diff derives discrete notifications from the previous and current
// documents.
func (that *Engine) diff(prev, room *entity.Room, winningLine []gomoku.Coord) []Event {
	var events []Event

	if prev != nil {
		opponent := that.client.Seat().Opponent()
		if prev.Occupied(opponent) && !room.Occupied(opponent) && !prev.IsWaiting() {
			events = append(events, OpponentLeftEvent{
				Seat: opponent,
				Name: prev.Player(opponent).Name,
			})
		}

		if !prev.IsFinished() && room.IsFinished() {
			events = append(events, GameFinishedEvent{Winner: room.Winner, WinningLine: winningLine})
		}

		if prev.IsFinished() && room.IsPlaying() {
			events = append(events, RematchStartedEvent{})
		}
	}

	for _, seat := range []entity.Seat{entity.SeatA, entity.SeatB} {
		reaction, ok := room.Reactions[seat]
		if !ok || !that.fresh(reaction) {
			continue
		}

		if prev == nil || prev.Reactions[seat].SentAt != reaction.SentAt {
			events = append(events, ReactionEvent{Seat: seat, Emoji: reaction.Emoji})
		}
	}

	return events
}

// maybeReset performs the rematch reset. Only the SeatA client writes
// it, an arbitrary tie-break that keeps the two clients from issuing
// conflicting resets at once.
func (that *Engine) maybeReset(ctx context.Context, prev, room *entity.Room) {
	if !room.IsFinished() || !room.BothWantRematch() {
		return
	}

	if that.client.Seat() != entity.SeatA {
		return
	}

	if prev != nil && prev.IsFinished() && prev.BothWantRematch() {
		// Already triggered on an earlier push.
		return
	}

	if err := that.client.ResetRoom(ctx); err != nil {
		that.logger.Error("failed to reset room for rematch", "error", err)
	}
}

func (that *Engine) buildSnapshotLocked(room *entity.Room, winningLine []gomoku.Coord) Snapshot {
	seat := that.client.Seat()

	players := make(map[entity.Seat]string)
	for s, rec := range room.Players {
		players[s] = rec.Name
	}

	rematch := make(map[entity.Seat]bool, len(room.Rematch))
	for s, wants := range room.Rematch {
		rematch[s] = wants
	}

	reactions := make(map[entity.Seat]entity.Reaction)
	for s, reaction := range room.Reactions {
		if that.fresh(reaction) {
			reactions[s] = reaction
		}
	}

	var activeSeat entity.Seat
	if room.IsPlaying() {
		activeSeat = room.Turn
	}

	return Snapshot{
		Version:      that.version,
		Status:       room.Status,
		StatusText:   statusText(room, seat),
		Turn:         room.Turn,
		ActiveSeat:   activeSeat,
		Winner:       room.Winner,
		Board:        that.board.Cells(),
		LastMove:     room.LastMove,
		WinningLine:  winningLine,
		Players:      players,
		RematchVotes: rematch,
		Chat:         room.Chat,
		Reactions:    reactions,
	}
}

// statusText derives display text purely from the document; cached turn
// state would be unreliable after a missed push.
func statusText(room *entity.Room, seat entity.Seat) string {
	switch {
	case room.IsWaiting():
		return "Waiting for opponent..."
	case room.IsPlaying() && room.Turn == seat:
		return "Your turn"
	case room.IsPlaying():
		return "Opponent's turn"
	case room.Winner == entity.WinnerDraw:
		return "Draw"
	case room.Winner == string(seat):
		return "You win!"
	default:
		return "Opponent wins"
	}
}

func (that *Engine) fresh(reaction entity.Reaction) bool {
	sent := time.UnixMilli(reaction.SentAt)
	return that.now().Sub(sent) <= ReactionWindow
}

func (that *Engine) emit(event Event) {
	that.events <- event
}
