// Package session implements the per-player room protocol: claiming a
// seat, pushing moves/chat/reactions as partial writes, and exposing the
// store's document pushes as decoded snapshots. There is no arbiter
// behind the store; every write here is designed to be self-contained
// because a concurrent writer can interleave at any field boundary.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carogames/gomoku-session/internal/apperror"
	"github.com/carogames/gomoku-session/internal/entity"
	"github.com/carogames/gomoku-session/internal/pkg"
	"github.com/carogames/gomoku-session/internal/store"
)

const (
	StateIdle   = "idle"
	StateSeated = "seated"
	StateLeft   = "left"
)

const roomKeyPrefix = "room:"

const updateBuffer = 32

// Update is one delivery on the Updates channel. Room is the decoded
// document; nil means the room record disappeared. A non-nil Err is
// terminal for the current seat (seat invalidated) and the client has
// already been torn down to idle when it arrives.
type Update struct {
	Room *entity.Room
	Err  error
}

// Client is one player's connection to a room. Idle until CreateRoom or
// JoinRoom seats it; a seat comes with a locally generated session token
// that every subsequent push is checked against.
type Client struct {
	logger *slog.Logger
	store  store.DocumentStore

	mu        sync.Mutex
	state     string
	roomID    string
	seat      entity.Seat
	token     string
	name      string
	latest        *entity.Room
	cancelSub     store.CancelFunc
	cancelCleanup store.CancelFunc
	updates       chan Update
}

func NewClient(logger *slog.Logger, docStore store.DocumentStore) *Client {
	return &Client{
		logger: logger.With("component", "session"),
		store:  docStore,
		state:  StateIdle,
	}
}

// CreateRoom generates a room id, seats the caller as SeatA and writes a
// fresh waiting document. The store refuses an already-taken id; that is
// surfaced as-is for the caller to re-attempt.
func (that *Client) CreateRoom(ctx context.Context, displayName string) (string, error) {
	if err := that.ensureUnseated(); err != nil {
		return "", err
	}

	roomID := pkg.GenerateRoomID()
	token := pkg.GenerateSessionToken()
	key := roomKey(roomID)

	fields := store.Fields{
		entity.PlayerPath(entity.SeatA): entity.PlayerRecord{Name: displayName, Token: token, Online: true},
		entity.PathStatus:               entity.StatusWaiting,
		entity.PathTurn:                 entity.SeatA,
	}

	if err := that.store.CreateRecord(ctx, key, fields); err != nil {
		if errors.Is(err, store.ErrRecordExists) {
			return "", fmt.Errorf("room %s: %w", roomID, apperror.ErrRoomAlreadyExists)
		}

		return "", fmt.Errorf("failed to create room: %w: %w", apperror.ErrStoreUnavailable, err)
	}

	if err := that.takeSeat(roomID, entity.SeatA, token, displayName); err != nil {
		return "", err
	}

	that.logger.Info("room created", "room", roomID, "seat", entity.SeatA)

	return roomID, nil
}

// JoinRoom occupies the first open seat of an existing room. If this
// fills the second seat, the same partial update flips the room to
// playing.
func (that *Client) JoinRoom(ctx context.Context, roomID, displayName string) (entity.Seat, error) {
	if err := that.ensureUnseated(); err != nil {
		return "", err
	}

	key := roomKey(roomID)

	snap, err := that.store.Read(ctx, key)
	if errors.Is(err, store.ErrRecordNotFound) {
		return "", fmt.Errorf("room %s: %w", roomID, apperror.ErrRoomNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read room: %w: %w", apperror.ErrStoreUnavailable, err)
	}

	room := entity.DecodeRoom(roomID, snap)

	seat, open := room.OpenSeat()
	if !open {
		return "", fmt.Errorf("room %s: %w", roomID, apperror.ErrRoomFull)
	}

	token := pkg.GenerateSessionToken()
	fields := store.Fields{
		entity.PlayerPath(seat): entity.PlayerRecord{Name: displayName, Token: token, Online: true},
	}

	// Taking the last open seat starts the game in the same write.
	if room.OccupiedCount() == 1 {
		fields[entity.PathStatus] = entity.StatusPlaying
	}

	if err = that.store.PartialUpdate(ctx, key, fields); err != nil {
		return "", fmt.Errorf("failed to join room: %w: %w", apperror.ErrStoreUnavailable, err)
	}

	if err = that.takeSeat(roomID, seat, token, displayName); err != nil {
		return "", err
	}

	that.logger.Info("room joined", "room", roomID, "seat", seat)

	return seat, nil
}

// Updates returns the snapshot channel for the current seat. It is
// (re)created by CreateRoom/JoinRoom; call it after seating.
func (that *Client) Updates() <-chan Update {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.updates
}

// SubmitMove writes the cell, the turn flip and the last-move marker as
// one self-contained update. The caller is responsible for having
// validated the move locally; the store will happily accept anything.
func (that *Client) SubmitMove(ctx context.Context, row, col int) error {
	seat, key, err := that.seated()
	if err != nil {
		return err
	}

	fields := store.Fields{
		entity.CellPath(row, col): seat,
		entity.PathTurn:           seat.Opponent(),
		entity.PathLastMove:       entity.Move{Row: row, Col: col, Seat: seat},
	}

	return that.write(ctx, key, fields, "submit move")
}

// ReportOutcome marks the game finished. Winner is a seat id or
// entity.WinnerDraw.
func (that *Client) ReportOutcome(ctx context.Context, winner string) error {
	_, key, err := that.seated()
	if err != nil {
		return err
	}

	fields := store.Fields{
		entity.PathStatus: entity.StatusFinished,
		entity.PathWinner: winner,
	}

	return that.write(ctx, key, fields, "report outcome")
}

func (that *Client) RequestRematch(ctx context.Context, wants bool) error {
	seat, key, err := that.seated()
	if err != nil {
		return err
	}

	return that.write(ctx, key, store.Fields{entity.RematchPath(seat): wants}, "request rematch")
}

// ResetRoom starts a fresh game in the same room. Only the SeatA client
// performs this once both rematch flags are up; the tie-break is
// arbitrary but prevents two concurrent resets.
func (that *Client) ResetRoom(ctx context.Context) error {
	_, key, err := that.seated()
	if err != nil {
		return err
	}

	fields := store.Fields{
		entity.PathBoard:     nil,
		entity.PathStatus:    entity.StatusPlaying,
		entity.PathTurn:      entity.SeatA,
		entity.PathWinner:    nil,
		entity.PathLastMove:  nil,
		entity.PathRematch:   nil,
		entity.PathChat:      nil,
		entity.PathReactions: nil,
	}

	return that.write(ctx, key, fields, "reset room")
}

func (that *Client) SendChatMessage(ctx context.Context, text string) error {
	seat, key, err := that.seated()
	if err != nil {
		return err
	}

	that.mu.Lock()
	name := that.name
	that.mu.Unlock()

	msg := entity.ChatMessage{
		Seat:   seat,
		Name:   name,
		Text:   text,
		SentAt: time.Now().UnixMilli(),
	}

	return that.write(ctx, key, store.Fields{entity.ChatPath(pkg.GenerateChatKey()): msg}, "send chat message")
}

// SendReaction overwrites the seat's reaction slot; reactions are
// ephemeral and superseded by the next one.
func (that *Client) SendReaction(ctx context.Context, emoji string) error {
	seat, key, err := that.seated()
	if err != nil {
		return err
	}

	reaction := entity.Reaction{
		Emoji:  emoji,
		SentAt: time.Now().UnixMilli(),
	}

	return that.write(ctx, key, store.Fields{entity.ReactionPath(seat): reaction}, "send reaction")
}

// LeaveRoom vacates the seat. If a game was in progress or finished, the
// same write resets the room to a waiting lobby for whoever stays; if
// the seat was the last one occupied, the record is deleted instead.
func (that *Client) LeaveRoom(ctx context.Context) error {
	that.mu.Lock()
	if that.state != StateSeated {
		that.mu.Unlock()
		return apperror.ErrNotSeated
	}

	seat := that.seat
	roomID := that.roomID
	latest := that.latest
	cancel := that.cancelSub
	cancelCleanup := that.cancelCleanup

	that.state = StateLeft
	that.cancelSub = nil
	that.cancelCleanup = nil
	that.latest = nil
	that.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancelCleanup != nil {
		cancelCleanup()
	}

	key := roomKey(roomID)

	if latest != nil && !latest.Occupied(seat.Opponent()) {
		if err := that.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete room: %w: %w", apperror.ErrStoreUnavailable, err)
		}

		that.logger.Info("room deleted on last leave", "room", roomID)

		return nil
	}

	fields := store.Fields{entity.PlayerPath(seat): nil}
	if latest != nil && !latest.IsWaiting() {
		fields[entity.PathStatus] = entity.StatusWaiting
		fields[entity.PathBoard] = nil
		fields[entity.PathWinner] = nil
		fields[entity.PathRematch] = nil
		fields[entity.PathLastMove] = nil
		fields[entity.PathTurn] = entity.SeatA
	}

	if err := that.store.PartialUpdate(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to leave room: %w: %w", apperror.ErrStoreUnavailable, err)
	}

	that.logger.Info("room left", "room", roomID, "seat", seat)

	return nil
}

func (that *Client) State() string {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.state
}

func (that *Client) Seat() entity.Seat {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.seat
}

func (that *Client) RoomID() string {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.roomID
}

// Latest returns the most recently pushed document, the basis for
// fetch-then-act move validation.
func (that *Client) Latest() *entity.Room {
	that.mu.Lock()
	defer that.mu.Unlock()

	return that.latest
}

func (that *Client) ensureUnseated() error {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.state == StateSeated {
		return fmt.Errorf("already seated in room %s: cannot take another seat", that.roomID)
	}

	return nil
}

// takeSeat flips the client to seated and subscribes to the document.
// The disconnect cleanup registered here is what vacates the seat if the
// process dies without a graceful leave.
func (that *Client) takeSeat(roomID string, seat entity.Seat, token, displayName string) error {
	key := roomKey(roomID)

	cancelCleanup := that.store.RegisterDisconnectCleanup(key, store.Fields{entity.PlayerPath(seat): nil})

	that.mu.Lock()
	that.state = StateSeated
	that.roomID = roomID
	that.seat = seat
	that.token = token
	that.name = displayName
	that.latest = nil
	that.cancelCleanup = cancelCleanup
	that.updates = make(chan Update, updateBuffer)
	that.mu.Unlock()

	cancel, err := that.store.Subscribe(context.Background(), key, that.handlePush)
	if err != nil {
		that.mu.Lock()
		that.state = StateIdle
		that.cancelCleanup = nil
		that.mu.Unlock()
		cancelCleanup()

		return fmt.Errorf("failed to subscribe to room: %w: %w", apperror.ErrStoreUnavailable, err)
	}

	that.mu.Lock()
	that.cancelSub = cancel
	that.mu.Unlock()

	return nil
}

// handlePush runs on the store's delivery goroutine for every document
// change, own writes included.
func (that *Client) handlePush(snap store.Snapshot) {
	that.mu.Lock()
	if that.state != StateSeated {
		that.mu.Unlock()
		return
	}

	roomID := that.roomID
	seat := that.seat
	token := that.token
	updates := that.updates
	that.mu.Unlock()

	if len(snap) == 0 {
		updates <- Update{Room: nil}
		return
	}

	room := entity.DecodeRoom(roomID, snap)

	// Seat-takeover guard: a differing token means another client has
	// claimed this seat since our last observation. Acting further would
	// corrupt the shared document, so tear down first, then surface it.
	if rec := room.Player(seat); rec != nil && rec.Token != token {
		that.invalidateSeat(roomID, seat)
		updates <- Update{Err: apperror.ErrSeatInvalidated}

		return
	}

	that.mu.Lock()
	that.latest = room
	that.mu.Unlock()

	updates <- Update{Room: room}
}

func (that *Client) invalidateSeat(roomID string, seat entity.Seat) {
	that.mu.Lock()
	cancel := that.cancelSub
	cancelCleanup := that.cancelCleanup
	that.state = StateIdle
	that.cancelSub = nil
	that.cancelCleanup = nil
	that.latest = nil
	that.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// The seat belongs to someone else now; the registered cleanup must
	// not fire and vacate them.
	if cancelCleanup != nil {
		cancelCleanup()
	}

	that.logger.Warn("seat invalidated", "room", roomID, "seat", seat)
}

func (that *Client) seated() (entity.Seat, string, error) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.state != StateSeated {
		return "", "", apperror.ErrNotSeated
	}

	return that.seat, roomKey(that.roomID), nil
}

func (that *Client) write(ctx context.Context, key string, fields store.Fields, op string) error {
	if err := that.store.PartialUpdate(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to %s: %w: %w", op, apperror.ErrStoreUnavailable, err)
	}

	return nil
}

func roomKey(roomID string) string {
	return roomKeyPrefix + roomID
}
