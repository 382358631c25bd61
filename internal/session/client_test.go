package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carogames/gomoku-session/internal/apperror"
	"github.com/carogames/gomoku-session/internal/entity"
	"github.com/carogames/gomoku-session/internal/store"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readRoom(t *testing.T, docStore store.DocumentStore, roomID string) *entity.Room {
	t.Helper()

	snap, err := docStore.Read(context.Background(), "room:"+roomID)
	require.NoError(t, err)

	return entity.DecodeRoom(roomID, snap)
}

// waitLatest blocks until the client's latest pushed document satisfies
// the predicate.
func waitLatest(t *testing.T, client *Client, pred func(*entity.Room) bool) {
	t.Helper()

	require.Eventually(t, func() bool {
		room := client.Latest()
		return room != nil && pred(room)
	}, waitFor, tick)
}

func TestClient_CreateRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("Creates a waiting room and seats the caller as SeatA", func(t *testing.T) {
		// Given: an idle client
		docStore := store.NewMemory()
		alice := NewClient(testLogger(), docStore)

		// When: creating a room
		roomID, err := alice.CreateRoom(ctx, "alice")
		require.NoError(t, err)

		// Then: a 4-digit id, a seated client and a waiting document
		assert.Len(t, roomID, 4)
		assert.Equal(t, StateSeated, alice.State())
		assert.Equal(t, entity.SeatA, alice.Seat())

		room := readRoom(t, docStore, roomID)
		require.NotNil(t, room.Player(entity.SeatA))
		assert.Equal(t, "alice", room.Player(entity.SeatA).Name)
		assert.NotEmpty(t, room.Player(entity.SeatA).Token)
		assert.True(t, room.IsWaiting())
		assert.Equal(t, entity.SeatA, room.Turn)
		assert.Empty(t, room.Board)
	})

	t.Run("Refuses a second seat while already seated", func(t *testing.T) {
		docStore := store.NewMemory()
		alice := NewClient(testLogger(), docStore)

		_, err := alice.CreateRoom(ctx, "alice")
		require.NoError(t, err)

		_, err = alice.CreateRoom(ctx, "alice")
		assert.Error(t, err)
	})
}

func TestClient_JoinRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("Fails with RoomNotFound for an absent room", func(t *testing.T) {
		docStore := store.NewMemory()
		bob := NewClient(testLogger(), docStore)

		_, err := bob.JoinRoom(ctx, "0000", "bob")

		assert.ErrorIs(t, err, apperror.ErrRoomNotFound)
	})

	t.Run("Second join fills the room and starts the game", func(t *testing.T) {
		// Given: a freshly created room
		docStore := store.NewMemory()
		alice := NewClient(testLogger(), docStore)
		roomID, err := alice.CreateRoom(ctx, "alice")
		require.NoError(t, err)

		// When: bob joins
		bob := NewClient(testLogger(), docStore)
		seat, err := bob.JoinRoom(ctx, roomID, "bob")
		require.NoError(t, err)

		// Then: bob holds SeatB and the same write flipped the room to playing
		assert.Equal(t, entity.SeatB, seat)

		room := readRoom(t, docStore, roomID)
		assert.True(t, room.IsPlaying())
		assert.Equal(t, 2, room.OccupiedCount())
		assert.Equal(t, "bob", room.Player(entity.SeatB).Name)
	})

	t.Run("Fails with RoomFull once both seats are taken", func(t *testing.T) {
		docStore := store.NewMemory()
		alice := NewClient(testLogger(), docStore)
		roomID, err := alice.CreateRoom(ctx, "alice")
		require.NoError(t, err)

		bob := NewClient(testLogger(), docStore)
		_, err = bob.JoinRoom(ctx, roomID, "bob")
		require.NoError(t, err)

		carol := NewClient(testLogger(), docStore)
		_, err = carol.JoinRoom(ctx, roomID, "carol")

		assert.ErrorIs(t, err, apperror.ErrRoomFull)
	})
}

func TestClient_SubmitMove(t *testing.T) {
	ctx := context.Background()

	t.Run("Writes cell, turn flip and last move in one update", func(t *testing.T) {
		// Given: a playing room
		docStore := store.NewMemory()
		alice, _, roomID := playingRoom(t, docStore)

		// When: SeatA submits a move
		require.NoError(t, alice.SubmitMove(ctx, 7, 7))

		// Then: the document carries all three fields of the move
		room := readRoom(t, docStore, roomID)
		assert.Equal(t, entity.SeatA, room.Board["7_7"])
		assert.Equal(t, entity.SeatB, room.Turn)
		require.NotNil(t, room.LastMove)
		assert.Equal(t, entity.Move{Row: 7, Col: 7, Seat: entity.SeatA}, *room.LastMove)
	})

	t.Run("Fails when not seated", func(t *testing.T) {
		docStore := store.NewMemory()
		idle := NewClient(testLogger(), docStore)

		err := idle.SubmitMove(ctx, 7, 7)

		assert.ErrorIs(t, err, apperror.ErrNotSeated)
	})
}

func TestClient_OutcomeAndRematch(t *testing.T) {
	ctx := context.Background()

	t.Run("ReportOutcome finishes the game", func(t *testing.T) {
		docStore := store.NewMemory()
		alice, _, roomID := playingRoom(t, docStore)

		require.NoError(t, alice.ReportOutcome(ctx, string(entity.SeatA)))

		room := readRoom(t, docStore, roomID)
		assert.True(t, room.IsFinished())
		assert.Equal(t, string(entity.SeatA), room.Winner)
	})

	t.Run("Reset clears the game but keeps the seats", func(t *testing.T) {
		// Given: a finished room with moves, chat, reactions and rematch votes
		docStore := store.NewMemory()
		alice, bob, roomID := playingRoom(t, docStore)

		require.NoError(t, alice.SubmitMove(ctx, 7, 7))
		require.NoError(t, alice.SendChatMessage(ctx, "good game"))
		require.NoError(t, bob.SendReaction(ctx, "😭"))
		require.NoError(t, alice.ReportOutcome(ctx, string(entity.SeatA)))
		require.NoError(t, alice.RequestRematch(ctx, true))
		require.NoError(t, bob.RequestRematch(ctx, true))

		// When: SeatA resets the room
		require.NoError(t, alice.ResetRoom(ctx))

		// Then: a fresh game in the same room
		room := readRoom(t, docStore, roomID)
		assert.True(t, room.IsPlaying())
		assert.Equal(t, entity.SeatA, room.Turn)
		assert.Empty(t, room.Board)
		assert.Empty(t, room.Winner)
		assert.Nil(t, room.LastMove)
		assert.Empty(t, room.Rematch)
		assert.Empty(t, room.Chat)
		assert.Empty(t, room.Reactions)
		assert.Equal(t, 2, room.OccupiedCount())
	})
}

func TestClient_Chat(t *testing.T) {
	ctx := context.Background()

	// Given: a playing room
	docStore := store.NewMemory()
	alice, bob, roomID := playingRoom(t, docStore)

	// When: both seats chat
	require.NoError(t, alice.SendChatMessage(ctx, "hi"))
	require.NoError(t, bob.SendChatMessage(ctx, "hello"))

	// Then: the decoded history is ordered and attributed
	room := readRoom(t, docStore, roomID)
	require.Len(t, room.Chat, 2)
	assert.Equal(t, "hi", room.Chat[0].Text)
	assert.Equal(t, "alice", room.Chat[0].Name)
	assert.Equal(t, entity.SeatB, room.Chat[1].Seat)
}

func TestClient_SeatTakeover(t *testing.T) {
	ctx := context.Background()

	t.Run("Token mismatch tears the session down to idle", func(t *testing.T) {
		// Given: alice seated in her own room
		docStore := store.NewMemory()
		alice := NewClient(testLogger(), docStore)
		roomID, err := alice.CreateRoom(ctx, "alice")
		require.NoError(t, err)

		updates := alice.Updates()
		waitLatest(t, alice, func(room *entity.Room) bool { return room.IsWaiting() })

		// When: another client overwrites her seat with a fresh token
		err = docStore.PartialUpdate(ctx, "room:"+roomID, store.Fields{
			entity.PlayerPath(entity.SeatA): entity.PlayerRecord{Name: "mallory", Token: "stolen", Online: true},
		})
		require.NoError(t, err)

		// Then: the next observation surfaces SeatInvalidated and alice is idle
		require.Eventually(t, func() bool {
			select {
			case update := <-updates:
				return update.Err != nil && assert.ErrorIs(t, update.Err, apperror.ErrSeatInvalidated)
			default:
				return false
			}
		}, waitFor, tick)

		assert.Equal(t, StateIdle, alice.State())
	})
}

func TestClient_LeaveRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("Leaving a live game resets the room to a waiting lobby", func(t *testing.T) {
		// Given: a playing room with a move on the board
		docStore := store.NewMemory()
		alice, bob, roomID := playingRoom(t, docStore)
		require.NoError(t, alice.SubmitMove(ctx, 7, 7))
		waitLatest(t, bob, func(room *entity.Room) bool { return len(room.Board) == 1 })

		// When: bob leaves mid-game
		require.NoError(t, bob.LeaveRoom(ctx))

		// Then: alice faces a waiting lobby, not a dead game
		room := readRoom(t, docStore, roomID)
		assert.True(t, room.IsWaiting())
		assert.False(t, room.Occupied(entity.SeatB))
		assert.True(t, room.Occupied(entity.SeatA))
		assert.Empty(t, room.Board)
		assert.Empty(t, room.Winner)
		assert.Empty(t, room.Rematch)
		assert.Equal(t, StateLeft, bob.State())
	})

	t.Run("Last occupant leaving deletes the record", func(t *testing.T) {
		docStore := store.NewMemory()
		alice := NewClient(testLogger(), docStore)
		roomID, err := alice.CreateRoom(ctx, "alice")
		require.NoError(t, err)
		waitLatest(t, alice, func(room *entity.Room) bool { return room.IsWaiting() })

		require.NoError(t, alice.LeaveRoom(ctx))

		_, err = docStore.Read(ctx, "room:"+roomID)
		assert.ErrorIs(t, err, store.ErrRecordNotFound)
	})

	t.Run("Fails when not seated", func(t *testing.T) {
		docStore := store.NewMemory()
		idle := NewClient(testLogger(), docStore)

		assert.ErrorIs(t, idle.LeaveRoom(ctx), apperror.ErrNotSeated)
	})
}

func TestClient_Updates(t *testing.T) {
	ctx := context.Background()

	// Given: a seated client
	docStore := store.NewMemory()
	alice := NewClient(testLogger(), docStore)
	roomID, err := alice.CreateRoom(ctx, "alice")
	require.NoError(t, err)

	updates := alice.Updates()
	require.NotNil(t, updates)

	// When: a second player joins
	bob := NewClient(testLogger(), docStore)
	_, err = bob.JoinRoom(ctx, roomID, "bob")
	require.NoError(t, err)

	// Then: alice observes the room flip to playing via push alone
	require.Eventually(t, func() bool {
		select {
		case update := <-updates:
			return update.Err == nil && update.Room != nil && update.Room.IsPlaying()
		default:
			return false
		}
	}, waitFor, tick)
}

// playingRoom seats two clients in a fresh room and waits until both
// have observed the playing state.
func playingRoom(t *testing.T, docStore store.DocumentStore) (alice, bob *Client, roomID string) {
	t.Helper()

	ctx := context.Background()

	alice = NewClient(testLogger(), docStore)
	roomID, err := alice.CreateRoom(ctx, "alice")
	require.NoError(t, err)

	bob = NewClient(testLogger(), docStore)
	_, err = bob.JoinRoom(ctx, roomID, "bob")
	require.NoError(t, err)

	waitLatest(t, alice, func(room *entity.Room) bool { return room.IsPlaying() })
	waitLatest(t, bob, func(room *entity.Room) bool { return room.IsPlaying() })

	return alice, bob, roomID
}
