package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFields(t *testing.T, fields map[string]any) map[string]json.RawMessage {
	t.Helper()

	out := make(map[string]json.RawMessage, len(fields))
	for path, value := range fields {
		raw, err := json.Marshal(value)
		require.NoError(t, err)
		out[path] = raw
	}

	return out
}

func TestDecodeRoom(t *testing.T) {
	t.Run("Decodes a full document", func(t *testing.T) {
		// Given: a field map the store would push mid-game
		fields := rawFields(t, map[string]any{
			"players/p1":   PlayerRecord{Name: "alice", Token: "tok-a", Online: true},
			"players/p2":   PlayerRecord{Name: "bob", Token: "tok-b", Online: true},
			"status":       StatusPlaying,
			"turn":         SeatB,
			"board/7_7":    SeatA,
			"board/8_8":    SeatB,
			"lastMove":     Move{Row: 8, Col: 8, Seat: SeatB},
			"rematch/p1":   true,
			"reactions/p2": Reaction{Emoji: "🔥", SentAt: 42},
		})

		// When: decoding
		room := DecodeRoom("1234", fields)

		// Then: every field lands in its place
		assert.Equal(t, "1234", room.ID)
		require.NotNil(t, room.Player(SeatA))
		assert.Equal(t, "alice", room.Player(SeatA).Name)
		assert.Equal(t, "tok-b", room.Player(SeatB).Token)
		assert.True(t, room.IsPlaying())
		assert.Equal(t, SeatB, room.Turn)
		assert.Equal(t, map[string]Seat{"7_7": SeatA, "8_8": SeatB}, room.Board)
		require.NotNil(t, room.LastMove)
		assert.Equal(t, Move{Row: 8, Col: 8, Seat: SeatB}, *room.LastMove)
		assert.True(t, room.Rematch[SeatA])
		assert.Equal(t, "🔥", room.Reactions[SeatB].Emoji)
	})

	t.Run("Restores chat order from time-ordered keys", func(t *testing.T) {
		// Given: chat entries whose map iteration order is arbitrary
		fields := rawFields(t, map[string]any{
			"chat/0000000000002-bb": ChatMessage{Seat: SeatB, Name: "bob", Text: "second", SentAt: 2},
			"chat/0000000000001-aa": ChatMessage{Seat: SeatA, Name: "alice", Text: "first", SentAt: 1},
			"chat/0000000000003-cc": ChatMessage{Seat: SeatA, Name: "alice", Text: "third", SentAt: 3},
		})

		// When: decoding
		room := DecodeRoom("1234", fields)

		// Then: messages come out in send order
		require.Len(t, room.Chat, 3)
		assert.Equal(t, "first", room.Chat[0].Text)
		assert.Equal(t, "second", room.Chat[1].Text)
		assert.Equal(t, "third", room.Chat[2].Text)
	})

	t.Run("Skips unknown paths and undecodable leaves", func(t *testing.T) {
		// Given: store metadata, a half-written leaf and a bogus seat
		fields := map[string]json.RawMessage{
			"_created":      json.RawMessage(`1730000000`),
			"status":        json.RawMessage(`"waiting"`),
			"players/p1":    json.RawMessage(`{"name": truncated`),
			"players/p9":    json.RawMessage(`{"name":"evil"}`),
			"board/7_7":     json.RawMessage(`{"not":"a seat"}`),
			"somethingElse": json.RawMessage(`true`),
		}

		// When: decoding
		room := DecodeRoom("1234", fields)

		// Then: the document still comes out usable
		assert.True(t, room.IsWaiting())
		assert.Empty(t, room.Players)
		assert.Empty(t, room.Board)
	})

	t.Run("Empty field map decodes to an open, waiting-free room", func(t *testing.T) {
		room := DecodeRoom("1234", nil)

		seat, open := room.OpenSeat()
		assert.True(t, open)
		assert.Equal(t, SeatA, seat)
		assert.Zero(t, room.OccupiedCount())
	})
}

func TestRoom_Seats(t *testing.T) {
	t.Run("OpenSeat prefers SeatA, then SeatB, then none", func(t *testing.T) {
		room := &Room{Players: map[Seat]*PlayerRecord{}}

		seat, open := room.OpenSeat()
		require.True(t, open)
		assert.Equal(t, SeatA, seat)

		room.Players[SeatA] = &PlayerRecord{Name: "alice"}
		seat, open = room.OpenSeat()
		require.True(t, open)
		assert.Equal(t, SeatB, seat)

		room.Players[SeatB] = &PlayerRecord{Name: "bob"}
		_, open = room.OpenSeat()
		assert.False(t, open)
		assert.Equal(t, 2, room.OccupiedCount())
	})

	t.Run("Opponent flips between the two seats", func(t *testing.T) {
		assert.Equal(t, SeatB, SeatA.Opponent())
		assert.Equal(t, SeatA, SeatB.Opponent())
	})

	t.Run("Valid accepts only the two seat ids", func(t *testing.T) {
		assert.True(t, SeatA.Valid())
		assert.True(t, SeatB.Valid())
		assert.False(t, Seat("p3").Valid())
		assert.False(t, Seat("").Valid())
	})
}

func TestRoom_BothWantRematch(t *testing.T) {
	room := &Room{Rematch: map[Seat]bool{SeatA: true}}
	assert.False(t, room.BothWantRematch())

	room.Rematch[SeatB] = true
	assert.True(t, room.BothWantRematch())
}

func TestFieldPaths(t *testing.T) {
	assert.Equal(t, "players/p1", PlayerPath(SeatA))
	assert.Equal(t, "board/3_7", CellPath(3, 7))
	assert.Equal(t, "rematch/p2", RematchPath(SeatB))
	assert.Equal(t, "chat/abc", ChatPath("abc"))
	assert.Equal(t, "reactions/p1", ReactionPath(SeatA))
}
