package entity

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/carogames/gomoku-session/internal/gomoku"
)

const (
	StatusWaiting  = "waiting"
	StatusPlaying  = "playing"
	StatusFinished = "finished"
)

const (
	WinnerNone = ""
	WinnerDraw = "draw"
)

// Seat is one of the two fixed player slots in a room.
type Seat string

const (
	SeatA Seat = "p1"
	SeatB Seat = "p2"
)

func (that Seat) Valid() bool {
	return that == SeatA || that == SeatB
}

func (that Seat) Opponent() Seat {
	if that == SeatA {
		return SeatB
	}
	return SeatA
}

// PlayerRecord is a seat's occupancy record inside the session document.
// Token is written once at join time and never changes while the seat is
// held; every push is checked against it to detect a seat takeover.
type PlayerRecord struct {
	Name   string `json:"name"`
	Token  string `json:"token"`
	Online bool   `json:"online"`
}

type Move struct {
	Row  int  `json:"row"`
	Col  int  `json:"col"`
	Seat Seat `json:"seat"`
}

type ChatMessage struct {
	Seat   Seat   `json:"seat"`
	Name   string `json:"name"`
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt"`
}

type Reaction struct {
	Emoji  string `json:"emoji"`
	SentAt int64  `json:"sentAt"`
}

// Room is the decoded form of one session document: the full shared state
// of a game room. It is rebuilt from the store's field map on every push
// and is the single source of truth once a write is acknowledged.
type Room struct {
	ID        string
	Players   map[Seat]*PlayerRecord
	Status    string
	Board     map[string]Seat
	Turn      Seat
	Winner    string
	LastMove  *Move
	Rematch   map[Seat]bool
	Chat      []ChatMessage
	Reactions map[Seat]Reaction
}

// Field path segments of the session document. Partial updates address
// leaves as "segment/sub", e.g. "players/p1" or "board/3_7".
const (
	PathPlayers   = "players"
	PathStatus    = "status"
	PathBoard     = "board"
	PathTurn      = "turn"
	PathWinner    = "winner"
	PathLastMove  = "lastMove"
	PathRematch   = "rematch"
	PathChat      = "chat"
	PathReactions = "reactions"
)

func PlayerPath(seat Seat) string {
	return PathPlayers + "/" + string(seat)
}

func CellPath(row, col int) string {
	return PathBoard + "/" + gomoku.CellKey(row, col)
}

func RematchPath(seat Seat) string {
	return PathRematch + "/" + string(seat)
}

func ChatPath(key string) string {
	return PathChat + "/" + key
}

func ReactionPath(seat Seat) string {
	return PathReactions + "/" + string(seat)
}

// DecodeRoom rebuilds a Room from the raw field map a store push carries.
// Unknown paths and leaves that fail to decode are skipped rather than
// rejected: a concurrent writer may have died mid-update and the protocol
// has to keep working off whatever is there.
func DecodeRoom(id string, fields map[string]json.RawMessage) *Room {
	room := &Room{
		ID:        id,
		Players:   make(map[Seat]*PlayerRecord),
		Board:     make(map[string]Seat),
		Rematch:   make(map[Seat]bool),
		Reactions: make(map[Seat]Reaction),
	}

	chatKeys := make([]string, 0)
	chatByKey := make(map[string]ChatMessage)

	for path, raw := range fields {
		head, rest, _ := strings.Cut(path, "/")

		switch head {
		case PathStatus:
			decodeLeaf(raw, &room.Status)
		case PathTurn:
			decodeLeaf(raw, &room.Turn)
		case PathWinner:
			decodeLeaf(raw, &room.Winner)
		case PathLastMove:
			var move Move
			if decodeLeaf(raw, &move) {
				room.LastMove = &move
			}
		case PathPlayers:
			var player PlayerRecord
			if seat := Seat(rest); seat.Valid() && decodeLeaf(raw, &player) {
				room.Players[seat] = &player
			}
		case PathBoard:
			var stone Seat
			if decodeLeaf(raw, &stone) && stone.Valid() {
				room.Board[rest] = stone
			}
		case PathRematch:
			var wants bool
			if seat := Seat(rest); seat.Valid() && decodeLeaf(raw, &wants) {
				room.Rematch[seat] = wants
			}
		case PathChat:
			var msg ChatMessage
			if decodeLeaf(raw, &msg) {
				chatKeys = append(chatKeys, rest)
				chatByKey[rest] = msg
			}
		case PathReactions:
			var reaction Reaction
			if seat := Seat(rest); seat.Valid() && decodeLeaf(raw, &reaction) {
				room.Reactions[seat] = reaction
			}
		}
	}

	// Chat keys are generated time-ordered, so a lexicographic sort
	// restores send order.
	sort.Strings(chatKeys)
	for _, key := range chatKeys {
		room.Chat = append(room.Chat, chatByKey[key])
	}

	return room
}

func decodeLeaf(raw json.RawMessage, dst any) bool {
	return json.Unmarshal(raw, dst) == nil
}

func (that *Room) IsWaiting() bool {
	return that.Status == StatusWaiting
}

func (that *Room) IsPlaying() bool {
	return that.Status == StatusPlaying
}

func (that *Room) IsFinished() bool {
	return that.Status == StatusFinished
}

func (that *Room) Player(seat Seat) *PlayerRecord {
	return that.Players[seat]
}

func (that *Room) Occupied(seat Seat) bool {
	return that.Players[seat] != nil
}

// OpenSeat returns the first free seat, SeatA before SeatB.
func (that *Room) OpenSeat() (Seat, bool) {
	for _, seat := range []Seat{SeatA, SeatB} {
		if !that.Occupied(seat) {
			return seat, true
		}
	}

	return "", false
}

func (that *Room) OccupiedCount() int {
	count := 0
	for _, seat := range []Seat{SeatA, SeatB} {
		if that.Occupied(seat) {
			count++
		}
	}

	return count
}

func (that *Room) BothWantRematch() bool {
	return that.Rematch[SeatA] && that.Rematch[SeatB]
}
