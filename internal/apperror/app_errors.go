package apperror

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomFull          = errors.New("room is already full")
	ErrRoomAlreadyExists = errors.New("room already exists")
	ErrSeatInvalidated   = errors.New("seat was taken over by another session")
	ErrInvalidMove       = errors.New("invalid move")
	ErrStoreUnavailable  = errors.New("document store unavailable")
	ErrNotSeated         = errors.New("client is not seated in a room")
)
