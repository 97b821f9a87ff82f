package engine

import "errors"

var (
	ErrNotStarted      = errors.New("engine: not started")
	ErrAlreadyStarted  = errors.New("engine: already started")
	ErrMessageNotFound = errors.New("engine: message not found")
	ErrNotFileMessage  = errors.New("engine: not a file message")
	ErrFilesDisabled   = errors.New("engine: no upload manager configured")
	ErrInvalidMessage  = errors.New("engine: message requires conversation_id and receiver_id")
)
