package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionEnded      = errors.New("session has ended")
	ErrInvalidState      = errors.New("operation not valid in current session state")
	ErrNotAuthorized     = errors.New("not authorized for this operation")
	ErrQueueInconsistent = errors.New("queue positions inconsistent")
	ErrAlreadyJoined     = errors.New("user already joined")
	ErrBadJoinCode       = errors.New("join code does not match")
	ErrEmptyQueue        = errors.New("queue must not be empty")
)
