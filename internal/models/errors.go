package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConfiguration     = errors.New("configuration error")
	ErrConflict          = errors.New("concurrent update conflict")

	// ErrAlreadyClaimed is the claim race loser's error; it is also an ErrInvalidTransition.
	ErrAlreadyClaimed = fmt.Errorf("%w: already claimed", ErrInvalidTransition)
)
